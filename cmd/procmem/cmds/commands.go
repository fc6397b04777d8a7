package cmds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/go-delve/procmem/cmd/procmem/cmds/helphelpers"
	"github.com/go-delve/procmem/pkg/config"
	"github.com/go-delve/procmem/pkg/logflags"
	"github.com/go-delve/procmem/pkg/proc"
	"github.com/go-delve/procmem/pkg/proc/native"
	"github.com/go-delve/procmem/pkg/proc/linutil"
	"github.com/go-delve/procmem/pkg/terminal"
	"github.com/go-delve/procmem/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// traceAttach always attaches to the target with ptrace.
	traceAttach bool
	// initFile is the path to initialization file.
	initFile string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const procmemCommandLongDesc = `Procmem inspects and modifies the memory of running Linux processes.

It reads the memory map of a process, groups its file backed regions into
modules, resolves ELF symbols of those modules to runtime addresses and
reads or writes memory at those addresses.

Memory is transferred with process_vm_readv and process_vm_writev when the
kernel allows it. Otherwise, or with --trace-attach, the target is attached
with ptrace and stopped until it is detached or continued.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	var err error
	conf, err = config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}

	// Main procmem root command.
	rootCommand = &cobra.Command{
		Use:   "procmem",
		Short: "Procmem inspects the memory of running processes.",
		Long:  procmemCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'procmem help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'procmem help log').")
	rootCommand.PersistentFlags().BoolVarP(&traceAttach, "trace-attach", "", false, "Always attach to the target with ptrace.")

	// 'ps' subcommand.
	psCommand := &cobra.Command{
		Use:   "ps [pattern]",
		Short: "Lists processes by name.",
		Long: `Lists the processes whose command name, or the base name of whose first
argument, matches pattern.

Patterns containing any of '*', '?' or '[' are shell globs, other patterns
must be equal to the name. Without a pattern every process whose memory map
can be read is listed.`,
		Args: cobra.MaximumNArgs(1),
		Run:  psCmd,
	}
	rootCommand.AddCommand(psCommand)

	// 'maps' subcommand.
	mapsCommand := &cobra.Command{
		Use:   "maps <pid> [filter]",
		Short: "Prints the memory map of a process.",
		Args:  pidArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(args[0], nil, join("maps", args[1:]...)))
		},
	}
	rootCommand.AddCommand(mapsCommand)

	// 'modules' subcommand.
	modulesCommand := &cobra.Command{
		Use:   "modules <pid> [filter]",
		Short: "Prints the modules loaded by a process.",
		Args:  pidArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(args[0], nil, join("modules", args[1:]...)))
		},
	}
	rootCommand.AddCommand(modulesCommand)

	// 'sym' subcommand.
	symCommand := &cobra.Command{
		Use:   "sym <pid> <module> <name>",
		Short: "Resolves a symbol of a module to its runtime address.",
		Long: `Resolves a symbol of a module to its runtime address.

Module is the path or the base name of a loaded file, or '-' for the
executable.`,
		Args: pidArgs(3, 3),
		Run: func(cmd *cobra.Command, args []string) {
			name := args[2]
			if args[1] != "-" {
				name = args[1] + "!" + name
			}
			os.Exit(execute(args[0], nil, join("sym", name)))
		},
	}
	rootCommand.AddCommand(symCommand)

	// 'addr' subcommand.
	addrCommand := &cobra.Command{
		Use:   "addr <pid> <address>",
		Short: "Prints the module and symbol containing an address.",
		Args:  pidArgs(2, 2),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(args[0], nil, join("addr", args[1])))
		},
	}
	rootCommand.AddCommand(addrCommand)

	// 'read' subcommand.
	readCommand := &cobra.Command{
		Use:   "read <pid> <address> <len>",
		Short: "Prints a hexdump of the memory of a process.",
		Long: `Prints a hexdump of len bytes of the memory of a process.

Address is a number, a symbol name or a symbol name plus an offset
(main.buf+0x10).`,
		Args: pidArgs(3, 3),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(args[0], nil, join("read", "-len", args[2], args[1])))
		},
	}
	rootCommand.AddCommand(readCommand)

	// 'write' subcommand.
	writeCommand := &cobra.Command{
		Use:   "write <pid> <address> <hex bytes>",
		Short: "Writes to the memory of a process.",
		Args:  pidArgs(3, -1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(args[0], nil, join("write", args[1:]...)))
		},
	}
	rootCommand.AddCommand(writeCommand)

	// 'dump' subcommand.
	dumpCommand := &cobra.Command{
		Use:   "dump <pid> <output file>",
		Short: "Writes the readable memory of a process to an ELF core file.",
		Args:  pidArgs(2, 2),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(args[0], nil, join("dump", args[1])))
		},
	}
	rootCommand.AddCommand(dumpCommand)

	// 'shell' subcommand.
	shellCommand := &cobra.Command{
		Use:   "shell <pid>",
		Short: "Starts an interactive shell on a process.",
		Long: `Starts an interactive shell on a process.

Type 'help' in the shell for the list of commands. The shell releases the
process when it exits.`,
		Args: pidArgs(1, 1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(args[0], func(t *terminal.Term) (int, error) {
				t.InitFile = initFile
				return t.Run()
			}, ""))
		},
	}
	shellCommand.Flags().StringVar(&initFile, "init", "", "Init file, executed by the shell.")
	rootCommand.AddCommand(shellCommand)

	// 'script' subcommand.
	scriptCommand := &cobra.Command{
		Use:   "script <pid> <file>",
		Short: "Runs a script on a process.",
		Long: `Runs a script on a process.

Files ending in .star are starlark scripts, their main function is called
after the script is loaded. Other files are lists of shell commands.`,
		Args: pidArgs(2, 2),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(args[0], func(t *terminal.Term) (int, error) {
				defer t.Close()
				if err := t.Source(args[1]); err != nil {
					return 1, err
				}
				return 0, nil
			}, ""))
		},
	}
	rootCommand.AddCommand(scriptCommand)

	// 'version' subcommand.
	var versionVerbose = false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Procmem\n%s\n", version.ProcmemVersion)
			if versionVerbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	locator		Log process lookups
	maps		Log memory map parsing
	modules		Log module and image loading
	symbols		Log symbol table construction
	memory		Log memory transfers
	session		Log session and trace attach events
	shell		Log shell commands and scripts

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})
	return rootCommand
}

// pidArgs checks that the command has between lo and hi arguments, hi < 0
// meaning no limit, and that the first one is a pid.
func pidArgs(lo, hi int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < lo {
			return errors.New("not enough arguments")
		}
		if hi >= 0 && len(args) > hi {
			return fmt.Errorf("accepts at most %d arg(s), received %d", hi, len(args))
		}
		if _, err := parsePid(args[0]); err != nil {
			return err
		}
		return nil
	}
}

func parsePid(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid: %s", s)
	}
	return pid, nil
}

// join builds a shell command line, quoting arguments containing spaces.
func join(cmd string, args ...string) string {
	v := []string{cmd}
	for _, arg := range args {
		if strings.ContainsAny(arg, " \t\"") {
			arg = strconv.Quote(arg)
		}
		v = append(v, arg)
	}
	return strings.Join(v, " ")
}

func psCmd(cmd *cobra.Command, args []string) {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	pattern := "*"
	if len(args) > 0 {
		pattern = args[0]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT)
	defer cancel()

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintln(w, "PID\tCOMM\tWIDTH\tCMDLINE")
	it := native.FindByName(ctx, pattern)
	for it.Next() {
		h := it.Handle()
		fmt.Fprintf(w, "%d\t%s\t%v\t%s\n", h.Pid(), h.Comm(), h.Width(), linutil.FormatCmdline(h.Cmdline()))
	}
	w.Flush()
	if it.Denied > 0 {
		fmt.Fprintf(os.Stderr, "%d matching processes skipped, permission denied\n", it.Denied)
	}
	status := 0
	if err := it.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		status = 1
	}
	logflags.Close()
	os.Exit(status)
}

// execute opens a session on the process identified by pidstr and either
// runs the shell command cmdstr or calls run with a terminal on the session.
// The session is closed before execute returns.
func execute(pidstr string, run func(*terminal.Term) (int, error), cmdstr string) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	pid, err := parsePid(pidstr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	sess, err := openSession(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not open process %d: %v\n", pid, err)
		return 1
	}
	defer func() {
		if err := sess.Close(); err != nil && !errors.Is(err, proc.ErrProcessGone) && !errors.Is(err, proc.ErrDetached) {
			fmt.Fprintf(os.Stderr, "could not release process %d: %v\n", pid, err)
		}
	}()

	term := terminal.New(sess, conf)
	if run != nil {
		status, err := run(term)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		return status
	}
	defer term.Close()
	if err := term.Exec(cmdstr); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

func openSession(pid int) (*proc.Session, error) {
	h, err := native.FindByPid(pid)
	if err != nil {
		return nil, err
	}
	addrCacheSize := conf.GetAddrCacheSize()
	return native.Open(h, native.OpenOptions{
		ForceTraceAttach: traceAttach || conf.ForceTraceAttach,
		SessionOptions: proc.SessionOptions{
			ImageCacheSize:   conf.GetImageCacheSize(),
			AddrCacheSize:    addrCacheSize,
			DisableAddrCache: addrCacheSize == 0,
		},
	})
}
