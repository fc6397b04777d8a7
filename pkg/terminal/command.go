// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/go-delve/procmem/pkg/proc"
	"github.com/go-delve/procmem/pkg/proc/linutil"
)

const defaultReadLen = 64

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	symbolArgs     bool // arguments can be symbol names
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the procmem shell.
type Commands struct {
	cmds []command
}

// MemoryCommands returns a Commands struct with default commands defined.
func MemoryCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"maps", "regions"}, group: mapCmds, cmdFn: mapsCmd, helpMsg: `Prints the memory map of the target.

	maps [<filter>]

Only regions whose path, or name for named anonymous mappings, contains filter are printed. The map is the one read by the last refresh.`},
		{aliases: []string{"modules", "mods"}, group: mapCmds, cmdFn: modulesCmd, helpMsg: `Prints the loaded modules.

	modules [<filter>]

A module groups the regions mapping the same file. For each module the load address range, the load bias and the source of its symbols are printed.`},
		{aliases: []string{"libs"}, group: mapCmds, cmdFn: libsCmd, helpMsg: `Lists the shared libraries known to the dynamic linker.

	libs`},
		{aliases: []string{"refresh", "r"}, group: mapCmds, cmdFn: refreshCmd, helpMsg: `Reads the memory map of the target again.

	refresh

Modules, symbol tables and address lookups of the previous map are discarded.`},
		{aliases: []string{"info"}, group: mapCmds, cmdFn: infoCmd, helpMsg: `Prints information about the target and the session.

	info`},
		{aliases: []string{"sym", "s"}, group: symbolCmds, symbolArgs: true, cmdFn: symCmd, helpMsg: `Resolves a symbol name to its address.

	sym [<module>!]<name>

Without a module the executable is searched first, then every other module.`},
		{aliases: []string{"syms"}, group: symbolCmds, symbolArgs: true, cmdFn: symsCmd, helpMsg: `Lists the symbols whose name starts with prefix.

	syms [-m <module>] [<prefix>]

Without -m the symbols of the executable are listed.`},
		{aliases: []string{"addr", "whatis"}, group: symbolCmds, symbolArgs: true, cmdFn: addrCmd, helpMsg: `Prints the module and symbol containing an address.

	addr <address>`},
		{aliases: []string{"read", "x", "examinemem"}, group: dataCmds, symbolArgs: true, cmdFn: readCmd, helpMsg: `Reads memory of the target.

	read [-fmt <format>] [-size <bytes>] [-len <count>] <address>

Address is a number, a symbol name or a symbol name plus an offset (main.buf+0x10).
Without -fmt a hexdump of -len bytes (default 64) is printed. With -fmt, -len
values of -size bytes (1, 2, 4 or 8) are printed in format, one of hex, dec, oct or bin.
The number of bytes read is limited by the max-dump-bytes configuration parameter.`},
		{aliases: []string{"write", "w"}, group: dataCmds, symbolArgs: true, cmdFn: writeCmd, helpMsg: `Writes memory of the target.

	write <address> <hex bytes>
	write -s <address> <string>

Hex bytes can be separated by spaces (de ad be ef) or not (deadbeef). Writes to regions that are not writable fail without being attempted.`},
		{aliases: []string{"ptr", "p"}, group: dataCmds, symbolArgs: true, cmdFn: ptrCmd, helpMsg: `Reads a pointer sized value.

	ptr <address>

The value is symbolized when it points inside a loaded module.`},
		{aliases: []string{"str"}, group: dataCmds, symbolArgs: true, cmdFn: strCmd, helpMsg: `Reads a NUL terminated string.

	str <address> [<max>]`},
		{aliases: []string{"dump"}, group: dataCmds, cmdFn: dumpCmd, helpMsg: `Writes the readable memory of the target to an ELF core file.

	dump <output file>`},
		{aliases: []string{"continue", "c"}, group: targetCmds, cmdFn: continueCmd, helpMsg: `Resumes a target stopped by a trace attach.

	continue`},
		{aliases: []string{"detach"}, group: targetCmds, cmdFn: detachCmd, helpMsg: `Releases the target.

	detach

A trace attached target is resumed. No memory can be accessed afterwards.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of procmem commands.

	source <path>

If path ends with the .star extension it will be interpreted as a starlark script. See the procmem scripting documentation for the list of builtins.

If path is a single '-' character an interactive starlark interpreter will start instead. Type 'exit' to exit.`},
		{aliases: []string{"transcript"}, cmdFn: transcript, helpMsg: `Appends command output to a file.

	transcript [-t] [-x] <output file>
	transcript -off

Output of procmem's command is appended to the specified output file. If '-t' is specified and the output file exists it is truncated. If '-x' is specified output to stdout is suppressed instead.

Using the -off option disables the transcript.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the shell, releasing the target.

	exit`},
	}

	return c
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			c.cmds[i].helpMsg = helpMsg
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

func (c *Commands) takesSymbol(cmdstr string) bool {
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.symbolArgs
		}
	}
	return false
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	defer t.stdout.pw.Reset()
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

var noCmdError = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return noCmdError
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return noCmdError
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits a command line the way a shell would, honouring quotes.
func splitArgs(args string) ([]string, error) {
	v, err := argv.Argv(args, func(s string) (string, error) {
		return "", fmt.Errorf("backtick not supported in '%s'", s)
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, errors.New("pipes are not supported")
	}
	return v[0], nil
}

func (t *Term) session() (*proc.Session, error) {
	if t.sess == nil {
		return nil, errors.New("no target")
	}
	return t.sess, nil
}

func mapsCmd(t *Term, args string) error {
	s, err := t.session()
	if err != nil {
		return err
	}
	snap, err := s.Snapshot()
	if err != nil {
		return err
	}
	t.stdout.pw.PageMaybe(nil)
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)
	for _, r := range snap.Regions() {
		path := r.Path
		if r.Name != "" {
			path = "[anon:" + r.Name + "]"
		}
		if args != "" && !strings.Contains(path, args) {
			continue
		}
		if r.Deleted {
			path += " (deleted)"
		}
		fmt.Fprintf(w, "%#x-%#x\t%v\t%#x\t%v\t%d\t%v\t%s\n", r.Start, r.End, r.Perm, r.Offset, r.Dev, r.Inode, r.Kind, path)
	}
	return w.Flush()
}

func modulesCmd(t *Term, args string) error {
	s, err := t.session()
	if err != nil {
		return err
	}
	modules, err := s.Modules()
	if err != nil {
		return err
	}
	t.stdout.pw.PageMaybe(nil)
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)
	for _, m := range modules {
		if args != "" && !strings.Contains(m.Path, args) {
			continue
		}
		symbols := m.Source.String()
		if m.LoadErr != nil {
			symbols = "no symbols: " + m.LoadErr.Error()
		}
		fmt.Fprintf(w, "%#x-%#x\tbias %#x\t%s\t%s\n", m.Base, m.End(), m.Bias, m.Path, symbols)
	}
	return w.Flush()
}

func libsCmd(t *Term, args string) error {
	s, err := t.session()
	if err != nil {
		return err
	}
	libs, err := s.LinkMap()
	if err != nil {
		return err
	}
	if len(libs) == 0 {
		fmt.Fprintln(t.stdout, "no shared libraries")
		return nil
	}
	d := digits(len(libs))
	for i := range libs {
		name := libs[i].Name
		if name == "" {
			name = "<executable>"
		}
		fmt.Fprintf(t.stdout, "%"+strconv.Itoa(d)+"d. %#x %s\n", i, libs[i].Addr, name)
	}
	return nil
}

func digits(n int) int {
	if n <= 0 {
		return 1
	}
	return int(math.Floor(math.Log10(float64(n)))) + 1
}

func refreshCmd(t *Term, args string) error {
	s, err := t.session()
	if err != nil {
		return err
	}
	snap, err := s.Refresh()
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "generation %d, %d regions\n", snap.Generation(), snap.Len())
	return nil
}

func infoCmd(t *Term, args string) error {
	s, err := t.session()
	if err != nil {
		return err
	}
	h := s.Handle()
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "Pid\t%d\n", h.Pid())
	fmt.Fprintf(w, "Comm\t%s\n", h.Comm())
	fmt.Fprintf(w, "Cmdline\t%s\n", linutil.FormatCmdline(h.Cmdline()))
	fmt.Fprintf(w, "Width\t%v\n", h.Width())
	fmt.Fprintf(w, "Access\t%v\n", h.Mode())
	fmt.Fprintf(w, "State\t%v\n", h.State())
	fmt.Fprintf(w, "Session\t%s\n", s.ID())
	fmt.Fprintf(w, "Generation\t%d\n", s.Generation())
	if auxv, err := s.Auxv(); err == nil {
		fmt.Fprintf(w, "Entry point\t%#x\n", auxv.Entry)
		fmt.Fprintf(w, "Program headers\t%#x\n", auxv.Phdr)
		if auxv.InterpBase != 0 {
			fmt.Fprintf(w, "Interpreter\t%#x\n", auxv.InterpBase)
		}
	}
	return w.Flush()
}

// lookupSymbol resolves [module!]name. Without a module the executable is
// searched first and then every other module in address order.
func lookupSymbol(s *proc.Session, expr string) (*proc.Module, proc.Symbol, error) {
	if idx := strings.Index(expr, "!"); idx >= 0 {
		m, err := s.FindModule(expr[:idx])
		if err != nil {
			return nil, proc.Symbol{}, err
		}
		sym, err := s.Resolve(m, expr[idx+1:])
		return m, sym, err
	}

	exe, err := s.Executable()
	if err == nil {
		if sym, err := s.Resolve(exe, expr); err == nil {
			return exe, sym, nil
		}
	}
	modules, err := s.Modules()
	if err != nil {
		return nil, proc.Symbol{}, err
	}
	for _, m := range modules {
		if m == exe || m.LoadErr != nil {
			continue
		}
		if sym, err := s.Resolve(m, expr); err == nil {
			return m, sym, nil
		}
	}
	return nil, proc.Symbol{}, &proc.SymbolNotFoundError{Module: "any module", Name: expr}
}

// parseAddress parses a number, [module!]symbol or [module!]symbol+offset.
func parseAddress(s *proc.Session, expr string) (uint64, error) {
	if expr == "" {
		return 0, errors.New("no address specified")
	}
	if addr, err := strconv.ParseUint(expr, 0, 64); err == nil {
		return addr, nil
	}
	name, off := expr, uint64(0)
	if idx := strings.LastIndex(expr, "+"); idx > 0 {
		n, err := strconv.ParseUint(expr[idx+1:], 0, 64)
		if err != nil {
			return 0, fmt.Errorf("bad offset in %q: %v", expr, err)
		}
		name, off = expr[:idx], n
	}
	_, sym, err := lookupSymbol(s, name)
	if err != nil {
		return 0, err
	}
	return sym.Addr + off, nil
}

func formatSymbol(m *proc.Module, sym proc.Symbol, addr uint64) string {
	if addr == sym.Addr {
		return fmt.Sprintf("%s!%s", m.Name(), sym.Name)
	}
	return fmt.Sprintf("%s!%s+%#x", m.Name(), sym.Name, addr-sym.Addr)
}

func symCmd(t *Term, args string) error {
	s, err := t.session()
	if err != nil {
		return err
	}
	if args == "" {
		return errors.New("not enough arguments")
	}
	m, sym, err := lookupSymbol(s, args)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%#x %s size %d %v %v (%s)\n", sym.Addr, sym.Name, sym.Size, sym.Bind, sym.Type, m.Path)
	return nil
}

func symsCmd(t *Term, args string) error {
	s, err := t.session()
	if err != nil {
		return err
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	var m *proc.Module
	var prefix string
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case "-m":
			i++
			if i >= len(v) {
				return errors.New("expected argument after -m")
			}
			m, err = s.FindModule(v[i])
			if err != nil {
				return err
			}
		default:
			if prefix != "" {
				return fmt.Errorf("unknown argument %q", v[i])
			}
			prefix = v[i]
		}
	}
	if m == nil {
		m, err = s.Executable()
		if err != nil {
			return err
		}
	}
	syms, err := s.SymbolsWithPrefix(m, prefix)
	if err != nil {
		return err
	}
	t.stdout.pw.PageMaybe(nil)
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)
	for _, sym := range syms {
		fmt.Fprintf(w, "%#x\t%d\t%v\t%v\t%s\n", sym.Addr, sym.Size, sym.Bind, sym.Type, sym.Name)
	}
	return w.Flush()
}

func addrCmd(t *Term, args string) error {
	s, err := t.session()
	if err != nil {
		return err
	}
	addr, err := parseAddress(s, args)
	if err != nil {
		return err
	}
	m, sym, err := s.Symbolize(addr)
	if err != nil {
		if m != nil {
			fmt.Fprintf(t.stdout, "%#x %s+%#x\n", addr, m.Name(), addr-m.Base)
			return nil
		}
		return err
	}
	fmt.Fprintf(t.stdout, "%#x %s\n", addr, formatSymbol(m, sym, addr))
	return nil
}

func readCmd(t *Term, args string) error {
	s, err := t.session()
	if err != nil {
		return err
	}
	v := strings.Fields(args)

	var (
		address uint64
		ok      bool
		priFmt  byte
		count   = -1
		size    = 1
	)

	for i := 0; i < len(v); i++ {
		switch v[i] {
		case "-fmt":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -fmt")
			}
			fmtMapToPriFmt := map[string]byte{
				"oct":         'o',
				"octal":       'o',
				"hex":         'x',
				"hexadecimal": 'x',
				"dec":         'd',
				"decimal":     'd',
				"bin":         'b',
				"binary":      'b',
			}
			priFmt, ok = fmtMapToPriFmt[v[i]]
			if !ok {
				return fmt.Errorf("%q is not a valid format", v[i])
			}
		case "-count", "-len":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -count/-len")
			}
			count, err = strconv.Atoi(v[i])
			if err != nil || count <= 0 {
				return fmt.Errorf("count/len must be a positive integer")
			}
		case "-size":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -size")
			}
			size, err = strconv.Atoi(v[i])
			if err != nil || (size != 1 && size != 2 && size != 4 && size != 8) {
				return fmt.Errorf("size must be one of 1, 2, 4 or 8")
			}
		default:
			if i != len(v)-1 {
				return fmt.Errorf("unknown option %q", v[i])
			}
			address, err = parseAddress(s, v[i])
			if err != nil {
				return err
			}
		}
	}

	if address == 0 {
		return fmt.Errorf("no address specified")
	}
	if count < 0 {
		count = defaultReadLen
		if priFmt != 0 {
			count = defaultReadLen / size
		}
	}
	if limit := t.conf.GetMaxDumpBytes(); count*size > limit {
		return fmt.Errorf("read memory range (len*size) must be less than or equal to %d bytes", limit)
	}

	data, err := s.Read(address, count*size)
	var perr *proc.PartialTransferError
	if err != nil && !errors.As(err, &perr) {
		return err
	}
	t.stdout.pw.PageMaybe(nil)
	if priFmt == 0 {
		hexdump(t.stdout, address, data, t.conf.GetHexdumpWidth())
	} else {
		fmt.Fprint(t.stdout, prettyExamineMemory(address, data, priFmt, size))
	}
	return err
}

func writeCmd(t *Term, args string) error {
	s, err := t.session()
	if err != nil {
		return err
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	str := false
	if len(v) > 0 && v[0] == "-s" {
		str = true
		v = v[1:]
	}
	if len(v) < 2 {
		return errors.New("not enough arguments")
	}
	addr, err := parseAddress(s, v[0])
	if err != nil {
		return err
	}
	var data []byte
	if str {
		data = []byte(strings.Join(v[1:], " "))
	} else {
		data, err = hex.DecodeString(strings.TrimPrefix(strings.Join(v[1:], ""), "0x"))
		if err != nil {
			return fmt.Errorf("could not parse data: %v", err)
		}
	}
	n, err := s.WriteMemory(addr, data)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%d bytes written at %#x\n", n, addr)
	return nil
}

func ptrCmd(t *Term, args string) error {
	s, err := t.session()
	if err != nil {
		return err
	}
	addr, err := parseAddress(s, args)
	if err != nil {
		return err
	}
	p, err := s.ReadPointer(addr)
	if err != nil {
		return err
	}
	if m, sym, err := s.Symbolize(p); err == nil {
		fmt.Fprintf(t.stdout, "%#x <%s>\n", p, formatSymbol(m, sym, p))
		return nil
	}
	fmt.Fprintf(t.stdout, "%#x\n", p)
	return nil
}

func strCmd(t *Term, args string) error {
	s, err := t.session()
	if err != nil {
		return err
	}
	v := strings.Fields(args)
	if len(v) == 0 || len(v) > 2 {
		return errors.New("wrong number of arguments: str <address> [<max>]")
	}
	addr, err := parseAddress(s, v[0])
	if err != nil {
		return err
	}
	limit := t.conf.GetMaxDumpBytes()
	if len(v) == 2 {
		limit, err = strconv.Atoi(v[1])
		if err != nil || limit <= 0 {
			return errors.New("max must be a positive integer")
		}
	}
	str, err := s.ReadCString(addr, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%q\n", str)
	return nil
}

func dumpCmd(t *Term, args string) error {
	s, err := t.session()
	if err != nil {
		return err
	}
	if args == "" {
		return fmt.Errorf("not enough arguments")
	}
	if _, err := os.Stat(args); err == nil {
		ok, err := yesno(t.line, fmt.Sprintf("%s exists, overwrite it? [y/n] ", args))
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	f, err := os.Create(args)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Dumping memory of %d to %s...\n", s.Pid(), args)
	stats, err := s.Dump(f)
	if err != nil {
		return fmt.Errorf("error dumping: %v", err)
	}
	fmt.Fprintf(t.stdout, "%d regions, %d bytes written\n", stats.Regions, stats.Bytes)
	if stats.Zeroed != 0 || stats.Skipped != 0 {
		fmt.Fprintf(t.stdout, "Core dump could be incomplete: %d bytes unreadable, %d regions skipped\n", stats.Zeroed, stats.Skipped)
	}
	return nil
}

func continueCmd(t *Term, args string) error {
	s, err := t.session()
	if err != nil {
		return err
	}
	return s.Continue()
}

func detachCmd(t *Term, args string) error {
	s, err := t.session()
	if err != nil {
		return err
	}
	return s.Detach()
}

func transcript(t *Term, args string) error {
	truncate := false
	fileOnly := false
	disable := false
	path := ""
	for _, arg := range strings.Fields(args) {
		switch arg {
		case "-x":
			fileOnly = true
		case "-t":
			truncate = true
		case "-off":
			disable = true
		default:
			if path != "" || strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unrecognized option %q", arg)
			} else {
				path = arg
			}
		}
	}

	if disable {
		if path != "" {
			return errors.New("-o option specified with an output path")
		}
		return t.stdout.CloseTranscript()
	}

	if path == "" {
		return errors.New("no output path specified")
	}

	flags := os.O_APPEND | os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	fh, err := os.OpenFile(path, flags, 0660)
	if err != nil {
		return err
	}

	if err := t.stdout.CloseTranscript(); err != nil {
		return err
	}

	t.stdout.TranscribeTo(fh, fileOnly)
	return nil
}

func (c *Commands) sourceCommand(t *Term, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}

	if filepath.Ext(args) == ".star" {
		_, err := t.starlarkEnv.Execute(args, nil, "main", nil)
		return err
	}

	if args == "-" {
		return t.starlarkEnv.REPL()
	}

	return c.executeFile(t, args)
}

// ExitRequestError is returned when the user
// exits the shell.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}
