package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/go-delve/procmem/pkg/config"
	"github.com/go-delve/procmem/pkg/logflags"
	"github.com/go-delve/procmem/pkg/proc"
	"github.com/go-delve/procmem/pkg/terminal/starbind"
)

const (
	historyFile                 string = ".procmem_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"

	ansiRed  = 31
	ansiBlue = 34
)

// Term represents the terminal running procmem.
type Term struct {
	sess     *proc.Session
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	dumb     bool
	stdout   *transcriptWriter
	InitFile string
	log      logflags.Logger

	starlarkEnv *starbind.Env

	// symbol names of the executable, for completion of sym and read
	// arguments. Built on first use, discarded when the generation changes.
	completions     *trie.Trie
	completionsGen  uint64
	completionsDone bool

	quittingMutex sync.Mutex
	quitting      bool
}

// New returns a new Term operating on sess.
func New(sess *proc.Session, conf *config.Config) *Term {
	cmds := MemoryCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if conf == nil {
		conf = &config.Config{}
	}

	var w io.Writer

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb" || !isatty.IsTerminal(os.Stdout.Fd())
	if dumb {
		w = os.Stdout
	} else {
		w = colorable.NewColorableStdout()
	}

	t := &Term{
		sess:   sess,
		conf:   conf,
		prompt: "(procmem) ",
		line:   liner.NewLiner(),
		cmds:   cmds,
		dumb:   dumb,
		stdout: &transcriptWriter{pw: &pagingWriter{w: w}},
		log:    logflags.ShellLogger(),
	}
	if sess != nil {
		t.prompt = fmt.Sprintf("(procmem %d) ", sess.Pid())
		t.log = t.log.WithField("session", sess.ID())
	}
	t.starlarkEnv = starbind.New(starlarkContext{t}, t.stdout)
	return t
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		t.starlarkEnv.Cancel()
		fmt.Fprintf(os.Stderr, "received SIGINT, cancelling the current script\n")
	}
}

// Run begins running procmem in the terminal.
func (t *Term) Run() (int, error) {
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	go t.sigintGuard(ch)
	defer signal.Stop(ch)

	t.line.SetCompleter(t.complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}

	t.line.ReadHistory(f)
	f.Close()
	fmt.Println("Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Println("exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("Prompt for input failed.\n")
		}
		t.stdout.Echo(t.prompt + cmdstr + "\n")

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			t.log.Debugf("command %q: %v", cmdstr, err)
			t.printError(err)
			if isErrProcessGone(err) {
				fmt.Fprintln(os.Stderr, "The process has exited, only exit and help are useful now.")
			}
		}
	}
}

func (t *Term) printError(err error) {
	msg := fmt.Sprintf("Command failed: %s\n", err)
	if !t.dumb {
		msg = fmt.Sprintf(terminalHighlightEscapeCode, ansiRed) + msg + terminalResetEscapeCode
	}
	fmt.Fprint(os.Stderr, msg)
	t.stdout.Echo(msg)
}

// Println prints a line to the terminal.
func (t *Term) Println(prefix, str string) {
	if !t.dumb {
		terminalColorEscapeCode := fmt.Sprintf(terminalHighlightEscapeCode, ansiBlue)
		prefix = fmt.Sprintf("%s%s%s", terminalColorEscapeCode, prefix, terminalResetEscapeCode)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

// complete completes command names and, for commands taking an address,
// symbol names of the executable.
func (t *Term) complete(line string) (c []string) {
	if idx := strings.LastIndex(line, " "); idx >= 0 {
		cmd := strings.Fields(line)[0]
		if !t.cmds.takesSymbol(cmd) {
			return nil
		}
		for _, name := range t.symbolCompletions(line[idx+1:]) {
			c = append(c, line[:idx+1]+name)
		}
		return c
	}
	for _, cmd := range t.cmds.cmds {
		for _, alias := range cmd.aliases {
			if strings.HasPrefix(alias, strings.ToLower(line)) {
				c = append(c, alias)
			}
		}
	}
	return
}

func (t *Term) symbolCompletions(prefix string) []string {
	if t.sess == nil || prefix == "" {
		return nil
	}
	if !t.completionsDone || t.completionsGen != t.sess.Generation() {
		t.completionsDone = true
		t.completionsGen = t.sess.Generation()
		t.completions = nil
		exe, err := t.sess.Executable()
		if err != nil {
			return nil
		}
		tab, err := t.sess.Symbols(exe)
		if err != nil {
			return nil
		}
		t.completions = trie.New()
		for _, sym := range tab.Symbols() {
			t.completions.Add(sym.Name, nil)
		}
	}
	if t.completions == nil {
		return nil
	}
	return t.completions.PrefixSearch(prefix)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func yesno(line *liner.State, question string) (bool, error) {
	for {
		answer, err := line.Prompt(question)
		if err != nil {
			return false, err
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		switch answer {
		case "n", "no":
			return false, nil
		case "y", "yes":
			return true, nil
		}
	}
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}
	t.stdout.CloseTranscript()

	t.quittingMutex.Lock()
	quitting := t.quitting
	t.quitting = true
	t.quittingMutex.Unlock()
	if quitting || t.sess == nil {
		return 0, nil
	}

	if err := t.sess.Close(); err != nil && !isErrProcessGone(err) {
		return 1, err
	}
	return 0, nil
}

func isErrProcessGone(err error) bool {
	return err != nil && errors.Is(err, proc.ErrProcessGone)
}

// Source executes a file of shell commands, or a starlark script when
// path ends in .star, without starting the prompt.
func (t *Term) Source(path string) error {
	defer t.stdout.Flush()
	err := t.cmds.sourceCommand(t, path)
	if _, ok := err.(ExitRequestError); ok {
		return nil
	}
	return err
}

// Exec runs a single shell command.
func (t *Term) Exec(cmdstr string) error {
	defer t.stdout.Flush()
	return t.cmds.Call(cmdstr, t)
}
