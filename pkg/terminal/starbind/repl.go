package starbind

// The read/eval/print loop follows go.starlark.net/repl,
// Copyright (c) 2017 The Bazel Authors, BSD-3-Clause license.

import (
	"fmt"
	"io"
	"path/filepath"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/go-delve/liner"

	"github.com/go-delve/procmem/pkg/proc"
)

const (
	continuationPrompt = "... "
	exitCommand        = "exit"
)

// replSession is the state of one REPL started by 'source -'.
type replSession struct {
	rl      *liner.State
	out     EchoWriter
	thread  *starlark.Thread
	globals starlark.StringDict
	sess    *proc.Session

	prompt string
	eof    bool
}

// REPL reads statements from the terminal and evaluates them until EOF or
// "exit". Globals with an exported name survive the REPL.
func (env *Env) REPL() error {
	rs := &replSession{
		rl:      liner.NewLiner(),
		out:     env.out,
		thread:  env.newThread(),
		globals: env.replGlobals(),
		sess:    env.ctx.Session(),
	}
	defer rs.rl.Close()

	for {
		if err := isCancelled(rs.thread); err != nil {
			return err
		}
		err := rs.step()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	fmt.Fprintln(env.out)
	return env.exportGlobals(rs.globals)
}

// replGlobals returns the predeclared names of a REPL: the environment plus
// pid and width of the target, if there is one.
func (env *Env) replGlobals() starlark.StringDict {
	globals := make(starlark.StringDict, len(env.env)+2)
	for k, v := range env.env {
		globals[k] = v
	}
	if s := env.ctx.Session(); s != nil {
		globals["pid"] = starlark.MakeInt(s.Pid())
		globals["width"] = starlark.MakeInt(s.Handle().Width().PtrSize() * 8)
	}
	return globals
}

func replPrompt(s *proc.Session) string {
	if s == nil {
		return "procmem>>> "
	}
	return fmt.Sprintf("procmem[%d]>>> ", s.Pid())
}

func (rs *replSession) readline() ([]byte, error) {
	prompt := rs.prompt
	rs.prompt = continuationPrompt
	line, err := rs.rl.Prompt(prompt)
	rs.out.Echo(prompt + line)
	if err != nil {
		if err == io.EOF {
			rs.eof = true
		}
		return nil, err
	}
	if line == exitCommand {
		rs.eof = true
		return nil, io.EOF
	}
	rs.rl.AppendHistory(line)
	return []byte(line + "\n"), nil
}

// step reads and evaluates one statement. Starlark errors are printed, the
// returned error is io.EOF at the end of input or a terminal failure.
func (rs *replSession) step() error {
	defer rs.out.Flush()
	rs.prompt = replPrompt(rs.sess)
	rs.eof = false

	f, err := syntax.ParseCompoundStmt("<stdin>", rs.readline)
	if err != nil {
		if rs.eof {
			return io.EOF
		}
		printError(rs.out, err)
		return nil
	}

	if expr := soleExpr(f); expr != nil {
		v, err := starlark.EvalExpr(rs.thread, expr, rs.globals)
		if err != nil {
			printError(rs.out, err)
			return nil
		}
		if v != starlark.None {
			fmt.Fprintln(rs.out, annotateValue(rs.sess, v))
		}
		return nil
	}

	prog, err := starlark.FileProgram(f, rs.globals.Has)
	if err != nil {
		printError(rs.out, err)
		return nil
	}
	// Globals defined by a failed statement may be missing from res.
	res, err := prog.Init(rs.thread, rs.globals)
	if err != nil {
		printError(rs.out, err)
	}
	for k, v := range res {
		rs.globals[k] = v
	}
	return nil
}

// annotateValue formats v, integers that are addresses inside a module of
// the target are followed by module!symbol+offset.
func annotateValue(s *proc.Session, v starlark.Value) string {
	n, ok := v.(starlark.Int)
	if !ok || s == nil {
		return v.String()
	}
	addr, ok := n.Uint64()
	if !ok || addr == 0 {
		return v.String()
	}
	m, sym, err := s.Symbolize(addr)
	if m == nil {
		return v.String()
	}
	loc := filepath.Base(m.Path)
	switch {
	case err == nil && addr == sym.Addr:
		loc += "!" + sym.Name
	case err == nil:
		loc += fmt.Sprintf("!%s+%#x", sym.Name, addr-sym.Addr)
	default:
		loc += fmt.Sprintf("+%#x", addr-m.Base)
	}
	return fmt.Sprintf("%s <%s>", v.String(), loc)
}

func soleExpr(f *syntax.File) syntax.Expr {
	if len(f.Stmts) == 1 {
		if stmt, ok := f.Stmts[0].(*syntax.ExprStmt); ok {
			return stmt.X
		}
	}
	return nil
}

// printError prints err, or its backtrace for evaluation errors.
func printError(out io.Writer, err error) {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		fmt.Fprintln(out, evalErr.Backtrace())
	} else {
		fmt.Fprintln(out, err)
	}
}

// makeLoad returns the loader for load() statements. Loaded files see the
// builtins of env and are executed once per loader.
func (env *Env) makeLoad() func(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	type entry struct {
		globals starlark.StringDict
		err     error
	}
	cache := make(map[string]*entry)

	return func(thread *starlark.Thread, module string) (starlark.StringDict, error) {
		e, ok := cache[module]
		if ok && e == nil {
			return nil, fmt.Errorf("cycle in load graph at %s", module)
		}
		if e != nil {
			return e.globals, e.err
		}
		cache[module] = nil
		env.log.Debugf("loading %s", module)
		globals, err := starlark.ExecFile(&starlark.Thread{Name: "load " + module, Load: thread.Load, Print: thread.Print}, module, nil, env.env)
		cache[module] = &entry{globals, err}
		return globals, err
	}
}
