package terminal

import (
	"github.com/go-delve/procmem/pkg/proc"
	"github.com/go-delve/procmem/pkg/terminal/starbind"
)

type starlarkContext struct {
	term *Term
}

var _ starbind.Context = starlarkContext{}

func (ctx starlarkContext) Session() *proc.Session {
	return ctx.term.sess
}

func (ctx starlarkContext) RegisterCommand(name, helpMsg string, fn func(args string) error) {
	ctx.term.cmds.Register(name, func(t *Term, args string) error {
		return fn(args)
	}, helpMsg)
}

func (ctx starlarkContext) CallCommand(cmdstr string) error {
	return ctx.term.cmds.Call(cmdstr, ctx.term)
}

func (ctx starlarkContext) MaxReadBytes() int {
	return ctx.term.conf.GetMaxDumpBytes()
}
