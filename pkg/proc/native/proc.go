//go:build linux

package native

import (
	"runtime"
)

// startPtraceThread starts the goroutine that executes ptrace requests
// for h.
func (h *Handle) startPtraceThread() {
	h.ptraceChan = make(chan func())
	h.ptraceDoneChan = make(chan interface{})
	go h.handlePtraceFuncs()
}

// stopPtraceThread terminates the goroutine started by startPtraceThread.
func (h *Handle) stopPtraceThread() {
	if h.ptraceChan == nil {
		return
	}
	close(h.ptraceChan)
	h.ptraceChan = nil
}

func (h *Handle) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range h.ptraceChan {
		fn()
		h.ptraceDoneChan <- nil
	}
}

// execPtraceFunc runs fn on the ptrace thread and waits for it to return.
func (h *Handle) execPtraceFunc(fn func()) {
	h.ptraceChan <- fn
	<-h.ptraceDoneChan
}
