package native

import (
	"errors"
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/procmem/pkg/proc"
	"github.com/go-delve/procmem/pkg/proc/linutil"
)

// attach trace-attaches to the target and waits for it to stop.
func (h *Handle) attach() error {
	if st, err := linutil.ReadStatus(h.pid); err == nil && st.TracerPid != 0 {
		return fmt.Errorf("%w: process %d is traced by %d", proc.ErrAlreadyTraced, h.pid, st.TracerPid)
	}

	h.startPtraceThread()
	var err error
	h.execPtraceFunc(func() { err = sys.PtraceAttach(h.pid) })
	if err != nil {
		h.stopPtraceThread()
		switch {
		case errors.Is(err, sys.ESRCH):
			h.state = proc.Dead
			return &proc.ProcessGoneError{Pid: h.pid}
		case errors.Is(err, sys.EPERM):
			// someone else may have won the race to attach
			if st, serr := linutil.ReadStatus(h.pid); serr == nil && st.TracerPid != 0 {
				return fmt.Errorf("%w: process %d is traced by %d", proc.ErrAlreadyTraced, h.pid, st.TracerPid)
			}
			return fmt.Errorf("could not attach to pid %d: %w: %v", h.pid, proc.ErrPermissionDenied, err)
		}
		return fmt.Errorf("could not attach to pid %d: %v", h.pid, err)
	}

	h.execPtraceFunc(func() { err = h.waitForStop() })
	if err != nil {
		h.execPtraceFunc(func() { _ = sys.PtraceDetach(h.pid) })
		h.stopPtraceThread()
		return err
	}
	h.mode = proc.TraceAttached
	h.stopped = true
	h.log.Debugf("attached to %d", h.pid)
	return nil
}

// waitForStop waits for the target to stop because of a SIGSTOP. Any other
// signal received in the meantime is delivered to the target.
// Must be called on the ptrace thread.
func (h *Handle) waitForStop() error {
	for {
		var ws sys.WaitStatus
		wpid, err := sys.Wait4(h.pid, &ws, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			if errors.Is(err, sys.ECHILD) {
				h.state = proc.Dead
				return &proc.ProcessGoneError{Pid: h.pid}
			}
			return fmt.Errorf("wait4: %v", err)
		}
		if wpid != h.pid {
			continue
		}
		switch {
		case ws.Exited() || ws.Signaled():
			h.state = proc.Dead
			return &proc.ProcessGoneError{Pid: h.pid}
		case ws.Stopped():
			sig := ws.StopSignal()
			if sig == sys.SIGSTOP {
				return nil
			}
			h.log.Debugf("pid %d: delivering %v while waiting for SIGSTOP", h.pid, sig)
			if err := sys.PtraceCont(h.pid, int(sig)); err != nil {
				return err
			}
		}
	}
}

// ensureStopped stops a trace attached target that was resumed with
// Continue.
func (h *Handle) ensureStopped() error {
	if h.stopped {
		return nil
	}
	if err := sys.Kill(h.pid, sys.SIGSTOP); err != nil {
		if errors.Is(err, sys.ESRCH) {
			h.state = proc.Dead
		}
		return err
	}
	var err error
	h.execPtraceFunc(func() { err = h.waitForStop() })
	if err != nil {
		return err
	}
	h.stopped = true
	return nil
}

// Continue resumes a trace attached target. Memory transfers stop it
// again.
func (h *Handle) Continue() error {
	if h.mode != proc.TraceAttached || h.state != proc.Attached || !h.stopped {
		return nil
	}
	var err error
	h.execPtraceFunc(func() { err = sys.PtraceCont(h.pid, 0) })
	if err != nil {
		if errors.Is(err, sys.ESRCH) {
			h.MarkDead()
			return &proc.ProcessGoneError{Pid: h.pid}
		}
		return err
	}
	h.stopped = false
	return nil
}

// Detach releases the handle. A trace attached target is detached and
// left running. Calling Detach more than once is a no-op.
func (h *Handle) Detach() error {
	if h.state == proc.Detached {
		return nil
	}
	defer func() {
		h.stopPtraceThread()
		h.state = proc.Detached
	}()
	if h.mode != proc.TraceAttached || h.state == proc.Dead {
		return nil
	}
	if err := h.ensureStopped(); err != nil {
		if errors.Is(err, sys.ESRCH) || errors.Is(err, proc.ErrProcessGone) {
			return nil
		}
		return fmt.Errorf("could not stop pid %d before detaching: %v", h.pid, err)
	}
	var err error
	h.execPtraceFunc(func() { err = sys.PtraceDetach(h.pid) })
	if err != nil && !errors.Is(err, sys.ESRCH) {
		return fmt.Errorf("could not detach from pid %d: %v", h.pid, err)
	}
	h.log.Debugf("detached from %d", h.pid)
	return nil
}
