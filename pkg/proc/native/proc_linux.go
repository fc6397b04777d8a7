package native

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io/fs"
	"math/bits"
	"os"
	"path/filepath"
	"strings"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/procmem/pkg/logflags"
	"github.com/go-delve/procmem/pkg/proc"
	"github.com/go-delve/procmem/pkg/proc/linutil"
)

// Handle is the access to a process of this machine.
type Handle struct {
	pid     int
	comm    string
	cmdline []string
	width   proc.Width
	mode    proc.AccessMode
	state   proc.HandleState
	stopped bool // trace attached and stopped

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	log logflags.Logger
}

var _ proc.ProcessHandle = (*Handle)(nil)

func (h *Handle) Pid() int { return h.pid }
func (h *Handle) Mode() proc.AccessMode { return h.mode }
func (h *Handle) State() proc.HandleState { return h.state }
func (h *Handle) Width() proc.Width { return h.width }
func (h *Handle) Comm() string { return h.comm }
func (h *Handle) Cmdline() []string { return h.cmdline }

// MarkDead records that the target exited.
func (h *Handle) MarkDead() {
	if h.state == proc.Attached {
		h.state = proc.Dead
	}
}

func (h *Handle) String() string {
	return fmt.Sprintf("%d %s", h.pid, h.comm)
}

// FindByPid returns a handle for process pid. It fails with
// proc.ErrNotFound if there is no such process, or pid is a thread of
// another process, and with proc.ErrPermissionDenied if we are not allowed
// to read its memory map.
func FindByPid(pid int) (*Handle, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("pid %d: %w", pid, proc.ErrNotFound)
	}
	st, err := linutil.ReadStatus(pid)
	if err != nil {
		return nil, locateError(pid, err)
	}
	if st.Tgid != 0 && st.Tgid != pid {
		return nil, fmt.Errorf("pid %d is a thread of %d: %w", pid, st.Tgid, proc.ErrNotFound)
	}
	if st.State == linutil.StateZombie || st.State == linutil.StateDead {
		return nil, fmt.Errorf("pid %d has exited: %w", pid, proc.ErrNotFound)
	}
	f, err := os.Open(linutil.ProcPath(pid, "maps"))
	if err != nil {
		return nil, locateError(pid, err)
	}
	f.Close()

	h := &Handle{
		pid:   pid,
		comm:  st.Name,
		mode:  proc.DirectTransfer,
		state: proc.Attached,
		log:   logflags.LocatorLogger().WithField("pid", pid),
	}
	if comm, err := linutil.ReadComm(pid); err == nil {
		h.comm = comm
	}
	h.cmdline, _ = linutil.ReadCmdline(pid)
	h.width = exeWidth(pid, h.log)
	return h, nil
}

func locateError(pid int, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, sys.ESRCH):
		return fmt.Errorf("pid %d: %w", pid, proc.ErrNotFound)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("pid %d: %w", pid, proc.ErrPermissionDenied)
	}
	return fmt.Errorf("pid %d: %v", pid, err)
}

// exeWidth returns the address width of pid from the ELF class of its
// executable, the width of this process if it can not be read.
func exeWidth(pid int, log logflags.Logger) proc.Width {
	host := proc.Width(bits.UintSize)
	f, err := elf.Open(linutil.ProcPath(pid, "exe"))
	if err != nil {
		log.Debugf("could not read executable: %v, assuming %s", err, host)
		return host
	}
	defer f.Close()
	w, err := proc.WidthFromClass(f.Class)
	if err != nil {
		log.Debugf("%v, assuming %s", err, host)
		return host
	}
	return w
}

// ProcessIterator is the sequence of processes returned by FindByName.
type ProcessIterator struct {
	ctx     context.Context
	pattern string
	glob    bool
	pids    []int
	cur     *Handle
	err     error

	// Denied counts the matching processes skipped because we are not
	// allowed to read their memory map.
	Denied int
}

// FindByName returns the processes whose command name, or the base name
// of whose first argument, matches pattern. Patterns containing any of
// '*', '?' or '[' are matched as shell globs, other patterns must be equal
// to the name. The list of processes is read once when FindByName is
// called, processes are returned in ascending pid order. Processes that
// exit, or whose metadata can not be read, during the iteration are
// skipped. The context is checked before each process.
func FindByName(ctx context.Context, pattern string) *ProcessIterator {
	it := &ProcessIterator{ctx: ctx, pattern: pattern, glob: strings.ContainsAny(pattern, "*?[")}
	if it.glob {
		if _, err := filepath.Match(pattern, ""); err != nil {
			it.err = fmt.Errorf("bad pattern %q: %v", pattern, err)
			return it
		}
	}
	it.pids, it.err = linutil.ListPids()
	return it
}

// Next advances to the next matching process.
func (it *ProcessIterator) Next() bool {
	log := logflags.LocatorLogger()
	it.cur = nil
	for it.err == nil && len(it.pids) > 0 {
		if err := it.ctx.Err(); err != nil {
			it.err = err
			return false
		}
		pid := it.pids[0]
		it.pids = it.pids[1:]
		if !it.matches(pid) {
			continue
		}
		h, err := FindByPid(pid)
		if err != nil {
			if errors.Is(err, proc.ErrPermissionDenied) {
				it.Denied++
			}
			log.Debugf("skipping %d: %v", pid, err)
			continue
		}
		it.cur = h
		return true
	}
	return false
}

// Handle returns the process found by the last call to Next.
func (it *ProcessIterator) Handle() *Handle {
	return it.cur
}

// Err returns the error that stopped the iteration, if any.
func (it *ProcessIterator) Err() error {
	return it.err
}

func (it *ProcessIterator) matches(pid int) bool {
	comm, err := linutil.ReadComm(pid)
	if err != nil {
		return false
	}
	if it.match(comm) {
		return true
	}
	args, err := linutil.ReadCmdline(pid)
	if err != nil || len(args) == 0 {
		return false
	}
	return it.match(filepath.Base(args[0]))
}

func (it *ProcessIterator) match(name string) bool {
	if !it.glob {
		return name == it.pattern
	}
	ok, _ := filepath.Match(it.pattern, name)
	return ok
}

// OpenOptions configures Open.
type OpenOptions struct {
	// ForceTraceAttach skips the process_vm_readv probe and always trace
	// attaches to the target.
	ForceTraceAttach bool
	proc.SessionOptions
}

// Open returns a session owning h. If process_vm_readv is denied or not
// supported the target is trace attached, it is then stopped until
// Session.Continue is called and it must be released with
// Session.Detach or Session.Close.
func Open(h *Handle, opts OpenOptions) (*proc.Session, error) {
	switch h.state {
	case proc.Detached:
		return nil, proc.ErrDetached
	case proc.Dead:
		return nil, &proc.ProcessGoneError{Pid: h.pid}
	}
	trace := opts.ForceTraceAttach
	if !trace {
		err := h.probe()
		switch {
		case err == nil:
		case errors.Is(err, sys.EPERM), errors.Is(err, sys.ENOSYS):
			h.log.Debugf("process_vm_readv unavailable (%v), attaching with ptrace", err)
			trace = true
		case errors.Is(err, sys.ESRCH), errors.Is(err, proc.ErrProcessGone):
			h.MarkDead()
			return nil, &proc.ProcessGoneError{Pid: h.pid}
		default:
			return nil, err
		}
	}
	if trace {
		if err := h.attach(); err != nil {
			return nil, err
		}
	}
	s, err := proc.NewSession(h, opts.SessionOptions)
	if err != nil {
		_ = h.Detach()
		return nil, err
	}
	return s, nil
}

// probe reads one byte of the first readable region of the target with
// process_vm_readv.
func (h *Handle) probe() error {
	regions, err := proc.ReadMaps(h.pid)
	if err != nil {
		return err
	}
	for i := range regions {
		r := &regions[i]
		if !r.Perm.Readable() || r.Kind == proc.Vvar || r.Kind == proc.Vsyscall {
			continue
		}
		var buf [1]byte
		_, err := h.ReadRanges(buf[:], []proc.RemoteRange{{Addr: r.Start, Len: 1}})
		if errors.Is(err, sys.EFAULT) || errors.Is(err, sys.EIO) {
			// the primitive works, this region does not
			continue
		}
		return err
	}
	return nil
}
