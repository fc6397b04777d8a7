package native

import (
	"math/bits"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/procmem/pkg/proc"
)

// ReadRanges reads the remote ranges into local with process_vm_readv.
func (h *Handle) ReadRanges(local []byte, remote []proc.RemoteRange) (int, error) {
	return h.processVM(local, remote, false)
}

// WriteRanges writes local to the remote ranges with process_vm_writev.
func (h *Handle) WriteRanges(local []byte, remote []proc.RemoteRange) (int, error) {
	return h.processVM(local, remote, true)
}

func (h *Handle) processVM(local []byte, remote []proc.RemoteRange, write bool) (int, error) {
	if len(local) == 0 || len(remote) == 0 {
		return 0, nil
	}
	liov := []sys.Iovec{{Base: &local[0]}}
	liov[0].SetLen(len(local))
	riov := make([]sys.RemoteIovec, len(remote))
	for i, r := range remote {
		riov[i] = sys.RemoteIovec{Base: uintptr(r.Addr), Len: r.Len}
	}
	var (
		n   int
		err error
	)
	if write {
		n, err = sys.ProcessVMWritev(h.pid, liov, riov, 0)
	} else {
		n, err = sys.ProcessVMReadv(h.pid, liov, riov, 0)
	}
	if n < 0 {
		n = 0
	}
	return n, err
}

// WordSize returns the size of the words transferred by PeekWord and
// PokeWord, the word size of this process.
func (h *Handle) WordSize() int {
	return bits.UintSize / 8
}

// PeekWord reads the word at the aligned address addr into out with
// PTRACE_PEEKDATA, stopping the target first if it was resumed.
func (h *Handle) PeekWord(addr uint64, out []byte) error {
	if err := h.ensureStopped(); err != nil {
		return err
	}
	var err error
	h.execPtraceFunc(func() { _, err = sys.PtracePeekData(h.pid, uintptr(addr), out[:h.WordSize()]) })
	return err
}

// PokeWord writes the word in to the aligned address addr with
// PTRACE_POKEDATA, stopping the target first if it was resumed.
func (h *Handle) PokeWord(addr uint64, in []byte) error {
	if err := h.ensureStopped(); err != nil {
		return err
	}
	var err error
	h.execPtraceFunc(func() { _, err = sys.PtracePokeData(h.pid, uintptr(addr), in[:h.WordSize()]) })
	return err
}
