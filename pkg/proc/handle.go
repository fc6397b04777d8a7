package proc

// AccessMode is the way a handle transfers memory.
type AccessMode uint8

const (
	// DirectTransfer handles use process_vm_readv/process_vm_writev.
	DirectTransfer AccessMode = iota
	// TraceAttached handles are ptrace attached to the target and transfer
	// one word at a time.
	TraceAttached
)

func (m AccessMode) String() string {
	if m == TraceAttached {
		return "trace-attached"
	}
	return "direct"
}

// HandleState is the lifecycle state of a handle.
type HandleState uint8

const (
	Attached HandleState = iota
	Detached
	Dead
)

func (s HandleState) String() string {
	switch s {
	case Attached:
		return "attached"
	case Detached:
		return "detached"
	case Dead:
		return "dead"
	}
	return "unknown"
}

// ProcessHandle is the access to a target process owned by a Session.
// Handles in DirectTransfer mode also implement BulkTransport, handles in
// TraceAttached mode implement WordTransport.
type ProcessHandle interface {
	Pid() int
	Mode() AccessMode
	State() HandleState
	Width() Width
	// MarkDead moves the handle to the Dead state after the target was
	// found to have exited.
	MarkDead()
	// Continue resumes a trace attached target, it is a no-op for other
	// handles.
	Continue() error
	// Detach releases the handle, it can be called more than once.
	Detach() error
}

// RemoteRange is a (address, length) descriptor of a vectored transfer.
type RemoteRange struct {
	Addr uint64
	Len  int
}

// BulkTransport transfers memory with a single vectored system call. The
// local buffer is filled, or drained, in the order of the remote ranges.
// Errors are the raw errno values returned by the kernel.
type BulkTransport interface {
	ReadRanges(local []byte, remote []RemoteRange) (int, error)
	WriteRanges(local []byte, remote []RemoteRange) (int, error)
}

// WordTransport transfers memory one aligned machine word at a time.
// Errors are the raw errno values returned by the kernel.
type WordTransport interface {
	WordSize() int
	PeekWord(addr uint64, out []byte) error
	PokeWord(addr uint64, in []byte) error
}
