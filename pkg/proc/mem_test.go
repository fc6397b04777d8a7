package proc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fakeSegment struct {
	start uint64
	data  []byte
}

// fakeHandle is a process handle backed by a list of memory segments.
// Addresses outside of the segments fault.
type fakeHandle struct {
	pid   int
	mode  AccessMode
	state HandleState
	width Width
	segs  []fakeSegment
	err   error // returned by every transfer if set

	calls    int
	maxIovec int
	detached int
}

func (h *fakeHandle) Pid() int           { return h.pid }
func (h *fakeHandle) Mode() AccessMode   { return h.mode }
func (h *fakeHandle) State() HandleState { return h.state }
func (h *fakeHandle) Width() Width       { return h.width }
func (h *fakeHandle) Continue() error    { return nil }

func (h *fakeHandle) MarkDead() {
	if h.state == Attached {
		h.state = Dead
	}
}

func (h *fakeHandle) Detach() error {
	h.detached++
	h.state = Detached
	return nil
}

func (h *fakeHandle) byteAt(addr uint64) *byte {
	for i := range h.segs {
		s := &h.segs[i]
		if addr >= s.start && addr-s.start < uint64(len(s.data)) {
			return &s.data[addr-s.start]
		}
	}
	return nil
}

func (h *fakeHandle) ranges(local []byte, remote []RemoteRange, write bool) (int, error) {
	h.calls++
	if len(remote) > h.maxIovec {
		h.maxIovec = len(remote)
	}
	if h.err != nil {
		return 0, h.err
	}
	off := 0
	for _, r := range remote {
		for i := 0; i < r.Len; i++ {
			p := h.byteAt(r.Addr + uint64(i))
			if p == nil {
				if off == 0 {
					return 0, unix.EFAULT
				}
				return off, nil
			}
			if write {
				*p = local[off]
			} else {
				local[off] = *p
			}
			off++
		}
	}
	return off, nil
}

func (h *fakeHandle) ReadRanges(local []byte, remote []RemoteRange) (int, error) {
	return h.ranges(local, remote, false)
}

func (h *fakeHandle) WriteRanges(local []byte, remote []RemoteRange) (int, error) {
	return h.ranges(local, remote, true)
}

func (h *fakeHandle) WordSize() int { return 8 }

func (h *fakeHandle) word(addr uint64) ([]*byte, error) {
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	if addr%8 != 0 {
		return nil, unix.EINVAL
	}
	w := make([]*byte, 8)
	for i := range w {
		if w[i] = h.byteAt(addr + uint64(i)); w[i] == nil {
			return nil, unix.EIO
		}
	}
	return w, nil
}

func (h *fakeHandle) PeekWord(addr uint64, out []byte) error {
	w, err := h.word(addr)
	if err != nil {
		return err
	}
	for i := range w {
		out[i] = *w[i]
	}
	return nil
}

func (h *fakeHandle) PokeWord(addr uint64, in []byte) error {
	w, err := h.word(addr)
	if err != nil {
		return err
	}
	for i := range w {
		*w[i] = in[i]
	}
	return nil
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i) + seed
	}
	return b
}

// newFakeSession returns a session on a fake handle with two adjacent
// writable regions, of which only the first one is backed by memory, and
// a read only region.
func newFakeSession(t *testing.T, mode AccessMode) (*Session, *fakeHandle) {
	h := &fakeHandle{
		pid:   1234,
		mode:  mode,
		width: Width64,
		segs: []fakeSegment{
			{start: 0x10000, data: pattern(0x1000, 0)},
			{start: 0x20000, data: pattern(0x1000, 0x80)},
		},
	}
	s, err := NewSession(h, SessionOptions{})
	require.NoError(t, err)
	s.generation = 1
	s.snap = NewSnapshot([]MemoryRegion{
		{Start: 0x10000, End: 0x11000, Perm: PermRead | PermWrite},
		{Start: 0x11000, End: 0x12000, Perm: PermRead | PermWrite},
		{Start: 0x20000, End: 0x21000, Perm: PermRead},
	}, 1)
	return s, h
}

func TestReadMemory(t *testing.T) {
	for _, mode := range []AccessMode{DirectTransfer, TraceAttached} {
		t.Run(mode.String(), func(t *testing.T) {
			s, _ := newFakeSession(t, mode)

			buf, err := s.Read(0x10003, 17)
			require.NoError(t, err)
			assert.Equal(t, pattern(0x1000, 0)[3:20], buf)

			buf, err = s.Read(0x20ff0, 0x10)
			require.NoError(t, err)
			assert.Equal(t, pattern(0x1000, 0x80)[0xff0:], buf)

			buf, err = s.Read(0x10000, 0)
			require.NoError(t, err)
			assert.Empty(t, buf)
		})
	}
}

func TestReadMemoryPartial(t *testing.T) {
	for _, mode := range []AccessMode{DirectTransfer, TraceAttached} {
		t.Run(mode.String(), func(t *testing.T) {
			s, _ := newFakeSession(t, mode)

			buf := make([]byte, 0x1000)
			n, err := s.ReadMemory(buf, 0x10804)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrPartialTransfer))
			var perr *PartialTransferError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, 0x7fc, perr.Done)
			assert.Equal(t, 0x1000, perr.Requested)
			assert.Equal(t, uint64(0x10804), perr.Addr)
			assert.Equal(t, "read", perr.Op)
			assert.Equal(t, 0x7fc, n)
			assert.Equal(t, pattern(0x1000, 0)[0x804:], buf[:n])

			// the range starts in the unbacked region
			b, err := s.Read(0x11000, 8)
			assert.True(t, errors.Is(err, ErrPartialTransfer))
			assert.Empty(t, b)
		})
	}
}

func TestReadMemoryUnmapped(t *testing.T) {
	s, h := newFakeSession(t, DirectTransfer)
	for _, addr := range []uint64{0, 0xffff, 0x12000, 0x21000} {
		_, err := s.Read(addr, 1)
		assert.Truef(t, errors.Is(err, ErrAccessDenied), "%#x: %v", addr, err)
	}
	assert.Equal(t, 0, h.calls, "no transfer attempted")

	// starts mapped, runs into the hole after the second region
	_, err := s.Read(0x10ff0, 0x1020)
	assert.True(t, errors.Is(err, ErrPartialTransfer))
}

func TestReadMemoryWidth(t *testing.T) {
	s, h := newFakeSession(t, DirectTransfer)
	h.width = Width32
	_, err := s.Read(0x100000000, 1)
	assert.True(t, errors.Is(err, ErrAccessDenied))
	_, err = s.Read(0xffffffff, 2)
	assert.True(t, errors.Is(err, ErrAccessDenied))
}

func TestReadMemoryErrno(t *testing.T) {
	s, h := newFakeSession(t, DirectTransfer)
	h.err = unix.EPERM
	_, err := s.Read(0x10000, 8)
	assert.True(t, errors.Is(err, ErrAccessDenied))
	assert.Equal(t, Attached, h.State())

	h.err = unix.ESRCH
	_, err = s.Read(0x10000, 8)
	assert.True(t, errors.Is(err, ErrProcessGone))
	assert.Equal(t, Dead, h.State())

	calls := h.calls
	_, err = s.Read(0x10000, 8)
	assert.True(t, errors.Is(err, ErrProcessGone))
	_, err = s.Modules()
	assert.True(t, errors.Is(err, ErrProcessGone))
	assert.Equal(t, calls, h.calls)
}

func TestReadMemoryBatches(t *testing.T) {
	const n = 2500
	h := &fakeHandle{pid: 1, width: Width64, segs: []fakeSegment{{start: 0x100000, data: pattern(n*0x10, 7)}}}
	s, err := NewSession(h, SessionOptions{})
	require.NoError(t, err)
	regions := make([]MemoryRegion, n)
	for i := range regions {
		regions[i] = MemoryRegion{Start: 0x100000 + uint64(i)*0x10, End: 0x100000 + uint64(i+1)*0x10, Perm: PermRead}
	}
	s.generation = 1
	s.snap = NewSnapshot(regions, 1)

	buf, err := s.Read(0x100008, n*0x10-0x10)
	require.NoError(t, err)
	assert.Equal(t, pattern(n*0x10, 7)[8:n*0x10-8], buf)
	assert.Equal(t, maxIovecs, h.maxIovec)
	assert.Equal(t, 3, h.calls)
}

func TestWriteMemory(t *testing.T) {
	for _, mode := range []AccessMode{DirectTransfer, TraceAttached} {
		t.Run(mode.String(), func(t *testing.T) {
			s, h := newFakeSession(t, mode)

			data := []byte{0xaa, 0xbb, 0xcc}
			n, err := s.WriteMemory(0x10005, data)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			want := pattern(0x1000, 0)
			copy(want[5:], data)
			// the bytes around the written range are preserved
			assert.Equal(t, want[:0x20], h.segs[0].data[:0x20])

			buf, err := s.Read(0x10000, 0x10)
			require.NoError(t, err)
			assert.Equal(t, want[:0x10], buf)

			// write across the end of the backed memory
			n, err = s.WriteMemory(0x10ffe, []byte{1, 2, 3, 4})
			assert.True(t, errors.Is(err, ErrPartialTransfer))
			if mode == DirectTransfer {
				assert.Equal(t, 2, n)
				assert.Equal(t, []byte{1, 2}, h.segs[0].data[0xffe:])
			}
		})
	}
}

func TestWriteMemoryReadOnly(t *testing.T) {
	s, h := newFakeSession(t, DirectTransfer)
	before := bytes.Clone(h.segs[1].data)
	_, err := s.WriteMemory(0x20010, []byte{1})
	assert.True(t, errors.Is(err, ErrReadOnlyRegion))
	assert.Equal(t, 0, h.calls)
	assert.Equal(t, before, h.segs[1].data)

	_, err = s.WriteMemory(0x30000, []byte{1})
	assert.True(t, errors.Is(err, ErrAccessDenied))
}

func TestReadPointerAndString(t *testing.T) {
	s, h := newFakeSession(t, DirectTransfer)
	copy(h.segs[0].data[0x100:], []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x00})
	copy(h.segs[0].data[0x200:], "hello, world\x00")

	p, err := s.ReadPointer(0x10100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x70605040302010), p)

	h.width = Width32
	p, err = s.ReadPointer(0x10100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x40302010), p)

	str, err := s.ReadCString(0x10200, 100)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", str)

	_, err = s.ReadCString(0x10200, 4)
	assert.Error(t, err)
}

func TestSessionDetach(t *testing.T) {
	s, h := newFakeSession(t, DirectTransfer)
	require.NoError(t, s.Detach())
	require.NoError(t, s.Detach())
	assert.Equal(t, 1, h.detached)

	_, err := s.Read(0x10000, 1)
	assert.True(t, errors.Is(err, ErrDetached))
	_, err = s.Snapshot()
	assert.True(t, errors.Is(err, ErrDetached))
	_, err = s.Refresh()
	assert.True(t, errors.Is(err, ErrDetached))
	assert.True(t, errors.Is(s.Continue(), ErrDetached))
}

func TestSplitRanges(t *testing.T) {
	regions := []MemoryRegion{
		{Start: 0x1000, End: 0x2000},
		{Start: 0x2000, End: 0x3000},
	}
	assert.Equal(t, []RemoteRange{{0x1800, 0x800}, {0x2000, 0x100}}, splitRanges(regions, 0x1800, 0x900))
	assert.Equal(t, []RemoteRange{{0x2800, 0x800}, {0x3000, 0x10}}, splitRanges(regions, 0x2800, 0x810))
	assert.Equal(t, []RemoteRange{{0x1000, 0x10}}, splitRanges(regions, 0x1000, 0x10))
}
