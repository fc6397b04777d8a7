package proc

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/go-delve/procmem/pkg/logflags"
	"github.com/go-delve/procmem/pkg/proc/linutil"
)

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// maxIovecs is the maximum number of remote descriptors accepted by
// process_vm_readv (IOV_MAX).
const maxIovecs = 1024

type transferOp uint8

const (
	opRead transferOp = iota
	opWrite
)

func (op transferOp) String() string {
	if op == opWrite {
		return "write"
	}
	return "read"
}

// ReadMemory reads len(buf) bytes at addr. When only part of the range can
// be read the returned error is a *PartialTransferError and the first n
// bytes of buf hold the data read.
func (s *Session) ReadMemory(buf []byte, addr uint64) (int, error) {
	regions, err := s.checkAccess(opRead, addr, len(buf))
	if err != nil || len(buf) == 0 {
		return 0, err
	}
	var attempt func([]byte, uint64) (int, error)
	if s.words != nil {
		attempt = func(b []byte, a uint64) (int, error) { return readWords(s.words, b, a) }
	} else {
		attempt = func(b []byte, a uint64) (int, error) {
			return vectored(s.bulk.ReadRanges, b, splitRanges(regions, a, len(b)))
		}
	}
	return s.transfer(opRead, buf, addr, attempt)
}

// Read reads length bytes at addr. On a partial read the returned slice
// holds the bytes read and the error is a *PartialTransferError.
func (s *Session) Read(addr uint64, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("negative length %d", length)
	}
	buf := make([]byte, length)
	n, err := s.ReadMemory(buf, addr)
	return buf[:n], err
}

// WriteMemory writes data at addr. Writes to regions that are not writable
// according to the latest snapshot fail with ErrReadOnlyRegion without
// being attempted.
func (s *Session) WriteMemory(addr uint64, data []byte) (int, error) {
	regions, err := s.checkAccess(opWrite, addr, len(data))
	if err != nil || len(data) == 0 {
		return 0, err
	}
	var attempt func([]byte, uint64) (int, error)
	if s.words != nil {
		attempt = func(b []byte, a uint64) (int, error) { return writeWords(s.words, b, a) }
	} else {
		attempt = func(b []byte, a uint64) (int, error) {
			return vectored(s.bulk.WriteRanges, b, splitRanges(regions, a, len(b)))
		}
	}
	return s.transfer(opWrite, data, addr, attempt)
}

// ReadPointer reads a pointer sized value at addr.
func (s *Session) ReadPointer(addr uint64) (uint64, error) {
	w := s.h.Width()
	buf := make([]byte, w.PtrSize())
	if _, err := s.ReadMemory(buf, addr); err != nil {
		return 0, err
	}
	return w.Pointer(buf), nil
}

// ReadCString reads a NUL terminated string of at most max bytes at addr.
func (s *Session) ReadCString(addr uint64, max int) (string, error) {
	return linutil.ReadCString(s, addr, max)
}

// checkAccess validates a transfer against the width of the target and the
// current snapshot, it returns the contiguous regions covering the range.
func (s *Session) checkAccess(op transferOp, addr uint64, size int) ([]MemoryRegion, error) {
	if err := s.checkAttached(); err != nil {
		return nil, err
	}
	if !s.h.Width().Check(addr, uint64(size)) {
		return nil, fmt.Errorf("%w: %#x+%d exceeds the %s address space", ErrAccessDenied, addr, size, s.h.Width())
	}
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	regions := snap.covering(addr, uint64(size))
	if len(regions) == 0 {
		return nil, fmt.Errorf("%w: %#x is not mapped", ErrAccessDenied, addr)
	}
	if op == opWrite {
		end := addr + uint64(size)
		for i := range regions {
			if regions[i].Start >= end {
				break
			}
			if !regions[i].Perm.Writable() {
				return nil, fmt.Errorf("%w: %s", ErrReadOnlyRegion, &regions[i])
			}
		}
	}
	return regions, nil
}

// transfer runs attempt and, if it comes up short, runs it once more for
// the remainder of the range.
func (s *Session) transfer(op transferOp, buf []byte, addr uint64, attempt func([]byte, uint64) (int, error)) (int, error) {
	done, err := attempt(buf, addr)
	if done == len(buf) {
		s.logTransfer(op, addr, len(buf), done, nil)
		return done, nil
	}
	if err := s.classify(err); err != nil {
		s.logTransfer(op, addr, len(buf), done, err)
		return done, err
	}

	n, err := attempt(buf[done:], addr+uint64(done))
	done += n
	if done == len(buf) {
		s.logTransfer(op, addr, len(buf), done, nil)
		return done, nil
	}
	if err := s.classify(err); err != nil {
		s.logTransfer(op, addr, len(buf), done, err)
		return done, err
	}
	err = &PartialTransferError{Op: op.String(), Addr: addr, Requested: len(buf), Done: done}
	s.logTransfer(op, addr, len(buf), done, err)
	return done, err
}

func (s *Session) logTransfer(op transferOp, addr uint64, size, done int, err error) {
	if !logflags.Memory() {
		return
	}
	log := logflags.MemoryLogger().WithField("session", s.id)
	if err != nil {
		log.Debugf("%s %#x+%d: %d bytes: %v", op, addr, size, done, err)
		return
	}
	log.Debugf("%s %#x+%d", op, addr, size)
}

// classify converts errno values returned by the transports. A nil return
// means the transfer was short because part of the range could not be
// accessed.
func (s *Session) classify(err error) error {
	var errno unix.Errno
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ESRCH):
		s.h.MarkDead()
		return &ProcessGoneError{Pid: s.h.Pid()}
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	case errors.Is(err, unix.EFAULT), errors.Is(err, unix.EIO):
		return nil
	case errors.As(err, &errno):
		return fmt.Errorf("memory transfer: %w", err)
	}
	return err
}

// splitRanges splits [addr, addr+size) at the boundaries of regions. The
// part of the range not covered by regions becomes the last descriptor.
func splitRanges(regions []MemoryRegion, addr uint64, size int) []RemoteRange {
	var out []RemoteRange
	cur, left := addr, uint64(size)
	for _, r := range regions {
		if left == 0 {
			break
		}
		if r.End <= cur {
			continue
		}
		if cur < r.Start {
			break
		}
		n := r.End - cur
		if n > left {
			n = left
		}
		out = append(out, RemoteRange{Addr: cur, Len: int(n)})
		cur += n
		left -= n
	}
	if left > 0 {
		out = append(out, RemoteRange{Addr: cur, Len: int(left)})
	}
	return out
}

// vectored transfers buf to or from ranges using fn with at most maxIovecs
// descriptors per call. It stops at the first call that comes up short.
func vectored(fn func([]byte, []RemoteRange) (int, error), buf []byte, ranges []RemoteRange) (int, error) {
	done := 0
	for len(ranges) > 0 {
		batch := ranges
		if len(batch) > maxIovecs {
			batch = batch[:maxIovecs]
		}
		want := 0
		for _, r := range batch {
			want += r.Len
		}
		n, err := fn(buf[done:done+want], batch)
		if n > 0 {
			done += n
		}
		if err != nil || n < want {
			return done, err
		}
		ranges = ranges[len(batch):]
	}
	return done, nil
}

// readWords reads buf from addr one aligned word at a time.
func readWords(t WordTransport, buf []byte, addr uint64) (int, error) {
	ws := uint64(t.WordSize())
	word := make([]byte, ws)
	done := 0
	for done < len(buf) {
		cur := addr + uint64(done)
		aligned := cur &^ (ws - 1)
		if err := t.PeekWord(aligned, word); err != nil {
			return done, err
		}
		done += copy(buf[done:], word[cur-aligned:])
	}
	return done, nil
}

// writeWords writes data at addr one aligned word at a time. Words only
// partially covered by data, at the head and tail of the range, are read
// first so that the bytes around the range are preserved.
func writeWords(t WordTransport, data []byte, addr uint64) (int, error) {
	ws := uint64(t.WordSize())
	word := make([]byte, ws)
	done := 0
	for done < len(data) {
		cur := addr + uint64(done)
		aligned := cur &^ (ws - 1)
		off := cur - aligned
		n := ws - off
		if left := uint64(len(data) - done); n > left {
			n = left
		}
		if n < ws {
			if err := t.PeekWord(aligned, word); err != nil {
				return done, err
			}
		}
		copy(word[off:], data[done:done+int(n)])
		if err := t.PokeWord(aligned, word); err != nil {
			return done, err
		}
		done += int(n)
	}
	return done, nil
}
