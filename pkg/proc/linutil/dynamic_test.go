package linutil

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

var errFault = errors.New("fault")

// fakeMemory is a flat address space starting at zero.
type fakeMemory []byte

func (mem fakeMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr >= uint64(len(mem)) {
		return 0, errFault
	}
	n := copy(buf, mem[addr:])
	if n < len(buf) {
		return n, errFault
	}
	return n, nil
}

func (mem fakeMemory) putPtr(addr uint64, ptrSize int, vals ...uint64) {
	for _, v := range vals {
		if ptrSize == 4 {
			binary.LittleEndian.PutUint32(mem[addr:], uint32(v))
		} else {
			binary.LittleEndian.PutUint64(mem[addr:], v)
		}
		addr += uint64(ptrSize)
	}
}

func TestReadLinkMap(t *testing.T) {
	for _, ptrSize := range []int{4, 8} {
		mem := make(fakeMemory, 0x5000)
		// .dynamic: DT_NEEDED, DT_DEBUG, DT_NULL
		mem.putPtr(0x1000, ptrSize, 1, 0x10, _DT_DEBUG, 0x2000, _DT_NULL, 0)
		// r_debug
		mem.putPtr(0x2000, ptrSize, 1, 0x3000)
		// link_map nodes
		mem.putPtr(0x3000, ptrSize, 0, 0x4000, 0x1000, 0x3100, 0)
		mem.putPtr(0x3100, ptrSize, 0x7f000000, 0x4100, 0x7f001000, 0, 0x3000)
		copy(mem[0x4100:], "/lib/libc.so.6\x00")

		libs, err := ReadLinkMap(mem, 0x1000, uint64(6*ptrSize), ptrSize)
		if err != nil {
			t.Fatalf("%d: %v", ptrSize, err)
		}
		if len(libs) != 2 {
			t.Fatalf("%d: wrong number of entries %d", ptrSize, len(libs))
		}
		if libs[0].Name != "" || libs[0].Dynamic != 0x1000 {
			t.Errorf("%d: wrong first entry %#v", ptrSize, libs[0])
		}
		if libs[1].Name != "/lib/libc.so.6" || libs[1].Addr != 0x7f000000 || libs[1].Dynamic != 0x7f001000 {
			t.Errorf("%d: wrong second entry %#v", ptrSize, libs[1])
		}
	}
}

func TestReadLinkMapNoDebug(t *testing.T) {
	mem := make(fakeMemory, 0x2000)
	mem.putPtr(0x1000, 8, 1, 0x10, _DT_NULL, 0)
	libs, err := ReadLinkMap(mem, 0x1000, 32, 8)
	if err != nil || len(libs) != 0 {
		t.Errorf("expected nothing, got %v %v", libs, err)
	}
	libs, err = ReadLinkMap(mem, 0, 0, 8)
	if err != nil || len(libs) != 0 {
		t.Errorf("expected nothing, got %v %v", libs, err)
	}
}

func TestReadCString(t *testing.T) {
	mem := make(fakeMemory, 0x200)
	long := strings.Repeat("x", 100)
	copy(mem[0x30:], long+"\x00")
	s, err := ReadCString(mem, 0x30, 1000)
	if err != nil || s != long {
		t.Errorf("got %q %v", s, err)
	}
	if _, err := ReadCString(mem, 0x30, 50); err == nil {
		t.Errorf("expected error for long string")
	}
	if s, err := ReadCString(mem, 0, 10); err != nil || s != "" {
		t.Errorf("null pointer: %q %v", s, err)
	}
	// unterminated string running off the end of memory
	copy(mem[0x1c0:], strings.Repeat("y", 0x40))
	if _, err := ReadCString(mem, 0x1c0, 1000); !errors.Is(err, errFault) {
		t.Errorf("expected fault, got %v", err)
	}
}
