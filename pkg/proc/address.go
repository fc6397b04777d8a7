package proc

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// Width is the address width of a target process. Addresses are always
// stored as uint64, the width is used to check them on the way in and to
// decode pointer sized values on the way out.
type Width uint8

const (
	Width32 Width = 32
	Width64 Width = 64
)

// WidthFromClass returns the width of processes running an executable of
// the given ELF class.
func WidthFromClass(class elf.Class) (Width, error) {
	switch class {
	case elf.ELFCLASS32:
		return Width32, nil
	case elf.ELFCLASS64:
		return Width64, nil
	}
	return 0, fmt.Errorf("unsupported ELF class %v", class)
}

// PtrSize returns the size of a pointer in bytes.
func (w Width) PtrSize() int {
	if w == Width32 {
		return 4
	}
	return 8
}

// Max returns the highest address representable with this width.
func (w Width) Max() uint64 {
	if w == Width32 {
		return 1<<32 - 1
	}
	return ^uint64(0)
}

// Check returns true if the range [addr, addr+size) fits in the address
// space.
func (w Width) Check(addr, size uint64) bool {
	if addr > w.Max() {
		return false
	}
	if size == 0 {
		return true
	}
	return size-1 <= w.Max()-addr
}

// Pointer decodes a little endian pointer from the first PtrSize bytes of buf.
func (w Width) Pointer(buf []byte) uint64 {
	if w == Width32 {
		return uint64(binary.LittleEndian.Uint32(buf))
	}
	return binary.LittleEndian.Uint64(buf)
}

func (w Width) String() string {
	switch w {
	case Width32:
		return "32bit"
	case Width64:
		return "64bit"
	}
	return fmt.Sprintf("Width(%d)", uint8(w))
}
