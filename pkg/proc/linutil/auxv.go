package linutil

import (
	"bytes"
	"encoding/binary"
	"os"
)

const (
	_AT_NULL  = 0
	_AT_PHDR  = 3
	_AT_BASE  = 7
	_AT_ENTRY = 9
)

// ReadAuxv returns the raw auxiliary vector of pid.
func ReadAuxv(pid int) ([]byte, error) {
	return os.ReadFile(ProcPath(pid, "auxv"))
}

// EntryPointFromAuxv searches the elf auxiliary vector for the entry point
// address.
// For a description of the auxiliary vector (auxv) format see:
// System V Application Binary Interface, AMD64 Architecture Processor
// Supplement, section 3.4.3.
// System V Application Binary Interface, Intel386 Architecture Processor
// Supplement (fourth edition), section 3-28.
func EntryPointFromAuxv(auxv []byte, ptrSize int) uint64 {
	return auxvLookup(auxv, ptrSize, _AT_ENTRY)
}

// InterpBaseFromAuxv returns the base address of the program interpreter
// (the dynamic linker), zero for statically linked programs.
func InterpBaseFromAuxv(auxv []byte, ptrSize int) uint64 {
	return auxvLookup(auxv, ptrSize, _AT_BASE)
}

// PhdrFromAuxv returns the address of the program headers of the
// executable.
func PhdrFromAuxv(auxv []byte, ptrSize int) uint64 {
	return auxvLookup(auxv, ptrSize, _AT_PHDR)
}

func auxvLookup(auxv []byte, ptrSize int, want uint64) uint64 {
	rd := bytes.NewBuffer(auxv)

	for {
		tag, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return 0
		}
		val, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return 0
		}

		switch tag {
		case _AT_NULL:
			return 0
		case want:
			return val
		}
	}
}
