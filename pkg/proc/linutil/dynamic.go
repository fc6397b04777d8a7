package linutil

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	maxNumLibraries      = 1000000 // maximum number of loaded libraries, to avoid loading forever on corrupted memory
	maxLibraryPathLength = 1000000 // maximum length for the path of a library, to avoid loading forever on corrupted memory
	maxDynamicSize       = 1 << 20
)

var ErrTooManyLibraries = errors.New("number of loaded libraries exceeds maximum")

const (
	_DT_NULL  = 0  // DT_NULL as defined by SysV ABI specification
	_DT_DEBUG = 21 // DT_DEBUG as defined by SysV ABI specification
)

// MemoryReader reads the memory of the target process.
type MemoryReader interface {
	ReadMemory(buf []byte, addr uint64) (int, error)
}

// LinkMapEntry is one node of the dynamic linker's list of loaded objects.
type LinkMapEntry struct {
	Addr    uint64 // difference between the runtime and the linked addresses
	Name    string
	Dynamic uint64 // runtime address of the .dynamic section of the object
}

// readUintRaw reads an integer of ptrSize bytes, with the specified byte order, from reader.
func readUintRaw(reader io.Reader, order binary.ByteOrder, ptrSize int) (uint64, error) {
	switch ptrSize {
	case 4:
		var n uint32
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 8:
		var n uint64
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("not supported ptr size %d", ptrSize)
}

// dynamicSearchDebug searches for the DT_DEBUG entry in the .dynamic
// section loaded at dynAddr.
func dynamicSearchDebug(mem MemoryReader, dynAddr, dynSize uint64, ptrSize int) (uint64, error) {
	if dynSize > maxDynamicSize {
		dynSize = maxDynamicSize
	}
	dynbuf := make([]byte, dynSize)
	_, err := mem.ReadMemory(dynbuf, dynAddr)
	if err != nil {
		return 0, err
	}

	rd := bytes.NewReader(dynbuf)

	for {
		var tag, val uint64
		if tag, err = readUintRaw(rd, binary.LittleEndian, ptrSize); err != nil {
			return 0, err
		}
		if val, err = readUintRaw(rd, binary.LittleEndian, ptrSize); err != nil {
			return 0, err
		}
		switch tag {
		case _DT_NULL:
			return 0, nil
		case _DT_DEBUG:
			return val, nil
		}
	}
}

func readPtr(mem MemoryReader, addr uint64, ptrSize int) (uint64, error) {
	ptrbuf := make([]byte, ptrSize)
	_, err := mem.ReadMemory(ptrbuf, addr)
	if err != nil {
		return 0, err
	}
	return readUintRaw(bytes.NewReader(ptrbuf), binary.LittleEndian, ptrSize)
}

type linkMap struct {
	LinkMapEntry
	next, prev uint64
}

func readLinkMapNode(mem MemoryReader, r_map uint64, ptrSize int) (*linkMap, error) {
	var lm linkMap
	var ptrs [5]uint64
	for i := range ptrs {
		var err error
		ptrs[i], err = readPtr(mem, r_map+uint64(ptrSize*i), ptrSize)
		if err != nil {
			return nil, err
		}
	}
	lm.Addr = ptrs[0]
	var err error
	lm.Name, err = ReadCString(mem, ptrs[1], maxLibraryPathLength)
	if err != nil {
		return nil, err
	}
	lm.Dynamic = ptrs[2]
	lm.next = ptrs[3]
	lm.prev = ptrs[4]
	return &lm, nil
}

// ReadCString reads a NUL terminated string of at most max bytes starting
// at addr.
func ReadCString(mem MemoryReader, addr uint64, max int) (string, error) {
	if addr == 0 {
		return "", nil
	}
	const chunk = 64
	buf := make([]byte, chunk)
	r := []byte{}
	for {
		if len(r) > max {
			return "", fmt.Errorf("string too long (%d)", len(r))
		}
		// do not read across a page boundary, the next page may be unmapped
		n := chunk - int(addr%chunk)
		_, err := mem.ReadMemory(buf[:n], addr)
		if err != nil {
			return "", err
		}
		if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
			r = append(r, buf[:i]...)
			break
		}
		r = append(r, buf[:n]...)
		addr += uint64(n)
	}
	if len(r) > max {
		return "", fmt.Errorf("string too long (%d)", len(r))
	}
	return string(r), nil
}

// ReadLinkMap reads the list of objects loaded by the dynamic linker,
// starting from the .dynamic section of the executable, loaded at dynAddr.
// The first entry is the executable itself.
// See the SysV ABI for a description of how the .dynamic section works:
// https://www.sco.com/developers/gabi/latest/contents.html
func ReadLinkMap(mem MemoryReader, dynAddr, dynSize uint64, ptrSize int) ([]LinkMapEntry, error) {
	if dynAddr == 0 {
		// no dynamic section, therefore nothing to do here
		return nil, nil
	}
	debugAddr, err := dynamicSearchDebug(mem, dynAddr, dynSize, ptrSize)
	if err != nil {
		return nil, err
	}
	if debugAddr == 0 {
		// no DT_DEBUG entry
		return nil, nil
	}

	// Offsets of the fields of the r_debug and link_map structs,
	// see /usr/include/elf/link.h for a full description of those structs.
	debugMapOffset := uint64(ptrSize)

	r_map, err := readPtr(mem, debugAddr+debugMapOffset, ptrSize)
	if err != nil {
		return nil, err
	}

	libs := []LinkMapEntry{}

	for r_map != 0 {
		if len(libs) > maxNumLibraries {
			return libs, ErrTooManyLibraries
		}
		lm, err := readLinkMapNode(mem, r_map, ptrSize)
		if err != nil {
			return libs, err
		}
		libs = append(libs, lm.LinkMapEntry)
		r_map = lm.next
	}

	return libs, nil
}
