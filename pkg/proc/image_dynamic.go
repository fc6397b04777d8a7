package proc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// readDynamicSymbols reads the dynamic symbol table of an image without
// section headers. The table is found through the DT_SYMTAB, DT_STRTAB and
// DT_STRSZ entries of PT_DYNAMIC and its length through DT_HASH or, when
// that is missing, DT_GNU_HASH.
func (img *Image) readDynamicSymbols(r io.ReaderAt, bo binary.ByteOrder) ([]elf.Symbol, error) {
	if img.Dynamic.Filesz == 0 {
		return nil, nil
	}
	dyn := make([]byte, img.Dynamic.Filesz)
	if err := readFull(r, dyn, img.Dynamic.Off); err != nil {
		return nil, fmt.Errorf("reading PT_DYNAMIC: %v", err)
	}
	word, symSize := 8, uint64(elf.Sym64Size)
	if img.Class == elf.ELFCLASS32 {
		word, symSize = 4, elf.Sym32Size
	}
	tags := make(map[elf.DynTag]uint64)
	for off := 0; off+2*word <= len(dyn); off += 2 * word {
		tag := elf.DynTag(readWord(bo, dyn[off:], word))
		if tag == elf.DT_NULL {
			break
		}
		tags[tag] = readWord(bo, dyn[off+word:], word)
	}

	symtab, ok1 := tags[elf.DT_SYMTAB]
	strtab, ok2 := tags[elf.DT_STRTAB]
	if !ok1 || !ok2 {
		return nil, nil
	}
	syment := tags[elf.DT_SYMENT]
	if syment == 0 {
		syment = symSize
	}
	if syment < symSize {
		return nil, fmt.Errorf("bad DT_SYMENT %d", syment)
	}
	count, err := img.dynamicSymbolCount(r, bo, tags, word)
	if err != nil {
		return nil, err
	}
	if count <= 1 {
		return nil, nil
	}
	strs, err := img.readVaddr(r, strtab, tags[elf.DT_STRSZ])
	if err != nil {
		return nil, fmt.Errorf("reading DT_STRTAB: %v", err)
	}
	buf, err := img.readVaddr(r, symtab, count*syment)
	if err != nil {
		return nil, fmt.Errorf("reading DT_SYMTAB: %v", err)
	}

	// the first entry is the null symbol
	syms := make([]elf.Symbol, 0, count-1)
	for i := uint64(1); i < count; i++ {
		ent := buf[i*syment:]
		var s elf.Symbol
		name := bo.Uint32(ent)
		if word == 8 {
			s.Info, s.Other = ent[4], ent[5]
			s.Section = elf.SectionIndex(bo.Uint16(ent[6:]))
			s.Value = bo.Uint64(ent[8:])
			s.Size = bo.Uint64(ent[16:])
		} else {
			s.Value = uint64(bo.Uint32(ent[4:]))
			s.Size = uint64(bo.Uint32(ent[8:]))
			s.Info, s.Other = ent[12], ent[13]
			s.Section = elf.SectionIndex(bo.Uint16(ent[14:]))
		}
		s.Name = cstring(strs, name)
		syms = append(syms, s)
	}
	return syms, nil
}

// dynamicSymbolCount returns the number of entries of the dynamic symbol
// table, including the null symbol.
func (img *Image) dynamicSymbolCount(r io.ReaderAt, bo binary.ByteOrder, tags map[elf.DynTag]uint64, word int) (uint64, error) {
	if addr, ok := tags[elf.DT_HASH]; ok {
		hdr, err := img.readVaddr(r, addr, 8)
		if err != nil {
			return 0, fmt.Errorf("reading DT_HASH: %v", err)
		}
		return uint64(bo.Uint32(hdr[4:])), nil // nchain
	}

	addr, ok := tags[elf.DT_GNU_HASH]
	if !ok {
		return 0, errors.New("no DT_HASH or DT_GNU_HASH entry")
	}
	hdr, err := img.readVaddr(r, addr, 16)
	if err != nil {
		return 0, fmt.Errorf("reading DT_GNU_HASH: %v", err)
	}
	nbuckets, symoffset, bloomSize := bo.Uint32(hdr), bo.Uint32(hdr[4:]), bo.Uint32(hdr[8:])
	bucketsAddr := addr + 16 + uint64(bloomSize)*uint64(word)
	buckets, err := img.readVaddr(r, bucketsAddr, uint64(nbuckets)*4)
	if err != nil {
		return 0, fmt.Errorf("reading DT_GNU_HASH buckets: %v", err)
	}
	var last uint32
	for i := uint32(0); i < nbuckets; i++ {
		if b := bo.Uint32(buckets[i*4:]); b > last {
			last = b
		}
	}
	if last < symoffset {
		return uint64(symoffset), nil
	}
	// walk the chain of the last bucket, its end is marked by the low bit
	chainAddr := bucketsAddr + uint64(nbuckets)*4
	for idx := last; ; idx++ {
		h, err := img.readVaddr(r, chainAddr+uint64(idx-symoffset)*4, 4)
		if err != nil {
			return 0, fmt.Errorf("reading DT_GNU_HASH chain: %v", err)
		}
		if bo.Uint32(h)&1 != 0 {
			return uint64(idx) + 1, nil
		}
	}
}

// readVaddr reads size bytes at the image address vaddr, which must lie in
// the file backed part of one loadable segment.
func (img *Image) readVaddr(r io.ReaderAt, vaddr, size uint64) ([]byte, error) {
	for _, l := range img.Loads {
		if vaddr < l.Vaddr || vaddr-l.Vaddr >= l.Filesz {
			continue
		}
		if size > l.Filesz-(vaddr-l.Vaddr) {
			return nil, fmt.Errorf("%#x+%#x crosses the end of its segment", vaddr, size)
		}
		buf := make([]byte, size)
		return buf, readFull(r, buf, l.Off+(vaddr-l.Vaddr))
	}
	return nil, fmt.Errorf("address %#x is not in a loadable segment", vaddr)
}

func readFull(r io.ReaderAt, buf []byte, off uint64) error {
	n, err := r.ReadAt(buf, int64(off))
	if n == len(buf) {
		return nil
	}
	return err
}

func readWord(bo binary.ByteOrder, buf []byte, word int) uint64 {
	if word == 4 {
		return uint64(bo.Uint32(buf))
	}
	return bo.Uint64(buf)
}

func cstring(strs []byte, off uint32) string {
	if uint64(off) >= uint64(len(strs)) {
		return ""
	}
	s := strs[off:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s)
}
