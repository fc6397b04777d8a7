package proc

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
)

// LoadSegment is a PT_LOAD program header.
type LoadSegment struct {
	Off, Filesz  uint64
	Vaddr, Memsz uint64
	Flags        elf.ProgFlag
}

// Image is a parsed binary image: the layout of its loadable segments and
// its symbols, with addresses relative to the image.
type Image struct {
	Class   elf.Class
	Type    elf.Type
	Loads   []LoadSegment
	Dynamic LoadSegment // PT_DYNAMIC, zero if the image is statically linked
	Symbols []Symbol
}

// Extent returns the range of virtual addresses covered by the loadable
// segments of the image.
func (img *Image) Extent() (lo, hi uint64) {
	for i, l := range img.Loads {
		if i == 0 || l.Vaddr < lo {
			lo = l.Vaddr
		}
		if end := l.Vaddr + l.Memsz; end > hi {
			hi = end
		}
	}
	return lo, hi
}

// VaddrForOffset returns the page aligned virtual address at which the page
// at file offset off is mapped.
func (img *Image) VaddrForOffset(off, pageSize uint64) (uint64, bool) {
	for _, l := range img.Loads {
		pageOff := l.Off &^ (pageSize - 1)
		if off >= pageOff && off < l.Off+l.Filesz {
			return (l.Vaddr &^ (pageSize - 1)) + (off - pageOff), true
		}
	}
	if len(img.Loads) == 0 {
		return 0, false
	}
	lo, _ := img.Extent()
	return lo &^ (pageSize - 1), false
}

// LoadImage parses the ELF image read from r. The dynamic symbol table is
// read first and the full symbol table, if present, after it, so that a
// stripped image still exposes its exported symbols. Without section
// headers the dynamic symbol table is located through PT_DYNAMIC. An image
// without symbol tables has an empty symbol list.
func LoadImage(r io.ReaderAt, path string) (img *Image, err error) {
	defer func() {
		if ierr := recover(); ierr != nil {
			img = nil
			err = &MalformedImageError{Path: path, Err: fmt.Errorf("%v", ierr)}
		}
	}()

	f, err := elf.NewFile(r)
	if err != nil {
		return nil, &MalformedImageError{Path: path, Err: err}
	}
	defer f.Close()

	img = &Image{Class: f.Class, Type: f.Type}
	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			img.Loads = append(img.Loads, LoadSegment{Off: p.Off, Filesz: p.Filesz, Vaddr: p.Vaddr, Memsz: p.Memsz, Flags: p.Flags})
		case elf.PT_DYNAMIC:
			img.Dynamic = LoadSegment{Off: p.Off, Filesz: p.Filesz, Vaddr: p.Vaddr, Memsz: p.Memsz, Flags: p.Flags}
		}
	}

	dynsyms, err := f.DynamicSymbols()
	if errors.Is(err, elf.ErrNoSymbols) && len(f.Sections) == 0 {
		dynsyms, err = img.readDynamicSymbols(r, f.ByteOrder)
	}
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, &MalformedImageError{Path: path, Err: fmt.Errorf("reading dynamic symbols: %v", err)}
	}
	img.Symbols = appendSymbols(img.Symbols, dynsyms, true)

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, &MalformedImageError{Path: path, Err: fmt.Errorf("reading symbols: %v", err)}
	}
	img.Symbols = appendSymbols(img.Symbols, syms, false)

	return img, nil
}

const (
	_STB_GNU_UNIQUE = elf.STB_LOOS
	_STT_GNU_IFUNC  = elf.STT_LOOS
)

func appendSymbols(dst []Symbol, syms []elf.Symbol, dynamic bool) []Symbol {
	for _, s := range syms {
		if s.Name == "" || s.Section == elf.SHN_UNDEF || s.Section == elf.SHN_ABS {
			continue
		}
		sym := Symbol{Name: s.Name, Addr: s.Value, Size: s.Size, Dynamic: dynamic}
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC, _STT_GNU_IFUNC:
			sym.Type = SymFunc
		case elf.STT_OBJECT, elf.STT_COMMON:
			sym.Type = SymObject
		default:
			// sections, files, TLS and untyped symbols
			continue
		}
		switch elf.ST_BIND(s.Info) {
		case elf.STB_GLOBAL, _STB_GNU_UNIQUE:
			sym.Bind = BindGlobal
		case elf.STB_WEAK:
			sym.Bind = BindWeak
		case elf.STB_LOCAL:
			sym.Bind = BindLocal
		default:
			continue
		}
		dst = append(dst, sym)
	}
	return dst
}
