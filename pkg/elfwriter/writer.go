// elfwriter is a package to write ELF files without having their entire
// contents in memory at any one time.
// This package is incomplete, only features needed to write core-style
// memory dumps and small shared objects are implemented, notably missing:
// - 32bit and big endian files
// - program headers at the beginning of the file

package elfwriter

import (
	"debug/elf"
	"encoding/binary"
	"io"
)

const (
	ehsize    = 64
	phentsize = 56
	shentsize = 64
	symsize   = 24
)

// WriteCloserSeeker is the union of io.Writer, io.Closer and io.Seeker.
type WriteCloserSeeker interface {
	io.Writer
	io.Seeker
	io.Closer
}

// Writer writes ELF files.
type Writer struct {
	w     WriteCloserSeeker
	Err   error
	Progs []*elf.ProgHeader

	seekProgHeader int64
	seekSectHeader int64
	seekProgNum    int64
	seekSectNum    int64
}

type Note struct {
	Type elf.NType
	Name string
	Data []byte
}

// Section is a section written by WriteSections. Name, Type, Flags, Addr,
// Link, Info, Addralign and Entsize are copied into the section header,
// Offset and Size are computed from Data. The section at index i of the
// slice passed to WriteSections gets section index i+1.
type Section struct {
	elf.SectionHeader
	Data []byte
}

// Symbol is one entry of a symbol table encoded by SymbolTable.
type Symbol struct {
	Name    string
	Bind    elf.SymBind
	Type    elf.SymType
	Section elf.SectionIndex
	Value   uint64
	Size    uint64
}

// New creates a new Writer.
func New(w WriteCloserSeeker, fhdr *elf.FileHeader) *Writer {
	if seek, _ := w.Seek(0, io.SeekCurrent); seek != 0 {
		panic("can't write halfway through a file")
	}

	r := &Writer{w: w}

	if fhdr.Class != elf.ELFCLASS64 {
		panic("unsupported")
	}

	if fhdr.Data != elf.ELFDATA2LSB {
		panic("unsupported")
	}

	// e_ident
	r.Write([]byte{0x7f, 'E', 'L', 'F', byte(fhdr.Class), byte(fhdr.Data), byte(fhdr.Version), byte(fhdr.OSABI), byte(fhdr.ABIVersion), 0, 0, 0, 0, 0, 0, 0})

	r.u16(uint16(fhdr.Type))    // e_type
	r.u16(uint16(fhdr.Machine)) // e_machine
	r.u32(uint32(fhdr.Version)) // e_version
	r.u64(fhdr.Entry)           // e_entry
	r.seekProgHeader = r.Here()
	r.u64(0) // e_phoff
	r.seekSectHeader = r.Here()
	r.u64(0)         // e_shoff
	r.u32(0)         // e_flags
	r.u16(ehsize)    // e_ehsize
	r.u16(phentsize) // e_phentsize
	r.seekProgNum = r.Here()
	r.u16(0) // e_phnum
	r.u16(0) // e_shentsize
	r.seekSectNum = r.Here()
	r.u16(0)                     // e_shnum
	r.u16(uint16(elf.SHN_UNDEF)) // e_shstrndx

	// Sanity check, size of file header should be the same as ehsize
	if sz, _ := w.Seek(0, io.SeekCurrent); sz != ehsize {
		panic("internal error, ELF header size")
	}

	return r
}

// WriteNotes writes notes to the current location, returns a ProgHeader describing the
// notes.
func (w *Writer) WriteNotes(notes []Note) *elf.ProgHeader {
	if len(notes) == 0 {
		return nil
	}
	h := &elf.ProgHeader{
		Type:  elf.PT_NOTE,
		Align: 4,
	}
	for i := range notes {
		note := &notes[i]
		w.Align(4)
		if h.Off == 0 {
			h.Off = uint64(w.Here())
		}
		w.u32(uint32(len(note.Name)))
		w.u32(uint32(len(note.Data)))
		w.u32(uint32(note.Type))
		w.Write([]byte(note.Name))
		w.Align(4)
		w.Write(note.Data)
	}
	h.Filesz = uint64(w.Here()) - h.Off
	return h
}

// WriteProgramHeaders writes the program headers at the current location
// and patches the file header accordingly.
func (w *Writer) WriteProgramHeaders() {
	phoff := w.Here()

	// Patch File Header
	w.seek(w.seekProgHeader)
	w.u64(uint64(phoff))
	w.seek(w.seekProgNum)
	w.u16(uint16(len(w.Progs)))
	w.seekEnd()

	for _, prog := range w.Progs {
		w.u32(uint32(prog.Type))
		w.u32(uint32(prog.Flags))
		w.u64(prog.Off)
		w.u64(prog.Vaddr)
		w.u64(prog.Paddr)
		w.u64(prog.Filesz)
		w.u64(prog.Memsz)
		w.u64(prog.Align)
	}
}

// WriteSections writes the contents of sections followed by a section
// header table. A null section is added in front and a section name
// string table is added at the end, the file header is patched to point
// to both.
func (w *Writer) WriteSections(sections []*Section) {
	shstrtab := []byte{0}
	nameOff := make([]uint32, len(sections)+1)
	for i, s := range sections {
		nameOff[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s.Name...)
		shstrtab = append(shstrtab, 0)
	}
	nameOff[len(sections)] = uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab\x00"...)

	offs := make([]uint64, len(sections))
	for i, s := range sections {
		align := int64(s.Addralign)
		if align > 1 {
			w.Align(align)
		}
		offs[i] = uint64(w.Here())
		if s.Type != elf.SHT_NOBITS {
			w.Write(s.Data)
		}
	}
	shstrOff := uint64(w.Here())
	w.Write(shstrtab)

	w.Align(8)
	shoff := w.Here()

	// null section
	w.Write(make([]byte, shentsize))
	for i, s := range sections {
		w.sectionHeader(nameOff[i], &s.SectionHeader, offs[i], uint64(len(s.Data)))
	}
	w.sectionHeader(nameOff[len(sections)], &elf.SectionHeader{Type: elf.SHT_STRTAB, Addralign: 1}, shstrOff, uint64(len(shstrtab)))

	// Patch File Header
	w.seek(w.seekSectHeader)
	w.u64(uint64(shoff))
	w.seek(w.seekSectNum - 2)
	w.u16(shentsize)                 // e_shentsize
	w.u16(uint16(len(sections) + 2)) // e_shnum
	w.u16(uint16(len(sections) + 1)) // e_shstrndx
	w.seekEnd()
}

func (w *Writer) sectionHeader(name uint32, sh *elf.SectionHeader, off, size uint64) {
	w.u32(name)
	w.u32(uint32(sh.Type))
	w.u64(uint64(sh.Flags))
	w.u64(sh.Addr)
	w.u64(off)
	w.u64(size)
	w.u32(sh.Link)
	w.u32(sh.Info)
	w.u64(sh.Addralign)
	w.u64(sh.Entsize)
}

// SymbolTable encodes syms as the contents of a 64bit little endian symbol
// table section and of its string table. The mandatory null symbol is
// added in front of syms.
func SymbolTable(syms []Symbol) (symtab, strtab []byte) {
	strtab = []byte{0}
	symtab = make([]byte, symsize, symsize*(len(syms)+1))
	for _, sym := range syms {
		var ent [symsize]byte
		binary.LittleEndian.PutUint32(ent[0:], uint32(len(strtab)))
		ent[4] = elf.ST_INFO(sym.Bind, sym.Type)
		binary.LittleEndian.PutUint16(ent[6:], uint16(sym.Section))
		binary.LittleEndian.PutUint64(ent[8:], sym.Value)
		binary.LittleEndian.PutUint64(ent[16:], sym.Size)
		symtab = append(symtab, ent[:]...)
		strtab = append(strtab, sym.Name...)
		strtab = append(strtab, 0)
	}
	return symtab, strtab
}

// Here returns the current seek offset from the start of the file.
func (w *Writer) Here() int64 {
	r, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil && w.Err == nil {
		w.Err = err
	}
	return r
}

// Align writes as many padding bytes as needed to make the current file
// offset a multiple of align.
func (w *Writer) Align(align int64) {
	off := w.Here()
	alignOff := (off + (align - 1)) &^ (align - 1)
	if alignOff-off > 0 {
		w.Write(make([]byte, alignOff-off))
	}
}

func (w *Writer) Write(buf []byte) {
	_, err := w.w.Write(buf)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) seek(off int64) {
	_, err := w.w.Seek(off, io.SeekStart)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) seekEnd() {
	_, err := w.w.Seek(0, io.SeekEnd)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u16(n uint16) {
	err := binary.Write(w.w, binary.LittleEndian, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u32(n uint32) {
	err := binary.Write(w.w, binary.LittleEndian, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u64(n uint64) {
	err := binary.Write(w.w, binary.LittleEndian, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}
