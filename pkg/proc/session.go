package proc

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	ilru "github.com/go-delve/procmem/pkg/internal/lru"
	"github.com/go-delve/procmem/pkg/logflags"
	"github.com/go-delve/procmem/pkg/proc/linutil"
)

const (
	// DefaultImageCacheSize is the number of parsed binary images a session
	// keeps unless SessionOptions says otherwise.
	DefaultImageCacheSize = 64
	// DefaultAddrCacheSize is the number of address to symbol lookups a
	// session remembers between two refreshes.
	DefaultAddrCacheSize = 4096
)

// SessionOptions configures the caches of a Session. The zero value uses
// the default sizes.
type SessionOptions struct {
	// ImageCacheSize is the number of parsed binary images kept.
	ImageCacheSize int
	// AddrCacheSize is the number of address to symbol lookups remembered
	// until the next refresh.
	AddrCacheSize int
	// DisableAddrCache turns off the address to symbol memo, every lookup
	// goes to the symbol table.
	DisableAddrCache bool
}

type addrKey struct {
	module ModuleKey
	addr   uint64
}

type addrResult struct {
	sym Symbol
	err error
}

// Session owns a process handle and everything derived from the memory
// map of the process: the current snapshot, the modules and their symbol
// tables. Everything derived from a snapshot is tagged with its generation
// and discarded by the next Refresh.
// A Session is not safe for concurrent use.
type Session struct {
	id    string
	h     ProcessHandle
	bulk  BulkTransport
	words WordTransport
	log   logflags.Logger

	generation uint64
	snap       *Snapshot
	modules    []*Module
	tables     map[ModuleKey]*SymbolTable

	images *lru.Cache // parsed images by file identity, survives refreshes
	addrs  *ilru.Cache[addrKey, addrResult]
}

// NewSession returns a session owning h.
func NewSession(h ProcessHandle, opts SessionOptions) (*Session, error) {
	s := &Session{
		id: uuid.NewString(),
		h:  h,
	}
	switch h.Mode() {
	case DirectTransfer:
		bulk, ok := h.(BulkTransport)
		if !ok {
			return nil, fmt.Errorf("handle %T can not transfer memory directly", h)
		}
		s.bulk = bulk
	case TraceAttached:
		words, ok := h.(WordTransport)
		if !ok {
			return nil, fmt.Errorf("handle %T can not transfer memory words", h)
		}
		s.words = words
	}

	if opts.ImageCacheSize <= 0 {
		opts.ImageCacheSize = DefaultImageCacheSize
	}
	switch {
	case opts.DisableAddrCache:
		opts.AddrCacheSize = 0
	case opts.AddrCacheSize <= 0:
		opts.AddrCacheSize = DefaultAddrCacheSize
	}
	var err error
	s.images, err = lru.New(opts.ImageCacheSize)
	if err != nil {
		return nil, err
	}
	s.addrs = ilru.NewCache[addrKey, addrResult](opts.AddrCacheSize)
	s.tables = make(map[ModuleKey]*SymbolTable)
	s.log = logflags.SessionLogger().WithFields(logflags.Fields{"session": s.id, "pid": h.Pid()})
	s.log.Debugf("new session, %s %s", h.Mode(), h.Width())
	return s, nil
}

// ID returns the unique identifier of the session.
func (s *Session) ID() string {
	return s.id
}

// Pid returns the process id of the target.
func (s *Session) Pid() int {
	return s.h.Pid()
}

// Handle returns the process handle owned by the session.
func (s *Session) Handle() ProcessHandle {
	return s.h
}

// Generation returns the generation of the current snapshot, zero before
// the first refresh.
func (s *Session) Generation() uint64 {
	return s.generation
}

func (s *Session) checkAttached() error {
	switch s.h.State() {
	case Detached:
		return ErrDetached
	case Dead:
		return &ProcessGoneError{Pid: s.h.Pid()}
	}
	return nil
}

// Refresh reads the memory map of the target again. The new snapshot has
// the next generation, modules, symbol tables and address lookups derived
// from the previous snapshot are discarded.
func (s *Session) Refresh() (*Snapshot, error) {
	if err := s.checkAttached(); err != nil {
		return nil, err
	}
	regions, err := ReadMaps(s.h.Pid())
	if err != nil {
		if errors.Is(err, ErrProcessGone) {
			s.h.MarkDead()
		}
		return nil, err
	}
	s.generation++
	s.snap = NewSnapshot(regions, s.generation)
	s.modules = nil
	s.tables = make(map[ModuleKey]*SymbolTable)
	s.addrs.Purge()
	s.log.Debugf("generation %d: %d regions", s.generation, s.snap.Len())
	return s.snap, nil
}

// Snapshot returns the current snapshot, reading the memory map if this is
// the first access.
func (s *Session) Snapshot() (*Snapshot, error) {
	if s.snap == nil {
		return s.Refresh()
	}
	if err := s.checkAttached(); err != nil {
		return nil, err
	}
	return s.snap, nil
}

// Modules returns the modules of the current snapshot sorted by base
// address.
func (s *Session) Modules() ([]*Module, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	if s.modules == nil {
		s.modules = ListModules(snap, s.loadImage)
	}
	r := make([]*Module, len(s.modules))
	copy(r, s.modules)
	return r, nil
}

// FindModuleByName returns the first module, by base address, whose file
// name contains name.
func (s *Session) FindModuleByName(name string) (*Module, error) {
	modules, err := s.Modules()
	if err != nil {
		return nil, err
	}
	if m := findModuleByName(modules, name); m != nil {
		return m, nil
	}
	return nil, fmt.Errorf("module %q: %w", name, ErrNotFound)
}

// FindModuleByAddr returns the module with a region containing addr.
func (s *Session) FindModuleByAddr(addr uint64) (*Module, error) {
	modules, err := s.Modules()
	if err != nil {
		return nil, err
	}
	if m := findModuleByAddr(modules, addr); m != nil {
		return m, nil
	}
	return nil, fmt.Errorf("module at %#x: %w", addr, ErrNotFound)
}

// FindModule looks up a module by address, if q is a 0x prefixed
// hexadecimal number, or by name.
func (s *Session) FindModule(q string) (*Module, error) {
	if strings.HasPrefix(q, "0x") || strings.HasPrefix(q, "0X") {
		if addr, err := strconv.ParseUint(q[2:], 16, 64); err == nil {
			return s.FindModuleByAddr(addr)
		}
	}
	return s.FindModuleByName(q)
}

// current returns the module of the current generation corresponding to
// m, which may come from an older snapshot.
func (s *Session) current(m *Module) (*Module, error) {
	if _, err := s.Modules(); err != nil {
		return nil, err
	}
	if m.Generation == s.generation {
		return m, nil
	}
	for _, cur := range s.modules {
		if cur.Key == m.Key {
			return cur, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", m.Path, ErrModuleUnloaded)
}

// Symbols returns the symbol table of m. A module whose image could not be
// loaded returns the load error, a *MalformedImageError if the image is
// corrupt.
func (s *Session) Symbols(m *Module) (*SymbolTable, error) {
	m, err := s.current(m)
	if err != nil {
		return nil, err
	}
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if t := s.tables[m.Key]; t != nil {
		return t, nil
	}
	lo, hi := m.image.Extent()
	t := NewSymbolTable(m.Name(), m.image.Symbols, m.Bias, lo, hi)
	logflags.SymbolsLogger().Debugf("%s: %d symbols", m.Path, t.Len())
	s.tables[m.Key] = t
	return t, nil
}

// Resolve returns the symbol called name of module m, with its runtime
// address.
func (s *Session) Resolve(m *Module, name string) (Symbol, error) {
	t, err := s.Symbols(m)
	if err != nil {
		return Symbol{}, err
	}
	return t.Lookup(name)
}

// ResolveAddr returns the symbol of m containing addr.
// When several names share an address (malloc and __libc_malloc in glibc)
// one of them is returned, ranked as by NewSymbolTable, so resolving a
// name and then its address can return an alias of that name.
func (s *Session) ResolveAddr(m *Module, addr uint64) (Symbol, error) {
	t, err := s.Symbols(m)
	if err != nil {
		return Symbol{}, err
	}
	key := addrKey{module: m.Key, addr: addr}
	if r, ok := s.addrs.Get(key); ok {
		return r.sym, r.err
	}
	sym, err := t.LookupAddr(addr)
	s.addrs.Add(key, addrResult{sym: sym, err: err})
	return sym, err
}

// Symbolize returns the module containing addr and its symbol containing
// addr.
func (s *Session) Symbolize(addr uint64) (*Module, Symbol, error) {
	m, err := s.FindModuleByAddr(addr)
	if err != nil {
		return nil, Symbol{}, err
	}
	sym, err := s.ResolveAddr(m, addr)
	return m, sym, err
}

// SymbolsWithPrefix returns the symbols of m whose name starts with prefix.
func (s *Session) SymbolsWithPrefix(m *Module, prefix string) ([]Symbol, error) {
	t, err := s.Symbols(m)
	if err != nil {
		return nil, err
	}
	return t.WithPrefix(prefix), nil
}

// AuxvInfo holds the entries of the auxiliary vector of the target that
// locate its executable and its dynamic linker.
type AuxvInfo struct {
	Entry      uint64 // AT_ENTRY
	Phdr       uint64 // AT_PHDR
	InterpBase uint64 // AT_BASE, zero for static executables
}

// Auxv reads the auxiliary vector of the target.
func (s *Session) Auxv() (AuxvInfo, error) {
	if err := s.checkAttached(); err != nil {
		return AuxvInfo{}, err
	}
	auxv, err := linutil.ReadAuxv(s.h.Pid())
	if err != nil {
		return AuxvInfo{}, fmt.Errorf("could not read auxiliary vector: %v", err)
	}
	ptrSize := s.h.Width().PtrSize()
	return AuxvInfo{
		Entry:      linutil.EntryPointFromAuxv(auxv, ptrSize),
		Phdr:       linutil.PhdrFromAuxv(auxv, ptrSize),
		InterpBase: linutil.InterpBaseFromAuxv(auxv, ptrSize),
	}, nil
}

// EntryPoint returns the entry point of the target executable, read from
// its auxiliary vector.
func (s *Session) EntryPoint() (uint64, error) {
	auxv, err := s.Auxv()
	return auxv.Entry, err
}

// Executable returns the module of the executable of the target.
func (s *Session) Executable() (*Module, error) {
	exe, err := os.Readlink(linutil.ProcPath(s.h.Pid(), "exe"))
	if err != nil {
		return nil, fmt.Errorf("could not read executable path: %v", err)
	}
	exe = strings.TrimSuffix(exe, deletedSuffix)
	modules, err := s.Modules()
	if err != nil {
		return nil, err
	}
	for _, m := range modules {
		if m.Path == exe {
			return m, nil
		}
	}
	return nil, fmt.Errorf("executable %s: %w", exe, ErrNotFound)
}

// LinkMap returns the list of objects loaded by the dynamic linker, the
// first one being the executable. Statically linked targets have an empty
// list.
func (s *Session) LinkMap() ([]linutil.LinkMapEntry, error) {
	m, err := s.Executable()
	if err != nil {
		return nil, err
	}
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	dyn := m.image.Dynamic
	if dyn.Memsz == 0 {
		return nil, nil
	}
	return linutil.ReadLinkMap(s, dyn.Vaddr+m.Bias, dyn.Memsz, s.h.Width().PtrSize())
}

// Continue resumes a trace attached target.
func (s *Session) Continue() error {
	if err := s.checkAttached(); err != nil {
		return err
	}
	return s.h.Continue()
}

// Detach releases the process handle. Calling Detach more than once is
// a no-op.
func (s *Session) Detach() error {
	if s.h.State() == Detached {
		return nil
	}
	s.log.Debugf("detaching")
	err := s.h.Detach()
	s.snap = nil
	s.modules = nil
	s.tables = make(map[ModuleKey]*SymbolTable)
	s.addrs.Purge()
	s.images.Purge()
	return err
}

// Close is the same as Detach.
func (s *Session) Close() error {
	return s.Detach()
}

func (s *Session) loadImage(m *Module) (*Image, error) {
	if m.Source == ImageMemory {
		key := fmt.Sprintf("mem:%#x-%#x", m.Base, m.End())
		if img, ok := s.images.Get(key); ok {
			return img.(*Image), nil
		}
		buf, err := s.Read(m.Base, int(m.End()-m.Base))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrImageUnavailable, m.Path, err)
		}
		img, err := LoadImage(bytes.NewReader(buf), m.Path)
		if err != nil {
			return nil, err
		}
		s.images.Add(key, img)
		return img, nil
	}

	f, key, err := s.openImage(m)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if img, ok := s.images.Get(key); ok {
		return img.(*Image), nil
	}
	img, err := LoadImage(f, m.Path)
	if err != nil {
		return nil, err
	}
	s.images.Add(key, img)
	return img, nil
}

// openImage opens the file backing m as seen by the target, checking that
// it is still the mapped file. The returned key identifies the contents of
// the file.
func (s *Session) openImage(m *Module) (*os.File, string, error) {
	pid := s.h.Pid()
	r := &m.Regions[0]
	paths := []string{
		linutil.ProcPath(pid, "root", m.Path),
		m.Path,
		linutil.ProcPath(pid, "map_files", fmt.Sprintf("%x-%x", r.Start, r.End)),
	}
	var lastErr error
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			lastErr = err
			continue
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			lastErr = err
			continue
		}
		st, ok := fi.Sys().(*syscall.Stat_t)
		if !ok || fi.IsDir() || (m.Key.Inode != 0 && st.Ino != m.Key.Inode) {
			f.Close()
			lastErr = fmt.Errorf("%s is not the mapped file", path)
			continue
		}
		key := fmt.Sprintf("%d:%d:%d:%d", st.Dev, st.Ino, fi.Size(), fi.ModTime().UnixNano())
		return f, key, nil
	}
	return nil, "", fmt.Errorf("%w: %s: %v", ErrImageUnavailable, m.Path, lastErr)
}
