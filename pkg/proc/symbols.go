package proc

import (
	"fmt"
	"sort"

	"github.com/derekparker/trie"
)

// SymBind is the binding of a symbol.
type SymBind uint8

const (
	BindGlobal SymBind = iota
	BindWeak
	BindLocal
)

func (b SymBind) String() string {
	switch b {
	case BindGlobal:
		return "global"
	case BindWeak:
		return "weak"
	case BindLocal:
		return "local"
	}
	return fmt.Sprintf("SymBind(%d)", uint8(b))
}

// SymType is the type of a symbol.
type SymType uint8

const (
	SymFunc SymType = iota
	SymObject
)

func (t SymType) String() string {
	switch t {
	case SymFunc:
		return "func"
	case SymObject:
		return "object"
	}
	return fmt.Sprintf("SymType(%d)", uint8(t))
}

// Symbol is a function or object of a module.
type Symbol struct {
	Name    string
	Addr    uint64
	Size    uint64
	Bind    SymBind
	Type    SymType
	Dynamic bool // from the dynamic symbol table
}

// Contains returns true if addr is inside the symbol.
func (s *Symbol) Contains(addr uint64) bool {
	return addr >= s.Addr && addr-s.Addr < s.Size
}

func (s Symbol) String() string {
	return fmt.Sprintf("%#x %s %s %s size=%d", s.Addr, s.Bind, s.Type, s.Name, s.Size)
}

// rank orders symbols defined at the same address, lower is better.
func (s *Symbol) rank() int {
	r := int(s.Bind) * 2
	if !s.Dynamic {
		r++
	}
	return r
}

// SymbolTable is the symbol table of one module, with runtime addresses.
type SymbolTable struct {
	module string
	syms   []Symbol // sorted by address, then rank
	maxEnd []uint64 // maxEnd[i] is the highest end address of syms[:i+1]
	byName map[string]int
	names  *trie.Trie
}

// NewSymbolTable returns the symbol table of module, relocating the image
// symbols syms by bias. Symbols whose image address is outside of [lo, hi)
// do not belong to any loaded segment and are dropped.
func NewSymbolTable(module string, syms []Symbol, bias, lo, hi uint64) *SymbolTable {
	t := &SymbolTable{
		module: module,
		syms:   make([]Symbol, 0, len(syms)),
		byName: make(map[string]int, len(syms)),
		names:  trie.New(),
	}
	for _, s := range syms {
		if s.Addr < lo || s.Addr >= hi {
			continue
		}
		s.Addr += bias
		t.syms = append(t.syms, s)
	}
	sort.SliceStable(t.syms, func(i, j int) bool {
		if t.syms[i].Addr != t.syms[j].Addr {
			return t.syms[i].Addr < t.syms[j].Addr
		}
		return t.syms[i].rank() < t.syms[j].rank()
	})

	t.maxEnd = make([]uint64, len(t.syms))
	var maxEnd uint64
	for i := range t.syms {
		s := &t.syms[i]
		if end := s.Addr + s.Size; end > maxEnd {
			maxEnd = end
		}
		t.maxEnd[i] = maxEnd

		if j, ok := t.byName[s.Name]; !ok || s.rank() < t.syms[j].rank() {
			t.byName[s.Name] = i
			if !ok {
				t.names.Add(s.Name, nil)
			}
		}
	}
	return t
}

// Module returns the name of the module the table belongs to.
func (t *SymbolTable) Module() string {
	return t.module
}

// Len returns the number of symbols.
func (t *SymbolTable) Len() int {
	return len(t.syms)
}

// Symbols returns all symbols sorted by address.
func (t *SymbolTable) Symbols() []Symbol {
	r := make([]Symbol, len(t.syms))
	copy(r, t.syms)
	return r
}

// Lookup returns the symbol called name. When more than one symbol has the
// same name global symbols win over weak ones and weak over local ones.
func (t *SymbolTable) Lookup(name string) (Symbol, error) {
	i, ok := t.byName[name]
	if !ok {
		return Symbol{}, &SymbolNotFoundError{Module: t.module, Name: name}
	}
	return t.syms[i], nil
}

// LookupAddr returns the symbol with the highest address lower than or
// equal to addr that also contains addr.
func (t *SymbolTable) LookupAddr(addr uint64) (Symbol, error) {
	i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].Addr > addr }) - 1
	for ; i >= 0 && t.maxEnd[i] > addr; i-- {
		if !t.syms[i].Contains(addr) {
			continue
		}
		best := i
		for j := i - 1; j >= 0 && t.syms[j].Addr == t.syms[i].Addr; j-- {
			if t.syms[j].Contains(addr) {
				best = j
			}
		}
		return t.syms[best], nil
	}
	return Symbol{}, &NoSymbolAtAddressError{Module: t.module, Addr: addr}
}

// WithPrefix returns the symbols whose name starts with prefix, sorted by
// name.
func (t *SymbolTable) WithPrefix(prefix string) []Symbol {
	var names []string
	if prefix == "" {
		names = t.names.Keys()
	} else {
		names = t.names.PrefixSearch(prefix)
	}
	sort.Strings(names)
	r := make([]Symbol, 0, len(names))
	for _, name := range names {
		if i, ok := t.byName[name]; ok {
			r = append(r, t.syms[i])
		}
	}
	return r
}
