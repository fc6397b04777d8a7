package proc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBias = 0x7f0000000000

func loadTestTable(t *testing.T) *SymbolTable {
	img, err := LoadImage(bytes.NewReader(buildTestImage(t, false)), "libtest.so")
	require.NoError(t, err)
	lo, hi := img.Extent()
	return NewSymbolTable("libtest.so", img.Symbols, testBias, lo, hi)
}

func TestSymbolTableLookup(t *testing.T) {
	st := loadTestTable(t)
	assert.Equal(t, "libtest.so", st.Module())
	assert.Equal(t, 5, st.Len(), "symbols outside of the image are dropped")

	sym, err := st.Lookup("exported_func")
	require.NoError(t, err)
	assert.Equal(t, uint64(testBias+0x100), sym.Addr)
	assert.True(t, sym.Dynamic, "dynamic entries win over equal ones from the full table")

	sym, err = st.Lookup("weak_obj")
	require.NoError(t, err)
	assert.Equal(t, uint64(testBias+0x11010), sym.Addr)

	_, err = st.Lookup("outside")
	assert.True(t, errors.Is(err, ErrSymbolNotFound))
	var serr *SymbolNotFoundError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "outside", serr.Name)
	assert.Equal(t, "libtest.so", serr.Module)
}

func TestSymbolTableLookupAddr(t *testing.T) {
	st := loadTestTable(t)

	tests := []struct {
		addr uint64
		name string
	}{
		{testBias + 0x100, "exported_func"},
		{testBias + 0x13f, "exported_func"},
		{testBias + 0x140, "local_func"},
		{testBias + 0x15f, "local_func"},
		{testBias + 0x11010, "weak_obj"},
		{testBias + 0x11017, "weak_obj"},
	}
	for _, tc := range tests {
		sym, err := st.LookupAddr(tc.addr)
		if err != nil {
			t.Errorf("LookupAddr(%#x): %v", tc.addr, err)
			continue
		}
		if sym.Name != tc.name {
			t.Errorf("LookupAddr(%#x) = %s, want %s", tc.addr, sym.Name, tc.name)
		}
		if !sym.Contains(tc.addr) {
			t.Errorf("LookupAddr(%#x) = %v which does not contain the address", tc.addr, sym)
		}
	}

	for _, addr := range []uint64{0, testBias, testBias + 0x160, testBias + 0x11018, testBias + 0x50000} {
		_, err := st.LookupAddr(addr)
		if !errors.Is(err, ErrNoSymbolAtAddress) {
			t.Errorf("LookupAddr(%#x): expected no symbol, got %v", addr, err)
		}
	}
}

func TestSymbolTableRoundTrip(t *testing.T) {
	st := loadTestTable(t)
	for _, sym := range st.Symbols() {
		if sym.Size == 0 {
			continue
		}
		got, err := st.LookupAddr(sym.Addr)
		require.NoError(t, err)
		assert.Equal(t, sym.Addr, got.Addr)
		// an alias may be returned in place of the symbol
		byName, err := st.Lookup(got.Name)
		require.NoError(t, err)
		assert.Equal(t, got.Addr, byName.Addr)
	}
}

func TestSymbolRank(t *testing.T) {
	syms := []Symbol{
		{Name: "b_local", Addr: 0x10, Size: 0x10, Bind: BindLocal},
		{Name: "b_weak", Addr: 0x10, Size: 0x10, Bind: BindWeak},
		{Name: "b_global", Addr: 0x10, Size: 0x10, Bind: BindGlobal},
		{Name: "dup", Addr: 0x40, Size: 4, Bind: BindLocal},
		{Name: "dup", Addr: 0x30, Size: 4, Bind: BindWeak},
		{Name: "big", Addr: 0x0, Size: 0x100, Bind: BindLocal},
	}
	st := NewSymbolTable("m", syms, 0x1000, 0, 0x1000)

	sym, err := st.LookupAddr(0x1018)
	require.NoError(t, err)
	assert.Equal(t, "b_global", sym.Name)

	sym, err = st.Lookup("dup")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1030), sym.Addr, "weak wins over local")

	// the nearest symbol does not contain the address but an enclosing
	// one does
	sym, err = st.LookupAddr(0x1080)
	require.NoError(t, err)
	assert.Equal(t, "big", sym.Name)
}

func TestSymbolsWithPrefix(t *testing.T) {
	st := loadTestTable(t)

	names := func(syms []Symbol) []string {
		r := make([]string, len(syms))
		for i := range syms {
			r[i] = syms[i].Name
		}
		return r
	}
	assert.Equal(t, []string{"alias", "exported_func", "local_func", "weak_obj"}, names(st.WithPrefix("")))
	assert.Equal(t, []string{"exported_func"}, names(st.WithPrefix("exp")))
	assert.Empty(t, st.WithPrefix("zzz"))
}

func TestSymbolAliases(t *testing.T) {
	syms := []Symbol{
		{Name: "malloc", Addr: 0x1000, Size: 0x20, Bind: BindGlobal, Dynamic: true},
		{Name: "__libc_malloc", Addr: 0x1000, Size: 0x20, Bind: BindGlobal, Dynamic: true},
	}
	st := NewSymbolTable("libc.so.6", syms, 0x7f0000000000, 0, 0x10000)

	for _, name := range []string{"malloc", "__libc_malloc"} {
		sym, err := st.Lookup(name)
		require.NoError(t, err)
		back, err := st.LookupAddr(sym.Addr)
		require.NoError(t, err)
		// the same name is returned for both aliases
		assert.Equal(t, sym.Addr, back.Addr)
		assert.Equal(t, "malloc", back.Name)
	}
}
