package proc

import (
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertNoError(err error, t testing.TB, s string) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s - %s\n", fname, line, s, err)
	}
}

const catMaps = `00400000-0040b000 r-xp 00000000 08:02 1321238 /bin/cat
0060a000-0060b000 r--p 0000a000 08:02 1321238 /bin/cat
0060b000-0060c000 rw-p 0000b000 08:02 1321238 /bin/cat
01b3f000-01b60000 rw-p 00000000 00:00 0          [heap]
7f5b9b5d0000-7f5b9b5f6000 r-xp 00000000 08:02 2359391 /lib/x86_64-linux-gnu/ld-2.27.so
7ffd14d5a000-7ffd14d7b000 rw-p 00000000 00:00 0          [stack]
7ffd14dc5000-7ffd14dc8000 r--p 00000000 00:00 0          [vvar]
7ffd14dc8000-7ffd14dca000 r-xp 00000000 00:00 0          [vdso]
ffffffffff600000-ffffffffff601000 --xp 00000000 00:00 0  [vsyscall]
`

func TestParseMaps(t *testing.T) {
	regions, issues, err := ParseMaps(strings.NewReader(catMaps))
	require.NoError(t, err)
	require.Empty(t, issues)
	require.Len(t, regions, 9)

	r := regions[0]
	assert.Equal(t, uint64(0x400000), r.Start)
	assert.Equal(t, uint64(0x40b000), r.End)
	assert.Equal(t, PermRead|PermExec, r.Perm)
	assert.Equal(t, "r-xp", r.Perm.String())
	assert.Equal(t, Device{Major: 8, Minor: 2}, r.Dev)
	assert.Equal(t, uint64(1321238), r.Inode)
	assert.Equal(t, "/bin/cat", r.Path)
	assert.Equal(t, FileBacked, r.Kind)
	assert.False(t, r.Deleted)

	assert.Equal(t, uint64(0xa000), regions[1].Offset)
	assert.Equal(t, PermRead|PermWrite, regions[2].Perm)

	kinds := []RegionKind{FileBacked, FileBacked, FileBacked, Heap, FileBacked, Stack, Vvar, Vdso, Vsyscall}
	for i, k := range kinds {
		assert.Equalf(t, k, regions[i].Kind, "region %d", i)
	}
	assert.Equal(t, uint64(0xffffffffff601000), regions[8].End)
	assert.Equal(t, "[heap]", regions[3].Path)
}

func TestParseMapsLine(t *testing.T) {
	tests := []struct {
		line    string
		path    string
		name    string
		kind    RegionKind
		deleted bool
		perm    Perm
	}{
		{"7f00-8000 rw-p 00000000 00:00 0", "", "", Anonymous, false, PermRead | PermWrite},
		{"7f00-8000 rw-s 00000000 00:05 1234 /dev/shm/x (deleted)", "/dev/shm/x", "", FileBacked, true, PermRead | PermWrite | PermShared},
		{"7f00-8000 r--p 00000000 08:01 99 /path with spaces/lib.so", "/path with spaces/lib.so", "", FileBacked, false, PermRead},
		{"7f00-8000 rw-p 00000000 00:00 0 [anon:scudo:primary]", "[anon:scudo:primary]", "scudo:primary", Anonymous, false, PermRead | PermWrite},
		{"7f00-8000 rw-p 00000000 00:00 0 [stack:1234]", "[stack:1234]", "", Stack, false, PermRead | PermWrite},
		{"7f00-8000 r-xp 00000000 00:00 0 [uprobes]", "[uprobes]", "", Anonymous, false, PermRead | PermExec},
		{"7f00-8000 ---p 00000000 00:00 0", "", "", Anonymous, false, 0},
	}
	for _, tc := range tests {
		r, err := ParseMapsLine(tc.line)
		if err != nil {
			t.Errorf("%q: %v", tc.line, err)
			continue
		}
		if r.Path != tc.path || r.Name != tc.name || r.Kind != tc.kind || r.Deleted != tc.deleted || r.Perm != tc.perm {
			t.Errorf("%q: got path=%q name=%q kind=%v deleted=%v perm=%v", tc.line, r.Path, r.Name, r.Kind, r.Deleted, r.Perm)
		}
	}
}

func TestParseMapsMalformed(t *testing.T) {
	in := strings.Join([]string{
		"00400000-0040b000 r-xp 00000000 08:02 1321238 /bin/cat",
		"this is not a maps line",
		"00500000-00500000 r-xp 00000000 08:02 1 empty",
		"00600000-00500000 r-xp 00000000 08:02 1 inverted",
		"00700000-00701000 rwzp 00000000 08:02 1",
		"00800000-00801000 rw-p 00000000 0802 1",
		"00900000-00901000 rw-p 00000000 08:02",
		"",
		"00a00000-00a01000 rw-p 00000000 00:00 0",
	}, "\n")
	regions, issues, err := ParseMaps(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, regions, 2)
	assert.Equal(t, uint64(0x400000), regions[0].Start)
	assert.Equal(t, uint64(0xa00000), regions[1].Start)

	lines := make([]int, len(issues))
	for i := range issues {
		lines[i] = issues[i].Line
		assert.Truef(t, errors.Is(issues[i].Err, errMalformedLine), "line %d: %v", issues[i].Line, issues[i].Err)
	}
	assert.Equal(t, []int{2, 3, 4, 5, 6, 7}, lines)
}

func TestSnapshotSorted(t *testing.T) {
	regions := []MemoryRegion{
		{Start: 0x3000, End: 0x4000},
		{Start: 0x1000, End: 0x2000},
		{Start: 0x1800, End: 0x2800}, // overlaps the previous one
		{Start: 0x2000, End: 0x3000},
	}
	snap := NewSnapshot(regions, 7)
	assert.Equal(t, uint64(7), snap.Generation())
	require.Equal(t, 3, snap.Len())
	for i := 1; i < snap.Len(); i++ {
		if snap.Region(i-1).End > snap.Region(i).Start {
			t.Errorf("regions %d and %d overlap", i-1, i)
		}
	}

	// the snapshot does not alias the slice it was built from
	regions[1].Start = 0
	assert.Equal(t, uint64(0x1000), snap.Region(0).Start)
}

func TestRegionContaining(t *testing.T) {
	regions, _, err := ParseMaps(strings.NewReader(catMaps))
	assertNoError(err, t, "ParseMaps")
	snap := NewSnapshot(regions, 1)

	for _, r := range snap.Regions() {
		for _, addr := range []uint64{r.Start, r.Start + r.Size()/2, r.End - 1} {
			got, ok := snap.RegionContaining(addr)
			if !ok || got.Start != r.Start {
				t.Errorf("RegionContaining(%#x) = %v %v, want %v", addr, &got, ok, &r)
			}
		}
	}
	for _, addr := range []uint64{0, 0x3fffff, 0x40b000, 0x60c000, 0x7ffd14dca000} {
		if r, ok := snap.RegionContaining(addr); ok {
			t.Errorf("RegionContaining(%#x) = %v, expected nothing", addr, &r)
		}
	}
}

func TestSnapshotCovering(t *testing.T) {
	snap := NewSnapshot([]MemoryRegion{
		{Start: 0x1000, End: 0x2000},
		{Start: 0x2000, End: 0x3000},
		{Start: 0x4000, End: 0x5000},
	}, 1)
	assert.Len(t, snap.covering(0x1800, 0x10), 1)
	assert.Len(t, snap.covering(0x1800, 0x1000), 2)
	assert.Len(t, snap.covering(0x1800, 0x3000), 2, "stops at the hole")
	assert.Empty(t, snap.covering(0x3800, 1))
}

func TestWidth(t *testing.T) {
	assert.Equal(t, 4, Width32.PtrSize())
	assert.Equal(t, 8, Width64.PtrSize())
	assert.True(t, Width32.Check(0xfffffff0, 0x10))
	assert.False(t, Width32.Check(0xfffffff0, 0x11))
	assert.False(t, Width32.Check(0x100000000, 0))
	assert.True(t, Width64.Check(^uint64(0), 1))
	assert.False(t, Width64.Check(^uint64(0), 2))
	assert.Equal(t, uint64(0x04030201), Width32.Pointer([]byte{1, 2, 3, 4, 5, 6, 7, 8}))
	assert.Equal(t, uint64(0x0807060504030201), Width64.Pointer([]byte{1, 2, 3, 4, 5, 6, 7, 8}))
}
