package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Perm is the permission set of a memory region.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermShared // shared mapping, private (copy on write) otherwise
)

func (p Perm) Readable() bool   { return p&PermRead != 0 }
func (p Perm) Writable() bool   { return p&PermWrite != 0 }
func (p Perm) Executable() bool { return p&PermExec != 0 }
func (p Perm) Shared() bool     { return p&PermShared != 0 }

// String returns the permissions in the format used by /proc/<pid>/maps.
func (p Perm) String() string {
	b := []byte("---p")
	if p.Readable() {
		b[0] = 'r'
	}
	if p.Writable() {
		b[1] = 'w'
	}
	if p.Executable() {
		b[2] = 'x'
	}
	if p.Shared() {
		b[3] = 's'
	}
	return string(b)
}

// RegionKind classifies a memory region, it is determined once when the
// region is parsed.
type RegionKind uint8

const (
	Anonymous RegionKind = iota
	FileBacked
	Stack
	Heap
	Vdso
	Vvar
	Vsyscall
)

func (k RegionKind) String() string {
	switch k {
	case Anonymous:
		return "anonymous"
	case FileBacked:
		return "file"
	case Stack:
		return "stack"
	case Heap:
		return "heap"
	case Vdso:
		return "vdso"
	case Vvar:
		return "vvar"
	case Vsyscall:
		return "vsyscall"
	}
	return fmt.Sprintf("RegionKind(%d)", uint8(k))
}

// Special returns true for the kernel provided regions.
func (k RegionKind) Special() bool {
	return k >= Stack
}

// Device is the device number of the file backing a region.
type Device struct {
	Major, Minor uint32
}

func (d Device) String() string {
	return fmt.Sprintf("%02x:%02x", d.Major, d.Minor)
}

// MemoryRegion is one mapping of the target address space.
type MemoryRegion struct {
	Start, End uint64 // Start < End
	Perm       Perm
	Offset     uint64
	Dev        Device
	Inode      uint64
	Path       string
	Name       string // name of a named anonymous mapping, [anon:Name]
	Deleted    bool   // the backing file was deleted
	Kind       RegionKind
}

// Size returns the length of the region in bytes.
func (r *MemoryRegion) Size() uint64 {
	return r.End - r.Start
}

// Contains returns true if addr is inside the region.
func (r *MemoryRegion) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

func (r *MemoryRegion) String() string {
	s := fmt.Sprintf("%#x-%#x %s %08x %s %d", r.Start, r.End, r.Perm, r.Offset, r.Dev, r.Inode)
	if r.Path != "" {
		s += " " + r.Path
	}
	if r.Deleted {
		s += " (deleted)"
	}
	return s
}

// ParseIssue describes a line of a maps file that was skipped.
type ParseIssue struct {
	Line int
	Text string
	Err  error
}

func (i ParseIssue) String() string {
	return fmt.Sprintf("line %d: %v: %q", i.Line, i.Err, i.Text)
}

var errMalformedLine = errors.New("malformed maps line")

const deletedSuffix = " (deleted)"

// ParseMaps parses the contents of a /proc/<pid>/maps file. Lines that can
// not be parsed, or that describe an empty or inverted range, are skipped
// and returned as issues. The returned regions are in file order.
func ParseMaps(r io.Reader) ([]MemoryRegion, []ParseIssue, error) {
	var (
		regions []MemoryRegion
		issues  []ParseIssue
	)
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1<<20)
	lineno := 0
	for s.Scan() {
		lineno++
		line := s.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		region, err := ParseMapsLine(line)
		if err != nil {
			issues = append(issues, ParseIssue{Line: lineno, Text: line, Err: err})
			continue
		}
		regions = append(regions, region)
	}
	return regions, issues, s.Err()
}

// ParseMapsLine parses one line of a /proc/<pid>/maps file:
//
//	start-end perms offset dev:inode pathname
//
// The pathname is optional and may contain spaces.
func ParseMapsLine(line string) (MemoryRegion, error) {
	var r MemoryRegion

	rng, rest := nextField(line)
	perms, rest := nextField(rest)
	offset, rest := nextField(rest)
	dev, rest := nextField(rest)
	inode, rest := nextField(rest)
	if inode == "" {
		return r, fmt.Errorf("%w: truncated", errMalformedLine)
	}

	dash := strings.IndexByte(rng, '-')
	if dash < 0 {
		return r, fmt.Errorf("%w: bad range %q", errMalformedLine, rng)
	}
	var err error
	if r.Start, err = strconv.ParseUint(rng[:dash], 16, 64); err != nil {
		return r, fmt.Errorf("%w: bad start address: %v", errMalformedLine, err)
	}
	if r.End, err = strconv.ParseUint(rng[dash+1:], 16, 64); err != nil {
		return r, fmt.Errorf("%w: bad end address: %v", errMalformedLine, err)
	}
	switch {
	case r.Start == r.End:
		return r, fmt.Errorf("%w: empty range", errMalformedLine)
	case r.Start > r.End:
		return r, fmt.Errorf("%w: inverted range", errMalformedLine)
	}

	if r.Perm, err = parsePerm(perms); err != nil {
		return r, err
	}
	if r.Offset, err = strconv.ParseUint(offset, 16, 64); err != nil {
		return r, fmt.Errorf("%w: bad offset: %v", errMalformedLine, err)
	}
	if r.Dev, err = parseDevice(dev); err != nil {
		return r, err
	}
	if r.Inode, err = strconv.ParseUint(inode, 10, 64); err != nil {
		return r, fmt.Errorf("%w: bad inode: %v", errMalformedLine, err)
	}

	path := strings.TrimLeft(rest, " \t")
	if strings.HasSuffix(path, deletedSuffix) {
		path = strings.TrimSuffix(path, deletedSuffix)
		r.Deleted = true
	}
	r.Path = path
	r.Kind, r.Name = regionKind(path)
	return r, nil
}

// nextField returns the first space separated field of s and what follows
// it.
func nextField(s string) (field, rest string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}

func parsePerm(s string) (Perm, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("%w: bad permissions %q", errMalformedLine, s)
	}
	var p Perm
	for i, set := range []struct {
		c    byte
		perm Perm
	}{{'r', PermRead}, {'w', PermWrite}, {'x', PermExec}} {
		switch s[i] {
		case set.c:
			p |= set.perm
		case '-':
		default:
			return 0, fmt.Errorf("%w: bad permissions %q", errMalformedLine, s)
		}
	}
	switch s[3] {
	case 's':
		p |= PermShared
	case 'p':
	default:
		return 0, fmt.Errorf("%w: bad permissions %q", errMalformedLine, s)
	}
	return p, nil
}

func parseDevice(s string) (Device, error) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return Device{}, fmt.Errorf("%w: bad device %q", errMalformedLine, s)
	}
	major, err := strconv.ParseUint(s[:colon], 16, 32)
	if err != nil {
		return Device{}, fmt.Errorf("%w: bad device %q", errMalformedLine, s)
	}
	minor, err := strconv.ParseUint(s[colon+1:], 16, 32)
	if err != nil {
		return Device{}, fmt.Errorf("%w: bad device %q", errMalformedLine, s)
	}
	return Device{Major: uint32(major), Minor: uint32(minor)}, nil
}

// regionKind infers the kind of a region from its path. For named
// anonymous mappings the name is also returned.
func regionKind(path string) (RegionKind, string) {
	switch {
	case path == "":
		return Anonymous, ""
	case path == "[stack]" || strings.HasPrefix(path, "[stack:"):
		return Stack, ""
	case path == "[heap]":
		return Heap, ""
	case path == "[vdso]":
		return Vdso, ""
	case path == "[vvar]" || path == "[vvar_vclock]":
		return Vvar, ""
	case path == "[vsyscall]":
		return Vsyscall, ""
	case strings.HasPrefix(path, "[anon:") && strings.HasSuffix(path, "]"):
		return Anonymous, path[len("[anon:") : len(path)-1]
	case strings.HasPrefix(path, "[anon_shmem:") && strings.HasSuffix(path, "]"):
		return Anonymous, path[len("[anon_shmem:") : len(path)-1]
	case strings.HasPrefix(path, "[") && strings.HasSuffix(path, "]"):
		// [uprobes] and other pseudo paths
		return Anonymous, ""
	}
	return FileBacked, ""
}
