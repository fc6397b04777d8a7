package proc

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"syscall"

	"github.com/go-delve/procmem/pkg/logflags"
	"github.com/go-delve/procmem/pkg/proc/linutil"
)

// Snapshot is an immutable view of the memory map of a process. Its regions
// are sorted by start address and do not overlap.
type Snapshot struct {
	regions    []MemoryRegion
	generation uint64
}

// NewSnapshot sorts regions and returns a snapshot of them tagged with
// generation. A region overlapping its predecessor can only come from a
// torn read of the maps file and is dropped.
func NewSnapshot(regions []MemoryRegion, generation uint64) *Snapshot {
	sorted := make([]MemoryRegion, len(regions))
	copy(sorted, regions)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := sorted[:0]
	for _, r := range sorted {
		if r.Start >= r.End {
			continue
		}
		if len(out) > 0 && r.Start < out[len(out)-1].End {
			logflags.MapsLogger().Debugf("dropping region %s overlapping %s", &r, &out[len(out)-1])
			continue
		}
		out = append(out, r)
	}
	return &Snapshot{regions: out, generation: generation}
}

// Generation returns the generation of the session refresh that produced
// the snapshot.
func (s *Snapshot) Generation() uint64 {
	return s.generation
}

// Len returns the number of regions.
func (s *Snapshot) Len() int {
	return len(s.regions)
}

// Region returns the i-th region.
func (s *Snapshot) Region(i int) MemoryRegion {
	return s.regions[i]
}

// Regions returns a copy of all regions.
func (s *Snapshot) Regions() []MemoryRegion {
	r := make([]MemoryRegion, len(s.regions))
	copy(r, s.regions)
	return r
}

func (s *Snapshot) regionIndex(addr uint64) int {
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].End > addr })
	if i < len(s.regions) && s.regions[i].Start <= addr {
		return i
	}
	return -1
}

// RegionContaining returns the region containing addr.
func (s *Snapshot) RegionContaining(addr uint64) (MemoryRegion, bool) {
	i := s.regionIndex(addr)
	if i < 0 {
		return MemoryRegion{}, false
	}
	return s.regions[i], true
}

// covering returns the contiguous run of regions covering
// [addr, addr+size), stopping at the first hole.
func (s *Snapshot) covering(addr, size uint64) []MemoryRegion {
	i := s.regionIndex(addr)
	if i < 0 {
		return nil
	}
	end := addr + size
	if end < addr {
		end = ^uint64(0)
	}
	j := i + 1
	for j < len(s.regions) && s.regions[j-1].End < end && s.regions[j].Start == s.regions[j-1].End {
		j++
	}
	return s.regions[i:j]
}

// ReadMaps reads and parses /proc/<pid>/maps. Reads failing because the
// process is exiting are retried once.
func ReadMaps(pid int) ([]MemoryRegion, error) {
	log := logflags.MapsLogger()
	path := linutil.ProcPath(pid, "maps")

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		buf, err := os.ReadFile(path)
		if err != nil {
			switch {
			case errors.Is(err, fs.ErrPermission):
				return nil, fmt.Errorf("%w: %w: %v", ErrMapUnavailable, ErrPermissionDenied, err)
			case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ESRCH):
				log.Debugf("reading %s: %v (attempt %d)", path, err, attempt+1)
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrMapUnavailable, err)
		}

		regions, issues, err := ParseMaps(bytes.NewReader(buf))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMapUnavailable, err)
		}
		if logflags.Maps() {
			for _, issue := range issues {
				log.Debugf("pid %d: skipped %s", pid, issue)
			}
		}
		if len(regions) == 0 && processExited(pid) {
			return nil, &ProcessGoneError{Pid: pid}
		}
		log.Debugf("pid %d: %d regions, %d skipped lines", pid, len(regions), len(issues))
		return regions, nil
	}
	log.Debugf("giving up on %s: %v", path, lastErr)
	return nil, &ProcessGoneError{Pid: pid}
}

// processExited returns true if pid does not exist or is a zombie.
func processExited(pid int) bool {
	st, err := linutil.ReadStat(pid)
	if err != nil {
		return true
	}
	return st.State == linutil.StateZombie || st.State == linutil.StateDead
}
