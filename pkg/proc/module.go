package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-delve/procmem/pkg/logflags"
)

// ImageSource says where the binary image of a module is read from.
type ImageSource uint8

const (
	ImageFile   ImageSource = iota // the file backing the mapping
	ImageMemory                    // the memory of the target, used for the vdso
)

func (s ImageSource) String() string {
	if s == ImageMemory {
		return "memory"
	}
	return "file"
}

// ModuleKey identifies the file mapped by the regions of a module.
type ModuleKey struct {
	Dev   Device
	Inode uint64
	Path  string
}

// Module is an executable, shared object or other file mapped in the
// target, or the vdso.
type Module struct {
	Path       string
	Base       uint64 // lowest start address of Regions
	Bias       uint64 // difference between runtime addresses and image addresses
	Regions    []MemoryRegion
	Key        ModuleKey
	Generation uint64
	Source     ImageSource
	Deleted    bool
	// LoadErr is the error encountered opening or parsing the image of the
	// module, the module has a zero Bias and no symbols when it is set.
	LoadErr error

	image *Image
}

// Name returns the base name of the path of the module.
func (m *Module) Name() string {
	return filepath.Base(m.Path)
}

// End returns the end address of the last region of the module.
func (m *Module) End() uint64 {
	if len(m.Regions) == 0 {
		return m.Base
	}
	return m.Regions[len(m.Regions)-1].End
}

// Contains returns true if addr is inside one of the regions of the module.
func (m *Module) Contains(addr uint64) bool {
	i := sort.Search(len(m.Regions), func(i int) bool { return m.Regions[i].End > addr })
	return i < len(m.Regions) && m.Regions[i].Start <= addr
}

// Image returns the parsed binary image of the module, nil if it could not
// be loaded.
func (m *Module) Image() *Image {
	return m.image
}

func (m *Module) String() string {
	s := fmt.Sprintf("%#x-%#x bias=%#x %s", m.Base, m.End(), m.Bias, m.Path)
	if m.Deleted {
		s += " (deleted)"
	}
	if m.LoadErr != nil {
		s += fmt.Sprintf(" [%v]", m.LoadErr)
	}
	return s
}

// ImageLoader returns the parsed binary image of m.
type ImageLoader func(m *Module) (*Image, error)

var pageSize = uint64(os.Getpagesize())

// ListModules groups the file backed regions of snap mapping the same file
// into modules, sorted by base address. The vdso becomes a module whose
// image is read from memory. The load bias of each module is computed from
// the program headers of the image returned by load, a module whose image
// can not be loaded keeps a zero bias.
func ListModules(snap *Snapshot, load ImageLoader) []*Module {
	log := logflags.ModulesLogger()

	var modules []*Module
	byKey := make(map[ModuleKey]*Module)
	for _, r := range snap.regions {
		var key ModuleKey
		switch r.Kind {
		case FileBacked:
			key = ModuleKey{Dev: r.Dev, Inode: r.Inode, Path: r.Path}
		case Vdso:
			key = ModuleKey{Path: r.Path}
		default:
			continue
		}
		m := byKey[key]
		if m == nil {
			m = &Module{Path: r.Path, Base: r.Start, Key: key, Generation: snap.generation, Deleted: r.Deleted}
			if r.Kind == Vdso {
				m.Source = ImageMemory
			}
			byKey[key] = m
			modules = append(modules, m)
		}
		// regions are sorted, the first one has the lowest start
		m.Regions = append(m.Regions, r)
	}

	for _, m := range modules {
		img, err := load(m)
		if err != nil {
			m.LoadErr = err
			log.Debugf("module %s: %v", m.Path, err)
			continue
		}
		m.image = img
		m.Bias = moduleBias(m, img)
		log.Debugf("module %s: base %#x bias %#x", m.Path, m.Base, m.Bias)
	}

	sort.Slice(modules, func(i, j int) bool { return modules[i].Base < modules[j].Base })
	return modules
}

// moduleBias returns the base address of m minus the page aligned virtual
// address of the segment mapped at its base. For the common mapping of the
// first page of the file at the base this is the base minus the lowest
// PT_LOAD address.
func moduleBias(m *Module, img *Image) uint64 {
	vaddr, ok := img.VaddrForOffset(m.Regions[0].Offset, pageSize)
	if !ok {
		logflags.ModulesLogger().Debugf("module %s: no segment maps offset %#x", m.Path, m.Regions[0].Offset)
	}
	return m.Base - vaddr
}

// findModuleByName returns the first module, in base order, whose base
// name contains name.
func findModuleByName(modules []*Module, name string) *Module {
	for _, m := range modules {
		if strings.Contains(m.Name(), name) {
			return m
		}
	}
	return nil
}

func findModuleByAddr(modules []*Module, addr uint64) *Module {
	for _, m := range modules {
		if addr < m.Base {
			break
		}
		if m.Contains(addr) {
			return m
		}
	}
	return nil
}
