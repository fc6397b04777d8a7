package proc

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"runtime"

	"github.com/go-delve/procmem/pkg/elfwriter"
	"github.com/go-delve/procmem/pkg/version"
)

// DumpStats describes the result of Dump.
type DumpStats struct {
	Regions int    // number of regions written
	Bytes   uint64 // bytes written for the regions
	Zeroed  uint64 // bytes that could not be read and were written as zeros
	Skipped int    // regions that were not readable
}

const dumpChunkSize = 1024 * 1024

// Dump writes a core-style ELF file of the readable regions of the current
// snapshot to out, and closes it. A PT_LOAD segment is written for each
// region, the parts of a region that can not be read are filled with zeros.
func (s *Session) Dump(out elfwriter.WriteCloserSeeker) (stats DumpStats, err error) {
	defer func() {
		if ierr := recover(); ierr != nil {
			err = fmt.Errorf("internal error writing dump: %v", ierr)
		}
		cerr := out.Close()
		if err == nil && cerr != nil {
			err = fmt.Errorf("error writing output file: %v", cerr)
		}
	}()

	snap, err := s.Snapshot()
	if err != nil {
		return stats, err
	}
	entryPoint, err := s.EntryPoint()
	if err != nil {
		return stats, err
	}

	var fhdr elf.FileHeader
	fhdr.Class = elf.ELFCLASS64
	fhdr.Data = elf.ELFDATA2LSB
	fhdr.Version = elf.EV_CURRENT
	fhdr.OSABI = elf.ELFOSABI_LINUX
	fhdr.Type = elf.ET_CORE
	fhdr.Machine = dumpMachine(s.h.Width())
	fhdr.Entry = entryPoint

	w := elfwriter.New(out, &fhdr)

	var maps bytes.Buffer
	for i := range snap.regions {
		r := &snap.regions[i]
		if !shouldDumpRegion(r) {
			stats.Skipped++
			continue
		}
		if w.Err != nil {
			return stats, fmt.Errorf("error writing to output file: %v", w.Err)
		}
		zeroed, err := s.dumpRegion(w, r)
		if err != nil {
			return stats, err
		}
		fmt.Fprintln(&maps, r)
		stats.Regions++
		stats.Bytes += r.Size()
		stats.Zeroed += zeroed
	}

	notes := []elfwriter.Note{
		{
			Type: elfwriter.ProcmemHeaderNoteType,
			Name: "Procmem Header",
			Data: []byte(fmt.Sprintf("linux/%s\n%s\n%s%d\n%s%#x\n", runtime.GOARCH, version.ProcmemVersion.String(), elfwriter.ProcmemHeaderTargetPidPrefix, s.h.Pid(), elfwriter.ProcmemHeaderEntryPointPrefix, entryPoint)),
		},
		{
			Type: elfwriter.ProcmemMapsNoteType,
			Name: "Procmem Maps",
			Data: maps.Bytes(),
		},
	}
	notesProg := w.WriteNotes(notes)
	w.Progs = append(w.Progs, notesProg)
	w.WriteProgramHeaders()
	if w.Err != nil {
		return stats, fmt.Errorf("error writing to output file: %v", w.Err)
	}
	s.log.Debugf("dumped %d regions, %d bytes (%d zeroed)", stats.Regions, stats.Bytes, stats.Zeroed)
	return stats, nil
}

func dumpMachine(w Width) elf.Machine {
	switch runtime.GOARCH {
	case "amd64", "386":
		if w == Width32 {
			return elf.EM_386
		}
		return elf.EM_X86_64
	case "arm64", "arm":
		if w == Width32 {
			return elf.EM_ARM
		}
		return elf.EM_AARCH64
	case "ppc64le":
		return elf.EM_PPC64
	case "riscv64":
		return elf.EM_RISCV
	}
	return elf.EM_NONE
}

func shouldDumpRegion(r *MemoryRegion) bool {
	if !r.Perm.Readable() {
		return false
	}
	// kernel pages that can not be read through the transfer primitives
	return r.Kind != Vvar && r.Kind != Vsyscall
}

// dumpRegion writes the contents of r as a PT_LOAD segment, returning the
// number of bytes that could not be read.
func (s *Session) dumpRegion(w *elfwriter.Writer, r *MemoryRegion) (uint64, error) {
	var flags elf.ProgFlag
	if r.Perm.Readable() {
		flags |= elf.PF_R
	}
	if r.Perm.Writable() {
		flags |= elf.PF_W
	}
	if r.Perm.Executable() {
		flags |= elf.PF_X
	}

	w.Progs = append(w.Progs, &elf.ProgHeader{
		Type:   elf.PT_LOAD,
		Flags:  flags,
		Off:    uint64(w.Here()),
		Vaddr:  r.Start,
		Paddr:  0,
		Filesz: r.Size(),
		Memsz:  r.Size(),
		Align:  0,
	})

	var zeroed uint64
	buf := make([]byte, dumpChunkSize)
	addr := r.Start
	sz := r.Size()

	for sz > 0 {
		if w.Err != nil {
			return zeroed, fmt.Errorf("error writing to output file: %v", w.Err)
		}
		chunk := buf
		if uint64(len(chunk)) > sz {
			chunk = chunk[:sz]
		}
		n, err := s.ReadMemory(chunk, addr)
		if errors.Is(err, ErrProcessGone) || errors.Is(err, ErrDetached) {
			return zeroed, err
		}
		for i := n; i < len(chunk); i++ {
			chunk[i] = 0
		}
		// Other errors and short reads are tolerated, the mapping may have
		// changed since the snapshot was taken and an incomplete dump is more
		// useful than none.
		zeroed += uint64(len(chunk) - n)
		w.Write(chunk)
		addr += uint64(len(chunk))
		sz -= uint64(len(chunk))
	}
	return zeroed, nil
}
