package proc

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a process or module does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied is returned when the address-space description of
	// a process can not be read by us.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrAlreadyTraced is returned when trace-attaching to a process that
	// already has a tracer.
	ErrAlreadyTraced = errors.New("process is already traced")
	// ErrProcessGone is returned when the target process exited.
	ErrProcessGone = errors.New("process has exited")
	// ErrMapUnavailable is returned when the memory map of a live process
	// can not be read.
	ErrMapUnavailable = errors.New("memory map unavailable")
	// ErrPartialTransfer is matched by *PartialTransferError.
	ErrPartialTransfer = errors.New("partial transfer")
	// ErrReadOnlyRegion is returned by writes to a region that is not
	// writable according to the latest snapshot.
	ErrReadOnlyRegion = errors.New("region is not writable")
	// ErrMalformedImage is matched by *MalformedImageError.
	ErrMalformedImage = errors.New("malformed binary image")
	// ErrImageUnavailable is returned when the binary image backing a module
	// can not be opened.
	ErrImageUnavailable = errors.New("binary image unavailable")
	// ErrSymbolNotFound is matched by *SymbolNotFoundError.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrNoSymbolAtAddress is matched by *NoSymbolAtAddressError.
	ErrNoSymbolAtAddress = errors.New("no symbol at address")
	// ErrAccessDenied is returned for transfers outside of the mapped
	// address space or refused by the kernel.
	ErrAccessDenied = errors.New("memory access denied")
	// ErrModuleUnloaded is returned when a module from an older snapshot is
	// not loaded anymore.
	ErrModuleUnloaded = errors.New("module is no longer loaded")
	// ErrDetached is returned by any operation on a detached session.
	ErrDetached = errors.New("detached from process")
)

// ProcessGoneError is returned when the target process exited.
type ProcessGoneError struct {
	Pid int
}

func (e *ProcessGoneError) Error() string {
	return fmt.Sprintf("process %d has exited", e.Pid)
}

func (e *ProcessGoneError) Is(target error) bool {
	return target == ErrProcessGone
}

// PartialTransferError is returned when only the first Done bytes of a
// transfer of Requested bytes starting at Addr could be completed.
type PartialTransferError struct {
	Op        string
	Addr      uint64
	Requested int
	Done      int
}

func (e *PartialTransferError) Error() string {
	return fmt.Sprintf("partial %s at %#x: %d of %d bytes transferred", e.Op, e.Addr, e.Done, e.Requested)
}

func (e *PartialTransferError) Is(target error) bool {
	return target == ErrPartialTransfer
}

// MalformedImageError is returned when the binary image at Path can not be
// decoded.
type MalformedImageError struct {
	Path string
	Err  error
}

func (e *MalformedImageError) Error() string {
	return fmt.Sprintf("malformed binary image %s: %v", e.Path, e.Err)
}

func (e *MalformedImageError) Is(target error) bool {
	return target == ErrMalformedImage
}

func (e *MalformedImageError) Unwrap() error {
	return e.Err
}

// SymbolNotFoundError is returned when Module has no symbol called Name.
type SymbolNotFoundError struct {
	Module string
	Name   string
}

func (e *SymbolNotFoundError) Error() string {
	return fmt.Sprintf("could not find symbol %s in %s", e.Name, e.Module)
}

func (e *SymbolNotFoundError) Is(target error) bool {
	return target == ErrSymbolNotFound
}

// NoSymbolAtAddressError is returned when no symbol of Module contains Addr.
type NoSymbolAtAddressError struct {
	Module string
	Addr   uint64
}

func (e *NoSymbolAtAddressError) Error() string {
	return fmt.Sprintf("no symbol of %s at %#x", e.Module, e.Addr)
}

func (e *NoSymbolAtAddressError) Is(target error) bool {
	return target == ErrNoSymbolAtAddress
}
