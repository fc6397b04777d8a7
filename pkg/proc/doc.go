// Package proc inspects the memory of running processes.
//
// proc implements:
// * parsing of the memory map of a process into snapshots of regions
// * grouping of file backed regions into modules and loading of their ELF symbols
// * translation of symbol names to runtime addresses and back
// * reading and writing memory through a ProcessHandle
//
// The native subpackage locates and attaches to Linux processes.
package proc
