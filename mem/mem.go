// Package mem provides the page-level memory services the instrumentation
// engine builds on: allocation of executable pages, optionally near a given
// address so that rel32 branches stay in range, protection changes, and
// instruction cache maintenance.
package mem

import (
	"os"
)

// Protection is a bitmask of page access rights.
type Protection uint8

// Page access rights.
const (
	ProtNone  Protection = 0
	ProtRead  Protection = 1 << 0
	ProtWrite Protection = 1 << 1
	ProtExec  Protection = 1 << 2

	ProtRW  = ProtRead | ProtWrite
	ProtRX  = ProtRead | ProtExec
	ProtRWX = ProtRead | ProtWrite | ProtExec
)

// Allocator provides page-granular memory to the engine. Implementations
// must return page-aligned bases.
type Allocator interface {
	// AllocPages allocates n pages with the given protection.
	AllocPages(n int, prot Protection) (uintptr, error)
	// AllocPagesNear allocates n pages with the given protection such that
	// |base-near| <= maxDistance, or fails.
	AllocPagesNear(n int, prot Protection, near uintptr, maxDistance uint64) (uintptr, error)
	// FreePages releases an allocation by its base.
	FreePages(base uintptr) error
	// SetProtection changes the protection of the pages covering
	// [base, base+length).
	SetProtection(base uintptr, length int, prot Protection) error
	// FlushICache flushes the instruction cache over the given range. x86
	// maintains I/D coherence so implementations may no-op, but every code
	// write is still followed by a call for portability.
	FlushICache(base uintptr, length int)
}

// PageSize returns the system page size.
func PageSize() int {
	return os.Getpagesize()
}

// PageAlign rounds addr down to a page boundary.
func PageAlign(addr uintptr) uintptr {
	return addr &^ (uintptr(PageSize()) - 1)
}
