package mem

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// probeStride is the distance between candidate bases when searching for a
// near allocation.
const probeStride = 256 * 1024

// probeLimit bounds the number of candidate bases tried per direction.
const probeLimit = 4096

// mmapAllocator is the Linux allocator backend, built on anonymous private
// mappings.
type mmapAllocator struct {
	mu sync.Mutex
	// Length of each live allocation, by base.
	sizes map[uintptr]int
}

// NewMmapAllocator returns the mmap-backed page allocator.
func NewMmapAllocator() Allocator {
	return &mmapAllocator{
		sizes: make(map[uintptr]int),
	}
}

// AllocPages allocates n pages with the given protection.
func (a *mmapAllocator) AllocPages(n int, prot Protection) (uintptr, error) {
	length := n * PageSize()
	base, err := mmap(0, length, sysProt(prot), unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	a.mu.Lock()
	a.sizes[base] = length
	a.mu.Unlock()
	return base, nil
}

// AllocPagesNear allocates n pages within maxDistance of near. Candidate
// bases are probed outward from near in both directions with
// MAP_FIXED_NOREPLACE, so an occupied candidate fails cleanly instead of
// clobbering an existing mapping.
func (a *mmapAllocator) AllocPagesNear(n int, prot Protection, near uintptr, maxDistance uint64) (uintptr, error) {
	length := n * PageSize()
	start := PageAlign(near)
	for i := 1; i <= probeLimit; i++ {
		for _, dir := range []int64{1, -1} {
			delta := int64(i) * probeStride * dir
			cand := int64(start) + delta
			if cand <= 0 {
				continue
			}
			if dist(uintptr(cand), near) > maxDistance || dist(uintptr(cand)+uintptr(length), near) > maxDistance {
				continue
			}
			base, err := mmap(uintptr(cand), length, sysProt(prot), unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED_NOREPLACE)
			if err != nil {
				continue
			}
			a.mu.Lock()
			a.sizes[base] = length
			a.mu.Unlock()
			return base, nil
		}
	}
	return 0, errors.Errorf("no free pages within %#x of %#x", maxDistance, near)
}

// FreePages releases an allocation by its base.
func (a *mmapAllocator) FreePages(base uintptr) error {
	a.mu.Lock()
	length, ok := a.sizes[base]
	delete(a.sizes, base)
	a.mu.Unlock()
	if !ok {
		return errors.Errorf("free of unknown base %#x", base)
	}
	if err := munmap(base, length); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// SetProtection changes the protection of the pages covering
// [base, base+length).
func (a *mmapAllocator) SetProtection(base uintptr, length int, prot Protection) error {
	aligned := PageAlign(base)
	length += int(base - aligned)
	if err := mprotect(aligned, length, sysProt(prot)); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// FlushICache is a no-op: x86 maintains instruction/data cache coherence.
func (a *mmapAllocator) FlushICache(base uintptr, length int) {
}

// ### [ Helper functions ] ####################################################

// sysProt converts a Protection bitmask to mmap prot flags.
func sysProt(prot Protection) int {
	p := unix.PROT_NONE
	if prot&ProtRead != 0 {
		p |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		p |= unix.PROT_WRITE
	}
	if prot&ProtExec != 0 {
		p |= unix.PROT_EXEC
	}
	return p
}

// dist returns |a-b|.
func dist(a, b uintptr) uint64 {
	if a > b {
		return uint64(a - b)
	}
	return uint64(b - a)
}

// mmap wraps the raw mmap syscall; the stdlib wrapper does not expose the
// address hint.
func mmap(addr uintptr, length, prot, flags int) (uintptr, error) {
	base, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(length), uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return base, nil
}

// munmap wraps the raw munmap syscall.
func munmap(base uintptr, length int) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, base, uintptr(length), 0); errno != 0 {
		return errno
	}
	return nil
}

// mprotect wraps the raw mprotect syscall.
func mprotect(base uintptr, length, prot int) error {
	if _, _, errno := unix.Syscall(unix.SYS_MPROTECT, base, uintptr(length), uintptr(prot)); errno != 0 {
		return errno
	}
	return nil
}
