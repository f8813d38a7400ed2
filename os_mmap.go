//go:build linux || darwin || freebsd || netbsd || openbsd

package slabcache

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapPages is the map_pages primitive from SPEC_FULL.md §6: it returns a
// readable/writable anonymous region of at least size bytes, obtained
// outside the Go heap so the garbage collector never scans or moves it —
// a requirement for the intrusive free lists in slab.go, which overlay raw
// pointers on top of object storage. Grounded on the retrieved corpus's
// off-heap allocator (fastcache's malloc_mmap.go), which uses the same
// unix.Mmap call for the same reason.
func mapPages(size uintptr) (unsafe.Pointer, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(&data[0]), nil
}

// unmapPages releases a region previously returned by mapPages. Per
// spec.md §4.1/§9, munmap is never called at runtime except during cache
// teardown (Close), and only on the original, possibly unaligned base.
func unmapPages(base unsafe.Pointer, size uintptr) error {
	data := unsafe.Slice((*byte)(base), int(size))
	return unix.Munmap(data)
}
