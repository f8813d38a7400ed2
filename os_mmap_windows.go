//go:build windows

package slabcache

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// mapPages/unmapPages for Windows, using VirtualAlloc/VirtualFree directly
// rather than unix.Mmap. Same contract as os_mmap.go.
func mapPages(size uintptr) (unsafe.Pointer, error) {
	addr, err := windows.VirtualAlloc(0, size, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(addr), nil
}

func unmapPages(base unsafe.Pointer, _ uintptr) error {
	return windows.VirtualFree(uintptr(base), 0, windows.MEM_RELEASE)
}
