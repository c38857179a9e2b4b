//go:build windows

package sandbox

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// windowsAllocator backs SharedMemory with VirtualAlloc, the
// allocation primitive the WHP back-end's surrogate process maps
// guest-physical ranges onto (spec.md §4.3, §9 "surrogate process").
type windowsAllocator struct{}

func init() {
	platformAllocator = windowsAllocator{}
}

func (windowsAllocator) alloc(totalSize uint64) (uintptr, []byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(totalSize), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return 0, nil, err
	}
	slice := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(totalSize))
	return addr, slice, nil
}

func (windowsAllocator) protectNone(base uintptr, length uint64) error {
	var old uint32
	return windows.VirtualProtect(base, uintptr(length), windows.PAGE_NOACCESS, &old)
}

func (windowsAllocator) free(base uintptr, totalSize uint64) error {
	_ = totalSize
	return windows.VirtualFree(base, 0, windows.MEM_RELEASE)
}
