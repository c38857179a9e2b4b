//go:build !windows

package sandbox

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// unixAllocator backs SharedMemory with an anonymous mmap, the same
// primitive the teacher uses for guest memory (virtual_machine.go's
// syscall.Mmap(-1, 0, ...) call) and for the kvm_run mmap in vcpu.go.
type unixAllocator struct{}

func init() {
	platformAllocator = unixAllocator{}
}

func (unixAllocator) alloc(totalSize uint64) (uintptr, []byte, error) {
	b, err := unix.Mmap(-1, 0, int(totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, nil, err
	}
	return uintptr(unsafe.Pointer(&b[0])), b, nil
}

func (unixAllocator) protectNone(base uintptr, length uint64) error {
	page := unsafe.Slice((*byte)(unsafe.Pointer(base)), int(length))
	return unix.Mprotect(page, unix.PROT_NONE)
}

func (unixAllocator) free(base uintptr, totalSize uint64) error {
	full := unsafe.Slice((*byte)(unsafe.Pointer(base)), int(totalSize))
	return unix.Munmap(full)
}
