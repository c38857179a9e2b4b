package sandbox

import (
	"encoding/binary"
	"sync/atomic"
)

// rawAllocator is implemented per-OS (sharedmem_unix.go,
// sharedmem_windows.go) to reserve a page-aligned anonymous mapping
// and toggle protection on the two host-side guard pages.
type rawAllocator interface {
	alloc(totalSize uint64) (base uintptr, slice []byte, err error)
	protectNone(base uintptr, length uint64) error
	free(base uintptr, totalSize uint64) error
}

var platformAllocator rawAllocator

// SharedMemory is a reference-counted, page-aligned host allocation
// with guard pages on both sides (spec.md §4.2). The allocator
// reserves requested+2*PageSize bytes; the first and last pages are
// host-side guard pages, never mapped into the guest.
type SharedMemory struct {
	base      uintptr
	raw       []byte // the full allocation, including both guard pages
	inner     []byte // raw[PageSize : PageSize+requested], the guest-visible region
	requested uint64

	refs *int32
}

// NewSharedMemory allocates a requested-byte region plus two
// surrounding guard pages, and immediately protects the guard pages
// from host access.
func NewSharedMemory(requested uint64) (*SharedMemory, error) {
	if requested == 0 {
		return nil, newError(KindConfigurationRejected, "shared memory size must be non-zero")
	}
	aligned := roundUpTo(requested, PageSize)
	total := aligned + 2*PageSize

	base, raw, err := platformAllocator.alloc(total)
	if err != nil {
		return nil, wrapError(KindIOFailure, err, "allocating %#x bytes of shared memory", total)
	}
	if err := platformAllocator.protectNone(base, PageSize); err != nil {
		_ = platformAllocator.free(base, total)
		return nil, wrapError(KindIOFailure, err, "protecting leading guard page")
	}
	if err := platformAllocator.protectNone(base+uintptr(PageSize+aligned), PageSize); err != nil {
		_ = platformAllocator.free(base, total)
		return nil, wrapError(KindIOFailure, err, "protecting trailing guard page")
	}

	refs := int32(1)
	return &SharedMemory{
		base:      base,
		raw:       raw,
		inner:     raw[PageSize : PageSize+aligned],
		requested: aligned,
		refs:      &refs,
	}, nil
}

// Retain increments the reference count and returns the same handle,
// mirroring spec.md §4.2's "reference-counted" SharedMemory.
func (m *SharedMemory) Retain() *SharedMemory {
	atomic.AddInt32(m.refs, 1)
	return m
}

// Release decrements the reference count, unmapping the backing
// allocation when it reaches zero.
func (m *SharedMemory) Release() error {
	if atomic.AddInt32(m.refs, -1) > 0 {
		return nil
	}
	total := m.requested + 2*PageSize
	return platformAllocator.free(m.base, total)
}

// Len returns the guest-visible (inner) region size.
func (m *SharedMemory) Len() uint64 { return m.requested }

// BaseAddr returns the host virtual address of the start of the
// guest-visible (inner) region -- i.e. past the leading guard page --
// which is what gets handed to the hypervisor driver's map_memory.
func (m *SharedMemory) BaseAddr() uintptr {
	return m.base + uintptr(PageSize)
}

func (m *SharedMemory) checkBounds(offset, length uint64) error {
	if length == 0 {
		return nil
	}
	if offset+length < offset || offset+length > m.requested {
		return newError(KindMemoryAccessOutOfBounds, "offset %#x length %#x exceeds region size %#x", offset, length, m.requested)
	}
	return nil
}

// ReadBytes returns a copy of length bytes starting at offset.
func (m *SharedMemory) ReadBytes(offset, length uint64) ([]byte, error) {
	if err := m.checkBounds(offset, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, m.inner[offset:offset+length])
	return out, nil
}

// ReadUint64 / WriteUint64 are little-endian typed accessors, used
// throughout the PEB and call-framing code.
func (m *SharedMemory) ReadUint64(offset uint64) (uint64, error) {
	if err := m.checkBounds(offset, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(m.inner[offset : offset+8]), nil
}

func (m *SharedMemory) WriteUint64(offset uint64, v uint64) error {
	if err := m.checkBounds(offset, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(m.inner[offset:offset+8], v)
	return nil
}

func (m *SharedMemory) ReadUint32(offset uint64) (uint32, error) {
	if err := m.checkBounds(offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.inner[offset : offset+4]), nil
}

func (m *SharedMemory) WriteUint32(offset uint64, v uint32) error {
	if err := m.checkBounds(offset, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.inner[offset:offset+4], v)
	return nil
}

// CopyFromSlice writes src into the region starting at offset.
func (m *SharedMemory) CopyFromSlice(src []byte, offset uint64) error {
	if err := m.checkBounds(offset, uint64(len(src))); err != nil {
		return err
	}
	copy(m.inner[offset:offset+uint64(len(src))], src)
	return nil
}

// CopyToSlice reads len(dst) bytes starting at offset into dst.
func (m *SharedMemory) CopyToSlice(dst []byte, offset uint64) error {
	if err := m.checkBounds(offset, uint64(len(dst))); err != nil {
		return err
	}
	copy(dst, m.inner[offset:offset+uint64(len(dst))])
	return nil
}

// CopyAllToVec returns a copy of the entire guest-visible region.
// Backs the snapshot mechanism (§4.2).
func (m *SharedMemory) CopyAllToVec() []byte {
	out := make([]byte, len(m.inner))
	copy(out, m.inner)
	return out
}
