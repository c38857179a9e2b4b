// Package pe loads a flat PE image for a guest binary: it maps every
// section into a host-side byte buffer at its guest-relative offset
// and applies base relocations for the actual load address the
// sandbox chose (spec.md §2 "guest binary", §4.1 "Code region"). No
// library in the retrieved examples parses PE headers, so this uses
// the standard library's debug/pe -- justified in DESIGN.md since PE
// parsing is a narrow, well-bounded format-reading concern with no
// ecosystem equivalent present in the corpus.
package pe

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
)

// Image is a loaded guest binary ready to be copied into a sandbox's
// code region.
type Image struct {
	Bytes              []byte
	EntryPointOffset   uint64 // relative to the image's base
	StackReserve       uint64
	HeapReserve        uint64
}

const relocTypeDir64 = 10 // IMAGE_REL_BASED_DIR64

// ImageSize reports a PE image's SizeOfImage without building or
// relocating it, so the caller can size a memory layout's code region
// before it knows the final load address.
func ImageSize(raw []byte) (uint64, error) {
	f, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return 0, fmt.Errorf("pe: parsing guest binary: %w", err)
	}
	defer f.Close()
	oh, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return 0, fmt.Errorf("pe: guest binary must be a 64-bit PE image")
	}
	return uint64(oh.SizeOfImage), nil
}

// Load parses a PE image from raw bytes and relocates it for loading
// at loadAddress (the absolute guest virtual address the sandbox's
// memory layout assigned to the code region).
func Load(raw []byte, loadAddress uint64) (*Image, error) {
	f, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("pe: parsing guest binary: %w", err)
	}
	defer f.Close()

	oh, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil, fmt.Errorf("pe: guest binary must be a 64-bit PE image")
	}

	size := oh.SizeOfImage
	img := make([]byte, size)
	for _, sec := range f.Sections {
		data, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("pe: reading section %s: %w", sec.Name, err)
		}
		if uint64(sec.VirtualAddress)+uint64(len(data)) > uint64(len(img)) {
			return nil, fmt.Errorf("pe: section %s overruns image size", sec.Name)
		}
		copy(img[sec.VirtualAddress:], data)
	}

	delta := int64(loadAddress) - int64(oh.ImageBase)
	if delta != 0 {
		if err := applyBaseRelocations(f, img, delta); err != nil {
			return nil, err
		}
	}

	return &Image{
		Bytes:            img,
		EntryPointOffset: uint64(oh.AddressOfEntryPoint),
		StackReserve:     oh.SizeOfStackReserve,
		HeapReserve:      oh.SizeOfHeapReserve,
	}, nil
}

// applyBaseRelocations walks the .reloc directory and patches every
// IMAGE_REL_BASED_DIR64 entry by delta, the only relocation type a
// position-independent-minded 64-bit guest binary should contain.
func applyBaseRelocations(f *pe.File, img []byte, delta int64) error {
	const imageDirectoryEntryBaseReloc = 5
	oh := f.OptionalHeader.(*pe.OptionalHeader64)
	if imageDirectoryEntryBaseReloc >= len(oh.DataDirectory) {
		return nil
	}
	dir := oh.DataDirectory[imageDirectoryEntryBaseReloc]
	if dir.Size == 0 {
		return nil
	}
	if uint64(dir.VirtualAddress)+uint64(dir.Size) > uint64(len(img)) {
		return fmt.Errorf("pe: .reloc directory overruns image")
	}
	data := img[dir.VirtualAddress : uint64(dir.VirtualAddress)+uint64(dir.Size)]

	offset := 0
	for offset+8 <= len(data) {
		pageRVA := binary.LittleEndian.Uint32(data[offset:])
		blockSize := binary.LittleEndian.Uint32(data[offset+4:])
		if blockSize < 8 {
			break
		}
		entries := data[offset+8 : offset+int(blockSize)]
		for i := 0; i+2 <= len(entries); i += 2 {
			entry := binary.LittleEndian.Uint16(entries[i:])
			relocType := entry >> 12
			relocOffset := uint32(entry & 0x0FFF)
			if relocType != relocTypeDir64 {
				continue
			}
			addr := pageRVA + relocOffset
			if uint64(addr)+8 > uint64(len(img)) {
				return fmt.Errorf("pe: relocation target overruns image")
			}
			value := binary.LittleEndian.Uint64(img[addr : addr+8])
			binary.LittleEndian.PutUint64(img[addr:addr+8], uint64(int64(value)+delta))
		}
		offset += int(blockSize)
	}
	return nil
}
