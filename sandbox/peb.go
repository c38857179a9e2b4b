package sandbox

import (
	"crypto/rand"
	"encoding/binary"
)

// Descriptor is the {size, pointer} pair written for every named
// buffer region in the PEB, per spec.md §3: "every pointer is the
// absolute guest VA of the start of its buffer".
type Descriptor struct {
	Size    uint64
	Pointer uint64
}

const descriptorSize = 16 // 2 * uint64, little-endian

// PEB field byte offsets, hand-kept in sync with the layout below
// (see layout.go's pebOffsets doc comment for why there is no shared
// source of truth with the guest side here).
const (
	pebFieldHostFunctionDefinitions = 0
	pebFieldHostException           = pebFieldHostFunctionDefinitions + descriptorSize
	pebFieldGuestError              = pebFieldHostException + descriptorSize
	pebFieldInputData               = pebFieldGuestError + descriptorSize
	pebFieldOutputData              = pebFieldInputData + descriptorSize
	pebFieldGuestPanicContext       = pebFieldOutputData + descriptorSize
	pebFieldHeapData                = pebFieldGuestPanicContext + descriptorSize
	pebFieldStackData               = pebFieldHeapData + descriptorSize
	pebFieldSecurityCookieSeed      = pebFieldStackData + descriptorSize
	pebFieldGuestDispatchFunctionPtr = pebFieldSecurityCookieSeed + 8
	pebFieldCodeAndOutBPointer      = pebFieldGuestDispatchFunctionPtr + 8
	pebFieldMinGuestStackAddress    = pebFieldCodeAndOutBPointer + 8

	// PEBSize is the total size of the PEB struct; the planner rounds
	// this up to one page (§4.1, region 3).
	PEBSize = pebFieldMinGuestStackAddress + 8
)

// PEB mirrors the in-guest Process Environment Block: the fixed
// C-layout struct at layout.PEBAddress() describing every shared
// region to the guest runtime (spec.md §3).
type PEB struct {
	HostFunctionDefinitions Descriptor
	HostException           Descriptor
	GuestError              Descriptor
	InputData               Descriptor
	OutputData              Descriptor
	GuestPanicContext       Descriptor
	HeapData                Descriptor
	StackData               Descriptor

	SecurityCookieSeed      uint64
	GuestDispatchFunctionPtr uint64 // written by guest on entry; left zero here
	CodeAndOutBPointer      uint64
	MinGuestStackAddress    uint64
}

// WritePEB initialises the PEB struct described by layout inside mem
// at the PEB region's offset, per spec.md §4.1's write(layout,
// shared_mem, guest_offset) algorithm: every descriptor uses absolute
// guest VAs, a fresh security-cookie seed is drawn from a
// cryptographic RNG, and the dispatch-function pointer is left zero
// for the guest to fill in on entry.
func WritePEB(mem *SharedMemory, layout *MemoryLayout) error {
	seed, err := randomSeed()
	if err != nil {
		return wrapError(KindIOFailure, err, "generating security cookie seed")
	}

	peb := PEB{
		HostFunctionDefinitions: Descriptor{Size: layout.cfg.HostFunctionDefinitionSize, Pointer: BaseAddress + layout.hostFunctionDefinitionsBufferOffset},
		HostException:           Descriptor{Size: layout.cfg.HostExceptionSize, Pointer: BaseAddress + layout.hostExceptionBufferOffset},
		GuestError:              Descriptor{Size: layout.cfg.GuestErrorBufferSize, Pointer: BaseAddress + layout.guestErrorBufferOffset},
		InputData:               Descriptor{Size: layout.cfg.InputDataSize, Pointer: layout.InputDataAddress()},
		OutputData:              Descriptor{Size: layout.cfg.OutputDataSize, Pointer: layout.OutputDataAddress()},
		GuestPanicContext:       Descriptor{Size: layout.cfg.GuestPanicContextBufferSize, Pointer: BaseAddress + layout.guestPanicContextBufferOffset},
		HeapData:                Descriptor{Size: layout.heapSize, Pointer: BaseAddress + layout.guestHeapBufferOffset},
		StackData:               Descriptor{Size: layout.stackSize, Pointer: layout.MinGuestStackAddress()},

		SecurityCookieSeed:       seed,
		GuestDispatchFunctionPtr: 0,
		CodeAndOutBPointer:       layout.CodeAddress(),
		MinGuestStackAddress:     layout.MinGuestStackAddress(),
	}

	base := layout.pebOffset
	if err := writeDescriptor(mem, base+pebFieldHostFunctionDefinitions, peb.HostFunctionDefinitions); err != nil {
		return err
	}
	if err := writeDescriptor(mem, base+pebFieldHostException, peb.HostException); err != nil {
		return err
	}
	if err := writeDescriptor(mem, base+pebFieldGuestError, peb.GuestError); err != nil {
		return err
	}
	if err := writeDescriptor(mem, base+pebFieldInputData, peb.InputData); err != nil {
		return err
	}
	if err := writeDescriptor(mem, base+pebFieldOutputData, peb.OutputData); err != nil {
		return err
	}
	if err := writeDescriptor(mem, base+pebFieldGuestPanicContext, peb.GuestPanicContext); err != nil {
		return err
	}
	if err := writeDescriptor(mem, base+pebFieldHeapData, peb.HeapData); err != nil {
		return err
	}
	if err := writeDescriptor(mem, base+pebFieldStackData, peb.StackData); err != nil {
		return err
	}
	if err := mem.WriteUint64(base+pebFieldSecurityCookieSeed, peb.SecurityCookieSeed); err != nil {
		return err
	}
	if err := mem.WriteUint64(base+pebFieldGuestDispatchFunctionPtr, peb.GuestDispatchFunctionPtr); err != nil {
		return err
	}
	if err := mem.WriteUint64(base+pebFieldCodeAndOutBPointer, peb.CodeAndOutBPointer); err != nil {
		return err
	}
	if err := mem.WriteUint64(base+pebFieldMinGuestStackAddress, peb.MinGuestStackAddress); err != nil {
		return err
	}

	// Input/output buffers are "bump stacks" whose first 8 bytes hold
	// the current write offset, initialised to 8 (spec.md §4.1, last
	// paragraph).
	if err := mem.WriteUint64(layout.inputDataBufferOffset, stackPointerSizeBytes); err != nil {
		return err
	}
	if err := mem.WriteUint64(layout.outputDataBufferOffset, stackPointerSizeBytes); err != nil {
		return err
	}
	return nil
}

// ReadPEB reads the PEB struct back out of mem at layout's PEB
// offset; used by the round-trip testable property (spec.md §8) and
// by the controller to read the guest-written dispatch function
// pointer after Initialise.
func ReadPEB(mem *SharedMemory, layout *MemoryLayout) (PEB, error) {
	base := layout.pebOffset
	var peb PEB
	var err error
	if peb.HostFunctionDefinitions, err = readDescriptor(mem, base+pebFieldHostFunctionDefinitions); err != nil {
		return PEB{}, err
	}
	if peb.HostException, err = readDescriptor(mem, base+pebFieldHostException); err != nil {
		return PEB{}, err
	}
	if peb.GuestError, err = readDescriptor(mem, base+pebFieldGuestError); err != nil {
		return PEB{}, err
	}
	if peb.InputData, err = readDescriptor(mem, base+pebFieldInputData); err != nil {
		return PEB{}, err
	}
	if peb.OutputData, err = readDescriptor(mem, base+pebFieldOutputData); err != nil {
		return PEB{}, err
	}
	if peb.GuestPanicContext, err = readDescriptor(mem, base+pebFieldGuestPanicContext); err != nil {
		return PEB{}, err
	}
	if peb.HeapData, err = readDescriptor(mem, base+pebFieldHeapData); err != nil {
		return PEB{}, err
	}
	if peb.StackData, err = readDescriptor(mem, base+pebFieldStackData); err != nil {
		return PEB{}, err
	}
	if peb.SecurityCookieSeed, err = mem.ReadUint64(base + pebFieldSecurityCookieSeed); err != nil {
		return PEB{}, err
	}
	if peb.GuestDispatchFunctionPtr, err = mem.ReadUint64(base + pebFieldGuestDispatchFunctionPtr); err != nil {
		return PEB{}, err
	}
	if peb.CodeAndOutBPointer, err = mem.ReadUint64(base + pebFieldCodeAndOutBPointer); err != nil {
		return PEB{}, err
	}
	if peb.MinGuestStackAddress, err = mem.ReadUint64(base + pebFieldMinGuestStackAddress); err != nil {
		return PEB{}, err
	}
	return peb, nil
}

func writeDescriptor(mem *SharedMemory, offset uint64, d Descriptor) error {
	var buf [descriptorSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], d.Size)
	binary.LittleEndian.PutUint64(buf[8:16], d.Pointer)
	return mem.CopyFromSlice(buf[:], offset)
}

func readDescriptor(mem *SharedMemory, offset uint64) (Descriptor, error) {
	buf, err := mem.ReadBytes(offset, descriptorSize)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Size:    binary.LittleEndian.Uint64(buf[0:8]),
		Pointer: binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

func randomSeed() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
