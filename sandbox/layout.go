package sandbox

// Memory layout constants, ported bit-for-bit from the region diagram
// in spec.md §4.1 (and grounded in the original Rust `layout.rs`'s
// header comment, which documents the same diagram region-for-region).
const (
	PageSize = 0x1000

	// BaseAddress is the guest virtual address every sandbox's
	// identity-mapped memory begins at.
	BaseAddress = 0x200_000

	// MaxMemorySize bounds total guest memory so the planner can
	// never exceed the addressable range of the 4-level page tables
	// it builds.
	MaxMemorySize = 0x40000000 - BaseAddress

	pml4Offset = 0x0000
	pdptOffset = 0x1000
	pdOffset   = 0x2000
	ptOffset   = 0x3000

	// amountOfMemoryPerPT is how much guest memory a single 4 KiB
	// page table page can map: 512 entries * 4 KiB pages.
	amountOfMemoryPerPT = 0x200_000

	// stackPointerSizeBytes is the width of the "current offset"
	// bump-stack header reserved at the start of the input and output
	// buffers (spec.md §4.1: "initialises the input and output buffer
	// stack pointers to 8").
	stackPointerSizeBytes = 8
)

// RegionFlags describes the RWX protection a MemoryRegion is mapped
// into the guest with.
type RegionFlags uint8

const (
	RegionRead RegionFlags = 1 << iota
	RegionWrite
	RegionExecute
)

// RegionKind names the purpose of a mapped guest memory region, used
// for diagnostics and for guard/validation classification (§4.7).
type RegionKind int

const (
	RegionPageTables RegionKind = iota
	RegionCode
	RegionPEB
	RegionHostFunctionDefinitions
	RegionHostException
	RegionGuestError
	RegionInputData
	RegionOutputData
	RegionPanicContext
	RegionHeap
	RegionGuardPage
	RegionStack
)

func (k RegionKind) String() string {
	switch k {
	case RegionPageTables:
		return "page-tables"
	case RegionCode:
		return "code"
	case RegionPEB:
		return "peb"
	case RegionHostFunctionDefinitions:
		return "host-function-definitions"
	case RegionHostException:
		return "host-exception"
	case RegionGuestError:
		return "guest-error"
	case RegionInputData:
		return "input-data"
	case RegionOutputData:
		return "output-data"
	case RegionPanicContext:
		return "panic-context"
	case RegionHeap:
		return "heap"
	case RegionGuardPage:
		return "guard-page"
	case RegionStack:
		return "stack"
	default:
		return "unknown"
	}
}

// MemoryRegion is one entry of the planner's output: a contiguous,
// page-aligned range of guest memory with a single RWX policy.
type MemoryRegion struct {
	Kind        RegionKind
	GuestOffset uint64 // offset from BaseAddress
	Length      uint64
	Flags       RegionFlags
}

func (r MemoryRegion) GuestAddr() uint64 { return BaseAddress + r.GuestOffset }

// pebOffsets locates every (size, pointer) descriptor field inside
// the PEB struct, by byte offset from the start of the struct. These
// must match the field layout in peb.go's PEB type exactly, since
// both the Go struct and this table are hand-kept in sync the way the
// Rust `offset_of!` macro keeps layout.rs in sync with the C PEB
// layout (no single source of truth is shared with the guest-side
// runtime, which is out of scope here).
type pebOffsets struct {
	securityCookieSeed      uint64
	guestDispatchFunctionPtr uint64
	hostFunctionDefinitions uint64
	hostException           uint64
	guestError              uint64
	codeAndOutBPointer      uint64
	inputData               uint64
	outputData              uint64
	guestPanicContext       uint64
	heapData                uint64
	stackData               uint64
	minGuestStackAddress    uint64
}

// MemoryLayout is the immutable, fully-resolved offset table for one
// sandbox instance. Constructed once by NewMemoryLayout; every
// accessor thereafter is a pure read.
type MemoryLayout struct {
	cfg       SandboxConfiguration
	codeSize  uint64
	stackSize uint64
	heapSize  uint64

	totalPageTableSize uint64
	guestCodeOffset    uint64
	pebOffset          uint64

	hostFunctionDefinitionsBufferOffset uint64
	hostExceptionBufferOffset           uint64
	guestErrorBufferOffset              uint64
	inputDataBufferOffset               uint64
	outputDataBufferOffset              uint64
	guestPanicContextBufferOffset       uint64
	guestHeapBufferOffset               uint64
	guardPageOffset                     uint64
	guestStackBufferOffset              uint64

	peb pebOffsets
}

func roundUpTo(value, multiple uint64) uint64 {
	return (value + multiple - 1) &^ (multiple - 1)
}

// NewMemoryLayout computes every region offset for the given
// configuration and code/stack/heap sizes, per spec.md §4.1. It fails
// with KindMemoryRequestTooBig if the resulting total exceeds
// MaxMemorySize, and with KindConfigurationRejected if codeSize is
// zero. Configured buffer sizes are assumed already validated by
// NewSandboxConfiguration; a zero stackSize or heapSize is replaced by
// DefaultStackSize or DefaultHeapSize rather than rejected.
func NewMemoryLayout(cfg SandboxConfiguration, codeSize, stackSize, heapSize uint64) (*MemoryLayout, error) {
	if codeSize == 0 {
		return nil, newError(KindConfigurationRejected, "code_size must be non-zero")
	}
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}
	if heapSize == 0 {
		heapSize = DefaultHeapSize
	}
	if cfg.StackSizeOverride != 0 {
		stackSize = cfg.StackSizeOverride
	}
	if cfg.HeapSizeOverride != 0 {
		heapSize = cfg.HeapSizeOverride
	}

	totalPageTableSize := totalPageTableSize(cfg, codeSize, stackSize, heapSize)
	guestCodeOffset := totalPageTableSize
	pebOffset := guestCodeOffset + roundUpTo(codeSize, PageSize)

	peb := pebOffsets{
		securityCookieSeed:       pebFieldSecurityCookieSeed,
		guestDispatchFunctionPtr: pebFieldGuestDispatchFunctionPtr,
		hostFunctionDefinitions:  pebFieldHostFunctionDefinitions,
		hostException:            pebFieldHostException,
		guestError:               pebFieldGuestError,
		codeAndOutBPointer:       pebFieldCodeAndOutBPointer,
		inputData:                pebFieldInputData,
		outputData:               pebFieldOutputData,
		guestPanicContext:        pebFieldGuestPanicContext,
		heapData:                 pebFieldHeapData,
		stackData:                pebFieldStackData,
		minGuestStackAddress:     pebFieldMinGuestStackAddress,
	}

	hostFunctionDefinitionsBufferOffset := roundUpTo(pebOffset+PEBSize, PageSize)
	hostExceptionBufferOffset := roundUpTo(hostFunctionDefinitionsBufferOffset+cfg.HostFunctionDefinitionSize, PageSize)
	guestErrorBufferOffset := roundUpTo(hostExceptionBufferOffset+cfg.HostExceptionSize, PageSize)
	inputDataBufferOffset := roundUpTo(guestErrorBufferOffset+cfg.GuestErrorBufferSize, PageSize)
	outputDataBufferOffset := roundUpTo(inputDataBufferOffset+cfg.InputDataSize, PageSize)
	guestPanicContextBufferOffset := roundUpTo(outputDataBufferOffset+cfg.OutputDataSize, PageSize)
	guestHeapBufferOffset := roundUpTo(guestPanicContextBufferOffset+cfg.GuestPanicContextBufferSize, PageSize)
	guardPageOffset := roundUpTo(guestHeapBufferOffset+heapSize, PageSize)
	guestStackBufferOffset := guardPageOffset + PageSize
	stackSizeRounded := roundUpTo(stackSize, PageSize)

	l := &MemoryLayout{
		cfg:       cfg,
		codeSize:  codeSize,
		stackSize: stackSizeRounded,
		heapSize:  heapSize,

		totalPageTableSize: totalPageTableSize,
		guestCodeOffset:    guestCodeOffset,
		pebOffset:          pebOffset,

		hostFunctionDefinitionsBufferOffset: hostFunctionDefinitionsBufferOffset,
		hostExceptionBufferOffset:           hostExceptionBufferOffset,
		guestErrorBufferOffset:              guestErrorBufferOffset,
		inputDataBufferOffset:               inputDataBufferOffset,
		outputDataBufferOffset:              outputDataBufferOffset,
		guestPanicContextBufferOffset:       guestPanicContextBufferOffset,
		guestHeapBufferOffset:               guestHeapBufferOffset,
		guardPageOffset:                     guardPageOffset,
		guestStackBufferOffset:              guestStackBufferOffset,

		peb: peb,
	}

	if _, err := l.TotalSize(); err != nil {
		return nil, err
	}
	return l, nil
}

// totalPageTableSize mirrors the Rust `get_total_page_table_size`: it
// conservatively assumes the maximum possible 2MiB of PT pages, then
// resolves the true count from the real total once every other region
// size is known.
func totalPageTableSize(cfg SandboxConfiguration, codeSize, stackSize, heapSize uint64) uint64 {
	total := roundUpTo(codeSize, PageSize)
	total += roundUpTo(stackSize, PageSize)
	total += roundUpTo(heapSize, PageSize)
	total += roundUpTo(cfg.HostExceptionSize, PageSize)
	total += roundUpTo(cfg.HostFunctionDefinitionSize, PageSize)
	total += roundUpTo(cfg.GuestErrorBufferSize, PageSize)
	total += roundUpTo(cfg.InputDataSize, PageSize)
	total += roundUpTo(cfg.OutputDataSize, PageSize)
	total += roundUpTo(cfg.GuestPanicContextBufferSize, PageSize)
	total += roundUpTo(PEBSize, PageSize)

	total += BaseAddress
	total += 3 * PageSize  // PML4, PDPT, PD
	total += 512 * PageSize // maximum possible PT size (1GiB mapped in 4K pages)

	numPages := (total+amountOfMemoryPerPT-1)/amountOfMemoryPerPT + 1 + 3
	return numPages * PageSize
}

// unalignedSize returns the raw byte offset immediately past the end
// of the stack region, before rounding to a page multiple.
func (l *MemoryLayout) unalignedSize() uint64 {
	return l.guestStackBufferOffset + l.stackSize
}

// TotalSize returns the page-aligned total guest memory size, failing
// with KindMemoryRequestTooBig if it exceeds MaxMemorySize (spec.md
// §8 "Layout upper bound").
func (l *MemoryLayout) TotalSize() (uint64, error) {
	size := roundUpTo(l.unalignedSize(), PageSize)
	if size > MaxMemorySize {
		return 0, newError(KindMemoryRequestTooBig, "requested %#x exceeds maximum %#x", size, MaxMemorySize)
	}
	return size, nil
}

// PEBAddress returns the absolute guest VA of the PEB struct.
func (l *MemoryLayout) PEBAddress() uint64 { return BaseAddress + l.pebOffset }

// CodeAddress returns the absolute guest VA the guest binary is
// loaded at.
func (l *MemoryLayout) CodeAddress() uint64 { return BaseAddress + l.guestCodeOffset }

// InputDataAddress / OutputDataAddress are the absolute guest VAs of
// the two call-protocol buffers (§4.5).
func (l *MemoryLayout) InputDataAddress() uint64  { return BaseAddress + l.inputDataBufferOffset }
func (l *MemoryLayout) OutputDataAddress() uint64 { return BaseAddress + l.outputDataBufferOffset }

func (l *MemoryLayout) InputDataOffset() uint64  { return l.inputDataBufferOffset }
func (l *MemoryLayout) OutputDataOffset() uint64 { return l.outputDataBufferOffset }

// GuardPageOffset / GuardPageAddress locate the single read-only page
// between heap and stack.
func (l *MemoryLayout) GuardPageOffset() uint64  { return l.guardPageOffset }
func (l *MemoryLayout) GuardPageAddress() uint64 { return BaseAddress + l.guardPageOffset }

// StackTopAddress returns the initial RSP: the address just past the
// end of the stack region (stack grows down from here).
func (l *MemoryLayout) StackTopAddress() uint64 {
	return BaseAddress + l.guestStackBufferOffset + l.stackSize
}

// MinGuestStackAddress is the lowest legal stack address; the guest
// consults this (independent from the guard-page trap) per
// SPEC_FULL.md item 2.
func (l *MemoryLayout) MinGuestStackAddress() uint64 {
	return BaseAddress + l.guestStackBufferOffset
}

func (l *MemoryLayout) PML4Address() uint64 { return BaseAddress + pml4Offset }
func (l *MemoryLayout) PDPTAddress() uint64 { return BaseAddress + pdptOffset }
func (l *MemoryLayout) PDAddress() uint64   { return BaseAddress + pdOffset }
func (l *MemoryLayout) PTAddress() uint64   { return BaseAddress + ptOffset }

// Regions returns the planner's output: the ordered list of
// (guest_offset, length, rwx) regions to map, per spec.md §4.1's
// fixed ordering.
func (l *MemoryLayout) Regions() []MemoryRegion {
	heapFlags := RegionRead | RegionWrite
	if l.cfg.ExecutableHeap {
		heapFlags |= RegionExecute
	}
	return []MemoryRegion{
		{RegionPageTables, 0, l.totalPageTableSize, RegionRead | RegionWrite},
		{RegionCode, l.guestCodeOffset, roundUpTo(l.codeSize, PageSize), RegionRead | RegionWrite | RegionExecute},
		{RegionPEB, l.pebOffset, roundUpTo(PEBSize, PageSize), RegionRead | RegionWrite},
		{RegionHostFunctionDefinitions, l.hostFunctionDefinitionsBufferOffset, roundUpTo(l.cfg.HostFunctionDefinitionSize, PageSize), RegionRead},
		{RegionHostException, l.hostExceptionBufferOffset, roundUpTo(l.cfg.HostExceptionSize, PageSize), RegionRead | RegionWrite},
		{RegionGuestError, l.guestErrorBufferOffset, roundUpTo(l.cfg.GuestErrorBufferSize, PageSize), RegionRead | RegionWrite},
		{RegionInputData, l.inputDataBufferOffset, roundUpTo(l.cfg.InputDataSize, PageSize), RegionRead | RegionWrite},
		{RegionOutputData, l.outputDataBufferOffset, roundUpTo(l.cfg.OutputDataSize, PageSize), RegionRead | RegionWrite},
		{RegionPanicContext, l.guestPanicContextBufferOffset, roundUpTo(l.cfg.GuestPanicContextBufferSize, PageSize), RegionRead | RegionWrite},
		{RegionHeap, l.guestHeapBufferOffset, roundUpTo(l.heapSize, PageSize), heapFlags},
		{RegionGuardPage, l.guardPageOffset, PageSize, RegionRead},
		{RegionStack, l.guestStackBufferOffset, l.stackSize, RegionRead | RegionWrite},
	}
}

// RegionContaining returns the region whose [GuestOffset, GuestOffset+Length)
// range contains the given guest-relative offset, or ok=false if the
// offset falls in unmapped space (used for out-of-bounds / guard-page
// classification, §4.7).
func (l *MemoryLayout) RegionContaining(guestOffset uint64) (MemoryRegion, bool) {
	for _, r := range l.Regions() {
		if guestOffset >= r.GuestOffset && guestOffset < r.GuestOffset+r.Length {
			return r, true
		}
	}
	return MemoryRegion{}, false
}
