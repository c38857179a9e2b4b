package hypervisor

// Regs mirrors the general-purpose register subset the teacher's
// KvmRegs exposes (vcpu.go), extended to the full 64-bit register file
// long-mode guest code requires.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment mirrors one segment descriptor's hidden (cached) fields, the
// ones the hypervisor actually consults once in protected/long mode --
// the same fields the teacher's KvmSegment exposes, carried over
// unchanged since the cached-descriptor shape doesn't change between
// 32-bit and 64-bit modes.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
}

// SRegs mirrors the teacher's KvmSregs, extended with the control
// registers long-mode paging and W^X enforcement need (CR3/CR4/EFER),
// which the teacher's 32-bit-only VirtualMachine never had to set.
type SRegs struct {
	CS, DS, ES, FS, GS, SS Segment
	CR0, CR2, CR3, CR4     uint64
	EFER                   uint64
}

// Long-mode control-register and EFER bits (spec.md §4.3 "enable long
// mode"). The teacher's paging.go only ever sets CR0's PE/PG bits for
// 32-bit protected mode; long mode additionally requires CR4.PAE,
// EFER.LME, and EFER.LMA once paging is enabled.
const (
	CR0PE uint64 = 1 << 0 // protection enable
	CR0PG uint64 = 1 << 31 // paging

	CR4PAE uint64 = 1 << 5 // physical address extension, required for long mode

	EFERLME uint64 = 1 << 8  // long mode enable
	EFERLMA uint64 = 1 << 10 // long mode active (set by hardware, readable)
)

// longModeCodeSegmentRaw is the raw 64-bit hidden descriptor value the
// guest's single long-mode code segment is initialised with: a flat,
// 64-bit, execute/read segment with L=1, D=0, present, DPL=0. Unlike
// the teacher's 32-bit setup, long mode's CS base/limit are ignored by
// the processor (flat addressing is implicit), so this constant only
// ever needs its access-rights byte and the L bit decoded -- there is
// no need to maintain an in-guest GDT table the way paging.go does for
// protected mode.
const longModeCodeSegmentRaw uint64 = 0xA09B0008_FFFFFFFF

// DecodeLongModeCodeSegment splits longModeCodeSegmentRaw into the
// Segment fields a driver's SetRegisters needs, so every back-end
// seeds CS identically without each duplicating the bit layout.
func DecodeLongModeCodeSegment() Segment {
	raw := longModeCodeSegmentRaw
	return Segment{
		Base:     0,
		Limit:    uint32(raw & 0xFFFFFFFF),
		Selector: 0x08,
		Type:     uint8((raw >> 48) & 0xF),
		Present:  uint8((raw >> 55) & 0x1),
		DPL:      uint8((raw >> 53) & 0x3),
		DB:       uint8((raw >> 62) & 0x1),
		S:        uint8((raw >> 52) & 0x1),
		L:        uint8((raw >> 61) & 0x1),
		G:        uint8((raw >> 63) & 0x1),
		AVL:      0,
	}
}

// FlatDataSegment is the single flat data segment every other segment
// register (DS/ES/FS/GS/SS) is loaded with in long mode, where segment
// limits and most attribute bits are ignored by the processor except
// for the presence and writability bits.
func FlatDataSegment() Segment {
	return Segment{
		Base:     0,
		Limit:    0xFFFFFFFF,
		Selector: 0x10,
		Type:     0x3, // read/write data
		Present:  1,
		DPL:      0,
		DB:       1,
		S:        1,
		L:        0,
		G:        1,
		AVL:      0,
	}
}
