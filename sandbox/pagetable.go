package sandbox

// 4-level long-mode page table entry flags. Ported from the teacher's
// 32-bit PDE/PTE flag set (core_engine/hypervisor/paging.go) and
// extended with the NX bit required for enforcing W^X in long mode.
const (
	pteFlagPresent   uint64 = 1 << 0
	pteFlagWritable  uint64 = 1 << 1
	pteFlagUser      uint64 = 1 << 2
	pteFlagPageSize  uint64 = 1 << 7 // unused here: every mapping is a 4KiB leaf
	pteFlagNX        uint64 = 1 << 63

	ptesPerPage  = 512
	bytesPerPTE  = 8
	pageTableCoverage = amountOfMemoryPerPT // bytes one PT page covers
)

// pageTableEntry builds a single 4-level-paging leaf or intermediate
// entry pointing at physAddr, honouring the writable/executable bits.
// Intermediate (PML4/PDPT/PD) entries are always present+writable+user
// so permission enforcement happens only at the PT (leaf) level, the
// conventional x86-64 paging idiom.
func pageTableEntry(physAddr uint64, writable, executable bool) uint64 {
	e := physAddr&^uint64(PageSize-1) | pteFlagPresent | pteFlagUser
	if writable {
		e |= pteFlagWritable
	}
	if !executable {
		e |= pteFlagNX
	}
	return e
}

func intermediateEntry(physAddr uint64) uint64 {
	return physAddr&^uint64(PageSize-1) | pteFlagPresent | pteFlagWritable | pteFlagUser
}

// BuildPageTables fills the PML4/PDPT/PD/PT tables to identity-map
// every page from BaseAddress through BaseAddress+layout.TotalSize(),
// honouring each region's RWX flags (spec.md §4.1 "Page-table
// builder"). Total mapped memory here is always well under 1GiB
// (MaxMemorySize), so a single PML4 entry and a single PDPT entry
// suffice; only the PD and its PTs vary in how many entries they use.
func BuildPageTables(mem *SharedMemory, layout *MemoryLayout) error {
	total, err := layout.TotalSize()
	if err != nil {
		return err
	}

	// PML4[0] -> PDPT
	if err := mem.WriteUint64(pml4Offset, intermediateEntry(layout.PDPTAddress())); err != nil {
		return err
	}
	// PDPT[0] -> PD
	if err := mem.WriteUint64(pdptOffset, intermediateEntry(layout.PDAddress())); err != nil {
		return err
	}

	// PT n maps the 2MiB starting at BaseAddress + n*2MiB, so its PD
	// entry index is offset by BaseAddress's own PD index.
	numPTs := (total + pageTableCoverage - 1) / pageTableCoverage
	firstPDIndex := uint64(BaseAddress / pageTableCoverage)
	for pt := uint64(0); pt < numPTs; pt++ {
		ptPhysAddr := layout.PTAddress() + pt*PageSize
		if err := mem.WriteUint64(pdOffset+(firstPDIndex+pt)*bytesPerPTE, intermediateEntry(ptPhysAddr)); err != nil {
			return err
		}
	}

	regions := layout.Regions()
	for pageIndex := uint64(0); pageIndex*PageSize < total; pageIndex++ {
		guestOffset := pageIndex * PageSize
		region, ok := layout.RegionContaining(guestOffset)
		writable, executable := false, false
		if ok {
			writable = region.Flags&RegionWrite != 0
			executable = region.Flags&RegionExecute != 0
		}
		physAddr := BaseAddress + guestOffset
		entry := pageTableEntry(physAddr, writable, executable)

		ptIndex := pageIndex / ptesPerPage
		entryIndex := pageIndex % ptesPerPage
		ptOffsetForPage := ptOffset + ptIndex*PageSize + entryIndex*bytesPerPTE
		if err := mem.WriteUint64(ptOffsetForPage, entry); err != nil {
			return err
		}
	}
	return nil
}
