package vmm

import "xinuvm/kernel/mem"

const (
	// pageLevels indicates the number of page levels supported by the
	// 32-bit non-PAE paging scheme.
	pageLevels = 2

	// ptePhysPageMask extracts the physical frame address from a page
	// table entry. Bits 12-31 contain the physical memory address.
	ptePhysPageMask = uintptr(0xfffff000)

	// addrMask truncates window arithmetic to the 32-bit address space.
	addrMask = uintptr(0xffffffff)

	// recursiveSlot is the directory entry that points back to the
	// directory itself.
	recursiveSlot = mem.EntriesPerTable - 1

	// pdtVirtualAddr exploits the recursive mapping so the active page
	// directory can be accessed through the MMU. By setting all page level
	// bits to 1 the MMU keeps following the last directory entry.
	pdtVirtualAddr = uintptr(0xfffff000)

	// tableWindowAddr is the start of the 4M region where, thanks to the
	// recursive mapping, page table i of the active directory is visible
	// at tableWindowAddr + i*PageSize.
	tableWindowAddr = uintptr(0xffc00000)

	// scratchDirSlot is the directory slot of the active space whose page
	// table hosts the scratch PTEs used to reach foreign address spaces.
	scratchDirSlot = 1

	// scratchSlots is the number of consecutive scratch PTEs. Scratch slot
	// i maps virtual page scratchBaseAddr + i*PageSize.
	scratchSlots = 4

	// scratchBaseAddr is the virtual address of the first scratch page.
	scratchBaseAddr = uintptr(scratchDirSlot) << 22
)

// pageLevelBits defines the number of virtual address bits that correspond to
// each page level. Each level uses 10 bits which amounts to 1024 entries per
// table.
var pageLevelBits = [pageLevels]uint8{
	10,
	10,
}

// pageLevelShifts defines the shift required to access each page table
// component of a virtual address.
var pageLevelShifts = [pageLevels]uint8{
	22,
	12,
}

const (
	// FlagPresent is set when the page is available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW
)

// clearedEntry is the value of an unused paging structure entry: writable
// but not present.
const clearedEntry = pageTableEntry(FlagRW)
