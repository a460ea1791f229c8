package vmm

import "xinuvm/kernel/mem"

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and a reference to the page table
// entry for that level. If the function returns false, then the page walk is
// aborted.
type pageTableWalker func(pteLevel uint8, ref pteRef) bool

// walk performs a page table walk for the given virtual address in the active
// address space. It calls the supplied walkFn with the page table entry that
// corresponds to each page table level.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
	)

	// tableAddr is initially set to the recursively mapped virtual address
	// of the page directory.
	for level, tableAddr = uint8(0), pdtVirtualAddr; level < pageLevels; level, tableAddr = level+1, entryAddr {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mem.PointerShift)

		if !walkFn(level, pteRef(entryAddr)) {
			return
		}

		// Shifting the entry address left by the number of bits for this
		// level adds one level of indirection to the recursive mapping
		// and yields the virtual address of the table it points to.
		entryAddr = (entryAddr << pageLevelBits[level]) & addrMask
	}
}
