package vmm

import (
	"xinuvm/kernel"
	"xinuvm/kernel/mem"
	"xinuvm/kernel/mem/pmm"
)

var (
	// ErrRegionOutsideUserSpace is returned when a mapping request touches
	// addresses outside [mem.UserSpaceBase, mem.UserSpaceEnd).
	ErrRegionOutsideUserSpace = &kernel.Error{Module: "vmm", Message: "region lies outside the user address space"}
)

// tableAccessor exposes the paging structures of an address space through
// virtual addresses that are valid in the active address space.
type tableAccessor interface {
	// directoryAddr returns the virtual address where the page directory
	// is visible.
	directoryAddr() uintptr

	// tableAddr returns the virtual address where the page table
	// referenced by the present directory entry dirIndex is visible.
	tableAddr(dirIndex int) uintptr
}

// activeTables reaches the paging structures of the active address space via
// the recursive mapping.
type activeTables struct{}

func (activeTables) directoryAddr() uintptr { return pdtVirtualAddr }

func (activeTables) tableAddr(dirIndex int) uintptr {
	return tableWindowAddr + uintptr(dirIndex)<<mem.PageShift
}

// InitTable clears every entry of the page table (or directory) visible at
// tableAddr to the writable but not present state.
func InitTable(tableAddr uintptr) {
	mem.Memset(tableAddr, uint32(clearedEntry), mem.PageSize)
}

// MapRegion ensures that every page overlapping [start, end] is backed by a
// physical frame in the active address space. Missing page tables are
// allocated and initialized on demand; pages that are already present are
// left untouched so repeated calls are idempotent.
func MapRegion(start, end uintptr) *kernel.Error {
	return mapRegion(activeTables{}, start, end)
}

func mapRegion(tables tableAccessor, start, end uintptr) *kernel.Error {
	if start > end || !mem.IsUserAddress(start) || !mem.IsUserAddress(end) {
		return ErrRegionOutsideUserSpace
	}

	lastPage := PageFromAddress(mem.RoundUpToFrame(end))
	for page := PageFromAddress(mem.TruncateToFrame(start)); page < lastPage; page++ {
		pde := entryRef(tables.directoryAddr(), page.dirIndex())
		if !pde.Load().HasFlags(FlagPresent) {
			tableFrame, err := pmm.AllocFrame()
			if err != nil {
				return err
			}

			pde.Store(mappedEntry(tableFrame))
			tableAddr := tables.tableAddr(page.dirIndex())
			flushTLBEntryFn(tableAddr)
			InitTable(tableAddr)
		}

		pte := entryRef(tables.tableAddr(page.dirIndex()), page.tableIndex())
		if pte.Load().HasFlags(FlagPresent) {
			continue
		}

		frame, err := pmm.AllocFrame()
		if err != nil {
			return err
		}

		pte.Store(mappedEntry(frame))
		flushTLBEntryFn(page.Address())
	}

	return nil
}
