package vmm

import (
	"xinuvm/kernel"
	"xinuvm/kernel/cpu"
	"xinuvm/kernel/mem"
	"xinuvm/kernel/mem/pmm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint32

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags.
type pageTableEntry uint32

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) == uint32(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint32(*pte) | uint32(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint32(*pte) &^ uint32(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uintptr(pte) & ptePhysPageMask) >> mem.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// mappedEntry returns a present and writable entry pointing to frame.
func mappedEntry(frame pmm.Frame) pageTableEntry {
	var entry pageTableEntry
	entry.SetFrame(frame)
	entry.SetFlags(FlagPresent | FlagRW)
	return entry
}

// pteRef is the virtual address of a page table entry. Entries live in
// simulated memory so they are loaded and stored through the MMU instead of
// being dereferenced.
type pteRef uintptr

// Load reads the entry.
func (ref pteRef) Load() pageTableEntry {
	return pageTableEntry(cpu.ReadDword(uintptr(ref)))
}

// Store overwrites the entry.
func (ref pteRef) Store(entry pageTableEntry) {
	cpu.WriteDword(uintptr(ref), uint32(entry))
}

// entryRef returns a reference to entry index of the table visible at the
// virtual address tableAddr.
func entryRef(tableAddr uintptr, index int) pteRef {
	return pteRef(tableAddr + uintptr(index)<<mem.PointerShift)
}

// pteForAddress returns the final page table entry that correspond to a
// particular virtual address in the active address space. The function
// performs a page table walk till it reaches the final page table entry
// returning ErrInvalidMapping if the page is not present.
func pteForAddress(virtAddr uintptr) (pteRef, *kernel.Error) {
	var (
		err   *kernel.Error
		entry pteRef
	)

	walk(virtAddr, func(pteLevel uint8, ref pteRef) bool {
		if !ref.Load().HasFlags(FlagPresent) {
			entry = 0
			err = ErrInvalidMapping
			return false
		}

		entry = ref
		return true
	})

	return entry, err
}
