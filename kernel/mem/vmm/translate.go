package vmm

import (
	"xinuvm/kernel"
	"xinuvm/kernel/mem"
)

// Translate returns the physical address that corresponds to the supplied
// virtual address in the active address space or ErrInvalidMapping if the
// virtual address does not correspond to a mapped physical address.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	ref, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return ref.Load().Frame().Address() + PageOffset(virtAddr), nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & uintptr(mem.PageSize-1)
}
