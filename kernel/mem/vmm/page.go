package vmm

import "xinuvm/kernel/mem"

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << mem.PageShift)
}

// dirIndex returns the page directory slot that covers this page.
func (p Page) dirIndex() int {
	return int(p >> pageLevelBits[1])
}

// tableIndex returns the page table slot that maps this page.
func (p Page) tableIndex() int {
	return int(p & ((1 << pageLevelBits[1]) - 1))
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr &^ uintptr(mem.PageSize-1)) >> mem.PageShift)
}
