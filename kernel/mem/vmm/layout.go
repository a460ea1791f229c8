package vmm

import (
	"xinuvm/kernel"
	"xinuvm/kernel/mem"
	"xinuvm/kernel/mem/pmm"
)

// Region describes a fixed range [Start, End] of every address space.
type Region struct {
	Name  string
	Start uintptr
	End   uintptr
}

// Layout returns the fixed regions of an address space whose stack is
// stackSize bytes long. The scratch window overlays the first heap pages
// while an editing session is open.
func Layout(stackSize mem.Size) ([]Region, *kernel.Error) {
	ssize, err := roundStackSize(stackSize)
	if err != nil {
		return nil, err
	}

	as := newAddressSpace(pmm.InvalidFrame, ssize)
	return []Region{
		{"kernel identity", mem.KernelSpaceBase, mem.UserSpaceBase - 1},
		{"scratch window", scratchBaseAddr, scratchBaseAddr + scratchSlots*uintptr(mem.PageSize) - 1},
		{"heap", mem.UserSpaceBase, as.HeapEnd - 1},
		{"guard page", as.HeapEnd, as.HeapEnd + uintptr(mem.PageSize) - 1},
		{"stack", as.HeapEnd + uintptr(mem.PageSize), mem.UserSpaceEnd - 1},
		{"page tables", tableWindowAddr, pdtVirtualAddr - 1},
		{"page directory", pdtVirtualAddr, addrMask},
	}, nil
}
