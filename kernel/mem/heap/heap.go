// Package heap implements the per-thread memory allocator. Each address space
// keeps an address-ordered list of free blocks inside its own user memory;
// allocations carve blocks out of that list first-fit and back them with
// physical frames on demand.
package heap

import (
	"xinuvm/kernel"
	"xinuvm/kernel/cpu"
	"xinuvm/kernel/kfmt"
	"xinuvm/kernel/mem"
	"xinuvm/kernel/mem/vmm"
)

const (
	// blockHeaderSize is the size of a free block header: a next pointer
	// followed by the block length.
	blockHeaderSize = 2 * mem.PointerSize

	// blockAlign is the granularity of every allocation.
	blockAlign = blockHeaderSize
)

var (
	// ErrInvalidRequest is returned when requesting a zero-sized block.
	ErrInvalidRequest = &kernel.Error{Module: "heap", Message: "invalid allocation request"}

	// ErrOutOfMemory is returned when no free block can satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of heap memory"}

	// ErrSpaceNotActive is returned when operating on an address space
	// that is not loaded in CR3.
	ErrSpaceNotActive = &kernel.Error{Module: "heap", Message: "address space is not active"}

	// ErrInvalidFreeRequest is returned when freeing a zero-sized block or
	// a block outside the heap region.
	ErrInvalidFreeRequest = &kernel.Error{Module: "heap", Message: "invalid free request"}

	// ErrRegionOverlap is returned when the freed block overlaps a block
	// that is already free.
	ErrRegionOverlap = &kernel.Error{Module: "heap", Message: "freed region overlaps a free block"}

	// mapRegionFn is mocked by tests.
	mapRegionFn = vmm.MapRegion

	log = kfmt.Logger("heap")
)

// Block describes a free heap block.
type Block struct {
	Addr   uintptr
	Length mem.Size
}

// roundMB rounds a request up to the allocation granularity.
func roundMB(nbytes mem.Size) mem.Size {
	return (nbytes + blockAlign - 1) &^ (blockAlign - 1)
}

// Get allocates nbytes (rounded up to a multiple of 8) from the heap of the
// active address space as and returns the address of the block. The pages
// spanned by the block are mapped before it is handed out.
func Get(as *vmm.AddressSpace, nbytes mem.Size) (uintptr, *kernel.Error) {
	if nbytes == 0 {
		return 0, ErrInvalidRequest
	}
	if !as.IsActive() {
		return 0, ErrSpaceNotActive
	}

	nbytes = roundMB(nbytes)
	defer cpu.RestoreInterrupts(cpu.DisableInterrupts())

	for prev, curr := uintptr(0), as.FreeList.Next; curr != 0; prev, curr = curr, blockNext(curr) {
		length := blockLength(curr)
		if length < nbytes {
			continue
		}

		if length == nbytes {
			if err := mapRegionFn(curr, curr+uintptr(nbytes)-1); err != nil {
				return 0, err
			}
			setNext(as, prev, blockNext(curr))
		} else {
			leftover := curr + uintptr(nbytes)
			if err := mapRegionFn(curr, leftover+uintptr(blockHeaderSize)-1); err != nil {
				return 0, err
			}
			writeBlock(leftover, blockNext(curr), length-nbytes)
			setNext(as, prev, leftover)
		}

		as.FreeList.Length -= nbytes
		log.WithField("addr", curr).WithField("size", nbytes).Debug("heap block allocated")
		return curr, nil
	}

	return 0, ErrOutOfMemory
}

// Free returns a block obtained from Get to the heap of the active address
// space as. The block is inserted in address order and coalesced with any
// adjacent free block.
func Free(as *vmm.AddressSpace, addr uintptr, nbytes mem.Size) *kernel.Error {
	nbytes = roundMB(nbytes)
	if nbytes == 0 || addr < mem.UserSpaceBase || addr%uintptr(blockAlign) != 0 || addr+uintptr(nbytes) > as.HeapEnd {
		return ErrInvalidFreeRequest
	}
	if !as.IsActive() {
		return ErrSpaceNotActive
	}

	defer cpu.RestoreInterrupts(cpu.DisableInterrupts())

	prev, next := uintptr(0), as.FreeList.Next
	for next != 0 && next < addr {
		prev, next = next, blockNext(next)
	}

	// top is the end of the previous free block.
	var top uintptr
	if prev != 0 {
		top = prev + uintptr(blockLength(prev))
	}

	if top > addr || (next != 0 && addr+uintptr(nbytes) > next) {
		return ErrRegionOverlap
	}

	as.FreeList.Length += nbytes

	block := addr
	if prev != 0 && top == addr {
		setLength(prev, blockLength(prev)+nbytes)
		block = prev
	} else {
		writeBlock(addr, next, nbytes)
		setNext(as, prev, addr)
	}

	if next != 0 && block+uintptr(blockLength(block)) == next {
		writeBlock(block, blockNext(next), blockLength(block)+blockLength(next))
	}

	log.WithField("addr", addr).WithField("size", nbytes).Debug("heap block released")
	return nil
}

// Blocks returns the free blocks of the active address space as in address
// order.
func Blocks(as *vmm.AddressSpace) ([]Block, *kernel.Error) {
	if !as.IsActive() {
		return nil, ErrSpaceNotActive
	}

	defer cpu.RestoreInterrupts(cpu.DisableInterrupts())

	var blocks []Block
	for curr := as.FreeList.Next; curr != 0; curr = blockNext(curr) {
		blocks = append(blocks, Block{Addr: curr, Length: blockLength(curr)})
	}
	return blocks, nil
}

func blockNext(addr uintptr) uintptr {
	return uintptr(cpu.ReadDword(addr))
}

func blockLength(addr uintptr) mem.Size {
	return mem.Size(cpu.ReadDword(addr + uintptr(mem.PointerSize)))
}

func setLength(addr uintptr, length mem.Size) {
	cpu.WriteDword(addr+uintptr(mem.PointerSize), uint32(length))
}

func writeBlock(addr, next uintptr, length mem.Size) {
	cpu.WriteDword(addr, uint32(next))
	setLength(addr, length)
}

// setNext links prev to next. A zero prev refers to the list head kept in
// the address space descriptor.
func setNext(as *vmm.AddressSpace, prev, next uintptr) {
	if prev == 0 {
		as.FreeList.Next = next
		return
	}
	cpu.WriteDword(prev, uint32(next))
}
