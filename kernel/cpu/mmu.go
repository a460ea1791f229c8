package cpu

import (
	"encoding/binary"
	"fmt"
)

const (
	pageShift = 12
	pageSize  = 1 << pageShift

	// Only the present and writable bits of a paging structure entry are
	// interpreted by the MMU.
	entryPresent  = uint32(1 << 0)
	entryRW       = uint32(1 << 1)
	entryAddrMask = uint32(0xfffff000)

	dirIndexShift   = 22
	tableIndexShift = 12
	tableIndexMask  = uint32(0x3ff)
)

type tlbEntry struct {
	frameAddr uint32
	writable  bool
}

// PageFault describes a failed virtual address translation. It is raised as a
// panic value by the memory access functions, the same way the hardware would
// raise a #PF exception.
type PageFault struct {
	Addr   uintptr
	Write  bool
	Reason string
}

// Error implements the error interface.
func (f *PageFault) Error() string {
	access := "read"
	if f.Write {
		access = "write"
	}
	return fmt.Sprintf("page fault: %s at 0x%08x: %s", access, f.Addr, f.Reason)
}

// EnablePaging sets CR0.PG. From this point on, all memory accesses are
// translated using the page directory pointed to by CR3.
func EnablePaging() {
	machine.pagingEnabled = true
	machine.tlb = make(map[uint32]tlbEntry)
}

// PagingEnabled returns true if CR0.PG is set.
func PagingEnabled() bool {
	return machine.pagingEnabled
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) {
	machine.cr3 = uint32(pdtPhysAddr) & entryAddrMask
	machine.tlb = make(map[uint32]tlbEntry)
}

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr {
	return uintptr(machine.cr3)
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) {
	delete(machine.tlb, uint32(virtAddr)>>pageShift)
}

// ReadCR2 returns the address that caused the last page fault.
func ReadCR2() uintptr {
	return machine.cr2
}

// ReadDword reads the 32-bit word at the given virtual address. The address
// must be 4-byte aligned.
func ReadDword(virtAddr uintptr) uint32 {
	return readPhys(translate(virtAddr, false))
}

// WriteDword writes a 32-bit word to the given virtual address. The address
// must be 4-byte aligned.
func WriteDword(virtAddr uintptr, value uint32) {
	writePhys(translate(virtAddr, true), value)
}

// ReadPhysDword reads a 32-bit word from physical memory bypassing the MMU.
func ReadPhysDword(physAddr uintptr) uint32 {
	return readPhys(uint32(physAddr))
}

// WritePhysDword writes a 32-bit word to physical memory bypassing the MMU.
func WritePhysDword(physAddr uintptr, value uint32) {
	writePhys(uint32(physAddr), value)
}

// translate walks the active 2-level page directory and returns the physical
// address for virtAddr. Leaf translations are cached in the TLB and served
// from there until flushed.
func translate(virtAddr uintptr, write bool) uint32 {
	if virtAddr&3 != 0 || virtAddr > 0xffffffff {
		raiseFault(virtAddr, write, "misaligned or out of range access")
	}

	va := uint32(virtAddr)
	if !machine.pagingEnabled {
		return va
	}

	offset := va & (pageSize - 1)
	if entry, ok := machine.tlb[va>>pageShift]; ok && (entry.writable || !write) {
		return entry.frameAddr | offset
	}

	pde := readPhys(machine.cr3 + (va>>dirIndexShift)<<2)
	if pde&entryPresent == 0 {
		raiseFault(virtAddr, write, "page directory entry not present")
	}

	pte := readPhys(pde&entryAddrMask + ((va>>tableIndexShift)&tableIndexMask)<<2)
	if pte&entryPresent == 0 {
		raiseFault(virtAddr, write, "page table entry not present")
	}

	writable := pde&entryRW != 0 && pte&entryRW != 0
	if write && !writable {
		raiseFault(virtAddr, write, "page protection violation")
	}

	machine.tlb[va>>pageShift] = tlbEntry{frameAddr: pte & entryAddrMask, writable: writable}
	return pte&entryAddrMask | offset
}

func raiseFault(virtAddr uintptr, write bool, reason string) {
	machine.cr2 = virtAddr
	panic(&PageFault{Addr: virtAddr, Write: write, Reason: reason})
}

func readPhys(physAddr uint32) uint32 {
	frame := machine.phys[physAddr>>pageShift]
	if frame == nil {
		return 0
	}
	offset := physAddr & (pageSize - 1)
	return binary.LittleEndian.Uint32(frame[offset : offset+4])
}

func writePhys(physAddr uint32, value uint32) {
	frame := machine.phys[physAddr>>pageShift]
	if frame == nil {
		frame = new([pageSize]byte)
		machine.phys[physAddr>>pageShift] = frame
	}
	offset := physAddr & (pageSize - 1)
	binary.LittleEndian.PutUint32(frame[offset:offset+4], value)
}
