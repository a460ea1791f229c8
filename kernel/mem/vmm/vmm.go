// Package vmm manages 2-level page tables and the per-thread address spaces
// built on top of them. The active address space is edited through its
// recursive mapping while inactive ones are edited through the scratch
// window owned by an editing Session.
package vmm

import (
	"xinuvm/kernel"
	"xinuvm/kernel/cpu"
	"xinuvm/kernel/kfmt"
	"xinuvm/kernel/mem"
	"xinuvm/kernel/mem/pmm"
)

var (
	// the following functions are mocked by tests.
	activePDTFn     = cpu.ActivePDT
	switchPDTFn     = cpu.SwitchPDT
	flushTLBEntryFn = cpu.FlushTLBEntry
	enablePagingFn  = cpu.EnablePaging
	readCR2Fn       = cpu.ReadCR2

	// kernelPDT is the boot page directory created by Init.
	kernelPDT = pmm.InvalidFrame

	// kernelIdentityTable maps [mem.KernelSpaceBase, mem.UserSpaceBase)
	// 1:1 and is shared by slot 0 of every page directory.
	kernelIdentityTable = pmm.InvalidFrame

	errPagingAlreadyEnabled = &kernel.Error{Module: "vmm", Message: "paging is already enabled"}
	errUnrecoverableFault   = &kernel.Error{Module: "vmm", Message: "page fault"}

	log = kfmt.Logger("vmm")
)

// Init builds the boot page directory and the shared kernel identity table,
// loads the directory and enables paging. It must be invoked with paging
// disabled, after the physical frame allocator has been registered.
func Init() *kernel.Error {
	if cpu.PagingEnabled() {
		return errPagingAlreadyEnabled
	}

	activeSession = nil

	pdtFrame, err := pmm.AllocFrame()
	if err != nil {
		return err
	}

	identityFrame, err := pmm.AllocFrame()
	if err != nil {
		_ = pmm.FreeFrame(pdtFrame)
		return err
	}

	// Paging is still disabled so physical addresses can be used as-is.
	InitTable(pdtFrame.Address())
	entryRef(pdtFrame.Address(), recursiveSlot).Store(mappedEntry(pdtFrame))

	for index := 0; index < mem.EntriesPerTable; index++ {
		frame := pmm.FrameFromAddress(mem.KernelSpaceBase + uintptr(index)<<mem.PageShift)
		entryRef(identityFrame.Address(), index).Store(mappedEntry(frame))
	}
	entryRef(pdtFrame.Address(), 0).Store(mappedEntry(identityFrame))

	kernelPDT, kernelIdentityTable = pdtFrame, identityFrame

	switchPDTFn(pdtFrame.Address())
	enablePagingFn()

	log.WithField("pdt", pdtFrame.Address()).WithField("identity_table", identityFrame.Address()).Info("paging enabled")
	return nil
}

// KernelPDT returns the frame of the boot page directory.
func KernelPDT() pmm.Frame {
	return kernelPDT
}

// HandlePageFault reports a page fault raised while executing kernel or
// thread code. Demand paging is not supported so every fault is fatal.
func HandlePageFault(fault *cpu.PageFault) {
	var (
		faultAddress = readCR2Fn()
		pageEntry    pageTableEntry
		tableMissing bool
		pageMissing  bool
	)

	// Lookup entry for the page where the fault occurred
	walk(faultAddress, func(pteLevel uint8, ref pteRef) bool {
		entry := ref.Load()
		if !entry.HasFlags(FlagPresent) {
			tableMissing = pteLevel < pageLevels-1
			pageMissing = !tableMissing
			return false
		}

		if pteLevel == pageLevels-1 {
			pageEntry = entry
		}
		return true
	})

	kfmt.Printf("\nPage fault while accessing address: 0x%08x\nReason: ", faultAddress)
	switch {
	case tableMissing:
		kfmt.Printf("page table not present")
	case pageMissing:
		if fault.Write {
			kfmt.Printf("write to non-present page")
		} else {
			kfmt.Printf("read from non-present page")
		}
	case fault.Write && !pageEntry.HasFlags(FlagRW):
		kfmt.Printf("page protection violation (write)")
	default:
		kfmt.Printf("%s", fault.Reason)
	}

	regs := cpu.ReadRegisters()
	kfmt.Printf("\n\nRegisters:\n")
	kfmt.Printf("EBX = %08x ESI = %08x EDI = %08x\n", regs.EBX, regs.ESI, regs.EDI)
	kfmt.Printf("EBP = %08x ESP = %08x CR3 = %08x\n", regs.EBP, regs.ESP, activePDTFn())

	kfmt.Panic(errUnrecoverableFault)
}
