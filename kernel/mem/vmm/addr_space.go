package vmm

import (
	"xinuvm/kernel"
	"xinuvm/kernel/cpu"
	"xinuvm/kernel/kfmt"
	"xinuvm/kernel/mem"
	"xinuvm/kernel/mem/pmm"
)

var (
	// ErrReclaimActive is returned when reclaiming the address space that
	// is currently loaded in CR3.
	ErrReclaimActive = &kernel.Error{Module: "vmm", Message: "cannot reclaim the active address space"}

	// ErrAddressSpaceFreed is returned when operating on an address space
	// that has already been reclaimed.
	ErrAddressSpaceFreed = &kernel.Error{Module: "vmm", Message: "address space has been freed"}

	// ErrInvalidStackSize is returned when the requested stack does not
	// fit in the user address space.
	ErrInvalidStackSize = &kernel.Error{Module: "vmm", Message: "invalid stack size"}

	errBootPDTInactive = &kernel.Error{Module: "vmm", Message: "boot page directory is not active"}
)

// AddressSpaceState tracks the lifecycle of an AddressSpace.
type AddressSpaceState uint8

// The states an AddressSpace goes through. Transitions only move forward.
const (
	Constructing AddressSpaceState = iota
	Active
	Reclaiming
	Freed
)

// String implements fmt.Stringer.
func (s AddressSpaceState) String() string {
	switch s {
	case Constructing:
		return "constructing"
	case Active:
		return "active"
	case Reclaiming:
		return "reclaiming"
	default:
		return "freed"
	}
}

// FreeList is the head of an address space's list of free heap blocks. The
// blocks themselves are stored in the address space's own user memory as
// {next, length} pairs of 32-bit words; a zero next address terminates the
// list.
type FreeList struct {
	// Next is the address of the first free block or 0 if the heap is
	// exhausted.
	Next uintptr

	// Length is the total number of free bytes.
	Length mem.Size
}

// AddressSpace describes a private user address space. The kernel region is
// shared with every other address space through slot 0 of its directory.
type AddressSpace struct {
	pdt   pmm.Frame
	state AddressSpaceState

	// FreeList tracks the free heap blocks of this address space.
	FreeList FreeList

	// StackBase is the address of the top-most word of the stack.
	StackBase uintptr

	// StackSize is the page-rounded size of the stack.
	StackSize mem.Size

	// HeapEnd is the first address past the heap region, which starts at
	// mem.UserSpaceBase.
	HeapEnd uintptr
}

// PDT returns the frame holding the page directory of this address space.
func (as *AddressSpace) PDT() pmm.Frame { return as.pdt }

// State returns the lifecycle state of this address space.
func (as *AddressSpace) State() AddressSpaceState { return as.state }

// IsActive returns true if this address space is loaded in CR3.
func (as *AddressSpace) IsActive() bool {
	return as.state != Freed && as.pdt.Address() == activePDTFn()
}

// Activate loads the address space into CR3, flushing the TLB.
func (as *AddressSpace) Activate() *kernel.Error {
	if as.state == Freed || as.state == Reclaiming {
		return ErrAddressSpaceFreed
	}

	switchPDTFn(as.pdt.Address())
	as.state = Active
	return nil
}

// Reclaim releases every frame owned by an inactive address space: the data
// frames, the page tables and finally the page directory. Slot 0 (the shared
// kernel identity table) and the recursive slot are never touched. If some
// frames could not be released the first error is returned after the walk
// completes.
func (as *AddressSpace) Reclaim() *kernel.Error {
	if as.state == Freed {
		return ErrAddressSpaceFreed
	}
	if as.pdt.Address() == activePDTFn() {
		return ErrReclaimActive
	}

	s, err := OpenSession(as.pdt, SessionReclaim)
	if err != nil {
		return err
	}

	as.state = Reclaiming
	err = s.reclaimSpace()
	s.Close()

	as.state = Freed
	log.WithField("pdt", as.pdt.Address()).Info("address space reclaimed")
	return err
}

// reclaimSpace releases every frame reachable from the foreign directory,
// including the directory frame itself.
func (s *Session) reclaimSpace() *kernel.Error {
	var firstErr *kernel.Error
	release := func(frame pmm.Frame) {
		if err := pmm.FreeFrame(frame); err != nil {
			log.WithError(err).WithField("frame", frame.Address()).Error("unable to release frame")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if !s.selfMapIntact() {
		kfmt.Panic(errCorruptSelfMap)
		return errCorruptSelfMap
	}

	for dirIndex := 1; dirIndex < recursiveSlot; dirIndex++ {
		pde := entryRef(s.directoryAddr(), dirIndex).Load()
		if !pde.HasFlags(FlagPresent) {
			continue
		}

		tableAddr := s.tableAddr(dirIndex)
		for tableIndex := 0; tableIndex < mem.EntriesPerTable; tableIndex++ {
			if pte := entryRef(tableAddr, tableIndex).Load(); pte.HasFlags(FlagPresent) {
				release(pte.Frame())
			}
		}

		release(pde.Frame())
	}

	release(s.pdt)
	return firstErr
}

// SetupFn customizes a new address space before it becomes visible to the
// scheduler. It runs inside the construction session and may use it to write
// into the new space.
type SetupFn func(s *Session, as *AddressSpace) *kernel.Error

// CreateAddressSpace builds a new address space with a stack of stackSize
// bytes (rounded up to a page) at the top of user space, a guard page below
// the stack and a heap that covers the rest of the user region. If setupFn is
// not nil it is invoked before the construction session closes.
//
// Construction is all-or-nothing: on failure every frame committed to the new
// space is released before the error is returned.
func CreateAddressSpace(stackSize mem.Size, setupFn SetupFn) (*AddressSpace, *kernel.Error) {
	ssize, err := roundStackSize(stackSize)
	if err != nil {
		return nil, err
	}

	pdtFrame, err := pmm.AllocFrame()
	if err != nil {
		return nil, err
	}

	as := newAddressSpace(pdtFrame, ssize)
	reclaimed := false
	err = WithSession(pdtFrame, SessionConstruct, func(s *Session) *kernel.Error {
		if err := s.buildSpace(as, setupFn); err != nil {
			if reclaimErr := s.reclaimSpace(); reclaimErr != nil {
				log.WithError(reclaimErr).Error("unable to roll back address space construction")
			}
			reclaimed = true
			return err
		}
		return nil
	})

	if err != nil {
		if !reclaimed {
			_ = pmm.FreeFrame(pdtFrame)
		}
		as.state = Freed
		return nil, err
	}

	log.WithField("pdt", pdtFrame.Address()).WithField("stack", ssize).Info("address space created")
	return as, nil
}

// roundStackSize rounds a stack size up to a page and makes sure the stack,
// its guard page and at least one heap page fit in the user region.
func roundStackSize(stackSize mem.Size) (mem.Size, *kernel.Error) {
	ssize := stackSize.RoundUpToPage()
	if ssize == 0 || uintptr(ssize) >= mem.UserSpaceEnd-mem.UserSpaceBase-2*uintptr(mem.PageSize) {
		return 0, ErrInvalidStackSize
	}
	return ssize, nil
}

func newAddressSpace(pdtFrame pmm.Frame, ssize mem.Size) *AddressSpace {
	heapEnd := mem.UserSpaceEnd - uintptr(ssize) - uintptr(mem.PageSize)
	return &AddressSpace{
		pdt:       pdtFrame,
		state:     Constructing,
		StackBase: mem.UserSpaceEnd - uintptr(mem.PointerSize),
		StackSize: ssize,
		HeapEnd:   heapEnd,
		FreeList: FreeList{
			Next:   mem.UserSpaceBase,
			Length: mem.Size(heapEnd - mem.UserSpaceBase),
		},
	}
}

// buildSpace populates the directory of a new address space through the
// construction session.
func (s *Session) buildSpace(as *AddressSpace, setupFn SetupFn) *kernel.Error {
	InitTable(s.directoryAddr())
	s.SetDirectoryEntry(0, uint32(mappedEntry(kernelIdentityTable)))
	s.SetDirectoryEntry(recursiveSlot, uint32(mappedEntry(as.pdt)))

	if err := s.MapRegion(as.HeapEnd, mem.UserSpaceEnd-1); err != nil {
		return err
	}
	if err := s.MapRegion(mem.UserSpaceBase, mem.UserSpaceBase+uintptr(mem.PageSize)-1); err != nil {
		return err
	}

	if err := s.WriteDword(mem.UserSpaceBase, 0); err != nil {
		return err
	}
	if err := s.WriteDword(mem.UserSpaceBase+uintptr(mem.PointerSize), uint32(as.FreeList.Length)); err != nil {
		return err
	}

	if setupFn != nil {
		return setupFn(s, as)
	}
	return nil
}

// BootstrapAddressSpace turns the boot page directory created by Init into the
// address space of the boot thread. The stack, the guard page and the first
// heap page are mapped through the recursive mapping.
func BootstrapAddressSpace(stackSize mem.Size) (*AddressSpace, *kernel.Error) {
	if !kernelPDT.Valid() || kernelPDT.Address() != activePDTFn() {
		return nil, errBootPDTInactive
	}

	ssize, err := roundStackSize(stackSize)
	if err != nil {
		return nil, err
	}

	defer cpu.RestoreInterrupts(cpu.DisableInterrupts())

	as := newAddressSpace(kernelPDT, ssize)
	if err := MapRegion(as.HeapEnd, mem.UserSpaceEnd-1); err != nil {
		return nil, err
	}
	if err := MapRegion(mem.UserSpaceBase, mem.UserSpaceBase+uintptr(mem.PageSize)-1); err != nil {
		return nil, err
	}

	cpu.WriteDword(mem.UserSpaceBase, 0)
	cpu.WriteDword(mem.UserSpaceBase+uintptr(mem.PointerSize), uint32(as.FreeList.Length))

	as.state = Active
	return as, nil
}
