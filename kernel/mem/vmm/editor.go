package vmm

import (
	"xinuvm/kernel"
	"xinuvm/kernel/cpu"
	"xinuvm/kernel/kfmt"
	"xinuvm/kernel/mem"
	"xinuvm/kernel/mem/pmm"
)

var (
	// ErrSessionInFlight is returned when opening a session while another
	// one is still open.
	ErrSessionInFlight = &kernel.Error{Module: "vmm", Message: "an editing session is already open"}

	// ErrSessionOnActivePDT is returned when opening a session on the
	// active page directory, which must be edited through the recursive
	// mapping instead.
	ErrSessionOnActivePDT = &kernel.Error{Module: "vmm", Message: "cannot open an editing session on the active page directory"}

	// ErrNoDataSlot is returned when accessing foreign data through a
	// session kind that has no data slots.
	ErrNoDataSlot = &kernel.Error{Module: "vmm", Message: "session has no data slots"}

	errCorruptSelfMap      = &kernel.Error{Module: "vmm", Message: "page directory self-map is corrupt"}
	errSessionStateCorrupt = &kernel.Error{Module: "vmm", Message: "scratch slot modified behind the editing session"}

	// activeSession is the session that currently owns the scratch slots.
	activeSession *Session
)

// SessionKind selects how the scratch slots are assigned during a session.
type SessionKind uint8

const (
	// SessionConstruct assigns two data slots followed by a directory
	// and a page table slot.
	SessionConstruct SessionKind = iota

	// SessionReclaim assigns a directory slot and a page table slot.
	SessionReclaim
)

// String implements fmt.Stringer.
func (k SessionKind) String() string {
	if k == SessionReclaim {
		return "reclaim"
	}
	return "construct"
}

const noSlot = -1

// Session grants exclusive access to the scratch window of the active address
// space so the paging structures and memory of a foreign (inactive) address
// space can be edited. Interrupts remain disabled while a session is open.
// Close must always be called, on success and failure paths alike, to put the
// scratch window back the way it was found.
type Session struct {
	kind    SessionKind
	pdt     pmm.Frame
	irqMask cpu.IRQMask

	slotCount  int
	dirSlot    int
	tableSlot  int
	dataSlots  [2]int
	savedPTEs  [scratchSlots]pageTableEntry
	writtenPTE [scratchSlots]pageTableEntry

	// ownsTable is set when Open had to allocate the page table for
	// scratchDirSlot. The frame is released and savedPDE restored on
	// Close.
	ownsTable  bool
	tableFrame pmm.Frame
	savedPDE   pageTableEntry
}

// OpenSession starts an editing session for the address space whose page
// directory lives in pdt.
func OpenSession(pdt pmm.Frame, kind SessionKind) (*Session, *kernel.Error) {
	mask := cpu.DisableInterrupts()

	if activeSession != nil {
		cpu.RestoreInterrupts(mask)
		return nil, ErrSessionInFlight
	}

	if pdt.Address() == activePDTFn() {
		cpu.RestoreInterrupts(mask)
		return nil, ErrSessionOnActivePDT
	}

	if !activeSelfMapIntact() {
		kfmt.Panic(errCorruptSelfMap)
		cpu.RestoreInterrupts(mask)
		return nil, errCorruptSelfMap
	}

	s := &Session{kind: kind, pdt: pdt, irqMask: mask}
	switch kind {
	case SessionReclaim:
		s.slotCount, s.dirSlot, s.tableSlot = 2, 0, 1
		s.dataSlots = [2]int{noSlot, noSlot}
	default:
		s.slotCount, s.dirSlot, s.tableSlot = 4, 2, 3
		s.dataSlots = [2]int{0, 1}
	}

	pde := entryRef(pdtVirtualAddr, scratchDirSlot)
	s.savedPDE = pde.Load()
	if !s.savedPDE.HasFlags(FlagPresent) {
		frame, err := pmm.AllocFrame()
		if err != nil {
			cpu.RestoreInterrupts(mask)
			return nil, err
		}

		scratchTable := activeTables{}.tableAddr(scratchDirSlot)
		pde.Store(mappedEntry(frame))
		flushTLBEntryFn(scratchTable)
		InitTable(scratchTable)
		s.ownsTable, s.tableFrame = true, frame
	}

	for slot := 0; slot < s.slotCount; slot++ {
		s.savedPTEs[slot] = s.slotRef(slot).Load()
		s.writtenPTE[slot] = s.savedPTEs[slot]
	}

	s.point(s.dirSlot, pdt)
	activeSession = s

	log.WithField("pdt", pdt.Address()).WithField("kind", kind).Debug("editing session opened")
	return s, nil
}

// WithSession opens a session, runs fn and closes the session regardless of
// the outcome. It returns the error from opening the session or from fn.
func WithSession(pdt pmm.Frame, kind SessionKind, fn func(*Session) *kernel.Error) *kernel.Error {
	s, err := OpenSession(pdt, kind)
	if err != nil {
		return err
	}
	defer s.Close()

	return fn(s)
}

// Close restores every scratch slot to the value it had before the session
// was opened, releases any page table allocated by OpenSession and restores
// the interrupt flag. Calling Close on a session that is no longer open is a
// no-op.
func (s *Session) Close() {
	if activeSession != s {
		return
	}

	for slot := 0; slot < s.slotCount; slot++ {
		ref := s.slotRef(slot)
		if ref.Load() != s.writtenPTE[slot] {
			kfmt.Panic(errSessionStateCorrupt)
		}
		ref.Store(s.savedPTEs[slot])
		flushTLBEntryFn(slotAddr(slot))
	}

	if s.ownsTable {
		entryRef(pdtVirtualAddr, scratchDirSlot).Store(s.savedPDE)
		flushTLBEntryFn(activeTables{}.tableAddr(scratchDirSlot))
		for slot := 0; slot < s.slotCount; slot++ {
			flushTLBEntryFn(slotAddr(slot))
		}

		if err := pmm.FreeFrame(s.tableFrame); err != nil {
			log.WithError(err).Error("unable to release scratch page table")
		}
	}

	activeSession = nil
	log.WithField("pdt", s.pdt.Address()).WithField("kind", s.kind).Debug("editing session closed")
	cpu.RestoreInterrupts(s.irqMask)
}

// PDT returns the frame of the page directory being edited.
func (s *Session) PDT() pmm.Frame { return s.pdt }

// DirectoryEntry returns the raw value of entry index in the foreign page
// directory.
func (s *Session) DirectoryEntry(index int) uint32 {
	return uint32(entryRef(s.directoryAddr(), index).Load())
}

// SetDirectoryEntry overwrites entry index in the foreign page directory.
func (s *Session) SetDirectoryEntry(index int, value uint32) {
	entryRef(s.directoryAddr(), index).Store(pageTableEntry(value))
}

// MapRegion behaves like the package-level MapRegion but operates on the
// foreign address space.
func (s *Session) MapRegion(start, end uintptr) *kernel.Error {
	return mapRegion(s, start, end)
}

// ReadDword reads the 32-bit word at virtAddr in the foreign address space.
func (s *Session) ReadDword(virtAddr uintptr) (uint32, *kernel.Error) {
	addr, err := s.dataAddr(virtAddr)
	if err != nil {
		return 0, err
	}
	return cpu.ReadDword(addr), nil
}

// WriteDword writes a 32-bit word to virtAddr in the foreign address space.
func (s *Session) WriteDword(virtAddr uintptr, value uint32) *kernel.Error {
	addr, err := s.dataAddr(virtAddr)
	if err != nil {
		return err
	}
	cpu.WriteDword(addr, value)
	return nil
}

// Translate returns the physical address behind virtAddr in the foreign
// address space.
func (s *Session) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	page := PageFromAddress(virtAddr)
	if !entryRef(s.directoryAddr(), page.dirIndex()).Load().HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	pte := entryRef(s.tableAddr(page.dirIndex()), page.tableIndex()).Load()
	if !pte.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// dataAddr points one of the data slots at the foreign page containing
// virtAddr and returns the equivalent address inside the scratch window.
// Data slots are picked by page parity so consecutive pages can be accessed
// alternately without remapping.
func (s *Session) dataAddr(virtAddr uintptr) (uintptr, *kernel.Error) {
	page := PageFromAddress(virtAddr)
	slot := s.dataSlots[page&1]
	if slot == noSlot {
		return 0, ErrNoDataSlot
	}

	physAddr, err := s.Translate(virtAddr)
	if err != nil {
		return 0, err
	}

	s.point(slot, pmm.FrameFromAddress(physAddr))
	return slotAddr(slot) + PageOffset(virtAddr), nil
}

func (s *Session) directoryAddr() uintptr { return slotAddr(s.dirSlot) }

func (s *Session) tableAddr(dirIndex int) uintptr {
	s.point(s.tableSlot, entryRef(s.directoryAddr(), dirIndex).Load().Frame())
	return slotAddr(s.tableSlot)
}

// selfMapIntact reports whether the recursive slot of the foreign directory
// points back to it.
func (s *Session) selfMapIntact() bool {
	entry := entryRef(s.directoryAddr(), recursiveSlot).Load()
	return entry.HasFlags(FlagPresent) && entry.Frame() == s.pdt
}

// point repoints a scratch slot at frame and flushes its stale translation.
func (s *Session) point(slot int, frame pmm.Frame) {
	entry := mappedEntry(frame)
	if s.writtenPTE[slot] == entry {
		return
	}

	s.slotRef(slot).Store(entry)
	s.writtenPTE[slot] = entry
	flushTLBEntryFn(slotAddr(slot))
}

func (s *Session) slotRef(slot int) pteRef {
	return entryRef(activeTables{}.tableAddr(scratchDirSlot), slot)
}

func slotAddr(slot int) uintptr {
	return scratchBaseAddr + uintptr(slot)<<mem.PageShift
}

// activeSelfMapIntact reports whether the recursive slot of the active
// directory points back to the directory loaded in CR3.
func activeSelfMapIntact() (intact bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, isFault := r.(*cpu.PageFault); !isFault {
				panic(r)
			}
			intact = false
		}
	}()

	entry := entryRef(pdtVirtualAddr, recursiveSlot).Load()
	return entry.HasFlags(FlagPresent) && entry.Frame().Address() == activePDTFn()
}
