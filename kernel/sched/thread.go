// Package sched implements the thread table and the priority scheduler. Every
// thread owns a private address space; switching threads loads the address
// space of the incoming thread into CR3 before its context is restored.
package sched

import (
	"xinuvm/kernel"
	"xinuvm/kernel/cpu"
	"xinuvm/kernel/kfmt"
	"xinuvm/kernel/mem"
	"xinuvm/kernel/mem/vmm"
)

const (
	// NullThread is the id of the thread that runs when nothing else is
	// ready. It is created by Init and can never be killed.
	NullThread TID = 0

	// InvalidTID is returned by Create when no thread could be created.
	InvalidTID TID = -1

	// MinStack is the smallest stack handed to a thread.
	MinStack = mem.Size(4096)

	// InitStack is the stack size used by the null thread when no other
	// size is configured.
	InitStack = mem.Size(0x10000)
)

var (
	// ErrOutOfThreadSlots is returned by Create when the thread table is full.
	ErrOutOfThreadSlots = &kernel.Error{Module: "sched", Message: "no free thread slots"}

	// ErrInvalidThread is returned when a thread id does not refer to a live thread.
	ErrInvalidThread = &kernel.Error{Module: "sched", Message: "invalid thread id"}

	// ErrThreadNotSuspended is returned by Ready for threads that are not suspended.
	ErrThreadNotSuspended = &kernel.Error{Module: "sched", Message: "thread is not suspended"}

	// ErrKillNullThread is returned when attempting to kill the null thread.
	ErrKillNullThread = &kernel.Error{Module: "sched", Message: "the null thread cannot be killed"}

	// ErrInvalidPriority is returned by Create for negative priorities.
	ErrInvalidPriority = &kernel.Error{Module: "sched", Message: "invalid thread priority"}

	// ErrInvalidProc is returned by Create when no entry procedure is supplied.
	ErrInvalidProc = &kernel.Error{Module: "sched", Message: "missing thread procedure"}

	// ErrInvalidThreadCount is returned by Init when the thread table
	// cannot hold at least the null thread and one more thread.
	ErrInvalidThreadCount = &kernel.Error{Module: "sched", Message: "thread table needs at least two slots"}

	// ErrNotNullThread is returned by Idle when it is not invoked by the
	// null thread.
	ErrNotNullThread = &kernel.Error{Module: "sched", Message: "only the null thread may idle"}

	// bootstrapSpaceFn and createSpaceFn are mocked by tests.
	bootstrapSpaceFn = vmm.BootstrapAddressSpace
	createSpaceFn    = vmm.CreateAddressSpace

	log = kfmt.Logger("sched")
)

// TID identifies a slot in the thread table.
type TID int

// ThreadState describes what a thread is currently doing.
type ThreadState uint8

// The states a thread slot can be in.
const (
	StateFree ThreadState = iota
	StateSuspended
	StateReady
	StateRunning
	StateReclaiming
)

// String implements fmt.Stringer.
func (s ThreadState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateSuspended:
		return "suspended"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	default:
		return "reclaiming"
	}
}

// Proc is the entry procedure of a thread. It receives the arguments that
// were passed to Create, read back from the thread's own stack.
type Proc func(args []uint32)

// Thread is an entry in the thread table.
type Thread struct {
	tid    TID
	name   string
	state  ThreadState
	prio   int
	parent TID
	space  *vmm.AddressSpace

	proc     Proc
	nargs    int
	stackPtr uintptr

	regs     cpu.Registers
	irqMask  cpu.IRQMask
	readySeq uint64

	// wake hands the CPU to the thread's goroutine. Closing it while the
	// thread is parked makes the goroutine unwind.
	wake    chan struct{}
	started bool
	exitTo  *Thread
}

// TID returns the id of the thread.
func (t *Thread) TID() TID { return t.tid }

// Name returns the name the thread was created with.
func (t *Thread) Name() string { return t.name }

// State returns the scheduling state of the thread.
func (t *Thread) State() ThreadState { return t.state }

// Priority returns the priority of the thread. Larger values run first.
func (t *Thread) Priority() int { return t.prio }

// Parent returns the id of the thread that created this thread.
func (t *Thread) Parent() TID { return t.parent }

// Space returns the address space owned by the thread.
func (t *Thread) Space() *vmm.AddressSpace { return t.space }

// StackPointer returns the initial stack pointer of the thread.
func (t *Thread) StackPointer() uintptr { return t.stackPtr }

var (
	threads     []Thread
	current     TID
	nextTID     TID
	threadCount int
)

// Init sets up a thread table with maxThreads slots and turns the caller into
// the null thread. The null thread runs in the boot address space, which gets
// a stack of nullStackSize bytes.
func Init(maxThreads int, nullStackSize mem.Size) *kernel.Error {
	if maxThreads < 2 {
		return ErrInvalidThreadCount
	}

	space, err := bootstrapSpaceFn(nullStackSize)
	if err != nil {
		return err
	}

	threads = make([]Thread, maxThreads)
	readyList = newReadyQueue()
	current, nextTID, threadCount = NullThread, NullThread, 1
	deferDepth, deferAttempts = 0, 0

	threads[NullThread] = Thread{
		tid:      NullThread,
		name:     "prnull",
		state:    StateRunning,
		space:    space,
		stackPtr: space.StackBase,
		wake:     make(chan struct{}, 1),
		started:  true,
	}
	cpu.WriteRegisters(cpu.Registers{
		ESP: uint32(space.StackBase),
		EBP: uint32(space.StackBase),
	})

	log.WithField("slots", maxThreads).WithField("stack", space.StackSize).Info("thread table initialized")
	return nil
}

// Current returns the running thread.
func Current() *Thread {
	return &threads[current]
}

// Lookup returns the live thread with the given id.
func Lookup(tid TID) (*Thread, *kernel.Error) {
	return lookup(tid)
}

// Count returns the number of live threads, including the null thread.
func Count() int {
	return threadCount
}

// Threads returns the live threads in thread id order.
func Threads() []*Thread {
	var list []*Thread
	for i := range threads {
		if threads[i].state != StateFree {
			list = append(list, &threads[i])
		}
	}
	return list
}

func lookup(tid TID) (*Thread, *kernel.Error) {
	if tid < 0 || int(tid) >= len(threads) || threads[tid].state == StateFree {
		return nil, ErrInvalidThread
	}
	return &threads[tid], nil
}

// allocTID returns the next free slot after the most recently allocated one.
func allocTID() (TID, *kernel.Error) {
	for i := 0; i < len(threads); i++ {
		nextTID = (nextTID + 1) % TID(len(threads))
		if threads[nextTID].state == StateFree {
			return nextTID, nil
		}
	}
	return InvalidTID, ErrOutOfThreadSlots
}

// Create builds a new suspended thread that will run proc with the supplied
// arguments. The thread gets a private address space with a stack of
// stackSize bytes, clamped to MinStack. The initial context record is written
// to the new stack before the address space is handed to the scheduler.
func Create(proc Proc, stackSize mem.Size, priority int, name string, args ...uint32) (TID, *kernel.Error) {
	if proc == nil {
		return InvalidTID, ErrInvalidProc
	}
	if priority < 0 {
		return InvalidTID, ErrInvalidPriority
	}
	if stackSize < MinStack {
		stackSize = MinStack
	}

	defer cpu.RestoreInterrupts(cpu.DisableInterrupts())

	tid, err := allocTID()
	if err != nil {
		return InvalidTID, err
	}

	var sp uintptr
	space, err := createSpaceFn(stackSize, func(s *vmm.Session, as *vmm.AddressSpace) *kernel.Error {
		var err *kernel.Error
		sp, err = setupStack(s, as, entryAddr(tid), args)
		return err
	})
	if err != nil {
		return InvalidTID, err
	}

	threads[tid] = Thread{
		tid:      tid,
		name:     name,
		state:    StateSuspended,
		prio:     priority,
		parent:   current,
		space:    space,
		proc:     proc,
		nargs:    len(args),
		stackPtr: sp,
		regs:     cpu.Registers{ESP: uint32(sp)},
		wake:     make(chan struct{}, 1),
	}
	threadCount++

	log.WithField("tid", tid).WithField("name", name).WithField("prio", priority).Info("thread created")
	return tid, nil
}

// Ready moves a suspended thread to the ready set. If resched is true the
// scheduler runs immediately afterwards.
func Ready(tid TID, resched bool) *kernel.Error {
	mask := cpu.DisableInterrupts()

	t, err := lookup(tid)
	if err == nil && t.state != StateSuspended {
		err = ErrThreadNotSuspended
	}
	if err != nil {
		cpu.RestoreInterrupts(mask)
		return err
	}

	t.state = StateReady
	readyList.insert(t)

	if resched {
		Reschedule()
	}

	cpu.RestoreInterrupts(mask)
	return nil
}

// Kill terminates a thread and releases its address space and slot. Killing
// the running thread switches to the next ready thread first; its address
// space is reclaimed once it is no longer loaded in CR3.
func Kill(tid TID) *kernel.Error {
	mask := cpu.DisableInterrupts()

	t, err := lookup(tid)
	if err == nil && tid == NullThread {
		err = ErrKillNullThread
	}
	if err != nil {
		cpu.RestoreInterrupts(mask)
		return err
	}

	if t.state == StateReady {
		readyList.remove(t)
	}

	if tid == current {
		t.state = StateReclaiming
		Reschedule()
		cpu.RestoreInterrupts(mask)
		return nil
	}

	if t.started {
		// The victim clears exitTo while unwinding and hands the CPU back.
		self := &threads[current]
		t.exitTo = self
		close(t.wake)
		park(self)
	}
	reclaimThread(t)

	cpu.RestoreInterrupts(mask)
	return nil
}

// reclaimThread releases the address space of a thread that is not running
// and returns its slot to the table.
func reclaimThread(t *Thread) {
	if err := t.space.Reclaim(); err != nil {
		log.WithError(err).WithField("tid", t.tid).Error("unable to reclaim address space")
	}

	t.state = StateFree
	threadCount--
	log.WithField("tid", t.tid).WithField("name", t.name).Info("thread reclaimed")
}
