package sched

import (
	"runtime"

	"xinuvm/kernel"
	"xinuvm/kernel/cpu"
	"xinuvm/kernel/kfmt"
	"xinuvm/kernel/mem/vmm"
)

var (
	errBadEntryPoint  = &kernel.Error{Module: "sched", Message: "context record does not match thread entry point"}
	errBadReturn      = &kernel.Error{Module: "sched", Message: "thread returned to an unknown address"}
	errExitWhileDefer = &kernel.Error{Module: "sched", Message: "thread exited while rescheduling was deferred"}
)

func init() {
	ctxswFn = ctxsw
}

// ctxsw saves the register file of old, restores the one of next and hands
// the CPU over to the goroutine backing next. Only the goroutine that owns
// the CPU executes kernel code.
//
// If old has already been reclaimed its goroutine unwinds and the hand-off
// happens once the unwinding completes.
func ctxsw(old, next *Thread) {
	old.regs = cpu.ReadRegisters()
	cpu.WriteRegisters(next.regs)

	if old.state == StateFree {
		old.exitTo = next
		runtime.Goexit()
	}

	handoff(next)
	park(old)
}

// handoff transfers the CPU to t, starting its goroutine on the first switch.
func handoff(t *Thread) {
	if !t.started {
		t.started = true
		go trampoline(t)
		return
	}
	t.wake <- struct{}{}
}

// park blocks the goroutine of t until the CPU is handed back to it.
func park(t *Thread) {
	if _, ok := <-t.wake; !ok {
		runtime.Goexit()
	}

	if cpu.Halted() {
		panic(cpu.ErrHalted)
	}
}

// trampoline is the first code executed by a new thread. It pops the context
// record written by setupStack through the active address space, calls the
// thread procedure with its arguments and finally returns into userret.
func trampoline(t *Thread) {
	defer t.unwind()

	regs := cpu.ReadRegisters()
	sp := uintptr(regs.ESP)
	pop := func() uint32 {
		word := cpu.ReadDword(sp)
		sp += wordSize
		return word
	}

	// popal: edi esi ebp esp ebx edx ecx eax.
	regs.EDI, regs.ESI, regs.EBP = pop(), pop(), pop()
	_ = pop()
	regs.EBX = pop()
	for i := 0; i < 3; i++ {
		_ = pop()
	}
	flags := pop()
	regs.EBP = pop()
	entry := pop()

	regs.ESP = uint32(sp)
	cpu.WriteRegisters(regs)
	if flags&flagIF != 0 {
		cpu.EnableInterrupts()
	}

	if entry != entryAddr(t.tid) {
		kfmt.Panic(errBadEntryPoint)
	}

	retAddr := pop()
	args := make([]uint32, t.nargs)
	for i := range args {
		args[i] = cpu.ReadDword(sp + uintptr(i)*wordSize)
	}

	t.proc(args)

	if retAddr != initRetAddr {
		kfmt.Panic(errBadReturn)
	}
	userret()
}

// userret terminates the running thread after its procedure returns.
func userret() {
	_ = Kill(current)

	// Kill only returns here if rescheduling is deferred.
	kfmt.Panic(errExitWhileDefer)
}

// unwind runs when the goroutine of t exits. A thread that exited normally
// passes the CPU on to exitTo. A thread that crashed halts the machine and
// wakes the null thread so the host can observe the halt.
func (t *Thread) unwind() {
	if r := recover(); r != nil {
		haltMachine(r)
		releaseParked(t)
		threads[NullThread].wake <- struct{}{}
		return
	}

	if next := t.exitTo; next != nil {
		t.exitTo = nil
		handoff(next)
	}
}

// haltMachine reports a panic raised by thread code and halts the CPU.
// Page faults are routed to the page fault handler.
func haltMachine(r interface{}) {
	defer func() {
		if r := recover(); r != nil && r != cpu.ErrHalted {
			log.WithField("panic", r).Error("thread crashed while halting")
		}
	}()

	switch v := r.(type) {
	case *cpu.PageFault:
		vmm.HandlePageFault(v)
	default:
		if r != cpu.ErrHalted {
			kfmt.Panic(r)
		}
	}
}

// releaseParked ends the goroutines of the threads, other than the null thread
// and t, that are parked waiting for a CPU that has halted.
func releaseParked(t *Thread) {
	for i := range threads {
		other := &threads[i]
		if other == t || other.state == StateFree || other.tid == NullThread || !other.started {
			continue
		}
		close(other.wake)
	}
}
