package sched

import (
	"xinuvm/kernel"
	"xinuvm/kernel/cpu"
	"xinuvm/kernel/kfmt"
	"xinuvm/kernel/mem/vmm"
)

var (
	// ErrNotDeferred is returned by DeferStop when rescheduling is not
	// deferred.
	ErrNotDeferred = &kernel.Error{Module: "sched", Message: "rescheduling is not deferred"}

	errNoReadyThread = &kernel.Error{Module: "sched", Message: "ready set is empty"}

	// switchAddressSpaceFn and ctxswFn are mocked by tests. ctxswFn is set
	// in init as ctxsw reaches Reschedule through userret.
	switchAddressSpaceFn = func(as *vmm.AddressSpace) *kernel.Error { return as.Activate() }
	ctxswFn              func(old, next *Thread)

	deferDepth    int
	deferAttempts int
)

// Reschedule hands the CPU to the highest priority ready thread. The running
// thread keeps the CPU if its priority is strictly higher than that of every
// ready thread. While rescheduling is deferred the attempt is only recorded.
//
// The address space of the incoming thread is loaded before its context is
// restored. A thread that was killed while running is reclaimed right after
// that, once its address space is no longer active.
func Reschedule() {
	if deferDepth > 0 {
		deferAttempts++
		return
	}

	old := &threads[current]
	old.irqMask = cpu.DisableInterrupts()

	if old.state == StateRunning {
		if best, ok := readyList.first(); !ok || old.prio > best.prio {
			cpu.RestoreInterrupts(old.irqMask)
			return
		}
		old.state = StateReady
		readyList.insert(old)
	}

	best, ok := readyList.dequeue()
	if !ok {
		kfmt.Panic(errNoReadyThread)
		return
	}

	next := &threads[best.tid]
	next.state = StateRunning
	current = best.tid
	log.WithField("tid", next.tid).WithField("name", next.name).Debug("rescheduling")

	if err := switchAddressSpaceFn(next.space); err != nil {
		kfmt.Panic(err)
		return
	}

	if old.state == StateReclaiming {
		reclaimThread(old)
	}

	ctxswFn(old, next)

	// The old thread continues here once it is switched back in.
	cpu.RestoreInterrupts(old.irqMask)
}

// Yield offers the CPU to ready threads of the same or higher priority.
func Yield() {
	mask := cpu.DisableInterrupts()
	Reschedule()
	cpu.RestoreInterrupts(mask)
}

// DeferStart postpones rescheduling until a matching DeferStop. Calls nest.
func DeferStart() {
	mask := cpu.DisableInterrupts()
	deferDepth++
	cpu.RestoreInterrupts(mask)
}

// DeferStop ends a deferral started by DeferStart. When the outermost
// deferral ends and a reschedule was attempted in the meantime, Reschedule
// runs immediately.
func DeferStop() *kernel.Error {
	mask := cpu.DisableInterrupts()

	if deferDepth == 0 {
		cpu.RestoreInterrupts(mask)
		return ErrNotDeferred
	}

	deferDepth--
	if deferDepth == 0 && deferAttempts > 0 {
		deferAttempts = 0
		Reschedule()
	}

	cpu.RestoreInterrupts(mask)
	return nil
}

// ReadyThreads returns the ids of the ready threads in the order in which
// they will be scheduled.
func ReadyThreads() []TID {
	return readyList.tids()
}

// Idle runs the null thread loop: it keeps yielding until every other thread
// has exited or no thread is left that could run.
func Idle() *kernel.Error {
	if current != NullThread {
		return ErrNotNullThread
	}

	for threadCount > 1 && readyList.len() > 0 {
		Yield()
	}
	return nil
}
