package kmain

import (
	"fmt"
	"io"
	"sort"

	"xinuvm/kernel/cpu"
	"xinuvm/kernel/kfmt"
	"xinuvm/kernel/mem"
	"xinuvm/kernel/mem/heap"
	"xinuvm/kernel/sched"
)

// threadProc is a built-in thread procedure. Console output written to out
// is prefixed with the thread name.
type threadProc func(out io.Writer, args []uint32)

// console receives the output of every thread.
var console io.Writer = io.Discard

var procs = map[string]threadProc{
	"arith":   arith,
	"memtest": memSizeTest,
	"spawner": spawner,
	"yielder": yielder,
}

// ProcNames returns the names of the built-in thread procedures.
func ProcNames() []string {
	names := make([]string, 0, len(procs))
	for name := range procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// bind adapts a built-in procedure to the scheduler's entry signature.
func bind(p threadProc) sched.Proc {
	return func(args []uint32) {
		self := sched.Current()
		out := &kfmt.PrefixWriter{
			Sink:   console,
			Prefix: []byte(fmt.Sprintf("[%d:%s] ", self.TID(), self.Name())),
		}
		p(out, args)
	}
}

// arith doubles the sum of its arguments, or 2 if there are none.
func arith(out io.Writer, args []uint32) {
	thing := uint32(2)
	if len(args) != 0 {
		thing = 0
		for _, arg := range args {
			thing += arg
		}
	}
	kfmt.Fprintf(out, "%d + %d = %d\n", thing, thing, thing+thing)
}

// spawner creates a child thread running arith at its own priority and
// readies it without rescheduling.
func spawner(out io.Writer, args []uint32) {
	self := sched.Current()
	kfmt.Fprintf(out, "spawning child thread\n")

	tid, err := sched.Create(bind(arith), sched.InitStack, self.Priority(), "SPAWNEDTHREAD", args...)
	if err != nil {
		kfmt.Fprintf(out, "create failed: %s\n", err)
		return
	}
	if err := sched.Ready(tid, false); err != nil {
		kfmt.Fprintf(out, "ready failed: %s\n", err)
		return
	}
	kfmt.Fprintf(out, "child %d is ready\n", tid)
}

// yielder gives up the CPU args[0] times (3 by default).
func yielder(out io.Writer, args []uint32) {
	rounds := uint32(3)
	if len(args) != 0 {
		rounds = args[0]
	}

	for i := uint32(0); i < rounds; i++ {
		kfmt.Fprintf(out, "round %d\n", i)
		sched.Yield()
	}
}

// memSizeTest allocates and releases heap blocks of 2K, 6K and any extra
// sizes passed as arguments, touching the first and last word of each block.
// It finishes with a request that cannot be satisfied.
func memSizeTest(out io.Writer, args []uint32) {
	space := sched.Current().Space()
	sizes := []mem.Size{2 * mem.Kb, 6 * mem.Kb}
	for _, arg := range args {
		sizes = append(sizes, mem.Size(arg))
	}

	kfmt.Fprintf(out, "memlist.length: 0x%x\n", uint64(space.FreeList.Length))
	for _, size := range sizes {
		addr, err := heap.Get(space, size)
		if err != nil {
			kfmt.Fprintf(out, "allocating %s failed: %s\n", size, err)
			continue
		}

		cpu.WriteDword(addr, 0xdeadbeef)
		last := addr + uintptr(size-1)&^uintptr(mem.PointerSize-1)
		cpu.WriteDword(last, 0xcafebabe)
		if cpu.ReadDword(addr) != 0xdeadbeef || cpu.ReadDword(last) != 0xcafebabe {
			kfmt.Fprintf(out, "block at 0x%08x lost its contents\n", addr)
		}
		kfmt.Fprintf(out, "allocated %s at 0x%08x\n", size, addr)

		if err := heap.Free(space, addr, size); err != nil {
			kfmt.Fprintf(out, "releasing %s failed: %s\n", size, err)
		}
		kfmt.Fprintf(out, "memlist.length: 0x%x\n", uint64(space.FreeList.Length))
	}

	if _, err := heap.Get(space, space.FreeList.Length+mem.PageSize); err != nil {
		kfmt.Fprintf(out, "oversized allocation rejected: %s\n", err)
	}
}
