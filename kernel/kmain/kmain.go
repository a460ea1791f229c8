// Package kmain boots the simulated machine and drives it until every
// configured thread has exited.
package kmain

import (
	"io"

	"github.com/pkg/errors"

	"xinuvm/kernel/cpu"
	"xinuvm/kernel/kfmt"
	"xinuvm/kernel/mem"
	"xinuvm/kernel/mem/pmm/allocator"
	"xinuvm/kernel/mem/vmm"
	"xinuvm/kernel/sched"
)

// ErrMachineHalted is returned by Run when the kernel halted the CPU.
var ErrMachineHalted = errors.New("machine halted")

// Report summarizes a run of the machine.
type Report struct {
	// TotalFrames is the size of the frame pool.
	TotalFrames uint32

	// FreeFramesAtBoot is the number of free frames once the null thread
	// is set up.
	FreeFramesAtBoot uint32

	// FreeFramesAtExit is the number of free frames when Run returned.
	FreeFramesAtExit uint32

	// Spawned is the number of configured threads that were started.
	Spawned int

	// Leftover lists the threads, other than the null thread, that were
	// still alive when Run returned.
	Leftover []string
}

// Leaked returns the number of frames that were not returned to the pool.
func (r *Report) Leaked() int {
	return int(r.FreeFramesAtBoot) - int(r.FreeFramesAtExit)
}

// Print writes the frame accounting of the run to w.
func (r *Report) Print(w io.Writer) {
	kfmt.Fprintf(w, "threads spawned: %d\n", r.Spawned)
	kfmt.Fprintf(w, "frames: %d total, %d free after boot, %d free at exit\n", r.TotalFrames, r.FreeFramesAtBoot, r.FreeFramesAtExit)
	if leaked := r.Leaked(); leaked != 0 {
		kfmt.Fprintf(w, "frames leaked: %d\n", leaked)
	}
	for _, name := range r.Leftover {
		kfmt.Fprintf(w, "thread still alive: %s\n", name)
	}
}

// Boot resets the machine and brings up the kernel: the frame allocator
// manages cfg.PhysicalMemory bytes right after the kernel identity region,
// paging is enabled and the caller becomes the null thread.
func Boot(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := kfmt.SetLogLevel(cfg.LogLevel); err != nil {
		return errors.Wrap(err, "log level")
	}

	cpu.Reset()
	kfmt.Printf("Initializing OS...\n")

	allocator.Init(mem.UserSpaceBase, mem.UserSpaceBase+uintptr(cfg.PhysicalMemory))
	if err := vmm.Init(); err != nil {
		return errors.Wrap(err, "enable paging")
	}
	if err := sched.Init(cfg.MaxThreads, mem.Size(cfg.NullStackSize)); err != nil {
		return errors.Wrap(err, "set up null thread")
	}

	cpu.EnableInterrupts()
	return nil
}

// Run boots the machine, creates and readies the configured threads and
// keeps the null thread idling until no other thread can run. Kernel console
// and thread output go to out.
func Run(cfg *Config, out io.Writer) (*Report, error) {
	console = out
	kfmt.SetOutputSink(out)

	if err := Boot(cfg); err != nil {
		return nil, err
	}

	report := &Report{
		TotalFrames:      allocator.FrameAllocator.TotalFrames(),
		FreeFramesAtBoot: allocator.FrameAllocator.FreeFrames(),
	}
	defer func() {
		report.FreeFramesAtExit = allocator.FrameAllocator.FreeFrames()
		for _, t := range sched.Threads() {
			if t.TID() != sched.NullThread {
				report.Leftover = append(report.Leftover, t.Name())
			}
		}
	}()

	for _, tc := range cfg.Threads {
		tid, err := sched.Create(bind(procs[tc.Proc]), mem.Size(tc.StackSize), tc.Priority, tc.Name, tc.Args...)
		if err != nil {
			return report, errors.Wrapf(err, "create thread %q", tc.Name)
		}
		if err := sched.Ready(tid, false); err != nil {
			return report, errors.Wrapf(err, "ready thread %q", tc.Name)
		}
		report.Spawned++
	}

	if err := idle(); err != nil {
		return report, err
	}
	return report, nil
}

// idle runs the null thread loop, turning a CPU halt into ErrMachineHalted.
func idle() (err error) {
	defer func() {
		if r := recover(); r != nil {
			if r != cpu.ErrHalted {
				panic(r)
			}
			err = ErrMachineHalted
		}
	}()

	if kerr := sched.Idle(); kerr != nil {
		err = kerr
	}
	return err
}
