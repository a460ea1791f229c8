package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"xinuvm/kernel/kmain"
	"xinuvm/kernel/mem"
	"xinuvm/kernel/mem/pmm/allocator"
	"xinuvm/kernel/mem/vmm"
	"xinuvm/kernel/sched"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	configPath string
	stackSize  uint64
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the virtual memory layout and the frame pool geometry"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [-config <file>] [-stack <bytes>] - boot the machine and print
the regions of an address space together with the frame pool geometry.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.configPath, "config", "", "path to a TOML machine configuration")
	f.Uint64Var(&l.stackSize, "stack", uint64(sched.MinStack), "thread stack size used to place the stack and guard page")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := loadConfig(l.configPath, "")
	if err != nil {
		return fatalf("%v", err)
	}

	if err := printLayout(os.Stdout, cfg, mem.Size(l.stackSize)); err != nil {
		return fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func printLayout(w io.Writer, cfg *kmain.Config, stackSize mem.Size) error {
	regions, kerr := vmm.Layout(stackSize)
	if kerr != nil {
		return kerr
	}

	if err := kmain.Boot(cfg); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "REGION\tSTART\tEND\tSIZE\n")
	for _, r := range regions {
		fmt.Fprintf(tw, "%s\t0x%08x\t0x%08x\t%s\n", r.Name, r.Start, r.End, mem.Size(r.End-r.Start+1))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	alloc := &allocator.FrameAllocator
	poolEnd := alloc.BaseAddress() + uintptr(alloc.TotalFrames())*uintptr(mem.PageSize)
	fmt.Fprintf(w, "\nframe pool: 0x%08x-0x%08x (%d frames, %d bitmap words)\n",
		alloc.BaseAddress(), poolEnd-1, alloc.TotalFrames(), alloc.TotalFrames()/32)
	fmt.Fprintf(w, "after boot: %d free, %d reserved\n", alloc.FreeFrames(), alloc.ReservedFrames())
	fmt.Fprintf(w, "kernel page directory: 0x%08x\n", vmm.KernelPDT().Address())
	return nil
}
