package main

import (
	"context"
	"flag"
	"os"
	"strconv"

	"github.com/google/subcommands"

	"xinuvm/kernel/kmain"
	"xinuvm/kernel/mem"
)

// MemTest implements subcommands.Command for the "memtest" command.
type MemTest struct {
	memory    uint64
	stackSize uint64
}

// Name implements subcommands.Command.Name.
func (*MemTest) Name() string {
	return "memtest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MemTest) Synopsis() string {
	return "allocate and release heap blocks from a single thread"
}

// Usage implements subcommands.Command.Usage.
func (*MemTest) Usage() string {
	return `memtest [flags] [size...] - allocate and release 2K, 6K and every extra
size (in bytes) from the heap of a freshly created thread.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *MemTest) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&m.memory, "memory", uint64(16*mem.Mb), "size of the physical frame pool in bytes")
	f.Uint64Var(&m.stackSize, "stack", uint64(2*mem.PageSize), "stack size of the test thread in bytes")
}

// Execute implements subcommands.Command.Execute.
func (m *MemTest) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	var sizes []uint32
	for _, arg := range f.Args() {
		size, err := strconv.ParseUint(arg, 0, 32)
		if err != nil || size == 0 {
			return fatalf("invalid block size %q", arg)
		}
		sizes = append(sizes, uint32(size))
	}

	cfg := kmain.Default()
	cfg.PhysicalMemory = m.memory
	cfg.Threads = []kmain.ThreadConfig{
		{Name: "memtest", Proc: "memtest", Priority: 20, StackSize: m.stackSize, Args: sizes},
	}
	if err := cfg.Validate(); err != nil {
		return fatalf("%v", err)
	}

	report, err := kmain.Run(cfg, os.Stdout)
	if report != nil {
		report.Print(os.Stdout)
	}
	if err != nil {
		return fatalf("memtest failed: %v", err)
	}
	return subcommands.ExitSuccess
}
