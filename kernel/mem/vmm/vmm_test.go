package vmm

import (
	"bytes"
	"strings"
	"testing"

	"xinuvm/kernel/cpu"
	"xinuvm/kernel/kfmt"
	"xinuvm/kernel/mem"
	"xinuvm/kernel/mem/pmm"
	"xinuvm/kernel/mem/pmm/allocator"
)

// bootMachine resets the simulated machine, registers a frame allocator that
// manages the given number of frames and enables paging.
func bootMachine(t *testing.T, frames uintptr) {
	t.Helper()

	cpu.Reset()
	allocator.Init(mem.UserSpaceBase, mem.UserSpaceBase+frames*uintptr(mem.PageSize))
	if err := Init(); err != nil {
		t.Fatal(err)
	}
}

// bootWithSpace boots the machine and builds the boot address space.
func bootWithSpace(t *testing.T, frames uintptr) *AddressSpace {
	t.Helper()

	bootMachine(t, frames)
	as, err := BootstrapAddressSpace(mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	return as
}

func shutdownMachine() {
	cpu.Reset()
	activeSession = nil
	kernelPDT, kernelIdentityTable = pmm.InvalidFrame, pmm.InvalidFrame
	pmm.SetFrameAllocator(nil)
	pmm.SetFrameReleaser(nil)
	kfmt.SetOutputSink(nil)
}

// reserveAllBut reserves frames until only n remain free.
func reserveAllBut(t *testing.T, n uint32) {
	t.Helper()
	for allocator.FrameAllocator.FreeFrames() > n {
		if _, err := allocator.FrameAllocator.AllocFrame(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestInit(t *testing.T) {
	defer shutdownMachine()
	bootMachine(t, 64)

	if !cpu.PagingEnabled() {
		t.Fatal("expected Init to enable paging")
	}

	if got := cpu.ActivePDT(); got != KernelPDT().Address() {
		t.Fatalf("expected CR3 to point to the kernel PDT 0x%x; got 0x%x", KernelPDT().Address(), got)
	}

	if exp, got := uint32(2), allocator.FrameAllocator.ReservedFrames(); got != exp {
		t.Fatalf("expected Init to reserve %d frames; got %d", exp, got)
	}

	if !activeSelfMapIntact() {
		t.Fatal("expected the recursive slot to point back to the kernel PDT")
	}

	for _, addr := range []uintptr{0, 0x1234, mem.UserSpaceBase - 4} {
		physAddr, err := Translate(addr)
		if err != nil {
			t.Fatalf("expected kernel address 0x%x to be mapped; got %v", addr, err)
		}
		if physAddr != addr {
			t.Fatalf("expected kernel address 0x%x to be identity mapped; got 0x%x", addr, physAddr)
		}
	}

	if _, err := Translate(mem.UserSpaceBase); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping for an unmapped user address; got %v", err)
	}

	if err := Init(); err != errPagingAlreadyEnabled {
		t.Fatalf("expected errPagingAlreadyEnabled; got %v", err)
	}
}

func TestInitErrors(t *testing.T) {
	defer shutdownMachine()

	specs := []struct {
		freeFrames  uint32
		expReserved uint32
	}{
		{0, 32},
		{1, 31},
	}

	for specIndex, spec := range specs {
		cpu.Reset()
		allocator.Init(mem.UserSpaceBase, mem.UserSpaceBase+32*uintptr(mem.PageSize))
		reserveAllBut(t, spec.freeFrames)

		if err := Init(); err != allocator.ErrOutOfFrames {
			t.Errorf("[spec %d] expected ErrOutOfFrames; got %v", specIndex, err)
		}
		if got := allocator.FrameAllocator.ReservedFrames(); got != spec.expReserved {
			t.Errorf("[spec %d] expected %d reserved frames after failure; got %d", specIndex, spec.expReserved, got)
		}
		if cpu.PagingEnabled() {
			t.Errorf("[spec %d] expected paging to remain disabled", specIndex)
		}
	}
}

func TestHandlePageFault(t *testing.T) {
	defer shutdownMachine()
	bootWithSpace(t, 64)

	specs := []struct {
		descr     string
		addr      uintptr
		write     bool
		expReason string
	}{
		{"missing table", 0x10000000, false, "page table not present"},
		{"missing page read", mem.UserSpaceBase + 0x10000, false, "read from non-present page"},
		{"missing page write", mem.UserSpaceBase + 0x10000, true, "write to non-present page"},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			var buf bytes.Buffer
			kfmt.SetOutputSink(&buf)

			fault := captureFault(func() {
				if spec.write {
					cpu.WriteDword(spec.addr, 1)
				} else {
					cpu.ReadDword(spec.addr)
				}
			})
			if fault == nil {
				t.Fatal("expected access to fault")
			}

			defer func() {
				if err := recover(); err != cpu.ErrHalted {
					t.Fatalf("expected HandlePageFault to halt the cpu; got %v", err)
				}

				out := buf.String()
				for _, exp := range []string{"Page fault while accessing address", spec.expReason, "[vmm] unrecoverable error: page fault"} {
					if !strings.Contains(out, exp) {
						t.Errorf("expected output to contain %q; got:\n%s", exp, out)
					}
				}
			}()

			HandlePageFault(fault)
		})
	}
}

func captureFault(fn func()) (fault *cpu.PageFault) {
	defer func() {
		fault, _ = recover().(*cpu.PageFault)
	}()
	fn()
	return nil
}
