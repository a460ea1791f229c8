package heap

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"xinuvm/kernel"
	"xinuvm/kernel/cpu"
	"xinuvm/kernel/mem"
	"xinuvm/kernel/mem/pmm/allocator"
	"xinuvm/kernel/mem/vmm"
)

func bootSpace(t *testing.T) *vmm.AddressSpace {
	t.Helper()

	cpu.Reset()
	allocator.Init(mem.UserSpaceBase, mem.UserSpaceBase+256*uintptr(mem.PageSize))
	if err := vmm.Init(); err != nil {
		t.Fatal(err)
	}

	as, err := vmm.BootstrapAddressSpace(mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	return as
}

func expectBlocks(t *testing.T, as *vmm.AddressSpace, exp []Block) {
	t.Helper()

	got, err := Blocks(as)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("unexpected free list (-want +got):\n%s", diff)
	}

	var total mem.Size
	for _, b := range got {
		total += b.Length
	}
	if total != as.FreeList.Length {
		t.Fatalf("expected FreeList.Length %d to match the sum of free blocks %d", as.FreeList.Length, total)
	}
}

func TestGetAndFree(t *testing.T) {
	defer cpu.Reset()
	as := bootSpace(t)
	heapSize := as.FreeList.Length

	first, err := Get(as, 10)
	if err != nil {
		t.Fatal(err)
	}
	if first != mem.UserSpaceBase {
		t.Fatalf("expected the first block at 0x%x; got 0x%x", mem.UserSpaceBase, first)
	}
	expectBlocks(t, as, []Block{{mem.UserSpaceBase + 16, heapSize - 16}})

	second, err := Get(as, 3*mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if second != first+16 {
		t.Fatalf("expected the second block at 0x%x; got 0x%x", first+16, second)
	}

	// Every page spanned by the block and the leftover header is mapped.
	for addr := second; addr < second+uintptr(3*mem.PageSize)+8; addr += uintptr(mem.PageSize) {
		if _, err := vmm.Translate(addr); err != nil {
			t.Fatalf("expected 0x%x to be mapped; got %v", addr, err)
		}
	}
	cpu.WriteDword(second+uintptr(3*mem.PageSize)-4, 1)

	if err := Free(as, first, 10); err != nil {
		t.Fatal(err)
	}
	expectBlocks(t, as, []Block{
		{first, 16},
		{second + uintptr(3*mem.PageSize), heapSize - 16 - 3*mem.PageSize},
	})

	t.Run("exact fit", func(t *testing.T) {
		addr, err := Get(as, 16)
		if err != nil {
			t.Fatal(err)
		}
		if addr != first {
			t.Fatalf("expected exact fit to reuse 0x%x; got 0x%x", first, addr)
		}
		expectBlocks(t, as, []Block{{second + uintptr(3*mem.PageSize), heapSize - 16 - 3*mem.PageSize}})

		if err := Free(as, addr, 16); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("coalesce with both neighbours", func(t *testing.T) {
		if err := Free(as, second, 3*mem.PageSize); err != nil {
			t.Fatal(err)
		}
		expectBlocks(t, as, []Block{{mem.UserSpaceBase, heapSize}})
	})
}

func TestGetErrors(t *testing.T) {
	defer cpu.Reset()
	as := bootSpace(t)

	if _, err := Get(as, 0); err != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest; got %v", err)
	}

	if _, err := Get(as, as.FreeList.Length+1); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	t.Run("mapping failure leaves the free list intact", func(t *testing.T) {
		defer func() { mapRegionFn = vmm.MapRegion }()
		expErr := &kernel.Error{Module: "test", Message: "map failed"}
		mapRegionFn = func(_, _ uintptr) *kernel.Error { return expErr }

		before, _ := Blocks(as)
		if _, err := Get(as, 64); err != expErr {
			t.Fatalf("expected %v; got %v", expErr, err)
		}
		expectBlocks(t, as, before)
	})

	t.Run("inactive space", func(t *testing.T) {
		other, err := vmm.CreateAddressSpace(mem.PageSize, nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := Get(other, 8); err != ErrSpaceNotActive {
			t.Fatalf("expected ErrSpaceNotActive; got %v", err)
		}
		if err := Free(other, mem.UserSpaceBase, 8); err != ErrSpaceNotActive {
			t.Fatalf("expected ErrSpaceNotActive; got %v", err)
		}
		if _, err := Blocks(other); err != ErrSpaceNotActive {
			t.Fatalf("expected ErrSpaceNotActive; got %v", err)
		}
	})
}

func TestFreeErrors(t *testing.T) {
	defer cpu.Reset()
	as := bootSpace(t)

	addr, err := Get(as, 64)
	if err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		descr  string
		addr   uintptr
		nbytes mem.Size
		expErr *kernel.Error
	}{
		{"zero size", addr, 0, ErrInvalidFreeRequest},
		{"below heap", mem.UserSpaceBase - 8, 8, ErrInvalidFreeRequest},
		{"past heap end", as.HeapEnd - 8, 16, ErrInvalidFreeRequest},
		{"misaligned", addr + 4, 8, ErrInvalidFreeRequest},
		{"overlaps next free block", addr + 32, 64, ErrRegionOverlap},
		{"already free", addr + 64, 8, ErrRegionOverlap},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			before, _ := Blocks(as)
			if err := Free(as, spec.addr, spec.nbytes); err != spec.expErr {
				t.Fatalf("expected %v; got %v", spec.expErr, err)
			}
			expectBlocks(t, as, before)
		})
	}

	if err := Free(as, addr, 64); err != nil {
		t.Fatal(err)
	}
	if err := Free(as, addr, 64); err != ErrRegionOverlap {
		t.Fatalf("expected double free to return ErrRegionOverlap; got %v", err)
	}
}

func TestRoundMB(t *testing.T) {
	specs := []struct {
		in, exp mem.Size
	}{
		{1, 8},
		{8, 8},
		{9, 16},
		{4095, 4096},
	}

	for specIndex, spec := range specs {
		if got := roundMB(spec.in); got != spec.exp {
			t.Errorf("[spec %d] expected roundMB(%d) = %d; got %d", specIndex, spec.in, spec.exp, got)
		}
	}
}
