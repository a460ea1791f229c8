package mem

import (
	"testing"

	"xinuvm/kernel/cpu"
)

func TestMemset(t *testing.T) {
	cpu.Reset()
	defer cpu.Reset()

	// memset with a 0 size should be a no-op
	Memset(0x1000, 0xfe, 0)
	if got := cpu.ReadPhysDword(0x1000); got != 0 {
		t.Fatalf("expected zero-sized Memset to be a no-op; got 0x%x", got)
	}

	for pageCount := uintptr(1); pageCount <= 4; pageCount++ {
		addr := pageCount * 0x10000
		Memset(addr, 0x2, PageSize*Size(pageCount))

		for off := uintptr(0); off < pageCount*uintptr(PageSize); off += uintptr(PointerSize) {
			if got := cpu.ReadPhysDword(addr + off); got != 0x2 {
				t.Fatalf("[block with %d pages] expected dword at offset %d to be 0x2; got 0x%x", pageCount, off, got)
			}
		}

		if got := cpu.ReadPhysDword(addr + pageCount*uintptr(PageSize)); got != 0 {
			t.Fatalf("[block with %d pages] expected Memset not to write past the region", pageCount)
		}
	}
}
