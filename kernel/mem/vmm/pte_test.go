package vmm

import (
	"testing"

	"xinuvm/kernel/mem/pmm"
)

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   pageTableEntry
		flag1 = PageTableEntryFlag(1 << 10)
		flag2 = PageTableEntryFlag(1 << 11)
	)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	pte.SetFlags(flag1 | flag2)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}

	pte.ClearFlags(flag1)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.ClearFlags(flag1 | flag2)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}
}

func TestPageTableEntryFrameEncoding(t *testing.T) {
	var (
		pte       pageTableEntry
		physFrame = pmm.Frame(123)
	)

	pte.SetFlags(FlagRW)
	pte.SetFrame(physFrame)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", physFrame, got)
	}

	if !pte.HasFlags(FlagRW) {
		t.Fatal("expected SetFrame to preserve the entry flags")
	}

	if exp, got := pageTableEntry(123<<12|3), mappedEntry(physFrame); got != exp {
		t.Fatalf("expected mappedEntry to return 0x%x; got 0x%x", exp, got)
	}

	if clearedEntry != 2 {
		t.Fatalf("expected cleared entries to be encoded as 2; got %d", clearedEntry)
	}
}

func TestPageMethods(t *testing.T) {
	specs := []struct {
		addr          uintptr
		expDirIndex   int
		expTableIndex int
	}{
		{0, 0, 0},
		{0x00400000, 1, 0},
		{0x00403fff, 1, 3},
		{0xffbff000, 1022, 1023},
		{0xfffff000, 1023, 1023},
	}

	for specIndex, spec := range specs {
		page := PageFromAddress(spec.addr)
		if got := page.dirIndex(); got != spec.expDirIndex {
			t.Errorf("[spec %d] expected dir index %d; got %d", specIndex, spec.expDirIndex, got)
		}
		if got := page.tableIndex(); got != spec.expTableIndex {
			t.Errorf("[spec %d] expected table index %d; got %d", specIndex, spec.expTableIndex, got)
		}
		if got := page.Address(); got != spec.addr&^0xfff {
			t.Errorf("[spec %d] expected page address 0x%x; got 0x%x", specIndex, spec.addr&^0xfff, got)
		}
	}
}
