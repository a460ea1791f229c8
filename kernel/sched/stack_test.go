package sched

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"xinuvm/kernel"
	"xinuvm/kernel/mem/vmm"
)

func TestSetupStackLayout(t *testing.T) {
	defer shutdownScheduler()
	bootScheduler(t, 4)

	tid := mustCreate(t, noopProc, 2, "frame", 7, 8, 9)
	th, _ := Lookup(tid)
	top := th.Space().StackBase
	sp := th.StackPointer()

	savedFP := uint32(top - 6*wordSize)
	exp := []uint32{
		0, 0, savedFP, 0, 0, 0, 0, 0, // edi esi ebp esp ebx edx ecx eax
		flagIF,
		uint32(top),
		entryAddr(tid),
		initRetAddr,
		7, 8, 9,
	}

	got := make([]uint32, len(exp))
	err := vmm.WithSession(th.Space().PDT(), vmm.SessionConstruct, func(s *vmm.Session) *kernel.Error {
		for i := range got {
			word, err := s.ReadDword(sp + uintptr(i)*wordSize)
			if err != nil {
				return err
			}
			got[i] = word
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("unexpected context record (-want +got):\n%s", diff)
	}

	if exp, got := th.regs.ESP, uint32(sp); got != exp {
		t.Fatalf("expected saved ESP 0x%x; got 0x%x", exp, got)
	}
}

func TestEntryAddr(t *testing.T) {
	if entryAddr(0) == entryAddr(1) {
		t.Fatal("expected every slot to get its own entry address")
	}
	if entryAddr(3)-entryAddr(2) != uint32(wordSize) {
		t.Fatalf("expected entry addresses to be one word apart")
	}
}
