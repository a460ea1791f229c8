package cpu

import "testing"

func TestInterruptFlag(t *testing.T) {
	Reset()
	defer Reset()

	if InterruptsEnabled() {
		t.Fatal("expected interrupts to be disabled at power-on")
	}

	EnableInterrupts()
	mask := DisableInterrupts()
	if mask != IRQMask(true) {
		t.Fatal("expected DisableInterrupts to report that interrupts were enabled")
	}

	// Nested disable must not lose the outer state.
	inner := DisableInterrupts()
	if inner != IRQMask(false) {
		t.Fatal("expected nested DisableInterrupts to report disabled interrupts")
	}
	RestoreInterrupts(inner)
	if InterruptsEnabled() {
		t.Fatal("expected interrupts to stay disabled after restoring the inner mask")
	}

	RestoreInterrupts(mask)
	if !InterruptsEnabled() {
		t.Fatal("expected interrupts to be enabled after restoring the outer mask")
	}
}

func TestHalt(t *testing.T) {
	Reset()
	defer Reset()

	EnableInterrupts()
	defer func() {
		if err := recover(); err != ErrHalted {
			t.Fatalf("expected Halt to panic with ErrHalted; got %v", err)
		}
		if !Halted() {
			t.Fatal("expected Halted() to return true")
		}
		if InterruptsEnabled() {
			t.Fatal("expected Halt to disable interrupts")
		}
	}()

	Halt()
}

func TestRegisters(t *testing.T) {
	Reset()
	defer Reset()

	regs := Registers{EBX: 1, ESI: 2, EDI: 3, EBP: 4, ESP: 0xffbffffc}
	WriteRegisters(regs)
	if got := ReadRegisters(); got != regs {
		t.Fatalf("expected %+v; got %+v", regs, got)
	}

	Reset()
	if got := ReadRegisters(); got != (Registers{}) {
		t.Fatalf("expected Reset to clear the register file; got %+v", got)
	}
}
