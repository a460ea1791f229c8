// Package cpu models the single 32-bit paged processor that the kernel runs
// on. The model covers exactly the machine state the memory-management core
// depends on: the interrupt flag, the callee-saved register file, the paging
// control registers (CR0.PG, CR2, CR3), the TLB and physical memory.
package cpu

import "github.com/pkg/errors"

// ErrHalted is the panic value raised by Halt. Code running on the host can
// recover it to detect that the machine stopped.
var ErrHalted = errors.New("cpu: system halted")

// IRQMask records the interrupt flag as it was before a call to
// DisableInterrupts so it can later be handed to RestoreInterrupts.
type IRQMask bool

// Registers holds the callee-saved register file together with the stack
// pointer. These are the only registers preserved across a context switch.
type Registers struct {
	EBX uint32
	ESI uint32
	EDI uint32
	EBP uint32
	ESP uint32
}

type machineState struct {
	interruptsEnabled bool
	halted            bool
	regs              Registers

	pagingEnabled bool
	cr2           uintptr
	cr3           uint32
	tlb           map[uint32]tlbEntry
	phys          map[uint32]*[pageSize]byte
}

var machine = newMachineState()

func newMachineState() *machineState {
	return &machineState{
		tlb:  make(map[uint32]tlbEntry),
		phys: make(map[uint32]*[pageSize]byte),
	}
}

// Reset returns the machine to its power-on state: interrupts disabled,
// paging disabled, empty TLB and zero-filled physical memory.
func Reset() {
	machine = newMachineState()
}

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() {
	machine.interruptsEnabled = true
}

// DisableInterrupts disables interrupt handling and returns the previous state
// of the interrupt flag.
func DisableInterrupts() IRQMask {
	prev := machine.interruptsEnabled
	machine.interruptsEnabled = false
	return IRQMask(prev)
}

// RestoreInterrupts sets the interrupt flag to the value captured by a
// previous call to DisableInterrupts.
func RestoreInterrupts(mask IRQMask) {
	machine.interruptsEnabled = bool(mask)
}

// InterruptsEnabled returns true if the interrupt flag is set.
func InterruptsEnabled() bool {
	return machine.interruptsEnabled
}

// Halt stops instruction execution. Calls to Halt never return.
func Halt() {
	machine.halted = true
	machine.interruptsEnabled = false
	panic(ErrHalted)
}

// Halted returns true if Halt has been invoked since the last Reset.
func Halted() bool {
	return machine.halted
}

// ReadRegisters returns a copy of the current register file.
func ReadRegisters() Registers {
	return machine.regs
}

// WriteRegisters loads the register file.
func WriteRegisters(regs Registers) {
	machine.regs = regs
}
