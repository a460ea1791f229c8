package sched

import (
	"xinuvm/kernel"
	"xinuvm/kernel/mem"
	"xinuvm/kernel/mem/vmm"
)

const (
	wordSize = uintptr(mem.PointerSize)

	// entryBase is the kernel text address of the first thread entry
	// point. Each thread slot gets its own entry address so that a context
	// record can be matched to the procedure it starts.
	entryBase = uint32(0x00100000)

	// initRetAddr is the return address planted below the arguments of a
	// new thread. Returning to it terminates the thread.
	initRetAddr = uint32(0x000ffff0)

	// flagIF is the interrupt enable bit of EFLAGS.
	flagIF = uint32(1 << 9)

	// pushalWords is the number of registers saved by pushal.
	pushalWords = 8

	// frameWords is the size of the context record excluding arguments:
	// pushal, flags, frame pointer, entry and return addresses.
	frameWords = pushalWords + 4
)

// ErrStackOverflow is returned by Create when the thread arguments and the
// initial context record do not fit in the requested stack.
var ErrStackOverflow = &kernel.Error{Module: "sched", Message: "arguments do not fit in thread stack"}

func entryAddr(tid TID) uint32 {
	return entryBase + uint32(tid)*uint32(wordSize)
}

// setupStack writes the initial context record of a new thread at the top of
// its stack through the construction session s and returns the initial stack
// pointer. The record is laid out the way ctxsw expects to pop it:
//
//	args[n-1] .. args[0]            <- as.StackBase
//	initRetAddr
//	entry
//	saved frame pointer
//	flags
//	eax ecx edx ebx esp ebp esi edi  <- returned stack pointer
func setupStack(s *vmm.Session, as *vmm.AddressSpace, entry uint32, args []uint32) (uintptr, *kernel.Error) {
	if uintptr(len(args)+frameWords)*wordSize > uintptr(as.StackSize) {
		return 0, ErrStackOverflow
	}

	sp := as.StackBase
	savsp := sp

	sp -= uintptr(len(args)) * wordSize
	for i, arg := range args {
		if err := s.WriteDword(sp+uintptr(i)*wordSize, arg); err != nil {
			return 0, err
		}
	}

	push := func(words ...uint32) *kernel.Error {
		for _, word := range words {
			sp -= wordSize
			if err := s.WriteDword(sp, word); err != nil {
				return err
			}
		}
		return nil
	}

	if err := push(initRetAddr, entry, uint32(savsp)); err != nil {
		return 0, err
	}
	savsp = sp

	// flags, then pushal: eax ecx edx ebx esp ebp esi edi.
	if err := push(flagIF, 0, 0, 0, 0, 0, uint32(savsp), 0, 0); err != nil {
		return 0, err
	}

	return sp, nil
}
