package mem

import "xinuvm/kernel/cpu"

// Memset fills size bytes starting at the virtual address addr with copies of
// the 32-bit pattern value. Both addr and size must be multiples of
// PointerSize. The region must be mapped writable in the active address
// space or, before paging is enabled, refer to physical memory.
func Memset(addr uintptr, value uint32, size Size) {
	for end := addr + uintptr(size); addr < end; addr += uintptr(PointerSize) {
		cpu.WriteDword(addr, value)
	}
}
