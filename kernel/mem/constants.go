package mem

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// PointerShift is equal to log2(PointerSize).
	PointerShift = 2

	// PointerSize is the size of a machine word and of a paging structure
	// entry.
	PointerSize = Size(1 << PointerShift)

	// EntriesPerTable is the number of entries in a page directory or a page
	// table.
	EntriesPerTable = int(PageSize >> PointerShift)
)

// Virtual address space layout. Every address space maps the kernel region
// [KernelSpaceBase, UserSpaceBase) through the shared kernel identity table
// while [UserSpaceBase, UserSpaceEnd) is private to each address space. The
// last 4M of the address space are occupied by the recursive mapping.
const (
	KernelSpaceBase = uintptr(0)
	UserSpaceBase   = uintptr(0x00400000)
	UserSpaceEnd    = uintptr(0xffc00000)
)

// TruncateToFrame rounds addr down to the start of the frame that contains it.
func TruncateToFrame(addr uintptr) uintptr {
	return addr &^ uintptr(PageSize-1)
}

// RoundUpToFrame returns the frame boundary that follows the frame containing
// addr. A frame-aligned address yields the next boundary, not itself, so a
// range [TruncateToFrame(start), RoundUpToFrame(end)) always covers the byte
// at end.
func RoundUpToFrame(addr uintptr) uintptr {
	return TruncateToFrame(addr) + uintptr(PageSize)
}

// IsUserAddress returns true if addr falls inside the per-space user region.
func IsUserAddress(addr uintptr) bool {
	return addr >= UserSpaceBase && addr < UserSpaceEnd
}
