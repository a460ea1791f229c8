package mem

import "fmt"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint32 {
	pageSizeMinus1 := PageSize - 1
	return uint32((s+pageSizeMinus1)&^pageSizeMinus1) >> PageShift
}

// RoundUpToPage returns s rounded up to a multiple of PageSize.
func (s Size) RoundUpToPage() Size {
	return (s + PageSize - 1) &^ (PageSize - 1)
}

// String returns a human readable representation of the size using the
// largest unit that divides it exactly.
func (s Size) String() string {
	switch {
	case s != 0 && s%Gb == 0:
		return fmt.Sprintf("%dG", s/Gb)
	case s != 0 && s%Mb == 0:
		return fmt.Sprintf("%dM", s/Mb)
	case s != 0 && s%Kb == 0:
		return fmt.Sprintf("%dK", s/Kb)
	default:
		return fmt.Sprintf("%dB", uint64(s))
	}
}
