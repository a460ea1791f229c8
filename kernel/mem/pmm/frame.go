// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"xinuvm/kernel"
	"xinuvm/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = ^Frame(0)
)

var (
	errNoAllocator = &kernel.Error{Module: "pmm", Message: "no frame allocator registered"}

	// frameAllocator and frameReleaser point to the functions registered
	// via SetFrameAllocator and SetFrameReleaser.
	frameAllocator FrameAllocatorFn
	frameReleaser  FrameReleaserFn
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical address.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr &^ uintptr(mem.PageSize-1)) >> mem.PageShift)
}

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameReleaserFn is a function that returns a physical frame to its pool.
type FrameReleaserFn func(Frame) *kernel.Error

// SetFrameAllocator registers the function used by the vmm code when new
// physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// SetFrameReleaser registers the function used by the vmm code when physical
// frames are released.
func SetFrameReleaser(freeFn FrameReleaserFn) { frameReleaser = freeFn }

// AllocFrame allocates a new physical frame using the currently registered
// frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoAllocator
	}
	return frameAllocator()
}

// FreeFrame releases a physical frame using the currently registered frame
// releaser.
func FreeFrame(f Frame) *kernel.Error {
	if frameReleaser == nil {
		return errNoAllocator
	}
	return frameReleaser(f)
}
