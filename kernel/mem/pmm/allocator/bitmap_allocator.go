// Package allocator implements the kernel's physical frame allocator.
package allocator

import (
	"math/bits"

	"xinuvm/kernel"
	"xinuvm/kernel/cpu"
	"xinuvm/kernel/kfmt"
	"xinuvm/kernel/mem"
	"xinuvm/kernel/mem/pmm"
)

var (
	// FrameAllocator is a BitmapAllocator instance that serves as the
	// primary allocator for reserving pages.
	FrameAllocator BitmapAllocator

	// ErrOutOfFrames is returned when every frame tracked by the allocator
	// is reserved.
	ErrOutOfFrames = &kernel.Error{Module: "bitmap_alloc", Message: "out of physical frames"}

	// ErrFrameOutOfRange is returned when freeing a frame that the
	// allocator does not manage.
	ErrFrameOutOfRange = &kernel.Error{Module: "bitmap_alloc", Message: "frame not managed by the allocator"}

	// ErrDoubleFree is returned when freeing a frame that is not reserved.
	ErrDoubleFree = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free"}

	log = kfmt.Logger("bitmap_alloc")
)

const bitsPerWord = 32

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

// BitmapAllocator implements a first-fit physical frame allocator that tracks
// a contiguous pool of frames using a bitmap. Bit j of word i describes the
// frame at baseAddr + (i*32+j)*PageSize; a set bit means the frame is
// reserved.
type BitmapAllocator struct {
	// baseAddr is the physical address of the first frame in the pool.
	baseAddr uintptr

	// totalFrames tracks the number of frames in the pool.
	totalFrames uint32

	// reservedFrames tracks the number of reserved frames in the pool.
	reservedFrames uint32

	freeBitmap []uint32
}

// Init resets the allocator so that it manages the frames in
// [regionStart, regionEnd). The pool size is rounded down to a multiple of 32
// frames. All frames start out free.
func (alloc *BitmapAllocator) Init(regionStart, regionEnd uintptr) {
	var entries uintptr
	if regionEnd > regionStart {
		entries = ((regionEnd - regionStart) >> mem.PageShift) / bitsPerWord
	}

	alloc.baseAddr = regionStart
	alloc.freeBitmap = make([]uint32, entries)
	alloc.totalFrames = uint32(entries * bitsPerWord)
	alloc.reservedFrames = 0
}

// AllocFrame reserves the lowest-addressed free frame. Successive calls with
// no intervening FreeFrame return strictly increasing addresses.
func (alloc *BitmapAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	defer cpu.RestoreInterrupts(cpu.DisableInterrupts())

	for blockIndex, block := range alloc.freeBitmap {
		if block == ^uint32(0) {
			continue
		}

		bit := bits.TrailingZeros32(^block)
		frameIndex := uint32(blockIndex*bitsPerWord + bit)
		alloc.markFrame(frameIndex, markReserved)

		return pmm.FrameFromAddress(alloc.frameAddress(frameIndex)), nil
	}

	log.WithField("reserved", alloc.reservedFrames).Warn("frame pool exhausted")
	return pmm.InvalidFrame, ErrOutOfFrames
}

// FreeFrame releases a frame previously obtained from AllocFrame. Frames
// outside the pool and frames that are already free are rejected and the
// bitmap is left untouched.
func (alloc *BitmapAllocator) FreeFrame(frame pmm.Frame) *kernel.Error {
	defer cpu.RestoreInterrupts(cpu.DisableInterrupts())

	addr := frame.Address()
	if !frame.Valid() || addr < alloc.baseAddr || addr >= alloc.frameAddress(alloc.totalFrames) {
		log.WithField("addr", addr).Error("free of unmanaged frame")
		return ErrFrameOutOfRange
	}

	frameIndex := uint32((addr - alloc.baseAddr) >> mem.PageShift)
	if !alloc.isReserved(frameIndex) {
		log.WithField("addr", addr).Error("double free")
		return ErrDoubleFree
	}

	alloc.markFrame(frameIndex, markFree)
	return nil
}

// TotalFrames returns the number of frames managed by the allocator.
func (alloc *BitmapAllocator) TotalFrames() uint32 { return alloc.totalFrames }

// ReservedFrames returns the number of frames currently reserved.
func (alloc *BitmapAllocator) ReservedFrames() uint32 { return alloc.reservedFrames }

// FreeFrames returns the number of frames available for allocation.
func (alloc *BitmapAllocator) FreeFrames() uint32 { return alloc.totalFrames - alloc.reservedFrames }

// BaseAddress returns the physical address of the first managed frame.
func (alloc *BitmapAllocator) BaseAddress() uintptr { return alloc.baseAddr }

func (alloc *BitmapAllocator) frameAddress(frameIndex uint32) uintptr {
	return alloc.baseAddr + uintptr(frameIndex)<<mem.PageShift
}

func (alloc *BitmapAllocator) isReserved(frameIndex uint32) bool {
	return alloc.freeBitmap[frameIndex/bitsPerWord]&(1<<(frameIndex%bitsPerWord)) != 0
}

// markFrame updates the reservation bit for a frame and keeps the reserved
// counter in sync. Marking a frame with its current state is a no-op.
func (alloc *BitmapAllocator) markFrame(frameIndex uint32, flag markAs) {
	if frameIndex >= alloc.totalFrames || alloc.isReserved(frameIndex) == (flag == markReserved) {
		return
	}

	block, mask := frameIndex/bitsPerWord, uint32(1)<<(frameIndex%bitsPerWord)
	switch flag {
	case markFree:
		alloc.freeBitmap[block] &^= mask
		alloc.reservedFrames--
	case markReserved:
		alloc.freeBitmap[block] |= mask
		alloc.reservedFrames++
	}
}

// printStats outputs the allocator's frame accounting to the console.
func (alloc *BitmapAllocator) printStats() {
	kfmt.Printf(
		"[bitmap_alloc] frame stats: free: %d/%d (%d reserved) base: 0x%08x\n",
		alloc.FreeFrames(), alloc.totalFrames, alloc.reservedFrames, alloc.baseAddr,
	)
}

func allocFrame() (pmm.Frame, *kernel.Error) {
	return FrameAllocator.AllocFrame()
}

func freeFrame(frame pmm.Frame) *kernel.Error {
	return FrameAllocator.FreeFrame(frame)
}

// Init sets up the kernel physical memory allocation sub-system so that it
// manages the frames in [regionStart, regionEnd) and registers the allocator
// with the pmm hooks.
func Init(regionStart, regionEnd uintptr) {
	FrameAllocator.Init(regionStart, regionEnd)
	pmm.SetFrameAllocator(allocFrame)
	pmm.SetFrameReleaser(freeFrame)

	FrameAllocator.printStats()
}
