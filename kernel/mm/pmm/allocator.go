package pmm

import (
	"math"

	"github.com/keitagame/romanticos/kernel"
	"github.com/keitagame/romanticos/kernel/kfmt"
	"github.com/keitagame/romanticos/kernel/mm"
)

var (
	// ErrOutOfMemory is returned by AllocFrame when all frames in all
	// pools have been reserved.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	errDoubleFree      = &kernel.Error{Module: "pmm", Message: "frame is already free"}
	errFrameNotManaged = &kernel.Error{Module: "pmm", Message: "frame not managed by this allocator"}
)

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool. Bits are set MSB
	// first: bit 63 of block 0 corresponds to startFrame.
	freeBitmap []uint64
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps. Allocations
// always return the lowest numbered free frame which keeps allocation
// patterns reproducible.
type BitmapAllocator struct {
	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools []framePool
}

// NewBitmapAllocator constructs an allocator managing totalFrames physical
// frames. Any supplied ranges are marked as reserved before the allocator is
// returned; these cover regions the kernel may never hand out, like the
// loaded kernel image. Ranges may overlap, as memory maps handed over by
// bootloaders often do; each frame is accounted as reserved once.
func NewBitmapAllocator(totalFrames mm.Frame, reserved ...mm.FrameRange) *BitmapAllocator {
	if totalFrames == 0 {
		kfmt.Panic(&kernel.Error{Module: "pmm", Message: "allocator requires at least one frame"})
	}

	alloc := &BitmapAllocator{
		totalPages: uint32(totalFrames),
		pools: []framePool{
			{
				startFrame: 0,
				endFrame:   totalFrames - 1,
				freeCount:  uint32(totalFrames),
				freeBitmap: make([]uint64, (totalFrames+63)>>6),
			},
		},
	}

	for _, r := range reserved {
		for frame := r.StartFrame; frame <= r.EndFrame; frame++ {
			poolIndex := alloc.poolForFrame(frame)
			if poolIndex < 0 {
				kfmt.Panic(errFrameNotManaged)
			}
			if alloc.FrameAllocated(frame) {
				continue
			}
			alloc.markFrame(poolIndex, frame, markReserved)
			alloc.pools[poolIndex].freeCount--
			alloc.reservedPages++
		}
	}

	return alloc
}

// markFrame updates the bitmap entry for frame in the selected pool. Frames
// outside the pool limits and negative pool indices are ignored.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, flag markAs) {
	if poolIndex < 0 || frame > alloc.pools[poolIndex].endFrame || frame < alloc.pools[poolIndex].startFrame {
		return
	}

	// The bitmap uses MSB to track the first frame in the block
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	switch flag {
	case markFree:
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
	case markReserved:
		alloc.pools[poolIndex].freeBitmap[block] |= mask
	}
}

// poolForFrame returns the index of the pool that frame belongs to or -1 if
// it is not managed by this allocator.
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}

// AllocFrame reserves and returns the lowest numbered free physical frame.
// When no more frames can be reserved it returns ErrOutOfMemory.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for poolIndex := 0; poolIndex < len(alloc.pools); poolIndex++ {
		if alloc.pools[poolIndex].freeCount == 0 {
			continue
		}

		fullBlock := uint64(math.MaxUint64)
		for blockIndex, block := range alloc.pools[poolIndex].freeBitmap {
			if block == fullBlock {
				continue
			}

			// Scan the block MSB first so allocations hand out
			// ascending frame numbers
			for bitIndex := uint32(0); bitIndex < 64; bitIndex++ {
				mask := uint64(1 << (63 - bitIndex))
				if block&mask != 0 {
					continue
				}

				alloc.pools[poolIndex].freeCount--
				alloc.pools[poolIndex].freeBitmap[blockIndex] |= mask
				alloc.reservedPages++
				return alloc.pools[poolIndex].startFrame + mm.Frame(uint32(blockIndex)<<6+bitIndex), nil
			}
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame returns ownership of a frame back to the allocator. Freeing a
// frame that is not currently reserved or that is not managed by this
// allocator is an invariant violation and panics.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		kfmt.Panic(errFrameNotManaged)
	}

	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))

	if alloc.pools[poolIndex].freeBitmap[block]&mask == 0 {
		kfmt.Panic(errDoubleFree)
	}

	alloc.pools[poolIndex].freeBitmap[block] &^= mask
	alloc.pools[poolIndex].freeCount++
	alloc.reservedPages--
}

// FrameAllocated returns true if frame is currently reserved. Frames outside
// the managed pools report as not allocated.
func (alloc *BitmapAllocator) FrameAllocated(frame mm.Frame) bool {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return false
	}

	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	return alloc.pools[poolIndex].freeBitmap[block]&mask != 0
}

// Stats returns the total and reserved frame counts across all pools.
func (alloc *BitmapAllocator) Stats() (total, reserved uint32) {
	return alloc.totalPages, alloc.reservedPages
}

// PrintStats writes a memory usage summary to the kernel log.
func (alloc *BitmapAllocator) PrintStats() {
	kfmt.Printf("[pmm] frames: %d/%d reserved (%d KB free)\n",
		alloc.reservedPages,
		alloc.totalPages,
		uint64(alloc.totalPages-alloc.reservedPages)*uint64(mm.PageSize)/1024,
	)
}
