package pmm

import (
	"math/bits"

	"github.com/aejsmith/kiwi-sub009/kernel"
	"github.com/aejsmith/kiwi-sub009/kernel/kfmt"
	"github.com/aejsmith/kiwi-sub009/kernel/ksync"
	"github.com/aejsmith/kiwi-sub009/kernel/mm"
)

// RangeClass restricts a frame allocation to an address range. Callers with
// hardware addressing constraints request a constrained class; everyone else
// uses RangeAny and is satisfied from the least constrained pool available.
type RangeClass uint8

const (
	// RangeBelow16M allocates a frame below the 16MB boundary.
	RangeBelow16M RangeClass = iota

	// RangeBelow4G allocates a frame below the 4GB boundary.
	RangeBelow4G

	// RangeAny allocates a frame anywhere in the arena.
	RangeAny
)

const (
	frames16M = mm.Frame((16 << 20) >> mm.PageShift)
	frames4G  = mm.Frame((4 << 30) >> mm.PageShift)
)

var (
	errFramePoolExhausted = &kernel.Error{Module: "pmm", Message: "out of physical memory in the requested range"}
	errFrameNotAllocated  = &kernel.Error{Module: "pmm", Message: "frame is not allocated"}

	// poolLock guards the pool bitmaps and free counters.
	poolLock  ksync.Spinlock
	pools     []framePool
	freeTotal int
)

// framePool tracks the allocation state of the frames in [startFrame,
// endFrame).
type framePool struct {
	startFrame mm.Frame
	endFrame   mm.Frame
	freeCount  int

	// bitmap holds one bit per frame, LSB first within each 64-bit block; a
	// set bit marks an allocated frame. Padding bits past endFrame stay set
	// so scans never return them.
	bitmap []uint64
}

// initPools carves the arena frame space into range-class pools. Frame 0 is
// left out of every pool.
func initPools(totalFrames int) {
	bounds := [4]mm.Frame{1, frames16M, frames4G, mm.Frame(totalFrames)}

	pools = pools[:0]
	freeTotal = 0
	for i := 0; i < len(bounds)-1; i++ {
		start, end := bounds[i], bounds[i+1]
		if end > mm.Frame(totalFrames) {
			end = mm.Frame(totalFrames)
		}
		if start >= end {
			continue
		}

		pools = append(pools, newFramePool(start, end))
		freeTotal += int(end - start)
	}
}

func releasePools() {
	pools = nil
	freeTotal = 0
}

func newFramePool(start, end mm.Frame) framePool {
	count := int(end - start)
	blocks := (count + 63) >> 6

	p := framePool{
		startFrame: start,
		endFrame:   end,
		freeCount:  count,
		bitmap:     make([]uint64, blocks),
	}

	for idx := count; idx < blocks<<6; idx++ {
		p.bitmap[idx>>6] |= 1 << (uint(idx) & 63)
	}
	return p
}

// allocFrame reserves the lowest free frame in the pool.
func (p *framePool) allocFrame() (mm.Frame, bool) {
	if p.freeCount == 0 {
		return mm.InvalidFrame, false
	}

	for blockIndex, block := range p.bitmap {
		if block == ^uint64(0) {
			continue
		}

		bit := bits.TrailingZeros64(^block)
		p.bitmap[blockIndex] |= 1 << uint(bit)
		p.freeCount--
		return p.startFrame + mm.Frame(blockIndex<<6+bit), true
	}
	return mm.InvalidFrame, false
}

// freeFrame releases a frame back to the pool, returning false when the frame
// was not allocated.
func (p *framePool) freeFrame(frame mm.Frame) bool {
	idx := int(frame - p.startFrame)
	blockIndex, mask := idx>>6, uint64(1)<<(uint(idx)&63)

	if p.bitmap[blockIndex]&mask == 0 {
		return false
	}

	p.bitmap[blockIndex] &^= mask
	p.freeCount++
	return true
}

func classLimit(class RangeClass) mm.Frame {
	switch class {
	case RangeBelow16M:
		return frames16M
	case RangeBelow4G:
		return frames4G
	default:
		return mm.InvalidFrame
	}
}

// AllocFrame allocates a frame from anywhere in the arena.
func AllocFrame(flags mm.AllocFlag) (mm.Frame, *kernel.Error) {
	return AllocFrameIn(RangeAny, flags)
}

// AllocFrameIn allocates a frame from the given range class. Pools are tried
// from the least constrained eligible one downwards so that constrained
// ranges are preserved for the callers that need them. Exhaustion of every
// eligible pool is fatal unless the caller passes AllocCanFail.
func AllocFrameIn(class RangeClass, flags mm.AllocFlag) (mm.Frame, *kernel.Error) {
	if arena == nil {
		if flags&mm.AllocCanFail == 0 {
			kernel.Panic(errArenaNotReady)
		}
		return mm.InvalidFrame, errArenaNotReady
	}

	limit := classLimit(class)

	poolLock.Acquire()
	for poolIndex := len(pools) - 1; poolIndex >= 0; poolIndex-- {
		p := &pools[poolIndex]
		if p.endFrame > limit {
			continue
		}

		frame, ok := p.allocFrame()
		if !ok {
			continue
		}

		freeTotal--
		poolLock.Release()

		if flags&mm.AllocZero != 0 {
			zeroFrame(frame)
		}
		return frame, nil
	}
	poolLock.Release()

	if flags&mm.AllocCanFail == 0 {
		kernel.Panic(errFramePoolExhausted)
	}
	return mm.InvalidFrame, errFramePoolExhausted
}

// FreeFrame returns a frame to its pool. Freeing a frame that is not
// allocated, the reserved frame 0 or a frame outside the arena indicates a
// double free or corrupted bookkeeping and is fatal.
func FreeFrame(frame mm.Frame) {
	poolLock.Acquire()
	for poolIndex := range pools {
		p := &pools[poolIndex]
		if frame < p.startFrame || frame >= p.endFrame {
			continue
		}

		if !p.freeFrame(frame) {
			poolLock.Release()
			kernel.Panic(errFrameNotAllocated)
		}

		freeTotal++
		poolLock.Release()
		return
	}
	poolLock.Release()

	kernel.Panic(errFrameOutOfRange)
}

// FreeFrames returns the number of frames available for allocation.
func FreeFrames() int {
	poolLock.Acquire()
	defer poolLock.Release()
	return freeTotal
}

// PrintStats writes the arena layout and per-pool usage to the kernel
// formatter.
func PrintStats() {
	poolLock.Acquire()
	defer poolLock.Release()

	kfmt.Printf("[pmm] %d/%d frames free\n", freeTotal, arenaFrames)
	for poolIndex := range pools {
		p := &pools[poolIndex]
		kfmt.Printf("[pmm] pool %d: frames 0x%x - 0x%x (%d free)\n",
			poolIndex, uintptr(p.startFrame), uintptr(p.endFrame-1), p.freeCount)
	}
}
