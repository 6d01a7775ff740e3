// Package pmm implements the physical memory manager. Physical memory is a
// single contiguous arena carved into fixed-size frames; the arena bytes back
// everything the kernel addresses through the page-map layer, including the
// translation tables themselves. Frames are organized into pools by
// address-range class so that callers with addressing constraints (below-16M,
// below-4G) can be satisfied without exhausting constrained ranges for
// callers with none.
package pmm

import (
	"github.com/aejsmith/kiwi-sub009/kernel"
	"github.com/aejsmith/kiwi-sub009/kernel/kfmt"
	"github.com/aejsmith/kiwi-sub009/kernel/mm"
)

var (
	errArenaInitialized = &kernel.Error{Module: "pmm", Message: "physical memory arena is already initialized"}
	errArenaNotReady    = &kernel.Error{Module: "pmm", Message: "physical memory arena is not initialized"}
	errArenaTooSmall    = &kernel.Error{Module: "pmm", Message: "physical memory arena must hold at least two frames"}
	errArenaMapFailed   = &kernel.Error{Module: "pmm", Message: "could not map the physical memory arena"}
	errFrameOutOfRange  = &kernel.Error{Module: "pmm", Message: "frame is outside the physical memory arena"}

	// arena holds the simulated physical memory. Frame f occupies bytes
	// [f*PageSize, (f+1)*PageSize).
	arena []byte

	arenaFrames int
)

// InitArena reserves the backing memory for the simulated physical address
// space and initializes the frame pools over it. The requested size is
// rounded up to a page multiple. Frame 0 is reserved and never handed out so
// a cleared translation entry can never alias a live frame.
func InitArena(size mm.Size) *kernel.Error {
	if arena != nil {
		return errArenaInitialized
	}

	frames := size.Pages()
	if frames < 2 {
		return errArenaTooSmall
	}

	buf, err := mapArena(frames << mm.PageShift)
	if err != nil {
		return err
	}

	arena = buf
	arenaFrames = frames
	initPools(frames)

	kfmt.Printf("[pmm] arena: %d frames (%d KB), frame 0 reserved\n", frames, (frames<<mm.PageShift)>>10)
	return nil
}

// ReleaseArena returns the arena memory to the host and discards all frame
// pool state. Outstanding frame references become invalid.
func ReleaseArena() {
	if arena == nil {
		return
	}

	unmapArena(arena)
	arena = nil
	arenaFrames = 0
	releasePools()
}

// TotalFrames returns the number of frames in the arena, including the
// reserved frame 0.
func TotalFrames() int {
	return arenaFrames
}

// FrameBytes returns the backing bytes of a frame. The returned slice aliases
// the arena; it remains valid until the frame is freed.
func FrameBytes(frame mm.Frame) ([]byte, *kernel.Error) {
	if arena == nil {
		return nil, errArenaNotReady
	}
	if !frame.Valid() || int(frame) >= arenaFrames {
		return nil, errFrameOutOfRange
	}

	start := frame.Address()
	return arena[start : start+mm.PageSize : start+mm.PageSize], nil
}

// zeroFrame clears the backing bytes of a frame.
func zeroFrame(frame mm.Frame) {
	start := frame.Address()
	b := arena[start : start+mm.PageSize]
	for i := range b {
		b[i] = 0
	}
}
