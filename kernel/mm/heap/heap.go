// Package heap implements the kernel heap: a boundary-tag allocator that
// hands out page-multiple virtual ranges from a fixed region of a page map
// and backs them with physical frames on demand.
//
// Free ranges are indexed by power-of-2 size buckets so most requests are
// satisfied without searching; live allocations are tracked in an
// address-keyed hash so a free can validate the exact range being returned.
// Adjacent free ranges coalesce immediately.
package heap

import (
	"github.com/aejsmith/kiwi-sub009/kernel"
	"github.com/aejsmith/kiwi-sub009/kernel/kfmt"
	"github.com/aejsmith/kiwi-sub009/kernel/ksync"
	"github.com/aejsmith/kiwi-sub009/kernel/mm"
	"github.com/aejsmith/kiwi-sub009/kernel/mm/pmm"
	"github.com/aejsmith/kiwi-sub009/kernel/mm/vmm"
)

// freeListCount is the number of power-of-2 size buckets for free ranges,
// one per possible position of a size's highest set bit.
const freeListCount = 64

var (
	// ErrHeapExhausted is returned for AllocCanFail requests when no free
	// range can satisfy the size.
	ErrHeapExhausted = &kernel.Error{Module: "heap", Message: "kernel heap exhausted"}

	errBadRegion          = &kernel.Error{Module: "heap", Message: "heap region must be page-aligned and non-empty"}
	errSizeNotPageAligned = &kernel.Error{Module: "heap", Message: "size must be a non-zero page multiple"}
	errAddrNotPageAligned = &kernel.Error{Module: "heap", Message: "address is not page-aligned"}
	errSizeMismatch       = &kernel.Error{Module: "heap", Message: "free size does not match the allocation"}
	errUnknownAllocation  = &kernel.Error{Module: "heap", Message: "no allocation at this address"}
	errPageNotMapped      = &kernel.Error{Module: "heap", Message: "page in allocated range is not mapped"}

	// frameAllocator provides the frames that back heap pages and the
	// frames boundary tags and bucket arrays are carved from.
	frameAllocator = pmm.AllocFrame

	// frameRelease returns frames owned by the heap to the physical
	// allocator.
	frameRelease = pmm.FreeFrame

	// frameBytesFn resolves a frame to its memory contents.
	frameBytesFn = pmm.FrameBytes
)

// Allocator manages a contiguous region of a page map's address space. The
// lock covers the tag, free list and hash state; it is never held while
// mappings are established or torn down.
type Allocator struct {
	lock ksync.Spinlock

	pageMap *vmm.PageMap
	start   uintptr
	end     uintptr

	// rangeHead and rangeTail bound the address-ordered tag list that
	// covers the whole region.
	rangeHead *boundaryTag
	rangeTail *boundaryTag

	// freeLists holds free ranges indexed by the highest set bit of
	// their size; freeMap has bit n set when freeLists[n] is non-empty.
	freeLists [freeListCount]*boundaryTag
	freeMap   uint64

	hash         []*boundaryTag
	initialHash  [initialHashBuckets]*boundaryTag
	hashFrame    mm.Frame
	rehashNeeded bool

	// tagPool holds carved but unused boundary tags, linked through next.
	tagPool *boundaryTag
}

// New creates a heap allocator managing [start, end) of pageMap's address
// space. The region starts out as a single free range with no physical
// backing.
func New(pageMap *vmm.PageMap, start, end uintptr) (*Allocator, *kernel.Error) {
	if start&(mm.PageSize-1) != 0 || end&(mm.PageSize-1) != 0 || start >= end {
		return nil, errBadRegion
	}

	h := &Allocator{
		pageMap:   pageMap,
		start:     start,
		end:       end,
		hashFrame: mm.InvalidFrame,
	}
	h.hash = h.initialHash[:]

	tag, err := h.tagGet(mm.AllocCanFail)
	if err != nil {
		return nil, err
	}

	tag.addr = start
	tag.size = mm.Size(end - start)
	h.rangeHead, h.rangeTail = tag, tag
	h.freeListInsert(tag)

	return h, nil
}

// RawAlloc carves a free range of exactly size bytes out of the region and
// returns its address. The range has no physical backing; Alloc provides
// backed memory. size must be a non-zero page multiple. Without
// AllocCanFail exhaustion is fatal.
func (h *Allocator) RawAlloc(size mm.Size, mmflags mm.AllocFlag) (uintptr, *kernel.Error) {
	if !size.IsPageMultiple() {
		kernel.Panic(errSizeNotPageAligned)
	}

	h.lock.Acquire()

	tag := h.freeListFind(size)
	if tag == nil {
		h.lock.Release()
		if mmflags&mm.AllocCanFail == 0 {
			kernel.Panic(ErrHeapExhausted)
		}

		return 0, ErrHeapExhausted
	}

	h.freeListRemove(tag)

	if tag.size > size {
		split, err := h.tagGet(mmflags)
		if err != nil {
			h.freeListInsert(tag)
			h.lock.Release()
			return 0, err
		}

		split.addr = tag.addr + uintptr(size)
		split.size = tag.size - size
		h.rangeInsertAfter(tag, split)
		h.freeListInsert(split)

		tag.size = size
	}

	tag.allocated = true
	h.hashInsert(tag)
	if h.rehashNeeded {
		h.rehash()
	}

	addr := tag.addr
	h.lock.Release()

	return addr, nil
}

// RawFree returns the range [addr, addr+size) to the heap. The range must
// exactly match a previous RawAlloc.
func (h *Allocator) RawFree(addr uintptr, size mm.Size) {
	h.checkRange(addr, size)

	h.lock.Acquire()
	h.freeTag(h.hashRemove(addr, size))
	if h.rehashNeeded {
		h.rehash()
	}
	h.lock.Release()
}

// Alloc allocates a range of size bytes and backs every page of it with a
// freshly allocated frame. Heap memory is mapped writable and
// non-executable. When backing fails partway the pages mapped so far are
// unwound and the range returned to the heap before the error is reported.
func (h *Allocator) Alloc(size mm.Size, mmflags mm.AllocFlag) (uintptr, *kernel.Error) {
	addr, err := h.RawAlloc(size, mmflags)
	if err != nil {
		return 0, err
	}

	for offset := uintptr(0); offset < uintptr(size); offset += mm.PageSize {
		frame, err := frameAllocator(mmflags)
		if err != nil {
			h.unwind(addr, offset, size, true)
			return 0, err
		}

		if err = h.pageMap.Insert(addr+offset, frame, h.mapFlags(), mmflags); err != nil {
			frameRelease(frame)
			h.unwind(addr, offset, size, true)
			return 0, err
		}
	}

	return addr, nil
}

// Free unmaps [addr, addr+size), returns the backing frames to the frame
// allocator and hands the range back to the heap. addr and size must match
// a previous Alloc exactly.
func (h *Allocator) Free(addr uintptr, size mm.Size) {
	h.checkRange(addr, size)

	// Detach the allocation first so a bogus free is caught before any
	// mapping is torn down.
	h.lock.Acquire()
	tag := h.hashRemove(addr, size)
	h.lock.Release()

	h.unmapPages(addr, uintptr(size), true)

	h.lock.Acquire()
	h.freeTag(tag)
	if h.rehashNeeded {
		h.rehash()
	}
	h.lock.Release()
}

// MapRange allocates a range of size bytes and maps it onto the physical
// range starting at physAddr, which must be page-aligned. The frames are
// not owned by the heap; UnmapRange detaches them without freeing. Device
// and firmware memory is made addressable this way.
func (h *Allocator) MapRange(physAddr uintptr, size mm.Size, mmflags mm.AllocFlag) (uintptr, *kernel.Error) {
	if physAddr&(mm.PageSize-1) != 0 {
		kernel.Panic(errAddrNotPageAligned)
	}

	addr, err := h.RawAlloc(size, mmflags)
	if err != nil {
		return 0, err
	}

	for offset := uintptr(0); offset < uintptr(size); offset += mm.PageSize {
		frame := mm.FrameFromAddress(physAddr + offset)
		if err = h.pageMap.Insert(addr+offset, frame, h.mapFlags(), mmflags); err != nil {
			h.unwind(addr, offset, size, false)
			return 0, err
		}
	}

	return addr, nil
}

// UnmapRange releases a range obtained from MapRange: the mappings are
// torn down but the frames stay with their owner.
func (h *Allocator) UnmapRange(addr uintptr, size mm.Size) {
	h.checkRange(addr, size)

	h.lock.Acquire()
	tag := h.hashRemove(addr, size)
	h.lock.Release()

	h.unmapPages(addr, uintptr(size), false)

	h.lock.Acquire()
	h.freeTag(tag)
	if h.rehashNeeded {
		h.rehash()
	}
	h.lock.Release()
}

func (h *Allocator) checkRange(addr uintptr, size mm.Size) {
	if addr&(mm.PageSize-1) != 0 {
		kernel.Panic(errAddrNotPageAligned)
	}

	if !size.IsPageMultiple() {
		kernel.Panic(errSizeNotPageAligned)
	}
}

// mapFlags returns the entry flags heap mappings are established with.
func (h *Allocator) mapFlags() vmm.PageTableEntryFlag {
	flags := vmm.FlagRW | vmm.FlagNoExecute
	if h.pageMap.IsUser() {
		flags |= vmm.FlagUserAccessible
	} else {
		flags |= vmm.FlagGlobal
	}

	return flags
}

// freeTag marks a detached tag free and coalesces it with free neighbors.
// The caller must hold the heap lock.
func (h *Allocator) freeTag(tag *boundaryTag) {
	tag.allocated = false

	if next := tag.next; next != nil && !next.allocated {
		tag.size += next.size
		h.freeListRemove(next)
		h.rangeRemove(next)
		h.tagPut(next)
	}

	if prev := tag.prev; prev != nil && !prev.allocated {
		tag.addr = prev.addr
		tag.size += prev.size
		h.freeListRemove(prev)
		h.rangeRemove(prev)
		h.tagPut(prev)
	}

	h.freeListInsert(tag)
}

// unmapPages removes the first mappedBytes worth of mappings from addr,
// releasing each frame when the heap owns it. Hitting an unmapped page
// inside an allocated range means the bookkeeping is corrupt and is fatal.
func (h *Allocator) unmapPages(addr, mappedBytes uintptr, ownFrames bool) {
	for offset := uintptr(0); offset < mappedBytes; offset += mm.PageSize {
		frame, err := h.pageMap.Remove(addr + offset)
		if err != nil {
			kernel.Panic(errPageNotMapped)
		}

		if ownFrames {
			frameRelease(frame)
		}
	}
}

// unwind rolls a partially backed allocation back: the pages mapped so far
// are removed and the whole range returned to the heap.
func (h *Allocator) unwind(addr, mappedBytes uintptr, size mm.Size, ownFrames bool) {
	h.unmapPages(addr, mappedBytes, ownFrames)
	h.RawFree(addr, size)
}

// Stats describes the state of a heap allocator at one point in time.
type Stats struct {
	// RegionBytes is the total size of the managed region.
	RegionBytes mm.Size

	// FreeBytes is the number of bytes not currently allocated.
	FreeBytes mm.Size

	// LargestFreeBytes is the size of the largest contiguous free range.
	LargestFreeBytes mm.Size

	// Allocations is the number of live allocations.
	Allocations int

	// Tags is the number of boundary tags covering the region.
	Tags int

	// HashBuckets is the current size of the allocation hash.
	HashBuckets int
}

// Stats captures usage counters for the heap.
func (h *Allocator) Stats() Stats {
	h.lock.Acquire()

	st := Stats{
		RegionBytes: mm.Size(h.end - h.start),
		HashBuckets: len(h.hash),
	}

	for tag := h.rangeHead; tag != nil; tag = tag.next {
		st.Tags++
		if tag.allocated {
			st.Allocations++
			continue
		}

		st.FreeBytes += tag.size
		if tag.size > st.LargestFreeBytes {
			st.LargestFreeBytes = tag.size
		}
	}

	h.lock.Release()
	return st
}

// PrintUsage writes a summary of the heap state to the active output sink.
func (h *Allocator) PrintUsage() {
	st := h.Stats()
	kfmt.Printf("[heap] region 0x%x - 0x%x: %d/%d KB free, largest free range %d KB\n",
		uint64(h.start), uint64(h.end),
		uint64(st.FreeBytes>>10), uint64(st.RegionBytes>>10), uint64(st.LargestFreeBytes>>10))
	kfmt.Printf("[heap] %d live allocations, %d boundary tags, %d hash buckets\n",
		st.Allocations, st.Tags, st.HashBuckets)
}
