package heap

import (
	"math/bits"
	"unsafe"

	"github.com/aejsmith/kiwi-sub009/kernel"
	"github.com/aejsmith/kiwi-sub009/kernel/mm"
)

// tagsPerFrame is the number of boundary tags carved out of one frame.
const tagsPerFrame = int(mm.PageSize / unsafe.Sizeof(boundaryTag{}))

// boundaryTag describes one contiguous range of the heap region. Tags live
// in frames carved by tagGet and are linked into an address-ordered list
// covering the whole region. Free tags additionally sit on a power-of-2
// size-indexed free list; allocated tags sit in the allocation hash. The
// af links serve whichever of the two the tag is on.
type boundaryTag struct {
	addr      uintptr
	size      mm.Size
	allocated bool

	prev *boundaryTag
	next *boundaryTag

	afPrev *boundaryTag
	afNext *boundaryTag
}

// tagGet returns an unused boundary tag, carving a frame into fresh tags
// when the pool has run dry. The caller must hold the heap lock.
func (h *Allocator) tagGet(mmflags mm.AllocFlag) (*boundaryTag, *kernel.Error) {
	if tag := h.tagPool; tag != nil {
		h.tagPool = tag.next
		tag.next = nil
		return tag, nil
	}

	frame, err := frameAllocator(mmflags | mm.AllocZero)
	if err != nil {
		return nil, err
	}

	data, err := frameBytesFn(frame)
	if err != nil {
		kernel.Panic(err)
	}

	tags := (*[tagsPerFrame]boundaryTag)(unsafe.Pointer(&data[0]))
	for tagIndex := 1; tagIndex < tagsPerFrame; tagIndex++ {
		tags[tagIndex].next = h.tagPool
		h.tagPool = &tags[tagIndex]
	}

	return &tags[0], nil
}

// tagPut returns a tag to the pool. The caller must hold the heap lock and
// have unlinked the tag from every list.
func (h *Allocator) tagPut(tag *boundaryTag) {
	*tag = boundaryTag{}
	tag.next = h.tagPool
	h.tagPool = tag
}

// rangeInsertAfter links newTag into the address-ordered range list right
// after tag.
func (h *Allocator) rangeInsertAfter(tag, newTag *boundaryTag) {
	newTag.prev = tag
	newTag.next = tag.next

	if tag.next != nil {
		tag.next.prev = newTag
	} else {
		h.rangeTail = newTag
	}

	tag.next = newTag
}

// rangeRemove unlinks a tag from the address-ordered range list.
func (h *Allocator) rangeRemove(tag *boundaryTag) {
	if tag.prev != nil {
		tag.prev.next = tag.next
	} else {
		h.rangeHead = tag.next
	}

	if tag.next != nil {
		tag.next.prev = tag.prev
	} else {
		h.rangeTail = tag.prev
	}

	tag.prev, tag.next = nil, nil
}

// freeListIndex returns the free list a range of the given size belongs
// on: the index of the highest set bit of the size.
func freeListIndex(size mm.Size) int {
	return bits.Len64(uint64(size)) - 1
}

// freeListInsert puts a free tag on the list for its size and marks the
// list as populated in the free map.
func (h *Allocator) freeListInsert(tag *boundaryTag) {
	listIndex := freeListIndex(tag.size)

	tag.afPrev = nil
	tag.afNext = h.freeLists[listIndex]
	if tag.afNext != nil {
		tag.afNext.afPrev = tag
	}

	h.freeLists[listIndex] = tag
	h.freeMap |= uint64(1) << uint(listIndex)
}

// freeListRemove takes a free tag off its list, clearing the free map bit
// when the list becomes empty.
func (h *Allocator) freeListRemove(tag *boundaryTag) {
	listIndex := freeListIndex(tag.size)

	if tag.afPrev != nil {
		tag.afPrev.afNext = tag.afNext
	} else {
		h.freeLists[listIndex] = tag.afNext
	}

	if tag.afNext != nil {
		tag.afNext.afPrev = tag.afPrev
	}

	if h.freeLists[listIndex] == nil {
		h.freeMap &^= uint64(1) << uint(listIndex)
	}

	tag.afPrev, tag.afNext = nil, nil
}

// freeListFind locates a free range of at least size bytes. Lists are
// scanned from the size's own list upwards; within a list the first fitting
// range wins.
func (h *Allocator) freeListFind(size mm.Size) *boundaryTag {
	listIndex := freeListIndex(size)

	// For a power-of-2 size every range on its list is guaranteed to be
	// large enough. Otherwise prefer the next list up when it is
	// populated so the scan does not have to walk the chain.
	if size&(size-1) != 0 && h.freeMap&(uint64(1)<<uint(listIndex+1)) != 0 {
		listIndex++
	}

	for ; listIndex < freeListCount; listIndex++ {
		if h.freeMap&(uint64(1)<<uint(listIndex)) == 0 {
			continue
		}

		for tag := h.freeLists[listIndex]; tag != nil; tag = tag.afNext {
			if tag.size >= size {
				return tag
			}
		}
	}

	return nil
}
