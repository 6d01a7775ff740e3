package heap

import (
	"unsafe"

	"github.com/aejsmith/kiwi-sub009/kernel"
	"github.com/aejsmith/kiwi-sub009/kernel/mm"
)

const (
	// initialHashBuckets is the bucket count the allocation hash starts
	// out with. The initial bucket array is embedded in the allocator so
	// a heap is usable before it can back any memory.
	initialHashBuckets = 16

	// rehashChainDepth is the bucket chain depth that, once observed
	// during a lookup, triggers growing the hash.
	rehashChainDepth = 32

	// maxHashBuckets caps hash growth at the bucket count that fits in a
	// single frame.
	maxHashBuckets = int(mm.PageSize >> mm.PointerShift)

	fnvOffsetBasis = uint32(2166136261)
	fnvPrime       = uint32(16777619)
)

// fnvHash computes the 32-bit FNV-1 hash of an address, folding in one
// byte per round starting from the least significant.
func fnvHash(addr uintptr) uint32 {
	hash := fnvOffsetBasis
	for round := 0; round < 8; round++ {
		hash = (hash * fnvPrime) ^ uint32(addr&0xff)
		addr >>= 8
	}

	return hash
}

// hashInsert links an allocated tag into its bucket. The caller must hold
// the heap lock.
func (h *Allocator) hashInsert(tag *boundaryTag) {
	bucket := int(fnvHash(tag.addr) % uint32(len(h.hash)))

	tag.afPrev = nil
	tag.afNext = h.hash[bucket]
	if tag.afNext != nil {
		tag.afNext.afPrev = tag
	}

	h.hash[bucket] = tag
}

// hashRemove looks up the allocation starting at addr, validates the freed
// size against it and unlinks it from its bucket. Freeing an address that
// was never allocated, or with a size that does not match the allocation,
// is fatal: both mean the caller is returning memory it does not own. A
// lookup that walks an overlong chain schedules a rehash. The caller must
// hold the heap lock.
func (h *Allocator) hashRemove(addr uintptr, size mm.Size) *boundaryTag {
	bucket := int(fnvHash(addr) % uint32(len(h.hash)))

	depth := 0
	for tag := h.hash[bucket]; tag != nil; tag = tag.afNext {
		if tag.addr != addr {
			depth++
			continue
		}

		if tag.size != size {
			kernel.Panic(errSizeMismatch)
		}

		if depth >= rehashChainDepth {
			h.rehashNeeded = true
		}

		if tag.afPrev != nil {
			tag.afPrev.afNext = tag.afNext
		} else {
			h.hash[bucket] = tag.afNext
		}

		if tag.afNext != nil {
			tag.afNext.afPrev = tag.afPrev
		}

		tag.afPrev, tag.afNext = nil, nil
		return tag
	}

	kernel.Panic(errUnknownAllocation)
	return nil
}

// rehash doubles the bucket array, carving the new one out of a frame, and
// redistributes every live allocation. A failed carve leaves the rehash
// pending so a later operation retries it. The caller must hold the heap
// lock.
func (h *Allocator) rehash() {
	newBuckets := len(h.hash) * 2
	if newBuckets > maxHashBuckets {
		h.rehashNeeded = false
		return
	}

	frame, err := frameAllocator(mm.AllocZero | mm.AllocCanFail)
	if err != nil {
		return
	}

	data, err := frameBytesFn(frame)
	if err != nil {
		kernel.Panic(err)
	}

	oldHash, oldFrame := h.hash, h.hashFrame
	h.hash = unsafe.Slice((**boundaryTag)(unsafe.Pointer(&data[0])), newBuckets)
	h.hashFrame = frame

	for _, chain := range oldHash {
		for tag := chain; tag != nil; {
			next := tag.afNext
			h.hashInsert(tag)
			tag = next
		}
	}

	if oldFrame.Valid() {
		frameRelease(oldFrame)
	}

	h.rehashNeeded = false
}
