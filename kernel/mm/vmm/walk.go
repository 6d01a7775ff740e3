package vmm

import (
	"unsafe"

	"github.com/aejsmith/kiwi-sub009/kernel"
	"github.com/aejsmith/kiwi-sub009/kernel/mm"
)

var errBadTableFrame = &kernel.Error{Module: "vmm", Message: "page table entry references a frame outside physical memory"}

// pageTableWalker is a function that is invoked by the walk methods for
// each page table entry visited. The function receives the current page
// level and a pointer to the entry. Returning false aborts the walk.
type pageTableWalker func(level int, entry *pageTableEntry) bool

// tableEntries returns the contents of the supplied frame viewed as a
// translation table. Table frames are always whole, zero-initialized
// frames handed out by the frame allocator so the cast is safe.
func tableEntries(frame mm.Frame) *[mm.TableEntryCount]pageTableEntry {
	data, err := frameBytesFn(frame)
	if err != nil {
		kernel.Panic(errBadTableFrame)
	}

	return (*[mm.TableEntryCount]pageTableEntry)(unsafe.Pointer(&data[0]))
}

// walkTo traverses the translation tables for virtAddr from the root down
// to stopLevel, invoking walkFn with each visited entry. If walkFn returns
// false the walk is aborted. The caller must hold the page map lock.
func (pm *PageMap) walkTo(virtAddr uintptr, stopLevel int, walkFn pageTableWalker) {
	tableFrame := pm.root
	for level := 0; level <= stopLevel; level++ {
		entries := tableEntries(tableFrame)
		entryIndex := (virtAddr >> pageLevelShifts[level]) & (mm.TableEntryCount - 1)

		if !walkFn(level, &entries[entryIndex]) {
			return
		}

		tableFrame = entries[entryIndex].Frame()
	}
}

// walk traverses all translation table levels for virtAddr, invoking walkFn
// with each visited entry. If walkFn returns false the walk is aborted. The
// caller must hold the page map lock.
func (pm *PageMap) walk(virtAddr uintptr, walkFn pageTableWalker) {
	pm.walkTo(virtAddr, pageLevels-1, walkFn)
}
