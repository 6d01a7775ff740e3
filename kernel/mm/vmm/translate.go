package vmm

import (
	"github.com/aejsmith/kiwi-sub009/kernel"
	"github.com/aejsmith/kiwi-sub009/kernel/mm"
)

// ensureTable makes sure an intermediate entry links to a present
// translation table, allocating a zeroed frame for one when it does not.
// The frame allocator may establish mappings of its own while satisfying
// the request, so the entry is re-checked after the allocation and the
// fresh frame released if another path populated the level in the
// meantime.
func (pm *PageMap) ensureTable(entry *pageTableEntry, mmflags mm.AllocFlag) *kernel.Error {
	if entry.HasFlags(FlagHugePage) {
		kernel.Panic(errLargeEntryWalk)
	}

	if entry.HasFlags(FlagPresent) {
		return nil
	}

	tableFrame, err := frameAllocator(mmflags | mm.AllocZero)
	if err != nil {
		return err
	}

	if entry.HasFlags(FlagPresent) {
		frameRelease(tableFrame)
		return nil
	}

	entry.SetFrame(tableFrame)
	entry.SetFlags(pm.tableFlags())
	return nil
}

// Insert establishes a mapping from the page-aligned virtual address
// virtAddr to frame with the supplied entry flags, allocating any missing
// intermediate translation tables. mmflags controls those allocations;
// without AllocCanFail an exhausted allocator is fatal, with it the error
// is returned and the map left unchanged apart from tables already linked.
// Mapping an address that is already mapped indicates a double-allocation
// bug and is fatal.
func (pm *PageMap) Insert(virtAddr uintptr, frame mm.Frame, flags PageTableEntryFlag, mmflags mm.AllocFlag) *kernel.Error {
	pm.checkCanMap(virtAddr)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	var err *kernel.Error

	pm.walk(virtAddr, func(level int, entry *pageTableEntry) bool {
		if level < pageLevels-1 {
			err = pm.ensureTable(entry, mmflags)
			return err == nil
		}

		if entry.HasFlags(FlagPresent) {
			kernel.Panic(errMappingExists)
		}

		*entry = 0
		entry.SetFrame(frame)
		entry.SetFlags(FlagPresent | flags)
		memoryBarrierFn()

		if pm.isActive() {
			flushTLBEntryFn(virtAddr)
		}

		return true
	})

	return err
}

// InsertLarge establishes a mapping from a large-page-aligned virtual
// address to a contiguous run of mm.TableEntryCount frames starting at
// frame, using a single large entry one level above the page tables.
func (pm *PageMap) InsertLarge(virtAddr uintptr, frame mm.Frame, flags PageTableEntryFlag, mmflags mm.AllocFlag) *kernel.Error {
	if virtAddr&(mm.LargePageSize-1) != 0 {
		kernel.Panic(errVirtNotAligned)
	}

	if virtAddr < pm.first || virtAddr+mm.LargePageSize-1 > pm.last {
		kernel.Panic(errVirtOutOfBounds)
	}

	if frame&(mm.Frame(mm.TableEntryCount)-1) != 0 {
		kernel.Panic(errFrameNotAligned)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	var err *kernel.Error

	pm.walkTo(virtAddr, pageLevels-2, func(level int, entry *pageTableEntry) bool {
		if level < pageLevels-2 {
			err = pm.ensureTable(entry, mmflags)
			return err == nil
		}

		if entry.HasFlags(FlagPresent) {
			kernel.Panic(errMappingExists)
		}

		*entry = 0
		entry.SetFrame(frame)
		entry.SetFlags(FlagPresent | FlagHugePage | flags)
		memoryBarrierFn()

		if pm.isActive() {
			flushTLBEntryFn(virtAddr)
		}

		return true
	})

	return err
}

// Remove tears down the mapping for the page-aligned virtual address
// virtAddr and returns the frame it mapped. The frame itself is not
// released; ownership returns to the caller. ErrNotMapped is returned when
// no mapping exists. Removing part of a large entry is fatal; callers
// demote it first via Protect or unmap the whole span.
func (pm *PageMap) Remove(virtAddr uintptr) (mm.Frame, *kernel.Error) {
	pm.checkCanMap(virtAddr)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	var (
		err   *kernel.Error
		frame = mm.InvalidFrame
	)

	pm.walk(virtAddr, func(level int, entry *pageTableEntry) bool {
		if level < pageLevels-1 {
			if entry.HasFlags(FlagHugePage) {
				kernel.Panic(errLargeEntryWalk)
			}

			if !entry.HasFlags(FlagPresent) {
				err = ErrNotMapped
				return false
			}

			return true
		}

		if !entry.HasFlags(FlagPresent) {
			err = ErrNotMapped
			return false
		}

		frame = entry.Frame()
		*entry = 0
		memoryBarrierFn()

		if pm.isActive() {
			flushTLBEntryFn(virtAddr)
		}

		return true
	})

	return frame, err
}

// Find looks up the mapping for the page-aligned virtual address virtAddr
// and returns the mapped frame together with the entry flags. ErrNotMapped
// is returned when no mapping exists.
func (pm *PageMap) Find(virtAddr uintptr) (mm.Frame, PageTableEntryFlag, *kernel.Error) {
	pm.checkCanMap(virtAddr)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	var (
		err   *kernel.Error
		frame = mm.InvalidFrame
		flags PageTableEntryFlag
	)

	pm.walk(virtAddr, func(level int, entry *pageTableEntry) bool {
		if level < pageLevels-1 {
			if entry.HasFlags(FlagHugePage) {
				kernel.Panic(errLargeEntryWalk)
			}

			if !entry.HasFlags(FlagPresent) {
				err = ErrNotMapped
				return false
			}

			return true
		}

		if !entry.HasFlags(FlagPresent) {
			err = ErrNotMapped
			return false
		}

		frame = entry.Frame()
		flags = entry.Flags()
		return true
	})

	return frame, flags, err
}

// Protect updates the flags of the mapping for the page-aligned virtual
// address virtAddr, setting the flags in set and clearing the flags in
// clear. When the address is covered by a large entry it is first demoted
// into individual page entries so the remainder of the span keeps its
// protections; mmflags controls the table allocation that demotion needs.
// The structural flags FlagPresent and FlagHugePage cannot be changed this
// way.
func (pm *PageMap) Protect(virtAddr uintptr, set, clear PageTableEntryFlag, mmflags mm.AllocFlag) *kernel.Error {
	pm.checkCanMap(virtAddr)

	set &^= FlagPresent | FlagHugePage
	clear &^= FlagPresent | FlagHugePage

	pm.mu.Lock()
	defer pm.mu.Unlock()

	var err *kernel.Error

	pm.walk(virtAddr, func(level int, entry *pageTableEntry) bool {
		if level < pageLevels-1 {
			if entry.HasFlags(FlagHugePage) {
				if level != pageLevels-2 {
					kernel.Panic(errBadTableFrame)
				}

				err = pm.demoteLargeEntry(virtAddr, entry, mmflags)
				if err != nil {
					return false
				}
			}

			if !entry.HasFlags(FlagPresent) {
				err = ErrNotMapped
				return false
			}

			return true
		}

		if !entry.HasFlags(FlagPresent) {
			err = ErrNotMapped
			return false
		}

		entry.SetFlags(set)
		entry.ClearFlags(clear)
		memoryBarrierFn()

		if pm.isActive() {
			flushTLBEntryFn(virtAddr)
		}

		return true
	})

	return err
}

// demoteLargeEntry fans a large entry out into a freshly allocated last
// level table of individual page entries covering the same span with the
// same flags. Flag changes for a single page can then land in its own
// entry. The caller must hold the page map lock.
func (pm *PageMap) demoteLargeEntry(virtAddr uintptr, entry *pageTableEntry, mmflags mm.AllocFlag) *kernel.Error {
	tableFrame, err := frameAllocator(mmflags | mm.AllocZero)
	if err != nil {
		return err
	}

	baseFrame := entry.Frame()
	pageFlags := entry.Flags() &^ FlagHugePage

	entries := tableEntries(tableFrame)
	for entryIndex := range entries {
		entries[entryIndex].SetFrame(baseFrame + mm.Frame(entryIndex))
		entries[entryIndex].SetFlags(pageFlags)
	}

	*entry = 0
	entry.SetFrame(tableFrame)
	entry.SetFlags(pm.tableFlags())
	memoryBarrierFn()

	if pm.isActive() {
		// Every translation in the span changed shape.
		spanBase := virtAddr &^ (mm.LargePageSize - 1)
		for offset := uintptr(0); offset < mm.LargePageSize; offset += mm.PageSize {
			flushTLBEntryFn(spanBase + offset)
		}
	}

	return nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address. virtAddr need not be page-aligned; the offset within
// the page carries over. Addresses covered by a large entry resolve
// without demotion.
func (pm *PageMap) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pageAddr := virtAddr &^ (mm.PageSize - 1)
	if pageAddr < pm.first || pageAddr > pm.last {
		kernel.Panic(errVirtOutOfBounds)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	var (
		err  *kernel.Error
		phys uintptr
	)

	pm.walk(pageAddr, func(level int, entry *pageTableEntry) bool {
		if !entry.HasFlags(FlagPresent) {
			err = ErrNotMapped
			return false
		}

		if level == pageLevels-1 {
			phys = entry.Frame().Address() + (virtAddr & (mm.PageSize - 1))
			return true
		}

		if entry.HasFlags(FlagHugePage) {
			phys = entry.Frame().Address() + (virtAddr & (mm.LargePageSize - 1))
			return false
		}

		return true
	})

	return phys, err
}
