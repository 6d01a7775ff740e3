package vmm

import (
	"sync"
	"sync/atomic"

	"github.com/aejsmith/kiwi-sub009/kernel"
	"github.com/aejsmith/kiwi-sub009/kernel/kfmt"
	"github.com/aejsmith/kiwi-sub009/kernel/mm"
	"github.com/aejsmith/kiwi-sub009/kernel/mm/pmm"
)

var (
	// ErrNotMapped is returned when a lookup hits a non-present entry.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address not mapped"}

	errKernelMapExists   = &kernel.Error{Module: "vmm", Message: "kernel page map already initialized"}
	errKernelMapNotReady = &kernel.Error{Module: "vmm", Message: "kernel page map not initialized"}
	errVirtOutOfBounds   = &kernel.Error{Module: "vmm", Message: "virtual address outside page map bounds"}
	errVirtNotAligned    = &kernel.Error{Module: "vmm", Message: "virtual address not page-aligned"}
	errFrameNotAligned   = &kernel.Error{Module: "vmm", Message: "frame not aligned to large page boundary"}
	errMappingExists     = &kernel.Error{Module: "vmm", Message: "virtual address already mapped"}
	errLargeEntryWalk    = &kernel.Error{Module: "vmm", Message: "walk through large entry; demote it first"}
	errDestroyKernelMap  = &kernel.Error{Module: "vmm", Message: "attempt to destroy the kernel page map"}
	errDestroyActiveMap  = &kernel.Error{Module: "vmm", Message: "attempt to destroy the active page map"}

	// frameAllocator is the function used to allocate frames for new
	// translation tables. It may establish mappings of its own before
	// returning so table population re-checks entry presence afterwards.
	frameAllocator = pmm.AllocFrame

	// frameRelease is the function used to return frames owned by a page
	// map to the physical allocator.
	frameRelease = pmm.FreeFrame

	// frameBytesFn resolves a frame to its memory contents so it can be
	// interpreted as a translation table.
	frameBytesFn = pmm.FrameBytes

	// flushTLBEntryFn invalidates any cached translation for a virtual
	// address. Only invoked when the mutated map is the active one.
	flushTLBEntryFn = func(virtAddr uintptr) {}

	// memoryBarrierFn orders a table mutation before any flush that
	// follows it.
	memoryBarrierFn = func() {}

	// switchPageMapFn installs a new translation root.
	switchPageMapFn = func(root mm.Frame) {}

	kernelMap *PageMap
	activeMap atomic.Pointer[PageMap]
)

// PageMap describes one address space: a tree of translation tables rooted
// at a single frame, together with the virtual address range the map is
// allowed to cover. All mutating operations serialize on the map's mutex.
type PageMap struct {
	mu sync.Mutex

	root  mm.Frame
	first uintptr
	last  uintptr
	user  bool
}

// Bounds returns the lowest and highest virtual address this map covers.
func (pm *PageMap) Bounds() (first, last uintptr) {
	return pm.first, pm.last
}

// IsUser returns true if this map describes a user address space.
func (pm *PageMap) IsUser() bool {
	return pm.user
}

// Root returns the frame containing this map's top-level translation table.
func (pm *PageMap) Root() mm.Frame {
	return pm.root
}

func (pm *PageMap) isActive() bool {
	return activeMap.Load() == pm
}

// tableFlags returns the flags applied to entries linking one translation
// table to the next. Intermediate entries are always writable; per-page
// protections live in the last level.
func (pm *PageMap) tableFlags() PageTableEntryFlag {
	flags := FlagPresent | FlagRW
	if pm.user {
		flags |= FlagUserAccessible
	}

	return flags
}

// checkCanMap panics if virtAddr is not page-aligned or falls outside the
// range covered by this map. Both indicate a kernel bug rather than a
// recoverable condition.
func (pm *PageMap) checkCanMap(virtAddr uintptr) {
	if virtAddr&(mm.PageSize-1) != 0 {
		kernel.Panic(errVirtNotAligned)
	}

	if virtAddr < pm.first || virtAddr > pm.last {
		kernel.Panic(errVirtOutOfBounds)
	}
}

// InitKernelMap allocates the kernel page map and populates its physical
// map region: every frame of physical memory becomes addressable at
// KernelPhysMapBase plus its physical address, mapped through large
// entries. The kernel map is then made active.
func InitKernelMap() *kernel.Error {
	if kernelMap != nil {
		return errKernelMapExists
	}

	root, err := frameAllocator(mm.AllocZero | mm.AllocCanFail)
	if err != nil {
		return err
	}

	pm := &PageMap{
		root:  root,
		first: KernelSpaceBase,
		last:  KernelSpaceEnd,
	}
	kernelMap = pm

	physBytes := uintptr(pmm.TotalFrames()) << mm.PageShift
	for offset := uintptr(0); offset < physBytes; offset += mm.LargePageSize {
		err = pm.InsertLarge(
			KernelPhysMapBase+offset,
			mm.FrameFromAddress(offset),
			FlagRW|FlagGlobal,
			mm.AllocCanFail,
		)
		if err != nil {
			kernelMap = nil
			return err
		}
	}

	pm.SwitchTo()

	kfmt.Printf("[vmm] kernel page map root at frame 0x%x\n", uint64(root))
	kfmt.Printf("[vmm] physical map: %d MB at 0x%x\n", uint64(physBytes>>20), uint64(KernelPhysMapBase))
	return nil
}

// ResetKernelMap forgets the kernel page map and the active map. The
// translation table frames are reclaimed together with the physical
// arena during shutdown.
func ResetKernelMap() {
	kernelMap = nil
	activeMap.Store(nil)
}

// KernelMap returns the kernel page map. It returns nil before
// InitKernelMap has completed.
func KernelMap() *PageMap {
	return kernelMap
}

// ActiveMap returns the page map translations are currently served from.
func ActiveMap() *PageMap {
	return activeMap.Load()
}

// SwitchTo makes this page map the active one.
func (pm *PageMap) SwitchTo() {
	activeMap.Store(pm)
	switchPageMapFn(pm.root)
}

// NewUserMap allocates a page map covering the user portion of the address
// space. The kernel half of the top-level table is imported from the
// kernel map so kernel mappings stay visible; the accessed bit is dropped
// from the imported entries as it is tracked per address space.
func NewUserMap(mmflags mm.AllocFlag) (*PageMap, *kernel.Error) {
	if kernelMap == nil {
		return nil, errKernelMapNotReady
	}

	root, err := frameAllocator(mmflags | mm.AllocZero)
	if err != nil {
		return nil, err
	}

	pm := &PageMap{
		root:  root,
		first: UserSpaceBase,
		last:  UserSpaceEnd,
		user:  true,
	}

	src := tableEntries(kernelMap.root)
	dst := tableEntries(root)
	for entryIndex := kernelHalfFirstIndex; entryIndex < int(mm.TableEntryCount); entryIndex++ {
		dst[entryIndex] = src[entryIndex]
		dst[entryIndex].ClearFlags(FlagAccessed)
	}

	return pm, nil
}

// Destroy tears down a user page map, returning every translation table
// frame it owns to the physical allocator. Frames referenced by page and
// large entries are not released; their owners unmap and free them
// separately. Destroying the kernel map or the active map is a bug.
func (pm *PageMap) Destroy() {
	if pm == kernelMap {
		kernel.Panic(errDestroyKernelMap)
	}

	if pm.isActive() {
		kernel.Panic(errDestroyActiveMap)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	// Only the user half of the top level belongs to this map; the kernel
	// half aliases tables shared with the kernel map.
	entries := tableEntries(pm.root)
	for entryIndex := 0; entryIndex < kernelHalfFirstIndex; entryIndex++ {
		entry := &entries[entryIndex]
		if entry.HasFlags(FlagPresent) && !entry.HasFlags(FlagHugePage) {
			pm.freeTables(entry.Frame(), 1)
		}
	}

	frameRelease(pm.root)
	pm.root = mm.InvalidFrame
}

// freeTables releases every translation table reachable from tableFrame.
// level is the depth of the table within the tree; tables at the last
// level contain page entries and are not descended into.
func (pm *PageMap) freeTables(tableFrame mm.Frame, level int) {
	if level < pageLevels-1 {
		entries := tableEntries(tableFrame)
		for entryIndex := range entries {
			entry := &entries[entryIndex]
			if entry.HasFlags(FlagPresent) && !entry.HasFlags(FlagHugePage) {
				pm.freeTables(entry.Frame(), level+1)
			}
		}
	}

	frameRelease(tableFrame)
}
