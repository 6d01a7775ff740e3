package vmm

import (
	"testing"

	"github.com/aejsmith/kiwi-sub009/kernel"
	"github.com/aejsmith/kiwi-sub009/kernel/mm"
	"github.com/aejsmith/kiwi-sub009/kernel/mm/pmm"
)

// setupKernelMap tears down any leftover global state, brings up a fresh
// physical arena of the given size and initializes the kernel page map on
// top of it.
func setupKernelMap(t *testing.T, size mm.Size) *PageMap {
	t.Helper()

	ResetKernelMap()
	pmm.ReleaseArena()
	if err := pmm.InitArena(size); err != nil {
		t.Fatalf("InitArena: %v", err)
	}

	if err := InitKernelMap(); err != nil {
		t.Fatalf("InitKernelMap: %v", err)
	}

	t.Cleanup(func() {
		ResetKernelMap()
		pmm.ReleaseArena()
	})

	return KernelMap()
}

func TestInitKernelMap(t *testing.T) {
	pm := setupKernelMap(t, 16*mm.Mb)

	if pm == nil || ActiveMap() != pm {
		t.Fatal("expected the kernel map to be initialized and active")
	}

	if pm.IsUser() {
		t.Fatal("expected the kernel map to not be a user map")
	}

	if first, last := pm.Bounds(); first != KernelSpaceBase || last != KernelSpaceEnd {
		t.Fatalf("expected kernel map bounds [0x%x, 0x%x]; got [0x%x, 0x%x]",
			uint64(KernelSpaceBase), uint64(KernelSpaceEnd), uint64(first), uint64(last))
	}

	// The physical map makes every arena byte addressable at a fixed
	// offset through large entries.
	for _, physAddr := range []uintptr{0, 0x1234, 5 * mm.PageSize, uintptr(8*mm.Mb) + 0x40} {
		got, err := pm.Translate(KernelPhysMapBase + physAddr)
		if err != nil {
			t.Fatalf("Translate(phys map + 0x%x): %v", uint64(physAddr), err)
		}

		if got != physAddr {
			t.Fatalf("expected phys map translation of 0x%x to be 0x%x; got 0x%x",
				uint64(KernelPhysMapBase+physAddr), uint64(physAddr), uint64(got))
		}
	}

	// A 16MB arena needs a root table plus one table at each of the two
	// levels above the large entries; frame 0 stays reserved.
	if exp, got := pmm.TotalFrames()-1-3, pmm.FreeFrames(); got != exp {
		t.Fatalf("expected %d free frames after kernel map init; got %d", exp, got)
	}

	if err := InitKernelMap(); err != errKernelMapExists {
		t.Fatalf("expected errKernelMapExists on double init; got %v", err)
	}
}

func TestNewUserMapBeforeKernelMap(t *testing.T) {
	ResetKernelMap()
	pmm.ReleaseArena()

	if KernelMap() != nil {
		t.Fatal("expected no kernel map after reset")
	}

	if _, err := NewUserMap(mm.AllocCanFail); err != errKernelMapNotReady {
		t.Fatalf("expected errKernelMapNotReady; got %v", err)
	}
}

func TestNewUserMapImportsKernelHalf(t *testing.T) {
	pm := setupKernelMap(t, 16*mm.Mb)

	// Pre-set the accessed bit on the shared entry; the import must drop
	// it as access tracking is per address space.
	kernelEntries := tableEntries(pm.root)
	physMapIndex := int((KernelPhysMapBase >> pageLevelShifts[0]) & (mm.TableEntryCount - 1))
	kernelEntries[physMapIndex].SetFlags(FlagAccessed)

	um, err := NewUserMap(mm.AllocCanFail)
	if err != nil {
		t.Fatalf("NewUserMap: %v", err)
	}

	if !um.IsUser() {
		t.Fatal("expected IsUser to report true for a user map")
	}

	if first, last := um.Bounds(); first != UserSpaceBase || last != UserSpaceEnd {
		t.Fatalf("expected user map bounds [0x%x, 0x%x]; got [0x%x, 0x%x]",
			uint64(UserSpaceBase), uint64(UserSpaceEnd), uint64(first), uint64(last))
	}

	userEntries := tableEntries(um.root)
	for entryIndex := kernelHalfFirstIndex; entryIndex < int(mm.TableEntryCount); entryIndex++ {
		if exp, got := kernelEntries[entryIndex].Frame(), userEntries[entryIndex].Frame(); got != exp {
			t.Fatalf("expected top-level entry %d to alias the kernel table frame 0x%x; got 0x%x",
				entryIndex, uint64(exp), uint64(got))
		}

		if userEntries[entryIndex].HasFlags(FlagAccessed) {
			t.Fatalf("expected the accessed bit to be dropped from imported entry %d", entryIndex)
		}
	}

	for entryIndex := 0; entryIndex < kernelHalfFirstIndex; entryIndex++ {
		if userEntries[entryIndex] != 0 {
			t.Fatalf("expected user half entry %d of a fresh map to be empty", entryIndex)
		}
	}
}

func TestUserMapMappingsInvisibleToKernelMap(t *testing.T) {
	pm := setupKernelMap(t, 16*mm.Mb)

	um, err := NewUserMap(mm.AllocCanFail)
	if err != nil {
		t.Fatalf("NewUserMap: %v", err)
	}

	frame, err := pmm.AllocFrame(0)
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}

	if err = um.Insert(UserSpaceBase, frame, FlagRW|FlagUserAccessible, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if _, _, err = um.Find(UserSpaceBase); err != nil {
		t.Fatalf("Find in user map: %v", err)
	}

	// The user half of the kernel root must stay empty.
	kernelEntries := tableEntries(pm.root)
	for entryIndex := 0; entryIndex < kernelHalfFirstIndex; entryIndex++ {
		if kernelEntries[entryIndex] != 0 {
			t.Fatalf("expected kernel map user half entry %d to stay empty", entryIndex)
		}
	}
}

func TestDestroyReclaimsTableFrames(t *testing.T) {
	setupKernelMap(t, 16*mm.Mb)

	baseline := pmm.FreeFrames()

	um, err := NewUserMap(mm.AllocCanFail)
	if err != nil {
		t.Fatalf("NewUserMap: %v", err)
	}

	// Two mappings in distinct top-level regions so the teardown has to
	// descend through two independent table chains.
	virtAddrs := []uintptr{UserSpaceBase, uintptr(0x0000400000000000)}
	frames := make([]mm.Frame, len(virtAddrs))
	for i, virtAddr := range virtAddrs {
		if frames[i], err = pmm.AllocFrame(0); err != nil {
			t.Fatalf("AllocFrame: %v", err)
		}

		if err = um.Insert(virtAddr, frames[i], FlagRW|FlagUserAccessible, 0); err != nil {
			t.Fatalf("Insert(0x%x): %v", uint64(virtAddr), err)
		}
	}

	um.Destroy()

	// Destroy returns the table frames but never the mapped frames; their
	// owner hands those back separately.
	for _, frame := range frames {
		pmm.FreeFrame(frame)
	}

	if exp, got := baseline, pmm.FreeFrames(); got != exp {
		t.Fatalf("expected %d free frames after map teardown; got %d", exp, got)
	}

	if um.Root().Valid() {
		t.Fatal("expected a destroyed map to drop its root frame")
	}
}

func TestDestroyKernelMapPanics(t *testing.T) {
	pm := setupKernelMap(t, 4*mm.Mb)

	defer func() {
		if got := recover(); got != errDestroyKernelMap {
			t.Fatalf("expected destroying the kernel map to panic with errDestroyKernelMap; got %v", got)
		}
	}()
	pm.Destroy()
}

func TestDestroyActiveMapPanics(t *testing.T) {
	pm := setupKernelMap(t, 4*mm.Mb)

	um, err := NewUserMap(mm.AllocCanFail)
	if err != nil {
		t.Fatalf("NewUserMap: %v", err)
	}

	um.SwitchTo()
	defer pm.SwitchTo()

	defer func() {
		if got := recover(); got != errDestroyActiveMap {
			t.Fatalf("expected destroying the active map to panic with errDestroyActiveMap; got %v", got)
		}
	}()
	um.Destroy()
}

func TestSwitchToInstallsRoot(t *testing.T) {
	pm := setupKernelMap(t, 4*mm.Mb)

	defer func(origSwitch func(mm.Frame)) { switchPageMapFn = origSwitch }(switchPageMapFn)

	var installedRoot mm.Frame
	switchPageMapFn = func(root mm.Frame) { installedRoot = root }

	um, err := NewUserMap(mm.AllocCanFail)
	if err != nil {
		t.Fatalf("NewUserMap: %v", err)
	}

	um.SwitchTo()
	if ActiveMap() != um {
		t.Fatal("expected the user map to become active")
	}

	if installedRoot != um.Root() {
		t.Fatalf("expected switch to install root 0x%x; got 0x%x", uint64(um.Root()), uint64(installedRoot))
	}

	pm.SwitchTo()
	if ActiveMap() != pm || installedRoot != pm.Root() {
		t.Fatal("expected switching back to restore the kernel map root")
	}
}

func TestTLBFlushOnlyOnActiveMap(t *testing.T) {
	pm := setupKernelMap(t, 16*mm.Mb)

	defer func(origFlush func(uintptr)) { flushTLBEntryFn = origFlush }(flushTLBEntryFn)

	var flushed []uintptr
	flushTLBEntryFn = func(virtAddr uintptr) { flushed = append(flushed, virtAddr) }

	frame, err := pmm.AllocFrame(0)
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}

	if err = pm.Insert(KernelHeapBase, frame, FlagRW, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if exp, got := 1, len(flushed); got != exp || flushed[0] != KernelHeapBase {
		t.Fatalf("expected exactly one flush for 0x%x on the active map; got %v", uint64(KernelHeapBase), flushed)
	}

	um, err := NewUserMap(mm.AllocCanFail)
	if err != nil {
		t.Fatalf("NewUserMap: %v", err)
	}

	userFrame, err := pmm.AllocFrame(0)
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}

	if err = um.Insert(UserSpaceBase, userFrame, FlagRW|FlagUserAccessible, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if exp, got := 1, len(flushed); got != exp {
		t.Fatalf("expected no flushes for mutations of an inactive map; got %v", flushed)
	}
}

// A frame allocation performed while linking a missing table may itself
// touch the page map. The walker re-checks the entry after allocating and
// must discard its own frame when the entry got populated in the meantime.
func TestTablePopulationRecheck(t *testing.T) {
	setupKernelMap(t, 16*mm.Mb)

	um, err := NewUserMap(mm.AllocCanFail)
	if err != nil {
		t.Fatalf("NewUserMap: %v", err)
	}

	defer func(origAlloc func(mm.AllocFlag) (mm.Frame, *kernel.Error), origRelease func(mm.Frame)) {
		frameAllocator = origAlloc
		frameRelease = origRelease
	}(frameAllocator, frameRelease)

	pageFrame, err := pmm.AllocFrame(0)
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}

	var (
		sideTable mm.Frame
		released  []mm.Frame
		calls     int
	)

	frameAllocator = func(flags mm.AllocFlag) (mm.Frame, *kernel.Error) {
		frame, allocErr := pmm.AllocFrame(flags)
		if allocErr != nil {
			return frame, allocErr
		}

		if calls++; calls == 1 {
			// Populate the entry being walked before handing the
			// frame back, as if the allocation had mapped memory
			// of its own.
			table, tableErr := pmm.AllocFrame(flags)
			if tableErr != nil {
				t.Fatalf("AllocFrame for side table: %v", tableErr)
			}

			entries := tableEntries(um.root)
			entryIndex := (UserSpaceBase >> pageLevelShifts[0]) & (mm.TableEntryCount - 1)
			entries[entryIndex].SetFrame(table)
			entries[entryIndex].SetFlags(um.tableFlags())
			sideTable = table
		}

		return frame, nil
	}

	frameRelease = func(frame mm.Frame) {
		released = append(released, frame)
		pmm.FreeFrame(frame)
	}

	if err = um.Insert(UserSpaceBase, pageFrame, FlagRW|FlagUserAccessible, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if exp, got := 1, len(released); got != exp {
		t.Fatalf("expected exactly one frame release during the re-check; got %d", got)
	}

	entries := tableEntries(um.root)
	entryIndex := (UserSpaceBase >> pageLevelShifts[0]) & (mm.TableEntryCount - 1)
	if got := entries[entryIndex].Frame(); got != sideTable {
		t.Fatalf("expected the walk to keep the concurrently linked table 0x%x; got 0x%x",
			uint64(sideTable), uint64(got))
	}

	gotFrame, _, err := um.Find(UserSpaceBase)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	if gotFrame != pageFrame {
		t.Fatalf("expected the mapping to resolve to frame 0x%x; got 0x%x", uint64(pageFrame), uint64(gotFrame))
	}
}

func TestInsertTableAllocationFailure(t *testing.T) {
	setupKernelMap(t, 16*mm.Mb)

	um, err := NewUserMap(mm.AllocCanFail)
	if err != nil {
		t.Fatalf("NewUserMap: %v", err)
	}

	pageFrame, err := pmm.AllocFrame(0)
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}

	defer func(origAlloc func(mm.AllocFlag) (mm.Frame, *kernel.Error)) {
		frameAllocator = origAlloc
	}(frameAllocator)

	errNoTableFrame := &kernel.Error{Module: "test", Message: "no frame for you"}
	frameAllocator = func(flags mm.AllocFlag) (mm.Frame, *kernel.Error) {
		return mm.InvalidFrame, errNoTableFrame
	}

	if err = um.Insert(UserSpaceBase, pageFrame, FlagRW, mm.AllocCanFail); err != errNoTableFrame {
		t.Fatalf("expected the table allocation error to propagate; got %v", err)
	}

	frameAllocator = pmm.AllocFrame
	if _, _, err = um.Find(UserSpaceBase); err != ErrNotMapped {
		t.Fatalf("expected no mapping to be left behind; got %v", err)
	}
}
