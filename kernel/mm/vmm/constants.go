package vmm

import "github.com/aejsmith/kiwi-sub009/kernel/mm"

const (
	// pageLevels indicates the number of translation table levels a walk
	// traverses before reaching a page entry.
	pageLevels = mm.TableLevelCount

	// ptePhysPageMask is a mask that allows us to extract the physical
	// memory address pointed to by a page table entry. Bits 12-51 contain
	// the physical frame address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// UserSpaceBase is the lowest virtual address a user page map covers.
	// The zero page is left unmapped so null dereferences always fault.
	UserSpaceBase = uintptr(0x0000000000001000)

	// UserSpaceEnd is the highest virtual address a user page map covers.
	UserSpaceEnd = uintptr(0x00007fffffffffff)

	// KernelSpaceBase is the lowest virtual address of the shared kernel
	// half. Every user map imports the kernel half so kernel code stays
	// addressable while the map is active.
	KernelSpaceBase = uintptr(0xffff800000000000)

	// KernelSpaceEnd is the highest virtual address of the kernel half.
	KernelSpaceEnd = uintptr(0xffffffffffffffff)

	// KernelHeapBase is the start of the region the kernel heap hands out
	// addresses from.
	KernelHeapBase = uintptr(0xffffc00000000000)

	// KernelPhysMapBase is the start of the physical map region: the whole
	// physical arena is made addressable here through large entries.
	KernelPhysMapBase = uintptr(0xffffff0000000000)
)

// pageLevelShifts defines the shift required to extract each level's table
// index from a virtual address.
var pageLevelShifts = [pageLevels]uintptr{39, 30, 21, 12}

// kernelHalfFirstIndex is the first top-level table index belonging to the
// shared kernel half.
var kernelHalfFirstIndex = int((KernelSpaceBase >> pageLevelShifts[0]) & (mm.TableEntryCount - 1))

const (
	// FlagPresent is set when the page is available in memory and not
	// swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this
	// page. If not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage marks a large entry: one translation entry a level above
	// the page tables that maps a whole large page.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory
	// address for this page when swapping page tables.
	FlagGlobal

	// FlagCopyOnWrite is used to implement copy-on-write functionality.
	// This flag and FlagRW are mutually exclusive.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute if set, indicates that a page contains non-executable
	// code.
	FlagNoExecute = 1 << 63
)
