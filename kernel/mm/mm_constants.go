// Package mm defines the memory management primitives shared by the physical
// frame allocator, the page-map layer and the kernel heap: frame and page
// indices, size helpers and the allocation flags understood by all memory
// allocators.
package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this configuration is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by
	// PageShift) and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// TableEntryBits is the number of virtual address bits resolved by one
	// translation table level.
	TableEntryBits = uintptr(9)

	// TableEntryCount is the number of entries in one translation table.
	TableEntryCount = uintptr(1 << TableEntryBits)

	// TableLevelCount is the number of translation table levels a virtual
	// address walk traverses before reaching a page entry.
	TableLevelCount = 4

	// LargePageShift is equal to log2(LargePageSize). A translation entry
	// one level above the page tables may map a whole large page directly.
	LargePageShift = PageShift + TableEntryBits

	// LargePageSize defines the size of a large page in bytes.
	LargePageSize = uintptr(1 << LargePageShift)
)
