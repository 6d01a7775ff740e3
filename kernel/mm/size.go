package mm

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() int {
	pageSizeMinus1 := Size(PageSize - 1)
	return int((s + pageSizeMinus1) &^ pageSizeMinus1 >> PageShift)
}

// IsPageMultiple returns true if this size is an exact multiple of the page
// size.
func (s Size) IsPageMultiple() bool {
	return s != 0 && s&Size(PageSize-1) == 0
}
