package mm

// AllocFlag adjusts the behavior of memory allocation requests. The zero
// value requests a must-succeed allocation: exhaustion is treated as an
// unrecoverable error and the allocator panics instead of returning.
type AllocFlag uint32

const (
	// AllocZero requests zero-filled memory.
	AllocZero AllocFlag = 1 << iota

	// AllocCanFail makes exhaustion recoverable: the allocator returns an
	// out-of-memory error to the caller instead of panicking.
	AllocCanFail
)
