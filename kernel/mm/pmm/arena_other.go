//go:build plan9 || windows || js

package pmm

import "github.com/aejsmith/kiwi-sub009/kernel"

// mapArena allocates the arena backing memory from the Go heap on platforms
// without the unix mmap interface.
func mapArena(size int) ([]byte, *kernel.Error) {
	return make([]byte, size), nil
}

func unmapArena(buf []byte) {}
