//go:build !plan9 && !windows && !js

package pmm

import (
	"github.com/aejsmith/kiwi-sub009/kernel"

	"golang.org/x/sys/unix"
)

// mapArena obtains the arena backing memory from the host kernel as an
// anonymous private mapping. Keeping the arena out of the Go heap means the
// garbage collector never scans simulated physical memory.
func mapArena(size int) ([]byte, *kernel.Error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errArenaMapFailed
	}
	return buf, nil
}

// unmapArena returns the arena backing memory to the host kernel.
func unmapArena(buf []byte) {
	unix.Munmap(buf)
}
