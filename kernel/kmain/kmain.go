// Package kmain wires the memory management and object subsystems
// together. Kmain brings them up in dependency order: the physical memory
// arena first, then the kernel page map with its physical map region, the
// kernel heap on top of both, and finally the boot handle table. Shutdown
// tears the stack down in reverse.
package kmain

import (
	"github.com/aejsmith/kiwi-sub009/kernel"
	"github.com/aejsmith/kiwi-sub009/kernel/kfmt"
	"github.com/aejsmith/kiwi-sub009/kernel/mm"
	"github.com/aejsmith/kiwi-sub009/kernel/mm/heap"
	"github.com/aejsmith/kiwi-sub009/kernel/mm/pmm"
	"github.com/aejsmith/kiwi-sub009/kernel/mm/vmm"
	"github.com/aejsmith/kiwi-sub009/kernel/object"
)

var errBadConfig = &kernel.Error{Module: "kmain", Message: "boot configuration is invalid"}

// Config sizes the subsystems Kmain brings up.
type Config struct {
	// MemoryMB is the size of the physical memory arena in megabytes.
	MemoryMB int

	// KernelHeapPages is the number of pages in the kernel heap region.
	KernelHeapPages int

	// HandleTableCapacity is the number of id slots in the boot handle
	// table.
	HandleTableCapacity int
}

// DefaultConfig returns the boot configuration used when no overrides are
// given: a 64M arena, a 1024-page kernel heap and a default-sized handle
// table.
func DefaultConfig() Config {
	return Config{
		MemoryMB:            64,
		KernelHeapPages:     1024,
		HandleTableCapacity: object.DefaultCapacity,
	}
}

var (
	kernelHeap  *heap.Allocator
	bootHandles *object.Table
	booted      bool
)

// Kmain brings up the memory and object subsystems according to cfg. When
// a stage fails, the stages that already completed are torn down again and
// the failing stage's error is returned.
func Kmain(cfg Config) *kernel.Error {
	if cfg.MemoryMB <= 0 || cfg.KernelHeapPages <= 0 || cfg.HandleTableCapacity <= 0 {
		return errBadConfig
	}

	kfmt.Printf("[kmain] starting up: %dM arena, %d heap pages, %d handle slots\n",
		cfg.MemoryMB, cfg.KernelHeapPages, cfg.HandleTableCapacity)

	if err := pmm.InitArena(mm.Size(cfg.MemoryMB) * mm.Mb); err != nil {
		return err
	}
	kfmt.Printf("[kmain] physical arena ready: %d frames, %d free\n",
		pmm.TotalFrames(), pmm.FreeFrames())

	if err := vmm.InitKernelMap(); err != nil {
		pmm.ReleaseArena()
		return err
	}

	heapStart := vmm.KernelHeapBase
	heapEnd := heapStart + uintptr(cfg.KernelHeapPages)*mm.PageSize
	h, err := heap.New(vmm.KernelMap(), heapStart, heapEnd)
	if err != nil {
		vmm.ResetKernelMap()
		pmm.ReleaseArena()
		return err
	}
	kernelHeap = h
	kfmt.Printf("[kmain] kernel heap ready: %d pages at 0x%x\n",
		cfg.KernelHeapPages, uint64(heapStart))

	bootHandles = object.NewTable(cfg.HandleTableCapacity)
	kfmt.Printf("[kmain] handle table ready: %d slots\n", bootHandles.Capacity())

	booted = true
	return nil
}

// Heap returns the kernel heap, or nil before Kmain has completed.
func Heap() *heap.Allocator {
	return kernelHeap
}

// Handles returns the boot handle table, or nil before Kmain has
// completed.
func Handles() *object.Table {
	return bootHandles
}

// Shutdown tears the subsystems down in reverse bring-up order. The
// handle table is destroyed first so close hooks still run with the heap
// and page maps available; releasing the arena then reclaims every frame,
// translation tables and heap backing included. Shutdown without a
// completed boot does nothing.
func Shutdown() {
	if !booted {
		return
	}

	bootHandles.Destroy()
	bootHandles = nil
	kernelHeap = nil

	vmm.ResetKernelMap()
	pmm.ReleaseArena()

	booted = false
	kfmt.Printf("[kmain] shut down\n")
}
