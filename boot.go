// Boots the hosted kernel subsystems, runs a short exercise over the
// memory and object layers, dumps allocator state and shuts down again.
package main

import (
	"os"

	"github.com/aejsmith/kiwi-sub009/kernel"
	"github.com/aejsmith/kiwi-sub009/kernel/kfmt"
	"github.com/aejsmith/kiwi-sub009/kernel/kmain"
	"github.com/aejsmith/kiwi-sub009/kernel/mm"
	"github.com/aejsmith/kiwi-sub009/kernel/mm/pmm"
	"github.com/aejsmith/kiwi-sub009/kernel/mm/vmm"
	"github.com/aejsmith/kiwi-sub009/kernel/object"
)

func main() {
	kfmt.SetOutputSink(os.Stdout)

	if err := kmain.Kmain(kmain.DefaultConfig()); err != nil {
		kernel.Panic(err)
	}

	demo()

	pmm.PrintStats()
	kmain.Heap().PrintUsage()
	kmain.Shutdown()
}

// demo runs one pass over the booted stack: backed heap memory written
// through the frame accessors, a handle round trip and a cross-goroutine
// condition wait.
func demo() {
	heap := kmain.Heap()
	handles := kmain.Handles()

	size := mm.Size(4) * mm.Size(mm.PageSize)
	addr, err := heap.Alloc(size, mm.AllocZero)
	if err != nil {
		kernel.Panic(err)
	}

	physAddr, err := vmm.KernelMap().Translate(addr)
	if err != nil {
		kernel.Panic(err)
	}

	data, err := pmm.FrameBytes(mm.FrameFromAddress(physAddr))
	if err != nil {
		kernel.Panic(err)
	}

	greeting := "hello from the kernel heap"
	copy(data, greeting)
	kfmt.Printf("[demo] %d bytes at 0x%x backed by frame 0x%x: %s\n",
		uint64(size), uint64(addr), uint64(mm.FrameFromAddress(physAddr)), data[:len(greeting)])

	cond := object.NewCondition()
	id, err := handles.Create(cond)
	if err != nil {
		kernel.Panic(err)
	}

	go cond.Set()

	if err = handles.Wait(id, object.EventConditionSet, -1); err != nil {
		kernel.Panic(err)
	}
	kfmt.Printf("[demo] handle %d signalled\n", int32(id))

	if err = handles.Close(id); err != nil {
		kernel.Panic(err)
	}

	heap.Free(addr, size)
}
