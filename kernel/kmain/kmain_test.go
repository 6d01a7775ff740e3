package kmain

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/aejsmith/kiwi-sub009/kernel"
	"github.com/aejsmith/kiwi-sub009/kernel/kfmt"
	"github.com/aejsmith/kiwi-sub009/kernel/mm"
	"github.com/aejsmith/kiwi-sub009/kernel/mm/pmm"
	"github.com/aejsmith/kiwi-sub009/kernel/mm/vmm"
	"github.com/aejsmith/kiwi-sub009/kernel/object"
)

func bootForTest(t *testing.T, cfg Config) {
	t.Helper()

	if err := Kmain(cfg); err != nil {
		t.Fatalf("Kmain: %v", err)
	}
	t.Cleanup(Shutdown)
}

func TestKmainRejectsBadConfig(t *testing.T) {
	specs := []Config{
		{},
		{MemoryMB: 0, KernelHeapPages: 64, HandleTableCapacity: 16},
		{MemoryMB: 32, KernelHeapPages: 0, HandleTableCapacity: 16},
		{MemoryMB: 32, KernelHeapPages: 64, HandleTableCapacity: -1},
	}

	for specIndex, spec := range specs {
		if err := Kmain(spec); err != errBadConfig {
			t.Errorf("spec %d: expected errBadConfig; got %v", specIndex, err)
		}
	}
}

func TestKmainBringsUpStack(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	bootForTest(t, DefaultConfig())

	if Heap() == nil {
		t.Fatal("expected the kernel heap to be available after boot")
	}

	if Handles() == nil {
		t.Fatal("expected the handle table to be available after boot")
	}

	if exp, got := object.DefaultCapacity, Handles().Capacity(); got != exp {
		t.Fatalf("expected a handle table with %d slots; got %d", exp, got)
	}

	if pmm.FreeFrames() >= pmm.TotalFrames() {
		t.Fatal("expected the boot to consume frames for translation tables")
	}

	for _, stage := range []string{
		"[kmain] starting up",
		"[kmain] physical arena ready",
		"[vmm] physical map",
		"[kmain] kernel heap ready",
		"[kmain] handle table ready",
	} {
		if !strings.Contains(buf.String(), stage) {
			t.Errorf("expected the boot log to report %q; got:\n%s", stage, buf.String())
		}
	}
}

func TestKmainDoubleBootFails(t *testing.T) {
	bootForTest(t, DefaultConfig())

	if err := Kmain(DefaultConfig()); err == nil {
		t.Fatal("expected a second boot to fail")
	}

	// The running stack must survive the failed attempt.
	if Heap() == nil || Handles() == nil {
		t.Fatal("expected the first boot's state to remain intact")
	}
}

func TestShutdownAllowsReboot(t *testing.T) {
	cfg := Config{MemoryMB: 32, KernelHeapPages: 64, HandleTableCapacity: 16}
	bootForTest(t, cfg)

	Shutdown()

	if Heap() != nil || Handles() != nil {
		t.Fatal("expected shutdown to drop the heap and handle table")
	}

	if vmm.KernelMap() != nil {
		t.Fatal("expected shutdown to forget the kernel page map")
	}

	if got := pmm.TotalFrames(); got != 0 {
		t.Fatalf("expected the arena to be released; got %d frames", got)
	}

	bootForTest(t, cfg)

	if Heap() == nil || Handles() == nil {
		t.Fatal("expected a reboot to bring the stack back up")
	}
}

// closeRecorder counts close hook invocations during table destruction.
type closeRecorder struct {
	closeCalls int
}

func (o *closeRecorder) Type() object.Type {
	return object.TypeCondition
}

func (o *closeRecorder) Close() *kernel.Error {
	o.closeCalls++
	return nil
}

func TestShutdownDestroysHandleTable(t *testing.T) {
	bootForTest(t, Config{MemoryMB: 32, KernelHeapPages: 64, HandleTableCapacity: 16})

	obj := &closeRecorder{}
	if _, err := Handles().Create(obj); err != nil {
		t.Fatalf("Create: %v", err)
	}

	Shutdown()

	if exp, got := 1, obj.closeCalls; got != exp {
		t.Fatalf("expected shutdown to close the remaining handle; got %d calls", got)
	}
}

func TestBootStackIntegration(t *testing.T) {
	bootForTest(t, Config{MemoryMB: 32, KernelHeapPages: 64, HandleTableCapacity: 16})

	// Allocate backed memory through the heap and check it out through
	// the page map and frame accessors.
	const allocPages = 2
	allocBytes := mm.Size(allocPages) * mm.Size(mm.PageSize)

	addr, err := Heap().Alloc(allocBytes, mm.AllocZero|mm.AllocCanFail)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	km := vmm.KernelMap()
	for page := 0; page < allocPages; page++ {
		physAddr, terr := km.Translate(addr + uintptr(page)*mm.PageSize)
		if terr != nil {
			t.Fatalf("Translate page %d: %v", page, terr)
		}

		data, ferr := pmm.FrameBytes(mm.FrameFromAddress(physAddr))
		if ferr != nil {
			t.Fatalf("FrameBytes page %d: %v", page, ferr)
		}

		for byteIndex, b := range data {
			if b != 0 {
				t.Fatalf("expected a zero-filled page %d; byte %d is 0x%x", page, byteIndex, b)
			}
		}

		data[0], data[len(data)-1] = 0xaa, 0x55

		// The same frame is addressable through the physical map.
		aliasPhys, aerr := km.Translate(vmm.KernelPhysMapBase + physAddr)
		if aerr != nil || aliasPhys != physAddr {
			t.Fatalf("expected the physical map to alias 0x%x; got 0x%x, %v",
				uint64(physAddr), uint64(aliasPhys), aerr)
		}
	}

	// Round-trip a waitable object through the handle table.
	condID, err := Handles().Create(object.NewCondition())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	h, err := Handles().Get(condID, object.TypeCondition)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	cond := h.Object().(*object.Condition)
	h.Release()

	go func() {
		time.Sleep(10 * time.Millisecond)
		cond.Set()
	}()

	if err = Handles().Wait(condID, object.EventConditionSet, time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if err = Handles().Close(condID); err != nil {
		t.Fatalf("Close: %v", err)
	}

	Heap().Free(addr, allocBytes)

	stats := Heap().Stats()
	if stats.FreeBytes != stats.RegionBytes {
		t.Fatalf("expected an empty heap after the exercise; %d of %d bytes free",
			uint64(stats.FreeBytes), uint64(stats.RegionBytes))
	}
}
