package object

import (
	"sync/atomic"
	"time"

	"github.com/aejsmith/kiwi-sub009/kernel"
	"github.com/aejsmith/kiwi-sub009/kernel/ksync"
)

// maxWaitRequests bounds the number of handle/event pairs one multi-wait
// may name.
const maxWaitRequests = 1024

// waitSync is the state shared by every waiter of one wait call: the
// semaphore the calling thread sleeps on and the index of the first
// registration to fire.
type waitSync struct {
	sem    *ksync.Semaphore
	winner atomic.Int32
}

// Waiter is one registration of a wait call against a waitable object. The
// object fires it when the waited-for event occurs or already holds at
// registration time.
type Waiter struct {
	sync  *waitSync
	index int32
}

// Fire records this waiter's event as having occurred and wakes the
// waiting thread. The first registration to fire decides the wait's
// result; firing again or losing the race only adds a wake-up that the
// wait discards.
func (w *Waiter) Fire() {
	w.sync.winner.CompareAndSwap(int32(InvalidID), w.index)
	w.sync.sem.Up(1)
}

// WaitRequest names one handle/event pair for WaitMultiple.
type WaitRequest struct {
	ID    ID
	Event Event
}

// Wait blocks until the object behind id signals the event. A zero timeout
// polls: ErrWouldBlock is returned when the event does not already hold. A
// negative timeout waits forever. The wait is interruptible.
func (t *Table) Wait(id ID, event Event, timeout time.Duration) *kernel.Error {
	_, err := t.WaitMultiple([]WaitRequest{{ID: id, Event: event}}, timeout)
	return err
}

// WaitMultiple blocks until one of the named handle/event pairs signals
// and returns the index of the first request to fire. Every named handle
// is held in use for the duration of the wait and every registration is
// removed exactly once before returning, no matter which event fired.
// Timeout semantics match Wait.
func (t *Table) WaitMultiple(requests []WaitRequest, timeout time.Duration) (int, *kernel.Error) {
	if len(requests) == 0 || len(requests) > maxWaitRequests {
		return -1, ErrBadWaitCount
	}

	sync := &waitSync{sem: ksync.NewSemaphore(0)}
	sync.winner.Store(int32(InvalidID))

	type registration struct {
		handle   *Handle
		waitable Waitable
		event    Event
		waiter   *Waiter
	}

	regs := make([]registration, 0, len(requests))
	unwind := func() {
		for _, reg := range regs {
			reg.waitable.Unwait(reg.event, reg.waiter)
			reg.handle.Release()
		}
	}

	for reqIndex, req := range requests {
		h, err := t.Get(req.ID, TypeAny)
		if err != nil {
			unwind()
			return -1, err
		}

		waitable, ok := h.object.(Waitable)
		if !ok {
			h.Release()
			unwind()
			return -1, ErrNotWaitable
		}

		w := &Waiter{sync: sync, index: int32(reqIndex)}
		if err = waitable.Wait(req.Event, w); err != nil {
			h.Release()
			unwind()
			return -1, err
		}

		regs = append(regs, registration{handle: h, waitable: waitable, event: req.Event, waiter: w})
	}

	waitErr := sync.sem.DownTimeout(timeout, ksync.SleepInterruptible)

	unwind()

	if waitErr != nil {
		return -1, waitErr
	}

	return int(sync.winner.Load()), nil
}
