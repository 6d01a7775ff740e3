package ksync

import (
	"sync"
	"time"

	"github.com/aejsmith/kiwi-sub009/kernel"
)

var (
	// ErrWouldBlock is returned by polling (zero timeout) down operations
	// when the semaphore has no available units.
	ErrWouldBlock = &kernel.Error{Module: "ksync", Message: "operation would block"}

	// ErrTimedOut is returned when a down operation's timeout expires before
	// a unit becomes available.
	ErrTimedOut = &kernel.Error{Module: "ksync", Message: "timed out while waiting"}

	// ErrInterrupted is returned when an interruptible down operation is
	// interrupted before a unit becomes available.
	ErrInterrupted = &kernel.Error{Module: "ksync", Message: "interrupted while waiting"}
)

// SleepFlag alters the blocking behavior of a down operation.
type SleepFlag uint32

const (
	// SleepInterruptible marks the sleep as abortable by Interrupt. The
	// down operation then reports ErrInterrupted instead of consuming a
	// unit.
	SleepInterruptible SleepFlag = 1 << iota
)

type waitStatus uint8

const (
	waitWoken waitStatus = iota
	waitInterrupted
)

// waiter represents one task blocked on a semaphore. A unit handed to a
// waiter bypasses the semaphore count and is delivered straight through the
// result channel.
type waiter struct {
	result        chan waitStatus
	interruptible bool
}

// Semaphore is a counting semaphore. Down operations consume a unit, blocking
// the calling task while none are available; Up releases units and hands them
// to the longest-waiting tasks first.
type Semaphore struct {
	mu      sync.Mutex
	count   int
	waiters []*waiter
}

// NewSemaphore returns a semaphore holding the given number of units.
func NewSemaphore(count int) *Semaphore {
	return &Semaphore{count: count}
}

// Count returns the number of currently available units.
func (s *Semaphore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Up releases count units, waking blocked tasks in arrival order. Units not
// consumed by a blocked task raise the semaphore count.
func (s *Semaphore) Up(count int) {
	s.mu.Lock()
	for ; count > 0; count-- {
		if len(s.waiters) != 0 {
			w := s.waiters[0]
			s.waiters = s.waiters[1:]
			w.result <- waitWoken
			continue
		}
		s.count++
	}
	s.mu.Unlock()
}

// Down consumes a unit, blocking the calling task for as long as none is
// available.
func (s *Semaphore) Down() {
	s.DownTimeout(-1, 0)
}

// DownTimeout consumes a unit, blocking the calling task until one becomes
// available or the timeout expires. A zero timeout polls: when no unit is
// available it fails immediately with ErrWouldBlock. A negative timeout
// blocks forever. With SleepInterruptible set, a call to Interrupt aborts
// the sleep with ErrInterrupted.
func (s *Semaphore) DownTimeout(timeout time.Duration, flags SleepFlag) *kernel.Error {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return nil
	}

	if timeout == 0 {
		s.mu.Unlock()
		return ErrWouldBlock
	}

	w := &waiter{
		result:        make(chan waitStatus, 1),
		interruptible: flags&SleepInterruptible != 0,
	}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	if timeout < 0 {
		if <-w.result == waitInterrupted {
			return ErrInterrupted
		}
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case status := <-w.result:
		if status == waitInterrupted {
			return ErrInterrupted
		}
		return nil
	case <-timer.C:
		s.mu.Lock()
		if s.removeWaiter(w) {
			s.mu.Unlock()
			return ErrTimedOut
		}
		s.mu.Unlock()

		// A wakeup raced with the timeout and already handed us its unit;
		// consume the result so the unit is not lost.
		if <-w.result == waitInterrupted {
			return ErrInterrupted
		}
		return nil
	}
}

// Interrupt aborts the sleep of the longest-waiting interruptible task. It
// returns true if a task was woken, false if no interruptible waiter exists.
func (s *Semaphore) Interrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, w := range s.waiters {
		if !w.interruptible {
			continue
		}
		s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
		w.result <- waitInterrupted
		return true
	}
	return false
}

// removeWaiter unlinks w from the wait queue, returning false when w is no
// longer queued because a wakeup was already delivered to it. Callers must
// hold s.mu.
func (s *Semaphore) removeWaiter(w *waiter) bool {
	for i, queued := range s.waiters {
		if queued == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return true
		}
	}
	return false
}
