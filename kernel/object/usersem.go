package object

import (
	"sync"
	"time"

	"github.com/aejsmith/kiwi-sub009/kernel"
	"github.com/aejsmith/kiwi-sub009/kernel/ksync"
)

// EventSemaphoreAvailable fires while a semaphore holds unconsumed units.
const EventSemaphoreAvailable Event = 1

// UserSemaphore is a waitable counting semaphore object. Down consumes a
// unit, blocking while none remain; Up releases units, handing them to
// blocked takers first. Registered waiters fire only when units are left
// over after the blocked takers are served.
type UserSemaphore struct {
	sem *ksync.Semaphore

	mu      sync.Mutex
	waiters []*Waiter
}

// NewUserSemaphore returns a semaphore object holding count units.
func NewUserSemaphore(count int) *UserSemaphore {
	return &UserSemaphore{sem: ksync.NewSemaphore(count)}
}

// Type returns TypeSemaphore.
func (s *UserSemaphore) Type() Type {
	return TypeSemaphore
}

// Count returns the number of unconsumed units.
func (s *UserSemaphore) Count() int {
	return s.sem.Count()
}

// Down consumes one unit. Timeout semantics match Table.Wait: zero polls,
// negative waits forever; the sleep is interruptible.
func (s *UserSemaphore) Down(timeout time.Duration) *kernel.Error {
	return s.sem.DownTimeout(timeout, ksync.SleepInterruptible)
}

// Up releases count units. Units go to blocked takers first; when any are
// left over the semaphore becomes available and registered waiters fire.
func (s *UserSemaphore) Up(count int) {
	s.sem.Up(count)

	s.mu.Lock()
	if s.sem.Count() > 0 {
		for _, w := range s.waiters {
			w.Fire()
		}
	}
	s.mu.Unlock()
}

// Wait implements Waitable.
func (s *UserSemaphore) Wait(event Event, w *Waiter) *kernel.Error {
	if event != EventSemaphoreAvailable {
		return ErrInvalidEvent
	}

	s.mu.Lock()
	s.waiters = append(s.waiters, w)
	if s.sem.Count() > 0 {
		w.Fire()
	}
	s.mu.Unlock()

	return nil
}

// Unwait implements Waitable.
func (s *UserSemaphore) Unwait(event Event, w *Waiter) {
	s.mu.Lock()
	for waiterIndex, registered := range s.waiters {
		if registered == w {
			s.waiters = append(s.waiters[:waiterIndex], s.waiters[waiterIndex+1:]...)
			break
		}
	}
	s.mu.Unlock()
}
