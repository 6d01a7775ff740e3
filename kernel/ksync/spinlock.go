// Package ksync provides the synchronization primitives used by the kernel
// subsystems: a spinlock for short critical sections and a counting semaphore
// that threads can block on with a timeout.
package ksync

import (
	"runtime"
	"sync/atomic"

	"github.com/aejsmith/kiwi-sub009/kernel"
)

// spinAttemptsBeforeYielding defines how many acquisition attempts are made
// before the spinning task yields the processor.
const spinAttemptsBeforeYielding = 64

var errSpinlockNotHeld = &kernel.Error{Module: "ksync", Message: "spinlock released while not held"}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. It protects short critical sections that
// never block while holding it.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint(0); !l.TryToAcquire(); attempt++ {
		if attempt%spinAttemptsBeforeYielding == spinAttemptsBeforeYielding-1 {
			runtime.Gosched()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it.
// Releasing a lock that is not held indicates an unbalanced critical section
// and is fatal.
func (l *Spinlock) Release() {
	if atomic.SwapUint32(&l.state, 0) == 0 {
		kernel.Panic(errSpinlockNotHeld)
	}
}

// IsHeld returns true if the lock is currently held by any task.
func (l *Spinlock) IsHeld() bool {
	return atomic.LoadUint32(&l.state) == 1
}
