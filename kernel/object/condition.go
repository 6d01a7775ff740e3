package object

import (
	"sync"

	"github.com/aejsmith/kiwi-sub009/kernel"
)

// EventConditionSet fires while a condition is set.
const EventConditionSet Event = 1

// Condition is a waitable boolean flag. Registered waiters fire whenever
// the flag becomes set, and registering against an already-set condition
// fires immediately.
type Condition struct {
	mu      sync.Mutex
	set     bool
	waiters []*Waiter
}

// NewCondition returns an unset condition.
func NewCondition() *Condition {
	return &Condition{}
}

// Type returns TypeCondition.
func (c *Condition) Type() Type {
	return TypeCondition
}

// Set raises the flag and fires every registered waiter. Setting a
// condition that is already set does nothing.
func (c *Condition) Set() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.set {
		return
	}
	c.set = true

	for _, w := range c.waiters {
		w.Fire()
	}
}

// Reset lowers the flag.
func (c *Condition) Reset() {
	c.mu.Lock()
	c.set = false
	c.mu.Unlock()
}

// IsSet returns the current state of the flag.
func (c *Condition) IsSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.set
}

// Wait implements Waitable.
func (c *Condition) Wait(event Event, w *Waiter) *kernel.Error {
	if event != EventConditionSet {
		return ErrInvalidEvent
	}

	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	if c.set {
		w.Fire()
	}
	c.mu.Unlock()

	return nil
}

// Unwait implements Waitable.
func (c *Condition) Unwait(event Event, w *Waiter) {
	c.mu.Lock()
	for waiterIndex, registered := range c.waiters {
		if registered == w {
			c.waiters = append(c.waiters[:waiterIndex], c.waiters[waiterIndex+1:]...)
			break
		}
	}
	c.mu.Unlock()
}
