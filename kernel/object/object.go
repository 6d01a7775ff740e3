// Package object implements the kernel object and handle layer. Kernel
// structures are exposed to the rest of the system as typed objects; a
// per-process handle table maps small integer ids to them. Handles are
// reference counted, may be duplicated within a table and shared across
// cloned tables, and waitable objects can be blocked on through their
// table ids.
package object

import (
	"sync"
	"sync/atomic"

	"github.com/aejsmith/kiwi-sub009/kernel"
)

// Type identifies the kind of kernel object a handle refers to.
type Type uint8

const (
	// TypeAny matches any object type in lookups.
	TypeAny Type = iota

	// TypeCondition is a waitable boolean flag.
	TypeCondition

	// TypeSemaphore is a waitable counting semaphore.
	TypeSemaphore
)

// Event selects which state change of a waitable object to wait for. Event
// values are namespaced per object type.
type Event uint32

// ID is a process-local handle table index.
type ID int32

// InvalidID is returned by operations that failed to produce a handle.
const InvalidID = ID(-1)

var (
	// ErrHandleNotFound is returned when an id does not name a handle.
	ErrHandleNotFound = &kernel.Error{Module: "object", Message: "no handle with this id"}

	// ErrTypeMismatch is returned when a handle refers to an object of a
	// different type than the lookup expected.
	ErrTypeMismatch = &kernel.Error{Module: "object", Message: "handle refers to an object of a different type"}

	// ErrNoHandles is returned when a table has no free ids left.
	ErrNoHandles = &kernel.Error{Module: "object", Message: "handle table is full"}

	// ErrNotWaitable is returned when waiting on an object that has no
	// waitable events.
	ErrNotWaitable = &kernel.Error{Module: "object", Message: "object cannot be waited on"}

	// ErrInvalidEvent is returned when an object does not implement the
	// requested event.
	ErrInvalidEvent = &kernel.Error{Module: "object", Message: "object does not implement this event"}

	// ErrBadWaitCount is returned when a multi-wait names no handles or
	// more than the supported maximum.
	ErrBadWaitCount = &kernel.Error{Module: "object", Message: "wait request count out of range"}
)

// Object is implemented by kernel structures that handle tables can refer
// to.
type Object interface {
	// Type identifies the object's kind.
	Type() Type
}

// Closer is implemented by objects that need to approve the closure of
// their last handle reference. A non-nil error vetoes the close: the
// reference is restored and the handle stays valid.
type Closer interface {
	Close() *kernel.Error
}

// Waitable is implemented by objects whose state changes can be waited on
// through the handle layer. Wait registers a waiter for an event, firing
// it immediately when the event condition already holds; Unwait removes a
// registration.
type Waitable interface {
	Wait(event Event, w *Waiter) *kernel.Error
	Unwait(event Event, w *Waiter)
}

// Handle is one reference-counted attachment of an object to handle table
// slots. Duplicated ids and cloned tables share the handle structure; refs
// counts the slots referring to it across every table.
type Handle struct {
	// lock serializes use of the handle against its closure: accessors
	// hold it for reading, closure takes it for writing. A handle is
	// only closed once no use of it is in progress.
	lock sync.RWMutex

	object Object
	refs   atomic.Int32
}

// Object returns the kernel object this handle refers to.
func (h *Handle) Object() Object {
	return h.object
}

// Release ends a use started by Table.Get.
func (h *Handle) Release() {
	h.lock.RUnlock()
}
