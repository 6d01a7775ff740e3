package object

import (
	"math/bits"
	"sync"

	"github.com/aejsmith/kiwi-sub009/kernel"
	"github.com/aejsmith/kiwi-sub009/kernel/kfmt"
)

// DefaultCapacity is the handle table size used when no explicit capacity
// is configured.
const DefaultCapacity = 256

// Table maps small integer ids to handles. Ids are allocated lowest-first
// from a bitmap. All table operations serialize on one mutex; blocking
// waits hold per-handle read locks instead so they do not stall the table.
type Table struct {
	mu        sync.Mutex
	handles   []*Handle
	bitmap    []uint64
	destroyed bool
}

// NewTable returns an empty handle table with capacity id slots. A
// non-positive capacity falls back to DefaultCapacity.
func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	words := (capacity + 63) / 64
	t := &Table{
		handles: make([]*Handle, capacity),
		bitmap:  make([]uint64, words),
	}

	// Mark the pad bits past the capacity as taken so id allocation
	// never walks off the table.
	for bitIndex := capacity; bitIndex < words*64; bitIndex++ {
		t.bitmap[bitIndex>>6] |= 1 << uint(bitIndex&63)
	}

	return t
}

// Capacity returns the number of id slots in the table.
func (t *Table) Capacity() int {
	return len(t.handles)
}

// Count returns the number of ids currently in use.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for _, h := range t.handles {
		if h != nil {
			count++
		}
	}

	return count
}

// allocID claims the lowest free id. The caller must hold the table mutex.
func (t *Table) allocID() (ID, bool) {
	for wordIndex, word := range t.bitmap {
		if word == ^uint64(0) {
			continue
		}

		bit := bits.TrailingZeros64(^word)
		t.bitmap[wordIndex] |= 1 << uint(bit)
		return ID(wordIndex*64 + bit), true
	}

	return InvalidID, false
}

func (t *Table) setID(id ID) {
	t.bitmap[id>>6] |= 1 << uint(id&63)
}

func (t *Table) clearID(id ID) {
	t.bitmap[id>>6] &^= 1 << uint(id&63)
}

// lookup resolves an id to its handle. The caller must hold the table
// mutex.
func (t *Table) lookup(id ID) (*Handle, *kernel.Error) {
	if id < 0 || int(id) >= len(t.handles) || t.handles[id] == nil {
		return nil, ErrHandleNotFound
	}

	return t.handles[id], nil
}

// Create attaches an object to the lowest free id and returns it.
func (t *Table) Create(obj Object) (ID, *kernel.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.destroyed {
		return InvalidID, ErrNoHandles
	}

	id, ok := t.allocID()
	if !ok {
		return InvalidID, ErrNoHandles
	}

	h := &Handle{object: obj}
	h.refs.Store(1)
	t.handles[id] = h

	return id, nil
}

// Get looks up an id, validates the object's type against typ and returns
// the handle locked for use; the caller must call Release when done with
// it. TypeAny skips the type check. A handle that is being used cannot be
// closed out from under its users.
func (t *Table) Get(id ID, typ Type) (*Handle, *kernel.Error) {
	t.mu.Lock()

	h, err := t.lookup(id)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}

	if typ != TypeAny && h.object.Type() != typ {
		t.mu.Unlock()
		return nil, ErrTypeMismatch
	}

	h.lock.RLock()
	t.mu.Unlock()

	return h, nil
}

// TypeOf returns the type of the object the id refers to.
func (t *Table) TypeOf(id ID) (Type, *kernel.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, err := t.lookup(id)
	if err != nil {
		return TypeAny, err
	}

	return h.object.Type(), nil
}

// Close detaches the id from its handle, waiting for in-progress uses of
// the handle to finish first. When the last reference anywhere goes away
// the object's close hook runs; its veto restores the reference and leaves
// the handle in place.
func (t *Table) Close(id ID) *kernel.Error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closeLocked(id)
}

// closeLocked implements Close. The caller must hold the table mutex.
func (t *Table) closeLocked(id ID) *kernel.Error {
	h, err := t.lookup(id)
	if err != nil {
		return err
	}

	h.lock.Lock()
	if h.refs.Add(-1) == 0 {
		if closer, ok := h.object.(Closer); ok {
			if cerr := closer.Close(); cerr != nil {
				h.refs.Add(1)
				h.lock.Unlock()
				return cerr
			}
		}
	}
	h.lock.Unlock()

	t.handles[id] = nil
	t.clearID(id)

	return nil
}

// Duplicate makes the handle at id available under a second id and returns
// it. A negative target picks the lowest free id. An explicit target that
// is occupied has its handle closed first; a veto of that closure aborts
// the duplication. Duplicating an id onto itself is a no-op.
func (t *Table) Duplicate(id, target ID) (ID, *kernel.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, err := t.lookup(id)
	if err != nil {
		return InvalidID, err
	}

	if target < 0 {
		newID, ok := t.allocID()
		if !ok {
			return InvalidID, ErrNoHandles
		}

		h.refs.Add(1)
		t.handles[newID] = h

		return newID, nil
	}

	if int(target) >= len(t.handles) {
		return InvalidID, ErrHandleNotFound
	}

	if target == id {
		return target, nil
	}

	if t.handles[target] != nil {
		if cerr := t.closeLocked(target); cerr != nil {
			return InvalidID, cerr
		}
	}

	h.refs.Add(1)
	t.handles[target] = h
	t.setID(target)

	return target, nil
}

// Clone returns a new table of the same capacity referencing every handle
// of t at the same ids. The handles are shared: closing an id in one table
// leaves the other table's reference intact.
func (t *Table) Clone() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()

	clone := NewTable(len(t.handles))
	for slot, h := range t.handles {
		if h == nil {
			continue
		}

		h.refs.Add(1)
		clone.handles[slot] = h
		clone.setID(ID(slot))
	}

	return clone
}

// Destroy force-closes every handle still in the table. Close hook vetoes
// are logged and overridden so the table ends up empty regardless. A
// destroyed table accepts no new handles.
func (t *Table) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.destroyed {
		return
	}
	t.destroyed = true

	for slot, h := range t.handles {
		if h == nil {
			continue
		}

		h.lock.Lock()
		if h.refs.Add(-1) == 0 {
			if closer, ok := h.object.(Closer); ok {
				if cerr := closer.Close(); cerr != nil {
					kfmt.Printf("[object] overriding close veto for handle %d during table destroy: %s\n",
						slot, cerr.Message)
				}
			}
		}
		h.lock.Unlock()

		t.handles[slot] = nil
		t.clearID(ID(slot))
	}
}
