package resource

import (
	"errors"
	"sync"
)

var (
	ErrClosed            = errors.New("handle table closed")
	ErrInvalidHandle     = errors.New("invalid handle")
	ErrOutstandingBorrow = errors.New("cannot remove handle with outstanding borrows")
)

type slot struct {
	value   any
	typeID  uint32
	borrows uint32
	valid   bool
}

// Table maps integer handles to Go values. Freed handles are reused.
// It is safe for concurrent use.
type Table struct {
	slots     []slot
	freeList  []Handle
	observers []Observer
	mu        sync.RWMutex
	obsMu     sync.RWMutex
	closed    bool
}

// NewTable creates an empty handle table.
func NewTable() *Table {
	return &Table{
		slots:    make([]slot, 0, 64),
		freeList: make([]Handle, 0, 16),
	}
}

// Insert stores a value and returns its handle.
func (t *Table) Insert(typeID uint32, value any) (Handle, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}

	s := slot{typeID: typeID, value: value, valid: true}
	var h Handle
	if n := len(t.freeList); n > 0 {
		h = t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.slots[h-1] = s
	} else {
		t.slots = append(t.slots, s)
		h = Handle(len(t.slots))
	}
	t.mu.Unlock()

	t.notify(Event{Type: EventCreated, Handle: h, TypeID: typeID, Value: value})
	return h, nil
}

// lookup returns the live slot for h. Caller holds t.mu.
func (t *Table) lookup(h Handle) *slot {
	if h == 0 || int(h) > len(t.slots) {
		return nil
	}
	s := &t.slots[h-1]
	if !s.valid {
		return nil
	}
	return s
}

// Get retrieves a value by handle.
func (t *Table) Get(h Handle) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.lookup(h)
	if s == nil {
		return nil, false
	}
	return s.value, true
}

// GetTyped retrieves a value only if it was inserted with typeID.
func (t *Table) GetTyped(h Handle, typeID uint32) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.lookup(h)
	if s == nil || s.typeID != typeID {
		return nil, false
	}
	return s.value, true
}

// TypeID returns the type a handle was inserted with.
func (t *Table) TypeID(h Handle) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.lookup(h)
	if s == nil {
		return 0, false
	}
	return s.typeID, true
}

// Borrow marks h as lent out for the duration of a call. A borrowed handle
// cannot be removed until every borrow is returned.
func (t *Table) Borrow(h Handle) error {
	t.mu.Lock()
	s := t.lookup(h)
	if s == nil {
		t.mu.Unlock()
		return ErrInvalidHandle
	}
	s.borrows++
	e := Event{Type: EventBorrowed, Handle: h, TypeID: s.typeID, Value: s.value}
	t.mu.Unlock()

	t.notify(e)
	return nil
}

// ReturnBorrow releases one borrow taken with Borrow.
func (t *Table) ReturnBorrow(h Handle) error {
	t.mu.Lock()
	s := t.lookup(h)
	if s == nil || s.borrows == 0 {
		t.mu.Unlock()
		return ErrInvalidHandle
	}
	s.borrows--
	e := Event{Type: EventBorrowReturned, Handle: h, TypeID: s.typeID, Value: s.value}
	t.mu.Unlock()

	t.notify(e)
	return nil
}

// Borrows returns the outstanding borrow count of h.
func (t *Table) Borrows(h Handle) uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s := t.lookup(h); s != nil {
		return s.borrows
	}
	return 0
}

// Remove drops a handle and returns its value. Values implementing Dropper
// are dropped after the table lock is released.
func (t *Table) Remove(h Handle) (any, error) {
	t.mu.Lock()
	s := t.lookup(h)
	if s == nil {
		t.mu.Unlock()
		return nil, ErrInvalidHandle
	}
	if s.borrows > 0 {
		t.mu.Unlock()
		return nil, ErrOutstandingBorrow
	}
	value, typeID := s.value, s.typeID
	*s = slot{}
	t.freeList = append(t.freeList, h)
	t.mu.Unlock()

	if d, ok := value.(Dropper); ok {
		d.Drop()
	}
	t.notify(Event{Type: EventDropped, Handle: h, TypeID: typeID, Value: value})
	return value, nil
}

// Subscribe adds an observer for lifecycle events.
func (t *Table) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for i := range t.slots {
		if t.slots[i].valid {
			n++
		}
	}
	return n
}

// Each calls fn for every live handle until fn returns false.
// fn must not call back into the table.
func (t *Table) Each(fn func(Handle, uint32, any) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i, s := range t.slots {
		if s.valid && !fn(Handle(i+1), s.typeID, s.value) {
			return
		}
	}
}

// Close drops every live value and rejects further inserts.
func (t *Table) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	slots := t.slots
	t.slots = nil
	t.freeList = nil
	t.mu.Unlock()

	for i := range slots {
		if !slots[i].valid {
			continue
		}
		if d, ok := slots[i].value.(Dropper); ok {
			d.Drop()
		}
		t.notify(Event{Type: EventDropped, Handle: Handle(i + 1), TypeID: slots[i].typeID, Value: slots[i].value})
	}
	return nil
}

func (t *Table) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnResourceEvent(e)
	}
}
