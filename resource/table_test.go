package resource

import (
	"errors"
	"sync"
	"testing"
)

type testObserver struct {
	events []Event
}

func (o *testObserver) OnResourceEvent(e Event) {
	o.events = append(o.events, e)
}

func mustInsert(t *testing.T, table *Table, typeID uint32, value any) Handle {
	t.Helper()
	h, err := table.Insert(typeID, value)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if h == 0 {
		t.Fatal("Expected non-zero handle")
	}
	return h
}

func TestTable_Basic(t *testing.T) {
	table := NewTable()
	h := mustInsert(t, table, 1, "test")

	val, ok := table.Get(h)
	if !ok || val != "test" {
		t.Fatalf("Get = %v, %v", val, ok)
	}
	if _, ok := table.GetTyped(h, 1); !ok {
		t.Fatal("GetTyped with correct type failed")
	}
	if _, ok := table.GetTyped(h, 2); ok {
		t.Fatal("GetTyped with wrong type should fail")
	}
	if id, ok := table.TypeID(h); !ok || id != 1 {
		t.Fatalf("TypeID = %d, %v", id, ok)
	}

	val, err := table.Remove(h)
	if err != nil || val != "test" {
		t.Fatalf("Remove = %v, %v", val, err)
	}
	if table.Len() != 0 {
		t.Fatal("Expected Len() == 0 after Remove")
	}
	if _, err := table.Remove(h); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("second Remove = %v, want ErrInvalidHandle", err)
	}
}

func TestTable_Observer(t *testing.T) {
	table := NewTable()
	obs := &testObserver{}
	table.Subscribe(obs)

	h := mustInsert(t, table, 1, "test")
	if err := table.Borrow(h); err != nil {
		t.Fatalf("Borrow failed: %v", err)
	}
	if err := table.ReturnBorrow(h); err != nil {
		t.Fatalf("ReturnBorrow failed: %v", err)
	}
	if _, err := table.Remove(h); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	want := []EventType{EventCreated, EventBorrowed, EventBorrowReturned, EventDropped}
	if len(obs.events) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(obs.events))
	}
	for i, typ := range want {
		if obs.events[i].Type != typ {
			t.Errorf("event %d = %s, want %s", i, obs.events[i].Type, typ)
		}
		if obs.events[i].Handle != h {
			t.Errorf("event %d has handle %d", i, obs.events[i].Handle)
		}
	}
}

func TestTable_ObserverFunc(t *testing.T) {
	table := NewTable()
	var created int
	table.Subscribe(ObserverFunc(func(e Event) {
		if e.Type == EventCreated {
			created++
		}
	}))
	mustInsert(t, table, 1, "a")
	mustInsert(t, table, 1, "b")
	if created != 2 {
		t.Fatalf("created = %d", created)
	}
}

func TestTable_Borrow(t *testing.T) {
	table := NewTable()
	h := mustInsert(t, table, 1, 100)

	for i := 0; i < 3; i++ {
		if err := table.Borrow(h); err != nil {
			t.Fatalf("Borrow %d failed: %v", i, err)
		}
	}
	if table.Borrows(h) != 3 {
		t.Fatalf("Borrows = %d", table.Borrows(h))
	}
	if _, err := table.Remove(h); !errors.Is(err, ErrOutstandingBorrow) {
		t.Fatalf("Remove with borrows = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := table.ReturnBorrow(h); err != nil {
			t.Fatalf("ReturnBorrow %d failed: %v", i, err)
		}
	}
	if err := table.ReturnBorrow(h); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("extra ReturnBorrow = %v", err)
	}
	if _, err := table.Remove(h); err != nil {
		t.Fatalf("Remove after returning borrows failed: %v", err)
	}
}

func TestTable_HandleReuse(t *testing.T) {
	table := NewTable()
	h1 := mustInsert(t, table, 1, 1)
	h2 := mustInsert(t, table, 1, 2)
	h3 := mustInsert(t, table, 1, 3)

	table.Remove(h2)
	h4 := mustInsert(t, table, 1, 4)
	if h4 != h2 {
		t.Fatalf("expected freed handle %d to be reused, got %d", h2, h4)
	}
	for _, h := range []Handle{h1, h3, h4} {
		if _, ok := table.Get(h); !ok {
			t.Fatalf("handle %d should be valid", h)
		}
	}
}

func TestTable_InvalidHandle(t *testing.T) {
	table := NewTable()
	if _, ok := table.Get(0); ok {
		t.Fatal("Handle 0 should be invalid")
	}
	if _, ok := table.Get(999); ok {
		t.Fatal("Non-existent handle should be invalid")
	}
	if err := table.Borrow(0); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("Borrow(0) = %v", err)
	}
	if _, err := table.Remove(0); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("Remove(0) = %v", err)
	}
}

type dropCounter struct {
	count int
}

func (d *dropCounter) Drop() {
	d.count++
}

func TestTable_Dropper(t *testing.T) {
	table := NewTable()
	d := &dropCounter{}
	h := mustInsert(t, table, 1, d)
	table.Remove(h)
	table.Remove(h)
	if d.count != 1 {
		t.Fatalf("Expected Drop() to be called once, called %d times", d.count)
	}
}

func TestTable_Close(t *testing.T) {
	table := NewTable()
	obs := &testObserver{}
	table.Subscribe(obs)
	d := &dropCounter{}
	mustInsert(t, table, 1, d)
	mustInsert(t, table, 1, "b")

	if err := table.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := table.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if d.count != 1 {
		t.Fatalf("Close dropped %d times", d.count)
	}
	if table.Len() != 0 {
		t.Fatalf("Len after Close = %d", table.Len())
	}
	if _, err := table.Insert(1, "c"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Insert after Close = %v", err)
	}
	dropped := 0
	for _, e := range obs.events {
		if e.Type == EventDropped {
			dropped++
		}
	}
	if dropped != 2 {
		t.Fatalf("dropped events = %d", dropped)
	}
}

func TestTable_Each(t *testing.T) {
	table := NewTable()
	mustInsert(t, table, 1, "a")
	mustInsert(t, table, 2, "b")
	mustInsert(t, table, 1, "c")

	count := 0
	table.Each(func(Handle, uint32, any) bool {
		count++
		return true
	})
	if count != 3 {
		t.Fatalf("Expected to iterate over 3 items, got %d", count)
	}

	count = 0
	table.Each(func(Handle, uint32, any) bool {
		count++
		return false
	})
	if count != 1 {
		t.Fatalf("Expected early termination after 1 item, got %d", count)
	}
}

func TestTable_Concurrent(t *testing.T) {
	table := NewTable()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			h, err := table.Insert(1, id)
			if err != nil {
				t.Errorf("Insert failed: %v", err)
				return
			}
			table.Borrow(h)
			table.ReturnBorrow(h)
			table.Remove(h)
		}(i)
	}

	wg.Wait()
	if table.Len() != 0 {
		t.Fatalf("Len = %d after concurrent insert/remove", table.Len())
	}
}
