// Package resource provides the handle table for opaque handles carried as
// call arguments.
//
// A handle is an integer standing in for a Go value that never crosses the
// marshaling boundary itself. Within one process the handle is passed as is
// and the receiver resolves it against the shared table. Across processes the
// exporting side serializes the value and the receiver inserts a Blob into
// its own table under a fresh handle.
//
//	table := resource.NewTable()
//
//	h, err := table.Insert(BitmapTypeID, bitmap)
//	value, ok := table.Get(h)
//
// # Borrows
//
// A borrow<T> argument is lent to the callee for the duration of one call:
//
//	table.Borrow(h)       // while the call runs
//	table.ReturnBorrow(h) // when the argument is freed
//
// Remove fails with ErrOutstandingBorrow while a borrow is outstanding.
//
// # Observers
//
//	table.Subscribe(resource.ObserverFunc(func(e resource.Event) {
//	    log.Printf("handle %d %s", e.Handle, e.Type)
//	}))
//
// Values are not garbage collected. Call Remove when the handle is dropped,
// or Close to drop everything at once. Values implementing Dropper are
// dropped exactly once.
package resource
