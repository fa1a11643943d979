// Package runtime ties the marshaling engine together: apartments and their
// stub tables, the process proxy table, the type registry and the handle
// table.
//
// # Quick Start
//
//	ctx := context.Background()
//	rt, err := runtime.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	// Describe the interface both ends agree on
//	rt.RegisterInterface(&typemarshal.Interface{ID: CounterIID, Name: "counter", Methods: ...})
//
//	// Host an object in a single-thread apartment and export it
//	server, _ := rt.NewApartment(apartment.SingleThread)
//	var data []byte
//	server.Do(ctx, func(ctx context.Context) error {
//	    data, err = rt.Marshal(ctx, counter, CounterIID, wire.Normal)
//	    return err
//	})
//
//	// Import it anywhere else and call it
//	h, err := rt.Unmarshal(ctx, data)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Release()
//	out, err := h.Invoke(ctx, "add", uint32(2))
//
// # Marshal Modes
//
// A Normal reference is consumed by exactly one Unmarshal; its stub lock
// moves to the new proxy. TableStrong references may be unmarshaled many
// times and pin the stub until ReleaseMarshalData. TableWeak references may
// be unmarshaled many times without keeping the stub alive.
//
// # Apartments
//
// Callers outside any apartment use the runtime's default multi-thread
// apartment. Proxies unmarshaled inside a single-thread apartment are bound
// to it and fail with a wrong-apartment error elsewhere.
//
// # Other Processes
//
// References marshaled with CrossProcess carry the exporting process id. A
// runtime given a Transport dials that process when unmarshaling; without
// one the reference is unsupported.
package runtime
