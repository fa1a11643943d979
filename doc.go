// Package marshalruntime provides a Go engine for handing out live, callable
// references to in-process objects across apartments and processes.
//
// A process marshals one of its objects into a byte stream; the receiver
// unmarshals the bytes into a proxy that looks like the same object. Calls on
// the proxy are serialized, delivered to the apartment that owns the real
// object, executed there, and the results are marshaled back. Both sides
// cooperatively manage the object's lifetime through lock counts on the stub.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	marshalruntime/     Root package with call buffer Memory and Allocator interfaces
//	├── runtime/        Process-wide state and the collaborator-facing operations
//	├── apartment/      Single-thread and multi-thread dispatchers, call filters
//	├── stub/           Per-apartment stub table with external lock counts
//	├── proxy/          Per-process proxy table and call forwarding
//	├── wire/           Object reference, call and reply wire codecs
//	├── typemarshal/    Per-type size/encode/decode/free marshaler registry
//	├── resource/       Opaque handle table for handles carried as arguments
//	├── wasmobj/        Objects backed by WebAssembly module instances
//	├── config/         TOML and environment configuration
//	├── errors/         Structured error types
//	└── cmd/marshalmon/ CLI and terminal monitor for the stub and proxy tables
//
// # Quick Start
//
//	rt, err := runtime.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	server, _ := rt.NewApartment(apartment.SingleThread)
//	client, _ := rt.NewApartment(apartment.MultiThread)
//
//	var data []byte
//	server.Do(ctx, func(ctx context.Context) error {
//	    data, err = rt.Marshal(ctx, counter, CounterIID, wire.Normal)
//	    return err
//	})
//
//	client.Do(ctx, func(ctx context.Context) error {
//	    h, err := rt.Unmarshal(ctx, data)
//	    if err != nil {
//	        return err
//	    }
//	    defer h.Release()
//	    results, err := h.Invoke(ctx, "add", uint32(2))
//	    ...
//	})
//
// # Marshal Modes
//
//	Normal       - single consumable reference; one unmarshal
//	TableStrong  - shared reference that pins the stub until released
//	TableWeak    - shared reference that does not keep the stub alive
//
// # Thread Safety
//
// Runtime, Apartment and proxy handles are safe for concurrent use. Calls into a
// single-thread apartment are serialized on its owning goroutine; calls into a
// multi-thread apartment may overlap and objects hosted there must be safe for
// concurrent use.
package marshalruntime
