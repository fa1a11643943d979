// Package wasmobj hosts WebAssembly module instances as marshalable objects.
//
// A Module compiled by an Engine can describe its exports as an interface
// and be instantiated any number of times. Each Object serializes calls into
// its instance and closes it when the object's stub is destroyed.
//
//	e := wasmobj.NewEngine(ctx, nil)
//	m, _ := e.Compile(ctx, wasm)
//	iface, _ := m.Interface(MathIID, "math")
//	rt.RegisterInterface(iface)
//	obj, _ := m.Instantiate(ctx, MathIID)
//	data, _ := rt.Marshal(ctx, obj, MathIID, wire.Normal)
package wasmobj
