package proxy

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.bytecodealliance.org/wit"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/wippyai/marshal-runtime/apartment"
	"github.com/wippyai/marshal-runtime/errors"
	"github.com/wippyai/marshal-runtime/stub"
	"github.com/wippyai/marshal-runtime/typemarshal"
	"github.com/wippyai/marshal-runtime/wire"
)

var (
	adderIID = wire.MustParseInterfaceID("3d0c6a1e-5b8f-4f5e-8e0b-7a1f2c9d4e21")
	process  = uuid.MustParse("9a5c1e2f-0000-4000-8000-000000000001")
)

type fakePeer struct {
	apts     map[wire.ApartmentID]*apartment.Apartment
	releases atomic.Int32
}

func (f *fakePeer) Call(ctx context.Context, apt wire.ApartmentID, msg []byte) ([]byte, error) {
	a, ok := f.apts[apt]
	if !ok {
		return nil, errors.Disconnected(errors.PhaseCall, "no such apartment")
	}
	call, err := wire.DecodeCall(msg)
	if err != nil {
		return nil, err
	}
	return wire.EncodeReply(a.Call(ctx, call)), nil
}

func (f *fakePeer) Acquire(context.Context, *wire.ObjectRef, uint64) error { return nil }

func (f *fakePeer) Release(_ context.Context, _ wire.ApartmentID, _ wire.ObjectID, locks uint32) error {
	f.releases.Add(int32(locks))
	return nil
}

func (f *fakePeer) Remarshal(context.Context, wire.ApartmentID, wire.ObjectID, wire.InterfaceID, wire.Mode, wire.Context) ([]byte, error) {
	return nil, errors.Unsupported(errors.PhaseMarshal, "remarshal")
}

type fixture struct {
	reg    *typemarshal.Registry
	peer   *fakePeer
	table  *Table
	server *apartment.Apartment
	spans  *tracetest.SpanRecorder
	obj    wire.ObjectID
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	reg := typemarshal.NewRegistry(nil)
	err := reg.RegisterInterface(&typemarshal.Interface{
		ID:   adderIID,
		Name: "adder",
		Methods: []typemarshal.Method{{
			Name:    "add",
			Params:  []typemarshal.Param{{Name: "a", Type: wit.U32{}}, {Name: "b", Type: wit.U32{}}},
			Results: []typemarshal.Param{{Name: "sum", Type: wit.U32{}}},
		}, {
			Name: "slow",
		}},
	})
	if err != nil {
		t.Fatalf("RegisterInterface: %v", err)
	}

	server, err := apartment.New(apartment.Config{ID: 7, Model: apartment.MultiThread, Registry: reg})
	if err != nil {
		t.Fatalf("apartment.New: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })

	obj := stub.NewFuncs(map[string]stub.MethodFunc{
		"add": func(ctx context.Context, args []any) ([]any, error) {
			return []any{args[0].(uint32) + args[1].(uint32)}, nil
		},
		"slow": func(ctx context.Context, args []any) ([]any, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		},
	}, adderIID)
	g, err := server.Stubs().Marshal(obj, adderIID, wire.TableStrong)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	sr := tracetest.NewSpanRecorder()
	cfg.Registry = reg
	cfg.Tracer = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)).Tracer(TracerName)
	peer := &fakePeer{apts: map[wire.ApartmentID]*apartment.Apartment{7: server}}
	return &fixture{reg: reg, peer: peer, table: NewTable(cfg), server: server, spans: sr, obj: g.Object}
}

func (f *fixture) key(binding wire.ApartmentID) Key {
	return Key{Process: process, Apartment: 7, Object: f.obj, Binding: binding}
}

func TestHandle_Invoke(t *testing.T) {
	f := newFixture(t, Config{})
	h, created := f.table.Insert(f.key(0), adderIID, wire.SameProcess, f.peer, nil)
	if !created {
		t.Fatal("first Insert should create the proxy")
	}
	defer h.Release()

	out, err := h.Invoke(context.Background(), "add", uint32(2), uint32(40))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out[0] != uint32(42) {
		t.Fatalf("sum = %v", out[0])
	}
	if h.Proxy().Calls() != 1 {
		t.Fatalf("calls = %d", h.Proxy().Calls())
	}

	res := <-h.InvokeAsync(context.Background(), "add", uint32(1), uint32(1))
	if res.Err != nil || res.Values[0] != uint32(2) {
		t.Fatalf("async result = %+v", res)
	}

	spans := f.spans.Ended()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Name() != "marshal.call add" {
		t.Fatalf("span name = %q", spans[0].Name())
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["marshal.method"] != "add" || attrs["marshal.interface"] != adderIID.String() || attrs["marshal.apartment"] != "7" {
		t.Fatalf("span attributes = %v", attrs)
	}
}

func TestHandle_InvokeErrors(t *testing.T) {
	f := newFixture(t, Config{})
	h, _ := f.table.Insert(f.key(0), adderIID, wire.SameProcess, f.peer, nil)
	defer h.Release()

	if _, err := h.Invoke(context.Background(), "sub", uint32(1)); errors.KindOf(err) != errors.KindNotFound {
		t.Fatalf("unknown method = %v", err)
	}
	if _, err := h.Invoke(context.Background(), "add", "x", uint32(1)); errors.KindOf(err) != errors.KindTypeMismatch {
		t.Fatalf("bad argument = %v", err)
	}

	spans := f.spans.Ended()
	if len(spans) != 2 || spans[0].Status().Code != codes.Error {
		t.Fatalf("failed calls should record error spans, got %d", len(spans))
	}
}

func TestHandle_ReleaseIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	h1, _ := f.table.Insert(f.key(0), adderIID, wire.SameProcess, f.peer, nil)
	h2, created := f.table.Insert(f.key(0), adderIID, wire.SameProcess, f.peer, nil)
	if created {
		t.Fatal("second Insert should reuse the proxy")
	}
	h3, ok := f.table.Lookup(f.key(0), adderIID)
	if !ok || h3.Proxy() != h1.Proxy() {
		t.Fatal("Lookup should return the same proxy")
	}

	h1.Release()
	h1.Release()
	h2.Release()
	if f.table.Len() != 1 || f.peer.releases.Load() != 0 {
		t.Fatalf("len=%d releases=%d with one holder left", f.table.Len(), f.peer.releases.Load())
	}
	if _, err := h1.Invoke(context.Background(), "add", uint32(1), uint32(1)); !errors.Is(err, errors.ErrClosed) {
		t.Fatalf("Invoke on released handle = %v", err)
	}

	h3.Release()
	if f.table.Len() != 0 {
		t.Fatal("proxy should be gone after the last release")
	}
	if f.peer.releases.Load() != 1 {
		t.Fatalf("releases = %d, want exactly 1", f.peer.releases.Load())
	}
	if !h3.Proxy().Dead() {
		t.Fatal("released proxy should be dead")
	}
}

func TestHandle_WrongApartment(t *testing.T) {
	f := newFixture(t, Config{})
	sta, err := apartment.New(apartment.Config{ID: 9, Model: apartment.SingleThread, Registry: f.reg})
	if err != nil {
		t.Fatalf("apartment.New: %v", err)
	}
	defer sta.Close()

	h, _ := f.table.Insert(f.key(9), adderIID, wire.SameProcess, f.peer, sta)
	defer h.Release()

	if _, err := h.Invoke(context.Background(), "add", uint32(1), uint32(2)); !errors.Is(err, errors.ErrWrongApartment) {
		t.Fatalf("call from outside = %v, want WrongApartment", err)
	}
	err = sta.Do(context.Background(), func(ctx context.Context) error {
		_, err := h.Invoke(ctx, "add", uint32(1), uint32(2))
		return err
	})
	if err != nil {
		t.Fatalf("call from the bound apartment: %v", err)
	}
}

func TestTable_DetachAndMarkDead(t *testing.T) {
	f := newFixture(t, Config{})
	bound, _ := f.table.Insert(f.key(9), adderIID, wire.SameProcess, f.peer, nil)
	free, _ := f.table.Insert(f.key(0), adderIID, wire.SameProcess, f.peer, nil)

	if n := f.table.Detach(9); n != 1 {
		t.Fatalf("Detach = %d", n)
	}
	if f.peer.releases.Load() != 1 {
		t.Fatalf("detached proxy should release its lock, got %d", f.peer.releases.Load())
	}
	if _, err := bound.Invoke(context.Background(), "add", uint32(1), uint32(1)); !errors.Is(err, errors.ErrDisconnected) {
		t.Fatalf("detached call = %v", err)
	}
	bound.Release()
	if f.peer.releases.Load() != 1 {
		t.Fatal("releasing a detached handle must not release again")
	}

	n := f.table.MarkDead(func(k Key) bool { return k.Apartment == 7 })
	if n != 1 {
		t.Fatalf("MarkDead = %d", n)
	}
	if _, err := free.Invoke(context.Background(), "add", uint32(1), uint32(1)); !errors.Is(err, errors.ErrDisconnected) {
		t.Fatalf("dead call = %v", err)
	}
	free.Release()
	if f.peer.releases.Load() != 1 {
		t.Fatal("a dead proxy has no owner to release to")
	}
}

func TestHandle_DisconnectedReplyKillsProxy(t *testing.T) {
	f := newFixture(t, Config{})
	h, _ := f.table.Insert(f.key(0), adderIID, wire.SameProcess, f.peer, nil)
	defer h.Release()

	if err := f.server.Stubs().Disconnect(f.obj); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, err := h.Invoke(context.Background(), "add", uint32(1), uint32(1)); !errors.Is(err, errors.ErrDisconnected) {
		t.Fatalf("call after disconnect = %v", err)
	}
	if !h.Proxy().Dead() {
		t.Fatal("proxy should be marked dead")
	}
}

func TestHandle_CallTimeout(t *testing.T) {
	f := newFixture(t, Config{CallTimeout: 10 * time.Millisecond})
	sta, err := apartment.New(apartment.Config{ID: 8, Model: apartment.SingleThread, Registry: f.reg})
	if err != nil {
		t.Fatalf("apartment.New: %v", err)
	}
	defer sta.Close()
	g, _ := sta.Stubs().Marshal(stub.NewFuncs(map[string]stub.MethodFunc{
		"slow": func(ctx context.Context, args []any) ([]any, error) { return nil, nil },
	}, adderIID), adderIID, wire.TableStrong)
	f.peer.apts[8] = sta

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = sta.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	h, _ := f.table.Insert(Key{Process: process, Apartment: 8, Object: g.Object}, adderIID, wire.SameProcess, f.peer, nil)
	defer h.Release()
	_, err = h.Invoke(context.Background(), "slow")
	if !errors.Is(err, errors.ErrCallRejected) {
		t.Fatalf("call to a busy apartment = %v, want CallRejected", err)
	}
	if stderrors.Is(err, context.Canceled) {
		t.Fatal("timeout should not look like cancellation")
	}
}
