package proxy

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wippyai/marshal-runtime/apartment"
	"github.com/wippyai/marshal-runtime/errors"
	"github.com/wippyai/marshal-runtime/typemarshal"
	"github.com/wippyai/marshal-runtime/wire"
)

// Proxy stands in for an object owned by another apartment. One proxy
// exists per key; every unmarshal of the same object hands out a Handle
// to it.
type Proxy struct {
	table   *Table
	peer    Peer
	bound   *apartment.Apartment
	key     Key
	iid     wire.InterfaceID
	refs    int
	calls   atomic.Uint64
	dead    atomic.Bool
	context wire.Context
}

// Key returns the proxy's table key.
func (p *Proxy) Key() Key { return p.key }

// Peer returns the owning side the proxy forwards to.
func (p *Proxy) Peer() Peer { return p.peer }

// Calls returns how many calls went through the proxy.
func (p *Proxy) Calls() uint64 { return p.calls.Load() }

// Dead reports whether the proxy was released or its owner went away.
func (p *Proxy) Dead() bool { return p.dead.Load() }

func (p *Proxy) invoke(ctx context.Context, iid wire.InterfaceID, method string, args []any) (results []any, err error) {
	t := p.table
	ctx, span := t.cfg.Tracer.Start(ctx, "marshal.call "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("marshal.interface", iid.String()),
			attribute.String("marshal.method", method),
			attribute.Int64("marshal.apartment", int64(p.key.Apartment)),
			attribute.Int64("marshal.object", int64(p.key.Object)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if p.dead.Load() {
		return nil, errors.Disconnected(errors.PhaseCall, "proxy is disconnected")
	}
	caller := apartment.Current(ctx)
	if p.bound != nil && caller != p.bound {
		var id wire.ApartmentID
		if caller != nil {
			id = caller.ID()
		}
		return nil, errors.WrongApartment(errors.PhaseCall, uint64(p.bound.ID()), uint64(id))
	}

	iface, ok := t.cfg.Registry.Interface(iid)
	if !ok {
		return nil, errors.NotFound(errors.PhaseCall, "interface", iid.String())
	}
	idx, m, ok := iface.Method(method)
	if !ok {
		return nil, errors.NotFound(errors.PhaseCall, "method", method)
	}

	flags := &typemarshal.Flags{Handles: t.cfg.Handles, Context: p.context}
	data, err := t.cfg.Registry.Marshal(m.Params, args, flags)
	if err != nil {
		return nil, err
	}
	call := &wire.Call{
		ObjectID:    p.key.Object,
		ApartmentID: p.key.Apartment,
		InterfaceID: iid,
		Method:      idx,
		Args:        data,
	}
	if caller != nil {
		call.Caller = caller.ID()
	}
	if apartment.InCall(ctx) {
		call.Flags |= wire.CallNested
	}
	if p.context == wire.CrossProcess {
		call.Flags |= wire.CallCrossProcess
	}

	if t.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.CallTimeout)
		defer cancel()
	}

	p.calls.Add(1)
	raw, err := p.peer.Call(ctx, p.key.Apartment, wire.EncodeCall(call))
	if err != nil {
		return nil, err
	}
	reply, err := wire.DecodeReply(raw)
	if err != nil {
		return nil, err
	}
	if err := reply.Err(); err != nil {
		if errors.Is(err, errors.ErrDisconnected) {
			p.dead.Store(true)
		}
		return nil, err
	}
	flags.Results = true
	return t.cfg.Registry.Unmarshal(m.Results, reply.Body, flags)
}

// Result is the outcome of an asynchronous call.
type Result struct {
	Err    error
	Values []any
}

// Handle is one holder's reference to a proxy. Release is idempotent, so a
// holder can never give back more than it took.
type Handle struct {
	p        *Proxy
	iid      wire.InterfaceID
	released atomic.Bool
}

// Proxy returns the shared proxy behind h.
func (h *Handle) Proxy() *Proxy { return h.p }

// Interface returns the interface h was unmarshaled for.
func (h *Handle) Interface() wire.InterfaceID { return h.iid }

// Released reports whether Release was called.
func (h *Handle) Released() bool { return h.released.Load() }

// Invoke calls method with args and waits for the results.
func (h *Handle) Invoke(ctx context.Context, method string, args ...any) ([]any, error) {
	if h.released.Load() {
		return nil, errors.Closed(errors.PhaseCall, "proxy handle")
	}
	return h.p.invoke(ctx, h.iid, method, args)
}

// InvokeAsync starts a call and returns a channel that yields its result.
// Proxies bound to a single-thread apartment must be called on that
// apartment's thread, so use Invoke for them.
func (h *Handle) InvokeAsync(ctx context.Context, method string, args ...any) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		values, err := h.Invoke(ctx, method, args...)
		ch <- Result{Values: values, Err: err}
	}()
	return ch
}

// Release drops this holder's reference. The last release sends a release
// message to the owning stub.
func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.p.table.release(h.p)
}
