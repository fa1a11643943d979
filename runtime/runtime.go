package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wippyai/marshal-runtime/apartment"
	"github.com/wippyai/marshal-runtime/config"
	"github.com/wippyai/marshal-runtime/errors"
	"github.com/wippyai/marshal-runtime/proxy"
	"github.com/wippyai/marshal-runtime/resource"
	"github.com/wippyai/marshal-runtime/stub"
	"github.com/wippyai/marshal-runtime/typemarshal"
	"github.com/wippyai/marshal-runtime/wire"
)

// Runtime is the process-wide marshaling state: the apartments with their
// stub tables, the proxy table, the type registry and the handle table.
type Runtime struct {
	tracerProvider trace.TracerProvider
	transport      Transport
	logger         *zap.Logger
	registry       *typemarshal.Registry
	handles        *resource.Table
	proxies        *proxy.Table
	peer           *localPeer
	mta            *apartment.Apartment
	apartments     map[wire.ApartmentID]*apartment.Apartment
	channel        string
	opts           config.Options
	lastApartment  wire.ApartmentID
	mu             sync.RWMutex
	closed         atomic.Bool
	process        uuid.UUID
}

// New creates a runtime with a default multi-thread apartment.
func New(ctx context.Context, opts ...Option) (*Runtime, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := &Runtime{
		opts:       config.Default(),
		apartments: make(map[wire.ApartmentID]*apartment.Apartment),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.opts.Validate(); err != nil {
		return nil, err
	}
	if r.process == uuid.Nil {
		r.process = uuid.New()
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	} else {
		stub.SetLogger(r.logger.Named("stub"))
		apartment.SetLogger(r.logger.Named("apartment"))
		proxy.SetLogger(r.logger.Named("proxy"))
		typemarshal.SetLogger(r.logger.Named("typemarshal"))
	}

	r.registry = typemarshal.NewRegistry(typemarshal.NewArena(r.opts.MaxMessageSize))
	r.handles = resource.NewTable()
	pcfg := proxy.Config{
		Registry:    r.registry,
		Handles:     r.handles,
		CallTimeout: r.opts.CallTimeout,
	}
	if r.tracerProvider != nil {
		pcfg.Tracer = r.tracerProvider.Tracer(proxy.TracerName)
	}
	r.proxies = proxy.NewTable(pcfg)
	r.peer = &localPeer{r: r}

	mta, err := r.NewApartment(apartment.MultiThread)
	if err != nil {
		return nil, err
	}
	r.mta = mta

	r.logger.Info("runtime started",
		zap.Stringer("process", r.process),
		zap.Uint64("default_apartment", uint64(mta.ID())))
	return r, nil
}

// Close shuts down every apartment and releases every proxy.
func (r *Runtime) Close(ctx context.Context) error {
	if r.closed.Swap(true) {
		return nil
	}
	r.mu.Lock()
	apts := make([]*apartment.Apartment, 0, len(r.apartments))
	for _, a := range r.apartments {
		apts = append(apts, a)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, a := range apts {
			if err := a.Close(); err != nil {
				r.logger.Warn("apartment close failed",
					zap.Uint64("apartment", uint64(a.ID())),
					zap.Error(err))
			}
		}
		r.proxies.Close()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Wrap(errors.PhaseShutdown, errors.KindClosed, ctx.Err(), "runtime shutdown interrupted")
	}
	if err := r.handles.Close(); err != nil {
		return errors.Wrap(errors.PhaseShutdown, errors.KindClosed, err, "close handle table")
	}
	r.logger.Info("runtime closed", zap.Stringer("process", r.process))
	return nil
}

// ProcessID returns the id written into cross-process references.
func (r *Runtime) ProcessID() uuid.UUID { return r.process }

// Registry returns the type marshaler registry.
func (r *Runtime) Registry() *typemarshal.Registry { return r.registry }

// Handles returns the process handle table.
func (r *Runtime) Handles() *resource.Table { return r.handles }

// Proxies returns the proxy table.
func (r *Runtime) Proxies() *proxy.Table { return r.proxies }

// Peer returns the runtime as seen by proxies in other processes.
// Transports hand it out for this process's endpoint.
func (r *Runtime) Peer() Peer { return r.peer }

// Options returns the options the runtime was built with.
func (r *Runtime) Options() config.Options { return r.opts }

// NewApartment creates an apartment with the given threading model.
func (r *Runtime) NewApartment(model apartment.Model) (*apartment.Apartment, error) {
	if r.closed.Load() {
		return nil, errors.Closed(errors.PhaseDispatch, "runtime")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.lastApartment + 1
	a, err := apartment.New(apartment.Config{
		ID:           id,
		Model:        model,
		Registry:     r.registry,
		Handles:      r.handles,
		QueueSize:    r.opts.QueueSize,
		RetryTimeout: r.opts.RetryTimeout,
		RetryInitial: r.opts.RetryInitial,
		RetryMax:     r.opts.RetryMax,
		OnClose:      r.apartmentClosed,
	})
	if err != nil {
		return nil, err
	}
	r.lastApartment = id
	r.apartments[id] = a
	return a, nil
}

// Apartment returns a live apartment by id.
func (r *Runtime) Apartment(id wire.ApartmentID) (*apartment.Apartment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.apartments[id]
	return a, ok
}

// Default returns the multi-thread apartment used by callers that run
// outside any apartment.
func (r *Runtime) Default() *apartment.Apartment { return r.mta }

// apartmentClosed retires proxies that point at the stubs of a and releases the
// proxies a is bound to.
func (r *Runtime) apartmentClosed(a *apartment.Apartment) {
	id := a.ID()
	r.mu.Lock()
	delete(r.apartments, id)
	r.mu.Unlock()

	dead := r.proxies.MarkDead(func(k proxy.Key) bool {
		return k.Process == r.process && k.Apartment == id
	})
	detached := 0
	if a.Model() == apartment.SingleThread {
		detached = r.proxies.Detach(id)
	}
	r.logger.Debug("apartment retired",
		zap.Uint64("apartment", uint64(id)),
		zap.Int("dead_proxies", dead),
		zap.Int("released_proxies", detached))
}

// lookup finds the apartment a reference or call names. An id that was
// handed out before belongs to an apartment that has shut down.
func (r *Runtime) lookup(phase errors.Phase, id wire.ApartmentID, obj wire.ObjectID) (*apartment.Apartment, error) {
	r.mu.RLock()
	a, ok := r.apartments[id]
	last := r.lastApartment
	r.mu.RUnlock()
	if ok {
		return a, nil
	}
	if id != 0 && id <= last {
		return nil, errors.Disconnected(phase, fmt.Sprintf("apartment %d is shut down", id))
	}
	return nil, errors.UnknownObject(phase, uint64(id), uint64(obj))
}

// current returns the caller's apartment, or the default one.
func (r *Runtime) current(ctx context.Context) *apartment.Apartment {
	if a := r.own(apartment.Current(ctx)); a != nil {
		return a
	}
	return r.mta
}

// own filters out apartments that belong to another runtime.
func (r *Runtime) own(a *apartment.Apartment) *apartment.Apartment {
	if a == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.apartments[a.ID()] != a {
		return nil
	}
	return a
}

func (r *Runtime) check(phase errors.Phase) error {
	if r.closed.Load() {
		return errors.Closed(phase, "runtime")
	}
	return nil
}

// Marshal exports obj for iid and returns the reference bytes. obj is a
// stub.Object hosted in the caller's apartment, or a handle to a proxy,
// which yields a reference to the original stub.
func (r *Runtime) Marshal(ctx context.Context, obj any, iid wire.InterfaceID, mode wire.Mode, opts ...MarshalOption) ([]byte, error) {
	if err := r.check(errors.PhaseMarshal); err != nil {
		return nil, err
	}
	var mo marshalOptions
	for _, opt := range opts {
		opt(&mo)
	}

	switch o := obj.(type) {
	case *proxy.Handle:
		return r.remarshal(ctx, o, iid, mode, mo.dest)
	case stub.Object:
		a := r.current(ctx)
		g, err := a.Stubs().Marshal(o, iid, mode)
		if err != nil {
			return nil, err
		}
		data, err := r.encodeRef(iid, a.ID(), g, mode, mo.dest)
		if err != nil {
			if rerr := a.Stubs().ReleaseData(g.Object, mode, g.Ticket); rerr != nil {
				r.logger.Debug("grant rollback failed", zap.Error(rerr))
			}
			return nil, err
		}
		r.logger.Debug("object marshaled",
			zap.Uint64("apartment", uint64(a.ID())),
			zap.Uint64("object", uint64(g.Object)),
			zap.Stringer("mode", mode),
			zap.Stringer("context", mo.dest))
		return data, nil
	default:
		return nil, errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
			GoType(fmt.Sprintf("%T", obj)).
			Detail("value is neither an object nor a proxy handle").
			Build()
	}
}

// remarshal asks the owner of a proxy's stub for a fresh reference. A proxy
// to another process can only be passed on in cross-process form.
func (r *Runtime) remarshal(ctx context.Context, h *proxy.Handle, iid wire.InterfaceID, mode wire.Mode, dest wire.Context) ([]byte, error) {
	if h == nil || h.Released() {
		return nil, errors.Closed(errors.PhaseMarshal, "proxy handle")
	}
	p := h.Proxy()
	if p.Dead() {
		return nil, errors.Disconnected(errors.PhaseMarshal, "proxy is disconnected")
	}
	key := p.Key()
	if key.Process != r.process {
		dest = wire.CrossProcess
	}
	return p.Peer().Remarshal(ctx, key.Apartment, key.Object, iid, mode, dest)
}

func (r *Runtime) encodeRef(iid wire.InterfaceID, apt wire.ApartmentID, g stub.Grant, mode wire.Mode, dest wire.Context) ([]byte, error) {
	loc := &wire.Locator{Ticket: g.Ticket}
	if dest == wire.CrossProcess {
		loc.Endpoint = &wire.Endpoint{Process: r.process, Channel: r.channel}
	}
	ref, err := wire.NewRef(iid, apt, g.Object, mode, dest, loc)
	if err != nil {
		return nil, err
	}
	return wire.Encode(ref)
}

// Unmarshal imports a reference and returns a handle to its proxy. Inside a
// single-thread apartment the proxy is bound to that apartment.
func (r *Runtime) Unmarshal(ctx context.Context, data []byte) (*proxy.Handle, error) {
	if err := r.check(errors.PhaseUnmarshal); err != nil {
		return nil, err
	}
	ref, err := wire.Decode(data)
	if err != nil {
		return nil, err
	}
	loc, err := ref.Locator()
	if err != nil {
		return nil, err
	}
	peer, process, err := r.peerFor(ctx, ref, loc)
	if err != nil {
		return nil, err
	}

	if err := peer.Acquire(ctx, ref, loc.Ticket); err != nil {
		return nil, err
	}

	var bound *apartment.Apartment
	key := proxy.Key{Process: process, Apartment: ref.ApartmentID, Object: ref.ObjectID}
	if a := r.own(apartment.Current(ctx)); a != nil && a.Model() == apartment.SingleThread {
		bound = a
		key.Binding = a.ID()
	}

	h, created := r.proxies.Insert(key, ref.InterfaceID, ref.Context(), peer, bound)
	if !created {
		// the existing proxy already holds a lock
		if err := peer.Release(ctx, ref.ApartmentID, ref.ObjectID, 1); err != nil {
			r.logger.Debug("surplus lock release failed", zap.Error(err))
		}
	}
	r.logger.Debug("reference unmarshaled",
		zap.Uint64("apartment", uint64(ref.ApartmentID)),
		zap.Uint64("object", uint64(ref.ObjectID)),
		zap.Stringer("mode", ref.Mode()),
		zap.Bool("new_proxy", created))
	return h, nil
}

// ReleaseMarshalData revokes a reference that will never be unmarshaled.
func (r *Runtime) ReleaseMarshalData(ctx context.Context, data []byte) error {
	if err := r.check(errors.PhaseUnmarshal); err != nil {
		return err
	}
	ref, err := wire.Decode(data)
	if err != nil {
		return err
	}
	loc, err := ref.Locator()
	if err != nil {
		return err
	}
	peer, _, err := r.peerFor(ctx, ref, loc)
	if err != nil {
		return err
	}
	return peer.ReleaseData(ctx, ref, loc.Ticket)
}

func (r *Runtime) peerFor(ctx context.Context, ref *wire.ObjectRef, loc *wire.Locator) (Peer, uuid.UUID, error) {
	if ref.Context() != wire.CrossProcess {
		return r.peer, r.process, nil
	}
	if loc.Endpoint == nil {
		return nil, uuid.Nil, errors.MalformedReference(errors.PhaseUnmarshal, "cross-process reference without an endpoint", nil)
	}
	ep := *loc.Endpoint
	if ep.Process == r.process {
		return r.peer, r.process, nil
	}
	if r.transport == nil {
		return nil, uuid.Nil, errors.Unsupported(errors.PhaseUnmarshal, "reference from process "+ep.Process.String()+" without a transport")
	}
	peer, err := r.transport.Dial(ctx, ep)
	if err != nil {
		return nil, uuid.Nil, errors.Wrap(errors.PhaseUnmarshal, errors.KindDisconnected, err, "dial "+ep.Process.String())
	}
	return peer, ep.Process, nil
}

// DisconnectStub destroys a stub regardless of its lock count.
func (r *Runtime) DisconnectStub(apt wire.ApartmentID, obj wire.ObjectID) error {
	a, err := r.lookup(errors.PhaseCall, apt, obj)
	if err != nil {
		return err
	}
	return a.Stubs().Disconnect(obj)
}

// DisconnectObject destroys every stub hosting obj.
func (r *Runtime) DisconnectObject(ctx context.Context, obj stub.Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.RLock()
	apts := make([]*apartment.Apartment, 0, len(r.apartments))
	for _, a := range r.apartments {
		apts = append(apts, a)
	}
	r.mu.RUnlock()

	n := 0
	for _, a := range apts {
		id, ok := a.Stubs().Lookup(obj)
		if !ok {
			continue
		}
		if err := a.Stubs().Disconnect(id); err != nil && !errors.Is(err, errors.ErrUnknownObject) {
			return err
		}
		n++
	}
	if n == 0 {
		return errors.NotFound(errors.PhaseCall, "stub for object", fmt.Sprintf("%T", obj))
	}
	return nil
}

// LockObjectExternal adds or removes a strong lock on obj's stub in the
// caller's apartment without marshaling it.
func (r *Runtime) LockObjectExternal(ctx context.Context, obj stub.Object, lock bool) error {
	if err := r.check(errors.PhaseMarshal); err != nil {
		return err
	}
	return r.current(ctx).Stubs().LockExternal(obj, lock)
}

// RegisterTypeMarshaler installs a custom marshaler under id.
func (r *Runtime) RegisterTypeMarshaler(id typemarshal.TypeID, m typemarshal.Marshaler) error {
	return r.registry.Register(id, m)
}

// RegisterInterface registers an interface's method signatures.
func (r *Runtime) RegisterInterface(iface *typemarshal.Interface) error {
	return r.registry.RegisterInterface(iface)
}

// SetCallFilter installs f on an apartment. A nil filter accepts every call.
func (r *Runtime) SetCallFilter(apt wire.ApartmentID, f apartment.Filter) error {
	a, err := r.lookup(errors.PhaseDispatch, apt, 0)
	if err != nil {
		return err
	}
	a.SetFilter(f)
	return nil
}
