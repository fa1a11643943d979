package apartment

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/wippyai/marshal-runtime/errors"
	"github.com/wippyai/marshal-runtime/resource"
	"github.com/wippyai/marshal-runtime/stub"
	"github.com/wippyai/marshal-runtime/typemarshal"
	"github.com/wippyai/marshal-runtime/wire"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the package logger. It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger replaces the package logger.
func SetLogger(l *zap.Logger) {
	logger = l
}

// Model is the threading model of an apartment.
type Model uint8

const (
	SingleThread Model = iota + 1
	MultiThread
)

func (m Model) String() string {
	switch m {
	case SingleThread:
		return "single-thread"
	case MultiThread:
		return "multi-thread"
	default:
		return fmt.Sprintf("model(%d)", uint8(m))
	}
}

// State is the lifecycle state of an apartment.
type State uint32

const (
	Active State = iota
	ShuttingDown
	Destroyed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case ShuttingDown:
		return "shutting-down"
	default:
		return "destroyed"
	}
}

// Defaults applied by New to zero Config fields.
const (
	DefaultQueueSize    = 256
	DefaultRetryTimeout = 30 * time.Second
	DefaultRetryInitial = 10 * time.Millisecond
	DefaultRetryMax     = time.Second
)

// Config configures an apartment.
type Config struct {
	Registry     *typemarshal.Registry
	Handles      *resource.Table
	Filter       Filter
	OnClose      func(*Apartment)
	QueueSize    int
	RetryTimeout time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
	ID           wire.ApartmentID
	Model        Model
}

type request struct {
	ctx     context.Context
	fn      func(context.Context) error
	call    *wire.Call
	reply   chan *wire.Reply
	done    chan error
	backoff *backoff.ExponentialBackOff
	start   time.Time
	attempt int
}

// Apartment owns a stub table and runs incoming calls under its threading
// model.
type Apartment struct {
	filter    Filter
	stubs     *stub.Table
	queue     chan *request
	quit      chan struct{}
	stopped   chan struct{}
	cfg       Config
	tid       atomic.Int64
	state     atomic.Uint32
	depth     int
	mu        sync.RWMutex
	fmu       sync.RWMutex
	closeOnce sync.Once
	closing   bool
}

// New creates an apartment. A SingleThread apartment starts its pump
// goroutine before New returns.
func New(cfg Config) (*Apartment, error) {
	if cfg.Model != SingleThread && cfg.Model != MultiThread {
		return nil, errors.InvalidInput(errors.PhaseDispatch, fmt.Sprintf("unknown threading model %d", cfg.Model))
	}
	if cfg.Registry == nil {
		return nil, errors.InvalidInput(errors.PhaseDispatch, "apartment needs a type registry")
	}
	if cfg.ID == 0 {
		return nil, errors.InvalidInput(errors.PhaseDispatch, "apartment id must be non-zero")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = DefaultRetryTimeout
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultRetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}

	a := &Apartment{
		cfg:     cfg,
		filter:  cfg.Filter,
		stubs:   stub.NewTable(cfg.ID),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if cfg.Model == SingleThread {
		a.queue = make(chan *request, cfg.QueueSize)
		ready := make(chan struct{})
		go a.run(ready)
		<-ready
	} else {
		close(a.stopped)
	}

	Logger().Debug("apartment created",
		zap.Uint64("apartment", uint64(cfg.ID)),
		zap.Stringer("model", cfg.Model))
	return a, nil
}

// ID returns the apartment id.
func (a *Apartment) ID() wire.ApartmentID { return a.cfg.ID }

// Model returns the threading model.
func (a *Apartment) Model() Model { return a.cfg.Model }

// State returns the lifecycle state.
func (a *Apartment) State() State { return State(a.state.Load()) }

// Stubs returns the apartment's stub table.
func (a *Apartment) Stubs() *stub.Table { return a.stubs }

// Queued returns the number of requests waiting for a SingleThread pump.
func (a *Apartment) Queued() int { return len(a.queue) }

// SetFilter installs f; nil accepts every call.
func (a *Apartment) SetFilter(f Filter) {
	a.fmu.Lock()
	a.filter = f
	a.fmu.Unlock()
}

// Do runs fn inside the apartment. For a SingleThread apartment fn runs on
// the pump goroutine after every request queued before it.
func (a *Apartment) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if a.State() != Active {
		return errors.Closed(errors.PhaseDispatch, a.name())
	}
	if a.cfg.Model == MultiThread {
		return fn(a.Context(ctx))
	}
	if Current(ctx) == a {
		return fn(ctx)
	}

	req := &request{ctx: ctx, fn: fn, done: make(chan error, 1), start: time.Now()}
	if err := a.enqueue(ctx, req); err != nil {
		return err
	}
	err, waitErr := await(ctx, req.done)
	if waitErr != nil {
		return errors.Wrap(errors.PhaseDispatch, errors.KindCallRejected, waitErr, "caller stopped waiting")
	}
	return err
}

// Call delivers an incoming call and waits for its reply. Failures come back
// as error replies so they can cross a process boundary unchanged.
func (a *Apartment) Call(ctx context.Context, call *wire.Call) *wire.Reply {
	if a.State() != Active {
		return wire.ErrorReply(errors.Disconnected(errors.PhaseDispatch, a.name()+" shut down"))
	}
	req := &request{ctx: ctx, call: call, start: time.Now()}

	if a.cfg.Model == MultiThread {
		return a.dispatch(req)
	}
	if Current(ctx) == a {
		return a.execute(a.bind(ctx, true), call)
	}

	req.reply = make(chan *wire.Reply, 1)
	if err := a.enqueue(ctx, req); err != nil {
		return wire.ErrorReply(err)
	}
	reply, err := await(ctx, req.reply)
	if err != nil {
		return wire.ErrorReply(abandoned(err))
	}
	return reply
}

// Close shuts the apartment down. Queued calls fail with Disconnected and
// every stub is force-disconnected. Close is idempotent.
func (a *Apartment) Close() error {
	first := false
	a.closeOnce.Do(func() { first = true })
	if !first {
		return nil
	}

	a.state.Store(uint32(ShuttingDown))
	a.mu.Lock()
	a.closing = true
	a.mu.Unlock()
	close(a.quit)

	// The pump drains on its own when Close runs inside it.
	if a.cfg.Model == SingleThread && !a.onPump() {
		<-a.stopped
	}
	n := a.stubs.Close()
	a.state.Store(uint32(Destroyed))

	Logger().Info("apartment closed",
		zap.Uint64("apartment", uint64(a.cfg.ID)),
		zap.Stringer("model", a.cfg.Model),
		zap.Int("stubs", n))
	if a.cfg.OnClose != nil {
		a.cfg.OnClose(a)
	}
	return nil
}

func (a *Apartment) run(ready chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(a.stopped)

	a.tid.Store(threadID())
	close(ready)

	for {
		select {
		case <-a.quit:
			a.drain()
			return
		default:
		}
		select {
		case req := <-a.queue:
			a.serve(req)
		case <-a.quit:
			a.drain()
			return
		}
	}
}

func (a *Apartment) drain() {
	n := 0
	for {
		select {
		case req := <-a.queue:
			a.fail(req)
			n++
		default:
			if n > 0 {
				Logger().Debug("failed queued requests",
					zap.Uint64("apartment", uint64(a.cfg.ID)),
					zap.Int("count", n))
			}
			return
		}
	}
}

func (a *Apartment) fail(req *request) {
	if req.fn != nil {
		req.done <- errors.Closed(errors.PhaseDispatch, a.name())
		return
	}
	req.reply <- wire.ErrorReply(errors.Disconnected(errors.PhaseDispatch, a.name()+" shut down"))
}

func (a *Apartment) enqueue(ctx context.Context, req *request) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closing {
		if req.fn != nil {
			return errors.Closed(errors.PhaseDispatch, a.name())
		}
		return errors.Disconnected(errors.PhaseDispatch, a.name()+" shut down")
	}
	select {
	case a.queue <- req:
		return nil
	case <-ctx.Done():
		return abandoned(ctx.Err())
	}
}

func (a *Apartment) requeue(req *request) {
	if err := a.enqueue(req.ctx, req); err != nil {
		req.reply <- wire.ErrorReply(err)
	}
}

// serve runs one request on the pump goroutine.
func (a *Apartment) serve(req *request) {
	select {
	case <-a.quit:
		a.fail(req)
		return
	default:
	}
	if req.fn != nil {
		req.done <- req.fn(a.bind(req.ctx, false))
		return
	}
	if err := req.ctx.Err(); err != nil {
		req.reply <- wire.ErrorReply(abandoned(err))
		return
	}

	d := a.decide(req)
	switch d.verdict {
	case reject:
		req.reply <- a.rejected(req)
	case retry:
		delay, ok := a.retryDelay(req, d)
		if !ok {
			req.reply <- a.rejected(req)
			return
		}
		req.attempt++
		time.AfterFunc(delay, func() { a.requeue(req) })
	default:
		req.reply <- a.execute(a.bind(req.ctx, true), req.call)
	}
}

// dispatch runs a MultiThread call on the caller's goroutine, waiting out
// RetryAfter decisions in place.
func (a *Apartment) dispatch(req *request) *wire.Reply {
	for {
		d := a.decide(req)
		switch d.verdict {
		case reject:
			return a.rejected(req)
		case retry:
			delay, ok := a.retryDelay(req, d)
			if !ok {
				return a.rejected(req)
			}
			req.attempt++
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.ctx.Done():
				timer.Stop()
				return wire.ErrorReply(abandoned(req.ctx.Err()))
			case <-a.quit:
				timer.Stop()
				return wire.ErrorReply(errors.Disconnected(errors.PhaseDispatch, a.name()+" shut down"))
			}
		default:
			return a.execute(a.bind(req.ctx, true), req.call)
		}
	}
}

func (a *Apartment) decide(req *request) Decision {
	a.fmu.RLock()
	f := a.filter
	a.fmu.RUnlock()
	if f == nil {
		return Accept
	}

	info := CallInfo{
		Type:      TopLevel,
		Caller:    req.call.Caller,
		Object:    req.call.ObjectID,
		Interface: req.call.InterfaceID,
		Method:    req.call.Method,
		Attempt:   req.attempt,
		Elapsed:   time.Since(req.start),
	}
	if req.call.Flags&wire.CallNested != 0 || a.depth > 0 {
		info.Type = Nested
	}
	d := f.HandleIncomingCall(info)
	if d.verdict != accept {
		Logger().Debug("call filtered",
			zap.Uint64("apartment", uint64(a.cfg.ID)),
			zap.Uint64("object", uint64(info.Object)),
			zap.Uint32("method", info.Method),
			zap.Int("attempt", info.Attempt),
			zap.Stringer("decision", d))
	}
	return d
}

// retryDelay picks the next delay and reports false once the retry window
// or the caller's deadline would be exceeded.
func (a *Apartment) retryDelay(req *request, d Decision) (time.Duration, bool) {
	delay := d.delay
	if delay == 0 {
		if req.backoff == nil {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = a.cfg.RetryInitial
			b.MaxInterval = a.cfg.RetryMax
			b.Reset()
			req.backoff = b
		}
		delay = req.backoff.NextBackOff()
	}
	if time.Since(req.start)+delay > a.cfg.RetryTimeout {
		return 0, false
	}
	if dl, ok := req.ctx.Deadline(); ok && time.Now().Add(delay).After(dl) {
		return 0, false
	}
	return delay, true
}

func (a *Apartment) rejected(req *request) *wire.Reply {
	return wire.ErrorReply(errors.CallRejected(errors.PhaseDispatch,
		fmt.Sprintf("call to object %d rejected by %s after %d attempts", req.call.ObjectID, a.name(), req.attempt+1)))
}

// execute runs call against its stub. The stub stays in flight for the
// whole call so a concurrent disconnect cannot drop the object under it.
func (a *Apartment) execute(ctx context.Context, call *wire.Call) *wire.Reply {
	s, err := a.stubs.Acquire(call.ObjectID)
	if err != nil {
		return wire.ErrorReply(err)
	}
	defer a.stubs.Done(s)

	reg := a.cfg.Registry
	iface, ok := reg.Interface(call.InterfaceID)
	if !ok {
		return wire.ErrorReply(errors.NotFound(errors.PhaseDispatch, "interface", call.InterfaceID.String()))
	}
	if !s.Object().Implements(call.InterfaceID) {
		return wire.ErrorReply(errors.NoInterface(errors.PhaseDispatch, iface.Name))
	}
	m, ok := iface.MethodAt(call.Method)
	if !ok {
		return wire.ErrorReply(errors.NotFound(errors.PhaseDispatch, "method", fmt.Sprintf("%s#%d", iface.Name, call.Method)))
	}

	flags := &typemarshal.Flags{Handles: a.cfg.Handles, Context: wire.SameProcess}
	if call.Flags&wire.CallCrossProcess != 0 {
		flags.Context = wire.CrossProcess
	}
	args, err := reg.Unmarshal(m.Params, call.Args, flags)
	if err != nil {
		return wire.ErrorReply(err)
	}
	done := false
	defer func() {
		flags.Discard = !done
		reg.FreeValues(m.Params, args, flags)
	}()

	results, err := invoke(ctx, s.Object(), call.InterfaceID, m.Name, args)
	if err != nil {
		return wire.ErrorReply(err)
	}
	body, err := reg.Marshal(m.Results, results, flags)
	if err != nil {
		return wire.ErrorReply(err)
	}
	done = true
	return &wire.Reply{Status: wire.StatusOK, Body: body}
}

func invoke(ctx context.Context, obj stub.Object, iid wire.InterfaceID, method string, args []any) (results []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("object panicked",
				zap.String("method", method),
				zap.Any("panic", r))
			err = errors.New(errors.PhaseDispatch, errors.KindApplication).
				Detail("%s panicked: %v", method, r).
				Build()
		}
	}()
	return obj.Invoke(ctx, iid, method, args)
}

// onThread reports whether the caller runs on the pump thread. Without a
// thread id every caller qualifies.
func (a *Apartment) onThread() bool {
	tid := a.tid.Load()
	return tid == 0 || tid == threadID()
}

func (a *Apartment) onPump() bool {
	tid := a.tid.Load()
	return tid != 0 && tid == threadID()
}

func (a *Apartment) name() string {
	return fmt.Sprintf("apartment %d", a.cfg.ID)
}

func abandoned(err error) error {
	return errors.Wrap(errors.PhaseCall, errors.KindCallRejected, err, "caller stopped waiting: "+err.Error())
}
