package proxy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wippyai/marshal-runtime/apartment"
	"github.com/wippyai/marshal-runtime/resource"
	"github.com/wippyai/marshal-runtime/typemarshal"
	"github.com/wippyai/marshal-runtime/wire"
)

// TracerName is the instrumentation name used for call spans.
const TracerName = "github.com/wippyai/marshal-runtime/proxy"

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

// Peer is the owning side of a proxy, the process that hosts its stub.
type Peer interface {
	// Call delivers an encoded wire.Call and returns the encoded wire.Reply.
	Call(ctx context.Context, apt wire.ApartmentID, msg []byte) ([]byte, error)
	// Acquire redeems ref for a new proxy. A Normal ticket is consumed and
	// its lock moves to the proxy; table references take a fresh lock.
	Acquire(ctx context.Context, ref *wire.ObjectRef, ticket uint64) error
	// Release drops locks held on a stub. It is a no-op once the owner is gone.
	Release(ctx context.Context, apt wire.ApartmentID, obj wire.ObjectID, locks uint32) error
	// Remarshal grants a new reference to an existing stub.
	Remarshal(ctx context.Context, apt wire.ApartmentID, obj wire.ObjectID, iid wire.InterfaceID, mode wire.Mode, dest wire.Context) ([]byte, error)
}

// Key identifies a proxy. Binding is the single-thread apartment the proxy
// is bound to, or zero for a free-threaded proxy.
type Key struct {
	Process   uuid.UUID
	Apartment wire.ApartmentID
	Object    wire.ObjectID
	Binding   wire.ApartmentID
}

// Info is a point-in-time view of one proxy.
type Info struct {
	Key       Key
	Interface wire.InterfaceID
	Context   wire.Context
	Refs      int
	Calls     uint64
}

// Config configures a proxy table.
type Config struct {
	Registry    *typemarshal.Registry
	Handles     *resource.Table
	Tracer      trace.Tracer
	CallTimeout time.Duration
}

// Table is the process-wide proxy table.
type Table struct {
	entries map[Key]*Proxy
	cfg     Config
	mu      sync.Mutex
}

// NewTable creates an empty proxy table. A nil Tracer uses the global
// OpenTelemetry provider.
func NewTable(cfg Config) *Table {
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(TracerName)
	}
	if cfg.Registry == nil {
		cfg.Registry = typemarshal.NewRegistry(nil)
	}
	return &Table{
		entries: make(map[Key]*Proxy),
		cfg:     cfg,
	}
}

// Lookup returns a new handle to an existing proxy.
func (t *Table) Lookup(key Key, iid wire.InterfaceID) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.entries[key]
	if p == nil {
		return nil, false
	}
	p.refs++
	return &Handle{p: p, iid: iid}, true
}

// Insert creates the proxy for key, or returns a handle to the one another
// caller created first. created reports which happened; when false the
// caller holds a surplus stub lock that it must give back.
func (t *Table) Insert(key Key, iid wire.InterfaceID, dest wire.Context, peer Peer, bound *apartment.Apartment) (h *Handle, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p := t.entries[key]; p != nil {
		p.refs++
		return &Handle{p: p, iid: iid}, false
	}
	p := &Proxy{
		table:   t,
		peer:    peer,
		bound:   bound,
		key:     key,
		iid:     iid,
		context: dest,
		refs:    1,
	}
	t.entries[key] = p
	Logger().Debug("proxy created",
		zap.Uint64("apartment", uint64(key.Apartment)),
		zap.Uint64("object", uint64(key.Object)),
		zap.Uint64("binding", uint64(key.Binding)))
	return &Handle{p: p, iid: iid}, true
}

func (t *Table) release(p *Proxy) {
	t.mu.Lock()
	p.refs--
	last := p.refs == 0
	if last && t.entries[p.key] == p {
		delete(t.entries, p.key)
	}
	t.mu.Unlock()

	if last {
		t.disconnect(p)
	}
}

// disconnect retires p and gives its stub lock back.
func (t *Table) disconnect(p *Proxy) {
	if p.dead.Swap(true) {
		return
	}
	err := p.peer.Release(context.Background(), p.key.Apartment, p.key.Object, 1)
	if err != nil {
		Logger().Debug("stub release failed",
			zap.Uint64("apartment", uint64(p.key.Apartment)),
			zap.Uint64("object", uint64(p.key.Object)),
			zap.Error(err))
	}
}

// Detach releases every proxy bound to a single-thread apartment that is
// shutting down. Handles still held by callers fail with Disconnected.
func (t *Table) Detach(binding wire.ApartmentID) int {
	return t.evict(func(k Key) bool { return k.Binding == binding }, true)
}

// MarkDead retires every proxy whose key matches without sending releases,
// for owners that are already gone.
func (t *Table) MarkDead(match func(Key) bool) int {
	return t.evict(match, false)
}

// Close releases every proxy.
func (t *Table) Close() int {
	return t.evict(func(Key) bool { return true }, true)
}

func (t *Table) evict(match func(Key) bool, release bool) int {
	t.mu.Lock()
	var gone []*Proxy
	for k, p := range t.entries {
		if match(k) {
			delete(t.entries, k)
			gone = append(gone, p)
		}
	}
	t.mu.Unlock()

	for _, p := range gone {
		if release {
			t.disconnect(p)
		} else {
			p.dead.Store(true)
		}
	}
	return len(gone)
}

// Len returns the number of live proxies.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot lists live proxies ordered by owner and object.
func (t *Table) Snapshot() []Info {
	t.mu.Lock()
	out := make([]Info, 0, len(t.entries))
	for _, p := range t.entries {
		out = append(out, Info{
			Key:       p.key,
			Interface: p.iid,
			Context:   p.context,
			Refs:      p.refs,
			Calls:     p.calls.Load(),
		})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Apartment != b.Apartment {
			return a.Apartment < b.Apartment
		}
		if a.Object != b.Object {
			return a.Object < b.Object
		}
		return a.Binding < b.Binding
	})
	return out
}
