package typemarshal

import (
	"strconv"
	"sync"

	"go.bytecodealliance.org/wit"
	"go.uber.org/zap"

	"github.com/wippyai/marshal-runtime/errors"
	"github.com/wippyai/marshal-runtime/typemarshal/internal/abi"
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

// Registry maps type ids to marshalers and interface ids to call layouts.
// It is safe for concurrent use.
type Registry struct {
	alloc      Allocator
	marshalers map[TypeID]Marshaler
	interfaces map[wire.InterfaceID]*Interface
	mu         sync.RWMutex
}

// NewRegistry creates a registry with every builtin marshaler registered.
// A nil allocator means an unbounded Arena.
func NewRegistry(alloc Allocator) *Registry {
	if alloc == nil {
		alloc = NewArena(0)
	}
	r := &Registry{
		alloc:      alloc,
		marshalers: make(map[TypeID]Marshaler, 32),
		interfaces: make(map[wire.InterfaceID]*Interface),
	}
	for id, m := range builtins() {
		r.marshalers[id] = m
	}
	return r
}

// Register installs m under id, replacing any previous marshaler.
func (r *Registry) Register(id TypeID, m Marshaler) error {
	if id == "" {
		return errors.Registration("type marshaler", "", errors.InvalidInput(errors.PhaseRegister, "empty type id"))
	}
	if m == nil {
		return errors.Registration("type marshaler", string(id), errors.InvalidInput(errors.PhaseRegister, "nil marshaler"))
	}
	r.mu.Lock()
	_, replaced := r.marshalers[id]
	r.marshalers[id] = m
	r.mu.Unlock()

	Logger().Debug("type marshaler registered", zap.String("type", string(id)), zap.Bool("replaced", replaced))
	return nil
}

// Lookup returns the marshaler registered under id.
func (r *Registry) Lookup(id TypeID) (Marshaler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.marshalers[id]
	return m, ok
}

// RegisterInterface records the call layout for an interface id. Every
// parameter must resolve to a registered marshaler.
func (r *Registry) RegisterInterface(iface *Interface) error {
	if iface == nil || iface.ID == wire.NilInterface {
		return errors.Registration("interface", "", errors.InvalidInput(errors.PhaseRegister, "missing interface id"))
	}
	seen := make(map[string]bool, len(iface.Methods))
	for _, m := range iface.Methods {
		if m.Name == "" || seen[m.Name] {
			return errors.Registration("interface", iface.Name,
				errors.InvalidInput(errors.PhaseRegister, "empty or duplicate method name "+strconv.Quote(m.Name)))
		}
		seen[m.Name] = true
		for _, p := range append(append([]Param(nil), m.Params...), m.Results...) {
			if _, err := r.marshalerFor(p.Type, p.Custom); err != nil {
				return errors.Registration("interface", iface.Name, err)
			}
		}
	}

	r.mu.Lock()
	r.interfaces[iface.ID] = iface
	r.mu.Unlock()

	Logger().Debug("interface registered",
		zap.String("interface", iface.Name),
		zap.Stringer("iid", iface.ID),
		zap.Int("methods", len(iface.Methods)))
	return nil
}

// Interface returns the registered layout for id.
func (r *Registry) Interface(id wire.InterfaceID) (*Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	iface, ok := r.interfaces[id]
	return iface, ok
}

func (r *Registry) marshalerFor(t wit.Type, custom TypeID) (Marshaler, error) {
	id := custom
	if id == "" {
		id = TypeIDOf(t)
	}
	if id == "" {
		return nil, errors.Unsupported(errors.PhaseRegister, "no marshaler for WIT type "+abi.TypeName(t))
	}
	m, ok := r.Lookup(id)
	if !ok {
		return nil, errors.NotFound(errors.PhaseRegister, "type marshaler", string(id))
	}
	return m, nil
}

// Size returns the encoded size of value as type t.
func (r *Registry) Size(t wit.Type, value any, f *Flags) (uint32, error) {
	m, err := r.marshalerFor(t, "")
	if err != nil {
		return 0, err
	}
	return m.Size(r, t, value, f)
}

// Encode writes value as type t.
func (r *Registry) Encode(t wit.Type, w *Writer, value any, f *Flags) error {
	m, err := r.marshalerFor(t, "")
	if err != nil {
		return err
	}
	return m.Encode(r, t, w, value, f)
}

// Decode reads a value of type t.
func (r *Registry) Decode(t wit.Type, rd *Reader, f *Flags) (any, error) {
	m, err := r.marshalerFor(t, "")
	if err != nil {
		return nil, err
	}
	return m.Decode(r, t, rd, f)
}

// Free releases what Decode acquired for value.
func (r *Registry) Free(t wit.Type, value any, f *Flags) {
	if m, err := r.marshalerFor(t, ""); err == nil {
		m.Free(r, t, value, f)
	}
}

// NullRef is the length tag of a null by-reference value. A value that
// encodes to zero bytes keeps tag 0.
const NullRef = ^uint32(0)

// SizeParam returns the encoded size of one argument slot.
func (r *Registry) SizeParam(p *Param, value any, f *Flags) (uint32, error) {
	m, err := r.marshalerFor(p.Type, p.Custom)
	if err != nil {
		return 0, err
	}
	if p.ByRef && value == nil {
		return 4, nil
	}
	n, err := m.Size(r, p.Type, value, f)
	if err != nil {
		return 0, err
	}
	if p.ByRef {
		total, ok := abi.SafeAddU32(n, 4)
		if !ok {
			return 0, errors.Overflow(errors.PhaseEncode, []string{p.Name}, n, "u32")
		}
		return total, nil
	}
	return n, nil
}

// EncodeParam writes one argument slot.
func (r *Registry) EncodeParam(p *Param, w *Writer, value any, f *Flags) error {
	m, err := r.marshalerFor(p.Type, p.Custom)
	if err != nil {
		return err
	}
	if p.ByRef {
		if value == nil {
			return w.U32(NullRef)
		}
		n, err := m.Size(r, p.Type, value, f)
		if err != nil {
			return err
		}
		if err := w.U32(n); err != nil {
			return err
		}
		start := w.Offset()
		if err := m.Encode(r, p.Type, w, value, f); err != nil {
			return err
		}
		if w.Offset()-start != n {
			return errors.New(errors.PhaseEncode, errors.KindInvalidData).
				Path(p.Name).
				Detail("marshaler wrote %d bytes, sized %d", w.Offset()-start, n).
				Build()
		}
		return nil
	}
	return m.Encode(r, p.Type, w, value, f)
}

// DecodeParam reads one argument slot.
func (r *Registry) DecodeParam(p *Param, rd *Reader, f *Flags) (any, error) {
	m, err := r.marshalerFor(p.Type, p.Custom)
	if err != nil {
		return nil, err
	}
	if !p.ByRef {
		return m.Decode(r, p.Type, rd, f)
	}
	n, err := rd.U32()
	if err != nil {
		return nil, err
	}
	if n == NullRef {
		return nil, nil
	}
	sub, err := rd.sub(n)
	if err != nil {
		return nil, err
	}
	v, err := m.Decode(r, p.Type, sub, f)
	if err != nil {
		return nil, err
	}
	if sub.Remaining() != 0 {
		m.Free(r, p.Type, v, discarding(f))
		return nil, errors.New(errors.PhaseDecode, errors.KindInvalidData).
			Path(p.Name).
			Detail("%d unread bytes in by-reference value", sub.Remaining()).
			Build()
	}
	return v, nil
}

// FreeParam releases what DecodeParam acquired.
func (r *Registry) FreeParam(p *Param, value any, f *Flags) {
	if value == nil && p.ByRef {
		return
	}
	if m, err := r.marshalerFor(p.Type, p.Custom); err == nil {
		m.Free(r, p.Type, value, f)
	}
}

// Marshal encodes values against params into a single call buffer.
func (r *Registry) Marshal(params []Param, values []any, f *Flags) ([]byte, error) {
	if len(params) != len(values) {
		return nil, errors.New(errors.PhaseEncode, errors.KindInvalidData).
			Detail("parameter count mismatch: expected %d, got %d", len(params), len(values)).
			Build()
	}

	var total uint32
	for i := range params {
		n, err := r.SizeParam(&params[i], values[i], f)
		if err != nil {
			return nil, withPath(err, params[i].Name, i)
		}
		var ok bool
		if total, ok = abi.SafeAddU32(total, n); !ok {
			return nil, errors.Overflow(errors.PhaseEncode, nil, total, "u32")
		}
	}

	mem, err := r.alloc.Alloc(total)
	if err != nil {
		return nil, err
	}
	defer r.alloc.Free(mem)

	w := NewWriter(mem)
	for i := range params {
		if err := r.EncodeParam(&params[i], w, values[i], f); err != nil {
			return nil, withPath(err, params[i].Name, i)
		}
	}
	if w.Offset() != total {
		return nil, errors.New(errors.PhaseEncode, errors.KindInvalidData).
			Detail("encoded %d bytes, sized %d", w.Offset(), total).
			Build()
	}

	out, err := mem.Read(0, total)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), out...), nil
}

// Unmarshal decodes a call buffer against params. On failure every value
// decoded so far is freed.
func (r *Registry) Unmarshal(params []Param, data []byte, f *Flags) ([]any, error) {
	rd := NewReader(NewBuffer(data), uint32(len(data)))
	values := make([]any, 0, len(params))
	for i := range params {
		v, err := r.DecodeParam(&params[i], rd, f)
		if err != nil {
			r.FreeValues(params[:i], values, discarding(f))
			return nil, withPath(err, params[i].Name, i)
		}
		values = append(values, v)
	}
	if rd.Remaining() != 0 {
		r.FreeValues(params, values, discarding(f))
		return nil, errors.New(errors.PhaseDecode, errors.KindInvalidData).
			Detail("%d trailing bytes after last parameter", rd.Remaining()).
			Build()
	}
	return values, nil
}

// FreeValues releases decoded values in reverse order.
func (r *Registry) FreeValues(params []Param, values []any, f *Flags) {
	for i := len(values) - 1; i >= 0; i-- {
		if i < len(params) {
			r.FreeParam(&params[i], values[i], f)
		}
	}
}

// discarding returns a copy of f for freeing values whose call never ran.
func discarding(f *Flags) *Flags {
	if f == nil {
		return nil
	}
	d := *f
	d.Discard = true
	return &d
}

func withPath(err error, name string, idx int) error {
	e, ok := err.(*errors.Error)
	if !ok || len(e.Path) > 0 {
		return err
	}
	if name == "" {
		name = "param[" + strconv.Itoa(idx) + "]"
	}
	e.Path = []string{name}
	return e
}
