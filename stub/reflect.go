package stub

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/wippyai/marshal-runtime/errors"
	"github.com/wippyai/marshal-runtime/resource"
	"github.com/wippyai/marshal-runtime/wire"
)

// Registrar lets a receiver name its methods explicitly instead of relying
// on the PascalCase to kebab-case conversion.
type Registrar interface {
	Register() map[string]any
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// reserved methods are part of the object plumbing, never interface methods.
var reserved = map[string]bool{
	"Register":   true,
	"Drop":       true,
	"Implements": true,
	"Invoke":     true,
}

type method struct {
	fn      reflect.Value
	withCtx bool
	withErr bool
}

// Reflected is an Object whose methods are the exported methods of a Go
// value. A method may take a context.Context first and may return an error
// last. Reflect a receiver once and marshal the result; two Reflected
// wrappers of the same receiver are two objects.
type Reflected struct {
	recv    any
	methods map[string]*method
	iids    []wire.InterfaceID
}

// Reflect wraps recv. Method names are converted from PascalCase to
// kebab-case (GetValue -> get-value) unless recv implements Registrar.
func Reflect(recv any, iids ...wire.InterfaceID) (*Reflected, error) {
	if recv == nil {
		return nil, errors.InvalidInput(errors.PhaseRegister, "nil receiver")
	}
	o := &Reflected{
		recv:    recv,
		methods: make(map[string]*method),
		iids:    iids,
	}

	if r, ok := recv.(Registrar); ok {
		for name, fn := range r.Register() {
			m, err := newMethod(reflect.ValueOf(fn))
			if err != nil {
				return nil, errors.Registration("method", name, err)
			}
			o.methods[name] = m
		}
		return o, nil
	}

	rv := reflect.ValueOf(recv)
	rt := rv.Type()
	for i := 0; i < rt.NumMethod(); i++ {
		mt := rt.Method(i)
		if !mt.IsExported() || reserved[mt.Name] {
			continue
		}
		m, err := newMethod(rv.Method(i))
		if err != nil {
			Logger().Debug("method skipped",
				zap.String("type", rt.String()),
				zap.String("method", mt.Name),
				zap.Error(err))
			continue
		}
		o.methods[toKebabCase(mt.Name)] = m
	}
	return o, nil
}

func newMethod(fn reflect.Value) (*method, error) {
	if fn.Kind() != reflect.Func {
		return nil, errors.New(errors.PhaseRegister, errors.KindTypeMismatch).
			GoType(fn.Type().String()).
			Detail("handler must be a function").
			Build()
	}
	ft := fn.Type()
	if ft.IsVariadic() {
		return nil, errors.Unsupported(errors.PhaseRegister, "variadic method")
	}
	m := &method{fn: fn}
	m.withCtx = ft.NumIn() > 0 && ft.In(0) == contextType
	m.withErr = ft.NumOut() > 0 && ft.Out(ft.NumOut()-1) == errorType
	return m, nil
}

// Methods lists the method names the object answers to.
func (o *Reflected) Methods() []string {
	names := make([]string, 0, len(o.methods))
	for name := range o.methods {
		names = append(names, name)
	}
	return names
}

// Receiver returns the wrapped value.
func (o *Reflected) Receiver() any { return o.recv }

func (o *Reflected) Implements(iid wire.InterfaceID) bool {
	for _, id := range o.iids {
		if id == iid {
			return true
		}
	}
	return false
}

func (o *Reflected) Invoke(ctx context.Context, _ wire.InterfaceID, name string, args []any) ([]any, error) {
	m, ok := o.methods[name]
	if !ok {
		return nil, errors.NotFound(errors.PhaseDispatch, "method", name)
	}
	ft := m.fn.Type()

	in := make([]reflect.Value, 0, ft.NumIn())
	first := 0
	if m.withCtx {
		in = append(in, reflect.ValueOf(ctx))
		first = 1
	}
	if want := ft.NumIn() - first; len(args) != want {
		return nil, errors.InvalidInput(errors.PhaseDispatch,
			fmt.Sprintf("%s takes %d arguments, got %d", name, want, len(args)))
	}
	for i, arg := range args {
		v, err := convertArg(arg, ft.In(first+i))
		if err != nil {
			return nil, withArg(err, name, i)
		}
		in = append(in, v)
	}

	out := m.fn.Call(in)
	if m.withErr {
		if e := out[len(out)-1]; !e.IsNil() {
			return nil, e.Interface().(error)
		}
		out = out[:len(out)-1]
	}
	results := make([]any, len(out))
	for i, v := range out {
		results[i] = v.Interface()
	}
	return results, nil
}

// Drop forwards to the receiver when it implements resource.Dropper.
func (o *Reflected) Drop() {
	if d, ok := o.recv.(resource.Dropper); ok {
		d.Drop()
	}
}

// convertArg adapts a decoded argument to a parameter type. Numbers are
// converted between widths only when the value fits.
func convertArg(arg any, pt reflect.Type) (reflect.Value, error) {
	if arg == nil {
		switch pt.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map:
			return reflect.Zero(pt), nil
		}
		return reflect.Value{}, errors.TypeMismatch(errors.PhaseDispatch, nil, "nil", pt.String())
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(pt) {
		return v, nil
	}
	if !v.Type().ConvertibleTo(pt) {
		return reflect.Value{}, errors.TypeMismatch(errors.PhaseDispatch, nil, v.Type().String(), pt.String())
	}
	switch {
	case isInt(v.Kind()) && isInt(pt.Kind()):
		if reflect.Zero(pt).OverflowInt(v.Int()) {
			return reflect.Value{}, errors.Overflow(errors.PhaseDispatch, nil, arg, pt.String())
		}
	case isUint(v.Kind()) && isUint(pt.Kind()):
		if reflect.Zero(pt).OverflowUint(v.Uint()) {
			return reflect.Value{}, errors.Overflow(errors.PhaseDispatch, nil, arg, pt.String())
		}
	case isUint(v.Kind()) && isInt(pt.Kind()):
		if v.Uint() > 1<<63-1 || reflect.Zero(pt).OverflowInt(int64(v.Uint())) {
			return reflect.Value{}, errors.Overflow(errors.PhaseDispatch, nil, arg, pt.String())
		}
	case isInt(v.Kind()) && isUint(pt.Kind()):
		if v.Int() < 0 || reflect.Zero(pt).OverflowUint(uint64(v.Int())) {
			return reflect.Value{}, errors.Overflow(errors.PhaseDispatch, nil, arg, pt.String())
		}
	case isFloat(v.Kind()) && isFloat(pt.Kind()):
	case v.Kind() == pt.Kind():
		// named types sharing an underlying kind
	default:
		return reflect.Value{}, errors.TypeMismatch(errors.PhaseDispatch, nil, v.Type().String(), pt.String())
	}
	return v.Convert(pt), nil
}

func isInt(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUint(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uintptr
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

func withArg(err error, method string, idx int) error {
	if e, ok := errors.AsError(err); ok {
		e.Path = append([]string{method, fmt.Sprintf("[%d]", idx)}, e.Path...)
		return e
	}
	return err
}

// toKebabCase converts PascalCase to kebab-case.
// Handles acronyms: GetHTTPStatus -> get-http-status
func toKebabCase(s string) string {
	if len(s) == 0 {
		return ""
	}

	runes := []rune(s)
	var result strings.Builder

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if unicode.IsUpper(r) {
			acronymEnd := i + 1
			for acronymEnd < len(runes) && unicode.IsUpper(runes[acronymEnd]) {
				acronymEnd++
			}

			if acronymEnd > i+1 {
				// Last uppercase before lowercase starts next word, not part of acronym
				if acronymEnd < len(runes) && unicode.IsLower(runes[acronymEnd]) {
					acronymEnd--
				}
			}

			if i > 0 {
				result.WriteByte('-')
			}

			for j := i; j < acronymEnd; j++ {
				result.WriteRune(unicode.ToLower(runes[j]))
			}
			i = acronymEnd - 1
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}
