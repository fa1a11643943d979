package typemarshal

import (
	"reflect"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/marshal-runtime/errors"
	"github.com/wippyai/marshal-runtime/typemarshal/internal/abi"
)

func typeMismatch(t wit.Type, kind TypeID) error {
	return errors.New(errors.PhaseEncode, errors.KindTypeMismatch).
		WireType(string(kind)).
		Detail("WIT type %s is not a %s", abi.TypeName(t), kind).
		Build()
}

// sizeAll sums the encoded sizes of values against types.
func sizeAll(r *Registry, types []wit.Type, values []any, f *Flags) (uint32, error) {
	var total uint32
	for i, t := range types {
		n, err := r.Size(t, values[i], f)
		if err != nil {
			return 0, err
		}
		var ok bool
		if total, ok = abi.SafeAddU32(total, n); !ok {
			return 0, errors.Overflow(errors.PhaseEncode, nil, total, "u32")
		}
	}
	return total, nil
}

// minSize is a lower bound on the encoded size of any value of t.
func minSize(t wit.Type) uint32 {
	switch k := kindOf(t).(type) {
	case wit.Bool, wit.U8, wit.S8:
		return 1
	case wit.U16, wit.S16:
		return 2
	case wit.U32, wit.S32, wit.F32, wit.Char, wit.String:
		return 4
	case wit.U64, wit.S64, wit.F64:
		return 8
	case *wit.List:
		return 4
	case *wit.Record:
		var n uint32
		for _, fld := range k.Fields {
			n += minSize(fld.Type)
		}
		return n
	case *wit.Tuple:
		var n uint32
		for _, e := range k.Types {
			n += minSize(e)
		}
		return n
	case *wit.Flags:
		return abi.FlagsSize(len(k.Flags))
	case *wit.Variant, *wit.Enum, *wit.Option, *wit.Result:
		return 1
	case *wit.Own, *wit.Borrow:
		return 5
	}
	return 0
}

// elements flattens a slice or array value.
func elements(value any) ([]any, bool) {
	switch v := value.(type) {
	case nil:
		return nil, true
	case []any:
		return v, true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

type listMarshaler struct{}

func (listMarshaler) elem(t wit.Type) (wit.Type, error) {
	l, ok := kindOf(t).(*wit.List)
	if !ok {
		return nil, typeMismatch(t, TypeList)
	}
	return l.Type, nil
}

func (m listMarshaler) Size(r *Registry, t wit.Type, value any, f *Flags) (uint32, error) {
	et, err := m.elem(t)
	if err != nil {
		return 0, err
	}
	if b, ok := value.([]byte); ok && TypeIDOf(et) == TypeU8 {
		return 4 + uint32(len(b)), nil
	}
	elems, ok := elements(value)
	if !ok {
		return 0, mismatch(value, TypeList)
	}
	if len(elems) > abi.MaxListLength {
		return 0, errors.Overflow(errors.PhaseEncode, nil, len(elems), "list")
	}
	total := uint32(4)
	for _, e := range elems {
		n, err := r.Size(et, e, f)
		if err != nil {
			return 0, err
		}
		if total, ok = abi.SafeAddU32(total, n); !ok {
			return 0, errors.Overflow(errors.PhaseEncode, nil, total, "u32")
		}
	}
	return total, nil
}

func (m listMarshaler) Encode(r *Registry, t wit.Type, w *Writer, value any, f *Flags) error {
	et, err := m.elem(t)
	if err != nil {
		return err
	}
	if b, ok := value.([]byte); ok && TypeIDOf(et) == TypeU8 {
		if err := w.U32(uint32(len(b))); err != nil {
			return err
		}
		return w.Bytes(b)
	}
	elems, ok := elements(value)
	if !ok {
		return mismatch(value, TypeList)
	}
	if err := w.U32(uint32(len(elems))); err != nil {
		return err
	}
	for _, e := range elems {
		if err := r.Encode(et, w, e, f); err != nil {
			return err
		}
	}
	return nil
}

func (m listMarshaler) Decode(r *Registry, t wit.Type, rd *Reader, f *Flags) (any, error) {
	et, err := m.elem(t)
	if err != nil {
		return nil, err
	}
	n, err := rd.U32()
	if err != nil {
		return nil, err
	}
	if n > abi.MaxListLength {
		return nil, errors.Overflow(errors.PhaseDecode, nil, n, "list")
	}
	if least := minSize(et); least > 0 {
		if need, ok := abi.SafeMulU32(n, least); !ok || need > rd.Remaining() {
			return nil, errors.OutOfBounds(errors.PhaseDecode, nil, int(rd.Offset())+int(n)*int(least), int(rd.Offset()+rd.Remaining()))
		}
	}

	switch TypeIDOf(et) {
	case TypeU8:
		if _, builtin := r.builtin(TypeU8); builtin {
			return rd.Bytes(n)
		}
	case TypeU32:
		return decodeSlice[uint32](r, et, rd, n, f)
	case TypeS32:
		return decodeSlice[int32](r, et, rd, n, f)
	case TypeU64:
		return decodeSlice[uint64](r, et, rd, n, f)
	case TypeS64:
		return decodeSlice[int64](r, et, rd, n, f)
	case TypeF64:
		return decodeSlice[float64](r, et, rd, n, f)
	case TypeString:
		return decodeSlice[string](r, et, rd, n, f)
	}

	out := make([]any, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := r.Decode(et, rd, f)
		if err != nil {
			for j := len(out) - 1; j >= 0; j-- {
				r.Free(et, out[j], discarding(f))
			}
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (m listMarshaler) Free(r *Registry, t wit.Type, value any, f *Flags) {
	et, err := m.elem(t)
	if err != nil {
		return
	}
	if elems, ok := value.([]any); ok {
		for i := len(elems) - 1; i >= 0; i-- {
			r.Free(et, elems[i], f)
		}
	}
}

func decodeSlice[T any](r *Registry, et wit.Type, rd *Reader, n uint32, f *Flags) (any, error) {
	out := make([]T, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := r.Decode(et, rd, f)
		if err != nil {
			return nil, err
		}
		tv, ok := v.(T)
		if !ok {
			return nil, errors.TypeMismatch(errors.PhaseDecode, nil, abi.TypeName(v), string(TypeIDOf(et)))
		}
		out = append(out, tv)
	}
	return out, nil
}

// builtin reports whether id still maps to the marshaler NewRegistry installed.
func (r *Registry) builtin(id TypeID) (Marshaler, bool) {
	m, ok := r.Lookup(id)
	if !ok {
		return nil, false
	}
	switch m.(type) {
	case uintMarshaler, intMarshaler, floatMarshaler, boolMarshaler, charMarshaler, stringMarshaler:
		return m, true
	}
	return m, false
}

type recordMarshaler struct{}

func (recordMarshaler) layout(t wit.Type, value any) (*wit.Record, map[string]any, error) {
	rec, ok := kindOf(t).(*wit.Record)
	if !ok {
		return nil, nil, typeMismatch(t, TypeRecord)
	}
	if value == nil {
		return rec, nil, nil
	}
	fields, ok := value.(map[string]any)
	if !ok {
		return nil, nil, mismatch(value, TypeRecord)
	}
	return rec, fields, nil
}

func field(fields map[string]any, name string) (any, error) {
	v, ok := fields[name]
	if !ok {
		return nil, errors.New(errors.PhaseEncode, errors.KindInvalidData).
			Path(name).
			Detail("missing record field").
			Build()
	}
	return v, nil
}

func (m recordMarshaler) Size(r *Registry, t wit.Type, value any, f *Flags) (uint32, error) {
	rec, fields, err := m.layout(t, value)
	if err != nil {
		return 0, err
	}
	var total uint32
	for _, fld := range rec.Fields {
		v, err := field(fields, fld.Name)
		if err != nil {
			return 0, err
		}
		n, err := r.Size(fld.Type, v, f)
		if err != nil {
			return 0, err
		}
		var ok bool
		if total, ok = abi.SafeAddU32(total, n); !ok {
			return 0, errors.Overflow(errors.PhaseEncode, nil, total, "u32")
		}
	}
	return total, nil
}

func (m recordMarshaler) Encode(r *Registry, t wit.Type, w *Writer, value any, f *Flags) error {
	rec, fields, err := m.layout(t, value)
	if err != nil {
		return err
	}
	for _, fld := range rec.Fields {
		v, err := field(fields, fld.Name)
		if err != nil {
			return err
		}
		if err := r.Encode(fld.Type, w, v, f); err != nil {
			return err
		}
	}
	return nil
}

func (m recordMarshaler) Decode(r *Registry, t wit.Type, rd *Reader, f *Flags) (any, error) {
	rec, _, err := m.layout(t, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(rec.Fields))
	for i, fld := range rec.Fields {
		v, err := r.Decode(fld.Type, rd, f)
		if err != nil {
			for j := i - 1; j >= 0; j-- {
				r.Free(rec.Fields[j].Type, out[rec.Fields[j].Name], discarding(f))
			}
			return nil, err
		}
		out[fld.Name] = v
	}
	return out, nil
}

func (m recordMarshaler) Free(r *Registry, t wit.Type, value any, f *Flags) {
	rec, fields, err := m.layout(t, value)
	if err != nil || fields == nil {
		return
	}
	for i := len(rec.Fields) - 1; i >= 0; i-- {
		if v, ok := fields[rec.Fields[i].Name]; ok {
			r.Free(rec.Fields[i].Type, v, f)
		}
	}
}

type tupleMarshaler struct{}

func (tupleMarshaler) layout(t wit.Type, value any) ([]wit.Type, []any, error) {
	tup, ok := kindOf(t).(*wit.Tuple)
	if !ok {
		return nil, nil, typeMismatch(t, TypeTuple)
	}
	if value == nil {
		return tup.Types, nil, nil
	}
	elems, ok := elements(value)
	if !ok {
		return nil, nil, mismatch(value, TypeTuple)
	}
	if len(elems) != len(tup.Types) {
		return nil, nil, errors.New(errors.PhaseEncode, errors.KindInvalidData).
			Detail("tuple has %d elements, type has %d", len(elems), len(tup.Types)).
			Build()
	}
	return tup.Types, elems, nil
}

func (m tupleMarshaler) Size(r *Registry, t wit.Type, value any, f *Flags) (uint32, error) {
	types, elems, err := m.layout(t, value)
	if err != nil {
		return 0, err
	}
	if elems == nil && len(types) > 0 {
		return 0, mismatch(value, TypeTuple)
	}
	return sizeAll(r, types, elems, f)
}

func (m tupleMarshaler) Encode(r *Registry, t wit.Type, w *Writer, value any, f *Flags) error {
	types, elems, err := m.layout(t, value)
	if err != nil {
		return err
	}
	if elems == nil && len(types) > 0 {
		return mismatch(value, TypeTuple)
	}
	for i, et := range types {
		if err := r.Encode(et, w, elems[i], f); err != nil {
			return err
		}
	}
	return nil
}

func (m tupleMarshaler) Decode(r *Registry, t wit.Type, rd *Reader, f *Flags) (any, error) {
	types, _, err := m.layout(t, nil)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(types))
	for i, et := range types {
		v, err := r.Decode(et, rd, f)
		if err != nil {
			for j := i - 1; j >= 0; j-- {
				r.Free(types[j], out[j], discarding(f))
			}
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (m tupleMarshaler) Free(r *Registry, t wit.Type, value any, f *Flags) {
	types, elems, err := m.layout(t, value)
	if err != nil {
		return
	}
	for i := len(elems) - 1; i >= 0; i-- {
		r.Free(types[i], elems[i], f)
	}
}
