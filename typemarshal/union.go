package typemarshal

import (
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/marshal-runtime/errors"
	"github.com/wippyai/marshal-runtime/typemarshal/internal/abi"
)

// payloadSize sizes an optional case payload.
func payloadSize(r *Registry, t wit.Type, value any, f *Flags) (uint32, error) {
	if t == nil {
		return 0, nil
	}
	return r.Size(t, value, f)
}

func encodePayload(r *Registry, t wit.Type, w *Writer, value any, f *Flags) error {
	if t == nil {
		return nil
	}
	return r.Encode(t, w, value, f)
}

func decodePayload(r *Registry, t wit.Type, rd *Reader, f *Flags) (any, error) {
	if t == nil {
		return nil, nil
	}
	return r.Decode(t, rd, f)
}

type variantMarshaler struct{}

// selectCase resolves a Variant or single-key map to a case index.
func (variantMarshaler) selectCase(t wit.Type, value any) (*wit.Variant, int, any, error) {
	v, ok := kindOf(t).(*wit.Variant)
	if !ok {
		return nil, 0, nil, typeMismatch(t, TypeVariant)
	}
	var name string
	var payload any
	switch val := value.(type) {
	case Variant:
		name, payload = val.Case, val.Value
	case *Variant:
		if val == nil {
			return nil, 0, nil, mismatch(value, TypeVariant)
		}
		name, payload = val.Case, val.Value
	case map[string]any:
		if len(val) != 1 {
			return nil, 0, nil, errors.New(errors.PhaseEncode, errors.KindInvalidData).
				Detail("variant map must have exactly one case, has %d", len(val)).
				Build()
		}
		for k, p := range val {
			name, payload = k, p
		}
	default:
		return nil, 0, nil, mismatch(value, TypeVariant)
	}
	for i, c := range v.Cases {
		if c.Name == name {
			return v, i, payload, nil
		}
	}
	return nil, 0, nil, errors.New(errors.PhaseEncode, errors.KindInvalidVariant).
		Detail("unknown variant case %q", name).
		Build()
}

func (m variantMarshaler) Size(r *Registry, t wit.Type, value any, f *Flags) (uint32, error) {
	v, idx, payload, err := m.selectCase(t, value)
	if err != nil {
		return 0, err
	}
	n, err := payloadSize(r, v.Cases[idx].Type, payload, f)
	if err != nil {
		return 0, err
	}
	return abi.DiscriminantSize(len(v.Cases)) + n, nil
}

func (m variantMarshaler) Encode(r *Registry, t wit.Type, w *Writer, value any, f *Flags) error {
	v, idx, payload, err := m.selectCase(t, value)
	if err != nil {
		return err
	}
	if err := w.Discriminant(uint32(idx), abi.DiscriminantSize(len(v.Cases))); err != nil {
		return err
	}
	return encodePayload(r, v.Cases[idx].Type, w, payload, f)
}

func (variantMarshaler) Decode(r *Registry, t wit.Type, rd *Reader, f *Flags) (any, error) {
	v, ok := kindOf(t).(*wit.Variant)
	if !ok {
		return nil, typeMismatch(t, TypeVariant)
	}
	disc, err := rd.Discriminant(abi.DiscriminantSize(len(v.Cases)))
	if err != nil {
		return nil, err
	}
	if int(disc) >= len(v.Cases) {
		return nil, errors.InvalidDiscriminant(errors.PhaseDecode, nil, disc, uint32(len(v.Cases)-1))
	}
	c := v.Cases[disc]
	payload, err := decodePayload(r, c.Type, rd, f)
	if err != nil {
		return nil, err
	}
	return Variant{Case: c.Name, Value: payload}, nil
}

func (m variantMarshaler) Free(r *Registry, t wit.Type, value any, f *Flags) {
	v, idx, payload, err := m.selectCase(t, value)
	if err != nil {
		return
	}
	if ct := v.Cases[idx].Type; ct != nil {
		r.Free(ct, payload, f)
	}
}

type enumMarshaler struct{ scalar }

func (enumMarshaler) index(t wit.Type, value any) (*wit.Enum, uint32, error) {
	e, ok := kindOf(t).(*wit.Enum)
	if !ok {
		return nil, 0, typeMismatch(t, TypeEnum)
	}
	if name, ok := value.(string); ok {
		for i, c := range e.Cases {
			if c.Name == name {
				return e, uint32(i), nil
			}
		}
		return nil, 0, errors.New(errors.PhaseEncode, errors.KindInvalidVariant).
			Detail("unknown enum case %q", name).
			Build()
	}
	idx, ok := abi.Unsigned(value, 32)
	if !ok {
		return nil, 0, mismatch(value, TypeEnum)
	}
	if idx >= uint64(len(e.Cases)) {
		return nil, 0, errors.InvalidDiscriminant(errors.PhaseEncode, nil, uint32(idx), uint32(len(e.Cases)-1))
	}
	return e, uint32(idx), nil
}

func (m enumMarshaler) Size(_ *Registry, t wit.Type, value any, _ *Flags) (uint32, error) {
	e, _, err := m.index(t, value)
	if err != nil {
		return 0, err
	}
	return abi.DiscriminantSize(len(e.Cases)), nil
}

func (m enumMarshaler) Encode(_ *Registry, t wit.Type, w *Writer, value any, _ *Flags) error {
	e, idx, err := m.index(t, value)
	if err != nil {
		return err
	}
	return w.Discriminant(idx, abi.DiscriminantSize(len(e.Cases)))
}

func (enumMarshaler) Decode(_ *Registry, t wit.Type, rd *Reader, _ *Flags) (any, error) {
	e, ok := kindOf(t).(*wit.Enum)
	if !ok {
		return nil, typeMismatch(t, TypeEnum)
	}
	disc, err := rd.Discriminant(abi.DiscriminantSize(len(e.Cases)))
	if err != nil {
		return nil, err
	}
	if int(disc) >= len(e.Cases) {
		return nil, errors.InvalidDiscriminant(errors.PhaseDecode, nil, disc, uint32(len(e.Cases)-1))
	}
	return disc, nil
}

type flagsMarshaler struct{ scalar }

func (flagsMarshaler) bits(t wit.Type, value any) (*wit.Flags, uint64, error) {
	fl, ok := kindOf(t).(*wit.Flags)
	if !ok {
		return nil, 0, typeMismatch(t, TypeFlags)
	}
	n := len(fl.Flags)
	if n > abi.MaxFlags {
		return nil, 0, errors.Unsupported(errors.PhaseEncode, "flags with more than 64 members")
	}
	var set uint64
	if names, ok := value.([]string); ok {
	next:
		for _, name := range names {
			for i, fd := range fl.Flags {
				if fd.Name == name {
					set |= 1 << i
					continue next
				}
			}
			return nil, 0, errors.New(errors.PhaseEncode, errors.KindInvalidData).
				Detail("unknown flag %q", name).
				Build()
		}
		return fl, set, nil
	}
	set, ok = abi.Unsigned(value, 64)
	if !ok {
		return nil, 0, mismatch(value, TypeFlags)
	}
	if n < 64 && set>>n != 0 {
		return nil, 0, errors.Overflow(errors.PhaseEncode, nil, set, "flags")
	}
	return fl, set, nil
}

func (m flagsMarshaler) Size(_ *Registry, t wit.Type, value any, _ *Flags) (uint32, error) {
	fl, _, err := m.bits(t, value)
	if err != nil {
		return 0, err
	}
	return abi.FlagsSize(len(fl.Flags)), nil
}

func (m flagsMarshaler) Encode(_ *Registry, t wit.Type, w *Writer, value any, _ *Flags) error {
	fl, set, err := m.bits(t, value)
	if err != nil {
		return err
	}
	size := abi.FlagsSize(len(fl.Flags))
	if size == 0 {
		return nil
	}
	return writeWidth(w, int(size)*8, set)
}

func (flagsMarshaler) Decode(_ *Registry, t wit.Type, rd *Reader, _ *Flags) (any, error) {
	fl, ok := kindOf(t).(*wit.Flags)
	if !ok {
		return nil, typeMismatch(t, TypeFlags)
	}
	n := len(fl.Flags)
	var set uint64
	switch abi.FlagsSize(n) {
	case 0:
		return uint64(0), nil
	case 1:
		v, err := rd.U8()
		if err != nil {
			return nil, err
		}
		set = uint64(v)
	case 2:
		v, err := rd.U16()
		if err != nil {
			return nil, err
		}
		set = uint64(v)
	case 4:
		v, err := rd.U32()
		if err != nil {
			return nil, err
		}
		set = uint64(v)
	default:
		v, err := rd.U64()
		if err != nil {
			return nil, err
		}
		set = v
	}
	if n < 64 && set>>n != 0 {
		return nil, errors.InvalidData(errors.PhaseDecode, nil, "flag bits set beyond declared flags")
	}
	return set, nil
}

type optionMarshaler struct{}

func (optionMarshaler) inner(t wit.Type) (wit.Type, error) {
	o, ok := kindOf(t).(*wit.Option)
	if !ok {
		return nil, typeMismatch(t, TypeOption)
	}
	return o.Type, nil
}

func (m optionMarshaler) Size(r *Registry, t wit.Type, value any, f *Flags) (uint32, error) {
	it, err := m.inner(t)
	if err != nil {
		return 0, err
	}
	if value == nil {
		return 1, nil
	}
	n, err := r.Size(it, value, f)
	if err != nil {
		return 0, err
	}
	return 1 + n, nil
}

func (m optionMarshaler) Encode(r *Registry, t wit.Type, w *Writer, value any, f *Flags) error {
	it, err := m.inner(t)
	if err != nil {
		return err
	}
	if value == nil {
		return w.U8(0)
	}
	if err := w.U8(1); err != nil {
		return err
	}
	return r.Encode(it, w, value, f)
}

func (m optionMarshaler) Decode(r *Registry, t wit.Type, rd *Reader, f *Flags) (any, error) {
	it, err := m.inner(t)
	if err != nil {
		return nil, err
	}
	tag, err := rd.U8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		return nil, nil
	case 1:
		return r.Decode(it, rd, f)
	default:
		return nil, errors.InvalidDiscriminant(errors.PhaseDecode, nil, uint32(tag), 1)
	}
}

func (m optionMarshaler) Free(r *Registry, t wit.Type, value any, f *Flags) {
	if value == nil {
		return
	}
	if it, err := m.inner(t); err == nil {
		r.Free(it, value, f)
	}
}

type resultMarshaler struct{}

// arm resolves a {"ok": v} or {"err": v} map to its arm.
func (resultMarshaler) arm(t wit.Type, value any) (isErr bool, armType wit.Type, payload any, err error) {
	res, ok := kindOf(t).(*wit.Result)
	if !ok {
		return false, nil, nil, typeMismatch(t, TypeResult)
	}
	m, ok := value.(map[string]any)
	if !ok || len(m) != 1 {
		return false, nil, nil, mismatch(value, TypeResult)
	}
	if v, ok := m["ok"]; ok {
		return false, res.OK, v, nil
	}
	if v, ok := m["err"]; ok {
		return true, res.Err, v, nil
	}
	return false, nil, nil, errors.New(errors.PhaseEncode, errors.KindInvalidVariant).
		Detail(`result map must have an "ok" or "err" key`).
		Build()
}

func (m resultMarshaler) Size(r *Registry, t wit.Type, value any, f *Flags) (uint32, error) {
	_, at, payload, err := m.arm(t, value)
	if err != nil {
		return 0, err
	}
	n, err := payloadSize(r, at, payload, f)
	if err != nil {
		return 0, err
	}
	return 1 + n, nil
}

func (m resultMarshaler) Encode(r *Registry, t wit.Type, w *Writer, value any, f *Flags) error {
	isErr, at, payload, err := m.arm(t, value)
	if err != nil {
		return err
	}
	var tag uint8
	if isErr {
		tag = 1
	}
	if err := w.U8(tag); err != nil {
		return err
	}
	return encodePayload(r, at, w, payload, f)
}

func (resultMarshaler) Decode(r *Registry, t wit.Type, rd *Reader, f *Flags) (any, error) {
	res, ok := kindOf(t).(*wit.Result)
	if !ok {
		return nil, typeMismatch(t, TypeResult)
	}
	tag, err := rd.U8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		v, err := decodePayload(r, res.OK, rd, f)
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": v}, nil
	case 1:
		v, err := decodePayload(r, res.Err, rd, f)
		if err != nil {
			return nil, err
		}
		return map[string]any{"err": v}, nil
	default:
		return nil, errors.InvalidDiscriminant(errors.PhaseDecode, nil, uint32(tag), 1)
	}
}

func (m resultMarshaler) Free(r *Registry, t wit.Type, value any, f *Flags) {
	_, at, payload, err := m.arm(t, value)
	if err == nil && at != nil {
		r.Free(at, payload, f)
	}
}
