package typemarshal

import (
	"math"
	"unicode/utf8"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/marshal-runtime/errors"
	"github.com/wippyai/marshal-runtime/typemarshal/internal/abi"
)

func builtins() map[TypeID]Marshaler {
	return map[TypeID]Marshaler{
		TypeBool:    boolMarshaler{},
		TypeU8:      uintMarshaler{bits: 8},
		TypeU16:     uintMarshaler{bits: 16},
		TypeU32:     uintMarshaler{bits: 32},
		TypeU64:     uintMarshaler{bits: 64},
		TypeS8:      intMarshaler{bits: 8},
		TypeS16:     intMarshaler{bits: 16},
		TypeS32:     intMarshaler{bits: 32},
		TypeS64:     intMarshaler{bits: 64},
		TypeF32:     floatMarshaler{bits: 32},
		TypeF64:     floatMarshaler{bits: 64},
		TypeChar:    charMarshaler{},
		TypeString:  stringMarshaler{},
		TypeList:    listMarshaler{},
		TypeRecord:  recordMarshaler{},
		TypeTuple:   tupleMarshaler{},
		TypeVariant: variantMarshaler{},
		TypeEnum:    enumMarshaler{},
		TypeFlags:   flagsMarshaler{},
		TypeOption:  optionMarshaler{},
		TypeResult:  resultMarshaler{},
		TypeOwn:     handleMarshaler{},
		TypeBorrow:  handleMarshaler{borrow: true},
	}
}

func mismatch(value any, wireType TypeID) error {
	return errors.TypeMismatch(errors.PhaseEncode, nil, abi.TypeName(value), string(wireType))
}

// scalar marshalers hold nothing that needs freeing.
type scalar struct{}

func (scalar) Free(*Registry, wit.Type, any, *Flags) {}

type boolMarshaler struct{ scalar }

func (boolMarshaler) Size(_ *Registry, _ wit.Type, value any, _ *Flags) (uint32, error) {
	if _, ok := value.(bool); !ok {
		return 0, mismatch(value, TypeBool)
	}
	return 1, nil
}

func (boolMarshaler) Encode(_ *Registry, _ wit.Type, w *Writer, value any, _ *Flags) error {
	b, ok := value.(bool)
	if !ok {
		return mismatch(value, TypeBool)
	}
	if b {
		return w.U8(1)
	}
	return w.U8(0)
}

func (boolMarshaler) Decode(_ *Registry, _ wit.Type, rd *Reader, _ *Flags) (any, error) {
	v, err := rd.U8()
	if err != nil {
		return nil, err
	}
	if v > 1 {
		return nil, errors.InvalidData(errors.PhaseDecode, nil, "bool byte out of range")
	}
	return v == 1, nil
}

type uintMarshaler struct {
	scalar
	bits int
}

func (m uintMarshaler) id() TypeID {
	return [...]TypeID{TypeU8, TypeU16, TypeU32, TypeU64}[widthIndex(m.bits)]
}

func (m uintMarshaler) Size(_ *Registry, _ wit.Type, value any, _ *Flags) (uint32, error) {
	if _, ok := abi.Unsigned(value, m.bits); !ok {
		return 0, mismatch(value, m.id())
	}
	return uint32(m.bits / 8), nil
}

func (m uintMarshaler) Encode(_ *Registry, _ wit.Type, w *Writer, value any, _ *Flags) error {
	v, ok := abi.Unsigned(value, m.bits)
	if !ok {
		return mismatch(value, m.id())
	}
	return writeWidth(w, m.bits, v)
}

func (m uintMarshaler) Decode(_ *Registry, _ wit.Type, rd *Reader, _ *Flags) (any, error) {
	switch m.bits {
	case 8:
		return rd.U8()
	case 16:
		return rd.U16()
	case 32:
		return rd.U32()
	default:
		return rd.U64()
	}
}

type intMarshaler struct {
	scalar
	bits int
}

func (m intMarshaler) id() TypeID {
	return [...]TypeID{TypeS8, TypeS16, TypeS32, TypeS64}[widthIndex(m.bits)]
}

func (m intMarshaler) Size(_ *Registry, _ wit.Type, value any, _ *Flags) (uint32, error) {
	if _, ok := abi.Signed(value, m.bits); !ok {
		return 0, mismatch(value, m.id())
	}
	return uint32(m.bits / 8), nil
}

func (m intMarshaler) Encode(_ *Registry, _ wit.Type, w *Writer, value any, _ *Flags) error {
	v, ok := abi.Signed(value, m.bits)
	if !ok {
		return mismatch(value, m.id())
	}
	return writeWidth(w, m.bits, uint64(v))
}

func (m intMarshaler) Decode(_ *Registry, _ wit.Type, rd *Reader, _ *Flags) (any, error) {
	switch m.bits {
	case 8:
		v, err := rd.U8()
		return int8(v), err
	case 16:
		v, err := rd.U16()
		return int16(v), err
	case 32:
		v, err := rd.U32()
		return int32(v), err
	default:
		v, err := rd.U64()
		return int64(v), err
	}
}

func widthIndex(bits int) int {
	switch bits {
	case 8:
		return 0
	case 16:
		return 1
	case 32:
		return 2
	default:
		return 3
	}
}

func writeWidth(w *Writer, bits int, v uint64) error {
	switch bits {
	case 8:
		return w.U8(uint8(v))
	case 16:
		return w.U16(uint16(v))
	case 32:
		return w.U32(uint32(v))
	default:
		return w.U64(v)
	}
}

type floatMarshaler struct {
	scalar
	bits int
}

func (m floatMarshaler) id() TypeID {
	if m.bits == 32 {
		return TypeF32
	}
	return TypeF64
}

func (m floatMarshaler) Size(_ *Registry, _ wit.Type, value any, _ *Flags) (uint32, error) {
	if _, ok := abi.Float(value); !ok {
		return 0, mismatch(value, m.id())
	}
	return uint32(m.bits / 8), nil
}

func (m floatMarshaler) Encode(_ *Registry, _ wit.Type, w *Writer, value any, _ *Flags) error {
	f, ok := abi.Float(value)
	if !ok {
		return mismatch(value, m.id())
	}
	if m.bits == 32 {
		return w.U32(abi.CanonicalizeF32(math.Float32bits(float32(f))))
	}
	return w.U64(abi.CanonicalizeF64(math.Float64bits(f)))
}

func (m floatMarshaler) Decode(_ *Registry, _ wit.Type, rd *Reader, _ *Flags) (any, error) {
	if m.bits == 32 {
		v, err := rd.U32()
		return math.Float32frombits(v), err
	}
	v, err := rd.U64()
	return math.Float64frombits(v), err
}

type charMarshaler struct{ scalar }

func (charMarshaler) char(value any) (rune, error) {
	v, ok := abi.Signed(value, 32)
	if !ok {
		return 0, mismatch(value, TypeChar)
	}
	r := rune(v)
	if !abi.ValidateChar(r) {
		return 0, errors.New(errors.PhaseEncode, errors.KindInvalidData).
			Detail("invalid Unicode scalar value: 0x%X", r).
			Build()
	}
	return r, nil
}

func (m charMarshaler) Size(_ *Registry, _ wit.Type, value any, _ *Flags) (uint32, error) {
	if _, err := m.char(value); err != nil {
		return 0, err
	}
	return 4, nil
}

func (m charMarshaler) Encode(_ *Registry, _ wit.Type, w *Writer, value any, _ *Flags) error {
	r, err := m.char(value)
	if err != nil {
		return err
	}
	return w.U32(uint32(r))
}

func (charMarshaler) Decode(_ *Registry, _ wit.Type, rd *Reader, _ *Flags) (any, error) {
	v, err := rd.U32()
	if err != nil {
		return nil, err
	}
	if !abi.ValidateChar(rune(v)) {
		return nil, errors.New(errors.PhaseDecode, errors.KindInvalidData).
			Detail("invalid Unicode scalar value: 0x%X", v).
			Build()
	}
	return rune(v), nil
}

type stringMarshaler struct{ scalar }

func (stringMarshaler) Size(_ *Registry, _ wit.Type, value any, _ *Flags) (uint32, error) {
	s, ok := value.(string)
	if !ok {
		return 0, mismatch(value, TypeString)
	}
	if len(s) > abi.MaxStringSize {
		return 0, errors.Overflow(errors.PhaseEncode, nil, len(s), "string")
	}
	if !utf8.ValidString(s) {
		return 0, errors.InvalidUTF8(errors.PhaseEncode, nil, []byte(s))
	}
	return 4 + uint32(len(s)), nil
}

func (stringMarshaler) Encode(_ *Registry, _ wit.Type, w *Writer, value any, _ *Flags) error {
	s, ok := value.(string)
	if !ok {
		return mismatch(value, TypeString)
	}
	if err := w.U32(uint32(len(s))); err != nil {
		return err
	}
	return w.Bytes([]byte(s))
}

func (stringMarshaler) Decode(_ *Registry, _ wit.Type, rd *Reader, _ *Flags) (any, error) {
	n, err := rd.U32()
	if err != nil {
		return nil, err
	}
	if n > abi.MaxStringSize {
		return nil, errors.Overflow(errors.PhaseDecode, nil, n, "string")
	}
	b, err := rd.Bytes(n)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(b) {
		return nil, errors.InvalidUTF8(errors.PhaseDecode, nil, b)
	}
	return string(b), nil
}
