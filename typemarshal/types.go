package typemarshal

import (
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/marshal-runtime/resource"
	"github.com/wippyai/marshal-runtime/wire"
)

// TypeID names a marshaler in the registry.
type TypeID string

// Builtin type ids. TypeIDOf maps a WIT type to one of these.
const (
	TypeBool    TypeID = "bool"
	TypeU8      TypeID = "u8"
	TypeU16     TypeID = "u16"
	TypeU32     TypeID = "u32"
	TypeU64     TypeID = "u64"
	TypeS8      TypeID = "s8"
	TypeS16     TypeID = "s16"
	TypeS32     TypeID = "s32"
	TypeS64     TypeID = "s64"
	TypeF32     TypeID = "f32"
	TypeF64     TypeID = "f64"
	TypeChar    TypeID = "char"
	TypeString  TypeID = "string"
	TypeList    TypeID = "list"
	TypeRecord  TypeID = "record"
	TypeTuple   TypeID = "tuple"
	TypeVariant TypeID = "variant"
	TypeEnum    TypeID = "enum"
	TypeFlags   TypeID = "flags"
	TypeOption  TypeID = "option"
	TypeResult  TypeID = "result"
	TypeOwn     TypeID = "own"
	TypeBorrow  TypeID = "borrow"
)

// Marshaler is the four-operation contract for one value type.
// Implementations receive the registry so compound types can recurse.
type Marshaler interface {
	Size(r *Registry, t wit.Type, value any, f *Flags) (uint32, error)
	Encode(r *Registry, t wit.Type, w *Writer, value any, f *Flags) error
	Decode(r *Registry, t wit.Type, rd *Reader, f *Flags) (any, error)
	Free(r *Registry, t wit.Type, value any, f *Flags)
}

// Flags carry per-call marshaling context.
type Flags struct {
	// Handles resolves own/borrow arguments. Required when a signature
	// carries handles.
	Handles *resource.Table
	// Context selects how handles are written: the bare handle within a
	// process, the handle plus its serialized value across processes.
	Context wire.Context
	// Results marks decoding of a call's results. A borrowed result is
	// checked but not borrowed, since no later call gives it back.
	Results bool
	// Discard marks values freed because their call did not complete.
	// Owned handles imported from another process are removed with them.
	Discard bool
}

// Variant is the Go form of a WIT variant value.
type Variant struct {
	Value any
	Case  string
}

// Param describes one argument or result slot of a method.
type Param struct {
	Type   wit.Type
	Name   string
	Custom TypeID // overrides the marshaler selected from Type
	ByRef  bool   // u32 length tag precedes the value; NullRef marks a null reference
}

// Method is one operation of an interface.
type Method struct {
	Name    string
	Params  []Param
	Results []Param
}

// Interface is the call layout both ends of a proxy agree on.
type Interface struct {
	Name    string
	Methods []Method
	ID      wire.InterfaceID
}

// Method returns the index and descriptor of the named method.
func (i *Interface) Method(name string) (uint32, *Method, bool) {
	for idx := range i.Methods {
		if i.Methods[idx].Name == name {
			return uint32(idx), &i.Methods[idx], true
		}
	}
	return 0, nil, false
}

// MethodAt returns the descriptor for a method index from a call message.
func (i *Interface) MethodAt(idx uint32) (*Method, bool) {
	if int(idx) >= len(i.Methods) {
		return nil, false
	}
	return &i.Methods[idx], true
}

// TypeIDOf returns the builtin marshaler id for a WIT type, or "" when the
// type has no builtin marshaler.
func TypeIDOf(t wit.Type) TypeID {
	switch t := t.(type) {
	case wit.Bool:
		return TypeBool
	case wit.U8:
		return TypeU8
	case wit.U16:
		return TypeU16
	case wit.U32:
		return TypeU32
	case wit.U64:
		return TypeU64
	case wit.S8:
		return TypeS8
	case wit.S16:
		return TypeS16
	case wit.S32:
		return TypeS32
	case wit.S64:
		return TypeS64
	case wit.F32:
		return TypeF32
	case wit.F64:
		return TypeF64
	case wit.Char:
		return TypeChar
	case wit.String:
		return TypeString
	case *wit.TypeDef:
		switch kind := t.Kind.(type) {
		case *wit.List:
			return TypeList
		case *wit.Record:
			return TypeRecord
		case *wit.Tuple:
			return TypeTuple
		case *wit.Variant:
			return TypeVariant
		case *wit.Enum:
			return TypeEnum
		case *wit.Flags:
			return TypeFlags
		case *wit.Option:
			return TypeOption
		case *wit.Result:
			return TypeResult
		case *wit.Own:
			return TypeOwn
		case *wit.Borrow:
			return TypeBorrow
		case wit.Type:
			return TypeIDOf(kind)
		}
	}
	return ""
}

// kindOf unwraps type aliases down to the defining kind.
func kindOf(t wit.Type) any {
	for {
		td, ok := t.(*wit.TypeDef)
		if !ok {
			return t
		}
		inner, ok := td.Kind.(wit.Type)
		if !ok {
			return td.Kind
		}
		t = inner
	}
}
