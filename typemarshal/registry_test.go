package typemarshal

import (
	"bytes"
	"encoding/binary"
	"testing"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/marshal-runtime/errors"
	"github.com/wippyai/marshal-runtime/wire"
)

func listOf(t wit.Type) wit.Type {
	return &wit.TypeDef{Kind: &wit.List{Type: t}}
}

var shapeType = &wit.TypeDef{Kind: &wit.Variant{Cases: []wit.Case{
	{Name: "circle", Type: wit.F64{}},
	{Name: "label", Type: wit.String{}},
	{Name: "empty"},
}}}

func TestMarshal_SizeMatchesEncoding(t *testing.T) {
	reg := NewRegistry(nil)
	params := []Param{
		{Name: "count", Type: wit.U32{}},
		{Name: "name", Type: wit.String{}},
		{Name: "values", Type: listOf(wit.S64{})},
		{Name: "shape", Type: shapeType},
		{Name: "maybe", Type: &wit.TypeDef{Kind: &wit.Option{Type: wit.U8{}}}},
	}
	values := []any{7, "héllo", []int64{-1, 2}, Variant{Case: "label", Value: "x"}, nil}

	var want uint32
	for i := range params {
		n, err := reg.SizeParam(&params[i], values[i], nil)
		if err != nil {
			t.Fatalf("SizeParam %s failed: %v", params[i].Name, err)
		}
		want += n
	}

	data, err := reg.Marshal(params, values, nil)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if uint32(len(data)) != want {
		t.Fatalf("encoded %d bytes, sized %d", len(data), want)
	}

	// u32 7, big-endian
	if binary.BigEndian.Uint32(data[:4]) != 7 {
		t.Fatalf("count prefix = %x", data[:4])
	}

	got, err := reg.Unmarshal(params, data, nil)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got[0] != uint32(7) || got[1] != "héllo" {
		t.Fatalf("scalars = %v, %v", got[0], got[1])
	}
	ints, ok := got[2].([]int64)
	if !ok || len(ints) != 2 || ints[0] != -1 || ints[1] != 2 {
		t.Fatalf("list = %#v", got[2])
	}
	if v, ok := got[3].(Variant); !ok || v.Case != "label" || v.Value != "x" {
		t.Fatalf("variant = %#v", got[3])
	}
	if got[4] != nil {
		t.Fatalf("option = %#v", got[4])
	}
}

func TestUnmarshal_NoAlias(t *testing.T) {
	reg := NewRegistry(nil)
	params := []Param{{Name: "data", Type: listOf(wit.U8{})}, {Name: "s", Type: wit.String{}}}
	data, err := reg.Marshal(params, []any{[]byte{1, 2, 3}, "abc"}, nil)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := reg.Unmarshal(params, data, nil)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	for i := range data {
		data[i] = 0
	}
	if !bytes.Equal(got[0].([]byte), []byte{1, 2, 3}) {
		t.Fatalf("decoded bytes alias the wire buffer: %v", got[0])
	}
	if got[1] != "abc" {
		t.Fatalf("decoded string changed: %v", got[1])
	}
}

func TestByRef(t *testing.T) {
	reg := NewRegistry(nil)
	params := []Param{
		{Name: "in", Type: wit.String{}, ByRef: true},
		{Name: "null", Type: wit.String{}, ByRef: true},
		{Name: "tail", Type: wit.U8{}},
	}
	data, err := reg.Marshal(params, []any{"ab", nil, 9}, nil)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	// tag(4)=6, len(4)=2, "ab", tag(4)=null, u8
	want := []byte{0, 0, 0, 6, 0, 0, 0, 2, 'a', 'b', 0xff, 0xff, 0xff, 0xff, 9}
	if !bytes.Equal(data, want) {
		t.Fatalf("encoding = %v, want %v", data, want)
	}

	got, err := reg.Unmarshal(params, data, nil)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got[0] != "ab" || got[1] != nil || got[2] != uint8(9) {
		t.Fatalf("values = %#v", got)
	}

	// A tag longer than the value it wraps is rejected.
	bad := []byte{0, 0, 0, 7, 0, 0, 0, 2, 'a', 'b', 'c', 0xff, 0xff, 0xff, 0xff, 9}
	if _, err := reg.Unmarshal(params, bad, nil); err == nil {
		t.Fatal("expected error for oversized by-reference tag")
	}
}

func TestByRef_EmptyValueIsNotNull(t *testing.T) {
	reg := NewRegistry(nil)
	empty := &wit.TypeDef{Kind: &wit.Record{}}
	params := []Param{
		{Name: "empty", Type: empty, ByRef: true},
		{Name: "null", Type: empty, ByRef: true},
	}
	data, err := reg.Marshal(params, []any{map[string]any{}, nil}, nil)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := []byte{0, 0, 0, 0, 0xff, 0xff, 0xff, 0xff}
	if !bytes.Equal(data, want) {
		t.Fatalf("encoding = %v, want %v", data, want)
	}

	got, err := reg.Unmarshal(params, data, nil)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if rec, ok := got[0].(map[string]any); !ok || len(rec) != 0 {
		t.Fatalf("empty value = %#v, want empty record", got[0])
	}
	if got[1] != nil {
		t.Fatalf("null value = %#v", got[1])
	}
}

func TestMarshal_OutOfMemory(t *testing.T) {
	reg := NewRegistry(NewArena(8))
	params := []Param{{Name: "s", Type: wit.String{}}}

	if _, err := reg.Marshal(params, []any{"1234"}, nil); err != nil {
		t.Fatalf("8-byte buffer should fit: %v", err)
	}
	_, err := reg.Marshal(params, []any{"12345"}, nil)
	if !errors.Is(err, errors.ErrOutOfMemory) {
		t.Fatalf("expected out of memory, got %v", err)
	}
}

func TestMarshal_Errors(t *testing.T) {
	reg := NewRegistry(nil)
	tests := []struct {
		name   string
		params []Param
		values []any
		kind   errors.Kind
	}{
		{"count mismatch", []Param{{Type: wit.U8{}}}, nil, errors.KindInvalidData},
		{"wrong go type", []Param{{Name: "n", Type: wit.U32{}}}, []any{"x"}, errors.KindTypeMismatch},
		{"overflow u8", []Param{{Type: wit.U8{}}}, []any{300}, errors.KindTypeMismatch},
		{"invalid utf8", []Param{{Type: wit.String{}}}, []any{string([]byte{0xff})}, errors.KindInvalidUTF8},
		{"bad char", []Param{{Type: wit.Char{}}}, []any{rune(0xD800)}, errors.KindInvalidData},
		{"unknown case", []Param{{Type: shapeType}}, []any{Variant{Case: "square"}}, errors.KindInvalidVariant},
		{"unknown custom", []Param{{Custom: "nope"}}, []any{1}, errors.KindNotFound},
		{"missing field", []Param{{Type: &wit.TypeDef{Kind: &wit.Record{Fields: []wit.Field{{Name: "x", Type: wit.U8{}}}}}}}, []any{map[string]any{}}, errors.KindInvalidData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Marshal(tt.params, tt.values, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.KindOf(err) != tt.kind {
				t.Fatalf("kind = %q, want %q (%v)", errors.KindOf(err), tt.kind, err)
			}
		})
	}
}

func TestMarshal_ErrorPath(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Marshal([]Param{{Name: "id", Type: wit.U8{}}}, []any{"x"}, nil)
	e, ok := errors.AsError(err)
	if !ok {
		t.Fatalf("expected structured error, got %v", err)
	}
	if len(e.Path) != 1 || e.Path[0] != "id" {
		t.Fatalf("path = %v", e.Path)
	}
}

func TestUnmarshal_Malformed(t *testing.T) {
	reg := NewRegistry(nil)
	tests := []struct {
		name   string
		params []Param
		data   []byte
	}{
		{"truncated u32", []Param{{Type: wit.U32{}}}, []byte{0, 0}},
		{"string past end", []Param{{Type: wit.String{}}}, []byte{0, 0, 0, 9, 'a'}},
		{"bad utf8", []Param{{Type: wit.String{}}}, []byte{0, 0, 0, 1, 0xff}},
		{"bad bool", []Param{{Type: wit.Bool{}}}, []byte{2}},
		{"bad discriminant", []Param{{Type: shapeType}}, []byte{5}},
		{"bad option tag", []Param{{Type: &wit.TypeDef{Kind: &wit.Option{Type: wit.U8{}}}}}, []byte{2, 0}},
		{"huge list", []Param{{Type: listOf(wit.U32{})}}, []byte{0x10, 0, 0, 0}},
		{"trailing bytes", []Param{{Type: wit.U8{}}}, []byte{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := reg.Unmarshal(tt.params, tt.data, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

type pointMarshaler struct {
	freed *int
}

type point struct{ X, Y int16 }

func (pointMarshaler) Size(*Registry, wit.Type, any, *Flags) (uint32, error) { return 4, nil }

func (pointMarshaler) Encode(_ *Registry, _ wit.Type, w *Writer, value any, _ *Flags) error {
	p, ok := value.(point)
	if !ok {
		return mismatch(value, "point")
	}
	if err := w.U16(uint16(p.X)); err != nil {
		return err
	}
	return w.U16(uint16(p.Y))
}

func (pointMarshaler) Decode(_ *Registry, _ wit.Type, rd *Reader, _ *Flags) (any, error) {
	x, err := rd.U16()
	if err != nil {
		return nil, err
	}
	y, err := rd.U16()
	if err != nil {
		return nil, err
	}
	return point{X: int16(x), Y: int16(y)}, nil
}

func (m pointMarshaler) Free(*Registry, wit.Type, any, *Flags) { *m.freed++ }

func TestRegister_CustomMarshaler(t *testing.T) {
	reg := NewRegistry(nil)
	freed := 0
	if err := reg.Register("point", pointMarshaler{freed: &freed}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	params := []Param{
		{Name: "p", Custom: "point"},
		{Name: "path", Type: listOf(wit.U8{})},
	}
	data, err := reg.Marshal(params, []any{point{X: -3, Y: 4}, []byte{1}}, nil)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := reg.Unmarshal(params, data, nil)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got[0] != (point{X: -3, Y: 4}) {
		t.Fatalf("point = %#v", got[0])
	}
	reg.FreeValues(params, got, nil)
	if freed != 1 {
		t.Fatalf("Free called %d times", freed)
	}
}

func TestRegister_Invalid(t *testing.T) {
	reg := NewRegistry(nil)
	if err := reg.Register("", pointMarshaler{}); !errors.Is(err, &errors.Error{Kind: errors.KindRegistration}) {
		t.Fatalf("empty id: %v", err)
	}
	if err := reg.Register("x", nil); err == nil {
		t.Fatal("expected error for nil marshaler")
	}
}

func TestRegisterInterface(t *testing.T) {
	reg := NewRegistry(nil)
	iid := wire.NewInterfaceID()
	iface := &Interface{
		ID:   iid,
		Name: "ICalc",
		Methods: []Method{
			{Name: "add", Params: []Param{{Name: "a", Type: wit.S32{}}, {Name: "b", Type: wit.S32{}}}, Results: []Param{{Type: wit.S32{}}}},
			{Name: "reset"},
		},
	}
	if err := reg.RegisterInterface(iface); err != nil {
		t.Fatalf("RegisterInterface failed: %v", err)
	}
	got, ok := reg.Interface(iid)
	if !ok || got != iface {
		t.Fatal("interface not found")
	}
	idx, m, ok := got.Method("reset")
	if !ok || idx != 1 || m.Name != "reset" {
		t.Fatalf("Method(reset) = %d, %v, %v", idx, m, ok)
	}
	if _, ok := got.MethodAt(2); ok {
		t.Fatal("MethodAt(2) should fail")
	}

	dup := &Interface{ID: wire.NewInterfaceID(), Methods: []Method{{Name: "a"}, {Name: "a"}}}
	if err := reg.RegisterInterface(dup); err == nil {
		t.Fatal("expected error for duplicate method")
	}
	unknown := &Interface{ID: wire.NewInterfaceID(), Methods: []Method{{Name: "a", Params: []Param{{Custom: "missing"}}}}}
	if err := reg.RegisterInterface(unknown); err == nil {
		t.Fatal("expected error for unregistered custom type")
	}
	if err := reg.RegisterInterface(&Interface{}); err == nil {
		t.Fatal("expected error for nil interface id")
	}
}

func TestTypeIDOf(t *testing.T) {
	tests := []struct {
		typ  wit.Type
		want TypeID
	}{
		{wit.Bool{}, TypeBool},
		{wit.S16{}, TypeS16},
		{wit.String{}, TypeString},
		{listOf(wit.U8{}), TypeList},
		{shapeType, TypeVariant},
		{&wit.TypeDef{Kind: &wit.Own{}}, TypeOwn},
		{&wit.TypeDef{Kind: &wit.Borrow{}}, TypeBorrow},
		{&wit.TypeDef{Kind: &wit.Result{OK: wit.U8{}}}, TypeResult},
		{&wit.TypeDef{Kind: wit.U32{}}, TypeU32},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := TypeIDOf(tt.typ); got != tt.want {
			t.Errorf("TypeIDOf(%T) = %q, want %q", tt.typ, got, tt.want)
		}
	}
}
