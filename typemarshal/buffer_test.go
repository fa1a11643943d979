package typemarshal

import (
	"testing"

	"github.com/wippyai/marshal-runtime/errors"
)

func TestBuffer_BoundsChecked(t *testing.T) {
	b := NewBuffer(make([]byte, 6))
	if err := b.WriteU32(2, 0xdeadbeef); err != nil {
		t.Fatalf("WriteU32 failed: %v", err)
	}
	if err := b.WriteU32(3, 1); !errors.Is(err, &errors.Error{Kind: errors.KindOutOfBounds}) {
		t.Fatalf("overrun write = %v", err)
	}
	v, err := b.ReadU32(2)
	if err != nil || v != 0xdeadbeef {
		t.Fatalf("ReadU32 = %x, %v", v, err)
	}
	if b.Bytes()[2] != 0xde {
		t.Fatal("expected big-endian layout")
	}
	if _, err := b.ReadU64(0); err == nil {
		t.Fatal("expected error reading past end")
	}
	if _, err := b.Read(5, 2); err == nil {
		t.Fatal("expected error reading span past end")
	}
}

func TestArena(t *testing.T) {
	a := NewArena(16)
	mem, err := a.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if mem.(*Buffer).Size() != 16 {
		t.Fatalf("size = %d", mem.(*Buffer).Size())
	}
	_ = mem.WriteU8(0, 0xff)
	a.Free(mem)

	mem, err = a.Alloc(4)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if v, _ := mem.ReadU8(0); v != 0 {
		t.Fatal("pooled buffer not cleared")
	}

	if _, err := a.Alloc(17); !errors.Is(err, errors.ErrOutOfMemory) {
		t.Fatalf("Alloc over limit = %v", err)
	}
	if NewArena(0).Limit() != 0 {
		t.Fatal("zero limit")
	}
}

func TestReaderWriter(t *testing.T) {
	mem := NewBuffer(make([]byte, 11))
	w := NewWriter(mem)
	if err := w.Discriminant(300, 2); err != nil {
		t.Fatal(err)
	}
	if err := w.U64(1); err != nil {
		t.Fatal(err)
	}
	if err := w.U8(2); err != nil {
		t.Fatal(err)
	}
	if w.Offset() != 11 {
		t.Fatalf("offset = %d", w.Offset())
	}
	if err := w.U8(3); err == nil {
		t.Fatal("expected overrun error")
	}

	r := NewReader(mem, 11)
	d, err := r.Discriminant(2)
	if err != nil || d != 300 {
		t.Fatalf("Discriminant = %d, %v", d, err)
	}
	if v, _ := r.U64(); v != 1 {
		t.Fatalf("U64 = %d", v)
	}
	if r.Remaining() != 1 {
		t.Fatalf("remaining = %d", r.Remaining())
	}
	if _, err := r.U16(); err == nil {
		t.Fatal("expected error reading past limit")
	}
}
