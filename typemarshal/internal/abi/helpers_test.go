package abi

import (
	"math"
	"testing"
)

func TestSafeArithmetic(t *testing.T) {
	if v, ok := SafeMulU32(1<<16, 1<<15); !ok || v != 1<<31 {
		t.Fatalf("SafeMulU32 = %d, %v", v, ok)
	}
	if _, ok := SafeMulU32(1<<16, 1<<16); ok {
		t.Fatal("expected multiplication overflow")
	}
	if v, ok := SafeAddU32(math.MaxUint32-1, 1); !ok || v != math.MaxUint32 {
		t.Fatalf("SafeAddU32 = %d, %v", v, ok)
	}
	if _, ok := SafeAddU32(math.MaxUint32, 1); ok {
		t.Fatal("expected addition overflow")
	}
}

func TestTypeName(t *testing.T) {
	if TypeName(nil) != "nil" {
		t.Fatal("nil")
	}
	if TypeName(uint32(1)) != "uint32" {
		t.Fatal("uint32")
	}
}

func TestCanonicalize(t *testing.T) {
	nan32 := math.Float32bits(float32(math.NaN())) | 1
	if CanonicalizeF32(nan32) != CanonicalNaN32 {
		t.Error("f32 NaN not canonicalized")
	}
	if CanonicalizeF32(math.Float32bits(1.5)) != math.Float32bits(1.5) {
		t.Error("f32 value changed")
	}
	nan64 := math.Float64bits(math.NaN()) | 1
	if CanonicalizeF64(nan64) != CanonicalNaN64 {
		t.Error("f64 NaN not canonicalized")
	}
}

func TestValidateChar(t *testing.T) {
	tests := []struct {
		r    rune
		want bool
	}{
		{'a', true},
		{0x10FFFF, true},
		{0xD800, false},
		{0xDFFF, false},
		{0x110000, false},
		{-1, false},
	}
	for _, tt := range tests {
		if got := ValidateChar(tt.r); got != tt.want {
			t.Errorf("ValidateChar(%#x) = %v, want %v", tt.r, got, tt.want)
		}
	}
}

func TestDiscriminantAndFlagsSize(t *testing.T) {
	sizes := []struct {
		n    int
		disc uint32
	}{
		{0, 1},
		{2, 1},
		{256, 1},
		{257, 2},
		{65537, 4},
	}
	for _, s := range sizes {
		if got := DiscriminantSize(s.n); got != s.disc {
			t.Errorf("DiscriminantSize(%d) = %d, want %d", s.n, got, s.disc)
		}
	}
	for n, want := range map[int]uint32{0: 0, 1: 1, 8: 1, 9: 2, 17: 4, 33: 8, 64: 8} {
		if got := FlagsSize(n); got != want {
			t.Errorf("FlagsSize(%d) = %d, want %d", n, got, want)
		}
	}
}
