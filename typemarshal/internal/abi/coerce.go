package abi

import "math"

// Unsigned converts any Go integer, or an integral float, to a uint64 that
// fits in bits. Floats come from JSON-decoded argument lists.
func Unsigned(value any, bits int) (uint64, bool) {
	var u uint64
	switch v := value.(type) {
	case uint8:
		u = uint64(v)
	case uint16:
		u = uint64(v)
	case uint32:
		u = uint64(v)
	case uint64:
		u = v
	case uint:
		u = uint64(v)
	case int8, int16, int32, int64, int:
		s, _ := Signed(v, 64)
		if s < 0 {
			return 0, false
		}
		u = uint64(s)
	case float32:
		return Unsigned(float64(v), bits)
	case float64:
		if v < 0 || v != math.Trunc(v) || v >= math.Ldexp(1, bits) {
			return 0, false
		}
		u = uint64(v)
	default:
		return 0, false
	}
	if bits < 64 && u>>bits != 0 {
		return 0, false
	}
	return u, true
}

// Signed converts any Go integer, or an integral float, to an int64 that
// fits in bits.
func Signed(value any, bits int) (int64, bool) {
	var s int64
	switch v := value.(type) {
	case int8:
		s = int64(v)
	case int16:
		s = int64(v)
	case int32:
		s = int64(v)
	case int64:
		s = v
	case int:
		s = int64(v)
	case uint8, uint16, uint32, uint64, uint:
		u, _ := Unsigned(v, 64)
		if u > math.MaxInt64 {
			return 0, false
		}
		s = int64(u)
	case float32:
		return Signed(float64(v), bits)
	case float64:
		limit := math.Ldexp(1, bits-1)
		if v != math.Trunc(v) || v < -limit || v >= limit {
			return 0, false
		}
		s = int64(v)
	default:
		return 0, false
	}
	if bits < 64 {
		limit := int64(1) << (bits - 1)
		if s < -limit || s >= limit {
			return 0, false
		}
	}
	return s, true
}

// Float converts any Go number to a float64.
func Float(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int, int8, int16, int32, int64:
		s, _ := Signed(v, 64)
		return float64(s), true
	case uint, uint8, uint16, uint32, uint64:
		u, _ := Unsigned(v, 64)
		return float64(u), true
	}
	return 0, false
}
