// Package value implements PETRA's tagged scalar value type: the common
// currency exchanged between the signal bus, the block catalog, and the
// historian.
package value

import (
	"fmt"
	"math"
)

// Kind identifies the active variant of a Value.
type Kind uint8

const (
	Bool Kind = iota
	Int32
	Float64
)

func (k Kind) String() string {
	switch k {
	case Bool:
		return "bool"
	case Int32:
		return "int"
	case Float64:
		return "float"
	default:
		return "unknown"
	}
}

// boolEpsilon is the threshold used when converting a float to a bool:
// any magnitude strictly greater than this is considered true.
const boolEpsilon = 1e-9

// Value is a tagged union over {Bool, Int32, Float64}. The zero Value is a
// Bool false. Values are small and copyable; callers pass them by value.
type Value struct {
	kind Kind
	b    bool
	i    int32
	f    float64
}

func FromBool(b bool) Value    { return Value{kind: Bool, b: b} }
func FromInt32(i int32) Value  { return Value{kind: Int32, i: i} }
func FromFloat64(f float64) Value { return Value{kind: Float64, f: f} }

// Kind reports the active variant.
func (v Value) Kind() Kind { return v.kind }

// Bool returns the value coerced to bool: bool as-is, int != 0, float with
// |x| > epsilon.
func (v Value) Bool() bool {
	switch v.kind {
	case Bool:
		return v.b
	case Int32:
		return v.i != 0
	case Float64:
		return math.Abs(v.f) > boolEpsilon
	default:
		return false
	}
}

// Int32 returns the value coerced to int32: bool as 0/1, int as-is, float
// truncated toward zero.
func (v Value) Int32() int32 {
	switch v.kind {
	case Bool:
		if v.b {
			return 1
		}
		return 0
	case Int32:
		return v.i
	case Float64:
		return int32(v.f)
	default:
		return 0
	}
}

// Float64 returns the value coerced to float64: bool as 0.0/1.0, int cast,
// float as-is.
func (v Value) Float64() float64 {
	switch v.kind {
	case Bool:
		if v.b {
			return 1
		}
		return 0
	case Int32:
		return float64(v.i)
	case Float64:
		return v.f
	default:
		return 0
	}
}

// Equal reports structural equality: the tags must match and the payloads
// must compare equal. Float64 follows IEEE-754 comparison, so NaN is never
// equal to anything, including another NaN.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case Bool:
		return v.b == other.b
	case Int32:
		return v.i == other.i
	case Float64:
		return v.f == other.f
	default:
		return false
	}
}

// IsNaN reports whether v is a Float64 holding NaN.
func (v Value) IsNaN() bool {
	return v.kind == Float64 && math.IsNaN(v.f)
}

func (v Value) String() string {
	switch v.kind {
	case Bool:
		return fmt.Sprintf("%t", v.b)
	case Int32:
		return fmt.Sprintf("%d", v.i)
	case Float64:
		return fmt.Sprintf("%.3f", v.f)
	default:
		return "<invalid>"
	}
}

// GoString supports %#v style debug printing used in tests.
func (v Value) GoString() string {
	return fmt.Sprintf("value.Value{%s: %s}", v.kind, v.String())
}
