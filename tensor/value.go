// Package tensor holds the host-side values exchanged with an execution
// engine. A Value is a tagged variant: exactly one typed backing slice is
// populated, selected by its DType.
package tensor

import (
	"fmt"
	"strings"
)

type DType uint8

const (
	Invalid DType = iota
	Float32
	Float64
	Int64
	Bool
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int64:
		return "int64"
	case Bool:
		return "bool"
	default:
		return "invalid"
	}
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case Float32:
		return 4
	case Float64, Int64:
		return 8
	case Bool:
		return 1
	default:
		return 0
	}
}

// ParseDType is the inverse of DType.String.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32":
		return Float32, nil
	case "float64":
		return Float64, nil
	case "int64":
		return Int64, nil
	case "bool":
		return Bool, nil
	default:
		return Invalid, fmt.Errorf("unknown dtype %q", s)
	}
}

type Shape []int64

func (s Shape) NumElements() int64 {
	n := int64(1)
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Value is an immutable-by-convention tensor. The zero Value is invalid.
type Value struct {
	dtype DType
	shape Shape
	f32   []float32
	f64   []float64
	i64   []int64
	b     []bool
}

func FromFloat32(shape Shape, data []float32) (Value, error) {
	if err := checkLen(shape, len(data)); err != nil {
		return Value{}, err
	}
	return Value{dtype: Float32, shape: shape.Clone(), f32: data}, nil
}

func FromFloat64(shape Shape, data []float64) (Value, error) {
	if err := checkLen(shape, len(data)); err != nil {
		return Value{}, err
	}
	return Value{dtype: Float64, shape: shape.Clone(), f64: data}, nil
}

func FromInt64(shape Shape, data []int64) (Value, error) {
	if err := checkLen(shape, len(data)); err != nil {
		return Value{}, err
	}
	return Value{dtype: Int64, shape: shape.Clone(), i64: data}, nil
}

func FromBool(shape Shape, data []bool) (Value, error) {
	if err := checkLen(shape, len(data)); err != nil {
		return Value{}, err
	}
	return Value{dtype: Bool, shape: shape.Clone(), b: data}, nil
}

// Scalar constructors produce rank-1 single element tensors, which is the
// shape engines expect for loss-scale, learning-rate and event-id feeds.

func ScalarFloat32(v float32) Value {
	return Value{dtype: Float32, shape: Shape{1}, f32: []float32{v}}
}

func ScalarInt64(v int64) Value {
	return Value{dtype: Int64, shape: Shape{1}, i64: []int64{v}}
}

func ScalarBool(v bool) Value {
	return Value{dtype: Bool, shape: Shape{1}, b: []bool{v}}
}

func checkLen(shape Shape, n int) error {
	if want := shape.NumElements(); want != int64(n) {
		return fmt.Errorf("shape %v wants %d elements, got %d", []int64(shape), want, n)
	}
	return nil
}

func (v Value) DType() DType { return v.dtype }

func (v Value) Shape() Shape { return v.shape.Clone() }

func (v Value) Valid() bool { return v.dtype != Invalid }

func (v Value) Len() int {
	switch v.dtype {
	case Float32:
		return len(v.f32)
	case Float64:
		return len(v.f64)
	case Int64:
		return len(v.i64)
	case Bool:
		return len(v.b)
	default:
		return 0
	}
}

// ByteSize is the size of the element payload.
func (v Value) ByteSize() int {
	return v.Len() * v.dtype.Size()
}

func (v Value) Float32s() ([]float32, error) {
	if v.dtype != Float32 {
		return nil, fmt.Errorf("value is %s, not float32", v.dtype)
	}
	return v.f32, nil
}

func (v Value) Float64s() ([]float64, error) {
	if v.dtype != Float64 {
		return nil, fmt.Errorf("value is %s, not float64", v.dtype)
	}
	return v.f64, nil
}

func (v Value) Int64s() ([]int64, error) {
	if v.dtype != Int64 {
		return nil, fmt.Errorf("value is %s, not int64", v.dtype)
	}
	return v.i64, nil
}

func (v Value) Bools() ([]bool, error) {
	if v.dtype != Bool {
		return nil, fmt.Errorf("value is %s, not bool", v.dtype)
	}
	return v.b, nil
}

// AsFloat64 reads element i of any numeric or bool value.
func (v Value) AsFloat64(i int) (float64, error) {
	if i < 0 || i >= v.Len() {
		return 0, fmt.Errorf("index %d out of range [0,%d)", i, v.Len())
	}
	switch v.dtype {
	case Float32:
		return float64(v.f32[i]), nil
	case Float64:
		return v.f64[i], nil
	case Int64:
		return float64(v.i64[i]), nil
	case Bool:
		if v.b[i] {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("invalid value")
	}
}

// Clone deep-copies the backing storage.
func (v Value) Clone() Value {
	out := Value{dtype: v.dtype, shape: v.shape.Clone()}
	switch v.dtype {
	case Float32:
		out.f32 = append([]float32(nil), v.f32...)
	case Float64:
		out.f64 = append([]float64(nil), v.f64...)
	case Int64:
		out.i64 = append([]int64(nil), v.i64...)
	case Bool:
		out.b = append([]bool(nil), v.b...)
	}
	return out
}

func (v Value) String() string {
	return fmt.Sprintf("tensor<%s%v>", v.dtype, []int64(v.shape))
}
