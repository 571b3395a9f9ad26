package stream

import (
	"fmt"
	"reflect"
	"strings"
)

// DType is the element type of a segment buffer. The zero value is invalid.
type DType uint8

const (
	Int8 DType = iota + 1
	UInt8
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float32
	Float64
	Complex64
	Complex128
)

// Element is the set of Go types that can back a frame.
type Element interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 |
		~float32 | ~float64 | ~complex64 | ~complex128
}

var kindDTypes = [...]DType{
	reflect.Int8:       Int8,
	reflect.Uint8:      UInt8,
	reflect.Int16:      Int16,
	reflect.Uint16:     UInt16,
	reflect.Int32:      Int32,
	reflect.Uint32:     UInt32,
	reflect.Int64:      Int64,
	reflect.Uint64:     UInt64,
	reflect.Float32:    Float32,
	reflect.Float64:    Float64,
	reflect.Complex64:  Complex64,
	reflect.Complex128: Complex128,
}

// DTypeOf returns the DType matching the Go element type T. Named types
// resolve through their underlying kind.
func DTypeOf[T Element]() DType {
	var zero T
	k := reflect.TypeOf(zero).Kind()
	if int(k) >= len(kindDTypes) {
		return 0
	}
	return kindDTypes[k]
}

// ParseDType parses the CLI type codes (f32, u16, c128, ...).
func ParseDType(code string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "i8":
		return Int8, nil
	case "u8":
		return UInt8, nil
	case "i16":
		return Int16, nil
	case "u16":
		return UInt16, nil
	case "i32":
		return Int32, nil
	case "u32":
		return UInt32, nil
	case "i64":
		return Int64, nil
	case "u64":
		return UInt64, nil
	case "f32":
		return Float32, nil
	case "f64":
		return Float64, nil
	case "c64":
		return Complex64, nil
	case "c128":
		return Complex128, nil
	}
	return 0, fmt.Errorf("%w: unknown type code %q", ErrInvalidArgument, code)
}

func (d DType) Valid() bool { return d >= Int8 && d <= Complex128 }

// Size is the element size in bytes.
func (d DType) Size() int {
	switch d {
	case Int8, UInt8:
		return 1
	case Int16, UInt16:
		return 2
	case Int32, UInt32, Float32:
		return 4
	case Int64, UInt64, Float64, Complex64:
		return 8
	case Complex128:
		return 16
	}
	return 0
}

// Code is the short form accepted by ParseDType.
func (d DType) Code() string {
	switch d {
	case Int8:
		return "i8"
	case UInt8:
		return "u8"
	case Int16:
		return "i16"
	case UInt16:
		return "u16"
	case Int32:
		return "i32"
	case UInt32:
		return "u32"
	case Int64:
		return "i64"
	case UInt64:
		return "u64"
	case Float32:
		return "f32"
	case Float64:
		return "f64"
	case Complex64:
		return "c64"
	case Complex128:
		return "c128"
	}
	return "invalid"
}

func (d DType) String() string {
	switch d {
	case Int8:
		return "int8"
	case UInt8:
		return "uint8"
	case Int16:
		return "int16"
	case UInt16:
		return "uint16"
	case Int32:
		return "int32"
	case UInt32:
		return "uint32"
	case Int64:
		return "int64"
	case UInt64:
		return "uint64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Complex64:
		return "complex64"
	case Complex128:
		return "complex128"
	}
	return fmt.Sprintf("DType(%d)", uint8(d))
}
