// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the element types supported by the interpreter, and the
// generics constraints mapping them to Go types.
//
// String is a variable-length type: the storage size of a String tensor is only known once its
// contents are written.
package dtypes

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// panicf panics with the formatted description.
//
// It is only used for "bugs in the code" -- when parameters are invalid.
// In principle, it should never happen -- the same way nil-pointer panics should never happen.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}

func init() {
	// Only works for 32 and 64 bits platforms.
	if strconv.IntSize != 32 && strconv.IntSize != 64 {
		panicf("cannot use int of %d bits with golite -- only platforms with int32 or int64 are supported", strconv.IntSize)
	}

	// Add a mapping to the lower-case version of dtypes.
	keys := slices.Collect(maps.Keys(MapOfNames))
	for _, key := range keys {
		lowerKey := strings.ToLower(key)
		if lowerKey == key {
			continue
		}
		if _, found := MapOfNames[lowerKey]; found {
			continue
		}
		MapOfNames[lowerKey] = MapOfNames[key]
	}
}

// FromName returns the DType for the given name (or alias), case-insensitive.
// It returns an error for unknown names.
func FromName(name string) (DType, error) {
	if dtype, found := MapOfNames[name]; found {
		return dtype, nil
	}
	if dtype, found := MapOfNames[strings.ToLower(name)]; found {
		return dtype, nil
	}
	return InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// FromGenericsType returns the DType enum for the given type that this package knows about.
func FromGenericsType[T Supported]() DType {
	var t T
	switch (any(t)).(type) {
	case float64:
		return Float64
	case float32:
		return Float32
	case float16.Float16:
		return Float16
	case int:
		switch strconv.IntSize {
		case 32:
			return Int32
		case 64:
			return Int64
		default:
			panicf("Cannot use int of %d bits with golite -- try using int32 or int64", strconv.IntSize)
		}
	case int64:
		return Int64
	case int32:
		return Int32
	case int16:
		return Int16
	case int8:
		return Int8
	case bool:
		return Bool
	case uint8:
		return Uint8
	case complex64:
		return Complex64
	}
	return InvalidDType
}

// elementSizes in bytes, indexed by DType. Variable-length and invalid dtypes have size 0.
var elementSizes = [...]int{
	Float32:   4,
	Int32:     4,
	Uint8:     1,
	Int64:     8,
	Bool:      1,
	Int16:     2,
	Complex64: 8,
	Int8:      1,
	Float16:   2,
	Float64:   8,
}

// IsVariableLength returns whether the byte size of a tensor of this dtype depends on its contents
// (only String for now).
func (dtype DType) IsVariableLength() bool {
	return dtype == String
}

// IsValid returns whether dtype is one of the enumerated values other than InvalidDType.
func (dtype DType) IsValid() bool {
	return dtype > InvalidDType && int(dtype) < len(dtypeNames)
}

// Size returns the number of bytes for one element of the given DType.
// It returns 0 for variable-length and invalid dtypes.
func (dtype DType) Size() int {
	if !dtype.IsValid() || int(dtype) >= len(elementSizes) {
		return 0
	}
	return elementSizes[dtype]
}

// Memory returns the number of bytes for the given DType.
// It's an alias to Size, converted to uintptr.
func (dtype DType) Memory() uintptr {
	return uintptr(dtype.Size())
}

// SizeForDimensions returns the size in bytes used for the given dimensions.
// It works also for scalar (one element) shapes where the list of dimensions is empty.
//
// It panics for negative dimensions: validate them first.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	numElements := 1
	for _, dim := range dimensions {
		if dim < 0 {
			panicf("dim cannot be negative for SizeForDimensions, got %v", dimensions)
		}
		numElements *= dim
	}
	return numElements * dtype.Size()
}

// Supported lists the Go types that map to a fixed-size DType.
// Used as traits for generics.
//
// Notice Go's `int` type is not portable, since it may translate to dtypes Int32 or Int64 depending
// on the platform.
type Supported interface {
	bool | float16.Float16 | float32 | float64 | int | int8 | int16 | int32 | int64 | uint8 | complex64
}

// Number represents the Go numeric types corresponding to supported DType's.
// Used as traits for generics.
type Number interface {
	float32 | float64 | int | int8 | int16 | int32 | int64 | uint8 | complex64
}
