// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import "strconv"

// DType is an enum that represents the element type of a tensor.
//
// The numbering follows the interpreter's serialized model format, so the values must not be
// reordered.
type DType int32

const (
	// InvalidDType is the zero value: a tensor whose type was not set yet.
	InvalidDType DType = 0

	// Float32 is the 32-bit IEEE floating point.
	Float32 DType = 1

	// Int32 is a signed 32-bit integer.
	Int32 DType = 2

	// Uint8 is an unsigned byte, also used for quantized values.
	Uint8 DType = 3

	// Int64 is a signed 64-bit integer.
	Int64 DType = 4

	// String holds variable-length strings, see package strtensor for the encoding.
	// Its element size is undefined: the byte size of a String tensor comes from its contents.
	String DType = 5

	// Bool is stored as one byte per element.
	Bool DType = 6

	// Int16 is a signed 16-bit integer.
	Int16 DType = 7

	// Complex64 is a pair of float32.
	Complex64 DType = 8

	// Int8 is a signed byte, also used for quantized values.
	Int8 DType = 9

	// Float16 is the IEEE half precision float, implemented by github.com/x448/float16.
	Float16 DType = 10

	// Float64 is the 64-bit IEEE floating point.
	Float64 DType = 11
)

var dtypeNames = [...]string{
	InvalidDType: "InvalidDType",
	Float32:      "Float32",
	Int32:        "Int32",
	Uint8:        "Uint8",
	Int64:        "Int64",
	String:       "String",
	Bool:         "Bool",
	Int16:        "Int16",
	Complex64:    "Complex64",
	Int8:         "Int8",
	Float16:      "Float16",
	Float64:      "Float64",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype < 0 || int(dtype) >= len(dtypeNames) {
		return "DType(" + strconv.Itoa(int(dtype)) + ")"
	}
	return dtypeNames[dtype]
}

// MapOfNames to their dtypes. It includes also aliases to the various dtypes.
// It is also later initialized to include the lower-case version of the names.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"NoType":       InvalidDType,
	"Float32":      Float32,
	"F32":          Float32,
	"Int32":        Int32,
	"S32":          Int32,
	"Uint8":        Uint8,
	"U8":           Uint8,
	"Int64":        Int64,
	"S64":          Int64,
	"String":       String,
	"Bool":         Bool,
	"PRED":         Bool,
	"Int16":        Int16,
	"S16":          Int16,
	"Complex64":    Complex64,
	"C64":          Complex64,
	"Int8":         Int8,
	"S8":           Int8,
	"Float16":      Float16,
	"F16":          Float16,
	"Float64":      Float64,
	"F64":          Float64,
}
