// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors holds the Tensor metadata and buffers of an interpreter, in a Registry indexed by
// the tensor id.
//
// Tensors are created unallocated (AllocNone), get their type and shape from
// SetParametersReadWrite or SetParametersReadOnly, and have their buffers bound later by the planner
// (arena tensors) or on demand (dynamic tensors).
package tensors

import (
	"fmt"
	"slices"
	"unsafe"

	"github.com/gomlx/golite/pkg/core/dtypes"
	"github.com/gomlx/golite/pkg/core/shapes"
)

// AllocationType describes where the buffer of a tensor comes from.
type AllocationType int

const (
	// AllocNone is the type of tensors whose parameters were not set yet.
	AllocNone AllocationType = iota

	// AllocReadOnly tensors borrow an external buffer (e.g. model weights) that is never written.
	AllocReadOnly

	// AllocArenaRW tensors are planned in the working arena, and may share memory with other
	// tensors whose lifetimes don't overlap.
	AllocArenaRW

	// AllocArenaPersistent tensors are allocated in the persistent arena, and keep their contents
	// across invocations and re-plans.
	AllocArenaPersistent

	// AllocDynamic tensors own a buffer allocated on demand, when their size is known.
	AllocDynamic
)

var allocationTypeNames = []string{"None", "ReadOnly", "ArenaRW", "ArenaPersistent", "Dynamic"}

// String implements fmt.Stringer.
func (t AllocationType) String() string {
	if t < 0 || int(t) >= len(allocationTypeNames) {
		return fmt.Sprintf("AllocationType(%d)", int(t))
	}
	return allocationTypeNames[t]
}

// IsArena returns whether the tensor buffer is managed by one of the planner's arenas.
func (t AllocationType) IsArena() bool {
	return t == AllocArenaRW || t == AllocArenaPersistent
}

// OptionalTensor can be used in node inputs in place of a tensor id for optional inputs that are not given.
const OptionalTensor = -1

// Quantization parameters of a tensor. They are carried verbatim and not interpreted by the interpreter.
type Quantization struct {
	Scale     float32
	ZeroPoint int64
}

// Tensor metadata and (possibly unbound) buffer.
//
// Tensors are owned by a Registry, and their pointers remain valid (and the same) as new tensors
// are added.
type Tensor struct {
	id             int
	name           string
	shape          shapes.Shape
	bytes          int
	allocationType AllocationType
	data           []byte
	quantization   Quantization
	isVariable     bool
}

// ID of the tensor in its Registry.
func (t *Tensor) ID() int { return t.id }

// Name given when the parameters were set.
func (t *Tensor) Name() string { return t.name }

// Shape of the tensor. The returned value shares its Dimensions with the tensor and must not be modified.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Dims returns a copy of the tensor dimensions.
func (t *Tensor) Dims() []int { return slices.Clone(t.shape.Dimensions) }

// NumBytes returns the size of the tensor buffer.
//
// For fixed-size dtypes this is always product(dims) × dtype size. For String tensors it is the
// size of the encoded strings, 0 if nothing was written.
func (t *Tensor) NumBytes() int { return t.bytes }

// AllocationType of the tensor.
func (t *Tensor) AllocationType() AllocationType { return t.allocationType }

// Quantization parameters, as given when the tensor parameters were set.
func (t *Tensor) Quantization() Quantization { return t.quantization }

// IsVariable returns whether the tensor is a variable: stored in the persistent arena.
func (t *Tensor) IsVariable() bool { return t.isVariable }

// Bytes returns the raw buffer of the tensor, or nil if the buffer is not bound yet.
//
// The buffer is owned by the interpreter (or borrowed, for AllocReadOnly tensors) and is only valid
// until the next AllocateTensors or ResizeTensor.
func (t *Tensor) Bytes() []byte { return t.data }

// IsBound returns whether the tensor has a buffer bound to it.
// Zero-sized tensors are considered bound once allocation ran.
func (t *Tensor) IsBound() bool { return t.data != nil }

// Bind sets the tensor buffer. It is used by the memory planner for arena tensors.
// The buffer must hold exactly NumBytes bytes, or be nil to unbind the tensor.
func (t *Tensor) Bind(data []byte) {
	t.data = data
}

// Zero sets all bytes of the tensor buffer to 0.
func (t *Tensor) Zero() {
	clear(t.data)
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	name := t.name
	if name == "" {
		name = "#" + fmt.Sprint(t.id)
	}
	return fmt.Sprintf("%s%s: %d bytes, %s", name, t.shape, t.bytes, t.allocationType)
}

// Flat returns the tensor buffer as a flat slice of T.
//
// It returns nil if T doesn't match the tensor dtype (or the dtype is String), or if the buffer is
// not bound. The slice shares the tensor buffer.
func Flat[T dtypes.Supported](t *Tensor) []T {
	if t == nil || t.data == nil || t.shape.DType == dtypes.String {
		return nil
	}
	if dtypes.FromGenericsType[T]() != t.shape.DType {
		return nil
	}
	if len(t.data) == 0 {
		return []T{}
	}
	var zero T
	n := len(t.data) / int(unsafe.Sizeof(zero))
	return unsafe.Slice((*T)(unsafe.Pointer(&t.data[0])), n)
}
