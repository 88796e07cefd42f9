// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"slices"

	"github.com/gomlx/golite/pkg/core/dtypes"
	"github.com/gomlx/golite/pkg/core/shapes"
	"github.com/gomlx/golite/pkg/lite/arena"
	"github.com/gomlx/golite/pkg/lite/status"
	"github.com/gomlx/golite/pkg/lite/strtensor"
)

// Registry owns the tensors of an interpreter, indexed by their id.
//
// It is not safe for concurrent use.
type Registry struct {
	tensors   []*Tensor
	alignment int
}

// NewRegistry creates an empty registry. Dynamic buffers are aligned to alignment, which must be a power of two.
func NewRegistry(alignment int) *Registry {
	if !arena.IsPowerOfTwo(alignment) {
		alignment = arena.DefaultAlignment
	}
	return &Registry{alignment: alignment}
}

// SetAlignment changes the alignment used for dynamic buffers allocated from now on.
func (r *Registry) SetAlignment(alignment int) error {
	if !arena.IsPowerOfTwo(alignment) {
		return status.Errorf(status.InvalidArgument, "tensor alignment %d is not a power of two", alignment)
	}
	r.alignment = alignment
	return nil
}

// Alignment of the tensor buffers.
func (r *Registry) Alignment() int { return r.alignment }

// Len returns the number of tensors.
func (r *Registry) Len() int { return len(r.tensors) }

// Add appends n new unallocated tensors, and returns the id of the first one.
func (r *Registry) Add(n int) (base int, err error) {
	if n < 0 {
		return 0, status.Errorf(status.InvalidArgument, "cannot add a negative number (%d) of tensors", n)
	}
	base = len(r.tensors)
	for ii := range n {
		r.tensors = append(r.tensors, &Tensor{id: base + ii})
	}
	return base, nil
}

// Truncate drops the tensors with id >= n. It is a no-op if there are n tensors or fewer.
func (r *Registry) Truncate(n int) {
	if n < 0 || n >= len(r.tensors) {
		return
	}
	clear(r.tensors[n:])
	r.tensors = r.tensors[:n]
}

// Tensor returns the tensor with the given id, or nil if id is out of range.
func (r *Registry) Tensor(id int) *Tensor {
	if id < 0 || id >= len(r.tensors) {
		return nil
	}
	return r.tensors[id]
}

// All returns the tensors, in id order. The slice itself must not be modified.
func (r *Registry) All() []*Tensor {
	return r.tensors
}

// CheckID returns an InvalidArgument error if id is out of range.
func (r *Registry) CheckID(id int) error {
	if id < 0 || id >= len(r.tensors) {
		return status.Errorf(status.InvalidArgument, "tensor id %d out of range [0, %d)", id, len(r.tensors))
	}
	return nil
}

// BytesRequired returns the number of bytes used by a tensor of the given dtype and dimensions.
// It returns 0 for String tensors, whose size depends on their contents.
//
// It fails with InvalidArgument for invalid dtypes, negative dimensions or if the size overflows.
func BytesRequired(dtype dtypes.DType, dims []int) (int, error) {
	if !dtype.IsValid() {
		return 0, status.Errorf(status.InvalidArgument, "invalid dtype %s", dtype)
	}
	if err := shapes.CheckDimensions(dims); err != nil {
		return 0, status.Wrapf(status.InvalidArgument, err, "invalid dimensions")
	}
	count, err := numElements(dims)
	if err != nil {
		return 0, err
	}
	elementSize := dtype.Size()
	if elementSize > 0 && count > math.MaxInt/elementSize {
		return 0, status.Errorf(status.InvalidArgument, "size of %s%v overflows", dtype, dims)
	}
	return count * elementSize, nil
}

func numElements(dims []int) (int, error) {
	count := 1
	for _, dim := range dims {
		if dim != 0 && count > math.MaxInt/dim {
			return 0, status.Errorf(status.InvalidArgument, "number of elements of %v overflows", dims)
		}
		count *= dim
	}
	return count, nil
}

// ReadWriteAllocationType returns the allocation type SetParametersReadWrite gives to a tensor.
func ReadWriteAllocationType(dtype dtypes.DType, isVariable bool) AllocationType {
	switch {
	case dtype.IsVariableLength():
		return AllocDynamic
	case isVariable:
		return AllocArenaPersistent
	}
	return AllocArenaRW
}

// SetParametersReadWrite sets the type and shape of a tensor whose buffer will be allocated by the
// interpreter.
//
// Fixed-size tensors become AllocArenaRW, or AllocArenaPersistent if isVariable is set.
// String tensors become AllocDynamic, since their size is only known when they are written.
// Any previously bound buffer is dropped.
//
// On failure the tensor is left untouched.
func (r *Registry) SetParametersReadWrite(id int, dtype dtypes.DType, name string, dims []int,
	quantization Quantization, isVariable bool) error {
	if err := r.CheckID(id); err != nil {
		return err
	}
	numBytes, err := BytesRequired(dtype, dims)
	if err != nil {
		return status.Wrapf(status.InvalidArgument, err, "tensor #%d (%q)", id, name)
	}
	allocationType := ReadWriteAllocationType(dtype, isVariable)
	t := r.tensors[id]
	t.name = name
	t.shape = shapes.Make(dtype, dims...)
	t.bytes = numBytes
	t.allocationType = allocationType
	t.data = nil
	t.quantization = quantization
	t.isVariable = isVariable
	return nil
}

// SetParametersReadOnly sets the type and shape of a tensor backed by an external read-only buffer, which is
// borrowed (not copied).
//
// The buffer must hold exactly product(dims) × dtype size bytes. For String tensors it must be a valid
// string encoding holding product(dims) strings.
//
// On failure the tensor is left untouched.
func (r *Registry) SetParametersReadOnly(id int, dtype dtypes.DType, name string, dims []int,
	quantization Quantization, buffer []byte) error {
	if err := r.CheckID(id); err != nil {
		return err
	}
	numBytes, err := BytesRequired(dtype, dims)
	if err != nil {
		return status.Wrapf(status.InvalidArgument, err, "tensor #%d (%q)", id, name)
	}
	if dtype.IsVariableLength() {
		count, err := strtensor.Validate(buffer)
		if err != nil {
			return status.Wrapf(status.InvalidArgument, err, "tensor #%d (%q) has an invalid string buffer", id, name)
		}
		want, _ := numElements(dims)
		if count != want {
			return status.Errorf(status.InvalidArgument,
				"tensor #%d (%q) with dims %v requires %d strings, buffer holds %d", id, name, dims, want, count)
		}
		numBytes = len(buffer)
	} else if len(buffer) != numBytes {
		return status.Errorf(status.InvalidArgument,
			"tensor #%d (%q) of %s%v requires a buffer of %d bytes, got %d", id, name, dtype, dims, numBytes, len(buffer))
	}
	if buffer == nil {
		buffer = []byte{}
	}
	t := r.tensors[id]
	t.name = name
	t.shape = shapes.Make(dtype, dims...)
	t.bytes = numBytes
	t.allocationType = AllocReadOnly
	t.data = buffer
	t.quantization = quantization
	t.isVariable = false
	return nil
}

// Resize changes the dimensions of a tensor.
//
// Arena tensors have their size updated and their buffer dropped: they need a new memory plan, and
// needsReplan is returned true. Dynamic tensors get a buffer of the new size right away.
// Resizing to the same dimensions is a no-op.
//
// It fails with InvalidArgument for read-only tensors and tensors whose parameters were never set.
func (r *Registry) Resize(id int, dims []int) (needsReplan bool, err error) {
	if err = r.CheckID(id); err != nil {
		return
	}
	t := r.tensors[id]
	switch t.allocationType {
	case AllocReadOnly:
		return false, status.Errorf(status.InvalidArgument, "cannot resize read-only tensor %s", t)
	case AllocNone:
		return false, status.Errorf(status.InvalidArgument, "cannot resize tensor #%d before setting its parameters", id)
	}
	numBytes, err := BytesRequired(t.shape.DType, dims)
	if err != nil {
		return false, status.Wrapf(status.InvalidArgument, err, "resizing %s", t)
	}
	if slices.Equal(t.shape.Dimensions, dims) && (t.allocationType != AllocDynamic || t.data != nil) {
		return false, nil
	}
	t.shape = shapes.Make(t.shape.DType, dims...)
	if t.allocationType == AllocDynamic {
		if !t.shape.DType.IsVariableLength() {
			t.Realloc(numBytes, r.alignment)
		}
		return false, nil
	}
	t.bytes = numBytes
	t.data = nil
	return true, nil
}

// SetToDynamic converts an arena tensor to a dynamic one: its buffer will be allocated when it is resized
// (typically during the node's Invoke). Read-only and unset tensors cannot be converted.
func (r *Registry) SetToDynamic(id int) error {
	if err := r.CheckID(id); err != nil {
		return err
	}
	t := r.tensors[id]
	switch t.allocationType {
	case AllocDynamic:
		return nil
	case AllocReadOnly, AllocNone:
		return status.Errorf(status.InvalidArgument, "cannot convert tensor %s to dynamic", t)
	}
	t.allocationType = AllocDynamic
	t.data = nil
	return nil
}

// Realloc sets the size of the buffer of the dynamic tensor id, see Tensor.Realloc.
func (r *Registry) Realloc(id, numBytes int) error {
	if err := r.CheckID(id); err != nil {
		return err
	}
	if numBytes < 0 {
		return status.Errorf(status.InvalidArgument, "cannot reallocate tensor #%d to %d bytes", id, numBytes)
	}
	t := r.tensors[id]
	if t.allocationType != AllocDynamic {
		return status.Errorf(status.InvalidArgument, "cannot reallocate non-dynamic tensor %s", t)
	}
	t.Realloc(numBytes, r.alignment)
	return nil
}

// Realloc sets the size of a dynamic tensor buffer to numBytes.
//
// The current contents are kept if the buffer has enough capacity, otherwise a new zeroed buffer
// aligned to alignment is allocated. It is a no-op for non-dynamic tensors.
func (t *Tensor) Realloc(numBytes, alignment int) {
	if t.allocationType != AllocDynamic {
		return
	}
	t.bytes = numBytes
	if t.data != nil && cap(t.data) >= numBytes {
		t.data = t.data[:numBytes]
		return
	}
	if numBytes == 0 {
		t.data = []byte{}
		return
	}
	t.data = arena.AlignedBytes(numBytes, alignment)
}

// WriteStrings encodes the strings of buf into the String tensor id, which must be dynamic.
//
// The tensor keeps its dimensions if they hold exactly buf.Len() strings, otherwise it is reshaped to [buf.Len()].
// The new buffer is aligned as any other dynamic buffer.
func (r *Registry) WriteStrings(id int, buf *strtensor.Buffer) error {
	if err := r.CheckID(id); err != nil {
		return err
	}
	t := r.tensors[id]
	if t.shape.DType != dtypes.String {
		return status.Errorf(status.InvalidArgument, "cannot write strings to %s", t)
	}
	if t.allocationType != AllocDynamic {
		return status.Errorf(status.InvalidArgument, "cannot write strings to non-dynamic tensor %s", t)
	}
	size := buf.EncodedSize()
	if size > math.MaxInt32 {
		return status.Errorf(status.InvalidArgument, "writing strings to %s: %d bytes exceed the maximum encodable size", t, size)
	}
	encoded := arena.AlignedBytes(size, r.alignment)
	buf.EncodeInto(encoded)
	if count, _ := numElements(t.shape.Dimensions); count != buf.Len() {
		t.shape = shapes.Make(dtypes.String, buf.Len())
	}
	t.bytes = len(encoded)
	t.data = encoded
	return nil
}

// ReadString returns a view of the i-th string of a String tensor.
func (t *Tensor) ReadString(i int) ([]byte, error) {
	if t.shape.DType != dtypes.String {
		return nil, status.Errorf(status.InvalidArgument, "cannot read strings from %s", t)
	}
	data, err := strtensor.Get(t.data, i)
	if err != nil {
		return nil, status.Wrapf(status.InvalidArgument, err, "reading string #%d of %s", i, t)
	}
	return data, nil
}

// NumStrings returns the number of strings stored in a String tensor.
func (t *Tensor) NumStrings() (int, error) {
	if t.shape.DType != dtypes.String {
		return 0, status.Errorf(status.InvalidArgument, "%s is not a String tensor", t)
	}
	count, err := strtensor.Count(t.data)
	if err != nil {
		return 0, status.Wrapf(status.InvalidArgument, err, "%s", t)
	}
	return count, nil
}
