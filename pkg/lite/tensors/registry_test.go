// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/golite/pkg/core/dtypes"
	"github.com/gomlx/golite/pkg/lite/arena"
	"github.com/gomlx/golite/pkg/lite/status"
	"github.com/gomlx/golite/pkg/lite/strtensor"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd(t *testing.T) {
	r := NewRegistry(arena.DefaultAlignment)
	require.Equal(t, 0, must.M1(r.Add(0)))
	require.Equal(t, 0, must.M1(r.Add(3)))
	require.Equal(t, 3, must.M1(r.Add(2)))
	require.Equal(t, 5, r.Len())
	_, err := r.Add(-1)
	require.True(t, status.IsInvalidArgument(err))

	first := r.Tensor(0)
	_ = must.M1(r.Add(100))
	assert.Same(t, first, r.Tensor(0), "tensor pointers must survive new additions")
	assert.Nil(t, r.Tensor(-1))
	assert.Nil(t, r.Tensor(r.Len()))
	assert.Equal(t, AllocNone, r.Tensor(3).AllocationType())
	assert.Equal(t, 3, r.Tensor(3).ID())

	r.Truncate(4)
	assert.Equal(t, 4, r.Len())
	assert.Nil(t, r.Tensor(4))
	assert.Same(t, first, r.Tensor(0))
	assert.Equal(t, 4, must.M1(r.Add(1)), "ids are reused after Truncate")
	r.Truncate(10)
	r.Truncate(-1)
	assert.Equal(t, 5, r.Len())
}

func TestSetParameters(t *testing.T) {
	r := NewRegistry(arena.DefaultAlignment)
	must.M1(r.Add(4))

	require.NoError(t, r.SetParametersReadWrite(0, dtypes.Float32, "x", []int{2, 3}, Quantization{Scale: 0.5, ZeroPoint: 3}, false))
	x := r.Tensor(0)
	assert.Equal(t, 24, x.NumBytes())
	assert.Equal(t, AllocArenaRW, x.AllocationType())
	assert.Equal(t, "x", x.Name())
	assert.Equal(t, []int{2, 3}, x.Dims())
	assert.Equal(t, Quantization{Scale: 0.5, ZeroPoint: 3}, x.Quantization())
	assert.False(t, x.IsBound())

	require.NoError(t, r.SetParametersReadWrite(1, dtypes.Int64, "v", []int{4}, Quantization{}, true))
	assert.Equal(t, AllocArenaPersistent, r.Tensor(1).AllocationType())
	assert.True(t, r.Tensor(1).IsVariable())

	require.NoError(t, r.SetParametersReadWrite(2, dtypes.String, "s", []int{1}, Quantization{}, false))
	assert.Equal(t, AllocDynamic, r.Tensor(2).AllocationType())
	assert.Equal(t, 0, r.Tensor(2).NumBytes())

	// Failures leave the tensor untouched.
	for _, err := range []error{
		r.SetParametersReadWrite(0, dtypes.Float32, "y", []int{2, -1}, Quantization{}, false),
		r.SetParametersReadWrite(0, dtypes.InvalidDType, "y", []int{2}, Quantization{}, false),
		r.SetParametersReadOnly(0, dtypes.Float32, "y", []int{3}, Quantization{}, make([]byte, 8)),
		r.SetParametersReadWrite(4, dtypes.Float32, "y", []int{3}, Quantization{}, false),
		r.SetParametersReadWrite(-1, dtypes.Float32, "y", []int{3}, Quantization{}, false),
	} {
		require.Error(t, err)
		assert.True(t, status.IsInvalidArgument(err), "unexpected error %+v", err)
	}
	assert.Equal(t, "x", x.Name())
	assert.Equal(t, []int{2, 3}, x.Dims())
	assert.Equal(t, AllocArenaRW, x.AllocationType())

	// Read-only buffers are borrowed.
	buf := make([]byte, 12)
	require.NoError(t, r.SetParametersReadOnly(3, dtypes.Int32, "c", []int{3}, Quantization{}, buf))
	c := r.Tensor(3)
	assert.Equal(t, AllocReadOnly, c.AllocationType())
	buf[4] = 7
	assert.Equal(t, []int32{0, 7, 0}, Flat[int32](c))
}

func TestReadOnlyStrings(t *testing.T) {
	r := NewRegistry(arena.DefaultAlignment)
	must.M1(r.Add(1))
	encoded := []byte{1, 0, 0, 0, 12, 0, 0, 0, 15, 0, 0, 0, 'A', 'B', 'C'}
	require.NoError(t, r.SetParametersReadOnly(0, dtypes.String, "s", []int{1}, Quantization{}, encoded))
	s := r.Tensor(0)
	assert.Equal(t, 15, s.NumBytes())
	assert.Equal(t, "ABC", string(must.M1(s.ReadString(0))))

	err := r.SetParametersReadOnly(0, dtypes.String, "s", []int{2}, Quantization{}, encoded)
	assert.True(t, status.IsInvalidArgument(err))
	err = r.SetParametersReadOnly(0, dtypes.String, "s", []int{1}, Quantization{}, encoded[:14])
	assert.True(t, status.IsInvalidArgument(err))
	assert.Equal(t, 15, s.NumBytes())
}

func TestResize(t *testing.T) {
	r := NewRegistry(16)
	must.M1(r.Add(4))
	require.NoError(t, r.SetParametersReadWrite(0, dtypes.Float32, "", []int{2}, Quantization{}, false))
	require.NoError(t, r.SetParametersReadOnly(1, dtypes.Float32, "", []int{2}, Quantization{}, make([]byte, 8)))
	require.NoError(t, r.SetParametersReadWrite(2, dtypes.Int16, "", []int{2}, Quantization{}, false))
	require.NoError(t, r.SetToDynamic(2))

	// Arena tensor: needs a new plan.
	r.Tensor(0).Bind(make([]byte, 8))
	assert.False(t, must.M1(r.Resize(0, []int{2})), "same dimensions is a no-op")
	assert.True(t, r.Tensor(0).IsBound())
	assert.True(t, must.M1(r.Resize(0, []int{3, 4})))
	assert.Equal(t, 48, r.Tensor(0).NumBytes())
	assert.False(t, r.Tensor(0).IsBound())

	// Read-only and unset tensors can't be resized.
	_, err := r.Resize(1, []int{4})
	assert.True(t, status.IsInvalidArgument(err))
	_, err = r.Resize(3, []int{4})
	assert.True(t, status.IsInvalidArgument(err))
	_, err = r.Resize(0, []int{-4})
	assert.True(t, status.IsInvalidArgument(err))
	assert.Equal(t, 48, r.Tensor(0).NumBytes())

	// Dynamic tensor: reallocated right away.
	dyn := r.Tensor(2)
	assert.False(t, must.M1(r.Resize(2, []int{8})))
	assert.Equal(t, 16, dyn.NumBytes())
	require.Len(t, dyn.Bytes(), 16)
	assert.True(t, arena.IsAligned(dyn.Bytes(), 16))
	Flat[int16](dyn)[0] = 11
	assert.False(t, must.M1(r.Resize(2, []int{4})))
	assert.Len(t, Flat[int16](dyn), 4)
	assert.Equal(t, int16(11), Flat[int16](dyn)[0], "shrinking keeps contents within capacity")
	assert.False(t, must.M1(r.Resize(2, []int{1024})))
	assert.Len(t, dyn.Bytes(), 2048)

	require.Error(t, r.Realloc(0, 10))
	require.NoError(t, r.Realloc(2, 10))
	assert.Equal(t, 10, dyn.NumBytes())
}

func TestFlat(t *testing.T) {
	r := NewRegistry(arena.DefaultAlignment)
	must.M1(r.Add(2))
	require.NoError(t, r.SetParametersReadWrite(0, dtypes.Float32, "", []int{3}, Quantization{}, false))
	x := r.Tensor(0)
	assert.Nil(t, Flat[float32](x), "unbound tensor")
	x.Bind(arena.AlignedBytes(12, 64))
	values := Flat[float32](x)
	require.Len(t, values, 3)
	values[2] = 3
	assert.Equal(t, float32(3), Flat[float32](x)[2])
	assert.Nil(t, Flat[int32](x), "wrong type")
	assert.Nil(t, Flat[float64](x), "wrong type")
	assert.Nil(t, Flat[float32](nil))

	require.NoError(t, r.SetParametersReadWrite(1, dtypes.Float32, "", []int{0}, Quantization{}, false))
	r.Tensor(1).Bind([]byte{})
	assert.NotNil(t, Flat[float32](r.Tensor(1)))
	assert.Len(t, Flat[float32](r.Tensor(1)), 0)
}

func TestWriteStrings(t *testing.T) {
	r := NewRegistry(arena.DefaultAlignment)
	must.M1(r.Add(2))
	require.NoError(t, r.SetParametersReadWrite(0, dtypes.String, "", []int{1}, Quantization{}, false))
	require.NoError(t, r.SetParametersReadWrite(1, dtypes.Float32, "", []int{1}, Quantization{}, false))

	var buf strtensor.Buffer
	buf.AddString([]byte("ABC"))
	require.NoError(t, r.WriteStrings(0, &buf))
	s := r.Tensor(0)
	assert.Equal(t, 15, s.NumBytes())
	assert.Equal(t, []int{1}, s.Dims())
	assert.Equal(t, 1, must.M1(s.NumStrings()))

	buf.AddString([]byte("de"))
	require.NoError(t, r.WriteStrings(0, &buf))
	assert.Equal(t, []int{2}, s.Dims())
	assert.Equal(t, "de", string(must.M1(s.ReadString(1))))
	assert.True(t, arena.IsAligned(s.Bytes(), arena.DefaultAlignment))

	require.NoError(t, r.SetAlignment(128))
	buf.AddString([]byte("fgh"))
	require.NoError(t, r.WriteStrings(0, &buf))
	assert.True(t, arena.IsAligned(s.Bytes(), 128))
	assert.Equal(t, "fgh", string(must.M1(s.ReadString(2))))

	assert.Error(t, r.WriteStrings(1, &buf))
	_, err := r.Tensor(1).ReadString(0)
	assert.Error(t, err)
}

func TestBytesRequired(t *testing.T) {
	assert.Equal(t, 4, must.M1(BytesRequired(dtypes.Float32, nil)))
	assert.Equal(t, 0, must.M1(BytesRequired(dtypes.Float64, []int{3, 0})))
	assert.Equal(t, 0, must.M1(BytesRequired(dtypes.String, []int{3})))
	_, err := BytesRequired(dtypes.Int64, []int{1 << 40, 1 << 40})
	assert.True(t, status.IsInvalidArgument(err))
}
