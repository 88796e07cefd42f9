// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interpreter

import (
	"encoding/binary"
	"fmt"
	"math"
	"testing"
	"unsafe"

	"github.com/gomlx/golite/pkg/core/dtypes"
	"github.com/gomlx/golite/pkg/lite/arena"
	"github.com/gomlx/golite/pkg/lite/status"
	"github.com/gomlx/golite/pkg/lite/strtensor"
	"github.com/gomlx/golite/pkg/lite/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noQuantization = tensors.Quantization{}

func addressOf[T any](s []T) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(s)))
}

func newTestInterpreter(t *testing.T) *Interpreter {
	interp := must.M1(NewWithConfig(""))
	t.Cleanup(interp.Close)
	return interp
}

// copyOp resizes its output to its input shape, and copies the input Float32 values.
func copyOp() *OpFuncs {
	return &OpFuncs{
		OpName: "copy",
		PrepareFn: func(ctx *Context, node *Node) error {
			return ctx.ResizeTensor(node.Outputs[0], ctx.Input(node, 0).Dims())
		},
		InvokeFn: func(ctx *Context, node *Node) error {
			copy(tensors.Flat[float32](ctx.Output(node, 0)), tensors.Flat[float32](ctx.Input(node, 0)))
			return nil
		},
	}
}

func TestZeroInterpreter(t *testing.T) {
	interp := newTestInterpreter(t)
	require.NoError(t, interp.SetInputs(nil))
	require.NoError(t, interp.SetOutputs(nil))
	require.NoError(t, interp.AllocateTensors())
	require.NoError(t, interp.Invoke())
	assert.Equal(t, StateReady, interp.State())
}

func TestInvokeInvalidModel(t *testing.T) {
	interp := newTestInterpreter(t)
	err := interp.Invoke()
	require.Error(t, err)
	assert.True(t, status.IsApplicationError(err))
	require.NoError(t, interp.AllocateTensors())
	require.NoError(t, interp.Invoke())
}

func TestSizeFunctions(t *testing.T) {
	interp := newTestInterpreter(t)
	assert.Equal(t, 0, interp.NumNodes())
	assert.Equal(t, 0, interp.NumTensors())
	assert.Equal(t, 0, must.M1(interp.AddTensors(2)))
	assert.Equal(t, 2, interp.NumTensors())
	assert.Equal(t, 2, must.M1(interp.AddTensors(3)))
	assert.Equal(t, 5, interp.NumTensors())
	assert.Equal(t, 5, must.M1(interp.AddTensors(1)))
	assert.Equal(t, 6, interp.NumTensors())
	_, err := interp.AddTensors(-1)
	assert.True(t, status.IsInvalidArgument(err))
	assert.Equal(t, 6, interp.NumTensors())
}

func TestInconsistentModel(t *testing.T) {
	t.Run("invalid inputs", func(t *testing.T) {
		interp := newTestInterpreter(t)
		assert.True(t, status.IsInvalidArgument(interp.SetInputs([]int{5})))
		assert.True(t, status.IsApplicationError(interp.AllocateTensors()))
		assert.True(t, status.IsApplicationError(interp.Invoke()))
		assert.Empty(t, interp.Inputs())
		assert.False(t, interp.IsConsistent())
	})
	t.Run("invalid outputs", func(t *testing.T) {
		interp := newTestInterpreter(t)
		assert.Error(t, interp.SetOutputs([]int{5}))
		assert.Error(t, interp.AllocateTensors())
		assert.Error(t, interp.Invoke())
		assert.Empty(t, interp.Outputs())
	})
	t.Run("invalid node inputs", func(t *testing.T) {
		interp := newTestInterpreter(t)
		_, err := interp.AddNode([]int{3}, []int{0}, nil, &OpFuncs{})
		assert.True(t, status.IsInvalidArgument(err))
		assert.Equal(t, 0, interp.NumNodes())
		assert.Error(t, interp.AllocateTensors())
		assert.Error(t, interp.Invoke())
	})
	t.Run("valid model", func(t *testing.T) {
		interp := newTestInterpreter(t)
		must.M1(interp.AddTensors(2))
		require.NoError(t, interp.SetInputs([]int{0}))
		require.NoError(t, interp.SetOutputs([]int{0}))
		_, err := interp.AddNode([]int{0}, []int{1}, nil, &OpFuncs{})
		require.NoError(t, err)
		_, err = interp.AddNode([]int{tensors.OptionalTensor, 0}, []int{1}, nil, BaseOp{})
		require.NoError(t, err)
		assert.True(t, interp.IsConsistent())
		_, err = interp.AddNode([]int{0}, []int{tensors.OptionalTensor}, nil, BaseOp{})
		require.Error(t, err, "outputs can't be optional")
	})
}

var fixedTypes = []dtypes.DType{dtypes.Float32, dtypes.Int32, dtypes.Uint8, dtypes.Int64}

func TestCheckAllocate(t *testing.T) {
	for _, dtype := range fixedTypes {
		interp := newTestInterpreter(t)
		must.M1(interp.AddTensors(2))
		require.NoError(t, interp.SetInputs([]int{0, 1}))
		require.NoError(t, interp.SetOutputs(nil))
		require.NoError(t, interp.SetTensorParametersReadWrite(0, dtype, "", []int{3}, noQuantization))
		require.NoError(t, interp.SetTensorParametersReadWrite(1, dtype, "", []int{4}, noQuantization))
		require.NoError(t, interp.AllocateTensors())
		assert.Equal(t, 3*dtype.Size(), interp.Tensor(0).NumBytes())
		assert.Len(t, interp.Tensor(0).Bytes(), 3*dtype.Size())
		assert.Equal(t, 4*dtype.Size(), interp.Tensor(1).NumBytes())
		assert.Len(t, interp.Tensor(1).Bytes(), 4*dtype.Size())
	}
}

func TestCheckResize(t *testing.T) {
	arrays := map[dtypes.DType][]byte{
		dtypes.Float32: binary.LittleEndian.AppendUint32(binary.LittleEndian.AppendUint32(nil, math.Float32bits(-3)), math.Float32bits(-4)),
		dtypes.Int32:   {0xfd, 0xff, 0xff, 0xff, 0xfc, 0xff, 0xff, 0xff},
		dtypes.Uint8:   {3, 4},
		dtypes.Int64:   binary.LittleEndian.AppendUint64(binary.LittleEndian.AppendUint64(nil, 6), uint64(math.MaxUint64-6)),
	}
	for _, dtype := range fixedTypes {
		array := arrays[dtype]
		interp := newTestInterpreter(t)
		must.M1(interp.AddTensors(2))
		require.NoError(t, interp.SetInputs([]int{0, 1}))
		require.NoError(t, interp.SetOutputs(nil))
		require.NoError(t, interp.SetTensorParametersReadWrite(0, dtype, "", []int{3}, noQuantization))
		require.NoError(t, interp.SetTensorParametersReadOnly(1, dtype, "", []int{2}, noQuantization, array))
		require.NoError(t, interp.AllocateTensors())
		require.NoError(t, interp.ResizeTensor(0, []int{1, 2}))
		assert.Equal(t, StateTensorsDeclared, interp.State())

		// Read-only tensors can't be resized.
		assert.True(t, status.IsInvalidArgument(interp.ResizeTensor(1, []int{3})))
		// Buffer too small for the dimensions.
		assert.True(t, status.IsInvalidArgument(
			interp.SetTensorParametersReadOnly(1, dtype, "", []int{2}, noQuantization, array[:dtype.Size()])))
		require.NoError(t, interp.AllocateTensors())
		assert.Equal(t, array, interp.Tensor(1).Bytes())
		assert.Len(t, interp.Tensor(0).Bytes(), 2*dtype.Size())
		if dtype == dtypes.Int64 {
			assert.Equal(t, []int64{6, -7}, tensors.Flat[int64](interp.Tensor(1)))
		}
	}
}

func TestCheckAlignment(t *testing.T) {
	for _, dtype := range fixedTypes {
		for _, alignment := range []int{4, 16, 64} {
			interp := must.M1(NewWithConfig(fmt.Sprintf("alignment=%d", alignment)))
			must.M1(interp.AddTensors(4))
			for ii := range 4 {
				require.NoError(t, interp.SetTensorParametersReadWrite(ii, dtype, "", []int{2*ii + 1}, noQuantization))
			}
			require.NoError(t, interp.AllocateTensors())
			for ii := range 4 {
				assert.True(t, arena.IsAligned(interp.Tensor(ii).Bytes(), alignment), "tensor %d, alignment %d", ii, alignment)
			}
			for _, p := range interp.Layout() {
				assert.Zero(t, p.Offset%alignment)
			}
			interp.Close()
		}
	}
}

func TestCheckArenaAllocation(t *testing.T) {
	interp := newTestInterpreter(t)
	must.M1(interp.AddTensors(10))
	sizes := []int{2048, 4096, 1023, 2047, 1021, 2047, 1023, 2046, 1021, 2048}
	for ii, size := range sizes {
		require.NoError(t, interp.SetTensorParametersReadWrite(ii, dtypes.Uint8, "", []int{size}, noQuantization))
	}
	require.NoError(t, interp.SetInputs([]int{0, 1}))
	require.NoError(t, interp.SetOutputs([]int{9, 4}))
	op := &OpFuncs{}
	must.M1(interp.AddNode([]int{0, 1}, []int{2, 3}, nil, op))
	must.M1(interp.AddNode([]int{2, 1}, []int{4, 5}, nil, op))
	must.M1(interp.AddNode([]int{4, 3}, []int{6, 7}, nil, op))
	must.M1(interp.AddNode([]int{6, 5}, []int{8}, nil, op))
	must.M1(interp.AddNode([]int{8, 7}, []int{9}, nil, op))
	require.NoError(t, interp.AllocateTensors())

	address := func(id int) uintptr { return addressOf(interp.Tensor(id).Bytes()) }
	assert.Equal(t, address(0), address(4))
	assert.Equal(t, address(1), address(7))

	assert.Less(t, address(4), address(1))
	assert.Less(t, address(6), address(1))
	assert.Less(t, address(0), address(1))
	for _, id := range []int{0, 1, 2, 4, 6, 7, 8, 9} {
		assert.Less(t, address(id), address(3), "tensor %d", id)
	}
	for _, id := range []int{0, 1, 2, 3, 4, 6, 7, 8, 9} {
		assert.Less(t, address(id), address(5), "tensor %d", id)
	}
}

func TestBufferAccess(t *testing.T) {
	interp := newTestInterpreter(t)
	must.M1(interp.AddTensors(1))
	require.NoError(t, interp.SetInputs([]int{0}))
	require.NoError(t, interp.SetTensorParametersReadWrite(0, dtypes.Float32, "", []int{3}, noQuantization))
	require.NoError(t, interp.AllocateTensors())
	values := tensors.Flat[float32](interp.Tensor(0))
	require.NotNil(t, values)
	assert.Nil(t, tensors.Flat[int32](interp.Tensor(0)))
	assert.Equal(t, addressOf(interp.Tensor(0).Bytes()), addressOf(values))
}

func TestNoOpInterpreter(t *testing.T) {
	interp := newTestInterpreter(t)
	must.M1(interp.AddTensors(1))
	require.NoError(t, interp.SetInputs([]int{0}))
	require.NoError(t, interp.SetOutputs([]int{0}))
	require.NoError(t, interp.SetTensorParametersReadWrite(0, dtypes.Float32, "", []int{3}, noQuantization))
	require.NoError(t, interp.ResizeTensor(interp.Inputs()[0], []int{1, 2, 3}))
	require.NoError(t, interp.AllocateTensors())
	require.NoError(t, interp.Invoke())
}

func TestResizingTensors(t *testing.T) {
	interp := newTestInterpreter(t)
	must.M1(interp.AddTensors(1))
	require.NoError(t, interp.SetInputs([]int{0}))
	require.NoError(t, interp.SetOutputs([]int{0}))
	require.NoError(t, interp.SetTensorParametersReadWrite(0, dtypes.Float32, "", []int{3}, noQuantization))

	id := interp.Inputs()[0]
	tensor := interp.Tensor(id)
	require.NoError(t, interp.ResizeTensor(id, []int{1, 2, 3}))
	assert.Equal(t, 6*4, tensor.NumBytes())
	require.NoError(t, interp.AllocateTensors())
	tensors.Flat[float32](tensor)[5] = 0.123

	require.NoError(t, interp.SetTensorToDynamic(id))
	require.NoError(t, interp.ResizeTensor(id, []int{1, 2, 4}))
	assert.Equal(t, 8*4, tensor.NumBytes())
	assert.Len(t, tensors.Flat[float32](tensor), 8, "dynamic tensors are reallocated on resize")
	require.NoError(t, interp.AllocateTensors())

	tensor.Realloc(9*4, arena.DefaultAlignment)
	tensors.Flat[float32](tensor)[7] = 0.123

	require.NoError(t, interp.ResizeTensor(id, []int{2, 2, 4}))
	assert.Equal(t, 16*4, tensor.NumBytes())
	require.NoError(t, interp.AllocateTensors())
	tensor.Realloc(17*4, arena.DefaultAlignment)
	tensors.Flat[float32](tensor)[15] = 0.123
	assert.True(t, arena.IsAligned(tensor.Bytes(), arena.DefaultAlignment))
}

func TestOneOpInterpreter(t *testing.T) {
	interp := newTestInterpreter(t)
	must.M1(interp.AddTensors(2))
	require.NoError(t, interp.SetInputs([]int{0}))
	require.NoError(t, interp.SetOutputs([]int{1}))
	require.NoError(t, interp.SetTensorParametersReadWrite(0, dtypes.Float32, "in1", []int{3}, noQuantization))
	require.NoError(t, interp.SetTensorParametersReadWrite(1, dtypes.Float32, "out0", []int{3}, noQuantization))
	assert.Equal(t, "in1", interp.InputName(0))
	assert.Equal(t, "out0", interp.OutputName(0))
	assert.Equal(t, "", interp.OutputName(1))

	var freed []any
	op := &OpFuncs{
		OpName: "copy_with_temporaries",
		InitFn: func(ctx *Context, node *Node) (any, error) {
			firstNewTensor, err := ctx.AddTensors(2)
			return firstNewTensor, err
		},
		FreeFn: func(ctx *Context, userData any) {
			freed = append(freed, userData)
		},
		PrepareFn: func(ctx *Context, node *Node) error {
			input := ctx.Input(node, 0)
			if err := ctx.ResizeTensor(node.Outputs[0], input.Dims()); err != nil {
				return err
			}
			first := node.UserData.(int)
			node.Temporaries = []int{first, first + 1}
			for _, id := range node.Temporaries {
				if err := ctx.SetTensorParametersReadWrite(id, dtypes.Float32, "", input.Dims()); err != nil {
					return err
				}
			}
			return nil
		},
		InvokeFn: func(ctx *Context, node *Node) error {
			input := tensors.Flat[float32](ctx.Input(node, 0))
			for _, id := range append([]int{node.Outputs[0]}, node.Temporaries...) {
				copy(tensors.Flat[float32](ctx.Tensor(id)), input)
			}
			return nil
		},
	}
	must.M1(interp.AddNode([]int{0}, []int{1}, nil, op))
	assert.Equal(t, 4, interp.NumTensors())
	require.NoError(t, interp.ResizeTensor(0, []int{3}))
	require.NoError(t, interp.AllocateTensors())
	copy(tensors.Flat[float32](interp.Tensor(0)), []float32{1, 2, 3})
	require.NoError(t, interp.Invoke())
	assert.Equal(t, []float32{1, 2, 3}, tensors.Flat[float32](interp.Tensor(1)))
	assert.Equal(t, []float32{1, 2, 3}, tensors.Flat[float32](interp.Tensor(3)))

	interp.Close()
	assert.Equal(t, []any{2}, freed)
	interp.Close()
	assert.Len(t, freed, 1, "Free is called only once")
	assert.Error(t, interp.Invoke())
}

func TestThreeStepAllocate(t *testing.T) {
	interp := newTestInterpreter(t)
	must.M1(interp.AddTensors(5))
	require.NoError(t, interp.SetInputs([]int{0}))
	require.NoError(t, interp.SetOutputs([]int{4}))

	data := []byte{1, 0, 0, 0, 12, 0, 0, 0, 15, 0, 0, 0, 'A', 'B', 'C'}
	require.NoError(t, interp.SetTensorParametersReadOnly(0, dtypes.String, "", []int{1}, noQuantization, data))
	require.NoError(t, interp.SetTensorParametersReadWrite(1, dtypes.String, "", []int{1}, noQuantization))
	require.NoError(t, interp.SetTensorParametersReadWrite(2, dtypes.Int32, "", []int{1}, noQuantization))
	require.NoError(t, interp.SetTensorParametersReadWrite(3, dtypes.String, "", []int{1}, noQuantization))
	require.NoError(t, interp.SetTensorParametersReadWrite(4, dtypes.Int32, "", []int{1}, noQuantization))

	// String-in String-out node.
	copyString := &OpFuncs{
		InvokeFn: func(ctx *Context, node *Node) error {
			str, err := ctx.Input(node, 0).ReadString(0)
			if err != nil {
				return err
			}
			var buf strtensor.Buffer
			buf.AddString(str)
			return ctx.WriteStrings(node.Outputs[0], &buf)
		},
	}
	// String-in Int-out node.
	byteSize := &OpFuncs{
		PrepareFn: func(ctx *Context, node *Node) error {
			return ctx.ResizeTensor(node.Outputs[0], []int{1})
		},
		InvokeFn: func(ctx *Context, node *Node) error {
			tensors.Flat[int32](ctx.Output(node, 0))[0] = int32(ctx.Input(node, 0).NumBytes())
			return nil
		},
	}
	must.M1(interp.AddNode([]int{0}, []int{1}, nil, copyString))
	must.M1(interp.AddNode([]int{1}, []int{2}, nil, byteSize))
	must.M1(interp.AddNode([]int{0}, []int{3}, nil, copyString))
	must.M1(interp.AddNode([]int{3}, []int{4}, nil, byteSize))

	require.NoError(t, interp.AllocateTensors())
	for _, id := range []int{2, 4} {
		assert.True(t, interp.Tensor(id).IsBound(), "arena tensor %d after a dynamic output must be allocated", id)
	}
	assert.False(t, interp.Tensor(1).IsBound(), "dynamic tensors only get a buffer when written")
	require.NoError(t, interp.Invoke())

	assert.Equal(t, 15, interp.Tensor(0).NumBytes())
	assert.NotNil(t, interp.Tensor(0).Bytes())
	assert.Equal(t, 15, interp.Tensor(1).NumBytes())
	assert.NotNil(t, interp.Tensor(1).Bytes())
	assert.Equal(t, 15, interp.Tensor(3).NumBytes())
	assert.NotNil(t, interp.Tensor(4).Bytes())
	assert.Equal(t, 4, interp.Tensor(2).NumBytes())
	assert.Equal(t, int32(15), tensors.Flat[int32](interp.Tensor(2))[0])
	assert.Equal(t, 4, interp.Tensor(4).NumBytes())
	assert.Equal(t, int32(15), tensors.Flat[int32](interp.Tensor(4))[0])

	// Invoking again doesn't need to prepare anything.
	require.NoError(t, interp.Invoke())
	assert.Equal(t, int32(15), tensors.Flat[int32](interp.Tensor(4))[0])
}

func TestAllocateTwice(t *testing.T) {
	interp := newTestInterpreter(t)
	must.M1(interp.AddTensors(2))
	require.NoError(t, interp.SetInputs([]int{0}))
	require.NoError(t, interp.SetOutputs([]int{1}))
	require.NoError(t, interp.SetTensorParametersReadWrite(0, dtypes.Float32, "", []int{3}, noQuantization))
	require.NoError(t, interp.SetTensorParametersReadWrite(1, dtypes.Float32, "", []int{3}, noQuantization))
	must.M1(interp.AddNode([]int{0}, []int{1}, nil, copyOp()))
	require.NoError(t, interp.ResizeTensor(0, []int{3}))
	require.NoError(t, interp.AllocateTensors())
	require.NoError(t, interp.Invoke())
	oldTensor0 := addressOf(interp.Tensor(0).Bytes())
	oldTensor1 := addressOf(interp.Tensor(1).Bytes())

	require.NoError(t, interp.AllocateTensors())
	require.NoError(t, interp.Invoke())
	assert.Equal(t, oldTensor0, addressOf(interp.Tensor(0).Bytes()))
	assert.Equal(t, oldTensor1, addressOf(interp.Tensor(1).Bytes()))
}

type testErrorReporter struct {
	allReports string
	calls      int
}

func (r *testErrorReporter) Report(format string, args ...any) {
	r.allReports += fmt.Sprintf(format, args...)
	r.calls++
}

func TestCustomErrorReporter(t *testing.T) {
	reporter := &testErrorReporter{}
	interp := newTestInterpreter(t)
	interp.SetErrorReporter(reporter)
	require.Error(t, interp.Invoke())
	assert.Equal(t, "Invoke called on model that is not ready.", reporter.allReports)
	assert.Equal(t, 1, reporter.calls)
}

func TestNodeErrors(t *testing.T) {
	interp := newTestInterpreter(t)
	must.M1(interp.AddTensors(2))
	require.NoError(t, interp.SetTensorParametersReadWrite(0, dtypes.Float32, "", []int{2}, noQuantization))
	require.NoError(t, interp.SetTensorParametersReadWrite(1, dtypes.Float32, "", []int{2}, noQuantization))
	kernelErr := errors.New("kernel failed")
	var ran []int
	record := func(id int, err error) *OpFuncs {
		return &OpFuncs{OpName: fmt.Sprintf("op%d", id), InvokeFn: func(*Context, *Node) error {
			ran = append(ran, id)
			return err
		}}
	}
	must.M1(interp.AddNode([]int{0}, []int{1}, nil, record(0, nil)))
	must.M1(interp.AddNode([]int{0}, []int{1}, nil, record(1, kernelErr)))
	must.M1(interp.AddNode([]int{0}, []int{1}, nil, record(2, nil)))
	require.NoError(t, interp.AllocateTensors())
	err := interp.Invoke()
	require.Error(t, err)
	assert.Equal(t, []int{0, 1}, ran, "Invoke stops at the first failure")
	assert.True(t, errors.Is(err, kernelErr))
	assert.Equal(t, kernelErr, errors.Cause(err))
	assert.Contains(t, err.Error(), "node #1 (op1)")
	assert.Equal(t, status.Unknown, status.CodeOf(err), "kernel errors are not reclassified")
	assert.False(t, status.IsApplicationError(err))

	// Kernel errors with a code keep it.
	invalidErr := status.Errorf(status.InvalidArgument, "bad attribute")
	must.M1(interp.AddNode([]int{0}, []int{1}, nil, record(3, invalidErr)))
	require.NoError(t, interp.SetExecutionPlan([]int{3}))
	require.NoError(t, interp.AllocateTensors())
	err = interp.Invoke()
	require.Error(t, err)
	assert.True(t, status.IsInvalidArgument(err))
	assert.Contains(t, err.Error(), "node #3 (op3)")

	// Panics are converted to ApplicationError.
	must.M1(interp.AddNode([]int{0}, []int{1}, nil, &OpFuncs{InvokeFn: func(*Context, *Node) error {
		panic("boom")
	}}))
	require.NoError(t, interp.SetExecutionPlan([]int{4}))
	require.NoError(t, interp.AllocateTensors())
	err = interp.Invoke()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, status.IsApplicationError(err))
	must.M1(interp.AddNode([]int{0}, []int{1}, nil, &OpFuncs{InvokeFn: func(*Context, *Node) error {
		panic(kernelErr)
	}}))
	require.NoError(t, interp.SetExecutionPlan([]int{5}))
	require.NoError(t, interp.AllocateTensors())
	err = interp.Invoke()
	require.Error(t, err)
	assert.True(t, status.IsApplicationError(err))
	assert.True(t, errors.Is(err, kernelErr))

	// Arena tensors can't change size during Invoke.
	must.M1(interp.AddNode([]int{0}, []int{1}, nil, &OpFuncs{InvokeFn: func(ctx *Context, node *Node) error {
		return ctx.ResizeTensor(node.Outputs[0], []int{7})
	}}))
	require.NoError(t, interp.SetExecutionPlan([]int{6}))
	require.NoError(t, interp.AllocateTensors())
	err = interp.Invoke()
	require.Error(t, err)
	assert.True(t, status.IsApplicationError(err))
}

func TestFailedNodeInit(t *testing.T) {
	interp := newTestInterpreter(t)
	must.M1(interp.AddTensors(2))
	initErr := errors.New("init failed")
	_, err := interp.AddNode([]int{0}, []int{1}, nil, &OpFuncs{
		InitFn: func(ctx *Context, _ *Node) (any, error) {
			if _, err := ctx.AddTensors(3); err != nil {
				return nil, err
			}
			return nil, initErr
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, initErr))
	assert.Equal(t, 0, interp.NumNodes())
	assert.Equal(t, 2, interp.NumTensors(), "tensors added by a failed Init are dropped")
	assert.Empty(t, interp.ExecutionPlan())
	assert.True(t, interp.IsConsistent())
}

func TestSetParametersAfterAllocate(t *testing.T) {
	interp := newTestInterpreter(t)
	must.M1(interp.AddTensors(3))
	require.NoError(t, interp.SetTensorParametersReadWrite(0, dtypes.Float32, "x", []int{3}, noQuantization))
	require.NoError(t, interp.SetVariableTensorParameters(1, dtypes.Int32, "v", []int{2}, noQuantization))
	require.NoError(t, interp.SetTensorParametersReadWrite(2, dtypes.String, "s", []int{1}, noQuantization))
	// Before allocation any change is accepted.
	require.NoError(t, interp.SetTensorParametersReadWrite(0, dtypes.Float32, "x", []int{4}, noQuantization))
	require.NoError(t, interp.AllocateTensors())
	require.Equal(t, StateReady, interp.State())

	for _, change := range []struct {
		name string
		fn   func() error
	}{
		{"size", func() error {
			return interp.SetTensorParametersReadWrite(0, dtypes.Float32, "x", []int{7}, noQuantization)
		}},
		{"dtype", func() error {
			return interp.SetTensorParametersReadWrite(0, dtypes.Int64, "x", []int{4}, noQuantization)
		}},
		{"variable", func() error {
			return interp.SetVariableTensorParameters(0, dtypes.Float32, "x", []int{4}, noQuantization)
		}},
		{"read-only", func() error {
			return interp.SetTensorParametersReadOnly(0, dtypes.Float32, "x", []int{4}, noQuantization, make([]byte, 16))
		}},
		{"persistent", func() error {
			return interp.SetTensorParametersReadWrite(1, dtypes.Int32, "v", []int{2}, noQuantization)
		}},
	} {
		err := change.fn()
		assert.True(t, status.IsInvalidArgument(err), "change %s: %v", change.name, err)
		assert.Equal(t, StateReady, interp.State(), "change %s", change.name)
	}
	assert.Equal(t, []int{4}, interp.Tensor(0).Dims())
	assert.True(t, interp.Tensor(0).IsBound())
	require.NoError(t, interp.Invoke())

	// Same dtype and size: accepted, and requires a new allocation.
	require.NoError(t, interp.SetTensorParametersReadWrite(0, dtypes.Float32, "x2", []int{2, 2}, noQuantization))
	assert.Equal(t, StateTensorsDeclared, interp.State())
	// Dynamic tensors are not arena planned.
	require.NoError(t, interp.AllocateTensors())
	require.NoError(t, interp.SetTensorParametersReadWrite(2, dtypes.String, "s", []int{5}, noQuantization))
	// ResizeTensor is the way to change the size of an allocated arena tensor.
	require.NoError(t, interp.AllocateTensors())
	require.NoError(t, interp.ResizeTensor(0, []int{7}))
	require.NoError(t, interp.SetTensorParametersReadWrite(0, dtypes.Float32, "x", []int{7}, noQuantization))
	require.NoError(t, interp.AllocateTensors())
	assert.Len(t, interp.Tensor(0).Bytes(), 7*4)
}

func TestUnboundInput(t *testing.T) {
	interp := newTestInterpreter(t)
	must.M1(interp.AddTensors(2))
	require.NoError(t, interp.SetTensorParametersReadWrite(0, dtypes.Float32, "", []int{2}, noQuantization))
	require.NoError(t, interp.SetTensorParametersReadWrite(1, dtypes.Float32, "", []int{2}, noQuantization))
	must.M1(interp.AddNode([]int{0}, []int{1}, nil, &OpFuncs{
		PrepareFn: func(ctx *Context, node *Node) error { return ctx.SetTensorToDynamic(node.Inputs[0]) },
	}))
	require.NoError(t, interp.AllocateTensors())
	err := interp.Invoke()
	require.Error(t, err)
	assert.True(t, status.IsApplicationError(err))
	assert.Contains(t, err.Error(), "has no buffer")
}

func TestConfig(t *testing.T) {
	c := must.M1(ParseConfig(" threads=3 , alignment=16,arena_alignment=128"))
	assert.Equal(t, Config{NumThreads: 3, TensorAlignment: 16, ArenaAlignment: 128}, c)
	c = must.M1(ParseConfig(""))
	assert.Equal(t, arena.DefaultAlignment, c.TensorAlignment)
	for _, bad := range []string{"threads", "threads=x", "alignment=12", "alignment=128,arena_alignment=64", "foo=1"} {
		_, err := ParseConfig(bad)
		assert.True(t, status.IsInvalidArgument(err), "config %q", bad)
	}

	t.Setenv(GOLITE_INTERPRETER, "threads=2")
	interp := New()
	assert.Equal(t, 2, interp.workers.MaxParallelism())
	interp.SetNumThreads(0)
	assert.False(t, interp.workers.IsEnabled())
	interp.Close()

	t.Setenv(GOLITE_INTERPRETER, "bogus")
	assert.Panics(t, func() { New() })
}

func TestVariables(t *testing.T) {
	interp := newTestInterpreter(t)
	must.M1(interp.AddTensors(2))
	require.NoError(t, interp.SetVariableTensorParameters(0, dtypes.Int32, "counter", []int{1}, noQuantization))
	require.NoError(t, interp.SetTensorParametersReadWrite(1, dtypes.Int32, "out", []int{1}, noQuantization))
	require.NoError(t, interp.SetOutputs([]int{1}))
	must.M1(interp.AddNode([]int{0}, []int{1}, nil, &OpFuncs{InvokeFn: func(ctx *Context, node *Node) error {
		counter := tensors.Flat[int32](ctx.Input(node, 0))
		counter[0]++
		tensors.Flat[int32](ctx.Output(node, 0))[0] = counter[0]
		return nil
	}}))
	require.NoError(t, interp.AllocateTensors())
	assert.Equal(t, tensors.AllocArenaPersistent, interp.Tensor(0).AllocationType())
	for range 3 {
		require.NoError(t, interp.Invoke())
	}
	assert.Equal(t, int32(3), tensors.Flat[int32](interp.Tensor(1))[0])
	require.NoError(t, interp.ResetVariableTensors())
	require.NoError(t, interp.Invoke())
	assert.Equal(t, int32(1), tensors.Flat[int32](interp.Tensor(1))[0])

	stats := interp.Stats()
	assert.Equal(t, 2, stats.NumTensors)
	assert.Equal(t, 1, stats.NumNodes)
	assert.Equal(t, 4, stats.PersistentArenaBytes)
	assert.Equal(t, 4, stats.ArenaBytes)
}

// recorder is the op of the execution plan tests: it appends the node params to the run list.
type recorder struct {
	BaseOp
	run *[]int
}

func (r recorder) Invoke(_ *Context, node *Node) error {
	*r.run = append(*r.run, node.Params.(int))
	return nil
}

func TestExecutionPlan(t *testing.T) {
	for _, tc := range []struct {
		name string
		plan []int
		want []int
	}{
		{"default", nil, []int{0, 1}},
		{"reversed", []int{1, 0}, []int{1, 0}},
		{"subset", []int{1}, []int{1}},
		{"repeated", []int{0, 1, 0}, []int{0, 1, 0}},
		{"empty", []int{}, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			interp := newTestInterpreter(t)
			must.M1(interp.AddTensors(4))
			for ii := range 4 {
				require.NoError(t, interp.SetTensorParametersReadWrite(ii, dtypes.Float32, "", []int{3}, noQuantization))
			}
			require.NoError(t, interp.SetInputs([]int{0, 1}))
			require.NoError(t, interp.SetOutputs([]int{2, 3}))
			var run []int
			must.M1(interp.AddNode([]int{0}, []int{2}, 0, recorder{run: &run}))
			must.M1(interp.AddNode([]int{1}, []int{3}, 1, recorder{run: &run}))
			assert.Equal(t, []int{0, 1}, interp.ExecutionPlan())
			require.NoError(t, interp.AllocateTensors())
			if tc.plan != nil {
				require.NoError(t, interp.SetExecutionPlan(tc.plan))
				assert.Equal(t, StateReady, interp.State(), "SetExecutionPlan re-allocates a ready interpreter")
			}
			require.NoError(t, interp.Invoke())
			assert.Equal(t, tc.want, run)
		})
	}

	interp := newTestInterpreter(t)
	must.M1(interp.AddTensors(2))
	must.M1(interp.AddNode([]int{0}, []int{1}, nil, BaseOp{}))
	err := interp.SetExecutionPlan([]int{0, 1})
	assert.True(t, status.IsInvalidArgument(err))
	assert.Equal(t, []int{0}, interp.ExecutionPlan())
}

func TestLayoutAndStats(t *testing.T) {
	interp := newTestInterpreter(t)
	must.M1(interp.AddTensors(3))
	require.NoError(t, interp.SetTensorParametersReadWrite(0, dtypes.Float32, "in", []int{16}, noQuantization))
	require.NoError(t, interp.SetTensorParametersReadWrite(1, dtypes.Float32, "out", []int{16}, noQuantization))
	require.NoError(t, interp.SetTensorParametersReadWrite(2, dtypes.String, "dynamic", []int{1}, noQuantization))
	require.NoError(t, interp.SetInputs([]int{0}))
	require.NoError(t, interp.SetOutputs([]int{1, 2}))
	must.M1(interp.AddNode([]int{0}, []int{1}, nil, copyOp()))
	require.NoError(t, interp.AllocateTensors())

	layout := interp.Layout()
	require.Len(t, layout, 2)
	for _, p := range layout {
		assert.False(t, p.Persistent)
		assert.Equal(t, 64, p.Size)
	}
	assert.False(t, layout[0].Overlaps(layout[1].Alloc))
	stats := interp.Stats()
	assert.Equal(t, 3, stats.NumTensors)
	assert.Equal(t, 128, stats.ArenaBytes)
	assert.Zero(t, stats.DynamicBytes)
}
