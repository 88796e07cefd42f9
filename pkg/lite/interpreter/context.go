// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interpreter

import (
	"fmt"
	"slices"

	"github.com/gomlx/golite/internal/workerspool"
	"github.com/gomlx/golite/pkg/core/dtypes"
	"github.com/gomlx/golite/pkg/lite/status"
	"github.com/gomlx/golite/pkg/lite/strtensor"
	"github.com/gomlx/golite/pkg/lite/tensors"
)

// Context is the view of the interpreter given to ops.
type Context struct {
	interp *Interpreter
}

// NumTensors returns the number of tensors in the interpreter.
func (c *Context) NumTensors() int { return c.interp.registry.Len() }

// Tensor returns the tensor with the given id, or nil if it is out of range.
func (c *Context) Tensor(id int) *tensors.Tensor { return c.interp.registry.Tensor(id) }

// Input returns the i-th input of node, or nil if it is missing or optional.
func (c *Context) Input(node *Node, i int) *tensors.Tensor {
	if i < 0 || i >= len(node.Inputs) {
		return nil
	}
	return c.interp.registry.Tensor(node.Inputs[i])
}

// Output returns the i-th output of node, or nil if it is missing.
func (c *Context) Output(node *Node, i int) *tensors.Tensor {
	if i < 0 || i >= len(node.Outputs) {
		return nil
	}
	return c.interp.registry.Tensor(node.Outputs[i])
}

// ResizeTensor changes the dimensions of a tensor.
//
// During Prepare any read-write tensor can be resized. During Invoke only dynamic tensors can change
// size, since the memory plan of arena tensors is fixed.
func (c *Context) ResizeTensor(id int, dims []int) error {
	if c.interp.invoking {
		t := c.interp.registry.Tensor(id)
		if t != nil && t.AllocationType() != tensors.AllocDynamic && !slices.Equal(t.Shape().Dimensions, dims) {
			return status.Errorf(status.ApplicationError,
				"cannot resize non-dynamic tensor %s to %v during Invoke", t, dims)
		}
	}
	needsReplan, err := c.interp.registry.Resize(id, dims)
	if err != nil {
		return err
	}
	if needsReplan && !c.interp.preparing {
		c.interp.invalidate()
	}
	return nil
}

// AddTensors creates n new tensors, and returns the id of the first one.
// It is typically used by Op.Init to create temporaries.
func (c *Context) AddTensors(n int) (int, error) {
	return c.interp.AddTensors(n)
}

// SetTensorParametersReadWrite sets the type and shape of a tensor, typically a temporary created in Init.
func (c *Context) SetTensorParametersReadWrite(id int, dtype dtypes.DType, name string, dims []int) error {
	if c.interp.invoking {
		return status.Errorf(status.ApplicationError, "cannot set tensor parameters during Invoke")
	}
	t := c.interp.registry.Tensor(id)
	if t != nil && t.DType() == dtype && t.AllocationType() == tensors.AllocArenaRW && t.Name() == name &&
		slices.Equal(t.Shape().Dimensions, dims) {
		return nil
	}
	return c.interp.registry.SetParametersReadWrite(id, dtype, name, dims, tensors.Quantization{}, false)
}

// SetTensorToDynamic marks a tensor as dynamic: its buffer will be allocated when it is resized during Invoke.
// It is used by Prepare for outputs whose size depends on the input values.
func (c *Context) SetTensorToDynamic(id int) error {
	return c.interp.registry.SetToDynamic(id)
}

// ReallocTensor sets the buffer size of a dynamic tensor.
func (c *Context) ReallocTensor(id, numBytes int) error {
	return c.interp.registry.Realloc(id, numBytes)
}

// WriteStrings writes the strings of buf into the dynamic String tensor id.
func (c *Context) WriteStrings(id int, buf *strtensor.Buffer) error {
	return c.interp.registry.WriteStrings(id, buf)
}

// Workers returns the interpreter's worker pool, that ops can use to parallelize their work.
func (c *Context) Workers() *workerspool.Pool { return c.interp.workers }

// ReportError sends an error message to the interpreter's ErrorReporter.
func (c *Context) ReportError(format string, args ...any) {
	c.interp.reporter.Report(format, args...)
}

// Errorf reports an error message and returns it as an ApplicationError.
func (c *Context) Errorf(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	c.interp.reporter.Report("%s", msg)
	return status.Errorf(status.ApplicationError, "%s", msg)
}
