// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops implements a few reference ops for the interpreter, and a Resolver mapping op names to them.
//
// They are not meant to be fast: they exercise the interpreter features (arena tensors, dynamic string
// tensors, variables, temporaries and the worker pool) in tests and in the liteplan command.
package ops

import (
	"slices"
	"sort"

	"github.com/gomlx/golite/pkg/core/dtypes"
	"github.com/gomlx/golite/pkg/lite/interpreter"
	"github.com/gomlx/golite/pkg/lite/status"
	"github.com/gomlx/golite/pkg/lite/tensors"
)

// Resolver returns the Op for a given op name.
type Resolver interface {
	Resolve(name string) (interpreter.Op, error)
}

// MapResolver is a Resolver backed by a map of op constructors.
type MapResolver map[string]func() interpreter.Op

var _ Resolver = MapResolver{}

// Builtins returns a MapResolver with all ops of this package.
func Builtins() MapResolver {
	return MapResolver{
		"copy":          func() interpreter.Op { return Copy{} },
		"add":           func() interpreter.Op { return Add{} },
		"scale":         func() interpreter.Op { return Scale{} },
		"accumulate":    func() interpreter.Op { return Accumulate{} },
		"string_copy":   func() interpreter.Op { return StringCopy{} },
		"string_length": func() interpreter.Op { return StringLength{} },
	}
}

// Register adds or replaces the constructor of an op.
func (r MapResolver) Register(name string, constructor func() interpreter.Op) {
	r[name] = constructor
}

// Resolve implements Resolver.
func (r MapResolver) Resolve(name string) (interpreter.Op, error) {
	constructor, found := r[name]
	if !found {
		return nil, status.Errorf(status.InvalidArgument, "unknown op %q, known ops: %v", name, r.Names())
	}
	return constructor(), nil
}

// Names returns the sorted names of the registered ops.
func (r MapResolver) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// checkArity returns an error if the node doesn't have the given number of inputs and outputs.
func checkArity(ctx *interpreter.Context, node *interpreter.Node, numInputs, numOutputs int) error {
	if len(node.Inputs) != numInputs || len(node.Outputs) != numOutputs {
		return ctx.Errorf("%s requires %d inputs and %d outputs, got %d and %d",
			node, numInputs, numOutputs, len(node.Inputs), len(node.Outputs))
	}
	for ii := range numInputs {
		if ctx.Input(node, ii) == nil {
			return ctx.Errorf("%s input #%d is missing", node, ii)
		}
	}
	return nil
}

// Copy copies its input to its output, which is resized to the input shape.
type Copy struct{ interpreter.BaseOp }

// Name implements interpreter.Named.
func (Copy) Name() string { return "copy" }

// Prepare implements interpreter.Op.
func (Copy) Prepare(ctx *interpreter.Context, node *interpreter.Node) error {
	if err := checkArity(ctx, node, 1, 1); err != nil {
		return err
	}
	input, output := ctx.Input(node, 0), ctx.Output(node, 0)
	if input.DType() != output.DType() || input.DType().IsVariableLength() {
		return ctx.Errorf("%s can't copy %s to %s", node, input, output)
	}
	return ctx.ResizeTensor(output.ID(), input.Dims())
}

// Invoke implements interpreter.Op.
func (Copy) Invoke(ctx *interpreter.Context, node *interpreter.Node) error {
	copy(ctx.Output(node, 0).Bytes(), ctx.Input(node, 0).Bytes())
	return nil
}

// addMinChunk is the minimum number of elements processed by each worker.
const addMinChunk = 4096

// Add sums two Float32 tensors element-wise. The second operand may also be a scalar (or a single
// element), which is then broadcast.
type Add struct{ interpreter.BaseOp }

// Name implements interpreter.Named.
func (Add) Name() string { return "add" }

// Prepare implements interpreter.Op.
func (Add) Prepare(ctx *interpreter.Context, node *interpreter.Node) error {
	if err := checkArity(ctx, node, 2, 1); err != nil {
		return err
	}
	lhs, rhs, output := ctx.Input(node, 0), ctx.Input(node, 1), ctx.Output(node, 0)
	for _, t := range []*tensors.Tensor{lhs, rhs, output} {
		if t.DType() != dtypes.Float32 {
			return ctx.Errorf("%s only supports Float32 tensors, got %s", node, t)
		}
	}
	if rhs.Shape().Size() != 1 && !slices.Equal(lhs.Shape().Dimensions, rhs.Shape().Dimensions) {
		return ctx.Errorf("%s operands have incompatible shapes %s and %s", node, lhs.Shape(), rhs.Shape())
	}
	return ctx.ResizeTensor(output.ID(), lhs.Dims())
}

// Invoke implements interpreter.Op.
func (Add) Invoke(ctx *interpreter.Context, node *interpreter.Node) error {
	lhs := tensors.Flat[float32](ctx.Input(node, 0))
	rhs := tensors.Flat[float32](ctx.Input(node, 1))
	output := tensors.Flat[float32](ctx.Output(node, 0))
	if len(rhs) == 1 {
		scalar := rhs[0]
		ctx.Workers().ParallelFor(len(output), addMinChunk, func(start, end int) {
			for ii := start; ii < end; ii++ {
				output[ii] = lhs[ii] + scalar
			}
		})
		return nil
	}
	ctx.Workers().ParallelFor(len(output), addMinChunk, func(start, end int) {
		for ii := start; ii < end; ii++ {
			output[ii] = lhs[ii] + rhs[ii]
		}
	})
	return nil
}
