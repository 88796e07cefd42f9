// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"slices"

	"github.com/gomlx/golite/pkg/core/dtypes"
	"github.com/gomlx/golite/pkg/lite/interpreter"
	"github.com/gomlx/golite/pkg/lite/strtensor"
	"github.com/gomlx/golite/pkg/lite/tensors"
)

// ScaleParams are the parameters of Scale.
type ScaleParams struct {
	Factor float32
}

// Scale multiplies a Float32 tensor by a constant factor, given as Params: a ScaleParams, a number, or
// a map with the key "factor" (as decoded from a model description).
//
// It uses one temporary tensor, created in Init, to exercise temporaries.
type Scale struct{ interpreter.BaseOp }

// Name implements interpreter.Named.
func (Scale) Name() string { return "scale" }

type scaleData struct {
	factor    float32
	temporary int
}

func toFloat32(v any) (float32, bool) {
	switch x := v.(type) {
	case float32:
		return x, true
	case float64:
		return float32(x), true
	case int:
		return float32(x), true
	case int64:
		return float32(x), true
	}
	return 0, false
}

// Init implements interpreter.Op.
func (Scale) Init(ctx *interpreter.Context, node *interpreter.Node) (any, error) {
	data := &scaleData{}
	switch p := node.Params.(type) {
	case ScaleParams:
		data.factor = p.Factor
	case *ScaleParams:
		data.factor = p.Factor
	case map[string]any:
		factor, ok := toFloat32(p["factor"])
		if !ok {
			return nil, ctx.Errorf("scale requires a numeric \"factor\" parameter, got %v", p)
		}
		data.factor = factor
	default:
		factor, ok := toFloat32(p)
		if !ok {
			return nil, ctx.Errorf("scale requires a factor parameter, got %#v", node.Params)
		}
		data.factor = factor
	}
	var err error
	data.temporary, err = ctx.AddTensors(1)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Prepare implements interpreter.Op.
func (Scale) Prepare(ctx *interpreter.Context, node *interpreter.Node) error {
	if err := checkArity(ctx, node, 1, 1); err != nil {
		return err
	}
	input, output := ctx.Input(node, 0), ctx.Output(node, 0)
	if input.DType() != dtypes.Float32 || output.DType() != dtypes.Float32 {
		return ctx.Errorf("%s only supports Float32 tensors, got %s and %s", node, input, output)
	}
	data := node.UserData.(*scaleData)
	node.Temporaries = []int{data.temporary}
	if err := ctx.SetTensorParametersReadWrite(data.temporary, dtypes.Float32, "scale_tmp", input.Dims()); err != nil {
		return err
	}
	return ctx.ResizeTensor(output.ID(), input.Dims())
}

// Invoke implements interpreter.Op.
func (Scale) Invoke(ctx *interpreter.Context, node *interpreter.Node) error {
	data := node.UserData.(*scaleData)
	input := tensors.Flat[float32](ctx.Input(node, 0))
	tmp := tensors.Flat[float32](ctx.Tensor(data.temporary))
	output := tensors.Flat[float32](ctx.Output(node, 0))
	for ii, x := range input {
		tmp[ii] = x * data.factor
	}
	copy(output, tmp)
	return nil
}

// Accumulate adds its second input to its first input, a Float32 variable, and copies the updated
// variable to its output.
type Accumulate struct{ interpreter.BaseOp }

// Name implements interpreter.Named.
func (Accumulate) Name() string { return "accumulate" }

// Prepare implements interpreter.Op.
func (Accumulate) Prepare(ctx *interpreter.Context, node *interpreter.Node) error {
	if err := checkArity(ctx, node, 2, 1); err != nil {
		return err
	}
	variable, value, output := ctx.Input(node, 0), ctx.Input(node, 1), ctx.Output(node, 0)
	if !variable.IsVariable() {
		return ctx.Errorf("%s first input must be a variable, got %s", node, variable)
	}
	for _, t := range []*tensors.Tensor{variable, value, output} {
		if t.DType() != dtypes.Float32 {
			return ctx.Errorf("%s only supports Float32 tensors, got %s", node, t)
		}
	}
	if !slices.Equal(variable.Shape().Dimensions, value.Shape().Dimensions) {
		return ctx.Errorf("%s variable %s and value %s shapes differ", node, variable.Shape(), value.Shape())
	}
	return ctx.ResizeTensor(output.ID(), variable.Dims())
}

// Invoke implements interpreter.Op.
func (Accumulate) Invoke(ctx *interpreter.Context, node *interpreter.Node) error {
	variable := tensors.Flat[float32](ctx.Input(node, 0))
	value := tensors.Flat[float32](ctx.Input(node, 1))
	for ii, x := range value {
		variable[ii] += x
	}
	copy(tensors.Flat[float32](ctx.Output(node, 0)), variable)
	return nil
}

// StringCopy copies a String tensor. Its output is dynamic, and only gets a buffer during Invoke.
type StringCopy struct{ interpreter.BaseOp }

// Name implements interpreter.Named.
func (StringCopy) Name() string { return "string_copy" }

// Prepare implements interpreter.Op.
func (StringCopy) Prepare(ctx *interpreter.Context, node *interpreter.Node) error {
	if err := checkArity(ctx, node, 1, 1); err != nil {
		return err
	}
	input, output := ctx.Input(node, 0), ctx.Output(node, 0)
	if input.DType() != dtypes.String || output.DType() != dtypes.String {
		return ctx.Errorf("%s requires String tensors, got %s and %s", node, input, output)
	}
	return ctx.SetTensorToDynamic(output.ID())
}

// Invoke implements interpreter.Op.
func (StringCopy) Invoke(ctx *interpreter.Context, node *interpreter.Node) error {
	input := ctx.Input(node, 0)
	count, err := input.NumStrings()
	if err != nil {
		return err
	}
	var buf strtensor.Buffer
	for ii := range count {
		str, err := input.ReadString(ii)
		if err != nil {
			return err
		}
		buf.AddString(str)
	}
	return ctx.WriteStrings(node.Outputs[0], &buf)
}

// StringLength outputs the length in bytes of each string of its input into an Int32 tensor of the same shape.
type StringLength struct{ interpreter.BaseOp }

// Name implements interpreter.Named.
func (StringLength) Name() string { return "string_length" }

// Prepare implements interpreter.Op.
func (StringLength) Prepare(ctx *interpreter.Context, node *interpreter.Node) error {
	if err := checkArity(ctx, node, 1, 1); err != nil {
		return err
	}
	input, output := ctx.Input(node, 0), ctx.Output(node, 0)
	if input.DType() != dtypes.String || output.DType() != dtypes.Int32 {
		return ctx.Errorf("%s requires a String input and an Int32 output, got %s and %s", node, input, output)
	}
	return ctx.ResizeTensor(output.ID(), input.Dims())
}

// Invoke implements interpreter.Op.
func (StringLength) Invoke(ctx *interpreter.Context, node *interpreter.Node) error {
	input := ctx.Input(node, 0)
	output := tensors.Flat[int32](ctx.Output(node, 0))
	count, err := input.NumStrings()
	if err != nil {
		return err
	}
	if count != len(output) {
		return ctx.Errorf("%s input holds %d strings, but its shape %s has %d elements", node, count, input.Shape(), len(output))
	}
	for ii := range count {
		str, err := input.ReadString(ii)
		if err != nil {
			return err
		}
		output[ii] = int32(len(str))
	}
	return nil
}
