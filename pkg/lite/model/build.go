// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/gomlx/golite/pkg/core/dtypes"
	"github.com/gomlx/golite/pkg/lite/interpreter"
	"github.com/gomlx/golite/pkg/lite/ops"
	"github.com/gomlx/golite/pkg/lite/status"
	"github.com/gomlx/golite/pkg/lite/strtensor"
	"github.com/gomlx/golite/pkg/lite/tensors"
)

// Build adds the tensors and nodes of the model to interp, using resolver to create the ops.
// If resolver is nil, ops.Builtins() is used.
//
// The interpreter is expected to be empty: tensor ids in the model are offset by the number of
// tensors already defined. It doesn't call AllocateTensors.
func Build(interp *interpreter.Interpreter, m *Model, resolver ops.Resolver) error {
	if resolver == nil {
		resolver = ops.Builtins()
	}
	base, err := interp.AddTensors(len(m.Tensors))
	if err != nil {
		return err
	}
	offset := func(ids []int) []int {
		if base == 0 {
			return ids
		}
		shifted := make([]int, len(ids))
		for ii, id := range ids {
			if id == tensors.OptionalTensor {
				shifted[ii] = id
			} else {
				shifted[ii] = id + base
			}
		}
		return shifted
	}

	for ii := range m.Tensors {
		if err := buildTensor(interp, base+ii, &m.Tensors[ii]); err != nil {
			return errors.WithMessagef(err, "model %q, tensor #%d (%q)", m.Name, ii, m.Tensors[ii].Name)
		}
	}
	if err := interp.SetInputs(offset(m.Inputs)); err != nil {
		return errors.WithMessagef(err, "model %q inputs", m.Name)
	}
	if err := interp.SetOutputs(offset(m.Outputs)); err != nil {
		return errors.WithMessagef(err, "model %q outputs", m.Name)
	}
	firstNode := interp.NumNodes()
	for ii, n := range m.Nodes {
		op, err := resolver.Resolve(n.Op)
		if err != nil {
			return errors.WithMessagef(err, "model %q, node #%d", m.Name, ii)
		}
		var params any
		if n.Params != nil {
			params = n.Params
		}
		if _, err = interp.AddNode(offset(n.Inputs), offset(n.Outputs), params, op); err != nil {
			return errors.WithMessagef(err, "model %q, node #%d (%s)", m.Name, ii, n.Op)
		}
	}
	if m.Plan != nil {
		plan := make([]int, len(m.Plan))
		for ii, nodeIdx := range m.Plan {
			plan[ii] = nodeIdx + firstNode
		}
		if err := interp.SetExecutionPlan(plan); err != nil {
			return errors.WithMessagef(err, "model %q plan", m.Name)
		}
	}
	klog.V(1).Infof("model %q: built %d tensors and %d nodes", m.Name, len(m.Tensors), len(m.Nodes))
	return nil
}

func buildTensor(interp *interpreter.Interpreter, id int, t *Tensor) error {
	dtype, err := dtypes.FromName(t.DType)
	if err != nil {
		return status.Wrapf(status.InvalidArgument, err, "invalid dtype")
	}
	var quant tensors.Quantization
	if t.Quantization != nil {
		quant = tensors.Quantization{Scale: t.Quantization.Scale, ZeroPoint: t.Quantization.ZeroPoint}
	}
	switch {
	case t.Strings != nil:
		if dtype != dtypes.String {
			return status.Errorf(status.InvalidArgument, "strings given for a tensor of dtype %s", dtype)
		}
		var buf strtensor.Buffer
		for _, str := range t.Strings {
			buf.AddString([]byte(str))
		}
		data, err := buf.Encode()
		if err != nil {
			return err
		}
		dims := t.Dims
		if dims == nil {
			dims = []int{len(t.Strings)}
		}
		return interp.SetTensorParametersReadOnly(id, dtype, t.Name, dims, quant, data)
	case t.Data != nil:
		data, err := EncodeValues(dtype, t.Data)
		if err != nil {
			return err
		}
		return interp.SetTensorParametersReadOnly(id, dtype, t.Name, t.Dims, quant, data)
	case t.Variable:
		if t.Dynamic {
			return status.Errorf(status.InvalidArgument, "a variable tensor can't be dynamic")
		}
		return interp.SetVariableTensorParameters(id, dtype, t.Name, t.Dims, quant)
	}
	if err := interp.SetTensorParametersReadWrite(id, dtype, t.Name, t.Dims, quant); err != nil {
		return err
	}
	if t.Dynamic && dtype != dtypes.String {
		return interp.SetTensorToDynamic(id)
	}
	return nil
}

// EncodeValues converts values to dtype, and encodes them in little-endian byte order, as the
// interpreter tensors expect them.
func EncodeValues(dtype dtypes.DType, values []float64) ([]byte, error) {
	if dtype == dtypes.String || !dtype.IsValid() {
		return nil, status.Errorf(status.InvalidArgument, "cannot encode numeric values as %s", dtype)
	}
	data := make([]byte, 0, len(values)*dtype.Size())
	le := binary.LittleEndian
	for _, v := range values {
		switch dtype {
		case dtypes.Float64:
			data = le.AppendUint64(data, math.Float64bits(v))
		case dtypes.Float32:
			data = le.AppendUint32(data, math.Float32bits(float32(v)))
		case dtypes.Float16:
			data = le.AppendUint16(data, float16.Fromfloat32(float32(v)).Bits())
		case dtypes.Int64:
			data = le.AppendUint64(data, uint64(int64(v)))
		case dtypes.Int32:
			data = le.AppendUint32(data, uint32(int32(v)))
		case dtypes.Int16:
			data = le.AppendUint16(data, uint16(int16(v)))
		case dtypes.Int8:
			data = append(data, byte(int8(v)))
		case dtypes.Uint8:
			data = append(data, uint8(v))
		case dtypes.Bool:
			if v != 0 {
				data = append(data, 1)
			} else {
				data = append(data, 0)
			}
		default:
			return nil, status.Errorf(status.InvalidArgument, "cannot encode numeric values as %s", dtype)
		}
	}
	return data, nil
}
