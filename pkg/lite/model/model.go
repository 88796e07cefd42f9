// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines a YAML description of an interpreter graph (tensors, nodes and execution plan),
// and builds it onto an interpreter.Interpreter.
//
// Example:
//
//	tensors:
//	  - {name: x, dtype: Float32, dims: [4]}
//	  - {name: two, dtype: Float32, dims: [1], data: [2]}
//	  - {name: y, dtype: Float32, dims: [4]}
//	inputs: [0]
//	outputs: [2]
//	nodes:
//	  - {op: add, inputs: [0, 1], outputs: [2]}
package model

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/gomlx/golite/pkg/lite/status"
)

// Model is the description of a graph.
type Model struct {
	// Name is informative only.
	Name string `yaml:"name,omitempty"`

	Tensors []Tensor `yaml:"tensors"`
	Inputs  []int    `yaml:"inputs,omitempty"`
	Outputs []int    `yaml:"outputs,omitempty"`
	Nodes   []Node   `yaml:"nodes,omitempty"`

	// Plan is the execution plan. If nil, the nodes are executed in order.
	Plan []int `yaml:"plan,omitempty"`
}

// Tensor description.
//
// Tensors with Data or Strings are read-only constants. Variable tensors live in the persistent arena
// and keep their values across invocations. Dynamic tensors get their buffers at Invoke time.
type Tensor struct {
	Name     string `yaml:"name,omitempty"`
	DType    string `yaml:"dtype"`
	Dims     []int  `yaml:"dims,flow"`
	Variable bool   `yaml:"variable,omitempty"`
	Dynamic  bool   `yaml:"dynamic,omitempty"`

	// Data holds the values of a read-only numeric tensor, converted to DType.
	Data []float64 `yaml:"data,omitempty,flow"`

	// Strings holds the values of a read-only String tensor. Dims defaults to [len(Strings)].
	Strings []string `yaml:"strings,omitempty,flow"`

	Quantization *Quantization `yaml:"quantization,omitempty"`
}

// Quantization parameters of a tensor.
type Quantization struct {
	Scale     float32 `yaml:"scale"`
	ZeroPoint int64   `yaml:"zero_point"`
}

// IsConstant returns whether the tensor is a read-only constant.
func (t *Tensor) IsConstant() bool {
	return t.Data != nil || t.Strings != nil
}

// Node description: Params is passed as is to the op.
type Node struct {
	Op      string         `yaml:"op"`
	Inputs  []int          `yaml:"inputs,flow"`
	Outputs []int          `yaml:"outputs,flow"`
	Params  map[string]any `yaml:"params,omitempty"`
}

// Parse a YAML model description. Unknown fields are rejected.
func Parse(data []byte) (*Model, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	m := &Model{}
	if err := dec.Decode(m); err != nil {
		return nil, status.Wrapf(status.InvalidArgument, errors.WithStack(err), "failed to parse model")
	}
	return m, nil
}

// Load and parse the YAML model description in filePath.
func Load(filePath string) (*Model, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model from %q", filePath)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "model file %q", filePath)
	}
	if m.Name == "" {
		m.Name = filePath
	}
	return m, nil
}

// Marshal the model to YAML.
func (m *Model) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal model")
	}
	return data, nil
}
