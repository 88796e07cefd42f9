// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interpreter

import (
	"fmt"
	"slices"
)

// Op is the behavior of a node.
//
// All methods are called from the goroutine calling the Interpreter: an Op may fan out work using
// Context.Workers, but must return only once it is done.
type Op interface {
	// Init is called once when the node is added. It may create temporary tensors with Context.AddTensors.
	// The returned userData is stored in Node.UserData and given back to Free.
	Init(ctx *Context, node *Node) (userData any, err error)

	// Prepare is called during allocation: it must resize the outputs (and set up the temporaries)
	// according to the inputs shapes. Input buffers are not available yet.
	Prepare(ctx *Context, node *Node) error

	// Invoke executes the node. Outputs marked as dynamic must be resized (or written) here.
	Invoke(ctx *Context, node *Node) error

	// Free is called once when the interpreter is closed.
	Free(ctx *Context, userData any)
}

// Named can optionally be implemented by an Op to name it in logs and errors.
type Named interface {
	Name() string
}

// OpName returns the name of the op if it implements Named, or its type otherwise.
func OpName(op Op) string {
	if named, ok := op.(Named); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", op)
}

// BaseOp implements all Op methods as no-ops. Embed it to implement only the methods needed.
type BaseOp struct{}

// Init implements Op.
func (BaseOp) Init(*Context, *Node) (any, error) { return nil, nil }

// Prepare implements Op.
func (BaseOp) Prepare(*Context, *Node) error { return nil }

// Invoke implements Op.
func (BaseOp) Invoke(*Context, *Node) error { return nil }

// Free implements Op.
func (BaseOp) Free(*Context, any) {}

// OpFuncs implements Op with optional functions. Missing functions are no-ops.
type OpFuncs struct {
	OpName    string
	InitFn    func(ctx *Context, node *Node) (any, error)
	PrepareFn func(ctx *Context, node *Node) error
	InvokeFn  func(ctx *Context, node *Node) error
	FreeFn    func(ctx *Context, userData any)
}

var (
	_ Op    = &OpFuncs{}
	_ Named = &OpFuncs{}
	_ Op    = BaseOp{}
)

// Name implements Named.
func (f *OpFuncs) Name() string {
	if f.OpName == "" {
		return "OpFuncs"
	}
	return f.OpName
}

// Init implements Op.
func (f *OpFuncs) Init(ctx *Context, node *Node) (any, error) {
	if f.InitFn == nil {
		return nil, nil
	}
	return f.InitFn(ctx, node)
}

// Prepare implements Op.
func (f *OpFuncs) Prepare(ctx *Context, node *Node) error {
	if f.PrepareFn == nil {
		return nil
	}
	return f.PrepareFn(ctx, node)
}

// Invoke implements Op.
func (f *OpFuncs) Invoke(ctx *Context, node *Node) error {
	if f.InvokeFn == nil {
		return nil
	}
	return f.InvokeFn(ctx, node)
}

// Free implements Op.
func (f *OpFuncs) Free(ctx *Context, userData any) {
	if f.FreeFn != nil {
		f.FreeFn(ctx, userData)
	}
}

// Node is one operation of the graph: its op, the tensors it uses and its parameters.
type Node struct {
	index int
	op    Op

	// Inputs, Outputs and Temporaries tensor ids. Inputs may contain tensors.OptionalTensor.
	// Prepare may set Temporaries.
	Inputs, Outputs, Temporaries []int

	// Params is the op-specific parameters given to AddNode.
	Params any

	// InitData is the raw initialization data given to AddNodeWithInitData.
	InitData []byte

	// UserData is the value returned by Op.Init.
	UserData any
}

// Index of the node in the interpreter.
func (n *Node) Index() int { return n.index }

// Op of the node.
func (n *Node) Op() Op { return n.op }

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("node #%d (%s)", n.index, OpName(n.op))
}

func cloneNodeIDs(ids []int) []int {
	if ids == nil {
		return []int{}
	}
	return slices.Clone(ids)
}
