// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package interpreter implements the Interpreter: it holds a graph of nodes over tensors, plans the
// memory of the tensors (see package planner) and executes the nodes in the order of its execution plan.
//
// The usual sequence is:
//
//	interp := interpreter.New()
//	base, _ := interp.AddTensors(3)
//	_ = interp.SetTensorParametersReadWrite(base, dtypes.Float32, "x", []int{4}, tensors.Quantization{})
//	... set the other tensors, SetInputs, SetOutputs, AddNode ...
//	_ = interp.AllocateTensors()
//	copy(tensors.Flat[float32](interp.Tensor(base)), input)
//	_ = interp.Invoke()
//
// The Interpreter is not safe for concurrent use.
package interpreter

import (
	"os"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/golite/internal/workerspool"
	"github.com/gomlx/golite/pkg/core/dtypes"
	"github.com/gomlx/golite/pkg/lite/planner"
	"github.com/gomlx/golite/pkg/lite/status"
	"github.com/gomlx/golite/pkg/lite/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of the Interpreter.
type State int

const (
	// StateUninitialized is the state of a new interpreter.
	StateUninitialized State = iota

	// StateTensorsDeclared means the graph or tensor sizes changed since the last AllocateTensors.
	StateTensorsDeclared

	// StateAllocated means all nodes were prepared and the memory plan is done, but buffers are not
	// bound yet: it is the state while AllocateTensors commits the arenas.
	StateAllocated

	// StateReady means the interpreter can be invoked.
	StateReady

	// StateClosed means Close was called, and the interpreter can no longer be used.
	StateClosed
)

var stateNames = []string{"Uninitialized", "TensorsDeclared", "Allocated", "Ready", "Closed"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "State(?)"
	}
	return stateNames[s]
}

// Interpreter holds the graph, its tensors and their memory, and executes it.
type Interpreter struct {
	config   Config
	registry *tensors.Registry
	planner  *planner.Planner
	workers  *workerspool.Pool
	reporter ErrorReporter
	ctx      *Context

	inputs, outputs []int
	nodes           []*Node
	plan            []int

	state State

	// consistent is false once an invalid graph definition was attempted.
	consistent bool

	preparing, invoking bool
}

// New creates an Interpreter with the configuration in the environment variable GOLITE_INTERPRETER,
// or DefaultConfig if it is not set.
//
// It panics if the configuration is invalid.
func New() *Interpreter {
	config, found := os.LookupEnv(GOLITE_INTERPRETER)
	if !found {
		config = DefaultConfig
	}
	interp, err := NewWithConfig(config)
	if err != nil {
		exceptions.Panicf("interpreter.New(): %+v", err)
	}
	return interp
}

// NewWithConfig creates an Interpreter with the given configuration. See ParseConfig for the format.
func NewWithConfig(config string) (*Interpreter, error) {
	c, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	interp := &Interpreter{
		config:     c,
		registry:   tensors.NewRegistry(c.TensorAlignment),
		workers:    workerspool.New(c.NumThreads),
		reporter:   KlogReporter{},
		consistent: true,
	}
	interp.ctx = &Context{interp: interp}
	interp.planner, err = planner.New((*graphView)(interp), planner.Config{
		TensorAlignment: c.TensorAlignment,
		ArenaAlignment:  c.ArenaAlignment,
	})
	if err != nil {
		return nil, err
	}
	return interp, nil
}

// Config returns the configuration of the interpreter.
func (it *Interpreter) Config() Config { return it.config }

// SetErrorReporter changes where error messages are reported. If reporter is nil, the default
// KlogReporter is used.
func (it *Interpreter) SetErrorReporter(reporter ErrorReporter) {
	if reporter == nil {
		reporter = KlogReporter{}
	}
	it.reporter = reporter
}

// State returns the current state of the interpreter.
func (it *Interpreter) State() State { return it.state }

// IsConsistent returns false if an invalid graph definition was attempted: the interpreter can then no
// longer be allocated or invoked.
func (it *Interpreter) IsConsistent() bool { return it.consistent }

// invalidate moves the interpreter back to StateTensorsDeclared, requiring a new AllocateTensors.
func (it *Interpreter) invalidate() {
	if it.state != StateClosed {
		it.state = StateTensorsDeclared
	}
}

func (it *Interpreter) checkNotClosed() error {
	if it.state == StateClosed {
		return status.Errorf(status.ApplicationError, "interpreter is closed")
	}
	return nil
}

// markInconsistent flags the model as inconsistent and returns err.
func (it *Interpreter) markInconsistent(err error) error {
	it.consistent = false
	return err
}

// checkTensorIDs verifies all ids are valid tensor ids, optionally accepting tensors.OptionalTensor.
func (it *Interpreter) checkTensorIDs(what string, ids []int, allowOptional bool) error {
	numTensors := it.registry.Len()
	for ii, id := range ids {
		if allowOptional && id == tensors.OptionalTensor {
			continue
		}
		if id < 0 || id >= numTensors {
			return status.Errorf(status.InvalidArgument, "invalid tensor id %d in %s #%d, only %d tensors defined",
				id, what, ii, numTensors)
		}
	}
	return nil
}

// AddTensors appends n new tensors, with no parameters set, and returns the id of the first one.
func (it *Interpreter) AddTensors(n int) (base int, err error) {
	if err = it.checkNotClosed(); err != nil {
		return
	}
	base, err = it.registry.Add(n)
	if err == nil && n > 0 {
		it.invalidate()
	}
	return
}

// NumTensors returns the number of tensors.
func (it *Interpreter) NumTensors() int { return it.registry.Len() }

// Tensor returns the tensor with the given id, or nil if id is out of range.
func (it *Interpreter) Tensor(id int) *tensors.Tensor { return it.registry.Tensor(id) }

// SetInputs sets the graph inputs. Invalid ids make the model inconsistent, and leave the inputs unchanged.
func (it *Interpreter) SetInputs(inputs []int) error {
	if err := it.checkNotClosed(); err != nil {
		return err
	}
	if err := it.checkTensorIDs("inputs", inputs, false); err != nil {
		return it.markInconsistent(err)
	}
	it.inputs = cloneNodeIDs(inputs)
	it.invalidate()
	return nil
}

// SetOutputs sets the graph outputs. Invalid ids make the model inconsistent, and leave the outputs unchanged.
func (it *Interpreter) SetOutputs(outputs []int) error {
	if err := it.checkNotClosed(); err != nil {
		return err
	}
	if err := it.checkTensorIDs("outputs", outputs, false); err != nil {
		return it.markInconsistent(err)
	}
	it.outputs = cloneNodeIDs(outputs)
	it.invalidate()
	return nil
}

// Inputs returns a copy of the graph inputs.
//
// Input buffers are planned like any other tensor: once their last consumer runs, their memory may be
// reused by later nodes. They must be filled again before every Invoke.
func (it *Interpreter) Inputs() []int { return slices.Clone(it.inputs) }

// Outputs returns a copy of the graph outputs.
func (it *Interpreter) Outputs() []int { return slices.Clone(it.outputs) }

// InputName returns the name of the i-th graph input tensor, or "" if i is out of range.
func (it *Interpreter) InputName(i int) string {
	if i < 0 || i >= len(it.inputs) {
		return ""
	}
	return it.registry.Tensor(it.inputs[i]).Name()
}

// OutputName returns the name of the i-th graph output tensor, or "" if i is out of range.
func (it *Interpreter) OutputName(i int) string {
	if i < 0 || i >= len(it.outputs) {
		return ""
	}
	return it.registry.Tensor(it.outputs[i]).Name()
}

// SetTensorParametersReadWrite sets the type and shape of a tensor whose memory is managed by the interpreter.
// See tensors.Registry.SetParametersReadWrite.
func (it *Interpreter) SetTensorParametersReadWrite(id int, dtype dtypes.DType, name string, dims []int,
	quantization tensors.Quantization) error {
	return it.setTensorParametersReadWrite(id, dtype, name, dims, quantization, false)
}

// SetVariableTensorParameters sets the type and shape of a variable tensor: it is allocated in the persistent
// arena, and keeps its value across invocations.
func (it *Interpreter) SetVariableTensorParameters(id int, dtype dtypes.DType, name string, dims []int,
	quantization tensors.Quantization) error {
	return it.setTensorParametersReadWrite(id, dtype, name, dims, quantization, true)
}

func (it *Interpreter) setTensorParametersReadWrite(id int, dtype dtypes.DType, name string, dims []int,
	quantization tensors.Quantization, isVariable bool) error {
	if err := it.checkNotClosed(); err != nil {
		return err
	}
	if err := it.checkAllocatedChange(id, dtype, dims, tensors.ReadWriteAllocationType(dtype, isVariable)); err != nil {
		return err
	}
	if err := it.registry.SetParametersReadWrite(id, dtype, name, dims, quantization, isVariable); err != nil {
		return err
	}
	it.invalidate()
	return nil
}

// SetTensorParametersReadOnly sets the type and shape of a tensor backed by the given buffer, which is
// borrowed: it must not be modified while the interpreter uses it.
// See tensors.Registry.SetParametersReadOnly.
func (it *Interpreter) SetTensorParametersReadOnly(id int, dtype dtypes.DType, name string, dims []int,
	quantization tensors.Quantization, buffer []byte) error {
	if err := it.checkNotClosed(); err != nil {
		return err
	}
	if err := it.checkAllocatedChange(id, dtype, dims, tensors.AllocReadOnly); err != nil {
		return err
	}
	if err := it.registry.SetParametersReadOnly(id, dtype, name, dims, quantization, buffer); err != nil {
		return err
	}
	it.invalidate()
	return nil
}

// checkAllocatedChange rejects, once tensors are allocated, new parameters of an arena tensor that change
// its dtype, its size or where its buffer comes from. Changing sizes goes through ResizeTensor instead.
func (it *Interpreter) checkAllocatedChange(id int, dtype dtypes.DType, dims []int,
	allocationType tensors.AllocationType) error {
	if it.state != StateAllocated && it.state != StateReady {
		return nil
	}
	t := it.registry.Tensor(id)
	if t == nil || !t.AllocationType().IsArena() {
		return nil
	}
	numBytes, err := tensors.BytesRequired(dtype, dims)
	if err != nil {
		// Reported by the registry.
		return nil
	}
	if dtype != t.DType() || numBytes != t.NumBytes() || allocationType != t.AllocationType() {
		return status.Errorf(status.InvalidArgument,
			"tensor %s is already allocated: cannot change it to %s%v (%d bytes, %s)",
			t, dtype, dims, numBytes, allocationType)
	}
	return nil
}

// ResizeTensor changes the dimensions of a tensor, typically an input.
//
// Arena tensors need a new AllocateTensors before the next Invoke. Dynamic tensors are reallocated
// immediately. Read-only tensors cannot be resized.
func (it *Interpreter) ResizeTensor(id int, dims []int) error {
	if err := it.checkNotClosed(); err != nil {
		return err
	}
	needsReplan, err := it.registry.Resize(id, dims)
	if err != nil {
		return err
	}
	if needsReplan {
		it.invalidate()
	}
	return nil
}

// SetTensorToDynamic converts an arena tensor to a dynamic one, whose buffer is allocated when it is resized.
func (it *Interpreter) SetTensorToDynamic(id int) error {
	if err := it.checkNotClosed(); err != nil {
		return err
	}
	if err := it.registry.SetToDynamic(id); err != nil {
		return err
	}
	it.invalidate()
	return nil
}

// AddNode adds a node running op over the given tensors, and calls op.Init.
// It returns the index of the new node, which is also appended to the execution plan.
//
// Invalid tensor ids make the model inconsistent, and the node is not added.
func (it *Interpreter) AddNode(inputs, outputs []int, params any, op Op) (int, error) {
	return it.AddNodeWithInitData(inputs, outputs, params, nil, op)
}

// AddNodeWithInitData is like AddNode, but also stores raw initialization data in Node.InitData.
//
// If op.Init fails, the node is not added, and the tensors Init added are removed.
func (it *Interpreter) AddNodeWithInitData(inputs, outputs []int, params any, initData []byte, op Op) (int, error) {
	if err := it.checkNotClosed(); err != nil {
		return 0, err
	}
	if op == nil {
		return 0, it.markInconsistent(status.Errorf(status.InvalidArgument, "AddNode requires an op"))
	}
	if err := it.checkTensorIDs("node inputs", inputs, true); err != nil {
		return 0, it.markInconsistent(err)
	}
	if err := it.checkTensorIDs("node outputs", outputs, false); err != nil {
		return 0, it.markInconsistent(err)
	}
	node := &Node{
		index:       len(it.nodes),
		op:          op,
		Inputs:      cloneNodeIDs(inputs),
		Outputs:     cloneNodeIDs(outputs),
		Temporaries: []int{},
		Params:      params,
		InitData:    slices.Clone(initData),
	}
	numTensors := it.registry.Len()
	err := it.callOp(node, "initializing", func() error {
		var err error
		node.UserData, err = op.Init(it.ctx, node)
		return err
	})
	if err != nil {
		// Tensors added by the failed Init have no node to use them.
		it.registry.Truncate(numTensors)
		return 0, err
	}
	it.nodes = append(it.nodes, node)
	it.plan = append(it.plan, node.index)
	it.invalidate()
	return node.index, nil
}

// NumNodes returns the number of nodes.
func (it *Interpreter) NumNodes() int { return len(it.nodes) }

// Node returns the node with the given index, or nil if out of range.
func (it *Interpreter) Node(index int) *Node {
	if index < 0 || index >= len(it.nodes) {
		return nil
	}
	return it.nodes[index]
}

// callOp runs fn, annotating errors with the node and the phase.
// Errors returned by the op keep their status code, Unknown if they have none. A panic is converted
// to an ApplicationError.
func (it *Interpreter) callOp(node *Node, phase string, fn func() error) error {
	var err error
	exception := exceptions.Try(func() { err = fn() })
	if exception != nil {
		if panicErr, ok := exception.(error); ok {
			return status.Wrapf(status.ApplicationError, panicErr, "panic %s %s", phase, node)
		}
		return status.Errorf(status.ApplicationError, "panic %s %s: %v", phase, node, exception)
	}
	if err == nil {
		return nil
	}
	return errors.WithMessagef(err, "%s %s", phase, node)
}

// SetNumThreads changes the parallelism available to ops. 0 disables parallelism, and -1 makes it unlimited.
func (it *Interpreter) SetNumThreads(numThreads int) {
	it.config.NumThreads = numThreads
	it.workers.SetMaxParallelism(numThreads)
}

// ResetVariableTensors sets all variable tensors to zero.
func (it *Interpreter) ResetVariableTensors() error {
	if err := it.checkNotClosed(); err != nil {
		return err
	}
	for _, t := range it.registry.All() {
		if t.IsVariable() {
			t.Zero()
		}
	}
	return nil
}

// Stats about the memory used by the interpreter.
type Stats struct {
	NumTensors, NumNodes int

	// ArenaBytes and PersistentArenaBytes are the sizes of the committed arenas.
	ArenaBytes, PersistentArenaBytes int

	// DynamicBytes is the sum of the sizes of the dynamic tensors.
	DynamicBytes int
}

// Stats returns statistics about the interpreter memory.
func (it *Interpreter) Stats() Stats {
	s := Stats{
		NumTensors:           it.registry.Len(),
		NumNodes:             len(it.nodes),
		ArenaBytes:           it.planner.ArenaSize(),
		PersistentArenaBytes: it.planner.PersistentArenaSize(),
	}
	for _, t := range it.registry.All() {
		if t.AllocationType() == tensors.AllocDynamic {
			s.DynamicBytes += len(t.Bytes())
		}
	}
	return s
}

// Layout returns the placement of the tensors in the arenas, as planned by the last AllocateTensors.
func (it *Interpreter) Layout() []planner.Placement {
	return it.planner.Layout()
}

// Close calls Op.Free for every node and releases the memory of the interpreter.
// The interpreter can no longer be used afterwards. Calling Close more than once is a no-op.
func (it *Interpreter) Close() {
	if it.state == StateClosed {
		return
	}
	for _, node := range it.nodes {
		err := it.callOp(node, "freeing", func() error {
			node.op.Free(it.ctx, node.UserData)
			return nil
		})
		if err != nil {
			klog.Warningf("%v", err)
		}
		node.UserData = nil
	}
	it.planner.ReleaseMemory()
	it.state = StateClosed
}
