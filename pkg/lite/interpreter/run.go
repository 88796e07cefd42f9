// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interpreter

import (
	"github.com/gomlx/golite/pkg/lite/status"
	"github.com/gomlx/golite/pkg/lite/tensors"
	"github.com/pkg/errors"
)

// AllocateTensors prepares every node of the execution plan, in order, plans the memory of the tensors
// and binds the buffers of all arena tensors.
//
// Prepare lets each node resize its outputs and declare its temporaries, so errors in the types or
// shapes of any node are reported here. Dynamic tensors are the only ones whose buffers are set
// later, by the nodes that write them during Invoke.
//
// It can be called any number of times: it re-plans everything, and for an unchanged graph it yields
// the same buffers.
func (it *Interpreter) AllocateTensors() error {
	if err := it.checkNotClosed(); err != nil {
		return err
	}
	if !it.consistent {
		it.reporter.Report("AllocateTensors called on inconsistent model.")
		return status.Errorf(status.ApplicationError, "AllocateTensors called on inconsistent model")
	}
	it.state = StateTensorsDeclared
	it.planner.ResetAllocations()
	if err := it.prepareAll(); err != nil {
		return errors.WithMessage(err, "AllocateTensors")
	}
	if err := it.planner.PlanAllocations(); err != nil {
		return errors.WithMessage(err, "AllocateTensors")
	}
	it.state = StateAllocated
	if err := it.planner.ExecuteAllocations(0, max(len(it.plan)-1, 0)); err != nil {
		it.state = StateTensorsDeclared
		return errors.WithMessage(err, "AllocateTensors")
	}
	it.state = StateReady
	it.planner.LogSummary()
	return nil
}

// prepareAll calls Prepare on every node of the execution plan, stopping at the first failure.
func (it *Interpreter) prepareAll() error {
	it.preparing = true
	defer func() { it.preparing = false }()
	for _, nodeIdx := range it.plan {
		node := it.nodes[nodeIdx]
		err := it.callOp(node, "preparing", func() error {
			return node.op.Prepare(it.ctx, node)
		})
		if err != nil {
			return err
		}
		if err = it.checkTensorIDs("temporaries of "+node.String(), node.Temporaries, false); err != nil {
			return status.Wrapf(status.ApplicationError, err, "preparing %s", node)
		}
	}
	return nil
}

// Invoke executes the nodes of the execution plan, in order, stopping at the first failure.
//
// The interpreter must be ready: AllocateTensors must have been called after the last change to the graph
// or to the size of an arena tensor.
//
// The graph inputs must be filled before every call: their buffers may be overwritten during Invoke,
// once the last node reading them has run.
func (it *Interpreter) Invoke() error {
	if err := it.checkNotClosed(); err != nil {
		return err
	}
	if !it.consistent {
		it.reporter.Report("Invoke called on model that is not consistent.")
		return status.Errorf(status.ApplicationError, "Invoke called on model that is not consistent")
	}
	if it.state != StateReady {
		it.reporter.Report("Invoke called on model that is not ready.")
		return status.Errorf(status.ApplicationError, "Invoke called on model that is not ready (state %s)", it.state)
	}
	for step := 0; step < len(it.plan); step++ {
		node := it.nodes[it.plan[step]]
		for ii, id := range node.Inputs {
			if id == tensors.OptionalTensor {
				continue
			}
			t := it.registry.Tensor(id)
			if t.NumBytes() > 0 && !t.IsBound() {
				return status.Errorf(status.ApplicationError, "Invoke: input #%d of %s, tensor %s, has no buffer", ii, node, t)
			}
		}
		it.invoking = true
		err := it.callOp(node, "invoking", func() error {
			return node.op.Invoke(it.ctx, node)
		})
		it.invoking = false
		if err != nil {
			return err
		}
	}
	return nil
}
