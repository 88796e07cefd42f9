// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interpreter

import (
	"slices"

	"github.com/gomlx/golite/pkg/lite/planner"
	"github.com/gomlx/golite/pkg/lite/status"
	"github.com/gomlx/golite/pkg/lite/tensors"
)

// ExecutionPlan returns a copy of the node indices executed by Invoke, in order.
func (it *Interpreter) ExecutionPlan() []int {
	return slices.Clone(it.plan)
}

// SetExecutionPlan sets the nodes executed by Invoke, in order. Subsets and repeated nodes are accepted,
// and an empty plan makes Invoke a no-op.
//
// If the interpreter is ready, the memory is re-planned for the new plan before returning.
func (it *Interpreter) SetExecutionPlan(plan []int) error {
	if err := it.checkNotClosed(); err != nil {
		return err
	}
	for ii, nodeIdx := range plan {
		if nodeIdx < 0 || nodeIdx >= len(it.nodes) {
			return status.Errorf(status.InvalidArgument, "invalid node index %d in execution plan position #%d, only %d nodes defined",
				nodeIdx, ii, len(it.nodes))
		}
	}
	wasReady := it.state == StateReady
	it.plan = slices.Clone(plan)
	if it.plan == nil {
		it.plan = []int{}
	}
	it.invalidate()
	if wasReady {
		return it.AllocateTensors()
	}
	return nil
}

// graphView implements planner.Graph for the interpreter.
type graphView Interpreter

var _ planner.Graph = (*graphView)(nil)

func (g *graphView) Tensors() *tensors.Registry { return g.registry }
func (g *graphView) GraphInputs() []int         { return g.inputs }
func (g *graphView) GraphOutputs() []int        { return g.outputs }
func (g *graphView) PlanLen() int               { return len(g.plan) }

func (g *graphView) StepTensors(step int) (inputs, outputs, temporaries []int) {
	node := g.nodes[g.plan[step]]
	return node.Inputs, node.Outputs, node.Temporaries
}
