// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package planner implements the ArenaPlanner: it computes the lifetime of every tensor over an
// execution plan, and assigns arena offsets so that tensors alive at the same time never share memory.
//
// Two arenas are used: the working arena, re-planned every time PlanAllocations is called, and the
// persistent arena, for AllocArenaPersistent tensors (variables), whose allocations survive re-plans.
//
// Lifetimes are computed with use counts: graph outputs get an extra use and are never freed; every
// input of a node in the plan counts as one use. Walking the plan, a node's temporaries and outputs
// are allocated, then its inputs are released once their count reaches zero, and finally its
// temporaries. Tensors not produced by any node in the plan (graph inputs, constants) are allocated
// at the first step.
package planner

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/golite/pkg/lite/arena"
	"github.com/gomlx/golite/pkg/lite/status"
	"github.com/gomlx/golite/pkg/lite/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Graph is the view of the model the planner needs.
type Graph interface {
	// Tensors registry.
	Tensors() *tensors.Registry

	// GraphInputs and GraphOutputs return the model inputs and outputs tensor ids.
	GraphInputs() []int
	GraphOutputs() []int

	// PlanLen returns the number of steps in the execution plan.
	PlanLen() int

	// StepTensors returns the tensors used by the node at the given step of the execution plan.
	// Inputs may contain tensors.OptionalTensor.
	StepTensors(step int) (inputs, outputs, temporaries []int)
}

// Config of the Planner.
type Config struct {
	// TensorAlignment is the alignment of every tensor offset within the arenas.
	TensorAlignment int

	// ArenaAlignment is the alignment of the arenas base address. It must be >= TensorAlignment.
	ArenaAlignment int
}

// DefaultConfig uses arena.DefaultAlignment for both alignments.
var DefaultConfig = Config{TensorAlignment: arena.DefaultAlignment, ArenaAlignment: arena.DefaultAlignment}

type eventKind int

const (
	allocEvent eventKind = iota
	deallocEvent
)

// event in the allocation queue: at the given step, tensor is allocated or deallocated.
type event struct {
	step   int
	tensor int
	kind   eventKind
}

// Placement of one tensor, as reported by Layout.
type Placement struct {
	Tensor     int
	Persistent bool
	arena.Alloc
}

// Planner implements the arena planning for a Graph.
type Planner struct {
	graph  Graph
	config Config

	working, persistent *arena.SimpleArena

	// queue of allocation events, sorted by step.
	queue []event

	// workingAllocs holds the current working arena allocation for tensors with hasWorking set.
	workingAllocs []arena.Alloc
	hasWorking    []bool

	persistentAllocs map[int]arena.Alloc
}

// New creates a planner for graph.
func New(graph Graph, config Config) (*Planner, error) {
	if !arena.IsPowerOfTwo(config.TensorAlignment) || !arena.IsPowerOfTwo(config.ArenaAlignment) {
		return nil, status.Errorf(status.InvalidArgument, "planner alignments must be powers of two, got %+v", config)
	}
	if config.ArenaAlignment < config.TensorAlignment {
		return nil, status.Errorf(status.InvalidArgument,
			"arena alignment (%d) must be >= tensor alignment (%d)", config.ArenaAlignment, config.TensorAlignment)
	}
	p := &Planner{
		graph:            graph,
		config:           config,
		persistentAllocs: make(map[int]arena.Alloc),
	}
	var err error
	if p.working, err = arena.New("working", config.ArenaAlignment); err != nil {
		return nil, err
	}
	if p.persistent, err = arena.New("persistent", config.ArenaAlignment); err != nil {
		return nil, err
	}
	return p, nil
}

// Config returns the planner configuration.
func (p *Planner) Config() Config { return p.config }

func (p *Planner) growTables() {
	n := p.graph.Tensors().Len()
	for len(p.workingAllocs) < n {
		p.workingAllocs = append(p.workingAllocs, arena.Alloc{})
		p.hasWorking = append(p.hasWorking, false)
	}
}

// ResetAllocations drops the working arena plan and unbinds all AllocArenaRW tensors.
// Persistent allocations are kept.
func (p *Planner) ResetAllocations() {
	p.working.ClearPlan()
	p.growTables()
	clear(p.hasWorking)
	clear(p.workingAllocs)
	for _, t := range p.graph.Tensors().All() {
		if t.AllocationType() == tensors.AllocArenaRW {
			t.Bind(nil)
		}
	}
}

// PlanAllocations computes the allocation queue for the current execution plan, after resetting the
// working arena. Allocations only happen when ExecuteAllocations is called.
func (p *Planner) PlanAllocations() error {
	p.ResetAllocations()
	registry := p.graph.Tensors()
	numTensors := registry.Len()
	checkID := func(id int, what string) error {
		if id < 0 || id >= numTensors {
			return status.Errorf(status.ApplicationError, "%s tensor id %d out of range [0, %d)", what, id, numTensors)
		}
		return nil
	}

	// Persistent allocations of tensors that are no longer persistent are released.
	for id, alloc := range p.persistentAllocs {
		t := registry.Tensor(id)
		if t == nil || t.AllocationType() != tensors.AllocArenaPersistent {
			if err := p.persistent.Deallocate(alloc, id); err != nil {
				return errors.WithMessagef(err, "releasing persistent allocation of tensor #%d", id)
			}
			delete(p.persistentAllocs, id)
		}
	}

	// Use counts.
	planLen := p.graph.PlanLen()
	refCounts := make([]int, numTensors)
	produced := make([]bool, numTensors)
	for _, id := range p.graph.GraphOutputs() {
		if err := checkID(id, "output"); err != nil {
			return err
		}
		refCounts[id]++
	}
	for step := range planLen {
		inputs, outputs, temporaries := p.graph.StepTensors(step)
		for _, id := range inputs {
			if id == tensors.OptionalTensor {
				continue
			}
			if err := checkID(id, "node input"); err != nil {
				return err
			}
			refCounts[id]++
		}
		for _, id := range outputs {
			if err := checkID(id, "node output"); err != nil {
				return err
			}
			produced[id] = true
		}
		for _, id := range temporaries {
			if err := checkID(id, "node temporary"); err != nil {
				return err
			}
			produced[id] = true
			refCounts[id]++
		}
	}

	p.queue = p.queue[:0]
	queued := make([]bool, numTensors)
	allocate := func(step, id int) {
		if !queued[id] {
			queued[id] = true
			p.queue = append(p.queue, event{step: step, tensor: id, kind: allocEvent})
		}
	}
	// A tensor is only released after the last step that uses it in any role, so a node that runs
	// again later in the plan finds its outputs at the same place.
	lastUse := make([]int, numTensors)
	for step := range planLen {
		inputs, outputs, temporaries := p.graph.StepTensors(step)
		for _, ids := range [][]int{inputs, outputs, temporaries} {
			for _, id := range ids {
				if id != tensors.OptionalTensor {
					lastUse[id] = step
				}
			}
		}
	}
	deferred := make(map[int][]int)
	release := func(step, id int) {
		refCounts[id]--
		if refCounts[id] != 0 {
			return
		}
		if lastUse[id] > step {
			deferred[lastUse[id]] = append(deferred[lastUse[id]], id)
			return
		}
		p.queue = append(p.queue, event{step: step, tensor: id, kind: deallocEvent})
	}

	// Graph inputs first, then every other tensor no node produces.
	for _, id := range p.graph.GraphInputs() {
		if err := checkID(id, "input"); err != nil {
			return err
		}
		allocate(0, id)
	}
	for id := range numTensors {
		if !produced[id] {
			allocate(0, id)
		}
	}

	for step := range planLen {
		inputs, outputs, temporaries := p.graph.StepTensors(step)
		for _, id := range temporaries {
			allocate(step, id)
		}
		// An input consumed before the node that produces it runs is allocated at its first use.
		for _, id := range inputs {
			if id != tensors.OptionalTensor {
				allocate(step, id)
			}
		}
		for _, id := range outputs {
			allocate(step, id)
		}
		for _, id := range inputs {
			if id != tensors.OptionalTensor {
				release(step, id)
			}
		}
		for _, id := range temporaries {
			release(step, id)
		}
		for _, id := range deferred[step] {
			p.queue = append(p.queue, event{step: step, tensor: id, kind: deallocEvent})
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("planner: %d allocation events for %d tensors over %d steps", len(p.queue), numTensors, planLen)
	}
	return nil
}

// ExecuteAllocations runs the allocation events of the steps [firstStep, lastStep], commits the arenas
// and binds the buffers of all arena tensors allocated so far.
//
// It can be called repeatedly on consecutive ranges of steps, so that tensors whose sizes are only
// known after some nodes run can be planned later.
func (p *Planner) ExecuteAllocations(firstStep, lastStep int) error {
	p.growTables()
	registry := p.graph.Tensors()
	alignment := p.config.TensorAlignment
	for _, e := range p.queue {
		if e.step < firstStep || e.step > lastStep {
			continue
		}
		t := registry.Tensor(e.tensor)
		switch e.kind {
		case allocEvent:
			switch t.AllocationType() {
			case tensors.AllocArenaRW:
				if p.hasWorking[e.tensor] {
					continue
				}
				alloc, err := p.working.Allocate(alignment, t.NumBytes(), e.tensor)
				if err != nil {
					return errors.WithMessagef(err, "allocating tensor %s", t)
				}
				p.workingAllocs[e.tensor] = alloc
				p.hasWorking[e.tensor] = true

			case tensors.AllocArenaPersistent:
				if err := p.allocatePersistent(t); err != nil {
					return err
				}
			}

		case deallocEvent:
			if !p.hasWorking[e.tensor] {
				continue
			}
			if err := p.working.Deallocate(p.workingAllocs[e.tensor], e.tensor); err != nil {
				return errors.WithMessagef(err, "releasing tensor %s", t)
			}
		}
	}
	return p.commit()
}

func (p *Planner) allocatePersistent(t *tensors.Tensor) error {
	id := t.ID()
	if alloc, found := p.persistentAllocs[id]; found {
		if alloc.Size == t.NumBytes() {
			return nil
		}
		if err := p.persistent.Deallocate(alloc, id); err != nil {
			return errors.WithMessagef(err, "releasing persistent tensor %s", t)
		}
		delete(p.persistentAllocs, id)
	}
	alloc, err := p.persistent.Allocate(p.config.TensorAlignment, t.NumBytes(), id)
	if err != nil {
		return errors.WithMessagef(err, "allocating persistent tensor %s", t)
	}
	p.persistentAllocs[id] = alloc
	if _, err = p.persistent.Commit(); err != nil {
		return err
	}
	// A reused region may hold stale contents from a released tensor.
	buf, err := p.persistent.Resolve(alloc)
	if err != nil {
		return err
	}
	clear(buf)
	return nil
}

// commit grows the arenas if needed and binds every arena tensor with an allocation to its buffer.
func (p *Planner) commit() error {
	if _, err := p.working.Commit(); err != nil {
		return err
	}
	if _, err := p.persistent.Commit(); err != nil {
		return err
	}
	for id, t := range p.graph.Tensors().All() {
		var (
			a     *arena.SimpleArena
			alloc arena.Alloc
		)
		switch t.AllocationType() {
		case tensors.AllocArenaRW:
			if !p.hasWorking[id] {
				continue
			}
			a, alloc = p.working, p.workingAllocs[id]
		case tensors.AllocArenaPersistent:
			var found bool
			if alloc, found = p.persistentAllocs[id]; !found {
				continue
			}
			a = p.persistent
		default:
			continue
		}
		if alloc.Size != t.NumBytes() {
			return status.Errorf(status.ApplicationError,
				"tensor %s was resized to %d bytes after being allocated with %d bytes", t, t.NumBytes(), alloc.Size)
		}
		buf, err := a.Resolve(alloc)
		if err != nil {
			return err
		}
		t.Bind(buf)
	}
	return nil
}

// ReleaseMemory frees the buffers of both arenas and unbinds the arena tensors.
// A new PlanAllocations and ExecuteAllocations are needed before the tensors can be used again, and
// persistent tensors lose their contents.
func (p *Planner) ReleaseMemory() {
	p.ResetAllocations()
	p.working.ReleaseBuffer()
	p.persistent.ClearPlan()
	p.persistent.ReleaseBuffer()
	clear(p.persistentAllocs)
	for _, t := range p.graph.Tensors().All() {
		if t.AllocationType() == tensors.AllocArenaPersistent {
			t.Bind(nil)
		}
	}
}

// ArenaSize returns the size of the committed working arena.
func (p *Planner) ArenaSize() int { return p.working.Capacity() }

// PersistentArenaSize returns the size of the committed persistent arena.
func (p *Planner) PersistentArenaSize() int { return p.persistent.Capacity() }

// Offset returns the allocation of the tensor, and whether it is in the persistent arena.
// It returns ok=false if the tensor has no arena allocation.
func (p *Planner) Offset(id int) (alloc arena.Alloc, persistent bool, ok bool) {
	if alloc, found := p.persistentAllocs[id]; found {
		return alloc, true, true
	}
	if id >= 0 && id < len(p.hasWorking) && p.hasWorking[id] {
		return p.workingAllocs[id], false, true
	}
	return arena.Alloc{}, false, false
}

// Layout returns the placement of every tensor with an arena allocation, in tensor id order.
func (p *Planner) Layout() []Placement {
	var placements []Placement
	for id := range p.graph.Tensors().Len() {
		if alloc, persistent, ok := p.Offset(id); ok {
			placements = append(placements, Placement{Tensor: id, Persistent: persistent, Alloc: alloc})
		}
	}
	return placements
}

// LogSummary logs (klog.V(1)) the arena sizes.
func (p *Planner) LogSummary() {
	if klog.V(1).Enabled() {
		klog.Infof("arena plan: working arena %s (high-water mark %s), persistent arena %s",
			humanize.IBytes(uint64(p.working.Capacity())), humanize.IBytes(uint64(p.working.HighWaterMark())),
			humanize.IBytes(uint64(p.persistent.Capacity())))
	}
}
