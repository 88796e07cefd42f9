// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package arena implements SimpleArena: a contiguous region of memory from which tensor buffers
// are carved by offset.
//
// Allocation is a planning step: Allocate and Deallocate only compute offsets, keeping track of
// the live allocations sorted by offset, and of the high-water mark. Commit then makes sure the
// underlying buffer is large enough, and Resolve returns the slice for an allocation.
//
// A new allocation goes into the first gap (in offset order) between live allocations that is large
// enough, or on top of the highest allocation otherwise.
package arena

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/golite/pkg/lite/status"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Alloc is the position of an allocation within an arena.
type Alloc struct {
	Offset, Size int
}

// End returns the offset one past the last byte of the allocation.
func (a Alloc) End() int { return a.Offset + a.Size }

// Overlaps returns whether the byte ranges of a and b intersect.
// Empty allocations never overlap.
func (a Alloc) Overlaps(b Alloc) bool {
	if a.Size == 0 || b.Size == 0 {
		return false
	}
	return a.Offset < b.End() && b.Offset < a.End()
}

// String implements fmt.Stringer.
func (a Alloc) String() string {
	return fmt.Sprintf("[%d, %d)", a.Offset, a.End())
}

type liveAlloc struct {
	Alloc
	owner int
}

// SimpleArena plans and holds the memory for a set of allocations.
//
// It is not safe for concurrent use.
type SimpleArena struct {
	name           string
	arenaAlignment int

	// live allocations, sorted by offset.
	live          []liveAlloc
	highWaterMark int

	// buffer is aligned to arenaAlignment, and len(buffer) >= highWaterMark after Commit.
	buffer []byte
}

// New creates an empty arena whose base address is aligned to arenaAlignment.
// The name is only used for logging and error messages.
func New(name string, arenaAlignment int) (*SimpleArena, error) {
	if !IsPowerOfTwo(arenaAlignment) {
		return nil, status.Errorf(status.InvalidArgument, "arena %q: alignment %d is not a power of two", name, arenaAlignment)
	}
	return &SimpleArena{name: name, arenaAlignment: arenaAlignment}, nil
}

// Name of the arena.
func (a *SimpleArena) Name() string { return a.name }

// Allocate plans an allocation of size bytes, with its offset aligned to alignment.
// The owner (usually a tensor index) identifies the allocation for Deallocate.
//
// Zero-sized allocations are not tracked: they return Alloc{} and need no Deallocate.
func (a *SimpleArena) Allocate(alignment, size, owner int) (Alloc, error) {
	if !IsPowerOfTwo(alignment) {
		return Alloc{}, status.Errorf(status.InvalidArgument, "arena %q: alignment %d is not a power of two", a.name, alignment)
	}
	if alignment > a.arenaAlignment {
		return Alloc{}, status.Errorf(status.InvalidArgument,
			"arena %q: alignment %d is larger than the arena base alignment %d", a.name, alignment, a.arenaAlignment)
	}
	if size < 0 {
		return Alloc{}, status.Errorf(status.InvalidArgument, "arena %q: negative allocation size %d", a.name, size)
	}
	if size == 0 {
		return Alloc{}, nil
	}

	insertAt := len(a.live)
	offset := -1
	current := 0
	for ii, l := range a.live {
		aligned := AlignTo(current, alignment)
		if aligned <= l.Offset && size <= l.Offset-aligned {
			offset = aligned
			insertAt = ii
			break
		}
		current = max(current, l.End())
	}
	if offset < 0 {
		if current > math.MaxInt-alignment {
			return Alloc{}, status.Errorf(status.ResourceExhausted, "arena %q: offset overflow", a.name)
		}
		offset = AlignTo(current, alignment)
	}
	if size > math.MaxInt-offset {
		return Alloc{}, status.Errorf(status.ResourceExhausted,
			"arena %q: allocation of %d bytes at offset %d overflows", a.name, size, offset)
	}
	alloc := Alloc{Offset: offset, Size: size}
	a.live = slices.Insert(a.live, insertAt, liveAlloc{Alloc: alloc, owner: owner})
	a.highWaterMark = max(a.highWaterMark, alloc.End())
	return alloc, nil
}

// Deallocate releases the planned allocation of owner, so its space can be reused by later calls to Allocate.
func (a *SimpleArena) Deallocate(alloc Alloc, owner int) error {
	if alloc.Size == 0 {
		return nil
	}
	for ii, l := range a.live {
		if l.owner == owner && l.Alloc == alloc {
			a.live = slices.Delete(a.live, ii, ii+1)
			return nil
		}
	}
	return errors.Errorf("arena %q: no live allocation %s for owner %d", a.name, alloc, owner)
}

// ClearPlan drops all planned allocations and resets the high-water mark.
// The underlying buffer is kept, so the next Commit won't reallocate unless the arena grows.
func (a *SimpleArena) ClearPlan() {
	a.live = a.live[:0]
	a.highWaterMark = 0
}

// Commit makes sure the underlying buffer can hold all planned allocations.
//
// If the buffer needs to grow, a new one is allocated and the previous contents are copied over.
// It returns whether the buffer moved: in which case all previously resolved slices must be resolved again.
func (a *SimpleArena) Commit() (moved bool, err error) {
	if a.highWaterMark <= len(a.buffer) {
		return false, nil
	}
	if a.highWaterMark > math.MaxInt-a.arenaAlignment {
		return false, status.Errorf(status.ResourceExhausted, "arena %q: size %d overflows", a.name, a.highWaterMark)
	}
	newBuffer := AlignedBytes(a.highWaterMark, a.arenaAlignment)
	copy(newBuffer, a.buffer)
	if klog.V(2).Enabled() {
		klog.Infof("arena %q grew from %d to %d bytes", a.name, len(a.buffer), len(newBuffer))
	}
	a.buffer = newBuffer
	return true, nil
}

// Resolve returns the slice of the committed buffer for the given allocation.
// The capacity of the returned slice is limited to the allocation size.
func (a *SimpleArena) Resolve(alloc Alloc) ([]byte, error) {
	if alloc.Size == 0 {
		return []byte{}, nil
	}
	if alloc.End() > len(a.buffer) {
		return nil, status.Errorf(status.ApplicationError,
			"arena %q: allocation %s beyond committed size %d, was Commit called?", a.name, alloc, len(a.buffer))
	}
	return a.buffer[alloc.Offset:alloc.End():alloc.End()], nil
}

// ReleaseBuffer frees the underlying buffer. The arena can still be used, and the next Commit will
// allocate a new buffer.
func (a *SimpleArena) ReleaseBuffer() {
	a.buffer = nil
}

// HighWaterMark returns the number of bytes needed by the current plan.
func (a *SimpleArena) HighWaterMark() int { return a.highWaterMark }

// Capacity returns the size of the committed buffer.
func (a *SimpleArena) Capacity() int { return len(a.buffer) }

// NumLive returns the number of live (non-empty) allocations.
func (a *SimpleArena) NumLive() int { return len(a.live) }
