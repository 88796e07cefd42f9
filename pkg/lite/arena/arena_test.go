// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arena

import (
	"math"
	"testing"

	"github.com/gomlx/golite/pkg/lite/status"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlign(t *testing.T) {
	assert.Equal(t, 0, AlignTo(0, 64))
	assert.Equal(t, 64, AlignTo(1, 64))
	assert.Equal(t, 64, AlignTo(64, 64))
	assert.Equal(t, 12, AlignTo(9, 4))
	assert.True(t, IsPowerOfTwo(1))
	assert.True(t, IsPowerOfTwo(64))
	assert.False(t, IsPowerOfTwo(0))
	assert.False(t, IsPowerOfTwo(48))

	for _, alignment := range []int{1, 4, 16, 64, 4096} {
		for _, size := range []int{1, 3, 100, 1000} {
			buf := AlignedBytes(size, alignment)
			require.Len(t, buf, size)
			assert.True(t, IsAligned(buf, alignment))
		}
	}
	assert.Nil(t, AlignedBytes(0, 64))
	assert.Panics(t, func() { AlignedBytes(10, 3) })
}

func TestFirstFit(t *testing.T) {
	a := must.M1(New("test", 64))
	a0 := must.M1(a.Allocate(64, 100, 0))
	a1 := must.M1(a.Allocate(64, 100, 1))
	a2 := must.M1(a.Allocate(64, 10, 2))
	assert.Equal(t, Alloc{0, 100}, a0)
	assert.Equal(t, Alloc{128, 100}, a1)
	assert.Equal(t, Alloc{256, 10}, a2)
	assert.Equal(t, 266, a.HighWaterMark())

	// The freed gap is reused by an allocation that fits, and skipped by one that doesn't.
	require.NoError(t, a.Deallocate(a1, 1))
	a3 := must.M1(a.Allocate(64, 200, 3))
	assert.Equal(t, Alloc{320, 200}, a3)
	a4 := must.M1(a.Allocate(64, 128, 4))
	assert.Equal(t, Alloc{128, 128}, a4)
	assert.Equal(t, 520, a.HighWaterMark())

	// Zero-sized allocations are not tracked.
	assert.Equal(t, Alloc{}, must.M1(a.Allocate(64, 0, 5)))
	require.NoError(t, a.Deallocate(Alloc{}, 5))
	assert.Equal(t, 4, a.NumLive())

	assert.Error(t, a.Deallocate(a1, 1), "double free")
	assert.Error(t, a.Deallocate(a0, 7), "wrong owner")

	a.ClearPlan()
	assert.Equal(t, 0, a.HighWaterMark())
	assert.Equal(t, Alloc{0, 10}, must.M1(a.Allocate(16, 10, 0)))
	assert.Equal(t, Alloc{16, 10}, must.M1(a.Allocate(16, 10, 1)))
}

func TestAllocateErrors(t *testing.T) {
	_, err := New("bad", 12)
	assert.True(t, status.IsInvalidArgument(err))

	a := must.M1(New("test", 16))
	_, err = a.Allocate(3, 10, 0)
	assert.True(t, status.IsInvalidArgument(err))
	_, err = a.Allocate(32, 10, 0)
	assert.True(t, status.IsInvalidArgument(err), "alignment larger than the arena's")
	_, err = a.Allocate(16, -1, 0)
	assert.True(t, status.IsInvalidArgument(err))

	must.M1(a.Allocate(16, math.MaxInt-100, 0))
	_, err = a.Allocate(16, 1000, 1)
	assert.True(t, status.IsResourceExhausted(err))
}

func TestCommit(t *testing.T) {
	a := must.M1(New("test", 64))
	a0 := must.M1(a.Allocate(64, 8, 0))
	_, err := a.Resolve(a0)
	assert.Error(t, err, "resolve before commit")

	moved := must.M1(a.Commit())
	assert.True(t, moved)
	buf0 := must.M1(a.Resolve(a0))
	require.Len(t, buf0, 8)
	assert.True(t, IsAligned(buf0, 64))
	copy(buf0, "abcdefgh")

	assert.False(t, must.M1(a.Commit()), "nothing changed")

	// Growing the arena keeps the contents.
	a1 := must.M1(a.Allocate(64, 1000, 1))
	assert.True(t, must.M1(a.Commit()))
	assert.Equal(t, 1064, a.Capacity())
	assert.Equal(t, "abcdefgh", string(must.M1(a.Resolve(a0))))
	buf1 := must.M1(a.Resolve(a1))
	assert.Len(t, buf1, 1000)
	assert.Equal(t, 1000, cap(buf1))

	// Shrinking plans reuse the buffer.
	a.ClearPlan()
	must.M1(a.Allocate(64, 16, 0))
	assert.False(t, must.M1(a.Commit()))
	assert.Equal(t, 1064, a.Capacity())

	a.ReleaseBuffer()
	assert.Equal(t, 0, a.Capacity())
	assert.NotNil(t, must.M1(a.Resolve(Alloc{})))
}

func TestOverlaps(t *testing.T) {
	assert.True(t, Alloc{0, 10}.Overlaps(Alloc{9, 1}))
	assert.False(t, Alloc{0, 10}.Overlaps(Alloc{10, 1}))
	assert.False(t, Alloc{0, 10}.Overlaps(Alloc{5, 0}))
	assert.Equal(t, "[5, 15)", Alloc{5, 10}.String())
}
