// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arena

import (
	"unsafe"

	"github.com/gomlx/exceptions"
)

// DefaultAlignment is the default alignment, in bytes, of tensor buffers and of the arena base.
const DefaultAlignment = 64

// IsPowerOfTwo returns whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// AlignTo rounds offset up to the next multiple of alignment, which must be a power of two.
func AlignTo(offset, alignment int) int {
	return (offset + alignment - 1) &^ (alignment - 1)
}

// IsAligned returns whether the first byte of buf is aligned to alignment.
// An empty buf is considered aligned.
func IsAligned(buf []byte, alignment int) bool {
	if len(buf) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&buf[0]))%uintptr(alignment) == 0
}

// AlignedBytes allocates a zeroed byte slice of the given size whose first byte is aligned
// to alignment (a power of two).
//
// It returns nil for size 0.
func AlignedBytes(size, alignment int) []byte {
	if !IsPowerOfTwo(alignment) {
		exceptions.Panicf("arena.AlignedBytes(%d, %d): alignment must be a power of two", size, alignment)
	}
	if size == 0 {
		return nil
	}
	buf := make([]byte, size+alignment-1)
	offset := 0
	if mod := int(uintptr(unsafe.Pointer(&buf[0])) % uintptr(alignment)); mod != 0 {
		offset = alignment - mod
	}
	return buf[offset : offset+size : offset+size]
}
