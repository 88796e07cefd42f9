// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package strtensor implements the variable-length encoding used to store String tensors.
//
// The layout, all integers little-endian int32:
//
//	[count][offset_0][offset_1]...[offset_count][bytes...]
//
// Offsets are measured from the start of the buffer, and string i spans [offset_i, offset_{i+1}).
// So the header takes 4*(count+2) bytes, and offset_count is the total size of the buffer.
package strtensor

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

const int32Size = 4

// HeaderSize returns the number of bytes used by the header for count strings.
func HeaderSize(count int) int {
	return int32Size * (count + 2)
}

func readInt32(data []byte, idx int) int {
	return int(int32(binary.LittleEndian.Uint32(data[idx*int32Size:])))
}

// Count returns the number of strings encoded in data.
// It returns 0 for empty data: an unwritten String tensor holds no strings.
func Count(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if len(data) < int32Size {
		return 0, errors.Errorf("string buffer too short (%d bytes) to hold the count", len(data))
	}
	count := readInt32(data, 0)
	if count < 0 {
		return 0, errors.Errorf("string buffer holds a negative count (%d)", count)
	}
	return count, nil
}

// Validate checks that data is a complete encoding and returns the number of strings.
func Validate(data []byte) (count int, err error) {
	count, err = Count(data)
	if err != nil || len(data) == 0 {
		return
	}
	if HeaderSize(count) > len(data) {
		return 0, errors.Errorf("string buffer of %d bytes too short for the header of %d strings", len(data), count)
	}
	previous := HeaderSize(count)
	for ii := 0; ii <= count; ii++ {
		offset := readInt32(data, ii+1)
		if offset < previous || offset > len(data) {
			return 0, errors.Errorf("string buffer offset #%d (%d) out of order or out of bounds [%d, %d]",
				ii, offset, previous, len(data))
		}
		previous = offset
	}
	if previous != len(data) {
		return 0, errors.Errorf("string buffer last offset (%d) doesn't match its size (%d)", previous, len(data))
	}
	return count, nil
}

// Get returns a view (not a copy) of the i-th string encoded in data.
func Get(data []byte, i int) ([]byte, error) {
	count, err := Count(data)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= count {
		return nil, errors.Errorf("string index %d out of range [0, %d)", i, count)
	}
	header := HeaderSize(count)
	if header > len(data) {
		return nil, errors.Errorf("string buffer of %d bytes too short for the header of %d strings", len(data), count)
	}
	start, end := readInt32(data, i+1), readInt32(data, i+2)
	if start < header || end < start || end > len(data) {
		return nil, errors.Errorf("string #%d has invalid offsets [%d, %d) for buffer of %d bytes", i, start, end, len(data))
	}
	return data[start:end], nil
}

// Buffer accumulates strings to be encoded.
//
// The zero value is an empty buffer ready to use.
type Buffer struct {
	data    []byte
	offsets []int
}

// AddString appends a copy of str.
func (b *Buffer) AddString(str []byte) {
	b.data = append(b.data, str...)
	b.offsets = append(b.offsets, len(b.data))
}

// AddJoinedString appends the concatenation of the pieces, separated by separator.
func (b *Buffer) AddJoinedString(pieces [][]byte, separator byte) {
	for ii, piece := range pieces {
		if ii > 0 {
			b.data = append(b.data, separator)
		}
		b.data = append(b.data, piece...)
	}
	b.offsets = append(b.offsets, len(b.data))
}

// Len returns the number of strings added.
func (b *Buffer) Len() int {
	return len(b.offsets)
}

// EncodedSize returns the number of bytes Encode will produce.
func (b *Buffer) EncodedSize() int {
	return HeaderSize(len(b.offsets)) + len(b.data)
}

// Encode returns the encoded strings.
func (b *Buffer) Encode() ([]byte, error) {
	total := b.EncodedSize()
	if total > math.MaxInt32 {
		return nil, errors.Errorf("string buffer of %d bytes exceeds the maximum encodable size", total)
	}
	out := make([]byte, total)
	b.EncodeInto(out)
	return out, nil
}

// EncodeInto writes the encoding into out, which must have exactly EncodedSize bytes.
// It panics otherwise.
func (b *Buffer) EncodeInto(out []byte) {
	if len(out) != b.EncodedSize() {
		panic(errors.Errorf("strtensor.Buffer.EncodeInto requires a buffer of %d bytes, got %d", b.EncodedSize(), len(out)))
	}
	count := len(b.offsets)
	header := HeaderSize(count)
	binary.LittleEndian.PutUint32(out, uint32(count))
	binary.LittleEndian.PutUint32(out[int32Size:], uint32(header))
	for ii, end := range b.offsets {
		binary.LittleEndian.PutUint32(out[int32Size*(ii+2):], uint32(header+end))
	}
	copy(out[header:], b.data)
}
