// SPDX-License-Identifier: MIT
/*
Package frame cuts the capture stream into fixed-size transform frames.

Capture chunks arrive with arbitrary lengths. The Accumulator appends each
chunk to a carry buffer and slices off exactly Size samples at a time, in
arrival order, moving any remainder to the head of the buffer for the next
push. No sample is skipped and no sample appears in two frames.
*/
package frame

import (
	"errors"
	"fmt"

	"specrec/pkg/bitint"
)

// ErrOverflow reports a chunk that does not fit in the carry buffer's free
// space. It means the buffer is sized too small for the capture burst and is
// not recoverable by dropping samples.
var ErrOverflow = errors.New("frame: carry buffer overflow")

// Chunk is one block of mono samples delivered by a capture source.
type Chunk = []float32

// Accumulator turns chunks into frames of a fixed size. It is not safe for
// concurrent use; the capture loop owns it.
type Accumulator struct {
	size   int
	carry  []float32
	offset int // number of valid samples at the head of carry
}

// NewAccumulator creates an accumulator emitting frames of size samples.
// A capacity of 0 selects twice the frame size; other values are rounded up
// to a power of two and must hold at least two frames.
func NewAccumulator(size, capacity int) (*Accumulator, error) {
	if !bitint.IsPowerOfTwo(size) {
		return nil, fmt.Errorf("frame: size must be a power of 2, got %d", size)
	}
	if capacity == 0 {
		capacity = 2 * size
	}
	capacity = bitint.NextPowerOfTwo(capacity)
	if capacity < 2*size {
		return nil, fmt.Errorf("frame: capacity %d must hold at least two frames of %d", capacity, size)
	}
	return &Accumulator{
		size:  size,
		carry: make([]float32, capacity),
	}, nil
}

// Size returns the frame size.
func (a *Accumulator) Size() int {
	return a.size
}

// Capacity returns the carry buffer size.
func (a *Accumulator) Capacity() int {
	return len(a.carry)
}

// Buffered returns the number of samples waiting for the next frame.
func (a *Accumulator) Buffered() int {
	return a.offset
}

// Push appends chunk and returns every frame completed by it, oldest first.
// Each returned frame is a fresh slice owned by the caller. On ErrOverflow
// nothing from chunk is consumed.
func (a *Accumulator) Push(chunk Chunk) ([][]float32, error) {
	if free := len(a.carry) - a.offset; len(chunk) > free {
		return nil, fmt.Errorf("%w: chunk of %d samples, %d free of %d", ErrOverflow, len(chunk), free, len(a.carry))
	}
	a.offset += copy(a.carry[a.offset:], chunk)

	var frames [][]float32
	start := 0
	for a.offset-start >= a.size {
		f := make([]float32, a.size)
		copy(f, a.carry[start:start+a.size])
		frames = append(frames, f)
		start += a.size
	}
	if start > 0 {
		a.offset = copy(a.carry, a.carry[start:a.offset])
	}
	return frames, nil
}

// Reset discards any carried samples.
func (a *Accumulator) Reset() {
	a.offset = 0
}
