// SPDX-License-Identifier: MIT
package spectral

import (
	"github.com/mjibson/go-dsp/fft"
)

// GoDSP is a Transformer backed by go-dsp's FFTReal. It allocates per call
// and needs no pooling; go-dsp guards its factor cache internally.
type GoDSP struct {
	prep
}

var _ Transformer = (*GoDSP)(nil)

// NewGoDSP creates a go-dsp transformer for frames of size samples.
func NewGoDSP(size int, opts Options) (*GoDSP, error) {
	p, err := newPrep(size, opts)
	if err != nil {
		return nil, err
	}
	return &GoDSP{prep: p}, nil
}

// Size returns the number of input samples per frame.
func (d *GoDSP) Size() int {
	return d.size
}

// Transform implements Transformer.
func (d *GoDSP) Transform(frame []float32) (Frame, error) {
	input := make([]float64, d.size)
	if err := d.load(input, frame); err != nil {
		return nil, err
	}
	return d.interleave(fft.FFTReal(input)), nil
}
