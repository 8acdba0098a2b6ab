// SPDX-License-Identifier: MIT
package spectral

import (
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Pre-allocated buffers for one FFT calculation. fourier.FFT keeps internal
// work space, so each concurrent call needs its own.
type gonumWorkspace struct {
	fft    *fourier.FFT
	input  []float64
	output []complex128
}

// Gonum is a Transformer backed by gonum's real FFT.
type Gonum struct {
	prep
	pool sync.Pool
}

var _ Transformer = (*Gonum)(nil)

// NewGonum creates a gonum transformer for frames of size samples.
func NewGonum(size int, opts Options) (*Gonum, error) {
	p, err := newPrep(size, opts)
	if err != nil {
		return nil, err
	}
	g := &Gonum{prep: p}
	g.pool.New = func() any {
		return &gonumWorkspace{
			fft:    fourier.NewFFT(size),
			input:  make([]float64, size),
			output: make([]complex128, size/2+1),
		}
	}
	return g, nil
}

// Size returns the number of input samples per frame.
func (g *Gonum) Size() int {
	return g.size
}

// Transform implements Transformer.
func (g *Gonum) Transform(frame []float32) (Frame, error) {
	ws := g.pool.Get().(*gonumWorkspace)
	defer g.pool.Put(ws)

	if err := g.load(ws.input, frame); err != nil {
		return nil, err
	}
	ws.fft.Coefficients(ws.output, ws.input)
	return g.interleave(ws.output), nil
}
