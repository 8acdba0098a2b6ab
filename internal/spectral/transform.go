// SPDX-License-Identifier: MIT
/*
Package spectral turns time-domain frames into spectral frames.

A spectral frame for an N-sample input holds N+2 float32 values: the N/2+1
complex bins of the real FFT, interleaved as re0, im0, re1, im1, ... The DC
bin and the Nyquist bin are real, so their imaginary parts are always zero.

Transformers are pure: the same input always gives the same output, no state
survives between calls, and a Transformer may be shared by any number of
goroutines.
*/
package spectral

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"specrec/pkg/bitint"
)

// ErrFrameSize is returned when a frame does not match the transform size.
var ErrFrameSize = errors.New("spectral: frame size mismatch")

// ErrInvalidSample is returned when a frame contains NaN or infinite samples.
var ErrInvalidSample = errors.New("spectral: invalid sample")

// Frame is an interleaved real/imaginary spectrum of Size()+2 values.
type Frame = []float32

// Transformer computes the spectrum of one frame.
type Transformer interface {
	// Transform returns a newly allocated spectral frame for frame, which
	// must have exactly Size() samples. frame is not modified.
	Transform(frame []float32) (Frame, error)
	// Size returns the number of input samples per frame.
	Size() int
}

// Kinds accepted by New.
const (
	KindGonum = "gonum"
	KindGoDSP = "godsp"
)

// Options adjust the input before it is transformed.
type Options struct {
	Gain   float64    // Multiplier applied to every sample; 0 means 1.
	Window WindowFunc // Window applied after the gain.
}

// New creates a transformer of the given kind.
func New(kind string, size int, opts Options) (Transformer, error) {
	switch strings.ToLower(kind) {
	case "", KindGonum:
		return NewGonum(size, opts)
	case KindGoDSP:
		return NewGoDSP(size, opts)
	default:
		return nil, fmt.Errorf("unknown transform kind: '%s'", kind)
	}
}

// prep holds what both implementations share: size checks and the
// gain-scaled window coefficients.
type prep struct {
	size   int
	coeffs []float64 // gain * window[i]
}

func newPrep(size int, opts Options) (prep, error) {
	if !bitint.IsPowerOfTwo(size) || size < 2 {
		return prep{}, fmt.Errorf("transform size must be a power of 2, got %d", size)
	}
	gain := opts.Gain
	if gain == 0 {
		gain = 1
	}
	coeffs := windowCoefficients(size, opts.Window)
	for i := range coeffs {
		coeffs[i] *= gain
	}
	return prep{size: size, coeffs: coeffs}, nil
}

// load checks frame and writes the scaled, windowed samples into dst.
func (p prep) load(dst []float64, frame []float32) error {
	if len(frame) != p.size {
		return fmt.Errorf("%w: got %d samples, want %d", ErrFrameSize, len(frame), p.size)
	}
	for i, s := range frame {
		v := float64(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: sample %d is %v", ErrInvalidSample, i, s)
		}
		dst[i] = v * p.coeffs[i]
	}
	return nil
}

// interleave packs the first N/2+1 bins of spectrum into a new Frame.
func (p prep) interleave(spectrum []complex128) Frame {
	bins := p.size/2 + 1
	out := make(Frame, 2*bins)
	for i := range bins {
		c := spectrum[i]
		out[2*i] = float32(real(c))
		out[2*i+1] = float32(imag(c))
	}
	out[1] = 0
	out[2*bins-1] = 0
	return out
}

// Magnitudes writes the magnitude of every bin of frame into dst, growing it
// if needed, and returns it.
func Magnitudes(frame Frame, dst []float64) []float64 {
	bins := len(frame) / 2
	if cap(dst) < bins {
		dst = make([]float64, bins)
	}
	dst = dst[:bins]
	for i := range bins {
		dst[i] = math.Hypot(float64(frame[2*i]), float64(frame[2*i+1]))
	}
	return dst
}

// BinFrequency returns the centre frequency in Hz of bin for a transform of
// size samples at sampleRate. Out-of-range bins return 0.
func BinFrequency(bin, size int, sampleRate float64) float64 {
	if bin < 0 || bin > size/2 || size <= 0 {
		return 0
	}
	return float64(bin) * sampleRate / float64(size)
}
