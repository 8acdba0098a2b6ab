// SPDX-License-Identifier: MIT
/*
Package analysis derives display data from the spectral stream: the latest
magnitude spectrum, band energies and waveform levels. None of it feeds the
recorder; it only serves the display transports.
*/
package analysis

import (
	"fmt"
	"sync"

	"specrec/internal/spectral"
	"specrec/internal/transport"
)

// Snapshot holds the magnitude spectrum of the most recent spectral frame.
// Update is called by the spectrum branch; any number of readers may poll.
type Snapshot struct {
	fftSize    int
	sampleRate float64

	mu        sync.RWMutex
	magnitude []float64
	updates   uint64
}

var _ transport.SpectrumProvider = (*Snapshot)(nil)

// NewSnapshot creates an empty snapshot for transforms of fftSize samples.
func NewSnapshot(fftSize int, sampleRate float64) (*Snapshot, error) {
	if fftSize < 2 {
		return nil, fmt.Errorf("fft size must be at least 2, got %d", fftSize)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %f", sampleRate)
	}
	return &Snapshot{
		fftSize:    fftSize,
		sampleRate: sampleRate,
		magnitude:  make([]float64, fftSize/2+1),
	}, nil
}

// Update replaces the stored spectrum with the magnitudes of frame. Frames of
// the wrong length are ignored.
func (s *Snapshot) Update(frame spectral.Frame) {
	if len(frame) != s.fftSize+2 {
		return
	}
	s.mu.Lock()
	s.magnitude = spectral.Magnitudes(frame, s.magnitude)
	s.updates++
	s.mu.Unlock()
}

// Magnitudes returns a copy of the latest magnitude spectrum.
// NOTE: This allocates on every call. Use MagnitudesInto on hot paths.
func (s *Snapshot) Magnitudes() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]float64, len(s.magnitude))
	copy(out, s.magnitude)
	return out
}

// MagnitudesInto copies the latest spectrum into dest, which must have
// exactly Bins() elements.
func (s *Snapshot) MagnitudesInto(dest []float64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(dest) != len(s.magnitude) {
		return fmt.Errorf("destination slice length %d does not match required length %d", len(dest), len(s.magnitude))
	}
	copy(dest, s.magnitude)
	return nil
}

// FrequencyForBin returns the centre frequency (Hz) for a given bin index.
func (s *Snapshot) FrequencyForBin(binIndex int) float64 {
	return spectral.BinFrequency(binIndex, s.fftSize, s.sampleRate)
}

// Bins returns the number of magnitude bins.
func (s *Snapshot) Bins() int {
	return s.fftSize/2 + 1
}

// FFTSize returns the configured transform size.
func (s *Snapshot) FFTSize() int {
	return s.fftSize
}

// SampleRate returns the configured sample rate (Hz).
func (s *Snapshot) SampleRate() float64 {
	return s.sampleRate
}

// Updates returns how many frames have been stored.
func (s *Snapshot) Updates() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updates
}
