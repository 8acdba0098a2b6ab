// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"
	"math"

	applog "specrec/internal/log"
	"specrec/internal/transport"
)

// BandMessage is the display message carrying one set of band levels.
type BandMessage struct {
	Type  string    `json:"type"`
	Bands []float64 `json:"bands"`
}

// BandEnergy splits a magnitude spectrum into equal-width bands and sends the
// RMS level of each band, scaled to [0, 1], to a transport.
type BandEnergy struct {
	transport transport.Transport
	provider  transport.SpectrumProvider
	bands     int
	scale     float64
	scratch   []float64
}

// NewBandEnergy creates a band energy processor reading from provider.
func NewBandEnergy(t transport.Transport, provider transport.SpectrumProvider, bands int) (*BandEnergy, error) {
	if provider == nil {
		return nil, fmt.Errorf("band energy requires a spectrum provider")
	}
	bins := provider.Bins()
	if bands <= 0 || bands > bins {
		return nil, fmt.Errorf("band count must be in [1, %d], got %d", bins, bands)
	}
	applog.Debugf("Analysis: Initializing BandEnergy with %d bands over %d bins", bands, bins)
	return &BandEnergy{
		transport: t,
		provider:  provider,
		bands:     bands,
		// A full-scale sine concentrates N/2 in one bin.
		scale:   2.0 / float64(2*(bins-1)),
		scratch: make([]float64, bins),
	}, nil
}

// Compute returns the band levels of the provider's current spectrum.
func (p *BandEnergy) Compute() []float64 {
	if err := p.provider.MagnitudesInto(p.scratch); err != nil {
		applog.Warnf("BandEnergy: %v", err)
		return nil
	}
	levels := make([]float64, p.bands)
	bins := len(p.scratch)
	for b := range p.bands {
		lo := b * bins / p.bands
		hi := (b + 1) * bins / p.bands
		var energy float64
		for _, m := range p.scratch[lo:hi] {
			energy += m * m
		}
		avg := energy / float64(hi-lo)
		levels[b] = math.Min(1.0, math.Sqrt(avg)*p.scale)
	}
	return levels
}

// Process computes the current band levels and sends them.
func (p *BandEnergy) Process() {
	if p.transport == nil {
		return
	}
	levels := p.Compute()
	if levels == nil {
		return
	}
	if err := p.transport.Send(BandMessage{Type: "bands", Bands: levels}); err != nil {
		applog.Warnf("BandEnergy: Error sending band energy data: %v", err)
	}
}
