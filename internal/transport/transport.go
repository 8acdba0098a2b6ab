// SPDX-License-Identifier: MIT
package transport

import "errors"

// Transport defines a generic interface for sending processed data or events.
// Implementations should be thread-safe and must not block the caller for
// long; the display branches call Send from their worker goroutines.
type Transport interface {
	Send(data any) error
	Close() error
}

// SpectrumProvider exposes the most recent magnitude spectrum. Polling
// consumers such as the UDP publisher read from it at their own rate.
type SpectrumProvider interface {
	Magnitudes() []float64                 // Magnitudes returns a copy of the latest magnitude spectrum.
	MagnitudesInto(dest []float64) error   // MagnitudesInto copies the latest spectrum into dest without allocating.
	FrequencyForBin(binIndex int) float64  // FrequencyForBin returns the centre frequency (Hz) of a bin.
	Bins() int                             // Bins returns the number of magnitude bins (FFT size / 2 + 1).
}

// Multi sends every message to a list of transports.
type Multi []Transport

// Send forwards data to each transport and joins their errors.
func (m Multi) Send(data any) error {
	var errs []error
	for _, t := range m {
		if err := t.Send(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes each transport and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, t := range m {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Transport = Multi(nil)
