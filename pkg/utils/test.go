// SPDX-License-Identifier: MIT
//
// Package utils holds signal generators and fakes shared by package tests.
package utils

import (
	"math"
	"sync"
)

// MockTransport implements the Transport interface for testing. It records
// every message it is sent.
type MockTransport struct {
	mu       sync.Mutex
	messages []any
	closed   bool
	SendErr  error
}

// NewMockTransport returns an empty MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Send stores the data for later inspection instead of transmitting. Float
// slices are copied so later changes by the caller are not observed.
func (m *MockTransport) Send(data any) error {
	switch v := data.(type) {
	case []float64:
		data = append([]float64(nil), v...)
	case []float32:
		data = append([]float32(nil), v...)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, data)
	return m.SendErr
}

// Close marks the transport closed.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Messages returns a copy of everything sent so far.
func (m *MockTransport) Messages() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.messages...)
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Sine returns size samples of a sine at frequency Hz with the given amplitude.
func Sine(size int, frequency, sampleRate, amplitude float64) []float32 {
	buffer := make([]float32, size)
	for i := range buffer {
		t := float64(i) / sampleRate
		buffer[i] = float32(amplitude * math.Sin(2*math.Pi*frequency*t))
	}
	return buffer
}

// GenerateComplexWave returns a 440Hz fundamental plus two harmonics, peaking
// at 0.9 full scale.
func GenerateComplexWave(size int, sampleRate float64) []float32 {
	buffer := make([]float32, size)
	for i := range buffer {
		tm := float64(i) / sampleRate
		signal := math.Sin(2*math.Pi*440*tm)*0.5 +
			math.Sin(2*math.Pi*880*tm)*0.3 +
			math.Sin(2*math.Pi*1320*tm)*0.2
		buffer[i] = float32(signal * 0.9)
	}
	return buffer
}

// Ramp returns size samples counting up from start by one.
func Ramp(start, size int) []float32 {
	buffer := make([]float32, size)
	for i := range buffer {
		buffer[i] = float32(start + i)
	}
	return buffer
}

// Chunk splits samples into consecutive pieces of at most n samples.
func Chunk(samples []float32, n int) [][]float32 {
	var chunks [][]float32
	for len(samples) > 0 {
		k := min(n, len(samples))
		chunks = append(chunks, samples[:k])
		samples = samples[k:]
	}
	return chunks
}

// FindPeakBin returns the index of the largest magnitude in [startBin, endBin].
func FindPeakBin(magnitudes []float64, startBin, endBin int) int {
	if len(magnitudes) == 0 {
		return 0
	}
	if startBin < 0 {
		startBin = 0
	}
	if endBin >= len(magnitudes) {
		endBin = len(magnitudes) - 1
	}

	peakBin := startBin
	peakValue := magnitudes[startBin]
	for bin := startBin + 1; bin <= endBin; bin++ {
		if magnitudes[bin] > peakValue {
			peakValue = magnitudes[bin]
			peakBin = bin
		}
	}
	return peakBin
}
