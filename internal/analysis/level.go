// SPDX-License-Identifier: MIT
package analysis

import (
	"math"
)

// WaveformMessage is the display message for one time-domain frame.
type WaveformMessage struct {
	Type   string    `json:"type"`
	RMS    float64   `json:"rms"`
	Peak   float64   `json:"peak"`
	Points []float32 `json:"points"`
}

// Waveform summarises frame for the waveform view: its RMS and peak level and
// at most points samples, each the extreme value of its stretch of the frame.
func Waveform(frame []float32, points int) WaveformMessage {
	msg := WaveformMessage{Type: "waveform", RMS: calculateRMS(frame)}
	for _, s := range frame {
		msg.Peak = math.Max(msg.Peak, math.Abs(float64(s)))
	}
	msg.Points = decimate(frame, points)
	return msg
}

// calculateRMS calculates the root mean square level of the frame.
func calculateRMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0.0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// decimate keeps the largest-magnitude sample of each of points equal stretches.
func decimate(frame []float32, points int) []float32 {
	if points <= 0 || len(frame) <= points {
		return append([]float32(nil), frame...)
	}
	out := make([]float32, points)
	for p := range points {
		lo := p * len(frame) / points
		hi := (p + 1) * len(frame) / points
		best := frame[lo]
		for _, s := range frame[lo+1 : hi] {
			if math.Abs(float64(s)) > math.Abs(float64(best)) {
				best = s
			}
		}
		out[p] = best
	}
	return out
}
