// SPDX-License-Identifier: MIT
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	applog "specrec/internal/log"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WavSource replays the samples of a WAV file as a stream.
type WavSource struct {
	streamState

	path      string
	samples   []float32
	rate      float64
	chunkSize int
	realtime  bool
}

var _ Source = (*WavSource)(nil)

// OpenWav decodes path into memory. Multi-channel files are mixed down to
// mono. With realtime set, chunks are paced at the file's sample rate.
func OpenWav(path string, chunkSize int, realtime bool) (*WavSource, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size: %d", chunkSize)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("not a valid wav file: '%s'", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if dec.SampleRate == 0 || dec.NumChans == 0 || dec.BitDepth == 0 {
		return nil, fmt.Errorf("wav file %s has an incomplete format chunk", path)
	}

	channels := int(dec.NumChans)
	scale := 1 / float32(int(1)<<(dec.BitDepth-1))
	interleaved := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		interleaved[i] = float32(v) * scale
	}

	s := &WavSource{
		path:      path,
		samples:   mixdown(make([]float32, 0, len(interleaved)/channels), interleaved, channels),
		rate:      float64(dec.SampleRate),
		chunkSize: chunkSize,
		realtime:  realtime,
	}
	applog.Debugf("Capture: Loaded %s (%d samples, %d ch, %d bit, %.0f Hz)",
		path, len(s.samples), channels, dec.BitDepth, s.rate)
	return s, nil
}

// Len returns the number of mono samples in the file.
func (s *WavSource) Len() int {
	return len(s.samples)
}

// Stream implements Source. The channel closes after the last sample and
// Err then returns ErrStreamEnded.
func (s *WavSource) Stream(ctx context.Context) (<-chan []float32, error) {
	ctx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}

	applog.Infof("Capture: Replaying %s (realtime=%t)", s.path, s.realtime)

	out := make(chan []float32)
	go func() {
		defer close(out)
		var err error
		defer func() { s.finish(err) }()

		var tick <-chan time.Time
		if s.realtime {
			period := time.Duration(float64(s.chunkSize) / s.rate * float64(time.Second))
			ticker := time.NewTicker(period)
			defer ticker.Stop()
			tick = ticker.C
		}

		for start := 0; start < len(s.samples); start += s.chunkSize {
			end := min(start+s.chunkSize, len(s.samples))
			chunk := make([]float32, end-start)
			copy(chunk, s.samples[start:end])

			if tick != nil {
				select {
				case <-tick:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		err = ErrStreamEnded
	}()
	return out, nil
}

// Close implements Source.
func (s *WavSource) Close() error {
	s.stop()
	return nil
}

// SampleRate implements Source.
func (s *WavSource) SampleRate() float64 {
	return s.rate
}

// WriteWav stores mono samples in [-1, 1] as a 16-bit PCM WAV file.
// Out-of-range samples are clipped.
func WriteWav(path string, samples []float32, sampleRate int) (err error) {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", sampleRate)
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	const bitDepth = 16
	enc := wav.NewEncoder(file, sampleRate, bitDepth, 1, 1)

	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: 1,
			SampleRate:  sampleRate,
		},
		Data:           make([]int, len(samples)),
		SourceBitDepth: bitDepth,
	}
	for i, v := range samples {
		v = max(-1, min(1, v))
		buf.Data[i] = int(v * 32767)
	}

	if err := enc.Write(buf); err != nil {
		return errors.Join(fmt.Errorf("failed to write %s: %w", path, err), enc.Close())
	}
	return enc.Close()
}
