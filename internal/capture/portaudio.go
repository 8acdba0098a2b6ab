// SPDX-License-Identifier: MIT
package capture

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"specrec/internal/config"
	applog "specrec/internal/log"

	"github.com/gordonklaus/portaudio"
)

// PortAudioSource captures from an input device. PortAudio must be
// initialised with Initialize before Stream is called.
type PortAudioSource struct {
	streamState

	device          *portaudio.DeviceInfo
	channels        int
	framesPerBuffer int
	sampleRate      float64
	latency         time.Duration

	stream *portaudio.Stream
}

var _ Source = (*PortAudioSource)(nil)

// NewPortAudioSource resolves the configured input device.
func NewPortAudioSource(cfg config.AudioConfig) (*PortAudioSource, error) {
	device, err := InputDevice(cfg.InputDevice)
	if err != nil {
		return nil, err
	}
	if cfg.InputChannels > device.MaxInputChannels {
		return nil, fmt.Errorf("device %s supports %d input channels, %d requested",
			device.Name, device.MaxInputChannels, cfg.InputChannels)
	}

	s := &PortAudioSource{
		device:          device,
		channels:        cfg.InputChannels,
		framesPerBuffer: cfg.FramesPerBuffer,
		sampleRate:      cfg.SampleRate,
		latency:         device.DefaultHighInputLatency,
	}
	if cfg.LowLatency {
		s.latency = device.DefaultLowInputLatency
	}
	return s, nil
}

// Stream opens and starts the input stream.
func (s *PortAudioSource) Stream(ctx context.Context) (<-chan []float32, error) {
	ctx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Channels: s.channels,
			Device:   s.device,
			Latency:  s.latency,
		},
		Output: portaudio.StreamDeviceParameters{
			Channels: 0, // No output device
			Device:   nil,
		},
		FramesPerBuffer: s.framesPerBuffer,
		SampleRate:      s.sampleRate,
	}

	// Blocking I/O: Read fills buf with one buffer of interleaved samples.
	buf := make([]float32, s.framesPerBuffer*s.channels)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		s.finish(err)
		return nil, fmt.Errorf("failed to open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		s.finish(err)
		return nil, fmt.Errorf("failed to start input stream: %w", err)
	}
	s.stream = stream

	applog.Infof("Capture: Streaming from %s (%d ch, %.0f Hz, %d frames/buffer, latency %s)",
		s.device.Name, s.channels, s.sampleRate, s.framesPerBuffer, s.latency)

	out := make(chan []float32, 16)
	go s.run(ctx, stream, buf, out)
	return out, nil
}

// run is the capture thread. It only reads, mixes down and hands chunks on.
func (s *PortAudioSource) run(ctx context.Context, stream *portaudio.Stream, buf []float32, out chan<- []float32) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer close(out)
	var err error
	defer func() { s.finish(err) }()

	for ctx.Err() == nil {
		if rerr := stream.Read(); rerr != nil {
			if errors.Is(rerr, portaudio.InputOverflowed) {
				applog.Warnf("Capture: Input overflowed, samples were lost by the device")
				continue
			}
			err = fmt.Errorf("input stream read failed: %w", rerr)
			return
		}
		chunk := mixdown(make([]float32, 0, s.framesPerBuffer), buf, s.channels)
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the capture thread, then stops and closes the stream.
func (s *PortAudioSource) Close() error {
	if !s.stop() || s.stream == nil {
		return nil
	}
	var errs []error
	if err := s.stream.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	s.stream = nil
	applog.Debugf("Capture: Released %s", s.device.Name)
	return errors.Join(errs...)
}

// SampleRate implements Source.
func (s *PortAudioSource) SampleRate() float64 {
	return s.sampleRate
}
