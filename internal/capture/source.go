// SPDX-License-Identifier: MIT
/*
Package capture produces the live sample stream.

A Source delivers mono float32 chunks of arbitrary length on a channel. The
channel is closed when the stream ends, either because the context was
cancelled, the source ran dry or the device failed; Err tells these apart.
Sources:

  - PortAudioSource reads an input device with blocking reads on a goroutine
    locked to its OS thread.
  - WavSource replays a WAV file, optionally at real-time pace.
  - ChanSource is fed by hand and serves tests.
*/
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"specrec/internal/config"
)

var (
	// ErrStreamEnded reports a stream that ended on its own.
	ErrStreamEnded = errors.New("capture: stream ended")
	// ErrAlreadyStreaming is returned by a second call to Stream.
	ErrAlreadyStreaming = errors.New("capture: already streaming")
	// ErrSourceClosed is returned by Stream after Close.
	ErrSourceClosed = errors.New("capture: source closed")
)

// Source is a live sequence of sample chunks.
type Source interface {
	// Stream starts delivery. The returned channel is closed when the
	// stream ends. Stream may be called once.
	Stream(ctx context.Context) (<-chan []float32, error)
	// Err returns the error that ended the stream: ErrStreamEnded when the
	// source ran dry, a device or decode error, or nil if ctx was cancelled
	// or Close was called.
	Err() error
	// Close stops the stream and releases the device.
	Close() error
	// SampleRate returns the rate of the delivered samples in Hz.
	SampleRate() float64
}

// Open creates the source selected by cfg.Source. PortAudio sources need
// Initialize to have been called.
func Open(cfg config.AudioConfig) (Source, error) {
	switch strings.ToLower(cfg.Source) {
	case "", "portaudio":
		return NewPortAudioSource(cfg)
	case "wav":
		return OpenWav(cfg.WavFile, cfg.FramesPerBuffer, cfg.Realtime)
	default:
		return nil, fmt.Errorf("unknown capture source: '%s'", cfg.Source)
	}
}

// mixdown averages interleaved frames of channels samples into mono.
func mixdown(dst []float32, interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return append(dst[:0], interleaved...)
	}
	frames := len(interleaved) / channels
	dst = dst[:0]
	scale := 1 / float32(channels)
	for i := range frames {
		var sum float32
		for _, s := range interleaved[i*channels : (i+1)*channels] {
			sum += s
		}
		dst = append(dst, sum*scale)
	}
	return dst
}

// streamState holds the bookkeeping shared by every source: one Stream
// call, a cancel func for Close, and the terminal error.
type streamState struct {
	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

func (s *streamState) begin(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSourceClosed
	}
	if s.started {
		return nil, ErrAlreadyStreaming
	}
	s.started = true
	s.done = make(chan struct{})
	ctx, s.cancel = context.WithCancel(ctx)
	return ctx, nil
}

func (s *streamState) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

func (s *streamState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// stop cancels the stream goroutine and waits for it. It reports whether
// this call closed the state.
func (s *streamState) stop() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return true
}

// ChanSource is a Source fed by Feed and ended by End.
type ChanSource struct {
	streamState
	rate   float64
	in     chan []float32
	endErr chan error
}

var _ Source = (*ChanSource)(nil)

// NewChanSource returns a source holding up to buffer unread chunks.
func NewChanSource(sampleRate float64, buffer int) *ChanSource {
	return &ChanSource{
		rate:   sampleRate,
		in:     make(chan []float32, buffer),
		endErr: make(chan error, 1),
	}
}

// Feed queues chunk for delivery, blocking while the buffer is full.
func (c *ChanSource) Feed(chunk []float32) {
	c.in <- chunk
}

// End terminates the stream after the queued chunks with err, which may be nil.
func (c *ChanSource) End(err error) {
	select {
	case c.endErr <- err:
	default:
	}
}

// Stream implements Source.
func (c *ChanSource) Stream(ctx context.Context) (<-chan []float32, error) {
	ctx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan []float32)
	go func() {
		defer close(out)
		var err error
		defer func() { c.finish(err) }()
		for {
			select {
			case <-ctx.Done():
				return
			case chunk := <-c.in:
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			case err = <-c.endErr:
				// Deliver what was fed before End.
				for {
					select {
					case chunk := <-c.in:
						select {
						case out <- chunk:
						case <-ctx.Done():
							return
						}
					default:
						if err == nil {
							err = ErrStreamEnded
						}
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// Close implements Source.
func (c *ChanSource) Close() error {
	c.stop()
	return nil
}

// SampleRate implements Source.
func (c *ChanSource) SampleRate() float64 {
	return c.rate
}
