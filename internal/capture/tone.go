// SPDX-License-Identifier: MIT
package capture

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"specrec/internal/config"
	applog "specrec/internal/log"

	"github.com/gordonklaus/portaudio"
)

// outputStream is the part of *portaudio.Stream the tone player drives.
type outputStream interface {
	Start() error
	Stop() error
	Close() error
}

// Seams over the PortAudio output API, replaced in tests.
var (
	paLibDefaultOutputDeviceFunc = portaudio.DefaultOutputDevice
	paOpenOutputStreamFunc       = paOpenOutputStream
)

func paOpenOutputStream(params portaudio.StreamParameters, fill func(out []float32)) (outputStream, error) {
	stream, err := portaudio.OpenStream(params, fill)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// OutputDevice retrieves the audio output device for the given device ID.
// If deviceID is MinDeviceID (-1), returns the system default output device.
func OutputDevice(deviceID int) (*portaudio.DeviceInfo, error) {
	if deviceID == config.MinDeviceID {
		return paLibDefaultOutputDeviceFunc()
	}
	devices, err := paDevicesFunc()
	if err != nil {
		return nil, err
	}
	if deviceID < 0 || deviceID >= len(devices) {
		return nil, fmt.Errorf("invalid device ID: %d", deviceID)
	}
	device := devices[deviceID]
	if device.MaxOutputChannels == 0 {
		return nil, fmt.Errorf("device %d (%s) does not support output", deviceID, device.Name)
	}
	return device, nil
}

// oscillator renders a sine for a bounded number of samples, then silence.
type oscillator struct {
	mu        sync.Mutex
	phase     float64
	step      float64
	amplitude float64
	remaining int
}

func (o *oscillator) set(freq, sampleRate float64, samples int) {
	o.mu.Lock()
	o.phase = 0
	o.step = 2 * math.Pi * freq / sampleRate
	o.remaining = samples
	o.mu.Unlock()
}

func (o *oscillator) silence() {
	o.mu.Lock()
	o.remaining = 0
	o.mu.Unlock()
}

func (o *oscillator) playing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.remaining > 0
}

// fill runs on the PortAudio callback thread.
func (o *oscillator) fill(out []float32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range out {
		if o.remaining <= 0 {
			out[i] = 0
			continue
		}
		out[i] = float32(o.amplitude * math.Sin(o.phase))
		o.phase += o.step
		if o.phase >= 2*math.Pi {
			o.phase -= 2 * math.Pi
		}
		o.remaining--
	}
}

// TonePlayer plays a sine tone on an output device. The output stream is
// opened on the first Play and kept running, silent between tones, until
// Close. PortAudio must be initialised.
type TonePlayer struct {
	device          *portaudio.DeviceInfo
	sampleRate      float64
	framesPerBuffer int

	osc oscillator

	mu     sync.Mutex
	stream outputStream
	closed bool
}

// NewTonePlayer resolves the configured output device.
func NewTonePlayer(cfg config.AudioConfig, amplitude float64) (*TonePlayer, error) {
	device, err := OutputDevice(cfg.OutputDevice)
	if err != nil {
		return nil, err
	}
	p := &TonePlayer{
		device:          device,
		sampleRate:      cfg.SampleRate,
		framesPerBuffer: cfg.FramesPerBuffer,
	}
	p.osc.amplitude = amplitude
	return p, nil
}

// Play starts a tone of freq Hz lasting d, replacing any tone in progress.
func (p *TonePlayer) Play(freq float64, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("tone player closed")
	}
	if p.stream == nil {
		if err := p.open(); err != nil {
			return err
		}
	}
	p.osc.set(freq, p.sampleRate, int(d.Seconds()*p.sampleRate))
	applog.Debugf("Tone: Playing %.0f Hz for %s on %s", freq, d, p.device.Name)
	return nil
}

// open starts the output stream. Caller holds mu.
func (p *TonePlayer) open() error {
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Channels: 1,
			Device:   p.device,
			Latency:  p.device.DefaultLowOutputLatency,
		},
		FramesPerBuffer: p.framesPerBuffer,
		SampleRate:      p.sampleRate,
	}
	stream, err := paOpenOutputStreamFunc(params, p.osc.fill)
	if err != nil {
		return fmt.Errorf("failed to open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start output stream: %w", err)
	}
	p.stream = stream
	applog.Infof("Tone: Output stream open on %s (%.0f Hz)", p.device.Name, p.sampleRate)
	return nil
}

// Stop silences the tone in progress, if any.
func (p *TonePlayer) Stop() error {
	p.osc.silence()
	return nil
}

// Playing reports whether a tone is sounding.
func (p *TonePlayer) Playing() bool {
	return p.osc.playing()
}

// Close stops and releases the output stream. Closing twice is a no-op.
func (p *TonePlayer) Close() error {
	p.osc.silence()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.stream == nil {
		return nil
	}
	var errs []error
	if err := p.stream.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := p.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	p.stream = nil
	applog.Debugf("Tone: Released %s", p.device.Name)
	return errors.Join(errs...)
}
