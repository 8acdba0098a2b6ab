// SPDX-License-Identifier: MIT
package capture

import (
	"errors"
	"math"
	"testing"
	"time"

	"specrec/internal/config"

	"github.com/gordonklaus/portaudio"
)

type fakeOutputStream struct {
	fill    func([]float32)
	params  portaudio.StreamParameters
	started bool
	stopped bool
	closed  bool
}

func (s *fakeOutputStream) Start() error { s.started = true; return nil }
func (s *fakeOutputStream) Stop() error  { s.stopped = true; return nil }
func (s *fakeOutputStream) Close() error { s.closed = true; return nil }

// fakeOutput replaces the output seams and records every opened stream.
func fakeOutput(t *testing.T, openErr error) *[]*fakeOutputStream {
	t.Helper()
	fakeDevices(t, testDeviceInfos())
	origDefault, origOpen := paLibDefaultOutputDeviceFunc, paOpenOutputStreamFunc
	t.Cleanup(func() {
		paLibDefaultOutputDeviceFunc = origDefault
		paOpenOutputStreamFunc = origOpen
	})
	paLibDefaultOutputDeviceFunc = func() (*portaudio.DeviceInfo, error) {
		return testDeviceInfos()[0], nil
	}
	var opened []*fakeOutputStream
	paOpenOutputStreamFunc = func(p portaudio.StreamParameters, fill func([]float32)) (outputStream, error) {
		if openErr != nil {
			return nil, openErr
		}
		s := &fakeOutputStream{fill: fill, params: p}
		opened = append(opened, s)
		return s, nil
	}
	return &opened
}

func toneConfig() config.AudioConfig {
	cfg := config.Default().Audio
	cfg.SampleRate = 8000
	cfg.FramesPerBuffer = 64
	return cfg
}

func TestOutputDevice(t *testing.T) {
	fakeOutput(t, nil)

	tests := []struct {
		name     string
		id       int
		wantName string
		wantErr  bool
	}{
		{"Default", config.MinDeviceID, "Speakers", false},
		{"Interface", 2, "Interface", false},
		{"Input only", 1, "", true},
		{"Out of range", 3, "", true},
		{"Negative", -2, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := OutputDevice(tt.id)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %s", d.Name)
				}
				return
			}
			if err != nil {
				t.Fatalf("OutputDevice(%d) error: %v", tt.id, err)
			}
			if d.Name != tt.wantName {
				t.Errorf("device = %s, want %s", d.Name, tt.wantName)
			}
		})
	}
}

func TestTonePlayer(t *testing.T) {
	opened := fakeOutput(t, nil)
	p, err := NewTonePlayer(toneConfig(), 0.5)
	if err != nil {
		t.Fatalf("NewTonePlayer error: %v", err)
	}
	if len(*opened) != 0 {
		t.Fatal("stream opened before the first tone")
	}

	// 1000 Hz at 8000 Hz: eight samples per period, 80 samples in 10ms.
	if err := p.Play(1000, 10*time.Millisecond); err != nil {
		t.Fatalf("Play error: %v", err)
	}
	if len(*opened) != 1 || !(*opened)[0].started {
		t.Fatalf("stream not started: %+v", *opened)
	}
	s := (*opened)[0]
	if s.params.Output.Channels != 1 || s.params.SampleRate != 8000 || s.params.Input.Channels != 0 {
		t.Errorf("stream parameters = %+v", s.params)
	}

	buf := make([]float32, 64)
	s.fill(buf)
	if math.Abs(float64(buf[2])-0.5) > 1e-6 {
		t.Errorf("sample 2 = %f, want the 0.5 peak", buf[2])
	}
	if !p.Playing() {
		t.Error("Playing() = false mid tone")
	}
	s.fill(buf)
	for i := 16; i < len(buf); i++ {
		if buf[i] != 0 {
			t.Fatalf("sample %d = %f after the tone ended", 64+i, buf[i])
		}
	}
	if p.Playing() {
		t.Error("Playing() = true after the tone ended")
	}

	if err := p.Play(1000, time.Second); err != nil {
		t.Fatalf("second Play error: %v", err)
	}
	if len(*opened) != 1 {
		t.Errorf("%d streams opened, want the first one reused", len(*opened))
	}
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	s.fill(buf)
	for i, v := range buf {
		if v != 0 {
			t.Fatalf("sample %d = %f after Stop", i, v)
		}
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if !s.stopped || !s.closed {
		t.Errorf("stream not released: %+v", s)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close error: %v", err)
	}
	if err := p.Play(1000, time.Second); err == nil {
		t.Error("Play after Close succeeded")
	}
}

func TestTonePlayerOpenError(t *testing.T) {
	fakeOutput(t, errors.New("device busy"))
	p, err := NewTonePlayer(toneConfig(), 0.5)
	if err != nil {
		t.Fatalf("NewTonePlayer error: %v", err)
	}
	if err := p.Play(1000, time.Second); err == nil {
		t.Error("expected open error")
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close error: %v", err)
	}
}

func TestNewTonePlayerInvalidDevice(t *testing.T) {
	fakeOutput(t, nil)
	cfg := toneConfig()
	cfg.OutputDevice = 1
	if _, err := NewTonePlayer(cfg, 0.5); err == nil {
		t.Error("expected error for an input-only device")
	}
}
