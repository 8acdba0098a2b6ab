// SPDX-License-Identifier: MIT
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"specrec/internal/backpressure"
	"specrec/internal/sink"
	"specrec/pkg/bitint"

	"gopkg.in/yaml.v3"
)

// Config represents the main application configuration structure, loaded from YAML.
type Config struct {
	Debug     bool            `yaml:"debug"`      // Enable debug mode (forces debug log level).
	LogLevel  string          `yaml:"log_level"`  // Logging level ("debug", "info", "warn", "error").
	LogFormat string          `yaml:"log_format"` // Log encoding, "text" or "json".
	Audio     AudioConfig     `yaml:"audio"`      // Capture settings.
	Pipeline  PipelineConfig  `yaml:"pipeline"`   // Framing, transform and branch settings.
	Recording RecordingConfig `yaml:"recording"`  // Channel file and session settings.
	Transport TransportConfig `yaml:"transport"`  // Control server, websocket and UDP settings.
}

// AudioConfig holds settings related to the capture source.
type AudioConfig struct {
	Source          string  `yaml:"source"`            // "portaudio" or "wav".
	InputDevice     int     `yaml:"input_device"`      // PortAudio device index for audio input (-1 for default).
	OutputDevice    int     `yaml:"output_device"`     // PortAudio device index for the signal tone (-1 for default).
	SampleRate      float64 `yaml:"sample_rate"`       // Sample rate in Hz.
	FramesPerBuffer int     `yaml:"frames_per_buffer"` // Samples per capture chunk.
	LowLatency      bool    `yaml:"low_latency"`       // Request low latency settings from PortAudio device.
	InputChannels   int     `yaml:"input_channels"`    // Channels captured; mixed down to mono.
	WavFile         string  `yaml:"wav_file"`          // File replayed when source is "wav".
	Realtime        bool    `yaml:"realtime"`          // Pace WAV replay at the file's sample rate.
}

// PipelineConfig holds settings for the frame accumulator, transform and branches.
type PipelineConfig struct {
	FrameSize      int           `yaml:"frame_size"`      // Transform size N (power of two).
	CarryCapacity  int           `yaml:"carry_capacity"`  // Accumulator buffer size, 0 means 2*N.
	InputGain      float64       `yaml:"input_gain"`      // Gain applied before the transform.
	Window         string        `yaml:"window"`          // Window function name ("none", "hann", ...).
	Transform      string        `yaml:"transform"`       // "gonum" or "godsp".
	RecordPolicy   string        `yaml:"record_policy"`   // Backpressure policy of the record branch.
	DisplayPolicy  string        `yaml:"display_policy"`  // Backpressure policy of the display branches.
	DrainTimeout   time.Duration `yaml:"drain_timeout"`   // How long Stop waits for queued frames.
	WaveformPoints int           `yaml:"waveform_points"` // Points per waveform message.
	DisplayBands   int           `yaml:"display_bands"`   // Bands per band-energy message.
}

// RecordingConfig holds settings related to channel artifacts and timed sessions.
type RecordingConfig struct {
	OutputDir      string  `yaml:"output_dir"`       // Directory for the per-channel text files.
	Layout         string  `yaml:"layout"`           // "lines", "json" or "json_array".
	SampleCount    int     `yaml:"sample_count"`     // Timed sessions run back to back per request.
	SignalModeMs   int     `yaml:"signal_mode_ms"`   // Signal phase duration.
	TailModeMs     int     `yaml:"tail_mode_ms"`     // Tail phase duration, 0 disables the tail.
	BothChannels   bool    `yaml:"both_channels"`    // Also route signal-phase frames to the signal channel.
	DeleteOnClose  bool    `yaml:"delete_on_close"`  // Remove channel files when the pipeline stops.
	ArchiveName    string  `yaml:"archive_name"`     // File name of the zip export inside output_dir.
	PlayTone       bool    `yaml:"play_tone"`        // Play a tone on audio.output_device during each signal phase.
	SignalLengthMs int     `yaml:"signal_length_ms"` // Tone length; the tone also stops when the signal phase ends.
	ToneFreqHz     float64 `yaml:"tone_freq_hz"`     // Tone frequency.
	ToneAmplitude  float64 `yaml:"tone_amplitude"`   // Tone amplitude, 1 is full scale.
}

// TransportConfig holds settings related to the control server and data feeds.
type TransportConfig struct {
	HTTPEnabled      bool          `yaml:"http_enabled"`       // Serve the control API.
	HTTPAddress      string        `yaml:"http_address"`       // Listen address of the control API.
	WebSocketEnabled bool          `yaml:"websocket_enabled"`  // Mount the display feed on /ws.
	UDPEnabled       bool          `yaml:"udp_enabled"`        // Enable sending magnitudes over UDP.
	UDPTargetAddress string        `yaml:"udp_target_address"` // Target address and port for UDP packets.
	UDPSendInterval  time.Duration `yaml:"udp_send_interval"`  // Interval between sending UDP packets.
}

// SignalMode returns the signal phase duration.
func (r RecordingConfig) SignalMode() time.Duration {
	return time.Duration(r.SignalModeMs) * time.Millisecond
}

// TailMode returns the tail phase duration.
func (r RecordingConfig) TailMode() time.Duration {
	return time.Duration(r.TailModeMs) * time.Millisecond
}

// SignalLength returns the tone length.
func (r RecordingConfig) SignalLength() time.Duration {
	return time.Duration(r.SignalLengthMs) * time.Millisecond
}

// EffectiveCarryCapacity resolves the zero value of CarryCapacity.
func (p PipelineConfig) EffectiveCarryCapacity() int {
	if p.CarryCapacity == 0 {
		return 2 * p.FrameSize
	}
	return p.CarryCapacity
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Debug:     false,
		LogLevel:  "info",
		LogFormat: "text",
		Audio: AudioConfig{
			Source:          DefaultSource,
			InputDevice:     DefaultInputDevice,
			OutputDevice:    DefaultOutputDevice,
			SampleRate:      DefaultSampleRate,
			FramesPerBuffer: DefaultFramesPerBuffer,
			LowLatency:      false,
			InputChannels:   DefaultInputChannels,
			Realtime:        true,
		},
		Pipeline: PipelineConfig{
			FrameSize:      DefaultFrameSize,
			InputGain:      DefaultInputGain,
			Window:         DefaultWindow,
			Transform:      DefaultTransform,
			RecordPolicy:   DefaultRecordPolicy,
			DisplayPolicy:  DefaultDisplayPolicy,
			DrainTimeout:   DefaultDrainTimeout,
			WaveformPoints: DefaultWaveformPoints,
			DisplayBands:   DefaultDisplayBands,
		},
		Recording: RecordingConfig{
			OutputDir:      DefaultOutputDir,
			Layout:         DefaultLayout,
			SampleCount:    DefaultSampleCount,
			SignalModeMs:   DefaultSignalModeMs,
			TailModeMs:     DefaultTailModeMs,
			ArchiveName:    DefaultArchiveName,
			PlayTone:       false,
			SignalLengthMs: DefaultSignalLenMs,
			ToneFreqHz:     DefaultToneFreqHz,
			ToneAmplitude:  DefaultToneAmp,
		},
		Transport: TransportConfig{
			HTTPEnabled:      false,
			HTTPAddress:      DefaultHTTPAddress,
			WebSocketEnabled: false,
			UDPEnabled:       false,
			UDPTargetAddress: DefaultUDPTarget,
			UDPSendInterval:  DefaultUDPSendInterval,
		},
	}
}

// LoadConfig loads configuration from a YAML file specified by path. If path is empty,
// it searches default locations ("config.yaml"). If no file is found, it uses built-in
// defaults. After loading defaults or from file, it applies environment variable
// overrides and validates the final configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		candidates := []string{
			"config.yaml",
			"specrec.yaml",
		}
		for _, candidate := range candidates {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			cfg.applyEnvOverrides()
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid default configuration: %w", err)
			}
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides AFTER loading from file.
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the invariants the pipeline relies on. All violations are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Audio.Source) {
	case "portaudio":
	case "wav":
		if c.Audio.WavFile == "" {
			errs = append(errs, errors.New("audio.wav_file must be set when audio.source is wav"))
		}
	default:
		errs = append(errs, fmt.Errorf("audio.source %q is not one of portaudio, wav", c.Audio.Source))
	}
	if c.Audio.SampleRate < MinSampleRate || c.Audio.SampleRate > MaxSampleRate {
		errs = append(errs, fmt.Errorf("audio.sample_rate %.0f outside [%d, %d]", c.Audio.SampleRate, MinSampleRate, MaxSampleRate))
	}
	if c.Audio.FramesPerBuffer <= 0 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer must be positive, got %d", c.Audio.FramesPerBuffer))
	}
	if c.Audio.InputChannels <= 0 {
		errs = append(errs, fmt.Errorf("audio.input_channels must be positive, got %d", c.Audio.InputChannels))
	}
	if c.Audio.InputDevice < MinDeviceID {
		errs = append(errs, fmt.Errorf("audio.input_device %d is invalid", c.Audio.InputDevice))
	}
	if c.Audio.OutputDevice < MinDeviceID {
		errs = append(errs, fmt.Errorf("audio.output_device %d is invalid", c.Audio.OutputDevice))
	}

	p := c.Pipeline
	if !bitint.IsPowerOfTwo(p.FrameSize) || p.FrameSize < MinFrameSize || p.FrameSize > MaxFrameSize {
		errs = append(errs, fmt.Errorf("pipeline.frame_size must be a power of two in [%d, %d], got %d", MinFrameSize, MaxFrameSize, p.FrameSize))
	}
	if capacity := p.EffectiveCarryCapacity(); capacity < 2*p.FrameSize {
		errs = append(errs, fmt.Errorf("pipeline.carry_capacity %d is smaller than twice the frame size", capacity))
	} else if c.Audio.FramesPerBuffer > capacity-p.FrameSize+1 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d can overflow a carry buffer of %d", c.Audio.FramesPerBuffer, capacity))
	}
	if p.InputGain <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.input_gain must be positive, got %g", p.InputGain))
	}
	switch strings.ToLower(p.Transform) {
	case "gonum", "godsp":
	default:
		errs = append(errs, fmt.Errorf("pipeline.transform %q is not one of gonum, godsp", p.Transform))
	}
	if _, err := backpressure.ParsePolicy(p.RecordPolicy); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.record_policy: %w", err))
	}
	if _, err := backpressure.ParsePolicy(p.DisplayPolicy); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.display_policy: %w", err))
	}
	if p.DrainTimeout < 0 {
		errs = append(errs, errors.New("pipeline.drain_timeout must not be negative"))
	}
	if p.WaveformPoints <= 0 || p.DisplayBands <= 0 {
		errs = append(errs, errors.New("pipeline.waveform_points and pipeline.display_bands must be positive"))
	}

	r := c.Recording
	if r.OutputDir == "" {
		errs = append(errs, errors.New("recording.output_dir must be set"))
	}
	if _, err := sink.ParseLayout(r.Layout); err != nil {
		errs = append(errs, fmt.Errorf("recording.layout: %w", err))
	}
	if r.SampleCount < 1 {
		errs = append(errs, fmt.Errorf("recording.sample_count must be at least 1, got %d", r.SampleCount))
	}
	if r.SignalModeMs <= 0 {
		errs = append(errs, fmt.Errorf("recording.signal_mode_ms must be positive, got %d", r.SignalModeMs))
	}
	if r.TailModeMs < 0 {
		errs = append(errs, fmt.Errorf("recording.tail_mode_ms must not be negative, got %d", r.TailModeMs))
	}
	if r.PlayTone {
		if r.SignalLengthMs <= 0 {
			errs = append(errs, fmt.Errorf("recording.signal_length_ms must be positive, got %d", r.SignalLengthMs))
		}
		if r.ToneFreqHz <= 0 || r.ToneFreqHz >= c.Audio.SampleRate/2 {
			errs = append(errs, fmt.Errorf("recording.tone_freq_hz %g outside (0, %g)", r.ToneFreqHz, c.Audio.SampleRate/2))
		}
		if r.ToneAmplitude <= 0 || r.ToneAmplitude > 1 {
			errs = append(errs, fmt.Errorf("recording.tone_amplitude %g outside (0, 1]", r.ToneAmplitude))
		}
	}

	t := c.Transport
	if (t.HTTPEnabled || t.WebSocketEnabled) && !strings.Contains(t.HTTPAddress, ":") {
		errs = append(errs, fmt.Errorf("transport.http_address %q appears invalid (missing port?)", t.HTTPAddress))
	}
	if t.UDPEnabled {
		if !strings.Contains(t.UDPTargetAddress, ":") {
			errs = append(errs, fmt.Errorf("transport.udp_target_address %q appears invalid (missing port?)", t.UDPTargetAddress))
		}
		if t.UDPSendInterval <= 0 {
			errs = append(errs, errors.New("transport.udp_send_interval must be positive when UDP is enabled"))
		}
	}

	return errors.Join(errs...)
}

// applyEnvOverrides lets deployment environments adjust a small set of
// settings without editing the YAML file. Unparseable values are ignored.
func (cfg *Config) applyEnvOverrides() {
	// ENV_DEBUG
	if val, ok := os.LookupEnv("ENV_DEBUG"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Debug = bVal
		}
	}
	// ENV_LOG_LEVEL
	if val, ok := os.LookupEnv("ENV_LOG_LEVEL"); ok && val != "" {
		cfg.LogLevel = val
	}
	// ENV_OUTPUT_DIR
	if val, ok := os.LookupEnv("ENV_OUTPUT_DIR"); ok && val != "" {
		cfg.Recording.OutputDir = val
	}
	// ENV_PLAY_TONE
	if val, ok := os.LookupEnv("ENV_PLAY_TONE"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Recording.PlayTone = bVal
		}
	}
	// ENV_FRAME_SIZE
	if val, ok := os.LookupEnv("ENV_FRAME_SIZE"); ok {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Pipeline.FrameSize = n
		}
	}

	// ENV_HTTP_{...} / ENV_WS_{...}
	// These are specific to the control server.

	// ENV_HTTP_ADDRESS
	if val, ok := os.LookupEnv("ENV_HTTP_ADDRESS"); ok && val != "" {
		cfg.Transport.HTTPAddress = val
	}
	// ENV_WS_ENABLED
	if val, ok := os.LookupEnv("ENV_WS_ENABLED"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Transport.WebSocketEnabled = bVal
		}
	}

	// ENV_UDP_{...}
	// These are specific to the transport layer.

	// ENV_UDP_ENABLED
	if val, ok := os.LookupEnv("ENV_UDP_ENABLED"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Transport.UDPEnabled = bVal
		}
	}
	// ENV_UDP_TARGET_ADDRESS
	if val, ok := os.LookupEnv("ENV_UDP_TARGET_ADDRESS"); ok {
		cfg.Transport.UDPTargetAddress = val
	}
	// ENV_UDP_SEND_INTERVAL
	if val, ok := os.LookupEnv("ENV_UDP_SEND_INTERVAL"); ok {
		if dur, err := time.ParseDuration(val); err == nil {
			cfg.Transport.UDPSendInterval = dur
		}
	}
}
