// SPDX-License-Identifier: MIT
package config

import "time"

// Core configuration constants that define the boundaries and defaults
// for the spectrum recorder.
const (
	// Audio capture defaults.
	DefaultInputDevice     = MinDeviceID // System default input device
	DefaultOutputDevice    = MinDeviceID // System default output device, plays the signal tone
	DefaultSampleRate      = 44100       // CD-quality audio
	DefaultFramesPerBuffer = 512         // Capture chunk size handed to the pipeline
	DefaultInputChannels   = 1           // Mono capture
	DefaultSource          = "portaudio" // Live capture; "wav" replays a file

	// Pipeline defaults.
	DefaultFrameSize      = 4096 // Transform size N; spectral frames carry N+2 values
	DefaultInputGain      = 2.0  // The signal is doubled before the transform
	DefaultWindow         = "none"
	DefaultTransform      = "gonum"
	DefaultDrainTimeout   = 2 * time.Second
	DefaultWaveformPoints = 256
	DefaultDisplayBands   = 64
	DefaultRecordPolicy   = "unbounded"
	DefaultDisplayPolicy  = "drop_newest"

	// Recording defaults.
	DefaultOutputDir    = "./recordings"
	DefaultLayout       = "lines"
	DefaultSampleCount  = 1    // Timed sessions per request
	DefaultSignalModeMs = 5000 // Signal phase length
	DefaultTailModeMs   = 3000 // Tail phase length
	DefaultSignalLenMs  = 5000 // Length of the tone played in the signal phase
	DefaultToneFreqHz   = 10000.0
	DefaultToneAmp      = 0.5
	DefaultArchiveName  = "spectra.zip"

	// Transport defaults.
	DefaultHTTPAddress     = "127.0.0.1:8080"
	DefaultUDPTarget       = "127.0.0.1:9090"
	DefaultUDPSendInterval = 33 * time.Millisecond // ~30Hz

	// Hardware and processing limits.
	MinDeviceID   = -1     // -1 represents system default device
	MinSampleRate = 8000   // Minimum usable sample rate (Hz)
	MaxSampleRate = 192000 // Maximum supported sample rate (Hz)
	MinFrameSize  = 16
	MaxFrameSize  = 65536
)
