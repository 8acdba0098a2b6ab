// SPDX-License-Identifier: MIT
//
// Package cmd implements the specrec command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"specrec/internal/capture"
	"specrec/internal/config"
	applog "specrec/internal/log"
	"specrec/pkg/build"

	"github.com/spf13/cobra"
)

// app carries the global flags and the loaded configuration to the
// subcommands.
type app struct {
	configPath string
	debug      bool
	logLevel   string
	logFormat  string

	cfg *config.Config
}

// Execute runs the command line with os.Args.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	info := build.GetBuildFlags()
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           info.Name,
		Short:         build.Description,
		Version:       info.String(),
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "",
		"Path to the YAML configuration (default: ./config.yaml or ./specrec.yaml)")
	flags.BoolVar(&a.debug, "debug", false, "Force debug logging")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flags.StringVar(&a.logFormat, "log-format", "", "Log encoding: text or json")

	rootCmd.AddCommand(
		newRunCommand(a),
		newRecordCommand(a),
		newTimedCommand(a),
		newDevicesCommand(a),
		newExportCommand(a),
		newClearCommand(a),
		newToneCommand(a),
	)
	return rootCmd
}

// load reads the configuration and applies the global flags to it.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("debug") {
		cfg.Debug = a.debug
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.logFormat != "" {
		cfg.LogFormat = a.logFormat
	}
	configureLogging(cfg)
	a.cfg = cfg
	return nil
}

func configureLogging(cfg *config.Config) {
	applog.Configure(os.Stderr, cfg.LogFormat)
	if cfg.Debug {
		applog.SetLevel(applog.LevelDebug)
		return
	}
	level, ok := applog.ParseLevel(cfg.LogLevel)
	if !ok {
		applog.Warnf("CLI: Unknown log level '%s', using %s", cfg.LogLevel, level)
	}
	applog.SetLevel(level)
}

// sourceFlags override the capture settings of the configuration.
type sourceFlags struct {
	wav        string
	device     int
	sampleRate float64
	realtime   bool
}

func (s *sourceFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&s.wav, "wav", "w", "", "Replay a WAV file instead of capturing")
	f.IntVarP(&s.device, "device", "d", config.DefaultInputDevice,
		"Input device ID, -1 for the system default. Use 'devices' to list them.")
	f.Float64VarP(&s.sampleRate, "sample-rate", "s", config.DefaultSampleRate, "Capture sample rate in Hz")
	f.BoolVar(&s.realtime, "realtime", true, "Pace WAV replay at the file's sample rate")
}

func (s *sourceFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if s.wav != "" {
		cfg.Audio.Source = "wav"
		cfg.Audio.WavFile = s.wav
	}
	if f.Changed("device") {
		cfg.Audio.Source = "portaudio"
		cfg.Audio.InputDevice = s.device
	}
	if f.Changed("sample-rate") {
		cfg.Audio.SampleRate = s.sampleRate
	}
	if f.Changed("realtime") {
		cfg.Audio.Realtime = s.realtime
	}
	return cfg.Validate()
}

// withPortAudio runs fn with PortAudio initialized when the configured
// source or the signal tone needs it.
func withPortAudio(cfg *config.Config, fn func() error) error {
	if !strings.EqualFold(cfg.Audio.Source, "portaudio") && !cfg.Recording.PlayTone {
		return fn()
	}
	return portAudio(fn)
}

// portAudio runs fn between Initialize and Terminate.
func portAudio(fn func() error) error {
	if err := capture.Initialize(); err != nil {
		return err
	}
	defer func() {
		if err := capture.Terminate(); err != nil {
			applog.Warnf("CLI: %v", err)
		}
	}()
	return fn()
}

func printf(cmd *cobra.Command, format string, v ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, v...)
}
