// SPDX-License-Identifier: MIT
package cmd

import (
	"path/filepath"
	"time"

	"specrec/internal/capture"
	"specrec/internal/config"
	applog "specrec/internal/log"
	"specrec/internal/sink"
	"specrec/pkg/utils"

	"github.com/spf13/cobra"
)

func newExportCommand(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Zip the channel files of the output directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := a.cfg.Recording
			if out == "" {
				name := r.ArchiveName
				if name == "" {
					name = config.DefaultArchiveName
				}
				out = filepath.Join(r.OutputDir, name)
			}
			n, err := sink.ExportArchive(r.OutputDir, out)
			if err != nil {
				return err
			}
			printf(cmd, "%s (%d files)\n", out, n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Archive path (default: <output_dir>/<archive_name>)")
	return cmd
}

func newClearCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the channel files of the output directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := sink.ClearArtifacts(a.cfg.Recording.OutputDir)
			if err != nil {
				return err
			}
			printf(cmd, "removed %d files\n", n)
			return nil
		},
	}
}

func newToneCommand(a *app) *cobra.Command {
	var (
		out       string
		frequency float64
		amplitude float64
		rate      int
		duration  time.Duration
		silence   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "tone",
		Short: "Write a sine tone followed by silence as a WAV file",
		Long:  "Write a test WAV file for replay with --wav.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			toneLen := int(duration.Seconds() * float64(rate))
			samples := utils.Sine(toneLen, frequency, float64(rate), amplitude)
			samples = append(samples, make([]float32, int(silence.Seconds()*float64(rate)))...)
			if err := capture.WriteWav(out, samples, rate); err != nil {
				return err
			}
			applog.Debugf("CLI: Wrote %d samples at %d Hz", len(samples), rate)
			printf(cmd, "%s (%s tone at %.0f Hz, %s silence)\n", out, duration, frequency, silence)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&out, "out", "o", "tone.wav", "Output file")
	f.Float64Var(&frequency, "freq", 1000, "Tone frequency in Hz")
	f.Float64Var(&amplitude, "amp", 0.5, "Tone amplitude, 1 is full scale")
	f.IntVar(&rate, "rate", config.DefaultSampleRate, "Sample rate in Hz")
	f.DurationVar(&duration, "duration", 2*time.Second, "Tone length")
	f.DurationVar(&silence, "silence", 0, "Silence appended after the tone")
	return cmd
}
