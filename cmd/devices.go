// SPDX-License-Identifier: MIT
package cmd

import (
	"fmt"

	"specrec/internal/capture"
	"specrec/internal/config"
	"specrec/internal/tui"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newDevicesCommand(a *app) *cobra.Command {
	var pick bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List audio devices, or pick one interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return portAudio(func() error {
				if !pick {
					return capture.ListDevices(cmd.OutOrStdout())
				}
				sel, err := tui.Pick()
				if err != nil {
					return err
				}
				sel.Apply(&a.cfg.Audio)
				out, err := audioSnippet(a.cfg.Audio)
				if err != nil {
					return err
				}
				printf(cmd, "# %s at %.0f Hz\n%s", sel.DeviceName, sel.SampleRate, out)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&pick, "pick", "p", false,
		"Choose a device and sample rate, then print the audio section for the configuration")
	return cmd
}

// audioSnippet renders the audio section of a configuration file.
func audioSnippet(audio config.AudioConfig) (string, error) {
	out, err := yaml.Marshal(struct {
		Audio config.AudioConfig `yaml:"audio"`
	}{audio})
	if err != nil {
		return "", fmt.Errorf("failed to render configuration: %w", err)
	}
	return string(out), nil
}
