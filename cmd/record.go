// SPDX-License-Identifier: MIT
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	applog "specrec/internal/log"
	"specrec/internal/pipeline"
	"specrec/internal/session"
	"specrec/internal/sink"

	"github.com/spf13/cobra"
)

var errSessionAborted = errors.New("session aborted")

func newRecordCommand(a *app) *cobra.Command {
	var (
		src    sourceFlags
		frames int
	)
	cmd := &cobra.Command{
		Use:       "record <signal|noise|tail|all>",
		Short:     "Record a fixed number of frames to one channel",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"signal", "noise", "tail", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := sink.ParseChannelKey(args[0])
			if err != nil {
				return err
			}
			if err := src.apply(cmd, a.cfg); err != nil {
				return err
			}
			return a.runSessions(cmd, 1, func(o *pipeline.Orchestrator) error {
				return o.StartRecording(key, frames)
			})
		},
	}
	src.register(cmd)
	cmd.Flags().IntVarP(&frames, "frames", "n", 100, "Number of spectral frames to record")
	return cmd
}

func newTimedCommand(a *app) *cobra.Command {
	var (
		src          sourceFlags
		signalPhase  time.Duration
		tailPhase    time.Duration
		repeat       int
		bothChannels bool
		playTone     bool
	)
	cmd := &cobra.Command{
		Use:   "timed",
		Short: "Record timed signal and tail phases",
		Long: "Record timed sessions. Signal-phase frames go to the all channel, tail-phase\n" +
			"frames to the all and tail channels. Unset flags use the recording section\n" +
			"of the configuration.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("tone") {
				a.cfg.Recording.PlayTone = playTone
			}
			if err := src.apply(cmd, a.cfg); err != nil {
				return err
			}
			r := a.cfg.Recording
			opts := session.TimedOptions{
				Signal:       r.SignalMode(),
				Tail:         r.TailMode(),
				Repeat:       r.SampleCount,
				BothChannels: r.BothChannels,
			}
			f := cmd.Flags()
			if f.Changed("signal") {
				opts.Signal = signalPhase
			}
			if f.Changed("tail") {
				opts.Tail = tailPhase
			}
			if f.Changed("repeat") {
				opts.Repeat = repeat
			}
			if f.Changed("both") {
				opts.BothChannels = bothChannels
			}
			return a.runSessions(cmd, max(opts.Repeat, 1), func(o *pipeline.Orchestrator) error {
				return o.StartTimed(opts)
			})
		},
	}
	src.register(cmd)
	f := cmd.Flags()
	f.DurationVar(&signalPhase, "signal", 0, "Signal phase duration")
	f.DurationVar(&tailPhase, "tail", 0, "Tail phase duration, 0 skips the tail")
	f.IntVarP(&repeat, "repeat", "r", 1, "Sessions to run back to back")
	f.BoolVar(&bothChannels, "both", false, "Also write signal-phase frames to the signal channel")
	f.BoolVar(&playTone, "tone", false, "Play the signal tone on audio.output_device in each signal phase")
	return cmd
}

// runSessions starts a pipeline, begins recording with start and waits for
// n sessions to finish before stopping.
func (a *app) runSessions(cmd *cobra.Command, n int, start func(*pipeline.Orchestrator) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := make(chan session.Event, 64)
	observer := func(e session.Event) {
		select {
		case events <- e:
		default:
			applog.Warnf("CLI: Dropped session event %s", e.Type)
		}
	}

	return withPortAudio(a.cfg, func() error {
		o, err := pipeline.New(a.cfg, pipeline.Deps{Observer: observer})
		if err != nil {
			return err
		}
		if err := o.Start(ctx); err != nil {
			return errors.Join(err, o.Stop())
		}
		if err := start(o); err != nil {
			return errors.Join(err, o.Stop())
		}

		err = waitSessions(ctx, o, events, n)
		if stopErr := o.Stop(); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		if err == nil {
			printSinks(cmd, o)
		}
		return err
	})
}

// waitSessions blocks until n sessions have finished.
func waitSessions(ctx context.Context, o *pipeline.Orchestrator, events <-chan session.Event, n int) error {
	finished := 0
	handle := func(e session.Event) error {
		switch e.Type {
		case session.EventFinished:
			finished++
			applog.Infof("CLI: Session %d/%d finished after %d frames", finished, n, e.State.Frames)
		case session.EventAborted:
			return errSessionAborted
		}
		return nil
	}

	for finished < n {
		select {
		case e := <-events:
			if err := handle(e); err != nil {
				return err
			}
		case <-o.Done():
			// Events raised by the last frames are queued before Done closes.
			for finished < n {
				select {
				case e := <-events:
					if err := handle(e); err != nil {
						return err
					}
				default:
					return fmt.Errorf("pipeline ended after %d of %d sessions: %w", finished, n, runCause(o))
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func runCause(o *pipeline.Orchestrator) error {
	if err := o.Err(); err != nil {
		return err
	}
	return pipeline.ErrStopped
}

func printSinks(cmd *cobra.Command, o *pipeline.Orchestrator) {
	stats := o.Stats()
	for _, key := range sink.Channels {
		s, ok := stats.Sinks[key]
		if !ok {
			continue
		}
		printf(cmd, "%-7s %s (%d frames, %d sessions)\n", key, s.Path, s.Frames, s.EndMarkers)
	}
}
