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

	"specrec/internal/capture"
	applog "specrec/internal/log"
	"specrec/internal/pipeline"
	"specrec/internal/server"
	"specrec/internal/transport"
	"specrec/internal/transport/udp"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCommand(a *app) *cobra.Command {
	var (
		src      sourceFlags
		httpAddr string
		ws       bool
		udpAddr  string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture continuously and serve the control API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			t := &a.cfg.Transport
			if httpAddr != "" {
				t.HTTPEnabled = true
				t.HTTPAddress = httpAddr
			}
			if cmd.Flags().Changed("ws") {
				t.WebSocketEnabled = ws
			}
			if udpAddr != "" {
				t.UDPEnabled = true
				t.UDPTargetAddress = udpAddr
			}
			if cmd.Flags().Changed("udp-interval") {
				t.UDPSendInterval = interval
			}
			if err := src.apply(cmd, a.cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withPortAudio(a.cfg, func() error { return a.serve(ctx) })
		},
	}
	src.register(cmd)
	f := cmd.Flags()
	f.StringVar(&httpAddr, "http", "", "Serve the control API on this address")
	f.BoolVar(&ws, "ws", false, "Mount the display feed on /ws")
	f.StringVar(&udpAddr, "udp", "", "Send magnitude packets to this address")
	f.DurationVar(&interval, "udp-interval", 0, "Interval between UDP packets")
	return cmd
}

// serve runs the pipeline and the configured outer surfaces until ctx is
// cancelled or the capture ends.
func (a *app) serve(ctx context.Context) error {
	t := a.cfg.Transport

	var (
		deps pipeline.Deps
		hub  *transport.WebSocketTransport
	)
	if t.WebSocketEnabled {
		hub = transport.NewWebSocketTransport()
		defer hub.Close()
		deps.Display = transport.Multi{hub, transport.NewLoggingTransport()}
	}

	o, err := pipeline.New(a.cfg, deps)
	if err != nil {
		return err
	}
	if err := o.Start(ctx); err != nil {
		o.Stop()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if t.HTTPEnabled || t.WebSocketEnabled {
		opts := []server.Option{server.WithControl(t.HTTPEnabled)}
		if hub != nil {
			opts = append(opts, server.WithWebSocket(hub))
		}
		srv := server.New(o, opts...)
		g.Go(func() error { return srv.ListenAndServe(gctx, t.HTTPAddress) })
	}

	if t.UDPEnabled {
		sender, err := udp.NewUDPSender(t.UDPTargetAddress)
		if err != nil {
			cancel()
			return errors.Join(err, o.Stop())
		}
		publisher, err := udp.NewUDPPublisher(t.UDPSendInterval, sender, o.Snapshot())
		if err != nil {
			sender.Close()
			cancel()
			return errors.Join(err, o.Stop())
		}
		publisher.Start()
		defer publisher.Close()
	}

	g.Go(func() error {
		select {
		case <-o.Done():
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	applog.Infof("CLI: Running, press Ctrl+C to stop")
	err = g.Wait()
	if stopErr := o.Stop(); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	return errors.Join(err, runError(o))
}

// runError reports why the pipeline ended. A source that ran dry is a
// normal end.
func runError(o *pipeline.Orchestrator) error {
	err := o.Err()
	if errors.Is(err, capture.ErrStreamEnded) {
		applog.Infof("CLI: Capture finished")
		return nil
	}
	if err != nil {
		return fmt.Errorf("pipeline failed: %w", err)
	}
	return nil
}
