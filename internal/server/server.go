// SPDX-License-Identifier: MIT
/*
Package server exposes the recorder over HTTP.

	GET  /status        session state and pipeline counters
	POST /record        {"channel": "noise", "frames": 100}
	POST /record/timed  optional {"signal_ms", "tail_ms", "repeat", "both_channels"};
	                    absent fields keep the configured recording settings
	POST /abort         end the running session
	POST /export        zip the channel files
	GET  /ws            display feed, when a websocket handler is mounted

Requests that would start a second session are answered with 409 Conflict.
*/
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	applog "specrec/internal/log"
	"specrec/internal/pipeline"
	"specrec/internal/session"
	"specrec/internal/sink"
)

// Controller is the part of the pipeline the server drives.
type Controller interface {
	State() session.State
	Stats() pipeline.Stats
	StartRecording(channel sink.ChannelKey, frames int) error
	StartTimed(opts session.TimedOptions) error
	TimedDefaults() session.TimedOptions
	Abort() (bool, error)
	Export() (string, int, error)
}

var _ Controller = (*pipeline.Orchestrator)(nil)

// Server represents the control server.
type Server struct {
	ctrl    Controller
	ws      http.Handler
	control bool
	mux     *http.ServeMux
}

// StatusResponse represents the JSON response for the status endpoint.
type StatusResponse struct {
	Busy  bool           `json:"busy"`
	State session.State  `json:"state"`
	Stats pipeline.Stats `json:"stats"`
}

// RecordRequest starts a count-bounded session.
type RecordRequest struct {
	Channel string `json:"channel"`
	Frames  int    `json:"frames"`
}

// TimedRequest starts a timed session. Absent fields keep the configured
// recording settings; "tail_ms": 0 disables the tail.
type TimedRequest struct {
	SignalMs     *int  `json:"signal_ms,omitempty"`
	TailMs       *int  `json:"tail_ms,omitempty"`
	Repeat       *int  `json:"repeat,omitempty"`
	BothChannels *bool `json:"both_channels,omitempty"`
}

// apply overrides the fields of opts that the request sets.
func (req TimedRequest) apply(opts session.TimedOptions) session.TimedOptions {
	if req.SignalMs != nil {
		opts.Signal = time.Duration(*req.SignalMs) * time.Millisecond
	}
	if req.TailMs != nil {
		opts.Tail = time.Duration(*req.TailMs) * time.Millisecond
	}
	if req.Repeat != nil {
		opts.Repeat = *req.Repeat
	}
	if req.BothChannels != nil {
		opts.BothChannels = *req.BothChannels
	}
	return opts
}

// ExportResponse reports a written archive.
type ExportResponse struct {
	Archive string `json:"archive"`
	Files   int    `json:"files"`
}

// Option configures a Server.
type Option func(*Server)

// WithWebSocket mounts h on /ws.
func WithWebSocket(h http.Handler) Option {
	return func(s *Server) { s.ws = h }
}

// WithControl enables or disables the control routes. They are enabled by
// default.
func WithControl(enabled bool) Option {
	return func(s *Server) { s.control = enabled }
}

// New creates a server for ctrl.
func New(ctrl Controller, opts ...Option) *Server {
	s := &Server{ctrl: ctrl, control: true, mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(s)
	}
	if s.control {
		s.mux.HandleFunc("GET /status", s.handleStatus)
		s.mux.HandleFunc("POST /record", s.handleRecord)
		s.mux.HandleFunc("POST /record/timed", s.handleTimed)
		s.mux.HandleFunc("POST /abort", s.handleAbort)
		s.mux.HandleFunc("POST /export", s.handleExport)
	}
	if s.ws != nil {
		s.mux.Handle("GET /ws", s.ws)
	}
	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		applog.Infof("Server: Listening on http://%s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	applog.Infof("Server: Stopped")
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.ctrl.State()
	sendJSON(w, http.StatusOK, StatusResponse{
		Busy:  state.Busy(),
		State: state,
		Stats: s.ctrl.Stats(),
	})
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if err := decode(w, r, &req); err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	key, err := sink.ParseChannelKey(req.Channel)
	if err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	applog.Debugf("Server: Record request (channel %s, frames %d)", key, req.Frames)
	if err := s.ctrl.StartRecording(key, req.Frames); err != nil {
		sendError(w, statusFor(err), err)
		return
	}
	sendJSON(w, http.StatusAccepted, s.ctrl.State())
}

func (s *Server) handleTimed(w http.ResponseWriter, r *http.Request) {
	var req TimedRequest
	if err := decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	opts := req.apply(s.ctrl.TimedDefaults())
	applog.Debugf("Server: Timed request (signal %s, tail %s, repeat %d)", opts.Signal, opts.Tail, opts.Repeat)
	if err := s.ctrl.StartTimed(opts); err != nil {
		sendError(w, statusFor(err), err)
		return
	}
	sendJSON(w, http.StatusAccepted, s.ctrl.State())
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	aborted, err := s.ctrl.Abort()
	if err != nil {
		sendError(w, statusFor(err), err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]bool{"aborted": aborted})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	out, n, err := s.ctrl.Export()
	if err != nil {
		sendError(w, statusFor(err), err)
		return
	}
	sendJSON(w, http.StatusOK, ExportResponse{Archive: out, Files: n})
}

// decode reads a JSON body into v. An empty body yields io.EOF.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidCount), errors.Is(err, session.ErrInvalidDuration):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		applog.Warnf("Server: Failed to encode response: %v", err)
	}
}

func sendError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		applog.Errorf("Server: %v", err)
	}
	sendJSON(w, status, map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}
