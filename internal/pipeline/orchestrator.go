// SPDX-License-Identifier: MIT
/*
Package pipeline wires capture, framing, transform, recording and display
into one running pipeline.

Data flow:

	capture.Source ──chunks──▶ capture loop ──frames──▶ frame stage
	                                                      ├─ waveform branch ─▶ display
	                                                      └─ record branch ─▶ transform ─▶ session.Machine ─▶ sink.Registry
	                                                                                     └─▶ spectrum branch ─▶ snapshot, bands ─▶ display

The capture loop only cuts frames and publishes them; every transform, file
write and display message happens on a branch worker. Stop tears the
pipeline down in a fixed order: capture is unsubscribed, the branches are
drained (or cancelled after the drain timeout), the session is aborted, the
registry is closed and finally the source and tone output are released. No
channel writer receives a frame after the registry starts closing.

When a TonePlayer is configured, each signal phase of a timed session plays
the signal tone for recording.signal_length_ms or until the phase ends.
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"specrec/internal/analysis"
	"specrec/internal/backpressure"
	"specrec/internal/capture"
	"specrec/internal/config"
	"specrec/internal/frame"
	applog "specrec/internal/log"
	"specrec/internal/session"
	"specrec/internal/sink"
	"specrec/internal/spectral"
	"specrec/internal/transport"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrAlreadyRunning is returned by Start on a running pipeline.
	ErrAlreadyRunning = errors.New("pipeline: already running")
	// ErrNotRunning is returned by operations that need a running pipeline.
	ErrNotRunning = errors.New("pipeline: not running")
	// ErrStopped is returned by Start once the pipeline has been stopped.
	// A pipeline runs at most once because its source streams at most once.
	ErrStopped = errors.New("pipeline: stopped")
)

// Branch names.
const (
	BranchWaveform = "waveform"
	BranchRecord   = "record"
	BranchSpectrum = "spectrum"
)

// TonePlayer sounds the signal tone of timed sessions.
type TonePlayer interface {
	Play(freq float64, d time.Duration) error
	Stop() error
	Close() error
}

// Deps are the collaborators of an Orchestrator. Nil fields are built from
// the configuration.
type Deps struct {
	Source      capture.Source
	Transformer spectral.Transformer
	Display     transport.Transport // Receives waveform and band messages; not closed by Stop.
	Snapshot    *analysis.Snapshot
	Scheduler   session.Scheduler
	Observer    session.Observer
	Tone        TonePlayer // Built only when recording.play_tone is set; closed by Stop.
}

// Stats describe a pipeline run.
type Stats struct {
	Running           bool                                `json:"running"`
	Frames            uint64                              `json:"frames"`
	TransformFailures uint64                              `json:"transform_failures"`
	Branches          map[string]backpressure.Stats       `json:"branches"`
	Sinks             map[sink.ChannelKey]sink.WriterStats `json:"sinks"`
	Session           session.State                       `json:"session"`
}

type runState int

const (
	stateIdle runState = iota
	stateRunning
	stateStopped
)

// Orchestrator owns one pipeline run.
type Orchestrator struct {
	cfg  *config.Config
	deps Deps

	layout        sink.Layout
	recordPolicy  backpressure.Policy
	displayPolicy backpressure.Policy

	mu       sync.Mutex
	state    runState
	cancel   context.CancelFunc
	acc      *frame.Accumulator
	frames   *backpressure.Stage[[]float32]
	spectrum *backpressure.Branch[spectral.Frame]
	registry *sink.Registry
	machine  *session.Machine
	bands    *analysis.BandEnergy

	toneMu      sync.Mutex
	toneSession string // Session the tone was started for, "" when silent.

	done     chan struct{}
	runErr   error
	closeErr error

	framesOut         atomic.Uint64
	transformFailures atomic.Uint64
}

// New validates cfg and resolves the missing dependencies. The source is
// not started until Start.
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	layout, err := sink.ParseLayout(cfg.Recording.Layout)
	if err != nil {
		return nil, err
	}
	recordPolicy, err := backpressure.ParsePolicy(cfg.Pipeline.RecordPolicy)
	if err != nil {
		return nil, err
	}
	displayPolicy, err := backpressure.ParsePolicy(cfg.Pipeline.DisplayPolicy)
	if err != nil {
		return nil, err
	}

	size := cfg.Pipeline.FrameSize
	if deps.Transformer == nil {
		window, err := spectral.ParseWindowFunc(cfg.Pipeline.Window)
		if err != nil {
			return nil, err
		}
		deps.Transformer, err = spectral.New(cfg.Pipeline.Transform, size, spectral.Options{
			Gain:   cfg.Pipeline.InputGain,
			Window: window,
		})
		if err != nil {
			return nil, err
		}
	}
	if deps.Transformer.Size() != size {
		return nil, fmt.Errorf("transformer size %d does not match frame size %d", deps.Transformer.Size(), size)
	}
	if deps.Tone == nil && cfg.Recording.PlayTone {
		player, err := capture.NewTonePlayer(cfg.Audio, cfg.Recording.ToneAmplitude)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve tone output: %w", err)
		}
		deps.Tone = player
	}
	if deps.Source == nil {
		deps.Source, err = capture.Open(cfg.Audio)
		if err != nil {
			return nil, fmt.Errorf("failed to open capture source: %w", err)
		}
	}
	if deps.Snapshot == nil {
		deps.Snapshot, err = analysis.NewSnapshot(size, deps.Source.SampleRate())
		if err != nil {
			return nil, err
		}
	}
	if deps.Display == nil {
		deps.Display = transport.NewLoggingTransport()
	}
	if deps.Scheduler == nil {
		deps.Scheduler = session.NewClockScheduler()
	}

	return &Orchestrator{
		cfg:           cfg,
		deps:          deps,
		layout:        layout,
		recordPolicy:  recordPolicy,
		displayPolicy: displayPolicy,
		done:          make(chan struct{}),
	}, nil
}

// Snapshot returns the spectrum snapshot fed by the spectrum branch.
func (o *Orchestrator) Snapshot() *analysis.Snapshot {
	return o.deps.Snapshot
}

// Start builds the branches, the recording machine and the channel
// registry, then starts capturing. The run ends when Stop is called, ctx is
// cancelled, the capture stream ends or a fatal error occurs.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case stateRunning:
		return ErrAlreadyRunning
	case stateStopped:
		return ErrStopped
	}

	acc, err := frame.NewAccumulator(o.cfg.Pipeline.FrameSize, o.cfg.Pipeline.EffectiveCarryCapacity())
	if err != nil {
		return err
	}
	registry, err := sink.NewRegistry(o.cfg.Recording.OutputDir, o.layout,
		sink.WithDeleteOnClose(o.cfg.Recording.DeleteOnClose))
	if err != nil {
		return err
	}
	bands, err := analysis.NewBandEnergy(o.deps.Display, o.deps.Snapshot, o.cfg.Pipeline.DisplayBands)
	if err != nil {
		registry.Close()
		return err
	}

	o.acc = acc
	o.registry = registry
	o.bands = bands
	var machine *session.Machine
	machine = session.NewMachine(registry, o.deps.Scheduler,
		session.WithObserver(func(e session.Event) { o.observe(machine, e) }))
	o.machine = machine

	o.spectrum = backpressure.NewBranch(BranchSpectrum, o.displayPolicy, o.onSpectrum)
	o.frames = backpressure.NewStage[[]float32]()
	if _, err := o.frames.Add(BranchWaveform, o.displayPolicy, o.onWaveform); err != nil {
		o.abortStart()
		return err
	}
	if _, err := o.frames.Add(BranchRecord, o.recordPolicy, o.onRecord); err != nil {
		o.abortStart()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	chunks, err := o.deps.Source.Stream(runCtx)
	if err != nil {
		cancel()
		o.abortStart()
		return fmt.Errorf("failed to start capture: %w", err)
	}
	o.cancel = cancel
	o.state = stateRunning

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return o.captureLoop(gctx, chunks) })
	go func() {
		o.shutdown(g.Wait())
	}()

	applog.Infof("Pipeline: Started (frame size %d, %s, record %s, display %s)",
		o.cfg.Pipeline.FrameSize, o.layout.Name, o.recordPolicy, o.displayPolicy)
	return nil
}

// abortStart releases what a failed Start created. Caller holds mu.
func (o *Orchestrator) abortStart() {
	if o.frames != nil {
		o.frames.Cancel()
	}
	o.spectrum.Cancel()
	o.registry.Close()
}

// captureLoop is the only consumer of the source. It never blocks on a
// branch.
func (o *Orchestrator) captureLoop(ctx context.Context, chunks <-chan []float32) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-chunks:
			if !ok {
				if err := o.deps.Source.Err(); err != nil {
					return fmt.Errorf("capture: %w", err)
				}
				return nil
			}
			frames, err := o.acc.Push(chunk)
			if err != nil {
				return err
			}
			for _, f := range frames {
				o.framesOut.Add(1)
				o.frames.Publish(f)
			}
		}
	}
}

func (o *Orchestrator) onWaveform(f []float32) {
	msg := analysis.Waveform(f, o.cfg.Pipeline.WaveformPoints)
	if err := o.deps.Display.Send(msg); err != nil {
		applog.Debugf("Pipeline: Waveform send failed: %v", err)
	}
}

func (o *Orchestrator) onRecord(f []float32) {
	spec, err := o.deps.Transformer.Transform(f)
	if err != nil {
		o.transformFailures.Add(1)
		applog.Warnf("Pipeline: Dropping frame: %v", err)
		return
	}
	o.machine.OnFrame(spec)
	o.spectrum.Publish(spec)
}

func (o *Orchestrator) onSpectrum(spec spectral.Frame) {
	o.deps.Snapshot.Update(spec)
	o.bands.Process()
}

// observe keeps the tone in step with the machine, then forwards e.
func (o *Orchestrator) observe(m *session.Machine, e session.Event) {
	if o.deps.Tone != nil {
		o.syncTone(m)
	}
	if o.deps.Observer != nil {
		o.deps.Observer(e)
	}
}

// syncTone plays the tone once per signal phase and silences it in every
// other phase. It follows the machine's current state, not the event, since
// events delivered by different goroutines may interleave.
func (o *Orchestrator) syncTone(m *session.Machine) {
	o.toneMu.Lock()
	defer o.toneMu.Unlock()
	st := m.State()
	switch {
	case st.Phase == session.PhaseSignal && st.SessionID != o.toneSession:
		o.toneSession = st.SessionID
		r := o.cfg.Recording
		if err := o.deps.Tone.Play(r.ToneFreqHz, r.SignalLength()); err != nil {
			applog.Warnf("Pipeline: Tone failed: %v", err)
		}
	case st.Phase != session.PhaseSignal && o.toneSession != "":
		o.toneSession = ""
		if err := o.deps.Tone.Stop(); err != nil {
			applog.Warnf("Pipeline: Tone stop failed: %v", err)
		}
	}
}

// shutdown runs once per run, after the capture loop has exited.
func (o *Orchestrator) shutdown(runErr error) {
	o.mu.Lock()
	o.state = stateStopped
	o.runErr = runErr
	o.mu.Unlock()

	switch {
	case runErr == nil:
		applog.Infof("Pipeline: Stopping")
	case errors.Is(runErr, capture.ErrStreamEnded):
		applog.Infof("Pipeline: Capture stream ended, stopping")
	default:
		applog.Errorf("Pipeline: Stopping after fatal error: %v", runErr)
	}

	// 1. No more chunks are admitted.
	o.cancel()

	// 2. Drain the branches, frames first since the record branch feeds
	// the spectrum branch.
	var errs []error
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), o.cfg.Pipeline.DrainTimeout)
	if err := o.frames.Close(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain frames: %w", err))
	}
	if err := o.spectrum.Close(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain spectrum: %w", err))
	}
	cancelDrain()

	// 3. Cancel the phase timer, close the session's channels and refuse
	// new sessions.
	o.machine.Close()

	// 4. Flush and close every channel writer.
	if err := o.registry.Close(); err != nil {
		errs = append(errs, err)
	}

	// 5. Release the devices.
	if err := o.deps.Source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close source: %w", err))
	}
	if err := o.closeTone(); err != nil {
		errs = append(errs, err)
	}

	o.mu.Lock()
	o.closeErr = errors.Join(errs...)
	o.mu.Unlock()
	applog.Infof("Pipeline: Stopped after %d frames", o.framesOut.Load())
	close(o.done)
}

// Stop ends the run and waits for the teardown to finish. It returns the
// errors met while draining and closing; Err reports why the run ended.
// Calling Stop again returns the same result.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.state == stateIdle {
		o.state = stateStopped
		o.mu.Unlock()
		close(o.done)
		return errors.Join(o.deps.Source.Close(), o.closeTone())
	}
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-o.done

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closeErr
}

func (o *Orchestrator) closeTone() error {
	if o.deps.Tone == nil {
		return nil
	}
	if err := o.deps.Tone.Close(); err != nil {
		return fmt.Errorf("close tone: %w", err)
	}
	return nil
}

// Done is closed when the run has been torn down.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Err returns the error that ended the run: nil after Stop or ctx
// cancellation, a wrapped capture.ErrStreamEnded when the source ran dry, a
// wrapped frame.ErrOverflow or a source failure otherwise.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runErr
}

// Running reports whether the pipeline is capturing.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == stateRunning
}

// runningMachine returns the machine of a running pipeline. A machine
// returned here may be closed by a concurrent teardown; its session
// controls then fail with session.ErrClosed.
func (o *Orchestrator) runningMachine() (*session.Machine, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != stateRunning {
		return nil, ErrNotRunning
	}
	return o.machine, nil
}

// notRunning maps the error of a machine closed by teardown.
func notRunning(err error) error {
	if errors.Is(err, session.ErrClosed) {
		return ErrNotRunning
	}
	return err
}

// StartRecording begins a count-bounded session on channel.
func (o *Orchestrator) StartRecording(channel sink.ChannelKey, frames int) error {
	key, err := sink.ParseChannelKey(string(channel))
	if err != nil {
		return err
	}
	m, err := o.runningMachine()
	if err != nil {
		return err
	}
	return notRunning(m.Start(key, frames))
}

// StartTimed begins a timed session.
func (o *Orchestrator) StartTimed(opts session.TimedOptions) error {
	m, err := o.runningMachine()
	if err != nil {
		return err
	}
	return notRunning(m.StartTimed(opts))
}

// TimedDefaults returns the timed session described by the recording
// settings.
func (o *Orchestrator) TimedDefaults() session.TimedOptions {
	r := o.cfg.Recording
	return session.TimedOptions{
		Signal:       r.SignalMode(),
		Tail:         r.TailMode(),
		Repeat:       r.SampleCount,
		BothChannels: r.BothChannels,
	}
}

// StartTimedFromConfig begins a timed session with the recording settings.
func (o *Orchestrator) StartTimedFromConfig() error {
	return o.StartTimed(o.TimedDefaults())
}

// Abort ends the running session, if any.
func (o *Orchestrator) Abort() (bool, error) {
	m, err := o.runningMachine()
	if err != nil {
		return false, err
	}
	return m.Abort(), nil
}

// State returns the recording state. It is idle before Start.
func (o *Orchestrator) State() session.State {
	o.mu.Lock()
	m := o.machine
	o.mu.Unlock()
	if m == nil {
		return session.State{}
	}
	return m.State()
}

// OutputDir returns the directory of the channel files.
func (o *Orchestrator) OutputDir() string {
	return o.cfg.Recording.OutputDir
}

// ArchivePath returns where Export writes the zip archive.
func (o *Orchestrator) ArchivePath() string {
	name := o.cfg.Recording.ArchiveName
	if name == "" || strings.ContainsAny(name, `/\\`) {
		name = config.DefaultArchiveName
	}
	return filepath.Join(o.cfg.Recording.OutputDir, name)
}

// Export zips the channel files. It is refused while a session is writing.
func (o *Orchestrator) Export() (string, int, error) {
	if o.State().Busy() {
		return "", 0, session.ErrBusy
	}
	out := o.ArchivePath()
	n, err := sink.ExportArchive(o.cfg.Recording.OutputDir, out)
	return out, n, err
}

// Stats returns counters of the current or last run.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	s := Stats{
		Running:           o.state == stateRunning,
		Frames:            o.framesOut.Load(),
		TransformFailures: o.transformFailures.Load(),
	}
	frames, spectrum, registry, machine := o.frames, o.spectrum, o.registry, o.machine
	o.mu.Unlock()

	if frames != nil {
		s.Branches = frames.Stats()
		s.Branches[BranchSpectrum] = spectrum.Stats()
	}
	if registry != nil {
		s.Sinks = registry.Stats()
	}
	if machine != nil {
		s.Session = machine.State()
	}
	return s
}
