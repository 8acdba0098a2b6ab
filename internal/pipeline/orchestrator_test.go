// SPDX-License-Identifier: MIT
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"specrec/internal/analysis"
	"specrec/internal/capture"
	"specrec/internal/config"
	"specrec/internal/frame"
	"specrec/internal/session"
	"specrec/internal/sink"
	"specrec/internal/spectral"
	"specrec/pkg/utils"
)

const (
	testFrameSize  = 16
	testSampleRate = 8000
)

type harness struct {
	o       *Orchestrator
	cfg     *config.Config
	src     *capture.ChanSource
	sched   *session.ManualScheduler
	display *utils.MockTransport
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Audio.FramesPerBuffer = 8
	cfg.Pipeline.FrameSize = testFrameSize
	cfg.Pipeline.WaveformPoints = 8
	cfg.Pipeline.DisplayBands = 4
	cfg.Pipeline.DrainTimeout = 5 * time.Second
	cfg.Recording.OutputDir = t.TempDir()
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, observer session.Observer) *harness {
	t.Helper()
	return newHarnessWithDeps(t, cfg, Deps{Observer: observer})
}

// newHarnessWithDeps fills in the source, display and scheduler of deps.
func newHarnessWithDeps(t *testing.T, cfg *config.Config, deps Deps) *harness {
	t.Helper()
	h := &harness{
		cfg:     cfg,
		src:     capture.NewChanSource(testSampleRate, 64),
		sched:   session.NewManualScheduler(),
		display: utils.NewMockTransport(),
	}
	deps.Source = h.src
	deps.Display = h.display
	deps.Scheduler = h.sched
	o, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	h.o = o
	t.Cleanup(func() { o.Stop() })
	return h
}

// feed sends samples in chunks of eight.
func (h *harness) feed(samples []float32) {
	for _, c := range utils.Chunk(samples, 8) {
		h.src.Feed(c)
	}
}

func (h *harness) read(t *testing.T, key sink.ChannelKey) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.cfg.Recording.OutputDir, key.Filename()))
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return string(data)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDone(t *testing.T, o *Orchestrator) {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

// frameLines returns the non-empty lines of a file in lines layout, checking
// that each holds one spectral frame.
func frameLines(t *testing.T, content string) []string {
	t.Helper()
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if line == "" {
			continue
		}
		if n := len(strings.Split(line, ", ")); n != testFrameSize+2 {
			t.Errorf("line has %d values, want %d: %q", n, testFrameSize+2, line)
		}
		lines = append(lines, line)
	}
	return lines
}

func TestCountBoundedRecording(t *testing.T) {
	h := newHarness(t, testConfig(t), nil)
	if err := h.o.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := h.o.StartRecording(sink.Noise, 3); err != nil {
		t.Fatalf("StartRecording error: %v", err)
	}

	h.feed(utils.Sine(5*testFrameSize, 1000, testSampleRate, 0.5))
	h.src.End(nil)
	waitDone(t, h.o)

	if err := h.o.Err(); !errors.Is(err, capture.ErrStreamEnded) {
		t.Errorf("Err() = %v, want ErrStreamEnded", err)
	}
	content := h.read(t, sink.Noise)
	if got := len(frameLines(t, content)); got != 3 {
		t.Errorf("noise.txt has %d frames, want 3", got)
	}
	if !strings.HasSuffix(content, "\n\n") {
		t.Errorf("noise.txt lacks its closing token: %q", content)
	}
	for _, key := range []sink.ChannelKey{sink.Signal, sink.Tail, sink.All} {
		if _, err := os.Stat(filepath.Join(h.cfg.Recording.OutputDir, key.Filename())); !os.IsNotExist(err) {
			t.Errorf("%s was created without frames", key.Filename())
		}
	}

	stats := h.o.Stats()
	if stats.Frames != 5 {
		t.Errorf("Stats.Frames = %d, want 5", stats.Frames)
	}
	if rec := stats.Branches[BranchRecord]; rec.Delivered != 5 || rec.Dropped != 0 {
		t.Errorf("record branch stats = %+v, want 5 delivered and none dropped", rec)
	}
	if stats.Sinks[sink.Noise].Frames != 3 {
		t.Errorf("noise sink stats = %+v", stats.Sinks[sink.Noise])
	}
	if stats.Running || stats.Session.Busy() {
		t.Errorf("stats after stop = %+v", stats)
	}
}

func TestTimedRecording(t *testing.T) {
	var mu sync.Mutex
	var events []session.EventType
	observer := func(e session.Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	}
	h := newHarness(t, testConfig(t), observer)
	if err := h.o.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	err := h.o.StartTimed(session.TimedOptions{Signal: time.Second, Tail: time.Second})
	if err != nil {
		t.Fatalf("StartTimed error: %v", err)
	}
	if err := h.o.StartRecording(sink.Noise, 1); !errors.Is(err, session.ErrBusy) {
		t.Errorf("StartRecording while timed = %v, want ErrBusy", err)
	}

	frames := func() int { return h.o.State().Frames }
	h.feed(utils.Sine(2*testFrameSize, 500, testSampleRate, 0.5))
	waitFor(t, "signal frames", func() bool { return frames() == 2 })

	h.sched.Advance(time.Second)
	if p := h.o.State().Phase; p != session.PhaseTail {
		t.Fatalf("phase after signal = %s, want tail", p)
	}
	h.feed(utils.Sine(testFrameSize, 500, testSampleRate, 0.5))
	waitFor(t, "tail frame", func() bool { return frames() == 3 })

	h.sched.Advance(time.Second)
	if h.o.State().Busy() {
		t.Fatal("session still busy after tail")
	}

	if err := h.o.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if got := len(frameLines(t, h.read(t, sink.All))); got != 3 {
		t.Errorf("all.txt has %d frames, want 3", got)
	}
	if got := len(frameLines(t, h.read(t, sink.Tail))); got != 1 {
		t.Errorf("tail.txt has %d frames, want 1", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []session.EventType{session.EventStarted, session.EventPhaseChanged, session.EventFinished}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, events[i], want[i])
		}
	}
}

func TestStartTimedFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recording.SignalModeMs = 200
	cfg.Recording.TailModeMs = 0
	cfg.Recording.SampleCount = 2
	cfg.Recording.BothChannels = true
	h := newHarness(t, cfg, nil)
	want := session.TimedOptions{Signal: 200 * time.Millisecond, Repeat: 2, BothChannels: true}
	if got := h.o.TimedDefaults(); got != want {
		t.Errorf("TimedDefaults() = %+v, want %+v", got, want)
	}
	if err := h.o.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := h.o.StartTimedFromConfig(); err != nil {
		t.Fatalf("StartTimedFromConfig error: %v", err)
	}
	st := h.o.State()
	if st.Timed == nil || st.Timed.Signal != 200*time.Millisecond || st.RepeatsLeft != 2 {
		t.Fatalf("state = %+v", st)
	}

	h.sched.Advance(200 * time.Millisecond)
	if st := h.o.State(); st.Phase != session.PhaseSignal || st.RepeatsLeft != 1 {
		t.Errorf("state after first run = %+v, want second signal phase", st)
	}
	h.sched.Advance(200 * time.Millisecond)
	if h.o.State().Busy() {
		t.Error("busy after both runs")
	}
}

// fakeTone records calls as "play <freq> <duration>", "stop" and "close".
type fakeTone struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTone) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeTone) Play(freq float64, d time.Duration) error {
	f.record(fmt.Sprintf("play %g %s", freq, d))
	return nil
}

func (f *fakeTone) Stop() error  { f.record("stop"); return nil }
func (f *fakeTone) Close() error { f.record("close"); return nil }

func (f *fakeTone) take() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := strings.Join(f.calls, ", ")
	f.calls = nil
	return calls
}

func TestSignalTone(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recording.SignalLengthMs = 150
	cfg.Recording.ToneFreqHz = 1000
	tone := &fakeTone{}
	h := newHarnessWithDeps(t, cfg, Deps{Tone: tone})
	if err := h.o.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	if err := h.o.StartRecording(sink.Noise, 10); err != nil {
		t.Fatalf("StartRecording error: %v", err)
	}
	if _, err := h.o.Abort(); err != nil {
		t.Fatal(err)
	}
	if got := tone.take(); got != "" {
		t.Errorf("count-bounded session touched the tone: %s", got)
	}

	opts := session.TimedOptions{Signal: time.Second, Tail: time.Second, Repeat: 2}
	if err := h.o.StartTimed(opts); err != nil {
		t.Fatalf("StartTimed error: %v", err)
	}
	if got, want := tone.take(), "play 1000 150ms"; got != want {
		t.Errorf("at signal start: %s, want %s", got, want)
	}
	h.sched.Advance(time.Second)
	if got := tone.take(); got != "stop" {
		t.Errorf("at tail start: %s, want stop", got)
	}
	// The second run plays again.
	h.sched.Advance(time.Second)
	if got, want := tone.take(), "play 1000 150ms"; got != want {
		t.Errorf("at second run: %s, want %s", got, want)
	}

	if err := h.o.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if got := tone.take(); got != "stop, close" {
		t.Errorf("at Stop: %s, want stop, close", got)
	}
}

func TestStopAbortsSession(t *testing.T) {
	h := newHarness(t, testConfig(t), nil)
	if err := h.o.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := h.o.StartTimed(session.TimedOptions{Signal: time.Hour}); err != nil {
		t.Fatalf("StartTimed error: %v", err)
	}
	h.feed(utils.Sine(testFrameSize, 500, testSampleRate, 0.5))
	waitFor(t, "frame", func() bool { return h.o.State().Frames == 1 })

	if err := h.o.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if h.sched.Pending() != 0 {
		t.Errorf("%d timers still armed after Stop", h.sched.Pending())
	}
	content := h.read(t, sink.All)
	if got := len(frameLines(t, content)); got != 1 {
		t.Errorf("all.txt has %d frames, want 1", got)
	}
	if !strings.HasSuffix(content, "\n\n") {
		t.Errorf("all.txt was not closed: %q", content)
	}

	// A late timer must not touch the closed pipeline.
	h.sched.Advance(2 * time.Hour)
	if h.o.State().Busy() {
		t.Error("state busy after Stop")
	}
}

func TestLifecycle(t *testing.T) {
	h := newHarness(t, testConfig(t), nil)

	if err := h.o.StartRecording(sink.Noise, 1); !errors.Is(err, ErrNotRunning) {
		t.Errorf("StartRecording before Start = %v, want ErrNotRunning", err)
	}
	if h.o.State().Busy() {
		t.Error("busy before Start")
	}

	ctx := context.Background()
	if err := h.o.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if !h.o.Running() {
		t.Error("Running() = false after Start")
	}
	if err := h.o.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}

	if err := h.o.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if err := h.o.Stop(); err != nil {
		t.Errorf("second Stop error: %v", err)
	}
	if err := h.o.Err(); err != nil {
		t.Errorf("Err() after Stop = %v, want nil", err)
	}
	if err := h.o.Start(ctx); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
	if _, err := h.o.Abort(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Abort after Stop = %v, want ErrNotRunning", err)
	}
	if _, err := h.src.Stream(ctx); !errors.Is(err, capture.ErrSourceClosed) {
		t.Errorf("source not released: Stream = %v", err)
	}
}

func TestObserverCallsBackDuringStop(t *testing.T) {
	entered := make(chan struct{})
	var called atomic.Bool
	var h *harness
	// Only the first started event calls back; the session it starts
	// raises another one.
	observer := func(e session.Event) {
		if e.Type != session.EventStarted || !called.CompareAndSwap(false, true) {
			return
		}
		close(entered)
		time.Sleep(100 * time.Millisecond)
		if _, err := h.o.Abort(); err != nil && !errors.Is(err, ErrNotRunning) {
			t.Errorf("Abort from observer = %v", err)
		}
		err := h.o.StartRecording(sink.Signal, 1)
		if err != nil && !errors.Is(err, ErrNotRunning) && !errors.Is(err, session.ErrBusy) {
			t.Errorf("StartRecording from observer = %v", err)
		}
	}
	h = newHarness(t, testConfig(t), observer)
	if err := h.o.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := h.o.StartRecording(sink.Noise, 100); err != nil {
			t.Errorf("StartRecording error: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		<-entered
		if err := h.o.Stop(); err != nil {
			t.Errorf("Stop error: %v", err)
		}
	}()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop and the observer callback did not return")
	}
	if h.o.State().Busy() {
		t.Error("session running after Stop")
	}
	if err := h.o.StartRecording(sink.Noise, 1); !errors.Is(err, ErrNotRunning) {
		t.Errorf("StartRecording after Stop = %v, want ErrNotRunning", err)
	}
}

func TestStartRecordingRejectsUnknownChannel(t *testing.T) {
	h := newHarness(t, testConfig(t), nil)
	if err := h.o.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	for _, key := range []sink.ChannelKey{"../x", "left", ""} {
		if err := h.o.StartRecording(key, 1); err == nil {
			t.Errorf("StartRecording(%q) succeeded", key)
		}
	}
	if h.o.State().Busy() {
		t.Error("session started for an unknown channel")
	}
	if err := h.o.StartRecording(sink.ChannelKey("Noise"), 1); err != nil {
		t.Errorf("StartRecording(Noise) = %v", err)
	}
}

func TestStopBeforeStart(t *testing.T) {
	h := newHarness(t, testConfig(t), nil)
	if err := h.o.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	waitDone(t, h.o)
	if _, err := h.src.Stream(context.Background()); !errors.Is(err, capture.ErrSourceClosed) {
		t.Errorf("source not released: Stream = %v", err)
	}
}

func TestContextCancelStops(t *testing.T) {
	h := newHarness(t, testConfig(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.o.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	cancel()
	waitDone(t, h.o)
	if err := h.o.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestOverflowIsFatal(t *testing.T) {
	h := newHarness(t, testConfig(t), nil)
	if err := h.o.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := h.o.StartRecording(sink.Signal, 10); err != nil {
		t.Fatalf("StartRecording error: %v", err)
	}

	// The carry buffer holds 32 samples.
	h.src.Feed(make([]float32, 40))
	waitDone(t, h.o)

	if err := h.o.Err(); !errors.Is(err, frame.ErrOverflow) {
		t.Errorf("Err() = %v, want ErrOverflow", err)
	}
	if h.o.State().Busy() {
		t.Error("session still running after fatal error")
	}
}

func TestTransformFailureDropsFrame(t *testing.T) {
	h := newHarness(t, testConfig(t), nil)
	if err := h.o.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := h.o.StartRecording(sink.Signal, 2); err != nil {
		t.Fatalf("StartRecording error: %v", err)
	}

	bad := make([]float32, testFrameSize)
	bad[3] = float32(math.NaN())
	samples := utils.Sine(testFrameSize, 1000, testSampleRate, 0.5)
	samples = append(samples, bad...)
	samples = append(samples, utils.Sine(testFrameSize, 1000, testSampleRate, 0.5)...)
	h.feed(samples)
	h.src.End(nil)
	waitDone(t, h.o)

	if got := h.o.Stats().TransformFailures; got != 1 {
		t.Errorf("TransformFailures = %d, want 1", got)
	}
	if got := len(frameLines(t, h.read(t, sink.Signal))); got != 2 {
		t.Errorf("signal.txt has %d frames, want 2", got)
	}
}

func TestDisplayFeed(t *testing.T) {
	h := newHarness(t, testConfig(t), nil)
	if err := h.o.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	h.feed(utils.Sine(4*testFrameSize, 1000, testSampleRate, 0.5))
	h.src.End(nil)
	waitDone(t, h.o)

	var waveforms, bands int
	for _, m := range h.display.Messages() {
		switch msg := m.(type) {
		case analysis.WaveformMessage:
			waveforms++
			if len(msg.Points) != 8 {
				t.Errorf("waveform has %d points, want 8", len(msg.Points))
			}
		case analysis.BandMessage:
			bands++
			if len(msg.Bands) != 4 {
				t.Errorf("band message has %d bands, want 4", len(msg.Bands))
			}
		}
	}
	if waveforms == 0 || bands == 0 {
		t.Errorf("got %d waveform and %d band messages, want some of each", waveforms, bands)
	}
	if h.o.Snapshot().Updates() == 0 {
		t.Error("snapshot never updated")
	}
	if h.display.Closed() {
		t.Error("display transport closed by the pipeline")
	}
}

func TestExport(t *testing.T) {
	h := newHarness(t, testConfig(t), nil)
	if err := h.o.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := h.o.StartRecording(sink.Noise, 1); err != nil {
		t.Fatalf("StartRecording error: %v", err)
	}
	if _, _, err := h.o.Export(); !errors.Is(err, session.ErrBusy) {
		t.Errorf("Export while recording = %v, want ErrBusy", err)
	}
	h.feed(utils.Sine(testFrameSize, 1000, testSampleRate, 0.5))
	waitFor(t, "session end", func() bool { return !h.o.State().Busy() })
	waitFor(t, "noise frame on disk", func() bool {
		return h.o.Stats().Sinks[sink.Noise].EndMarkers == 1
	})

	out, n, err := h.o.Export()
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}
	if n != 1 {
		t.Errorf("exported %d files, want 1", n)
	}
	if out != filepath.Join(h.cfg.Recording.OutputDir, config.DefaultArchiveName) {
		t.Errorf("archive path = %s", out)
	}
}

func TestNewValidation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.FrameSize = 100
	if _, err := New(cfg, Deps{Source: capture.NewChanSource(testSampleRate, 1)}); err == nil {
		t.Error("expected error for invalid frame size")
	}

	cfg = testConfig(t)
	tr, err := spectral.New(spectral.KindGonum, 32, spectral.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(cfg, Deps{Source: capture.NewChanSource(testSampleRate, 1), Transformer: tr}); err == nil {
		t.Error("expected error for transformer size mismatch")
	}
}

func BenchmarkPipeline(b *testing.B) {
	cfg := config.Default()
	cfg.Recording.OutputDir = b.TempDir()
	src := capture.NewChanSource(44100, 16)
	o, err := New(cfg, Deps{Source: src, Display: utils.NewMockTransport()})
	if err != nil {
		b.Fatal(err)
	}
	if err := o.Start(context.Background()); err != nil {
		b.Fatal(err)
	}
	defer o.Stop()

	chunk := utils.Sine(cfg.Audio.FramesPerBuffer, 440, 44100, 0.5)
	for b.Loop() {
		src.Feed(chunk)
	}
}
