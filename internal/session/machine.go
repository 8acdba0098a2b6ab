// SPDX-License-Identifier: MIT
/*
Package session decides where each spectral frame is recorded.

A Machine is either idle or running one recording session:

  - count-bounded: every frame goes to one channel until a fixed number of
    frames has been routed;
  - timed: a signal phase of fixed duration routes frames to the combined
    channel, then an optional tail phase routes them to the combined and
    tail channels. A timed session can repeat itself.

When a session ends every channel it wrote to receives exactly one end
marker. All transitions happen under one lock, and at most one phase timer
is armed at any time. A timer callback that belongs to an earlier session
or phase does nothing.
*/
package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	applog "specrec/internal/log"
	"specrec/internal/sink"
	"specrec/internal/spectral"
)

var (
	// ErrBusy is returned when a session is requested while one is running.
	ErrBusy = errors.New("session: already recording")
	// ErrInvalidCount is returned for a count-bounded session of fewer than one frame.
	ErrInvalidCount = errors.New("session: frame count must be positive")
	// ErrInvalidDuration is returned for a timed session without a signal phase.
	ErrInvalidDuration = errors.New("session: signal duration must be positive")
	// ErrClosed is returned when a session is requested after Close.
	ErrClosed = errors.New("session: machine closed")
)

// Router receives the frames and end markers of a session.
type Router interface {
	Write(key sink.ChannelKey, frame spectral.Frame) error
	WriteEndMarker(key sink.ChannelKey) error
}

// Phase is the recording phase of the machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCountBounded
	PhaseSignal
	PhaseTail
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCountBounded:
		return "count_bounded"
	case PhaseSignal:
		return "signal"
	case PhaseTail:
		return "tail"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// MarshalText renders the phase by name in JSON status output.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// TimedOptions describe a timed session.
type TimedOptions struct {
	Signal       time.Duration `json:"signal"`
	Tail         time.Duration `json:"tail"`          // <= 0 ends the session after the signal phase.
	Repeat       int           `json:"repeat"`        // Sessions to run back to back; <= 0 means 1.
	BothChannels bool          `json:"both_channels"` // Also route signal-phase frames to the signal channel.
}

// State is a snapshot of the machine.
type State struct {
	Phase       Phase             `json:"phase"`
	Channel     sink.ChannelKey   `json:"channel,omitempty"`   // Target of a count-bounded session.
	Remaining   int               `json:"remaining,omitempty"` // Frames left in a count-bounded session.
	RepeatsLeft int               `json:"repeats_left,omitempty"`
	Frames      int               `json:"frames"`            // Frames routed in the current or last session.
	Touched     []sink.ChannelKey `json:"touched,omitempty"` // Channels written in the current or last session.
	SessionID   string            `json:"session_id,omitempty"`
	Timed       *TimedOptions     `json:"timed,omitempty"`
}

// Busy reports whether a session is running.
func (s State) Busy() bool {
	return s.Phase != PhaseIdle
}

// EventType identifies a transition.
type EventType int

const (
	EventStarted EventType = iota
	EventPhaseChanged
	EventFinished
	EventAborted
)

func (e EventType) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventPhaseChanged:
		return "phase_changed"
	case EventFinished:
		return "finished"
	case EventAborted:
		return "aborted"
	default:
		return fmt.Sprintf("EventType(%d)", int(e))
	}
}

// MarshalText renders the event type by name.
func (e EventType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// Event reports a transition and the state right after it.
type Event struct {
	Type  EventType `json:"event"`
	State State     `json:"state"`
}

// Observer is told about every transition. It runs outside the machine's
// lock, after the transition has completed.
type Observer func(Event)

// Option configures a Machine.
type Option func(*Machine)

// WithObserver registers fn for transition events.
func WithObserver(fn Observer) Option {
	return func(m *Machine) { m.observer = fn }
}

// WithIDFunc replaces the session id generator.
func WithIDFunc(fn func() string) Option {
	return func(m *Machine) { m.newID = fn }
}

// Machine is the recording state machine. It is safe for concurrent use.
type Machine struct {
	router   Router
	sched    Scheduler
	observer Observer
	newID    func() string

	mu          sync.Mutex
	closed      bool
	phase       Phase
	channel     sink.ChannelKey
	remaining   int
	frames      int
	timed       TimedOptions
	repeatsLeft int
	id          string
	touched     []sink.ChannelKey
	timer       Timer
	timerSeq    uint64
	events      []Event
}

// NewMachine creates an idle machine routing to router and arming phase
// timers on sched.
func NewMachine(router Router, sched Scheduler, opts ...Option) *Machine {
	m := &Machine{
		router: router,
		sched:  sched,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins a count-bounded session routing the next frames frames to channel.
func (m *Machine) Start(channel sink.ChannelKey, frames int) error {
	if frames <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidCount, frames)
	}
	m.mu.Lock()
	if err := m.checkIdle(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.begin(PhaseCountBounded)
	m.channel = channel
	m.remaining = frames
	applog.Infof("Session: Recording %d frames to %s (session %s)", frames, channel, m.id)
	m.emit(EventStarted)
	m.unlockAndNotify()
	return nil
}

// StartTimed begins a timed session.
func (m *Machine) StartTimed(opts TimedOptions) error {
	if opts.Signal <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidDuration, opts.Signal)
	}
	if opts.Repeat <= 0 {
		opts.Repeat = 1
	}
	m.mu.Lock()
	if err := m.checkIdle(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.startTimedLocked(opts)
	m.unlockAndNotify()
	return nil
}

// OnFrame routes frame according to the current phase and advances
// count-bounded sessions.
func (m *Machine) OnFrame(frame spectral.Frame) {
	m.mu.Lock()
	switch m.phase {
	case PhaseIdle:
		m.mu.Unlock()
		return
	case PhaseCountBounded:
		m.route(m.channel, frame)
		m.frames++
		m.remaining--
		if m.remaining == 0 {
			m.finishLocked()
		}
	case PhaseSignal:
		m.route(sink.All, frame)
		if m.timed.BothChannels {
			m.route(sink.Signal, frame)
		}
		m.frames++
	case PhaseTail:
		m.route(sink.All, frame)
		m.route(sink.Tail, frame)
		m.frames++
	}
	m.unlockAndNotify()
}

// Abort ends the running session early, cancelling its timer and closing
// every channel it wrote to. It reports whether a session was running.
func (m *Machine) Abort() bool {
	m.mu.Lock()
	if m.phase == PhaseIdle {
		m.mu.Unlock()
		return false
	}
	applog.Infof("Session: Aborting %s session %s", m.phase, m.id)
	m.closeChannels()
	m.reset()
	m.emit(EventAborted)
	m.unlockAndNotify()
	return true
}

// Close aborts the running session, if any, and refuses every later
// session with ErrClosed. It reports whether a session was running.
func (m *Machine) Close() bool {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.Abort()
}

// State returns a snapshot of the machine.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// Busy reports whether a session is running.
func (m *Machine) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase != PhaseIdle
}

func (m *Machine) checkIdle() error {
	switch {
	case m.closed:
		return ErrClosed
	case m.phase != PhaseIdle:
		return ErrBusy
	}
	return nil
}

// begin resets the per-session fields for a new session. Caller holds mu.
func (m *Machine) begin(phase Phase) {
	m.phase = phase
	m.id = m.newID()
	m.frames = 0
	m.touched = m.touched[:0]
}

func (m *Machine) startTimedLocked(opts TimedOptions) {
	m.begin(PhaseSignal)
	m.timed = opts
	m.repeatsLeft = opts.Repeat
	applog.Infof("Session: Timed recording, signal %s, tail %s, %d run(s) left (session %s)",
		opts.Signal, opts.Tail, opts.Repeat, m.id)
	m.arm(opts.Signal)
	m.emit(EventStarted)
}

// arm replaces the phase timer. Caller holds mu.
func (m *Machine) arm(d time.Duration) {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timerSeq++
	id, seq := m.id, m.timerSeq
	m.timer = m.sched.AfterFunc(d, func() { m.onTimer(id, seq) })
}

func (m *Machine) onTimer(id string, seq uint64) {
	m.mu.Lock()
	if id != m.id || seq != m.timerSeq || m.timer == nil {
		m.mu.Unlock()
		applog.Debugf("Session: Ignoring stale timer of session %s", id)
		return
	}
	m.timer = nil

	switch m.phase {
	case PhaseSignal:
		if m.timed.Tail <= 0 {
			m.finishLocked()
			break
		}
		m.phase = PhaseTail
		applog.Infof("Session: Tail phase for %s (session %s)", m.timed.Tail, m.id)
		m.arm(m.timed.Tail)
		m.emit(EventPhaseChanged)
	case PhaseTail:
		m.finishLocked()
	}
	m.unlockAndNotify()
}

// finishLocked ends the session normally and starts the next repeat, if
// any, without releasing the lock. Caller holds mu.
func (m *Machine) finishLocked() {
	timed := m.phase == PhaseSignal || m.phase == PhaseTail
	opts := m.timed
	left := m.repeatsLeft

	applog.Infof("Session: Finished %s session %s after %d frames", m.phase, m.id, m.frames)
	m.closeChannels()
	m.reset()
	m.emit(EventFinished)

	if timed && left > 1 && !m.closed {
		opts.Repeat = left - 1
		m.startTimedLocked(opts)
	}
}

// closeChannels writes one end marker to every channel of the session.
func (m *Machine) closeChannels() {
	for _, key := range m.touched {
		if err := m.router.WriteEndMarker(key); err != nil {
			applog.Warnf("Session: End marker for %s failed: %v", key, err)
		}
	}
}

// reset returns to idle and invalidates any armed timer. Caller holds mu.
func (m *Machine) reset() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
	m.phase = PhaseIdle
	m.channel = ""
	m.remaining = 0
	m.repeatsLeft = 0
	m.timed = TimedOptions{}
}

func (m *Machine) route(key sink.ChannelKey, frame spectral.Frame) {
	if !slices.Contains(m.touched, key) {
		m.touched = append(m.touched, key)
	}
	if err := m.router.Write(key, frame); err != nil {
		applog.Warnf("Session: Write to %s failed: %v", key, err)
	}
}

func (m *Machine) snapshot() State {
	s := State{
		Phase:       m.phase,
		Channel:     m.channel,
		Remaining:   m.remaining,
		RepeatsLeft: m.repeatsLeft,
		Frames:      m.frames,
		Touched:     slices.Clone(m.touched),
	}
	if m.phase != PhaseIdle {
		s.SessionID = m.id
	}
	if m.phase == PhaseSignal || m.phase == PhaseTail {
		opts := m.timed
		s.Timed = &opts
	}
	return s
}

func (m *Machine) emit(t EventType) {
	if m.observer != nil {
		m.events = append(m.events, Event{Type: t, State: m.snapshot()})
	}
}

// unlockAndNotify releases mu and then delivers queued events.
func (m *Machine) unlockAndNotify() {
	events := m.events
	m.events = nil
	m.mu.Unlock()
	for _, e := range events {
		m.observer(e)
	}
}
