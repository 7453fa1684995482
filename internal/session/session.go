// Package session owns the lifecycle of audio sessions: a registry that
// creates, finds and reclaims them, and a per-session coordinator that
// serializes state-machine dispatch and runs the silence countdown.
//
// Each session runs one dispatch goroutine. Events arrive through a mailbox
// and are applied in arrival order against the strategy's transition table
// ([fsm.Next]). Applied transitions are published on a channel consumed by an
// effects runner, so reducing stays pure and side effects never run inside
// the dispatch loop.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/JonesHong/ASRHub-sub000/internal/audioqueue"
	"github.com/JonesHong/ASRHub-sub000/internal/observe"
	"github.com/JonesHong/ASRHub-sub000/internal/session/fsm"
)

// ErrSessionClosed is returned by Dispatch after the session was deleted.
var ErrSessionClosed = errors.New("session: session is closed")

const (
	// mailboxSize bounds pending events per session. Events arrive at human
	// speech pace, so the buffer only fills when something is badly wrong.
	mailboxSize = 64

	// transitionsSize bounds applied transitions awaiting the effects
	// runner.
	transitionsSize = 64
)

// Transition is one applied state change, published to the effects runner.
type Transition struct {
	SessionID string
	From      fsm.State
	To        fsm.State
	Event     fsm.Event

	// Payload is the value passed to Dispatch or Enqueue, untouched. By
	// convention wake_detected carries a [WakeDetection], silence_timeout a
	// [SilenceTimeout], and unexpected_error an error.
	Payload any

	At time.Time
}

// WakeDetection is the payload accompanying a wake_detected event.
type WakeDetection struct {
	// Trigger is the phrase that fired.
	Trigger string

	// Confidence is the detector's score in [0.0, 1.0].
	Confidence float64

	// At is the session-relative timestamp of the hit. Capture starts a
	// pre-roll margin before it.
	At time.Duration
}

// SilenceTimeout is the payload accompanying a silence_timeout event. At
// marks the end of the utterance; capture extends a tail pad past it.
type SilenceTimeout struct {
	At time.Duration
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID           string
	Strategy     fsm.Strategy
	State        fsm.State
	CreatedAt    time.Time
	LastActivity time.Time

	// StateBefore is the state the session was in when it entered ERROR.
	// Empty outside of ERROR and RECOVERING.
	StateBefore fsm.State

	// Transitions counts state changes applied so far.
	Transitions uint64

	// Utterance is the most recent wake hit, nil before the first one.
	Utterance *WakeDetection

	// Queue reports the session's audio queue occupancy.
	Queue audioqueue.Stats
}

type outcome struct {
	state fsm.State
	err   error
}

type envelope struct {
	event   fsm.Event
	payload any
	// reply receives the outcome; nil for fire-and-forget enqueues.
	// Buffered size 1 so the dispatch loop never blocks on a caller that
	// already gave up.
	reply chan outcome
}

func (e envelope) respond(state fsm.State, err error) {
	if e.reply != nil {
		e.reply <- outcome{state: state, err: err}
	}
}

// Session coordinates one audio session: its queue, its state machine, and
// the silence countdown that ends an utterance. All methods are safe for
// concurrent use. Sessions are created by [Registry.Create] and torn down by
// [Registry.Delete] or the idle sweep.
type Session struct {
	id        string
	strategy  fsm.Strategy
	createdAt time.Time
	queue     *audioqueue.Queue

	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	// silenceWindow is read on every countdown arm, so runtime tuning
	// applies from the next utterance onward.
	silenceWindow func() time.Duration

	mailbox     chan envelope
	transitions chan Transition
	done        chan struct{}
	closeOnce   sync.Once

	mu           sync.Mutex
	state        fsm.State
	stateBefore  fsm.State
	lastActivity time.Time
	utterance    WakeDetection
	utteranceSet bool
	applied      uint64

	countdown struct {
		// timer is non-nil while the countdown is armed. gen increments on
		// every arm, re-arm and disarm; a firing callback whose generation
		// is stale gives up, which is what makes expiry fire at most once
		// per arm.
		timer *time.Timer
		gen   uint64
	}
}

type sessionDeps struct {
	log           *slog.Logger
	metrics       *observe.Metrics
	now           func() time.Time
	silenceWindow func() time.Duration
}

func newSession(id string, strategy fsm.Strategy, q *audioqueue.Queue, deps sessionDeps) *Session {
	s := &Session{
		id:            id,
		strategy:      strategy,
		createdAt:     deps.now(),
		queue:         q,
		log:           deps.log,
		metrics:       deps.metrics,
		now:           deps.now,
		silenceWindow: deps.silenceWindow,
		mailbox:       make(chan envelope, mailboxSize),
		transitions:   make(chan Transition, transitionsSize),
		done:          make(chan struct{}),
		state:         fsm.Initial,
		lastActivity:  deps.now(),
	}
	go s.run()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Strategy returns the transition strategy the session was created with.
func (s *Session) Strategy() fsm.Strategy { return s.strategy }

// Queue returns the session's audio queue.
func (s *Session) Queue() *audioqueue.Queue { return s.queue }

// State returns the current state.
func (s *Session) State() fsm.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transitions returns the channel of applied transitions. It is closed when
// the session is deleted, so an effects runner can simply range over it.
func (s *Session) Transitions() <-chan Transition { return s.transitions }

// Touch records activity, deferring idle reclamation. Called on every audio
// push; dispatched events touch implicitly.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// LastActivity returns when the session last saw a push or an event.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Utterance returns the most recent wake hit and whether one happened yet.
func (s *Session) Utterance() (WakeDetection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.utterance, s.utteranceSet
}

// Snapshot captures the session's current state for the control API.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:           s.id,
		Strategy:     s.strategy,
		State:        s.state,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		StateBefore:  s.stateBefore,
		Transitions:  s.applied,
	}
	if s.utteranceSet {
		u := s.utterance
		snap.Utterance = &u
	}
	s.mu.Unlock()
	snap.Queue = s.queue.Stats()
	return snap
}

// Dispatch submits an event and waits for it to be applied or rejected.
// It returns the state after the event: unchanged with an
// INVALID_TRANSITION error when the pair is not in the strategy's table,
// the new state otherwise. Dispatch respects ctx while waiting and returns
// [ErrSessionClosed] after deletion.
func (s *Session) Dispatch(ctx context.Context, event fsm.Event, payload any) (fsm.State, error) {
	if err := ctx.Err(); err != nil {
		return s.State(), err
	}
	env := envelope{event: event, payload: payload, reply: make(chan outcome, 1)}
	select {
	case s.mailbox <- env:
	case <-s.done:
		return s.State(), ErrSessionClosed
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
	select {
	case out := <-env.reply:
		return out.state, out.err
	case <-s.done:
		return s.State(), ErrSessionClosed
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
}

// Enqueue submits an event without waiting for the outcome. The effects
// runner and the countdown feed the dispatch loop they are downstream of,
// so they must never wait on it: when the mailbox is full the event is
// dropped with an error log instead of blocking.
func (s *Session) Enqueue(event fsm.Event, payload any) {
	select {
	case s.mailbox <- envelope{event: event, payload: payload}:
	case <-s.done:
	default:
		s.log.Error("session: mailbox full, event dropped",
			"session_id", s.id, "event", event)
	}
}

// run is the per-session dispatch loop. It is the only writer of state and
// the only sender on transitions, which it closes on exit.
func (s *Session) run() {
	defer close(s.transitions)
	for {
		select {
		case env := <-s.mailbox:
			s.apply(env)
		case <-s.done:
			return
		}
	}
}

func (s *Session) apply(env envelope) {
	s.mu.Lock()
	from := s.state
	to, err := fsm.Next(s.strategy, from, env.event)
	if err != nil {
		s.mu.Unlock()
		if m := s.metrics; m != nil {
			m.InvalidTransitions.Add(context.Background(), 1)
		}
		s.log.Warn("session: event rejected",
			"session_id", s.id, "state", from, "event", env.event, "err", err)
		env.respond(from, err)
		return
	}

	s.state = to
	s.applied++
	s.lastActivity = s.now()
	switch {
	case env.event == fsm.EventUnexpectedError:
		s.stateBefore = from
	case to == fsm.StateIdle:
		s.stateBefore = ""
	}
	if wd, ok := env.payload.(WakeDetection); ok && env.event == fsm.EventWakeDetected {
		s.utterance = wd
		s.utteranceSet = true
	}
	s.mu.Unlock()

	// The countdown follows the capture states: armed on entry, cancelled
	// on exit. Re-arms during capture come from ExtendSilence.
	switch {
	case fsm.Capturing(to) && !fsm.Capturing(from):
		s.armCountdown()
	case fsm.Capturing(from) && !fsm.Capturing(to):
		s.disarmCountdown()
	}

	if m := s.metrics; m != nil {
		m.RecordTransition(context.Background(), string(from), string(to))
	}
	s.log.Debug("session: transition applied",
		"session_id", s.id, "from", from, "to", to, "event", env.event)

	// Respond before publishing so a backed-up effects runner cannot stall
	// the caller that dispatched the event.
	env.respond(to, nil)

	select {
	case s.transitions <- Transition{
		SessionID: s.id,
		From:      from,
		To:        to,
		Event:     env.event,
		Payload:   env.payload,
		At:        s.now(),
	}:
	case <-s.done:
	}
}

// armCountdown starts the silence countdown with the current window.
func (s *Session) armCountdown() {
	window := s.silenceWindow()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countdown.gen++
	gen := s.countdown.gen
	if s.countdown.timer != nil {
		s.countdown.timer.Stop()
	}
	s.countdown.timer = time.AfterFunc(window, func() { s.countdownFired(gen) })
}

// ExtendSilence restarts the countdown in response to speech activity, so
// expiry only happens after a full window of quiet. It does nothing unless
// a countdown is armed.
func (s *Session) ExtendSilence() {
	window := s.silenceWindow()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countdown.timer == nil {
		return
	}
	s.countdown.gen++
	gen := s.countdown.gen
	s.countdown.timer.Stop()
	s.countdown.timer = time.AfterFunc(window, func() { s.countdownFired(gen) })
}

func (s *Session) disarmCountdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countdown.gen++
	if s.countdown.timer != nil {
		s.countdown.timer.Stop()
		s.countdown.timer = nil
	}
}

// countdownFired runs on the timer goroutine. A stale generation means the
// arm was superseded by a re-arm or disarm between scheduling and firing.
func (s *Session) countdownFired(gen uint64) {
	s.mu.Lock()
	if gen != s.countdown.gen {
		s.mu.Unlock()
		return
	}
	s.countdown.timer = nil
	s.mu.Unlock()
	s.Enqueue(fsm.EventSilenceTimeout, SilenceTimeout{At: s.queue.SessionTime()})
}

// close stops the dispatch loop and the countdown. Called by the registry;
// idempotent.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.disarmCountdown()
		close(s.done)
	})
}
