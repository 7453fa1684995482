package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/JonesHong/ASRHub-sub000/internal/asrerr"
	"github.com/JonesHong/ASRHub-sub000/internal/audioqueue"
	"github.com/JonesHong/ASRHub-sub000/internal/observe"
	"github.com/JonesHong/ASRHub-sub000/internal/session/fsm"
)

// ErrRegistryClosed is returned by Create after the registry shut down.
var ErrRegistryClosed = errors.New("session: registry is closed")

const (
	// DefaultSilenceWindow is how long the room must stay quiet before an
	// utterance is considered finished.
	DefaultSilenceWindow = 800 * time.Millisecond

	// DefaultSweepInterval is how often the idle sweep runs.
	DefaultSweepInterval = 30 * time.Second
)

// Config configures a [Registry].
type Config struct {
	// Queues supplies the audio queue for every new session. Nil means a
	// private manager with default retention caps.
	Queues *audioqueue.Manager

	// DefaultStrategy applies when Create is called with an empty strategy.
	// Defaults to [fsm.StrategyNonStreamingRealtime].
	DefaultStrategy fsm.Strategy

	// SilenceWindow is the countdown armed while a session captures an
	// utterance. Defaults to DefaultSilenceWindow; adjustable at runtime
	// with [Registry.SetSilenceWindow].
	SilenceWindow time.Duration

	// IdleTimeout reclaims sessions that saw no push or event for this
	// long. Zero disables the sweep.
	IdleTimeout time.Duration

	// SweepInterval is how often the sweep looks for idle sessions.
	// Defaults to DefaultSweepInterval.
	SweepInterval time.Duration

	// Logger receives lifecycle logs. Nil means slog.Default().
	Logger *slog.Logger

	// Metrics receives instrumentation. Nil disables recording.
	Metrics *observe.Metrics

	// Now supplies wall-clock time; injectable for tests.
	Now func() time.Time
}

// Registry creates, finds and reclaims sessions. Its lock guards only the
// session map; dispatch and queue traffic run under per-session state, so
// one session never contends with another. All methods are safe for
// concurrent use.
type Registry struct {
	cfg Config
	log *slog.Logger

	// silenceWindow holds nanoseconds and is read by every countdown arm,
	// so runtime tuning needs no per-session fan-out.
	silenceWindow atomic.Int64

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = fsm.StrategyNonStreamingRealtime
	}
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = DefaultSilenceWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Queues == nil {
		cfg.Queues = audioqueue.NewManager(audioqueue.ManagerConfig{
			Logger:  cfg.Logger,
			Metrics: cfg.Metrics,
			Now:     cfg.Now,
		})
	}
	r := &Registry{
		cfg:      cfg,
		log:      cfg.Logger,
		sessions: make(map[string]*Session),
	}
	r.silenceWindow.Store(int64(cfg.SilenceWindow))
	return r
}

// Create starts a new session in the IDLE state with a fresh audio queue.
// An empty strategy selects the configured default; an unknown one is
// rejected.
func (r *Registry) Create(strategy fsm.Strategy) (*Session, error) {
	if strategy == "" {
		strategy = r.cfg.DefaultStrategy
	}
	if _, err := fsm.ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	s := newSession(id, strategy, r.cfg.Queues.Ensure(id), sessionDeps{
		log:           r.log,
		metrics:       r.cfg.Metrics,
		now:           r.cfg.Now,
		silenceWindow: r.SilenceWindow,
	})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.close()
		r.cfg.Queues.Remove(id)
		return nil, ErrRegistryClosed
	}
	r.sessions[id] = s
	active := len(r.sessions)
	r.mu.Unlock()

	if m := r.cfg.Metrics; m != nil {
		m.ActiveSessions.Add(context.Background(), 1)
	}
	r.log.Info("session created",
		"session_id", id, "strategy", strategy, "active", active)
	return s, nil
}

// Get returns the session for id, or a SESSION_NOT_FOUND error.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, asrerr.Newf(asrerr.SessionNotFound, "session %q", id)
	}
	return s, nil
}

// Delete tears a session down: dispatch stops, the countdown is cancelled,
// the transitions channel closes, blocked queue readers wake, and the queue
// is removed. Deleting an unknown id returns SESSION_NOT_FOUND.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return asrerr.Newf(asrerr.SessionNotFound, "session %q", id)
	}
	r.teardown(s)
	r.log.Info("session deleted", "session_id", id, "state", s.State())
	return nil
}

// teardown releases a session's resources. The session must already be out
// of the map.
func (r *Registry) teardown(s *Session) {
	s.close()
	r.cfg.Queues.Remove(s.ID())
	if m := r.cfg.Metrics; m != nil {
		m.ActiveSessions.Add(context.Background(), -1)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshots captures every live session for diagnostics, oldest first.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// SetSilenceWindow adjusts the countdown window for every session. It takes
// effect on the next arm or re-arm; a countdown already running keeps its
// old deadline. Non-positive values are ignored.
func (r *Registry) SetSilenceWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	r.silenceWindow.Store(int64(d))
	r.log.Info("session: silence window updated", "window", d)
}

// SilenceWindow returns the current countdown window.
func (r *Registry) SilenceWindow() time.Duration {
	return time.Duration(r.silenceWindow.Load())
}

// Run drives the idle sweep until ctx is cancelled. Sessions idle longer
// than IdleTimeout are reclaimed through the same teardown path as Delete.
// Run returns immediately when reclamation is disabled.
func (r *Registry) Run(ctx context.Context) {
	if r.cfg.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep reclaims every session whose last activity is older than the idle
// timeout.
func (r *Registry) sweep() {
	cutoff := r.cfg.Now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var idle []*Session
	for id, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			delete(r.sessions, id)
			idle = append(idle, s)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		r.teardown(s)
		r.log.Info("session reclaimed after idle timeout",
			"session_id", s.ID(), "state", s.State(),
			"idle_for", r.cfg.Now().Sub(s.LastActivity()).Round(time.Second))
	}
}

// Close reclaims every session and rejects further Create calls.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	clear(r.sessions)
	r.mu.Unlock()

	for _, s := range all {
		r.teardown(s)
	}
	r.log.Info("session registry closed", "reclaimed", len(all))
}
