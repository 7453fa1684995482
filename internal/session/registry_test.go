package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/JonesHong/ASRHub-sub000/internal/asrerr"
	"github.com/JonesHong/ASRHub-sub000/internal/audioqueue"
	"github.com/JonesHong/ASRHub-sub000/internal/session"
	"github.com/JonesHong/ASRHub-sub000/internal/session/fsm"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestCreateAssignsDistinctSessions(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t)
	a, err := reg.Create(fsm.StrategyBatch)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b, err := reg.Create(fsm.StrategyStreamingRealtime)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if a.ID() == b.ID() {
		t.Errorf("both sessions share id %q", a.ID())
	}
	if got := reg.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
	if got := a.State(); got != fsm.StateIdle {
		t.Errorf("new session state = %s, want %s", got, fsm.StateIdle)
	}
	if got := b.Strategy(); got != fsm.StrategyStreamingRealtime {
		t.Errorf("strategy = %s, want %s", got, fsm.StrategyStreamingRealtime)
	}
}

func TestCreateEmptyStrategyUsesDefault(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t)
	s, err := reg.Create("")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := s.Strategy(); got != fsm.StrategyNonStreamingRealtime {
		t.Errorf("strategy = %s, want %s", got, fsm.StrategyNonStreamingRealtime)
	}
}

func TestCreateRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t)
	if _, err := reg.Create("turbo"); err == nil {
		t.Fatal("Create with unknown strategy succeeded")
	}
	if got := reg.Len(); got != 0 {
		t.Errorf("Len() = %d after rejected create, want 0", got)
	}
}

func TestGetUnknownSession(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t)
	if _, err := reg.Get("nope"); !errors.Is(err, asrerr.ErrSessionNotFound) {
		t.Errorf("Get(unknown) = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestDeleteRemovesQueue(t *testing.T) {
	t.Parallel()

	queues := audioqueue.NewManager(audioqueue.ManagerConfig{})
	reg := session.NewRegistry(session.Config{Queues: queues, SilenceWindow: time.Hour})
	t.Cleanup(reg.Close)

	s, err := reg.Create(fsm.StrategyBatch)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := queues.Get(s.ID()); !ok {
		t.Fatal("Create did not register an audio queue")
	}

	if err := reg.Delete(s.ID()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := queues.Get(s.ID()); ok {
		t.Error("queue still registered after Delete")
	}
	if err := reg.Delete(s.ID()); !errors.Is(err, asrerr.ErrSessionNotFound) {
		t.Errorf("second Delete = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestTouchDefersActivityCutoff(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Unix(5000, 0)}
	reg := session.NewRegistry(session.Config{SilenceWindow: time.Hour, Now: clk.Now})
	t.Cleanup(reg.Close)

	s, err := reg.Create(fsm.StrategyBatch)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	created := s.LastActivity()

	clk.Advance(time.Minute)
	s.Touch()
	if got := s.LastActivity(); !got.Equal(created.Add(time.Minute)) {
		t.Errorf("LastActivity after Touch = %v, want %v", got, created.Add(time.Minute))
	}

	// Dispatched events count as activity too.
	clk.Advance(time.Minute)
	drive(t, s, fsm.EventStartListening)
	if got := s.LastActivity(); !got.Equal(created.Add(2 * time.Minute)) {
		t.Errorf("LastActivity after dispatch = %v, want %v", got, created.Add(2*time.Minute))
	}
}

func TestSweepReclaimsIdleSessions(t *testing.T) {
	t.Parallel()

	reg := session.NewRegistry(session.Config{
		SilenceWindow: time.Hour,
		IdleTimeout:   150 * time.Millisecond,
		SweepInterval: 25 * time.Millisecond,
	})
	t.Cleanup(reg.Close)

	idle, err := reg.Create(fsm.StrategyBatch)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	busy, err := reg.Create(fsm.StrategyBatch)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)

	// Keep one session warm while the other goes quiet.
	deadline := time.After(5 * time.Second)
	for {
		busy.Touch()
		if _, err := reg.Get(idle.ID()); errors.Is(err, asrerr.ErrSessionNotFound) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("idle session was never reclaimed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, err := reg.Get(busy.ID()); err != nil {
		t.Errorf("touched session was reclaimed: %v", err)
	}
	if _, err := idle.Dispatch(context.Background(), fsm.EventStartListening, nil); !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("reclaimed session Dispatch = %v, want ErrSessionClosed", err)
	}
}

func TestSweepDisabledWithoutIdleTimeout(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t)
	done := make(chan struct{})
	go func() {
		reg.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return with reclamation disabled")
	}
}

func TestCloseRejectsCreate(t *testing.T) {
	t.Parallel()

	reg := session.NewRegistry(session.Config{SilenceWindow: time.Hour})
	s, err := reg.Create(fsm.StrategyBatch)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	reg.Close()
	if _, err := reg.Create(fsm.StrategyBatch); !errors.Is(err, session.ErrRegistryClosed) {
		t.Errorf("Create after Close = %v, want ErrRegistryClosed", err)
	}
	if _, err := s.Dispatch(context.Background(), fsm.EventStartListening, nil); !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("Dispatch after Close = %v, want ErrSessionClosed", err)
	}
	if got := reg.Len(); got != 0 {
		t.Errorf("Len() after Close = %d, want 0", got)
	}
	reg.Close() // idempotent
}

func TestSetSilenceWindowAppliesOnNextArm(t *testing.T) {
	t.Parallel()

	reg := session.NewRegistry(session.Config{SilenceWindow: time.Hour})
	t.Cleanup(reg.Close)

	reg.SetSilenceWindow(80 * time.Millisecond)
	if got := reg.SilenceWindow(); got != 80*time.Millisecond {
		t.Fatalf("SilenceWindow() = %s, want 80ms", got)
	}

	s, err := reg.Create(fsm.StrategyBatch)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	drive(t, s, fsm.EventStartListening, fsm.EventWakeDetected, fsm.EventBeginRecording)

	// The countdown armed with the updated window, not the construction
	// default, so the expiry arrives promptly.
	waitFor(t, "silence expiry under the tuned window", func() bool {
		return s.State() == fsm.StateTranscribing
	})
}

func TestSetSilenceWindowIgnoresNonPositive(t *testing.T) {
	t.Parallel()

	reg := session.NewRegistry(session.Config{SilenceWindow: 250 * time.Millisecond})
	t.Cleanup(reg.Close)

	reg.SetSilenceWindow(0)
	reg.SetSilenceWindow(-time.Second)
	if got := reg.SilenceWindow(); got != 250*time.Millisecond {
		t.Errorf("SilenceWindow() = %s, want unchanged 250ms", got)
	}
}

func TestSnapshotsOrderedByCreation(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Unix(5000, 0)}
	reg := session.NewRegistry(session.Config{SilenceWindow: time.Hour, Now: clk.Now})
	t.Cleanup(reg.Close)

	first, err := reg.Create(fsm.StrategyBatch)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	clk.Advance(time.Second)
	second, err := reg.Create(fsm.StrategyBatch)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	snaps := reg.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("Snapshots() returned %d entries, want 2", len(snaps))
	}
	if snaps[0].ID != first.ID() || snaps[1].ID != second.ID() {
		t.Errorf("snapshot order = [%s %s], want [%s %s]",
			snaps[0].ID, snaps[1].ID, first.ID(), second.ID())
	}
	if snaps[0].Queue.SessionID != first.ID() {
		t.Errorf("snapshot queue session = %q, want %q", snaps[0].Queue.SessionID, first.ID())
	}
}
