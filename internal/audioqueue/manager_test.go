package audioqueue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JonesHong/ASRHub-sub000/internal/audioqueue"
)

func TestManagerEnsureIsLazyAndIdempotent(t *testing.T) {
	t.Parallel()

	m := audioqueue.NewManager(audioqueue.ManagerConfig{})
	if _, ok := m.Get("s1"); ok {
		t.Fatal("Get before Ensure found a queue")
	}

	q1 := m.Ensure("s1")
	q2 := m.Ensure("s1")
	if q1 != q2 {
		t.Error("Ensure created a second queue for the same session")
	}
	if got := m.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}

	got, ok := m.Get("s1")
	if !ok || got != q1 {
		t.Error("Get did not return the ensured queue")
	}
}

func TestManagerQueuesAreIsolated(t *testing.T) {
	t.Parallel()

	m := audioqueue.NewManager(audioqueue.ManagerConfig{})
	qa := m.Ensure("a")
	qb := m.Ensure("b")

	if _, _, err := qa.PushAt(pcmMillis(100), fmt16kMono, 0); err != nil {
		t.Fatalf("PushAt: %v", err)
	}
	if got := qb.Stats().Chunks; got != 0 {
		t.Errorf("session b has %d chunks, want 0", got)
	}
}

func TestManagerRemoveClosesQueue(t *testing.T) {
	t.Parallel()

	m := audioqueue.NewManager(audioqueue.ManagerConfig{})
	q := m.Ensure("s1")

	done := make(chan error, 1)
	go func() {
		_, err := q.ReadBlocking(context.Background(), "vad", time.Minute)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if !m.Remove("s1") {
		t.Fatal("Remove reported no queue")
	}
	select {
	case err := <-done:
		if !errors.Is(err, audioqueue.ErrClosed) {
			t.Fatalf("blocked reader got %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked reader was not woken by Remove")
	}

	if m.Remove("s1") {
		t.Error("second Remove reported a queue")
	}
	if _, ok := m.Get("s1"); ok {
		t.Error("removed queue still reachable")
	}
}

func TestManagerStatsAndShutdown(t *testing.T) {
	t.Parallel()

	m := audioqueue.NewManager(audioqueue.ManagerConfig{})
	for _, id := range []string{"a", "b", "c"} {
		q := m.Ensure(id)
		if _, _, err := q.PushAt(pcmMillis(100), fmt16kMono, 0); err != nil {
			t.Fatalf("PushAt(%s): %v", id, err)
		}
	}

	stats := m.Stats()
	if len(stats) != 3 {
		t.Fatalf("Stats() returned %d entries, want 3", len(stats))
	}
	for _, s := range stats {
		if s.Chunks != 1 {
			t.Errorf("session %s has %d chunks, want 1", s.SessionID, s.Chunks)
		}
	}

	m.Shutdown()
	if got := m.Len(); got != 0 {
		t.Errorf("Len() after Shutdown = %d, want 0", got)
	}
}
