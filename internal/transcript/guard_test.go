package transcript_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/JonesHong/ASRHub-sub000/internal/transcript"
)

// flakyStore fails every operation while err is set.
type flakyStore struct {
	mu    sync.Mutex
	err   error
	saves int
	reads int
}

func (f *flakyStore) Save(_ context.Context, _ *transcript.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return f.err
}

func (f *flakyStore) BySession(_ context.Context, _ string) ([]transcript.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	return []transcript.Record{{SessionID: "s1", Text: "turn left"}}, nil
}

func (f *flakyStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *flakyStore) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func TestGuardSwallowsSaveFailure(t *testing.T) {
	t.Parallel()

	store := &flakyStore{}
	g := transcript.NewGuard(store)

	rec := &transcript.Record{SessionID: "s1", Text: "hello"}
	if err := g.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if g.IsDegraded() {
		t.Error("degraded after successful save")
	}

	store.fail(errors.New("connection refused"))
	if err := g.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save with failing store = %v, want swallowed nil", err)
	}
	if !g.IsDegraded() {
		t.Error("not degraded after failed save")
	}

	// Recovery clears the flag.
	store.fail(nil)
	if err := g.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save after recovery: %v", err)
	}
	if g.IsDegraded() {
		t.Error("still degraded after successful save")
	}
	if store.saves != 3 {
		t.Errorf("underlying saves = %d, want 3", store.saves)
	}
}

func TestGuardReturnsEmptyHistoryOnFailure(t *testing.T) {
	t.Parallel()

	store := &flakyStore{}
	g := transcript.NewGuard(store)

	recs, err := g.BySession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("BySession: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}

	store.fail(errors.New("relation does not exist"))
	recs, err = g.BySession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("BySession with failing store = %v, want swallowed nil", err)
	}
	if recs == nil || len(recs) != 0 {
		t.Errorf("records with failing store = %v, want empty non-nil slice", recs)
	}
	if !g.IsDegraded() {
		t.Error("not degraded after failed read")
	}
}

func TestGuardClosePropagates(t *testing.T) {
	t.Parallel()

	store := &flakyStore{}
	closeErr := errors.New("already closed")
	store.fail(closeErr)

	g := transcript.NewGuard(store)
	if err := g.Close(); !errors.Is(err, closeErr) {
		t.Errorf("Close = %v, want %v", err, closeErr)
	}
}
