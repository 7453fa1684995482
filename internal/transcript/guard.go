package transcript

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Guard wraps a [Store] and makes all operations non-fatal. If the
// underlying store fails, operations return safe defaults and log warnings
// instead of propagating errors.
//
// This keeps recognition running while the persistence backend is
// temporarily unavailable (database restart, network partition). A lost
// transcript is logged; a lost session would be worse. The IsDegraded
// method reports whether the store is currently experiencing failures, for
// readiness checks.
//
// All methods are safe for concurrent use.
type Guard struct {
	store    Store
	degraded atomic.Bool
}

// NewGuard creates a [Guard] wrapping the given store.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// Save attempts to persist rec. On failure the error is logged and
// swallowed; the store is marked as degraded. On success the degraded flag
// is cleared.
func (g *Guard) Save(ctx context.Context, rec *Record) error {
	err := g.store.Save(ctx, rec)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("transcript guard: save failed, dropping record",
			"session_id", rec.SessionID,
			"provider", rec.Provider,
			"err", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// BySession attempts to read a session's records. On failure an empty slice
// is returned and the store is marked as degraded.
func (g *Guard) BySession(ctx context.Context, sessionID string) ([]Record, error) {
	recs, err := g.store.BySession(ctx, sessionID)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("transcript guard: history read failed, returning empty",
			"session_id", sessionID,
			"err", err,
		)
		return []Record{}, nil
	}
	g.degraded.Store(false)
	return recs, nil
}

// Close closes the underlying store. Shutdown failures propagate; there is
// nothing left to degrade to.
func (g *Guard) Close() error {
	return g.store.Close()
}

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}

// Compile-time check that Guard satisfies Store.
var _ Store = (*Guard)(nil)
