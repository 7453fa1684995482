package transcript

import (
	"context"
	"sync"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// Records live only as long as the process. The zero value is ready to use.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string][]Record
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string][]Record)}
}

// Save implements [Store.Save].
func (s *MemStore) Save(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	fillDefaults(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions == nil {
		s.sessions = make(map[string][]Record)
	}

	records := s.sessions[rec.SessionID]
	for _, existing := range records {
		if existing.ID == rec.ID {
			return nil
		}
	}
	s.sessions[rec.SessionID] = append(records, *rec)
	return nil
}

// BySession implements [Store.BySession]. Records come back in reverse
// order of insertion, newest first.
func (s *MemStore) BySession(ctx context.Context, sessionID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.sessions[sessionID]
	result := make([]Record, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		result = append(result, records[i])
	}
	return result, nil
}

// Close implements [Store.Close]. It is a no-op; the store holds no
// external resources.
func (s *MemStore) Close() error { return nil }
