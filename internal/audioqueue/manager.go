package audioqueue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/JonesHong/ASRHub-sub000/internal/observe"
)

// ManagerConfig configures the queue registry and the defaults applied to
// every queue it creates.
type ManagerConfig struct {
	// MaxDuration and MaxBytes are the per-queue retention caps,
	// interpreted as in Config.
	MaxDuration time.Duration
	MaxBytes    int

	// Logger for queue eviction warnings. Nil means slog.Default().
	Logger *slog.Logger

	// Metrics is shared by all queues. Nil disables recording.
	Metrics *observe.Metrics

	// Now supplies wall-clock time; injectable for tests.
	Now func() time.Time
}

// Manager maps session IDs to their queues. Its lock guards only the map;
// queue operations run under each queue's own lock, so one session's reads
// and pushes never contend with another's.
type Manager struct {
	cfg ManagerConfig

	mu     sync.RWMutex
	queues map[string]*Queue
}

// NewManager creates an empty registry.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		queues: make(map[string]*Queue),
	}
}

// Ensure returns the queue for sessionID, creating it on first use.
func (m *Manager) Ensure(sessionID string) *Queue {
	m.mu.RLock()
	q, ok := m.queues[sessionID]
	m.mu.RUnlock()
	if ok {
		return q
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[sessionID]; ok {
		return q
	}
	q = New(Config{
		SessionID:   sessionID,
		MaxDuration: m.cfg.MaxDuration,
		MaxBytes:    m.cfg.MaxBytes,
		Logger:      m.cfg.Logger,
		Metrics:     m.cfg.Metrics,
		Now:         m.cfg.Now,
	})
	m.queues[sessionID] = q
	m.cfg.Logger.Debug("audioqueue: queue created", "session_id", sessionID)
	return q
}

// Get returns the queue for sessionID without creating one.
func (m *Manager) Get(sessionID string) (*Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[sessionID]
	return q, ok
}

// Remove closes and forgets the queue for sessionID, waking any blocked
// readers. Reports whether a queue existed.
func (m *Manager) Remove(sessionID string) bool {
	m.mu.Lock()
	q, ok := m.queues[sessionID]
	if ok {
		delete(m.queues, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	q.Close()
	m.cfg.Logger.Debug("audioqueue: queue removed", "session_id", sessionID)
	return true
}

// Len returns the number of live queues.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues)
}

// Stats snapshots every live queue.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.RUnlock()

	out := make([]Stats, 0, len(queues))
	for _, q := range queues {
		out = append(out, q.Stats())
	}
	return out
}

// Shutdown closes every queue. The manager must not be used afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	queues := m.queues
	m.queues = make(map[string]*Queue)
	m.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
}
