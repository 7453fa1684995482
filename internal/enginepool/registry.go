package enginepool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JonesHong/ASRHub-sub000/pkg/provider/asr"
)

// ErrUnknownProvider indicates an acquire for a provider type no pool was
// registered for.
var ErrUnknownProvider = errors.New("enginepool: no pool registered for provider")

// Registry maps provider types to their pools so sessions can acquire by
// type without knowing pool wiring. Registration happens at startup; the
// lock only guards the map, never a lease operation.
type Registry struct {
	mu    sync.RWMutex
	pools map[asr.Type]*Pool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[asr.Type]*Pool)}
}

// Register adds a pool. Registering a provider type twice is a wiring bug
// and is rejected.
func (r *Registry) Register(p *Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[p.Provider()]; ok {
		return fmt.Errorf("enginepool: provider %s already registered", p.Provider())
	}
	r.pools[p.Provider()] = p
	return nil
}

// Get returns the pool for a provider type.
func (r *Registry) Get(provider asr.Type) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[provider]
	return p, ok
}

// Acquire leases an engine of the given provider type. See Pool.Acquire.
func (r *Registry) Acquire(ctx context.Context, provider asr.Type, sessionID string, timeout time.Duration) (*Lease, error) {
	p, ok := r.Get(provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return p.Acquire(ctx, sessionID, timeout)
}

// Fill brings every registered pool up to size.
func (r *Registry) Fill(ctx context.Context) error {
	var errs []error
	for _, p := range r.all() {
		if err := p.Fill(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HealthCheck probes every registered pool.
func (r *Registry) HealthCheck(ctx context.Context) {
	for _, p := range r.all() {
		p.HealthCheck(ctx)
	}
}

// Stats snapshots every registered pool.
func (r *Registry) Stats() []Stats {
	pools := r.all()
	out := make([]Stats, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Stats())
	}
	return out
}

// Close closes every registered pool.
func (r *Registry) Close() error {
	var errs []error
	for _, p := range r.all() {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) all() []*Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	return out
}
