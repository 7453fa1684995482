// Package enginepool shares a fixed set of recognition engines across all
// sessions. Engines are the one resource crossing session boundaries, so
// access runs through leases: exclusive borrows granted longest-waiting
// first, capped per session, surfaced as typed timeouts when demand outruns
// supply. Unhealthy engines are quarantined immediately after a failed probe
// and replaced in the background whenever the pool falls below its minimum.
package enginepool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JonesHong/ASRHub-sub000/internal/asrerr"
	"github.com/JonesHong/ASRHub-sub000/internal/observe"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/asr"
)

var (
	// ErrClosed indicates the pool no longer grants leases.
	ErrClosed = errors.New("enginepool: pool is closed")
	// ErrAlreadyReleased indicates a double release of the same lease.
	ErrAlreadyReleased = errors.New("enginepool: lease already released")
	// ErrNoFactory indicates a pool config without an engine factory.
	ErrNoFactory = errors.New("enginepool: factory is required")
)

// Factory creates one engine instance. Called at fill time and whenever the
// pool replaces a quarantined engine.
type Factory func(ctx context.Context) (asr.Engine, error)

// Defaults applied by New when the config leaves them zero.
const (
	DefaultSessionQuota   = 1
	DefaultAcquireTimeout = 5 * time.Second
	DefaultProbeTimeout   = 5 * time.Second
	DefaultSpawnTimeout   = 30 * time.Second
	DefaultHealthInterval = 30 * time.Second
)

// Config configures a Pool. One pool serves one provider type.
type Config struct {
	Provider asr.Type
	Factory  Factory

	// Size is the engine count Fill aims for. Minimum 1.
	Size int

	// MinSize is the floor below which quarantines trigger background
	// replacement. Zero means Size.
	MinSize int

	// SessionQuota caps concurrent leases per session. Zero means 1.
	SessionQuota int

	// AcquireTimeout is used when Acquire is called with timeout <= 0.
	AcquireTimeout time.Duration

	// ProbeTimeout bounds a single health probe.
	ProbeTimeout time.Duration

	// SpawnTimeout bounds factory calls made for background replacement.
	SpawnTimeout time.Duration

	// HealthInterval is the Run loop's probe period.
	HealthInterval time.Duration

	Logger  *slog.Logger
	Metrics *observe.Metrics
	Now     func() time.Time
}

// instance is one pooled engine.
type instance struct {
	id     string
	engine asr.Engine
}

// waiter is one blocked Acquire call. grant is buffered so dispatch never
// blocks on a waiter that is timing out.
type waiter struct {
	sessionID string
	since     time.Time
	grant     chan *Lease
}

// Pool grants exclusive engine leases. Waiters are served in order of wait
// time (the longest-waiting eligible session wins every grant), with
// sessions at their quota skipped until they release.
type Pool struct {
	cfg Config

	mu          sync.Mutex
	idle        []*instance
	waiters     []*waiter
	perSession  map[string]int
	leased      int
	probing     int
	replacing   int
	nextLeaseID uint64
	nextInstSeq int
	closed      bool

	done chan struct{}

	acquired    atomic.Int64
	timeouts    atomic.Int64
	quarantined atomic.Int64
	replaced    atomic.Int64
}

// Stats reports pool counters.
type Stats struct {
	Provider    asr.Type
	Live        int
	Idle        int
	Leased      int
	Waiting     int
	Acquired    int64
	Timeouts    int64
	Quarantined int64
	Replaced    int64
}

// New validates the config and returns an empty pool; call Fill to create
// the engines.
func New(cfg Config) (*Pool, error) {
	if cfg.Factory == nil {
		return nil, ErrNoFactory
	}
	if cfg.Provider == "" {
		return nil, errors.New("enginepool: provider type is required")
	}
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.MinSize <= 0 || cfg.MinSize > cfg.Size {
		cfg.MinSize = cfg.Size
	}
	if cfg.SessionQuota <= 0 {
		cfg.SessionQuota = DefaultSessionQuota
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = DefaultSpawnTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pool{
		cfg:        cfg,
		perSession: make(map[string]int),
		done:       make(chan struct{}),
	}, nil
}

// Fill creates engines until the pool holds Size of them. Called once at
// startup; safe to call again after losses.
func (p *Pool) Fill(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrClosed
		}
		if p.liveLocked() >= p.cfg.Size {
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		eng, err := p.cfg.Factory(ctx)
		if err != nil {
			return fmt.Errorf("enginepool: create %s engine: %w", p.cfg.Provider, err)
		}
		p.mu.Lock()
		inst := p.newInstanceLocked(eng)
		p.idle = append(p.idle, inst)
		p.dispatchLocked()
		p.mu.Unlock()
		p.cfg.Logger.Info("enginepool: engine ready",
			"provider", p.cfg.Provider, "engine_id", inst.id)
	}
}

// Acquire blocks until an engine is free and the session is under quota, or
// until timeout (LEASE_TIMEOUT) or ctx cancellation. timeout <= 0 uses the
// configured default. The wait parks on a grant channel; there is no
// polling. Fairness is by wait time: every grant goes to the
// longest-waiting eligible session.
func (p *Pool) Acquire(ctx context.Context, sessionID string, timeout time.Duration) (*Lease, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	start := p.cfg.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	w := &waiter{sessionID: sessionID, since: start, grant: make(chan *Lease, 1)}
	p.waiters = append(p.waiters, w)
	p.dispatchLocked()
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l := <-w.grant:
		p.granted(ctx, start)
		return l, nil
	case <-timer.C:
		if l, ok := p.abandon(w); ok {
			p.granted(ctx, start)
			return l, nil
		}
		p.timeouts.Add(1)
		if m := p.cfg.Metrics; m != nil {
			m.LeaseTimeouts.Add(ctx, 1)
		}
		return nil, asrerr.Newf(asrerr.LeaseTimeout,
			"session %q: no idle %s engine within %s", sessionID, p.cfg.Provider, timeout)
	case <-ctx.Done():
		// The caller is going away; a lease that raced the cancellation
		// goes straight back into rotation.
		if l, ok := p.abandon(w); ok {
			l.Release(OutcomeSuccess)
		}
		return nil, ctx.Err()
	case <-p.done:
		if l, ok := p.abandon(w); ok {
			l.Release(OutcomeSuccess)
		}
		return nil, ErrClosed
	}
}

// abandon pulls a waiter out of the queue. When a grant raced the timeout
// the lease is already committed, so abandon hands it to the caller instead
// of losing it.
func (p *Pool) abandon(w *waiter) (*Lease, bool) {
	p.mu.Lock()
	removed := p.removeWaiterLocked(w)
	p.mu.Unlock()
	if removed {
		return nil, false
	}
	l := <-w.grant
	return l, true
}

func (p *Pool) granted(ctx context.Context, start time.Time) {
	p.acquired.Add(1)
	if m := p.cfg.Metrics; m != nil {
		m.RecordLeaseWait(ctx, string(p.cfg.Provider), p.cfg.Now().Sub(start))
	}
}

// release is the single return path for leases; Lease.Release delegates
// here. Double release is reported, not fatal.
func (p *Pool) release(l *Lease, outcome Outcome) error {
	p.mu.Lock()
	if l.released {
		p.mu.Unlock()
		return ErrAlreadyReleased
	}
	l.released = true
	p.leased--
	if n := p.perSession[l.sessionID]; n <= 1 {
		delete(p.perSession, l.sessionID)
	} else {
		p.perSession[l.sessionID] = n - 1
	}

	inst := l.inst
	closed := p.closed
	if !closed {
		if outcome == OutcomeFailure {
			p.probing++
		} else {
			p.idle = append(p.idle, inst)
			p.dispatchLocked()
		}
	}
	p.mu.Unlock()

	if m := p.cfg.Metrics; m != nil {
		m.RecordActiveLeases(context.Background(), string(p.cfg.Provider), -1)
	}
	if closed {
		go p.closeEngine(inst)
		return nil
	}
	if outcome == OutcomeFailure {
		go p.probe(inst)
	}
	return nil
}

// probe checks an engine returned with a failure outcome before it rejoins
// the rotation. Unhealthy engines are quarantined and replacement is
// scheduled if the pool dropped below its minimum.
func (p *Pool) probe(inst *instance) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	err := inst.engine.Healthy(ctx)
	cancel()

	p.mu.Lock()
	p.probing--
	if p.closed {
		p.mu.Unlock()
		go p.closeEngine(inst)
		return
	}
	if err == nil {
		p.idle = append(p.idle, inst)
		p.dispatchLocked()
		p.mu.Unlock()
		return
	}
	p.quarantineLocked(inst, err)
	p.maybeReplaceLocked()
	p.mu.Unlock()
}

// HealthCheck probes every idle engine in parallel, quarantines failures,
// and schedules background replacements when the pool is under MinSize.
// Idle engines are withheld from rotation for the duration of their probe
// so no engine ever serves a probe and a transcription at once.
func (p *Pool) HealthCheck(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	batch := p.idle
	p.idle = nil
	p.probing += len(batch)
	p.mu.Unlock()

	results := make([]error, len(batch))
	var wg sync.WaitGroup
	for i, inst := range batch {
		wg.Add(1)
		go func(i int, inst *instance) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
			defer cancel()
			results[i] = inst.engine.Healthy(probeCtx)
		}(i, inst)
	}
	wg.Wait()

	p.mu.Lock()
	p.probing -= len(batch)
	for i, inst := range batch {
		if results[i] == nil {
			p.idle = append(p.idle, inst)
			continue
		}
		p.quarantineLocked(inst, results[i])
	}
	p.maybeReplaceLocked()
	p.dispatchLocked()
	p.mu.Unlock()
}

// Run probes the pool on the configured interval until ctx ends.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.HealthCheck(ctx)
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return nil
		}
	}
}

// Close stops granting, wakes every blocked Acquire with ErrClosed, and
// closes all idle engines. Leased engines are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	// Waiters stay queued; each removes itself when it observes done, and
	// any grant already committed to a waiter remains valid.
	p.mu.Unlock()
	close(p.done)

	var errs []error
	for _, inst := range idle {
		if err := inst.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("enginepool: close %s: %w", inst.id, err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Provider: p.cfg.Provider,
		Live:     p.liveLocked(),
		Idle:     len(p.idle),
		Leased:   p.leased,
		Waiting:  len(p.waiters),
	}
	p.mu.Unlock()
	s.Acquired = p.acquired.Load()
	s.Timeouts = p.timeouts.Load()
	s.Quarantined = p.quarantined.Load()
	s.Replaced = p.replaced.Load()
	return s
}

// Provider returns the backend type this pool serves.
func (p *Pool) Provider() asr.Type { return p.cfg.Provider }

// dispatchLocked grants idle engines to eligible waiters, longest-waiting
// first. Sessions at quota are skipped; they regain eligibility when one of
// their leases is released.
func (p *Pool) dispatchLocked() {
	for len(p.idle) > 0 {
		w := p.eligibleLocked()
		if w == nil {
			return
		}
		inst := p.idle[0]
		p.idle = p.idle[1:]
		p.removeWaiterLocked(w)
		p.perSession[w.sessionID]++
		p.leased++
		p.nextLeaseID++
		if m := p.cfg.Metrics; m != nil {
			m.RecordActiveLeases(context.Background(), string(p.cfg.Provider), 1)
		}
		w.grant <- &Lease{
			pool:      p,
			inst:      inst,
			sessionID: w.sessionID,
			id:        p.nextLeaseID,
			startedAt: p.cfg.Now(),
		}
	}
}

// eligibleLocked picks the next waiter to serve. Waiters are stored in
// arrival order, so the first one under quota has been waiting longest;
// its accumulated wait is its priority.
func (p *Pool) eligibleLocked() *waiter {
	for _, w := range p.waiters {
		if p.perSession[w.sessionID] < p.cfg.SessionQuota {
			return w
		}
	}
	return nil
}

func (p *Pool) removeWaiterLocked(w *waiter) bool {
	for i, cur := range p.waiters {
		if cur == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) quarantineLocked(inst *instance, cause error) {
	p.quarantined.Add(1)
	p.cfg.Logger.Warn("enginepool: engine quarantined",
		"provider", p.cfg.Provider, "engine_id", inst.id, "error", cause)
	go p.closeEngine(inst)
}

// maybeReplaceLocked schedules background factory calls to bring the pool
// back to MinSize. Failed spawns are retried by the next health cycle.
func (p *Pool) maybeReplaceLocked() {
	for p.liveLocked() < p.cfg.MinSize {
		p.replacing++
		go p.spawn()
	}
}

func (p *Pool) spawn() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SpawnTimeout)
	eng, err := p.cfg.Factory(ctx)
	cancel()

	p.mu.Lock()
	p.replacing--
	if err != nil {
		p.mu.Unlock()
		p.cfg.Logger.Error("enginepool: engine replacement failed",
			"provider", p.cfg.Provider, "error", err)
		return
	}
	if p.closed {
		p.mu.Unlock()
		eng.Close()
		return
	}
	inst := p.newInstanceLocked(eng)
	p.idle = append(p.idle, inst)
	p.dispatchLocked()
	p.mu.Unlock()

	p.replaced.Add(1)
	if m := p.cfg.Metrics; m != nil {
		m.EngineReplacements.Add(context.Background(), 1)
	}
	p.cfg.Logger.Info("enginepool: engine replaced",
		"provider", p.cfg.Provider, "engine_id", inst.id)
}

func (p *Pool) newInstanceLocked(eng asr.Engine) *instance {
	p.nextInstSeq++
	return &instance{
		id:     fmt.Sprintf("%s-%d", p.cfg.Provider, p.nextInstSeq),
		engine: eng,
	}
}

// liveLocked counts engines the pool is responsible for: idle, leased,
// probing, and replacements already in flight.
func (p *Pool) liveLocked() int {
	return len(p.idle) + p.leased + p.probing + p.replacing
}

func (p *Pool) closeEngine(inst *instance) {
	if err := inst.engine.Close(); err != nil {
		p.cfg.Logger.Warn("enginepool: engine close failed",
			"provider", p.cfg.Provider, "engine_id", inst.id, "error", err)
	}
}
