package enginepool

import (
	"time"

	"github.com/JonesHong/ASRHub-sub000/pkg/provider/asr"
)

// Outcome tells the pool how a lease ended, which decides whether the
// engine goes straight back into rotation or gets probed first.
type Outcome string

const (
	// OutcomeSuccess returns the engine directly to the idle rotation.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure routes the engine through a health probe before it
	// can be leased again.
	OutcomeFailure Outcome = "failure"
)

// Lease is an exclusive, time-bounded borrow of one pooled engine. Exactly
// one session holds a given engine at any instant; releasing is mandatory
// and is the only way the engine returns to rotation. The pool retains
// ownership of the engine, the session only borrows it.
type Lease struct {
	pool      *Pool
	inst      *instance
	sessionID string
	id        uint64
	startedAt time.Time

	// released is guarded by pool.mu.
	released bool
}

// Engine returns the borrowed engine. Valid until Release.
func (l *Lease) Engine() asr.Engine { return l.inst.engine }

// SessionID returns the holder.
func (l *Lease) SessionID() string { return l.sessionID }

// Provider returns the engine's backend type.
func (l *Lease) Provider() asr.Type { return l.pool.cfg.Provider }

// InstanceID identifies the borrowed engine for logs.
func (l *Lease) InstanceID() string { return l.inst.id }

// StartedAt is when the lease was granted.
func (l *Lease) StartedAt() time.Time { return l.startedAt }

// Release returns the engine to the pool. Releasing twice is a no-op error
// (ErrAlreadyReleased), never a crash.
func (l *Lease) Release(outcome Outcome) error {
	return l.pool.release(l, outcome)
}
