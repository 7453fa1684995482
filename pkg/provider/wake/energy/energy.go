// Package energy implements a model-free wake detector driven by signal
// energy.
//
// It fires when speech-level energy is sustained for a burst window after a
// stretch of quiet, then disarms until the stream goes quiet again so one
// utterance produces one trigger. There is no language model behind it: the
// configured phrases are ignored and every event reports the "energy"
// trigger. It exists for deployments without a keyword-spotting model and
// for exercising the wake pipeline in tests; setups that need real phrase
// detection run the streaming strategy with a phonetic PhraseMatcher
// instead.
package energy

import (
	"fmt"
	"time"

	vadenergy "github.com/JonesHong/ASRHub-sub000/pkg/provider/vad/energy"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/wake"
)

// Trigger is the label reported on every event, since the detector cannot
// tell phrases apart.
const Trigger = "energy"

// Defaults for the engine tuning knobs.
const (
	DefaultThreshold   = 0.5
	DefaultBurstWindow = 300 * time.Millisecond
	DefaultRearmQuiet  = 500 * time.Millisecond
)

// Option configures an Engine.
type Option func(*Engine)

// WithBurstWindow sets how long speech-level energy must be sustained
// before a trigger fires. Non-positive values are ignored.
func WithBurstWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.burst = d
		}
	}
}

// WithRearmQuiet sets how long the stream must stay quiet after a trigger
// before the detector arms again. Non-positive values are ignored.
func WithRearmQuiet(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.rearm = d
		}
	}
}

// Engine creates energy wake sessions.
type Engine struct {
	burst time.Duration
	rearm time.Duration
}

var _ wake.Detector = (*Engine)(nil)

// New creates an energy wake detector engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		burst: DefaultBurstWindow,
		rearm: DefaultRearmQuiet,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewSession creates a wake session for one audio stream.
func (e *Engine) NewSession(cfg wake.Config) (wake.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	switch cfg.Channels {
	case 0:
		cfg.Channels = 1
	case 1, 2:
	default:
		return nil, fmt.Errorf("energy: channels must be 1 or 2, got %d", cfg.Channels)
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("energy: threshold must be in [0.0, 1.0], got %g", cfg.Threshold)
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &session{
		cfg:   cfg,
		burst: e.burst,
		rearm: e.rearm,
		armed: true,
	}, nil
}

type session struct {
	cfg   wake.Config
	burst time.Duration
	rearm time.Duration

	armed      bool
	loud       time.Duration
	quiet      time.Duration
	burstStart time.Duration
	peak       float64
	closed     bool
}

var _ wake.SessionHandle = (*session)(nil)

// ProcessFrame analyses one PCM frame beginning at ts in session time.
func (s *session) ProcessFrame(frame []byte, ts time.Duration) (*wake.Event, error) {
	if s.closed {
		return nil, fmt.Errorf("energy: session is closed")
	}
	if len(frame) == 0 {
		return nil, nil
	}
	if len(frame)%2 != 0 {
		return nil, fmt.Errorf("energy: frame length %d is not a whole number of 16-bit samples", len(frame))
	}

	level := vadenergy.Level(frame)
	dur := s.frameDuration(frame)
	loud := level >= s.cfg.Threshold

	if !s.armed {
		if loud {
			s.quiet = 0
			return nil, nil
		}
		s.quiet += dur
		if s.quiet >= s.rearm {
			s.armed = true
			s.loud = 0
		}
		return nil, nil
	}

	if !loud {
		// A quiet frame breaks the run; bursts must be contiguous.
		s.loud = 0
		return nil, nil
	}

	if s.loud == 0 {
		s.burstStart = ts
		s.peak = 0
	}
	if level > s.peak {
		s.peak = level
	}
	s.loud += dur
	if s.loud < s.burst {
		return nil, nil
	}

	s.armed = false
	s.quiet = 0
	s.loud = 0
	return &wake.Event{
		Trigger:    Trigger,
		Confidence: s.peak,
		Timestamp:  s.burstStart,
	}, nil
}

// Reset clears detection state and re-arms the trigger.
func (s *session) Reset() {
	s.armed = true
	s.loud = 0
	s.quiet = 0
	s.peak = 0
}

// Close releases the session.
func (s *session) Close() error {
	s.closed = true
	return nil
}

func (s *session) frameDuration(frame []byte) time.Duration {
	samples := len(frame) / 2 / s.cfg.Channels
	return time.Duration(samples) * time.Second / time.Duration(s.cfg.SampleRate)
}
