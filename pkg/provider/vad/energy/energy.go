// Package energy implements vad.Engine with an RMS level detector.
//
// It needs no model weights, adds no latency, and is deterministic, which
// makes it the default detector for deployments that cannot ship a neural
// VAD. Levels map RMS to a 0-1 scale over a 60 dB range: digital full scale
// is 1.0 and the -60 dBFS noise floor is 0.0, so the package defaults of
// 0.5/0.35 correspond to roughly -30 and -39 dBFS.
package energy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/JonesHong/ASRHub-sub000/pkg/audio"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/vad"
)

// Defaults applied by NewSession when the config leaves them zero.
const (
	DefaultSpeechThreshold  = 0.5
	DefaultSilenceThreshold = 0.35
	DefaultHangoverMs       = 300
)

// dbRange is the dynamic range mapped onto [0, 1].
const dbRange = 60.0

// Engine creates RMS level detector sessions.
type Engine struct{}

// New returns the engine. It holds no state; sessions do.
func New() *Engine {
	return &Engine{}
}

// NewSession validates cfg, fills defaults, and returns a detector session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate %d is invalid", cfg.SampleRate)
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.Channels < 1 || cfg.Channels > 2 {
		return nil, fmt.Errorf("energy: channel count %d is invalid", cfg.Channels)
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = DefaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 || cfg.SilenceThreshold < 0 {
		return nil, fmt.Errorf("energy: thresholds must be in [0, 1]")
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %.2f above speech threshold %.2f",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	if cfg.HangoverMs == 0 {
		cfg.HangoverMs = DefaultHangoverMs
	}
	if cfg.HangoverMs < 0 {
		return nil, fmt.Errorf("energy: hangover %dms is invalid", cfg.HangoverMs)
	}
	return &session{
		cfg:      cfg,
		hangover: time.Duration(cfg.HangoverMs) * time.Millisecond,
	}, nil
}

// session tracks one stream's activity state.
type session struct {
	cfg      vad.Config
	hangover time.Duration

	active bool
	silent time.Duration
	closed bool
}

// ProcessFrame classifies one PCM frame. Silence inside the hangover window
// still reports SpeechContinue so the coordinator's countdown stays armed
// through short pauses.
func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	if s.closed {
		return vad.Event{}, errors.New("energy: session is closed")
	}
	if len(frame)%2 != 0 {
		return vad.Event{}, fmt.Errorf("energy: frame length %d is not 16-bit aligned", len(frame))
	}
	level := Level(frame)
	dur := s.frameDuration(frame)

	switch {
	case !s.active && level >= s.cfg.SpeechThreshold:
		s.active = true
		s.silent = 0
		return vad.Event{Type: vad.SpeechStart, Level: level}, nil
	case !s.active:
		return vad.Event{Type: vad.Silence, Level: level}, nil
	case level > s.cfg.SilenceThreshold:
		s.silent = 0
		return vad.Event{Type: vad.SpeechContinue, Level: level}, nil
	default:
		s.silent += dur
		if s.silent < s.hangover {
			return vad.Event{Type: vad.SpeechContinue, Level: level}, nil
		}
		s.active = false
		s.silent = 0
		return vad.Event{Type: vad.SpeechEnd, Level: level}, nil
	}
}

// Reset clears the activity state without closing the session.
func (s *session) Reset() {
	s.active = false
	s.silent = 0
}

// Close marks the session unusable.
func (s *session) Close() error {
	s.closed = true
	return nil
}

func (s *session) frameDuration(frame []byte) time.Duration {
	samples := len(frame) / 2 / s.cfg.Channels
	return time.Duration(samples) * time.Second / time.Duration(s.cfg.SampleRate)
}

// Level maps a PCM16 frame's RMS onto [0, 1] over a 60 dB range.
func Level(frame []byte) float64 {
	rms := audio.RMS(frame)
	if rms < 1 {
		return 0
	}
	db := 20 * math.Log10(rms/32768.0)
	level := 1 + db/dbRange
	if level < 0 {
		return 0
	}
	if level > 1 {
		return 1
	}
	return level
}

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)
