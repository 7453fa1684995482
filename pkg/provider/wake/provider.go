// Package wake defines the Detector interface for wake phrase detection.
//
// Two complementary mechanisms hang off this package. A Detector session
// consumes raw audio frames and emits wake events directly, suitable for
// keyword-spotting models or the model-free energy detector. A PhraseMatcher
// instead confirms wake phrases inside recognized text; streaming sessions
// run one over incremental transcription partials so the heavy recognizer
// doubles as the wake model.
//
// Detector implementations must be safe for concurrent use across sessions.
// A single SessionHandle must not be shared across goroutines.
package wake

import "time"

// Config holds the parameters for a wake detection session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the frames passed to
	// ProcessFrame.
	SampleRate int

	// Channels is the channel count of incoming frames. 1 or 2.
	Channels int

	// Phrases are the trigger phrases the detector listens for. Detectors
	// without a language model (energy) ignore the words and report a
	// generic trigger.
	Phrases []string

	// Threshold is the minimum confidence for an event to be reported.
	// Range [0.0, 1.0]; zero lets the implementation pick its default.
	Threshold float64
}

// Event is one detected wake trigger.
type Event struct {
	// Trigger is the phrase (or detector label) that fired.
	Trigger string

	// Confidence is the detection score (0.0-1.0).
	Confidence float64

	// Timestamp anchors the trigger in session time: the start of the
	// audio that produced it. Pre-roll capture rewinds from here.
	Timestamp time.Duration
}

// SessionHandle is an active wake detection session for one audio stream.
type SessionHandle interface {
	// ProcessFrame analyses one PCM frame beginning at ts in session time.
	// Returns a non-nil Event when a trigger fires, nil otherwise. Must
	// not block.
	ProcessFrame(frame []byte, ts time.Duration) (*Event, error)

	// Reset clears detection state without closing the session.
	Reset()

	// Close releases session resources. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Detector is the factory for wake sessions, implemented per backend.
type Detector interface {
	// NewSession creates a session with the given configuration, ready to
	// accept frames. Returns an error for invalid configurations.
	NewSession(cfg Config) (SessionHandle, error)
}

// PhraseMatcher scores recognized text against a fixed set of wake phrases.
// Implementations are read-only after construction and safe for concurrent
// use. The triple return mirrors how callers consume it: when matched is
// false, trigger is empty and confidence is 0.
type PhraseMatcher interface {
	Match(text string) (trigger string, confidence float64, matched bool)
}
