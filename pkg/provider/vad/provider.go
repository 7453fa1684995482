// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session keeps its own smoothing state
// (hangover counters, level history) so concurrent sessions never interfere.
// The session coordinator feeds each captured chunk through a session and
// uses the activity edges to arm and re-arm the silence countdown.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it safe to call from the capture loop between
// queue reads.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle must not be shared across goroutines.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the PCM frames passed to
	// ProcessFrame. Common values: 8000, 16000, 48000.
	SampleRate int

	// Channels is the channel count of incoming frames. 1 or 2.
	Channels int

	// SpeechThreshold is the normalized level above which a frame counts as
	// speech. Range [0.0, 1.0]. Typical: 0.5.
	SpeechThreshold float64

	// SilenceThreshold is the normalized level below which an active speech
	// segment may end. Must be <= SpeechThreshold; the gap between the two
	// keeps the detector from flapping on breathy audio. Typical: 0.35.
	SilenceThreshold float64

	// HangoverMs is how long the level must stay below SilenceThreshold
	// before SpeechEnd fires. Bridges short intra-word pauses. Typical: 300.
	HangoverMs int
}

// SessionHandle is an active VAD session for a single audio stream. Each
// session maintains its own detection state; Reset clears that state without
// closing the session.
type SessionHandle interface {
	// ProcessFrame analyses one PCM frame and returns the detection result.
	// Frames may be any length; detectors integrate over what they are
	// given. Must not block.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears accumulated detection state without closing the session.
	// Used when an utterance cycle completes and the next one should not
	// inherit smoothing history.
	Reset()

	// Close releases session resources. ProcessFrame after Close returns an
	// error. Calling Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions, implemented per backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a session with the given configuration, ready to
	// accept frames. Returns an error for invalid configurations.
	NewSession(cfg Config) (SessionHandle, error)
}
