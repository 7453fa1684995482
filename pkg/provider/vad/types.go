package vad

// Event is the detection result for a single audio frame.
type Event struct {
	// Type is the detection outcome.
	Type EventType

	// Level is the normalized signal level that produced the outcome
	// (0.0-1.0). Useful for tuning thresholds from logs.
	Level float64
}

// Active reports whether the frame carries speech. Both edges and continued
// speech count; the coordinator re-arms its silence countdown on any active
// frame.
func (e Event) Active() bool {
	return e.Type == SpeechStart || e.Type == SpeechContinue
}

// EventType enumerates detection states.
type EventType int

const (
	// Silence indicates no speech detected.
	Silence EventType = iota

	// SpeechStart indicates speech has just begun.
	SpeechStart

	// SpeechContinue indicates ongoing speech.
	SpeechContinue

	// SpeechEnd indicates speech has just ended, after the configured
	// hangover elapsed below the silence threshold.
	SpeechEnd
)

// String returns the event type name for logs.
func (t EventType) String() string {
	switch t {
	case Silence:
		return "silence"
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}
