package asr

import "time"

// Result is a whole-utterance recognition outcome.
type Result struct {
	// Text is the recognized speech content.
	Text string

	// Confidence is the overall score (0.0-1.0). Zero when the backend
	// does not report one.
	Confidence float64

	// Language is the detected or configured BCP-47 tag.
	Language string

	// Duration is the length of audio the result covers.
	Duration time.Duration

	// Segments holds per-segment detail when the backend provides it.
	Segments []Segment
}

// Segment is one recognized span within an utterance.
type Segment struct {
	ID         int
	Text       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Partial is one hypothesis from an incremental stream. IsFinal marks
// committed text; interim values may be revised by later partials.
type Partial struct {
	Text       string
	IsFinal    bool
	Confidence float64

	// Timestamp is the utterance-relative start of the hypothesized span,
	// when the backend reports timing.
	Timestamp time.Duration
}
