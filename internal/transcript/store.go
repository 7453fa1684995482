// Package transcript persists finished recognition results.
//
// Every completed transcription produces a [Record]: the recognized text
// plus the session it came from, the engine type that produced it, and
// any segment timings the engine reported. Records are written once and
// read back newest first when a client asks for a session's history.
//
// Two implementations exist: [MemStore] for tests and deployments that
// can afford to lose transcripts on restart, and [PostgresStore] for
// everything else. Saving is deliberately decoupled from the session
// lifecycle: callers log a failed save and move on, a lost transcript
// must never take the audio session down with it.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JonesHong/ASRHub-sub000/pkg/provider/asr"
)

// Record is one persisted transcription result.
type Record struct {
	// ID uniquely identifies the record. Left empty, Save fills in a
	// freshly generated UUID.
	ID string

	// SessionID is the audio session the transcription belongs to.
	SessionID string

	// Text is the recognized text.
	Text string

	// Language is the BCP-47 tag the engine detected or was configured
	// with. Empty when unknown.
	Language string

	// Provider names the engine type that produced the text, e.g.
	// "whispercpp", "funasr" or "openai".
	Provider string

	// Confidence is the engine's overall score (0.0-1.0). Zero when the
	// engine does not report one.
	Confidence float64

	// Duration is the length of the audio that produced the text.
	Duration time.Duration

	// Segments holds per-segment timings when the engine provides them.
	Segments []asr.Segment

	// CreatedAt is when the record was persisted. Left zero, Save fills
	// in the current time.
	CreatedAt time.Time
}

// Validate reports whether the record can be persisted.
func (r *Record) Validate() error {
	if r.SessionID == "" {
		return errors.New("transcript: record session id must not be empty")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("transcript: record confidence must be in [0.0, 1.0], got %g", r.Confidence)
	}
	return nil
}

// Store persists transcription results.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save persists rec. An empty rec.ID and a zero rec.CreatedAt are
	// filled in before writing. Saving a record whose ID already exists
	// leaves the stored row untouched and reports success, so retried
	// saves stay idempotent.
	Save(ctx context.Context, rec *Record) error

	// BySession returns all records for sessionID, newest first.
	// An unknown session yields an empty (non-nil) slice.
	BySession(ctx context.Context, sessionID string) ([]Record, error)

	// Close releases any resources held by the store.
	Close() error
}

// fillDefaults assigns a generated ID and creation time to rec where missing.
func fillDefaults(rec *Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
}
