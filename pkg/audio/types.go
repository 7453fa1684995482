// Package audio defines the immutable audio units flowing through the
// pipeline — timestamped chunks on the ingest side, windowed frames on the
// consumer side — plus the format conversions engines need (resampling,
// channel mixing, WAV framing, Opus decode).
package audio

import (
	"fmt"
	"time"
)

// Encoding identifies the byte-level encoding of a chunk's sample data.
type Encoding string

const (
	// EncodingPCM16 is 16-bit signed little-endian PCM, the canonical
	// in-queue encoding. Everything downstream of the protocol adapters
	// assumes it.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingOpus marks compressed Opus packets as received from an
	// adapter. Adapters decode to PCM16 before pushing into a queue.
	EncodingOpus Encoding = "opus"
)

// Format describes the sample rate, channel count and encoding of audio data.
type Format struct {
	SampleRate int
	Channels   int
	Encoding   Encoding
}

// BytesPerSecond returns the PCM16 byte rate of the format, or 0 when the
// format is not PCM16.
func (f Format) BytesPerSecond() int {
	if f.Encoding != EncodingPCM16 {
		return 0
	}
	return f.SampleRate * f.Channels * 2
}

// String returns a human-readable description, e.g. "16000Hz mono pcm16".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	enc := f.Encoding
	if enc == "" {
		enc = EncodingPCM16
	}
	return fmt.Sprintf("%dHz %s %s", f.SampleRate, ch, enc)
}

// Chunk is the atomic unit of audio transport: a short run of samples with a
// monotonic timestamp and a per-session sequence number. A chunk is immutable
// once pushed into a queue — readers receive the same backing slice and must
// treat it as read-only.
type Chunk struct {
	// PCM holds the sample data in the chunk's Format encoding.
	PCM []byte

	// Format of the sample data.
	Format Format

	// Timestamp is the chunk's start offset from the session epoch. The
	// epoch is wall-clock on the session; offsets are monotonic by
	// construction.
	Timestamp time.Duration

	// Sequence is assigned by the queue on push, strictly increasing per
	// session, never reused even across Clear.
	Sequence uint64
}

// Samples returns the number of sample frames in the chunk (one frame spans
// all channels). Returns 0 for non-PCM16 chunks.
func (c Chunk) Samples() int {
	if c.Format.Encoding != "" && c.Format.Encoding != EncodingPCM16 {
		return 0
	}
	if c.Format.Channels <= 0 {
		return 0
	}
	return len(c.PCM) / (2 * c.Format.Channels)
}

// Duration returns the play time of the chunk, derived from its sample count.
func (c Chunk) Duration() time.Duration {
	if c.Format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Samples()) * time.Second / time.Duration(c.Format.SampleRate)
}

// End returns the timestamp just past the last sample of the chunk.
func (c Chunk) End() time.Duration {
	return c.Timestamp + c.Duration()
}

// Frame is a windowed run of PCM produced by a BufferWindow: contiguous
// samples covering [Start, End) in session time. Unlike chunks, frames own
// their backing slice.
type Frame struct {
	PCM    []byte
	Format Format
	Start  time.Duration
	End    time.Duration
}

// Samples returns the number of sample frames in the frame.
func (f Frame) Samples() int {
	if f.Format.Channels <= 0 {
		return 0
	}
	return len(f.PCM) / (2 * f.Format.Channels)
}
