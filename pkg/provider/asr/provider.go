// Package asr defines the Engine interface for speech recognition backends.
//
// An engine wraps one recognition capacity unit: a loaded local model context
// (whisper.cpp), one realtime websocket endpoint worker (FunASR), or one
// remote API client (OpenAI). Engines are pooled and leased to sessions one
// at a time; an engine only ever serves a single utterance or stream at once,
// so implementations do not need to be internally concurrent. The pool is
// the sole caller and enforces that discipline with leases.
//
// Batch engines implement Transcribe; engines that can also consume audio
// incrementally implement TranscribeStream, and the rest return
// ErrStreamingUnsupported from it.
package asr

import (
	"context"
	"errors"

	"github.com/JonesHong/ASRHub-sub000/pkg/audio"
)

// Type identifies a recognition backend family. Pools are built per type and
// sessions request leases by type.
type Type string

const (
	// TypeWhisperCPP runs whisper.cpp inference in-process via CGo bindings.
	TypeWhisperCPP Type = "whispercpp"
	// TypeFunASR speaks the FunASR realtime websocket protocol.
	TypeFunASR Type = "funasr"
	// TypeOpenAI calls the OpenAI audio transcription API.
	TypeOpenAI Type = "openai"
	// TypeMock is a deterministic in-memory engine for tests.
	TypeMock Type = "mock"
)

// ParseType maps a config string to a Type.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeWhisperCPP, TypeFunASR, TypeOpenAI, TypeMock:
		return Type(s), nil
	case "":
		return "", errors.New("asr: provider type is empty")
	default:
		return "", errors.New("asr: unknown provider type " + s)
	}
}

// ErrStreamingUnsupported is returned by TranscribeStream on engines that
// only do whole-utterance recognition.
var ErrStreamingUnsupported = errors.New("asr: engine does not support streaming")

// Engine is the uniform contract over any recognition backend. The engine
// pool treats implementations as black boxes: transcribe what it is handed,
// answer health probes, release resources on Close.
//
// Methods are never called concurrently on one engine; the pool's lease
// protocol guarantees a single caller at a time.
type Engine interface {
	// Transcribe recognizes a complete utterance. pcm must match format;
	// implementations convert internally when the backend wants a different
	// rate or channel count. Cancelling ctx abandons the request.
	Transcribe(ctx context.Context, pcm []byte, format audio.Format) (Result, error)

	// TranscribeStream opens an incremental recognition stream for engines
	// that support it; others return ErrStreamingUnsupported. The caller
	// owns the handle and must Close it.
	TranscribeStream(ctx context.Context, cfg StreamConfig) (StreamHandle, error)

	// Healthy probes the backend. A non-nil return quarantines the engine
	// out of its pool.
	Healthy(ctx context.Context) error

	// Close releases model memory, connections, or client state. An engine
	// is not usable after Close.
	Close() error
}

// StreamConfig describes the audio and recognition settings for one
// incremental stream.
type StreamConfig struct {
	// Format of the PCM that will be sent. Implementations may convert.
	Format audio.Format

	// Language is a BCP-47 hint; empty lets the backend detect.
	Language string

	// Hotwords boosts recognition of uncommon vocabulary on backends that
	// support it (FunASR); others ignore it.
	Hotwords []string
}

// StreamHandle is one open incremental recognition stream. Close is
// mandatory; it flushes buffered audio, drains the backend, and closes the
// Results channel.
type StreamHandle interface {
	// SendAudio delivers raw PCM matching the StreamConfig format. Returns
	// an error after Close.
	SendAudio(pcm []byte) error

	// Results emits interim and final hypotheses in arrival order. Finals
	// carry IsFinal and are authoritative; interim text may be revised by
	// later values. Closed when the stream ends.
	Results() <-chan Partial

	// Close ends the stream and releases its resources. Safe to call more
	// than once.
	Close() error
}
