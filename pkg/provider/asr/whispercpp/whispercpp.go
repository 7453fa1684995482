// Package whispercpp runs whisper.cpp inference in-process through the CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model weights are loaded once into a shared Model and every pooled
// engine borrows it; each Transcribe call creates a fresh whisper context,
// which is the unit whisper.cpp restricts to one goroutine. Quarantining and
// replacing an engine therefore never reloads the weights.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/JonesHong/ASRHub-sub000/pkg/audio"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/asr"
)

// whisper.cpp consumes 16kHz mono float32; all input is converted to this.
const inferenceSampleRate = 16000

const defaultLanguage = "en"

// Model wraps loaded whisper.cpp weights shared across the engines of one
// pool. The owner that loaded it must Close it after the pool shuts down.
type Model struct {
	path string

	mu     sync.Mutex
	model  whisperlib.Model
	closed bool
}

// LoadModel loads whisper.cpp weights from the given file path.
func LoadModel(path string) (*Model, error) {
	if path == "" {
		return nil, errors.New("whispercpp: model path must not be empty")
	}
	model, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: load model %q: %w", path, err)
	}
	return &Model{path: path, model: model}, nil
}

// Path returns the file the model was loaded from.
func (m *Model) Path() string { return m.path }

// Close releases the model weights. Engines built on the model stop working.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.model.Close()
}

// newContext creates a fresh whisper context for one inference.
func (m *Model) newContext() (whisperlib.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("whispercpp: model is closed")
	}
	wctx, err := m.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whispercpp: create context: %w", err)
	}
	return wctx, nil
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLanguage sets the BCP-47 language code for transcription (e.g. "en",
// "de", "zh"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) {
		if lang != "" {
			e.language = lang
		}
	}
}

// WithThreads caps the CPU threads one inference may use. Useful when
// several engines share a box; zero lets whisper.cpp pick.
func WithThreads(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.threads = n
		}
	}
}

// Engine is one whisper.cpp recognition capacity unit. It is leased to a
// single caller at a time and holds no state between utterances.
type Engine struct {
	model    *Model
	language string
	threads  int
	closed   bool
}

var _ asr.Engine = (*Engine)(nil)

// New creates an Engine borrowing the shared model.
func New(model *Model, opts ...Option) (*Engine, error) {
	if model == nil {
		return nil, errors.New("whispercpp: model must not be nil")
	}
	e := &Engine{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Transcribe recognizes one complete utterance. Input is converted to 16kHz
// mono before inference. Cancellation is honored before inference starts;
// whisper.cpp cannot be interrupted once Process is running.
func (e *Engine) Transcribe(ctx context.Context, pcm []byte, format audio.Format) (asr.Result, error) {
	if e.closed {
		return asr.Result{}, errors.New("whispercpp: engine is closed")
	}
	if err := ctx.Err(); err != nil {
		return asr.Result{}, fmt.Errorf("whispercpp: context already cancelled: %w", err)
	}

	conv := &audio.FormatConverter{Target: audio.Format{
		SampleRate: inferenceSampleRate,
		Channels:   1,
		Encoding:   audio.EncodingPCM16,
	}}
	mono := conv.Convert(pcm, format)
	samples := audio.PCM16ToFloat32(mono)
	dur := time.Duration(len(samples)) * time.Second / inferenceSampleRate

	wctx, err := e.model.newContext()
	if err != nil {
		return asr.Result{}, err
	}
	if err := wctx.SetLanguage(e.language); err != nil {
		slog.Warn("whispercpp: failed to set language, using model default",
			"language", e.language, "error", err)
	}
	if e.threads > 0 {
		wctx.SetThreads(uint(e.threads))
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return asr.Result{}, fmt.Errorf("whispercpp: process audio: %w", err)
	}

	var (
		parts    []string
		segments []asr.Segment
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return asr.Result{}, fmt.Errorf("whispercpp: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		segments = append(segments, asr.Segment{
			ID:    segment.Num,
			Text:  text,
			Start: segment.Start,
			End:   segment.End,
		})
	}

	return asr.Result{
		Text:     strings.Join(parts, " "),
		Language: e.language,
		Duration: dur,
		Segments: segments,
	}, nil
}

// TranscribeStream is unsupported: whisper.cpp has no incremental decoding
// surface. Streaming sessions run a batch engine behind a window instead.
func (e *Engine) TranscribeStream(context.Context, asr.StreamConfig) (asr.StreamHandle, error) {
	return nil, fmt.Errorf("whispercpp: %w", asr.ErrStreamingUnsupported)
}

// Healthy reports whether the engine can still run inference. Local
// inference has no remote surface to probe; health reduces to the shared
// model still being loaded.
func (e *Engine) Healthy(context.Context) error {
	if e.closed {
		return errors.New("whispercpp: engine is closed")
	}
	e.model.mu.Lock()
	defer e.model.mu.Unlock()
	if e.model.closed {
		return errors.New("whispercpp: model is closed")
	}
	return nil
}

// Close retires the engine. The shared model is owned by whoever loaded it;
// closing one pooled engine must not tear down the others.
func (e *Engine) Close() error {
	e.closed = true
	return nil
}
