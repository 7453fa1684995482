// Package openai implements the asr.Engine contract on the OpenAI audio
// transcription API. It is a batch-only backend; realtime recognition goes
// through the funasr or whispercpp engines.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/JonesHong/ASRHub-sub000/pkg/audio"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/asr"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = oai.AudioModelWhisper1

// Uploads are converted to 16kHz mono WAV; transcription quality is
// unchanged and payloads shrink for stereo or high-rate sources.
const uploadSampleRate = 16000

// Ensure Engine implements the asr.Engine interface.
var _ asr.Engine = (*Engine)(nil)

// Engine is one OpenAI API client treated as a recognition capacity unit.
// Pool sizing caps how many uploads run at once.
type Engine struct {
	client   oai.Client
	model    string
	language string
	closed   bool
}

// config holds optional configuration for the engine.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	language     string
}

// Option is a functional option for Engine.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// API-compatible gateways.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithLanguage sets the ISO 639-1 language hint sent with every request.
// Empty lets the API detect the language.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// New constructs an OpenAI transcription Engine. If model is empty,
// DefaultModel (whisper-1) is used.
func New(apiKey string, model string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Engine{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
	}, nil
}

// Transcribe implements asr.Engine by uploading the utterance as a WAV file.
func (e *Engine) Transcribe(ctx context.Context, pcm []byte, format audio.Format) (asr.Result, error) {
	if e.closed {
		return asr.Result{}, errors.New("openai: engine is closed")
	}

	conv := &audio.FormatConverter{Target: audio.Format{
		SampleRate: uploadSampleRate,
		Channels:   1,
		Encoding:   audio.EncodingPCM16,
	}}
	mono := conv.Convert(pcm, format)
	wav := audio.EncodeWAV(mono, uploadSampleRate, 1)
	dur := time.Duration(len(mono)/2) * time.Second / uploadSampleRate

	params := oai.AudioTranscriptionNewParams{
		Model: e.model,
		File:  oai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
	}
	if e.language != "" {
		params.Language = param.NewOpt(e.language)
	}

	resp, err := e.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return asr.Result{}, fmt.Errorf("openai: transcribe: %w", err)
	}

	// The default json response format carries text only; segment and
	// confidence detail would need the verbose format, which the SDK types
	// separately.
	return asr.Result{
		Text:     resp.Text,
		Language: e.language,
		Duration: dur,
	}, nil
}

// TranscribeStream is unsupported; the transcription endpoint is
// whole-file only.
func (e *Engine) TranscribeStream(context.Context, asr.StreamConfig) (asr.StreamHandle, error) {
	return nil, fmt.Errorf("openai: %w", asr.ErrStreamingUnsupported)
}

// Healthy fetches the configured model's metadata, verifying reachability,
// credentials and model availability in one round trip.
func (e *Engine) Healthy(ctx context.Context) error {
	if e.closed {
		return errors.New("openai: engine is closed")
	}
	if _, err := e.client.Models.Get(ctx, e.model); err != nil {
		return fmt.Errorf("openai: health probe: %w", err)
	}
	return nil
}

// Close retires the engine. The underlying HTTP client needs no teardown.
func (e *Engine) Close() error {
	e.closed = true
	return nil
}
