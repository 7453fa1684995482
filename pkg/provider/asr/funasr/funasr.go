// Package funasr implements the asr.Engine contract over the FunASR
// runtime's realtime websocket protocol.
//
// Each stream dials the runtime, sends a JSON handshake describing the audio
// and decoding mode, then alternates binary PCM frames with JSON hypothesis
// messages coming back. The client ends an utterance by sending
// {"is_speaking": false}; the server answers with a flush hypothesis marked
// is_final, which this package treats as the end of the stream. Batch
// Transcribe rides the same machinery in "offline" mode.
//
// An Engine represents one endpoint worker: it holds no connection itself,
// but the pool sizes concurrency by engine count, so one engine means one
// in-flight stream against the runtime.
package funasr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/JonesHong/ASRHub-sub000/pkg/audio"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/asr"
)

const (
	defaultMode = "2pass"
	modeOffline = "offline"

	// FunASR's released models decode 16kHz mono; all input is converted.
	inferenceSampleRate = 16000

	defaultHotwordWeight = 20

	// Finals carrying per-word timestamps overflow coder/websocket's 32KiB
	// default read limit on long utterances.
	readLimit = 1 << 20

	eosWriteTimeout   = 5 * time.Second
	defaultCloseGrace = 3 * time.Second
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithMode sets the decoding mode for streams: "online" for incremental
// hypotheses only, "offline" for one whole-utterance result, "2pass" for
// incremental hypotheses refined by an offline pass (the default).
func WithMode(mode string) Option {
	return func(e *Engine) { e.mode = mode }
}

// WithITN toggles inverse text normalization (digits, dates) in results.
// Enabled by default.
func WithITN(enabled bool) Option {
	return func(e *Engine) { e.itn = enabled }
}

// WithHotwords sets engine-level vocabulary boosts applied to every stream,
// merged with any per-stream hotwords.
func WithHotwords(words []string) Option {
	return func(e *Engine) { e.hotwords = words }
}

// WithHotwordWeight sets the boost weight sent for each hotword. Defaults
// to 20, the FunASR-documented midpoint.
func WithHotwordWeight(w int) Option {
	return func(e *Engine) {
		if w > 0 {
			e.hotwordWeight = w
		}
	}
}

// Engine is one FunASR endpoint worker.
type Engine struct {
	endpoint      string
	mode          string
	itn           bool
	hotwords      []string
	hotwordWeight int
	closed        bool
}

var _ asr.Engine = (*Engine)(nil)

// New creates an Engine for a FunASR runtime endpoint, e.g.
// "wss://funasr.internal:10096".
func New(endpoint string, opts ...Option) (*Engine, error) {
	if endpoint == "" {
		return nil, errors.New("funasr: endpoint must not be empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("funasr: parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("funasr: endpoint scheme must be ws or wss, got %q", u.Scheme)
	}

	e := &Engine{
		endpoint:      endpoint,
		mode:          defaultMode,
		itn:           true,
		hotwordWeight: defaultHotwordWeight,
	}
	for _, o := range opts {
		o(e)
	}
	switch e.mode {
	case "online", "offline", "2pass":
	default:
		return nil, fmt.Errorf("funasr: unknown mode %q", e.mode)
	}
	return e, nil
}

// Transcribe recognizes one complete utterance over an offline-mode stream:
// dial, hand over the audio, signal end of speech, collect the flush result.
func (e *Engine) Transcribe(ctx context.Context, pcm []byte, format audio.Format) (asr.Result, error) {
	if e.closed {
		return asr.Result{}, errors.New("funasr: engine is closed")
	}

	s, err := e.openStream(ctx, modeOffline, asr.StreamConfig{Format: format})
	if err != nil {
		return asr.Result{}, err
	}

	chunkBytes := format.BytesPerSecond() / 10
	if chunkBytes <= 0 {
		chunkBytes = inferenceSampleRate / 5 // 100ms of 16k mono
	}
	for off := 0; off < len(pcm); off += chunkBytes {
		end := min(off+chunkBytes, len(pcm))
		if err := s.SendAudio(pcm[off:end]); err != nil {
			_ = s.Close()
			return asr.Result{}, fmt.Errorf("funasr: send audio: %w", err)
		}
	}
	_ = s.Close()

	var parts []string
	for p := range s.Results() {
		if p.IsFinal && p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	if err := ctx.Err(); err != nil {
		return asr.Result{}, fmt.Errorf("funasr: transcribe: %w", err)
	}

	var dur time.Duration
	if bps := format.BytesPerSecond(); bps > 0 {
		dur = time.Duration(len(pcm)) * time.Second / time.Duration(bps)
	}
	return asr.Result{
		Text:     strings.Join(parts, " "),
		Duration: dur,
	}, nil
}

// TranscribeStream opens an incremental stream in the engine's configured
// mode. The config's language hint is ignored: a FunASR runtime serves one
// model, and its language is fixed server-side.
func (e *Engine) TranscribeStream(ctx context.Context, cfg asr.StreamConfig) (asr.StreamHandle, error) {
	if e.closed {
		return nil, errors.New("funasr: engine is closed")
	}
	return e.openStream(ctx, e.mode, cfg)
}

// Healthy dials the runtime and hangs up. A reachable websocket listener is
// as much as the protocol lets us probe without starting a decode.
func (e *Engine) Healthy(ctx context.Context) error {
	if e.closed {
		return errors.New("funasr: engine is closed")
	}
	conn, _, err := websocket.Dial(ctx, e.endpoint, nil)
	if err != nil {
		return fmt.Errorf("funasr: health dial: %w", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "health probe")
	return nil
}

// Close retires the engine. Open streams are unaffected; they hold their own
// connections.
func (e *Engine) Close() error {
	e.closed = true
	return nil
}

// handshake is the first message of every stream.
type handshake struct {
	Mode          string `json:"mode"`
	ChunkSize     []int  `json:"chunk_size"`
	ChunkInterval int    `json:"chunk_interval"`
	AudioFS       int    `json:"audio_fs"`
	WavName       string `json:"wav_name"`
	WavFormat     string `json:"wav_format"`
	IsSpeaking    bool   `json:"is_speaking"`
	Hotwords      string `json:"hotwords,omitempty"`
	ITN           bool   `json:"itn"`
}

// buildHandshake assembles the stream-opening message for the given mode and
// per-stream config.
func (e *Engine) buildHandshake(mode string, cfg asr.StreamConfig) ([]byte, error) {
	hs := handshake{
		Mode:          mode,
		ChunkSize:     []int{5, 10, 5},
		ChunkInterval: 10,
		AudioFS:       inferenceSampleRate,
		WavName:       "asrhub",
		WavFormat:     "pcm",
		IsSpeaking:    true,
		ITN:           e.itn,
	}

	if len(e.hotwords) > 0 || len(cfg.Hotwords) > 0 {
		weights := make(map[string]int, len(e.hotwords)+len(cfg.Hotwords))
		for _, w := range e.hotwords {
			weights[w] = e.hotwordWeight
		}
		for _, w := range cfg.Hotwords {
			weights[w] = e.hotwordWeight
		}
		raw, err := json.Marshal(weights)
		if err != nil {
			return nil, fmt.Errorf("funasr: encode hotwords: %w", err)
		}
		hs.Hotwords = string(raw)
	}

	data, err := json.Marshal(hs)
	if err != nil {
		return nil, fmt.Errorf("funasr: encode handshake: %w", err)
	}
	return data, nil
}

func (e *Engine) openStream(ctx context.Context, mode string, cfg asr.StreamConfig) (*stream, error) {
	hs, err := e.buildHandshake(mode, cfg)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, e.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("funasr: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	if err := conn.Write(ctx, websocket.MessageText, hs); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("funasr: send handshake: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &stream{
		conn:       conn,
		src:        cfg.Format,
		conv:       &audio.FormatConverter{Target: audio.Format{SampleRate: inferenceSampleRate, Channels: 1, Encoding: audio.EncodingPCM16}},
		results:    make(chan asr.Partial, 64),
		audio:      make(chan []byte, 256),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		ctx:        sctx,
		cancel:     cancel,
		grace:      defaultCloseGrace,
	}

	s.writeWG.Add(1)
	go s.writeLoop()
	s.readWG.Add(1)
	go s.readLoop()

	return s, nil
}

// stream is one live FunASR websocket stream. It implements
// asr.StreamHandle.
type stream struct {
	conn *websocket.Conn
	src  audio.Format
	conv *audio.FormatConverter

	results chan asr.Partial
	audio   chan []byte

	done       chan struct{}
	readerDone chan struct{}
	once       sync.Once
	writeWG    sync.WaitGroup
	readWG     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	grace  time.Duration
}

var _ asr.StreamHandle = (*stream)(nil)

// SendAudio converts one PCM buffer to the runtime's format and queues it
// for delivery.
func (s *stream) SendAudio(pcm []byte) error {
	select {
	case <-s.done:
		return errors.New("funasr: stream is closed")
	default:
	}
	data := s.conv.Convert(pcm, s.src)
	if len(data) == 0 {
		return nil
	}
	select {
	case s.audio <- data:
		return nil
	case <-s.done:
		return errors.New("funasr: stream is closed")
	}
}

// Results returns the channel of hypotheses. Closed when the stream ends.
func (s *stream) Results() <-chan asr.Partial { return s.results }

// Close flushes queued audio, signals end of speech, collects the server's
// flush hypothesis, and tears the connection down. Safe to call more than
// once.
func (s *stream) Close() error {
	s.once.Do(func() {
		// Stop accepting audio and let the writer drain its queue so the
		// end-of-speech marker goes out after the last frame.
		close(s.done)
		s.writeWG.Wait()

		eosCtx, cancelEOS := context.WithTimeout(context.Background(), eosWriteTimeout)
		_ = s.conn.Write(eosCtx, websocket.MessageText, []byte(`{"is_speaking":false}`))
		cancelEOS()

		// The server answers end-of-speech with an is_final hypothesis and
		// the reader exits on it. The grace period covers runtimes that
		// never flush.
		select {
		case <-s.readerDone:
		case <-time.After(s.grace):
		}
		s.cancel()
		s.readWG.Wait()
		_ = s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}

// writeLoop sends queued audio as binary messages until the stream closes,
// then drains whatever is still queued.
func (s *stream) writeLoop() {
	defer s.writeWG.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case chunk := <-s.audio:
					if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// readLoop receives hypothesis messages and forwards them to the results
// channel until the server marks the session finished or the connection
// drops.
func (s *stream) readLoop() {
	defer s.readWG.Done()
	defer close(s.readerDone)
	defer close(s.results)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}
		p, end, ok := parseResponse(data)
		if ok {
			select {
			case s.results <- p:
			case <-s.done:
				// Closing; keep reading so the flush hypothesis is not
				// lost, but never block on a full channel.
				select {
				case s.results <- p:
				default:
				}
			}
		}
		if end {
			return
		}
	}
}

// serverMessage is the JSON structure FunASR sends for each hypothesis.
type serverMessage struct {
	Mode      string `json:"mode"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"is_final"`
	WavName   string `json:"wav_name"`
	Timestamp string `json:"timestamp"`
}

// parseResponse converts one server message into a Partial. The second
// return marks the end of the session (the server's answer to end-of-speech
// carries is_final). Committed text is recognized by mode: offline-suffixed
// hypotheses are authoritative, online ones may be revised.
func parseResponse(data []byte) (asr.Partial, bool, bool) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return asr.Partial{}, false, false
	}
	if msg.Text == "" {
		return asr.Partial{}, msg.IsFinal, false
	}
	return asr.Partial{
		Text:      msg.Text,
		IsFinal:   msg.IsFinal || strings.HasSuffix(msg.Mode, modeOffline),
		Timestamp: firstTimestamp(msg.Timestamp),
	}, msg.IsFinal, true
}

// firstTimestamp extracts the start of the first word from FunASR's
// timestamp field, a JSON string holding [[startMs, endMs], ...].
func firstTimestamp(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	var pairs [][]int64
	if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
		return 0
	}
	if len(pairs) == 0 || len(pairs[0]) == 0 {
		return 0
	}
	return time.Duration(pairs[0][0]) * time.Millisecond
}
