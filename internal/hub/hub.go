// Package hub is the coordination facade of the service. Protocol adapters
// talk to the hub and to nothing else: it creates sessions, accepts audio,
// forwards state machine events, and fans recognition results and state
// changes back out as per-session notifications.
//
// Behind the facade the hub runs one effects goroutine per session. The
// session's state machine stays pure; every applied transition is published
// on a channel and the effects goroutine reacts to it: starting and stopping
// the wake and VAD readers, opening recognition streams, capturing the
// utterance range for batch transcription, and persisting finished
// transcripts. Effects never block the dispatch loop.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JonesHong/ASRHub-sub000/internal/enginepool"
	"github.com/JonesHong/ASRHub-sub000/internal/observe"
	"github.com/JonesHong/ASRHub-sub000/internal/resilience"
	"github.com/JonesHong/ASRHub-sub000/internal/session"
	"github.com/JonesHong/ASRHub-sub000/internal/session/fsm"
	"github.com/JonesHong/ASRHub-sub000/internal/transcript"
	"github.com/JonesHong/ASRHub-sub000/pkg/audio"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/asr"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/vad"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/wake"
)

// ErrHubClosed is returned by operations on a hub that has been shut down.
var ErrHubClosed = errors.New("hub: hub is closed")

// ErrHistoryDisabled is returned by History when no transcript store is
// configured.
var ErrHistoryDisabled = errors.New("hub: transcript persistence is disabled")

// Defaults applied by New when the config leaves them zero.
const (
	// DefaultPreRoll is how far capture rewinds before the wake trigger,
	// so the utterance includes the audio that woke the session.
	DefaultPreRoll = 500 * time.Millisecond

	// DefaultTailPad is how far capture extends past the silence timeout,
	// covering trailing syllables the VAD classified as quiet.
	DefaultTailPad = 300 * time.Millisecond

	// DefaultAcquireTimeout bounds how long a session waits for an engine
	// lease before the utterance fails.
	DefaultAcquireTimeout = 5 * time.Second

	// DefaultWakeFrame, DefaultVADFrame and DefaultStreamFrame size the
	// fixed windows that reshape queued chunks for each consumer.
	DefaultWakeFrame   = 100 * time.Millisecond
	DefaultVADFrame    = 30 * time.Millisecond
	DefaultStreamFrame = 100 * time.Millisecond
)

// Config wires a Hub. Sessions, Pools, Wake, VAD and Chain are required;
// everything else has a usable default.
type Config struct {
	// Sessions is the registry the hub creates and reclaims sessions in.
	Sessions *session.Registry

	// Pools supplies recognition engines, leased per utterance.
	Pools *enginepool.Registry

	// Wake builds per-session wake detectors fed from the audio queue.
	Wake wake.Detector

	// VAD builds per-session voice activity detectors that re-arm the
	// silence countdown while the speaker is still talking.
	VAD vad.Engine

	// Store persists finished transcripts. Nil disables persistence;
	// History then fails with ErrHistoryDisabled.
	Store transcript.Store

	// Phrases, when set, confirms wake phrases in streaming transcript
	// text and publishes a text-sourced wake notification on a match.
	Phrases wake.PhraseMatcher

	// Audio is the canonical capture format handed to engines. Zero means
	// 16 kHz mono PCM16.
	Audio audio.Format

	// Chain lists the recognition provider types to try in order. The
	// first entry is the primary; later entries are fallbacks behind
	// per-provider circuit breakers. Must not be empty.
	Chain []asr.Type

	// WakePhrases, WakeThreshold, VADSpeech, VADSilence and VADHangoverMs
	// seed the live detector tuning; ApplyTuning replaces them at runtime.
	// Zero values let each detector pick its own default.
	WakePhrases   []string
	WakeThreshold float64
	VADSpeech     float64
	VADSilence    float64
	VADHangoverMs int

	// WakeFrame, VADFrame and StreamFrame are the fixed frame sizes cut
	// from the queue for the wake detector, the VAD and a recognition
	// stream. Chunks arrive in whatever size the adapter pushed; windows
	// reshape them to these cadences.
	WakeFrame   time.Duration
	VADFrame    time.Duration
	StreamFrame time.Duration

	// PreRoll and TailPad widen the captured utterance range around the
	// wake trigger and the silence timeout.
	PreRoll time.Duration
	TailPad time.Duration

	// AcquireTimeout bounds engine lease waits for both batch
	// transcription and stream setup.
	AcquireTimeout time.Duration

	// Language hints the recognizer; empty lets backends detect.
	Language string

	// Hotwords boosts uncommon vocabulary on backends that support it.
	Hotwords []string

	// Logger for hub events. Nil means slog.Default().
	Logger *slog.Logger

	// Metrics instruments the hub. Nil disables instrumentation.
	Metrics *observe.Metrics
}

// Hub coordinates sessions, detectors, engine pools and notification
// delivery. All methods are safe for concurrent use.
type Hub struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	sessions *session.Registry
	pools    *enginepool.Registry
	store    transcript.Store
	chain    *resilience.TranscribeFallback

	tuning    atomic.Pointer[Tuning]
	tuningGen atomic.Uint64

	mu       sync.Mutex
	runtimes map[string]*runtime
	closed   bool
}

// New validates cfg and returns a ready hub.
func New(cfg Config) (*Hub, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("hub: config requires a session registry")
	}
	if cfg.Pools == nil {
		return nil, errors.New("hub: config requires an engine pool registry")
	}
	if cfg.Wake == nil {
		return nil, errors.New("hub: config requires a wake detector")
	}
	if cfg.VAD == nil {
		return nil, errors.New("hub: config requires a VAD engine")
	}
	if len(cfg.Chain) == 0 {
		return nil, errors.New("hub: config requires at least one recognition provider")
	}
	if cfg.Audio == (audio.Format{}) {
		cfg.Audio = audio.Format{SampleRate: 16000, Channels: 1, Encoding: audio.EncodingPCM16}
	}
	if cfg.WakeFrame <= 0 {
		cfg.WakeFrame = DefaultWakeFrame
	}
	if cfg.VADFrame <= 0 {
		cfg.VADFrame = DefaultVADFrame
	}
	if cfg.StreamFrame <= 0 {
		cfg.StreamFrame = DefaultStreamFrame
	}
	if cfg.PreRoll <= 0 {
		cfg.PreRoll = DefaultPreRoll
	}
	if cfg.TailPad <= 0 {
		cfg.TailPad = DefaultTailPad
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	h := &Hub{
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		sessions: cfg.Sessions,
		pools:    cfg.Pools,
		store:    cfg.Store,
		runtimes: make(map[string]*runtime),
	}
	h.tuning.Store(&Tuning{
		WakePhrases:   cfg.WakePhrases,
		WakeThreshold: cfg.WakeThreshold,
		VADSpeech:     cfg.VADSpeech,
		VADSilence:    cfg.VADSilence,
		VADHangoverMs: cfg.VADHangoverMs,
	})
	h.chain = h.newChain(cfg.Chain)
	return h, nil
}

// CreateRequest carries the per-session options of CreateSession. The zero
// value creates a session with the registry's default strategy and the hub's
// current detector tuning.
type CreateRequest struct {
	// Strategy selects the transition table; empty uses the registry
	// default.
	Strategy fsm.Strategy

	// WakePhrases and WakeThreshold override the hub-wide wake tuning for
	// this session only. Empty and zero mean inherit.
	WakePhrases   []string
	WakeThreshold float64

	// Language and Hotwords override the hub-wide recognition hints.
	Language string
	Hotwords []string
}

// CreateSession creates a session and starts its effects goroutine. The
// session begins in the idle state; dispatch start_listening to begin wake
// detection.
func (h *Hub) CreateSession(req CreateRequest) (string, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", ErrHubClosed
	}
	h.mu.Unlock()

	s, err := h.sessions.Create(req.Strategy)
	if err != nil {
		return "", err
	}
	opts := sessionOpts{
		wakePhrases:   req.WakePhrases,
		wakeThreshold: req.WakeThreshold,
		language:      req.Language,
		hotwords:      req.Hotwords,
	}
	if opts.language == "" {
		opts.language = h.cfg.Language
	}
	if len(opts.hotwords) == 0 {
		opts.hotwords = h.cfg.Hotwords
	}
	rt := newRuntime(h, s, opts)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		rt.stop()
		return "", ErrHubClosed
	}
	h.runtimes[s.ID()] = rt
	h.mu.Unlock()
	return s.ID(), nil
}

// DeleteSession tears a session down: its queue is closed, readers and
// streams stop, subscribers' channels close. Transcripts already persisted
// survive.
func (h *Hub) DeleteSession(id string) error {
	h.mu.Lock()
	rt, ok := h.runtimes[id]
	delete(h.runtimes, id)
	h.mu.Unlock()
	if !ok {
		return h.sessions.Delete(id)
	}
	rt.stop()
	return nil
}

// Ack reports where a pushed chunk landed in the session timeline.
type Ack struct {
	// Timestamp is the chunk's start offset in session time.
	Timestamp time.Duration `json:"timestamp"`

	// Sequence is the queue-assigned chunk number.
	Sequence uint64 `json:"sequence"`

	// Dropped counts old chunks evicted to make room for this one.
	Dropped int `json:"dropped"`
}

// PushAudio appends pcm to the session's queue and counts as session
// activity. A negative at lets the queue assign the timestamp; a
// non-negative at places the chunk explicitly, clamped to keep the timeline
// monotonic. A zero format means the hub's canonical format.
func (h *Hub) PushAudio(id string, pcm []byte, format audio.Format, at time.Duration) (Ack, error) {
	s, err := h.sessions.Get(id)
	if err != nil {
		return Ack{}, err
	}
	if format == (audio.Format{}) {
		format = h.cfg.Audio
	}

	var (
		chunk   audio.Chunk
		dropped int
	)
	if at < 0 {
		chunk, dropped, err = s.Queue().Push(pcm, format)
	} else {
		chunk, dropped, err = s.Queue().PushAt(pcm, format, at)
	}
	if err != nil {
		return Ack{}, err
	}
	s.Touch()
	return Ack{Timestamp: chunk.Timestamp, Sequence: chunk.Sequence, Dropped: dropped}, nil
}

// DispatchEvent forwards event to the session's state machine and returns
// the resulting state. Illegal events leave the state unchanged and return a
// coded invalid-transition error.
func (h *Hub) DispatchEvent(ctx context.Context, id string, event fsm.Event, payload any) (fsm.State, error) {
	s, err := h.sessions.Get(id)
	if err != nil {
		return "", err
	}
	return s.Dispatch(ctx, event, payload)
}

// GetState returns a point-in-time snapshot of the session.
func (h *Hub) GetState(id string) (session.Snapshot, error) {
	s, err := h.sessions.Get(id)
	if err != nil {
		return session.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Sessions snapshots every live session, oldest first.
func (h *Hub) Sessions() []session.Snapshot {
	return h.sessions.Snapshots()
}

// History returns the persisted transcripts of a session, newest first. It
// reads the store directly, so the history of deleted sessions stays
// readable.
func (h *Hub) History(ctx context.Context, id string) ([]transcript.Record, error) {
	if h.store == nil {
		return nil, ErrHistoryDisabled
	}
	return h.store.BySession(ctx, id)
}

// Subscribe registers a notification receiver for a session. The channel
// closes when the session is deleted or cancel is called; deliveries to a
// full channel are dropped.
func (h *Hub) Subscribe(id string) (<-chan Notification, func(), error) {
	h.mu.Lock()
	rt, ok := h.runtimes[id]
	h.mu.Unlock()
	if !ok {
		// Match the registry's coded not-found error.
		if _, err := h.sessions.Get(id); err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrHubClosed
	}
	ch, cancel := rt.b.subscribe(0)
	return ch, cancel, nil
}

// BreakerStates reports the circuit breaker state of every provider in the
// transcription chain, keyed by provider name. Readiness checks use it.
func (h *Hub) BreakerStates() map[string]resilience.State {
	return h.chain.States()
}

// Close tears down every session. Injected collaborators (pools, store,
// registry) are owned by the caller and stay open.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	rts := make([]*runtime, 0, len(h.runtimes))
	for _, rt := range h.runtimes {
		rts = append(rts, rt)
	}
	clear(h.runtimes)
	h.mu.Unlock()

	for _, rt := range rts {
		rt.stop()
	}
	h.log.Info("hub closed", "sessions", len(rts))
	return nil
}
