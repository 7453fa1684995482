package hub_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JonesHong/ASRHub-sub000/internal/asrerr"
	"github.com/JonesHong/ASRHub-sub000/internal/enginepool"
	"github.com/JonesHong/ASRHub-sub000/internal/hub"
	"github.com/JonesHong/ASRHub-sub000/internal/observe"
	"github.com/JonesHong/ASRHub-sub000/internal/resilience"
	"github.com/JonesHong/ASRHub-sub000/internal/session"
	"github.com/JonesHong/ASRHub-sub000/internal/session/fsm"
	"github.com/JonesHong/ASRHub-sub000/internal/transcript"
	"github.com/JonesHong/ASRHub-sub000/pkg/audio"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/asr"
	asrmock "github.com/JonesHong/ASRHub-sub000/pkg/provider/asr/mock"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/vad"
	vadmock "github.com/JonesHong/ASRHub-sub000/pkg/provider/vad/mock"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/wake"
	wakemock "github.com/JonesHong/ASRHub-sub000/pkg/provider/wake/mock"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var testFormat = audio.Format{SampleRate: 16000, Channels: 1, Encoding: audio.EncodingPCM16}

// silence returns ms milliseconds of silent audio in the test format.
// 20ms at 16kHz mono PCM16 is 640 bytes.
func silence(ms int) []byte {
	return make([]byte, testFormat.BytesPerSecond()*ms/1000)
}

// harness wires a hub against mock detectors, a single-engine mock pool and
// an in-memory transcript store. The registry's silence window starts at an
// hour so countdowns only fire when a test shortens it on purpose.
type harness struct {
	hub   *hub.Hub
	wake  *wakemock.Detector
	vad   *vadmock.Engine
	eng   *asrmock.Engine
	store *transcript.MemStore
	pools *enginepool.Registry
}

func newHarness(t *testing.T, opts ...func(*hub.Config)) *harness {
	t.Helper()

	h := &harness{
		wake:  &wakemock.Detector{},
		vad:   &vadmock.Engine{},
		eng:   &asrmock.Engine{TranscribeResult: asr.Result{Text: "turn on the lights", Confidence: 0.93}},
		store: transcript.NewMemStore(),
	}

	reg := session.NewRegistry(session.Config{SilenceWindow: time.Hour})
	t.Cleanup(reg.Close)

	pool, err := enginepool.New(enginepool.Config{
		Provider: asr.TypeMock,
		Factory:  func(ctx context.Context) (asr.Engine, error) { return h.eng, nil },
		Size:     1,
	})
	if err != nil {
		t.Fatalf("enginepool.New: %v", err)
	}
	if err := pool.Fill(context.Background()); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	h.pools = enginepool.NewRegistry()
	if err := h.pools.Register(pool); err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(func() { h.pools.Close() })

	cfg := hub.Config{
		Sessions:       reg,
		Pools:          h.pools,
		Wake:           h.wake,
		VAD:            h.vad,
		Store:          h.store,
		Audio:          testFormat,
		Chain:          []asr.Type{asr.TypeMock},
		AcquireTimeout: 500 * time.Millisecond,
		// One pushed 20ms chunk yields exactly one detector frame, so
		// mock EventSequence positions line up with pushes.
		WakeFrame:   20 * time.Millisecond,
		VADFrame:    20 * time.Millisecond,
		StreamFrame: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	hb, err := hub.New(cfg)
	if err != nil {
		t.Fatalf("hub.New: %v", err)
	}
	t.Cleanup(func() { hb.Close() })
	h.hub = hb
	return h
}

func mustCreate(t *testing.T, h *harness, req hub.CreateRequest) string {
	t.Helper()
	id, err := h.hub.CreateSession(req)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return id
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// nextNotification receives until a notification of the wanted type arrives,
// skipping interleaved ones of other types.
func nextNotification(t *testing.T, ch <-chan hub.Notification, typ hub.NotificationType) hub.Notification {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				t.Fatalf("notification channel closed while waiting for %s", typ)
			}
			if n.Type == typ {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %s notification", typ)
		}
	}
}

// collectUntil receives every notification until a state change lands on
// target, returning the full stream in order.
func collectUntil(t *testing.T, ch <-chan hub.Notification, target fsm.State) []hub.Notification {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var got []hub.Notification
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				t.Fatalf("notification channel closed before the session reached %s", target)
			}
			got = append(got, n)
			if n.Type == hub.NotifyStateChanged && n.State.To == string(target) {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for the session to reach %s", target)
		}
	}
}

// stateTrail extracts the To state of every state change, in order.
func stateTrail(notifs []hub.Notification) []fsm.State {
	var trail []fsm.State
	for _, n := range notifs {
		if n.Type == hub.NotifyStateChanged {
			trail = append(trail, fsm.State(n.State.To))
		}
	}
	return trail
}

func assertTrail(t *testing.T, notifs []hub.Notification, want ...fsm.State) {
	t.Helper()
	trail := stateTrail(notifs)
	if len(trail) != len(want) {
		t.Fatalf("state trail = %v, want %v", trail, want)
	}
	for i := range want {
		if trail[i] != want[i] {
			t.Fatalf("state trail = %v, want %v", trail, want)
		}
	}
}

func findNotification(notifs []hub.Notification, typ hub.NotificationType) (hub.Notification, bool) {
	for _, n := range notifs {
		if n.Type == typ {
			return n, true
		}
	}
	return hub.Notification{}, false
}

// drainClosed consumes remaining notifications and fails unless the channel
// closes within the deadline.
func drainClosed(t *testing.T, ch <-chan hub.Notification) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel still open")
		}
	}
}

// scriptedStream is a stream handle whose results channel closes on Close,
// the way real streaming backends end their result feed. Tests push partials
// through emit while the stream is open.
type scriptedStream struct {
	mu        sync.Mutex
	results   chan asr.Partial
	sendErr   error
	sends     int
	closes    int
	closeOnce sync.Once
}

func newScriptedStream() *scriptedStream {
	return &scriptedStream{results: make(chan asr.Partial, 16)}
}

func (s *scriptedStream) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	return s.sendErr
}

func (s *scriptedStream) Results() <-chan asr.Partial { return s.results }

func (s *scriptedStream) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.results) })
	return nil
}

func (s *scriptedStream) emit(p asr.Partial) { s.results <- p }

func (s *scriptedStream) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

func (s *scriptedStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

var _ asr.StreamHandle = (*scriptedStream)(nil)

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	reg := session.NewRegistry(session.Config{SilenceWindow: time.Hour})
	t.Cleanup(reg.Close)

	valid := hub.Config{
		Sessions: reg,
		Pools:    enginepool.NewRegistry(),
		Wake:     &wakemock.Detector{},
		VAD:      &vadmock.Engine{},
		Chain:    []asr.Type{asr.TypeMock},
	}
	h, err := hub.New(valid)
	if err != nil {
		t.Fatalf("New with full config: %v", err)
	}
	h.Close()

	mutations := map[string]func(*hub.Config){
		"sessions": func(c *hub.Config) { c.Sessions = nil },
		"pools":    func(c *hub.Config) { c.Pools = nil },
		"wake":     func(c *hub.Config) { c.Wake = nil },
		"vad":      func(c *hub.Config) { c.VAD = nil },
		"chain":    func(c *hub.Config) { c.Chain = nil },
	}
	for name, mutate := range mutations {
		cfg := valid
		mutate(&cfg)
		if _, err := hub.New(cfg); err == nil {
			t.Errorf("New without %s succeeded", name)
		}
	}
}

func TestCreateSessionStartsIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id := mustCreate(t, h, hub.CreateRequest{})

	snap, err := h.hub.GetState(id)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if snap.State != fsm.StateIdle {
		t.Errorf("new session state = %s, want %s", snap.State, fsm.StateIdle)
	}
	if snap.Strategy != fsm.StrategyNonStreamingRealtime {
		t.Errorf("default strategy = %s, want %s", snap.Strategy, fsm.StrategyNonStreamingRealtime)
	}

	all := h.hub.Sessions()
	if len(all) != 1 || all[0].ID != id {
		t.Errorf("Sessions() has %d entries, want the one created session", len(all))
	}

	if _, err := h.hub.GetState("nope"); !errors.Is(err, asrerr.ErrSessionNotFound) {
		t.Errorf("GetState(unknown) = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestPushAudioAcks(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id := mustCreate(t, h, hub.CreateRequest{Strategy: fsm.StrategyBatch})

	// Zero format means the hub's canonical format; negative at means the
	// queue assigns the timestamp.
	ack, err := h.hub.PushAudio(id, silence(20), audio.Format{}, -1)
	if err != nil {
		t.Fatalf("PushAudio: %v", err)
	}
	if ack.Sequence != 1 {
		t.Errorf("first ack sequence = %d, want 1", ack.Sequence)
	}
	if ack.Dropped != 0 {
		t.Errorf("ack dropped = %d, want 0", ack.Dropped)
	}

	ack2, err := h.hub.PushAudio(id, silence(20), testFormat, 3*time.Second)
	if err != nil {
		t.Fatalf("PushAudio with timestamp: %v", err)
	}
	if ack2.Timestamp != 3*time.Second {
		t.Errorf("placed ack timestamp = %s, want 3s", ack2.Timestamp)
	}
	if ack2.Sequence != 2 {
		t.Errorf("second ack sequence = %d, want 2", ack2.Sequence)
	}

	if _, err := h.hub.PushAudio("nope", silence(20), testFormat, -1); !errors.Is(err, asrerr.ErrSessionNotFound) {
		t.Errorf("PushAudio(unknown) = %v, want SESSION_NOT_FOUND", err)
	}
}

// windowFrames collects the frame counter for the given reader attribute.
func windowFrames(t *testing.T, reader *sdkmetric.ManualReader, want string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "asrhub.window.frames" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				return 0
			}
			for _, dp := range sum.DataPoints {
				if v, _ := dp.Attributes.Value(attribute.Key("reader")); v.AsString() == want {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestWindowFramesRecordedPerReader(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h := newHarness(t, func(c *hub.Config) { c.Metrics = met })

	id := mustCreate(t, h, hub.CreateRequest{Strategy: fsm.StrategyBatch})
	if _, err := h.hub.DispatchEvent(context.Background(), id, fsm.EventStartListening, nil); err != nil {
		t.Fatalf("DispatchEvent(start_listening): %v", err)
	}
	// A 20ms chunk fills the harness's 20ms wake window exactly once.
	if _, err := h.hub.PushAudio(id, silence(20), testFormat, -1); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}

	waitFor(t, "wake frame counter", func() bool {
		return windowFrames(t, reader, "wake") >= 1
	})
}

func TestDispatchEventAdvancesState(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id := mustCreate(t, h, hub.CreateRequest{Strategy: fsm.StrategyBatch})

	state, err := h.hub.DispatchEvent(context.Background(), id, fsm.EventStartListening, nil)
	if err != nil {
		t.Fatalf("DispatchEvent: %v", err)
	}
	if state != fsm.StateListening {
		t.Errorf("state = %s, want %s", state, fsm.StateListening)
	}

	if _, err := h.hub.DispatchEvent(context.Background(), id, fsm.EventSilenceTimeout, nil); !errors.Is(err, asrerr.ErrInvalidTransition) {
		t.Errorf("illegal event error = %v, want INVALID_TRANSITION", err)
	}
	snap, err := h.hub.GetState(id)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if snap.State != fsm.StateListening {
		t.Errorf("state after rejected event = %s, want unchanged %s", snap.State, fsm.StateListening)
	}

	if _, err := h.hub.DispatchEvent(context.Background(), "nope", fsm.EventStartListening, nil); !errors.Is(err, asrerr.ErrSessionNotFound) {
		t.Errorf("DispatchEvent(unknown) = %v, want SESSION_NOT_FOUND", err)
	}
}

// TestWakeToTranscriptCycle drives a batch session through a full utterance:
// audio wakes the detector, silence ends the capture, the pooled engine
// transcribes it, and the transcript lands with subscribers and the store.
func TestWakeToTranscriptCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.wake.Session = &wakemock.Session{EventSequence: []*wake.Event{
		nil,
		{Trigger: "hey aria", Confidence: 0.9, Timestamp: 20 * time.Millisecond},
	}}
	h.hub.SetSilenceWindow(150 * time.Millisecond)

	id := mustCreate(t, h, hub.CreateRequest{Strategy: fsm.StrategyBatch})
	ch, cancel, err := h.hub.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if _, err := h.hub.DispatchEvent(context.Background(), id, fsm.EventStartListening, nil); err != nil {
		t.Fatalf("DispatchEvent(start_listening): %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := h.hub.PushAudio(id, silence(20), testFormat, -1); err != nil {
			t.Fatalf("PushAudio: %v", err)
		}
	}

	notifs := collectUntil(t, ch, fsm.StateIdle)
	assertTrail(t, notifs,
		fsm.StateListening, fsm.StateWakeDetected, fsm.StateRecording,
		fsm.StateTranscribing, fsm.StateProcessing, fsm.StateIdle)

	wakeHit, ok := findNotification(notifs, hub.NotifyWakeWordHit)
	if !ok {
		t.Fatal("no wake notification published")
	}
	if wakeHit.Wake.Trigger != "hey aria" || wakeHit.Wake.Source != "audio" {
		t.Errorf("wake = %+v, want trigger hey aria from audio", wakeHit.Wake)
	}
	if wakeHit.Wake.Offset != 20*time.Millisecond {
		t.Errorf("wake offset = %s, want 20ms", wakeHit.Wake.Offset)
	}
	if wakeHit.SessionID != id || wakeHit.At.IsZero() {
		t.Errorf("wake envelope = session %q at %v, want stamped", wakeHit.SessionID, wakeHit.At)
	}

	tr, ok := findNotification(notifs, hub.NotifyTranscriptReady)
	if !ok {
		t.Fatal("no transcript notification published")
	}
	if tr.Transcript.Text != "turn on the lights" || !tr.Transcript.Final {
		t.Errorf("transcript = %+v, want final mock text", tr.Transcript)
	}
	if tr.Transcript.Provider != "mock" {
		t.Errorf("transcript provider = %q, want mock", tr.Transcript.Provider)
	}

	// Both pushed chunks were captured: the pre-roll rewinds past the wake
	// trigger and the clamp stops at the session epoch.
	if got := h.eng.TranscribeCallCount(); got != 1 {
		t.Fatalf("engine Transcribe calls = %d, want 1", got)
	}
	if got := len(h.eng.TranscribeCalls[0].PCM); got != 2*640 {
		t.Errorf("captured utterance = %d bytes, want both 640-byte chunks", got)
	}
	if got := h.eng.TranscribeCalls[0].Format; got != testFormat {
		t.Errorf("capture format = %v, want %v", got, testFormat)
	}

	recs, err := h.hub.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("History returned %d records, want 1", len(recs))
	}
	if recs[0].Text != "turn on the lights" || recs[0].SessionID != id || recs[0].Provider != "mock" {
		t.Errorf("record = %+v, want the transcribed utterance", recs[0])
	}
	if recs[0].Duration != 40*time.Millisecond {
		t.Errorf("record duration = %s, want 40ms of captured audio", recs[0].Duration)
	}

	waitFor(t, "queue clear after the cycle", func() bool {
		snap, err := h.hub.GetState(id)
		return err == nil && snap.Queue.Chunks == 0
	})
}

// TestStreamingPartialsFlow runs a streaming session: the recognition stream
// opens on wake, partial hypotheses fan out as they arrive, the phrase
// matcher confirms the wake word in recognized text, and finals persist.
func TestStreamingPartialsFlow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *hub.Config) {
		c.Phrases = &wakemock.Matcher{MatchTrigger: "hey aria", MatchConfidence: 0.81, Matched: true}
	})
	h.wake.Session = &wakemock.Session{EventSequence: []*wake.Event{
		{Trigger: "hey aria", Confidence: 0.88, Timestamp: 0},
	}}
	stream := newScriptedStream()
	h.eng.Stream = stream

	id := mustCreate(t, h, hub.CreateRequest{Strategy: fsm.StrategyStreamingRealtime})
	ch, cancel, err := h.hub.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if _, err := h.hub.DispatchEvent(context.Background(), id, fsm.EventStartListening, nil); err != nil {
		t.Fatalf("DispatchEvent(start_listening): %v", err)
	}
	if _, err := h.hub.PushAudio(id, silence(20), testFormat, -1); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}

	notifs := collectUntil(t, ch, fsm.StateStreaming)
	if _, ok := findNotification(notifs, hub.NotifyWakeWordHit); !ok {
		t.Fatal("no audio-sourced wake notification before streaming")
	}
	waitFor(t, "queued audio to reach the stream", func() bool {
		return stream.sendCount() >= 1
	})

	stream.emit(asr.Partial{Text: "hey", IsFinal: false, Confidence: 0.42})
	interim := nextNotification(t, ch, hub.NotifyTranscriptReady)
	if interim.Transcript.Final || interim.Transcript.Text != "hey" {
		t.Errorf("interim transcript = %+v, want non-final hey", interim.Transcript)
	}
	if interim.Transcript.Provider != "mock" {
		t.Errorf("interim provider = %q, want mock", interim.Transcript.Provider)
	}

	// The matcher accepted the interim text, so the wake word is confirmed
	// from the transcript rather than the audio detector.
	confirm := nextNotification(t, ch, hub.NotifyWakeWordHit)
	if confirm.Wake.Source != "text" || confirm.Wake.Trigger != "hey aria" {
		t.Errorf("confirmation = %+v, want hey aria from text", confirm.Wake)
	}
	if confirm.Wake.Confidence != 0.81 {
		t.Errorf("confirmation confidence = %g, want 0.81", confirm.Wake.Confidence)
	}

	stream.emit(asr.Partial{Text: "hey aria turn on the lights", IsFinal: true, Confidence: 0.9})
	final := nextNotification(t, ch, hub.NotifyTranscriptReady)
	if !final.Transcript.Final || final.Transcript.Text != "hey aria turn on the lights" {
		t.Errorf("final transcript = %+v, want the full hypothesis", final.Transcript)
	}

	waitFor(t, "final hypothesis persisted", func() bool {
		recs, err := h.hub.History(context.Background(), id)
		return err == nil && len(recs) == 1
	})

	if err := h.hub.DeleteSession(id); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	drainClosed(t, ch)
	if got := stream.closeCount(); got < 1 {
		t.Error("stream never closed on session delete")
	}
}

// TestStreamingSilenceClosesStream checks the realtime cycle shape: silence
// completes the utterance directly, closing the stream and clearing the
// queue without a batch transcription pass.
func TestStreamingSilenceClosesStream(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.wake.Session = &wakemock.Session{EventSequence: []*wake.Event{
		{Trigger: "hey aria", Confidence: 0.9, Timestamp: 0},
	}}
	stream := newScriptedStream()
	h.eng.Stream = stream
	h.hub.SetSilenceWindow(150 * time.Millisecond)

	id := mustCreate(t, h, hub.CreateRequest{Strategy: fsm.StrategyStreamingRealtime})
	ch, cancel, err := h.hub.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if _, err := h.hub.DispatchEvent(context.Background(), id, fsm.EventStartListening, nil); err != nil {
		t.Fatalf("DispatchEvent(start_listening): %v", err)
	}
	if _, err := h.hub.PushAudio(id, silence(20), testFormat, -1); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}

	notifs := collectUntil(t, ch, fsm.StateIdle)
	assertTrail(t, notifs,
		fsm.StateListening, fsm.StateWakeDetected, fsm.StateStreaming, fsm.StateIdle)

	waitFor(t, "stream close after silence", func() bool {
		return stream.closeCount() >= 1
	})
	if got := stream.sendCount(); got < 1 {
		t.Error("stream never received the captured audio")
	}
	waitFor(t, "queue clear after the cycle", func() bool {
		snap, err := h.hub.GetState(id)
		return err == nil && snap.Queue.Chunks == 0
	})
	if got := h.eng.TranscribeCallCount(); got != 0 {
		t.Errorf("batch Transcribe calls = %d, want none for a streaming session", got)
	}
}

// TestStreamSendFailureFaultsSession checks that a stream write error
// mid-utterance lands the session in the error state with the stream closed.
func TestStreamSendFailureFaultsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.wake.Session = &wakemock.Session{EventSequence: []*wake.Event{
		{Trigger: "hey aria", Confidence: 0.9, Timestamp: 0},
	}}
	stream := newScriptedStream()
	stream.sendErr = errors.New("backend reset")
	h.eng.Stream = stream

	id := mustCreate(t, h, hub.CreateRequest{Strategy: fsm.StrategyStreamingRealtime})
	ch, cancel, err := h.hub.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if _, err := h.hub.DispatchEvent(context.Background(), id, fsm.EventStartListening, nil); err != nil {
		t.Fatalf("DispatchEvent(start_listening): %v", err)
	}
	if _, err := h.hub.PushAudio(id, silence(20), testFormat, -1); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}

	collectUntil(t, ch, fsm.StateError)
	fault := nextNotification(t, ch, hub.NotifyError)
	if fault.Error.Code != "INTERNAL" {
		t.Errorf("fault code = %q, want INTERNAL", fault.Error.Code)
	}
	if !strings.Contains(fault.Error.Message, "stream send") {
		t.Errorf("fault message = %q, want the send failure", fault.Error.Message)
	}

	snap, err := h.hub.GetState(id)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if snap.StateBefore != fsm.StateStreaming {
		t.Errorf("StateBefore = %s, want %s", snap.StateBefore, fsm.StateStreaming)
	}
	if got := stream.closeCount(); got < 1 {
		t.Error("stream not closed on fault")
	}
}

// TestLeaseTimeoutFaultsSession exhausts the engine pool so the utterance's
// lease wait times out, and checks the coded error survives the recognition
// chain into the fault notification.
func TestLeaseTimeoutFaultsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *hub.Config) {
		c.AcquireTimeout = 150 * time.Millisecond
	})
	h.hub.SetSilenceWindow(100 * time.Millisecond)

	hog, err := h.pools.Acquire(context.Background(), asr.TypeMock, "hog", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer hog.Release(enginepool.OutcomeSuccess)

	id := mustCreate(t, h, hub.CreateRequest{Strategy: fsm.StrategyBatch})
	ch, cancel, err := h.hub.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	// Buffer audio first so the capture itself succeeds; only the lease
	// can fail.
	if _, err := h.hub.PushAudio(id, silence(20), testFormat, -1); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}
	if _, err := h.hub.DispatchEvent(context.Background(), id, fsm.EventStartListening, nil); err != nil {
		t.Fatalf("DispatchEvent(start_listening): %v", err)
	}
	if _, err := h.hub.DispatchEvent(context.Background(), id, fsm.EventWakeDetected, nil); err != nil {
		t.Fatalf("DispatchEvent(wake_detected): %v", err)
	}

	notifs := collectUntil(t, ch, fsm.StateError)
	assertTrail(t, notifs,
		fsm.StateListening, fsm.StateWakeDetected, fsm.StateRecording,
		fsm.StateTranscribing, fsm.StateError)

	fault := nextNotification(t, ch, hub.NotifyError)
	if fault.Error.Code != string(asrerr.LeaseTimeout) {
		t.Errorf("fault code = %q, want %s", fault.Error.Code, asrerr.LeaseTimeout)
	}

	snap, err := h.hub.GetState(id)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if snap.StateBefore != fsm.StateTranscribing {
		t.Errorf("StateBefore = %s, want %s", snap.StateBefore, fsm.StateTranscribing)
	}

	// Recovery discards the failed utterance and completes on its own.
	if _, err := h.hub.DispatchEvent(context.Background(), id, fsm.EventRecover, nil); err != nil {
		t.Fatalf("DispatchEvent(recover): %v", err)
	}
	waitFor(t, "recovery back to idle", func() bool {
		snap, err := h.hub.GetState(id)
		return err == nil && snap.State == fsm.StateIdle
	})
	snap, err = h.hub.GetState(id)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if snap.Queue.Chunks != 0 {
		t.Errorf("queue holds %d chunks after recovery, want 0", snap.Queue.Chunks)
	}
}

// TestEmptyCaptureFaultsSession covers the degenerate utterance: silence
// fires with nothing in the queue, so transcription cannot even start.
func TestEmptyCaptureFaultsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.hub.SetSilenceWindow(100 * time.Millisecond)

	id := mustCreate(t, h, hub.CreateRequest{Strategy: fsm.StrategyBatch})
	ch, cancel, err := h.hub.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if _, err := h.hub.DispatchEvent(context.Background(), id, fsm.EventStartListening, nil); err != nil {
		t.Fatalf("DispatchEvent(start_listening): %v", err)
	}
	if _, err := h.hub.DispatchEvent(context.Background(), id, fsm.EventWakeDetected, nil); err != nil {
		t.Fatalf("DispatchEvent(wake_detected): %v", err)
	}

	collectUntil(t, ch, fsm.StateError)
	fault := nextNotification(t, ch, hub.NotifyError)
	if fault.Error.Code != "INTERNAL" {
		t.Errorf("fault code = %q, want INTERNAL", fault.Error.Code)
	}
	if !strings.Contains(fault.Error.Message, "no audio captured") {
		t.Errorf("fault message = %q, want the empty capture", fault.Error.Message)
	}
	if got := h.eng.TranscribeCallCount(); got != 0 {
		t.Errorf("Transcribe calls = %d, want none for an empty capture", got)
	}
}

// TestVADExtendsSilence keeps scripted speech flowing and checks the silence
// countdown never fires while the VAD reports activity.
func TestVADExtendsSilence(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.wake.Session = &wakemock.Session{EventSequence: []*wake.Event{
		{Trigger: "hey aria", Confidence: 0.9, Timestamp: 0},
	}}
	h.vad.Session = &vadmock.Session{EventResult: vad.Event{Type: vad.SpeechContinue, Level: 0.8}}
	h.hub.SetSilenceWindow(300 * time.Millisecond)

	id := mustCreate(t, h, hub.CreateRequest{Strategy: fsm.StrategyBatch})
	if _, err := h.hub.DispatchEvent(context.Background(), id, fsm.EventStartListening, nil); err != nil {
		t.Fatalf("DispatchEvent(start_listening): %v", err)
	}
	if _, err := h.hub.PushAudio(id, silence(20), testFormat, -1); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}
	waitFor(t, "wake into recording", func() bool {
		snap, err := h.hub.GetState(id)
		return err == nil && snap.State == fsm.StateRecording
	})

	// Push well past two windows' worth of wall time. Every frame counts as
	// speech, so each one re-arms the countdown.
	deadline := time.Now().Add(700 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := h.hub.PushAudio(id, silence(20), testFormat, -1); err != nil {
			t.Fatalf("PushAudio: %v", err)
		}
		time.Sleep(40 * time.Millisecond)
	}
	snap, err := h.hub.GetState(id)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if snap.State != fsm.StateRecording {
		t.Fatalf("state during continuous speech = %s, want still %s", snap.State, fsm.StateRecording)
	}

	// Quiet now: one full window later the utterance completes.
	waitFor(t, "cycle completion after speech stops", func() bool {
		snap, err := h.hub.GetState(id)
		return err == nil && snap.State == fsm.StateIdle
	})
	if got := h.eng.TranscribeCallCount(); got != 1 {
		t.Errorf("Transcribe calls = %d, want 1", got)
	}
}

func TestDeleteSessionClosesSubscribers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id := mustCreate(t, h, hub.CreateRequest{Strategy: fsm.StrategyBatch})
	ch, cancel, err := h.hub.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if _, err := h.hub.DispatchEvent(context.Background(), id, fsm.EventStartListening, nil); err != nil {
		t.Fatalf("DispatchEvent: %v", err)
	}
	n := nextNotification(t, ch, hub.NotifyStateChanged)
	if n.SessionID != id || n.At.IsZero() {
		t.Errorf("notification envelope = session %q at %v, want stamped", n.SessionID, n.At)
	}
	if n.State.From != string(fsm.StateIdle) || n.State.To != string(fsm.StateListening) {
		t.Errorf("state change = %s -> %s, want IDLE -> LISTENING", n.State.From, n.State.To)
	}
	if n.State.Event != string(fsm.EventStartListening) {
		t.Errorf("state change event = %q, want start_listening", n.State.Event)
	}

	if err := h.hub.DeleteSession(id); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	drainClosed(t, ch)

	if err := h.hub.DeleteSession(id); !errors.Is(err, asrerr.ErrSessionNotFound) {
		t.Errorf("second DeleteSession = %v, want SESSION_NOT_FOUND", err)
	}
	if _, err := h.hub.PushAudio(id, silence(20), testFormat, -1); !errors.Is(err, asrerr.ErrSessionNotFound) {
		t.Errorf("PushAudio after delete = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestSubscribeUnknownSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if _, _, err := h.hub.Subscribe("nope"); !errors.Is(err, asrerr.ErrSessionNotFound) {
		t.Errorf("Subscribe(unknown) = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestHistoryDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *hub.Config) { c.Store = nil })
	id := mustCreate(t, h, hub.CreateRequest{})
	if _, err := h.hub.History(context.Background(), id); !errors.Is(err, hub.ErrHistoryDisabled) {
		t.Errorf("History without a store = %v, want ErrHistoryDisabled", err)
	}
}

func TestHistorySurvivesDelete(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id := mustCreate(t, h, hub.CreateRequest{})
	if err := h.store.Save(context.Background(), &transcript.Record{
		SessionID: id,
		Text:      "earlier utterance",
		Provider:  "mock",
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := h.hub.DeleteSession(id); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	recs, err := h.hub.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History after delete: %v", err)
	}
	if len(recs) != 1 || recs[0].Text != "earlier utterance" {
		t.Errorf("History after delete = %+v, want the persisted record", recs)
	}

	empty, err := h.hub.History(context.Background(), "never-existed")
	if err != nil {
		t.Fatalf("History(unknown): %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("History(unknown) = %v, want empty non-nil", empty)
	}
}

// TestApplyTuningSwapsDetectors updates the wake tuning mid-session and
// checks the listening reader rebuilds its detector with the new config on
// the next frame.
func TestApplyTuningSwapsDetectors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id := mustCreate(t, h, hub.CreateRequest{Strategy: fsm.StrategyBatch})
	if _, err := h.hub.DispatchEvent(context.Background(), id, fsm.EventStartListening, nil); err != nil {
		t.Fatalf("DispatchEvent: %v", err)
	}
	waitFor(t, "initial wake detector", func() bool {
		return len(h.wake.NewSessionCalls()) == 1
	})
	if got := h.wake.NewSessionCalls()[0]; got.Threshold != 0 || got.SampleRate != 16000 {
		t.Errorf("initial wake config = %+v, want default threshold at 16kHz", got)
	}

	h.hub.ApplyTuning(hub.Tuning{
		WakePhrases:   []string{"hey aria"},
		WakeThreshold: 0.9,
		VADSpeech:     0.6,
		VADSilence:    0.4,
		VADHangoverMs: 250,
	})
	if _, err := h.hub.PushAudio(id, silence(20), testFormat, -1); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}

	waitFor(t, "detector rebuild under new tuning", func() bool {
		return len(h.wake.NewSessionCalls()) == 2
	})
	got := h.wake.NewSessionCalls()[1]
	if got.Threshold != 0.9 {
		t.Errorf("rebuilt threshold = %g, want 0.9", got.Threshold)
	}
	if len(got.Phrases) != 1 || got.Phrases[0] != "hey aria" {
		t.Errorf("rebuilt phrases = %v, want [hey aria]", got.Phrases)
	}
	if got.SampleRate != 16000 || got.Channels != 1 {
		t.Errorf("rebuilt format = %d Hz %d ch, want canonical 16kHz mono", got.SampleRate, got.Channels)
	}
}

// TestCreateSessionOverridesWakeConfig checks per-session wake options beat
// the hub-wide tuning, and sessions without overrides inherit it.
func TestCreateSessionOverridesWakeConfig(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *hub.Config) {
		c.WakePhrases = []string{"hey aria"}
		c.WakeThreshold = 0.5
	})

	custom := mustCreate(t, h, hub.CreateRequest{
		Strategy:      fsm.StrategyBatch,
		WakePhrases:   []string{"ok zephyr"},
		WakeThreshold: 0.85,
	})
	if _, err := h.hub.DispatchEvent(context.Background(), custom, fsm.EventStartListening, nil); err != nil {
		t.Fatalf("DispatchEvent: %v", err)
	}
	waitFor(t, "custom session's detector", func() bool {
		return len(h.wake.NewSessionCalls()) == 1
	})
	got := h.wake.NewSessionCalls()[0]
	if len(got.Phrases) != 1 || got.Phrases[0] != "ok zephyr" || got.Threshold != 0.85 {
		t.Errorf("overridden wake config = %+v, want ok zephyr at 0.85", got)
	}

	inherited := mustCreate(t, h, hub.CreateRequest{Strategy: fsm.StrategyBatch})
	if _, err := h.hub.DispatchEvent(context.Background(), inherited, fsm.EventStartListening, nil); err != nil {
		t.Fatalf("DispatchEvent: %v", err)
	}
	waitFor(t, "inheriting session's detector", func() bool {
		return len(h.wake.NewSessionCalls()) == 2
	})
	got = h.wake.NewSessionCalls()[1]
	if len(got.Phrases) != 1 || got.Phrases[0] != "hey aria" || got.Threshold != 0.5 {
		t.Errorf("inherited wake config = %+v, want hey aria at 0.5", got)
	}
}

func TestBreakerStates(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	states := h.hub.BreakerStates()
	if len(states) != 1 {
		t.Fatalf("BreakerStates() has %d entries, want 1", len(states))
	}
	if got := states["mock"]; got != resilience.StateClosed {
		t.Errorf("mock breaker = %s, want %s", got, resilience.StateClosed)
	}
}

func TestCloseIdempotentAndRejectsCreate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id := mustCreate(t, h, hub.CreateRequest{})
	ch, cancel, err := h.hub.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := h.hub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	drainClosed(t, ch)

	if _, err := h.hub.CreateSession(hub.CreateRequest{}); !errors.Is(err, hub.ErrHubClosed) {
		t.Errorf("CreateSession after Close = %v, want ErrHubClosed", err)
	}
	if _, err := h.hub.GetState(id); !errors.Is(err, asrerr.ErrSessionNotFound) {
		t.Errorf("GetState after Close = %v, want SESSION_NOT_FOUND", err)
	}
	if err := h.hub.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}
