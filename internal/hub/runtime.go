package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JonesHong/ASRHub-sub000/internal/asrerr"
	"github.com/JonesHong/ASRHub-sub000/internal/enginepool"
	"github.com/JonesHong/ASRHub-sub000/internal/session"
	"github.com/JonesHong/ASRHub-sub000/internal/session/fsm"
	"github.com/JonesHong/ASRHub-sub000/internal/window"
	"github.com/JonesHong/ASRHub-sub000/pkg/audio"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/asr"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/vad"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/wake"
)

// Queue reader identities. Each pipeline consumer holds its own cursor so
// none of them can starve another.
const (
	readerWake   = "wake"
	readerVAD    = "vad"
	readerStream = "stream"
)

// sessionOpts carries per-session overrides resolved at creation time.
// Immutable afterwards; safe to read from any goroutine.
type sessionOpts struct {
	wakePhrases   []string
	wakeThreshold float64
	language      string
	hotwords      []string
}

// runtime binds one session to its effects goroutine. The effects goroutine
// is the only consumer of the session's transitions channel and the only
// writer of the effect state below; readers and stream pumps are children it
// starts and reaps.
type runtime struct {
	hub  *Hub
	sess *session.Session
	b    *broadcaster
	opts sessionOpts

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Effect state, owned by the effects goroutine.
	wakeAt   time.Duration
	wakeStop context.CancelFunc
	wakeDone chan struct{}
	vadStop  context.CancelFunc
	vadDone  chan struct{}
	stream   *activeStream
}

// transcriptionOutcome is the transcription_done payload: the recognition
// result plus the provider that produced it.
type transcriptionOutcome struct {
	result   asr.Result
	provider string
}

func newRuntime(h *Hub, s *session.Session, opts sessionOpts) *runtime {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &runtime{
		hub:    h,
		sess:   s,
		b:      newBroadcaster(s.ID(), h.metrics),
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
	rt.wg.Add(1)
	go rt.run()
	return rt
}

// stop tears the runtime down. Deleting the session closes its queue and
// transitions channel, which unwinds the effects goroutine and every reader;
// cancel covers anything parked on the runtime context.
func (rt *runtime) stop() {
	if err := rt.hub.sessions.Delete(rt.sess.ID()); err != nil && !errors.Is(err, asrerr.ErrSessionNotFound) {
		rt.hub.log.Warn("hub: session delete failed", "session_id", rt.sess.ID(), "error", err)
	}
	rt.cancel()
	rt.wg.Wait()
	rt.b.close()
}

// run is the effects loop: it reacts to every applied transition in order.
// When the transitions channel closes the session is gone; remaining effect
// resources are released and the runtime detaches itself from the hub so
// registry-swept sessions clean up the same way deleted ones do.
func (rt *runtime) run() {
	defer rt.wg.Done()
	for tr := range rt.sess.Transitions() {
		rt.apply(tr)
	}
	rt.stopWakeReader()
	rt.stopVADReader()
	rt.stopStream(enginepool.OutcomeSuccess)
	rt.hub.detachRuntime(rt.sess.ID(), rt)
	rt.b.close()
}

func (h *Hub) detachRuntime(id string, rt *runtime) {
	h.mu.Lock()
	if cur, ok := h.runtimes[id]; ok && cur == rt {
		delete(h.runtimes, id)
	}
	h.mu.Unlock()
}

// publish stamps the session id and delivery time onto n and fans it out.
func (rt *runtime) publish(n Notification) {
	n.SessionID = rt.sess.ID()
	if n.At.IsZero() {
		n.At = time.Now()
	}
	rt.b.publish(n)
}

func (rt *runtime) apply(tr session.Transition) {
	rt.publish(Notification{
		Type: NotifyStateChanged,
		At:   tr.At,
		State: &StateChange{
			From:  string(tr.From),
			To:    string(tr.To),
			Event: string(tr.Event),
		},
	})

	switch tr.Event {
	case fsm.EventStartListening:
		rt.startWakeReader()
	case fsm.EventStopListening:
		rt.stopWakeReader()
	case fsm.EventWakeDetected:
		rt.onWake(tr)
	case fsm.EventBeginRecording:
		rt.onBeginCapture(tr)
	case fsm.EventSilenceTimeout:
		rt.onSilence(tr)
	case fsm.EventTranscriptionDone:
		rt.onTranscriptionDone(tr)
	case fsm.EventProcessingDone:
		rt.sess.Queue().Clear()
	case fsm.EventUnexpectedError:
		rt.onError(tr)
	case fsm.EventRecover:
		rt.onRecover()
	case fsm.EventRecovered:
		// Cleanup already ran on recover.
	}
}

// onWake anchors the utterance at the trigger, announces it, and advances
// the machine into capture. Events dispatched by a client directly, without
// a detector payload, anchor at the live edge instead.
func (rt *runtime) onWake(tr session.Transition) {
	det, fromDetector := tr.Payload.(session.WakeDetection)
	if fromDetector {
		rt.wakeAt = det.At
	} else {
		rt.wakeAt = rt.sess.Queue().SessionTime()
	}
	rt.stopWakeReader()

	if fromDetector {
		rt.publish(Notification{Type: NotifyWakeWordHit, Wake: &WakeEvent{
			Trigger:    det.Trigger,
			Confidence: det.Confidence,
			Offset:     det.At,
			Source:     "audio",
		}})
		if m := rt.hub.metrics; m != nil {
			m.RecordWakeDetection(rt.ctx, det.Trigger)
		}
		rt.hub.log.Info("hub: wake detected",
			"session_id", rt.sess.ID(),
			"trigger", det.Trigger,
			"confidence", det.Confidence,
			"offset", det.At)
	}
	rt.sess.Enqueue(fsm.EventBeginRecording, nil)
}

// onBeginCapture starts the VAD reader from the utterance anchor; streaming
// sessions additionally open a recognition stream.
func (rt *runtime) onBeginCapture(tr session.Transition) {
	rt.startVADReader(rt.wakeAt)
	if tr.To == fsm.StateStreaming {
		rt.startStream()
	}
}

// onSilence ends the capture phase. Batch-style sessions move on to
// transcription; streaming sessions are already transcribed, so the stream
// closes and the cycle completes.
func (rt *runtime) onSilence(tr session.Transition) {
	endAt := rt.sess.Queue().SessionTime()
	if st, ok := tr.Payload.(session.SilenceTimeout); ok {
		endAt = st.At
	}
	rt.stopVADReader()

	switch tr.To {
	case fsm.StateTranscribing:
		rt.runTranscription(endAt)
	case fsm.StateIdle:
		rt.stopStream(enginepool.OutcomeSuccess)
		rt.sess.Queue().Clear()
	}
}

// runTranscription captures the padded utterance range and runs it through
// the recognition chain. It blocks the effects loop for the duration, which
// is what TRANSCRIBING means; the runtime context aborts it on teardown.
func (rt *runtime) runTranscription(endAt time.Duration) {
	from := rt.wakeAt - rt.hub.cfg.PreRoll
	to := endAt + rt.hub.cfg.TailPad
	res, provider, err := rt.hub.transcribeRange(rt.ctx, rt, from, to)
	if err != nil {
		if rt.ctx.Err() != nil {
			return
		}
		rt.sess.Enqueue(fsm.EventUnexpectedError, err)
		return
	}
	rt.hub.log.Info("hub: utterance transcribed",
		"session_id", rt.sess.ID(),
		"provider", provider,
		"chars", len(res.Text),
		"audio", res.Duration)
	rt.sess.Enqueue(fsm.EventTranscriptionDone, transcriptionOutcome{result: res, provider: provider})
}

// onTranscriptionDone announces and persists the result, then finishes the
// cycle: batch sessions pass through the processing state, realtime ones go
// straight back to idle.
func (rt *runtime) onTranscriptionDone(tr session.Transition) {
	if out, ok := tr.Payload.(transcriptionOutcome); ok {
		rt.publish(Notification{Type: NotifyTranscriptReady, Transcript: &TranscriptEvent{
			Text:       out.result.Text,
			Final:      true,
			Confidence: out.result.Confidence,
			Language:   out.result.Language,
			Provider:   out.provider,
		}})
		rt.hub.persist(rt.sess.ID(), out.result, out.provider)
	}

	switch tr.To {
	case fsm.StateProcessing:
		rt.sess.Enqueue(fsm.EventProcessingDone, nil)
	case fsm.StateIdle:
		rt.sess.Queue().Clear()
	}
}

// onError releases every capture resource and reports the fault to
// subscribers. The session stays in the error state until a client
// dispatches recover.
func (rt *runtime) onError(tr session.Transition) {
	rt.stopWakeReader()
	rt.stopVADReader()
	rt.stopStream(enginepool.OutcomeFailure)

	err, _ := tr.Payload.(error)
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	code := asrerr.CodeOf(err)
	if code == "" {
		code = "INTERNAL"
	}
	rt.publish(Notification{Type: NotifyError, Error: &ErrorEvent{
		Code:    string(code),
		Message: msg,
	}})
	rt.hub.log.Error("hub: session faulted",
		"session_id", rt.sess.ID(),
		"code", string(code),
		"previous_state", tr.From,
		"error", msg)
}

// onRecover discards the failed utterance and completes the recovery
// handshake. Error entry already stopped readers and released leases.
func (rt *runtime) onRecover() {
	rt.sess.Queue().Clear()
	rt.wakeAt = 0
	rt.sess.Enqueue(fsm.EventRecovered, nil)
}

// fixedWindow builds a fixed-mode window holding d of canonical audio. The
// config is valid by construction: the sample count is clamped to one.
func (rt *runtime) fixedWindow(d time.Duration) *window.Window {
	f := rt.hub.cfg.Audio
	samples := int(d * time.Duration(f.SampleRate) / time.Second)
	if samples < 1 {
		samples = 1
	}
	w, _ := window.New(window.Config{Mode: window.ModeFixed, TargetSamples: samples})
	return w
}

// cut converts a queued chunk to the canonical format, pushes it through the
// reader's window and counts the frames that came out.
func (rt *runtime) cut(win *window.Window, reader string, conv *audio.FormatConverter, c audio.Chunk) []audio.Frame {
	frames := win.Push(rt.canonical(conv, c))
	if m := rt.hub.metrics; m != nil {
		m.RecordWindowFrames(rt.ctx, reader, len(frames))
	}
	return frames
}

// canonical rewrites a queued chunk into the hub's capture format so windows
// adopt one consistent shape regardless of what the adapter pushed.
func (rt *runtime) canonical(conv *audio.FormatConverter, c audio.Chunk) audio.Chunk {
	c.PCM = conv.Convert(c.PCM, c.Format)
	c.Format = rt.hub.cfg.Audio
	return c
}

// ---- wake reader ----

func (rt *runtime) startWakeReader() {
	if rt.wakeDone != nil {
		return
	}
	ctx, cancel := context.WithCancel(rt.ctx)
	done := make(chan struct{})
	rt.wakeStop, rt.wakeDone = cancel, done
	rt.wg.Add(1)
	go rt.wakeReader(ctx, done)
}

func (rt *runtime) stopWakeReader() {
	if rt.wakeDone == nil {
		return
	}
	rt.wakeStop()
	<-rt.wakeDone
	rt.wakeStop, rt.wakeDone = nil, nil
}

func (rt *runtime) wakeConfig(t *Tuning) wake.Config {
	cfg := wake.Config{
		SampleRate: rt.hub.cfg.Audio.SampleRate,
		Channels:   rt.hub.cfg.Audio.Channels,
		Phrases:    t.WakePhrases,
		Threshold:  t.WakeThreshold,
	}
	if len(rt.opts.wakePhrases) > 0 {
		cfg.Phrases = rt.opts.wakePhrases
	}
	if rt.opts.wakeThreshold > 0 {
		cfg.Threshold = rt.opts.wakeThreshold
	}
	return cfg
}

// wakeReader feeds queued audio through a wake detector session until a
// trigger fires or the reader is stopped. Tuning changes swap the detector
// between frames.
func (rt *runtime) wakeReader(ctx context.Context, done chan struct{}) {
	defer rt.wg.Done()
	defer close(done)

	h := rt.hub
	tun, gen := h.currentTuning()
	det, err := h.cfg.Wake.NewSession(rt.wakeConfig(tun))
	if err != nil {
		rt.sess.Enqueue(fsm.EventUnexpectedError, fmt.Errorf("hub: start wake detector: %w", err))
		return
	}
	defer det.Close()

	conv := audio.FormatConverter{Target: h.cfg.Audio}
	win := rt.fixedWindow(h.cfg.WakeFrame)
	q := rt.sess.Queue()
	for {
		chunk, err := q.ReadBlocking(ctx, readerWake, 0)
		if err != nil {
			return
		}
		if t, g := h.currentTuning(); g != gen {
			if next, nerr := h.cfg.Wake.NewSession(rt.wakeConfig(t)); nerr == nil {
				det.Close()
				det = next
			} else {
				h.log.Warn("hub: wake tuning rejected, keeping previous detector",
					"session_id", rt.sess.ID(), "error", nerr)
			}
			gen = g
		}
		for _, f := range rt.cut(win, readerWake, &conv, chunk) {
			ev, err := det.ProcessFrame(f.PCM, f.Start)
			if err != nil {
				h.log.Warn("hub: wake frame error", "session_id", rt.sess.ID(), "error", err)
				continue
			}
			if ev == nil {
				continue
			}
			_, derr := rt.sess.Dispatch(ctx, fsm.EventWakeDetected, session.WakeDetection{
				Trigger:    ev.Trigger,
				Confidence: ev.Confidence,
				At:         ev.Timestamp,
			})
			if derr != nil {
				// The session moved on while the trigger was in flight;
				// keep listening, the stop will arrive through ctx.
				continue
			}
			return
		}
	}
}

// ---- VAD reader ----

func (rt *runtime) startVADReader(from time.Duration) {
	if rt.vadDone != nil {
		return
	}
	ctx, cancel := context.WithCancel(rt.ctx)
	done := make(chan struct{})
	rt.vadStop, rt.vadDone = cancel, done
	rt.wg.Add(1)
	go rt.vadReader(ctx, done, from)
}

func (rt *runtime) stopVADReader() {
	if rt.vadDone == nil {
		return
	}
	rt.vadStop()
	<-rt.vadDone
	rt.vadStop, rt.vadDone = nil, nil
}

func (rt *runtime) vadConfig(t *Tuning) vad.Config {
	return vad.Config{
		SampleRate:       rt.hub.cfg.Audio.SampleRate,
		Channels:         rt.hub.cfg.Audio.Channels,
		SpeechThreshold:  t.VADSpeech,
		SilenceThreshold: t.VADSilence,
		HangoverMs:       t.VADHangoverMs,
	}
}

// vadReader classifies captured audio from the utterance anchor onward and
// re-arms the silence countdown on every active frame.
func (rt *runtime) vadReader(ctx context.Context, done chan struct{}, from time.Duration) {
	defer rt.wg.Done()
	defer close(done)

	h := rt.hub
	tun, gen := h.currentTuning()
	det, err := h.cfg.VAD.NewSession(rt.vadConfig(tun))
	if err != nil {
		rt.sess.Enqueue(fsm.EventUnexpectedError, fmt.Errorf("hub: start voice activity detector: %w", err))
		return
	}
	defer det.Close()

	conv := audio.FormatConverter{Target: h.cfg.Audio}
	win := rt.fixedWindow(h.cfg.VADFrame)
	q := rt.sess.Queue()
	process := func(frames []audio.Frame) {
		for _, f := range frames {
			ev, perr := det.ProcessFrame(f.PCM)
			if perr != nil {
				h.log.Warn("hub: vad frame error", "session_id", rt.sess.ID(), "error", perr)
				continue
			}
			if ev.Active() {
				rt.sess.ExtendSilence()
			}
		}
	}

	if from < 0 {
		from = 0
	}
	for _, chunk := range q.ReadFrom(readerVAD, from) {
		process(rt.cut(win, readerVAD, &conv, chunk))
	}
	for {
		chunk, err := q.ReadBlocking(ctx, readerVAD, 0)
		if err != nil {
			return
		}
		if t, g := h.currentTuning(); g != gen {
			if next, nerr := h.cfg.VAD.NewSession(rt.vadConfig(t)); nerr == nil {
				det.Close()
				det = next
			} else {
				h.log.Warn("hub: vad tuning rejected, keeping previous detector",
					"session_id", rt.sess.ID(), "error", nerr)
			}
			gen = g
		}
		process(rt.cut(win, readerVAD, &conv, chunk))
	}
}

// ---- recognition stream ----

// activeStream bundles a streaming lease with its pump goroutines. Fields
// are set once at open; wakeAt is the utterance anchor frozen for the
// results goroutine.
type activeStream struct {
	lease       *enginepool.Lease
	handle      asr.StreamHandle
	provider    string
	wakeAt      time.Duration
	cancel      context.CancelFunc
	pumpDone    chan struct{}
	resultsDone chan struct{}
}

func (rt *runtime) startStream() {
	st, err := rt.openStream()
	if err != nil {
		rt.sess.Enqueue(fsm.EventUnexpectedError, err)
		return
	}
	rt.stream = st
}

// openStream leases a streaming-capable engine, trying the chain's
// providers in order. Engines that only do batch recognition return their
// lease untouched and the next provider is tried.
func (rt *runtime) openStream() (*activeStream, error) {
	h := rt.hub
	cfg := asr.StreamConfig{
		Format:   h.cfg.Audio,
		Language: rt.opts.language,
		Hotwords: rt.opts.hotwords,
	}
	var lastErr error
	for _, provider := range h.cfg.Chain {
		lease, err := h.pools.Acquire(rt.ctx, provider, rt.sess.ID(), h.cfg.AcquireTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		handle, err := lease.Engine().TranscribeStream(rt.ctx, cfg)
		if err != nil {
			if errors.Is(err, asr.ErrStreamingUnsupported) {
				lease.Release(enginepool.OutcomeSuccess)
			} else {
				lease.Release(enginepool.OutcomeFailure)
			}
			lastErr = err
			continue
		}

		ctx, cancel := context.WithCancel(rt.ctx)
		st := &activeStream{
			lease:       lease,
			handle:      handle,
			provider:    string(lease.Provider()),
			wakeAt:      rt.wakeAt,
			cancel:      cancel,
			pumpDone:    make(chan struct{}),
			resultsDone: make(chan struct{}),
		}
		rt.wg.Add(2)
		go rt.streamPump(ctx, st, rt.wakeAt-h.cfg.PreRoll)
		go rt.streamResults(st)
		h.log.Info("hub: recognition stream opened",
			"session_id", rt.sess.ID(),
			"provider", st.provider,
			"engine_id", lease.InstanceID())
		return st, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no provider configured")
	}
	return nil, fmt.Errorf("hub: open recognition stream: %w", lastErr)
}

// stopStream closes the stream, reaps its goroutines and returns the lease.
// Close flushes buffered audio and drains the backend, so finals arriving
// during shutdown still reach subscribers.
func (rt *runtime) stopStream(outcome enginepool.Outcome) {
	st := rt.stream
	if st == nil {
		return
	}
	rt.stream = nil

	st.cancel()
	if err := st.handle.Close(); err != nil {
		rt.hub.log.Warn("hub: stream close failed", "session_id", rt.sess.ID(), "error", err)
	}
	<-st.pumpDone
	<-st.resultsDone
	if err := st.lease.Release(outcome); err != nil {
		rt.hub.log.Warn("hub: stream lease release failed", "session_id", rt.sess.ID(), "error", err)
	}
}

// streamPump copies queued audio into the stream, starting with the
// pre-roll so the engine hears the wake phrase itself.
func (rt *runtime) streamPump(ctx context.Context, st *activeStream, from time.Duration) {
	defer rt.wg.Done()
	defer close(st.pumpDone)

	conv := audio.FormatConverter{Target: rt.hub.cfg.Audio}
	win := rt.fixedWindow(rt.hub.cfg.StreamFrame)
	q := rt.sess.Queue()
	send := func(frames []audio.Frame) error {
		for _, f := range frames {
			if err := st.handle.SendAudio(f.PCM); err != nil {
				return err
			}
		}
		return nil
	}

	if from < 0 {
		from = 0
	}
	for _, chunk := range q.ReadFrom(readerStream, from) {
		if err := send(rt.cut(win, readerStream, &conv, chunk)); err != nil {
			rt.reportStreamFault(ctx, err)
			return
		}
	}
	for {
		chunk, err := q.ReadBlocking(ctx, readerStream, 0)
		if err != nil {
			// Ship the window's tail so the engine hears the whole
			// utterance before Close.
			if f := win.Flush(); f != nil {
				_ = st.handle.SendAudio(f.PCM)
			}
			return
		}
		if err := send(rt.cut(win, readerStream, &conv, chunk)); err != nil {
			rt.reportStreamFault(ctx, err)
			return
		}
	}
}

// reportStreamFault escalates a mid-utterance stream failure. A send that
// lost the race against an orderly close is not a fault.
func (rt *runtime) reportStreamFault(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	rt.sess.Enqueue(fsm.EventUnexpectedError, fmt.Errorf("hub: stream send: %w", err))
}

// streamResults forwards hypotheses to subscribers, persists finals, and
// confirms the wake phrase in recognized text when a matcher is configured.
func (rt *runtime) streamResults(st *activeStream) {
	defer rt.wg.Done()
	defer close(st.resultsDone)

	h := rt.hub
	confirmed := h.cfg.Phrases == nil
	for p := range st.handle.Results() {
		rt.publish(Notification{Type: NotifyTranscriptReady, Transcript: &TranscriptEvent{
			Text:       p.Text,
			Final:      p.IsFinal,
			Confidence: p.Confidence,
			Language:   rt.opts.language,
			Provider:   st.provider,
		}})
		if !confirmed && p.Text != "" {
			if trigger, conf, ok := h.cfg.Phrases.Match(p.Text); ok {
				confirmed = true
				rt.publish(Notification{Type: NotifyWakeWordHit, Wake: &WakeEvent{
					Trigger:    trigger,
					Confidence: conf,
					Offset:     st.wakeAt,
					Source:     "text",
				}})
				if m := h.metrics; m != nil {
					m.RecordWakeDetection(context.Background(), trigger)
				}
				h.log.Info("hub: wake phrase confirmed in transcript",
					"session_id", rt.sess.ID(),
					"trigger", trigger,
					"confidence", conf)
			}
		}
		if p.IsFinal && p.Text != "" {
			h.persist(rt.sess.ID(), asr.Result{
				Text:       p.Text,
				Confidence: p.Confidence,
				Language:   rt.opts.language,
			}, st.provider)
		}
	}
}
