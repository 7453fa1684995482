package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JonesHong/ASRHub-sub000/internal/asrerr"
	"github.com/JonesHong/ASRHub-sub000/internal/enginepool"
	"github.com/JonesHong/ASRHub-sub000/internal/resilience"
	"github.com/JonesHong/ASRHub-sub000/internal/transcript"
	"github.com/JonesHong/ASRHub-sub000/pkg/audio"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/asr"
)

// callMeta threads per-call identity through the shared fallback chain. The
// chain is one long-lived value serving every session (the per-provider
// breakers must accumulate failure history across utterances), so session
// identity and result provenance travel in the context instead. Entries run
// strictly in order within one call; the fields need no locking.
type callMeta struct {
	// sessionID is stamped by the caller for lease accounting.
	sessionID string

	// provider records the last backend tried. After a successful call it
	// names the backend that produced the result.
	provider string

	// lastErr keeps the last backend error with its code intact; the
	// chain's own exhaustion error flattens causes to text.
	lastErr error
}

type callMetaKey struct{}

func withCallMeta(ctx context.Context, m *callMeta) context.Context {
	return context.WithValue(ctx, callMetaKey{}, m)
}

func metaFrom(ctx context.Context) *callMeta {
	m, _ := ctx.Value(callMetaKey{}).(*callMeta)
	return m
}

// newChain builds the transcription chain: one pooled transcriber per
// provider type, first entry primary, the rest fallbacks. A breaker opening
// kicks off a background pool health sweep so broken engines are quarantined
// before the breaker half-opens.
func (h *Hub) newChain(providers []asr.Type) *resilience.TranscribeFallback {
	cfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				if to != resilience.StateOpen {
					return
				}
				h.log.Warn("hub: recognition breaker opened",
					"provider", name, "previous", from.String())
				// Runs under the breaker lock; probe in the background.
				go h.pools.HealthCheck(context.Background())
			},
		},
	}
	chain := resilience.NewTranscribeFallback(
		&pooledTranscriber{hub: h, provider: providers[0]}, string(providers[0]), cfg)
	for _, p := range providers[1:] {
		chain.AddFallback(string(p), &pooledTranscriber{hub: h, provider: p})
	}
	return chain
}

// pooledTranscriber adapts one provider type's engine pool to the chain's
// Transcriber interface. Every call leases an engine for exactly the span of
// the transcription; a failed call releases with a failure outcome so the
// pool probes the instance before handing it out again.
type pooledTranscriber struct {
	hub      *Hub
	provider asr.Type
}

var _ resilience.Transcriber = (*pooledTranscriber)(nil)

func (p *pooledTranscriber) Transcribe(ctx context.Context, pcm []byte, format audio.Format) (asr.Result, error) {
	meta := metaFrom(ctx)
	var sessionID string
	if meta != nil {
		sessionID = meta.sessionID
		meta.provider = string(p.provider)
	}

	lease, err := p.hub.pools.Acquire(ctx, p.provider, sessionID, p.hub.cfg.AcquireTimeout)
	if err != nil {
		if meta != nil {
			meta.lastErr = err
		}
		return asr.Result{}, fmt.Errorf("hub: lease %s engine: %w", p.provider, err)
	}
	res, err := lease.Engine().Transcribe(ctx, pcm, format)
	if err != nil {
		lease.Release(enginepool.OutcomeFailure)
		if meta != nil {
			meta.lastErr = err
		}
		return asr.Result{}, fmt.Errorf("hub: %s transcribe: %w", p.provider, err)
	}
	lease.Release(enginepool.OutcomeSuccess)
	return res, nil
}

// transcribeRange captures [from, to) from the session queue, assembles it
// into one contiguous buffer in the canonical format, and runs it through
// the chain. Returns the result and the provider that produced it. A
// partially evicted range transcribes what survived.
func (h *Hub) transcribeRange(ctx context.Context, rt *runtime, from, to time.Duration) (asr.Result, string, error) {
	if from < 0 {
		from = 0
	}
	chunks, err := rt.sess.Queue().RangeBetween(from, to)
	if err != nil {
		if !errors.Is(err, asrerr.ErrRangeEvicted) {
			return asr.Result{}, "", fmt.Errorf("hub: capture utterance: %w", err)
		}
		h.log.Warn("hub: utterance range partially evicted",
			"session_id", rt.sess.ID(), "from", from, "to", to, "survived", len(chunks))
	}
	pcm := h.assemble(chunks)
	if len(pcm) == 0 {
		return asr.Result{}, "", fmt.Errorf("hub: no audio captured in [%s, %s)", from, to)
	}

	meta := &callMeta{sessionID: rt.sess.ID()}
	start := time.Now()
	res, err := h.chain.Transcribe(withCallMeta(ctx, meta), pcm, h.cfg.Audio)
	if m := h.metrics; m != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.RecordTranscription(ctx, meta.provider, status, time.Since(start))
	}
	if err != nil {
		// Chain exhaustion flattens the last cause to text; re-attach
		// the code so the error notification keeps it.
		if meta.lastErr != nil {
			if code := asrerr.CodeOf(meta.lastErr); code != "" {
				err = asrerr.Wrap(code, err, "hub: transcription failed")
			}
		}
		return asr.Result{}, meta.provider, err
	}
	if res.Duration == 0 {
		res.Duration = pcmDuration(len(pcm), h.cfg.Audio)
	}
	return res, meta.provider, nil
}

// assemble concatenates chunk payloads into one buffer, converting each to
// the canonical format. Chunks arrive timestamp-ordered from the queue.
func (h *Hub) assemble(chunks []audio.Chunk) []byte {
	if len(chunks) == 0 {
		return nil
	}
	conv := audio.FormatConverter{Target: h.cfg.Audio}
	size := 0
	for _, c := range chunks {
		size += len(c.PCM)
	}
	out := make([]byte, 0, size)
	for _, c := range chunks {
		out = append(out, conv.Convert(c.PCM, c.Format)...)
	}
	return out
}

// pcmDuration derives play time from a PCM16 byte count.
func pcmDuration(n int, f audio.Format) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// persist writes a finished result through the transcript store. It runs on
// its own deadline, detached from the session: a session being deleted must
// not lose the transcript it just produced.
func (h *Hub) persist(sessionID string, res asr.Result, provider string) {
	if h.store == nil {
		return
	}
	rec := &transcript.Record{
		SessionID:  sessionID,
		Text:       res.Text,
		Language:   res.Language,
		Provider:   provider,
		Confidence: res.Confidence,
		Duration:   res.Duration,
		Segments:   res.Segments,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.Save(ctx, rec); err != nil {
		h.log.Warn("hub: transcript save failed",
			"session_id", sessionID, "provider", provider, "error", err)
	}
}
