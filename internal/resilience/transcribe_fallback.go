package resilience

import (
	"context"

	"github.com/JonesHong/ASRHub-sub000/pkg/audio"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/asr"
)

// Transcriber is the slice of a recognition backend the fallback chain needs.
// [asr.Engine] satisfies it directly; the hub's pool-leasing wrapper satisfies
// it too, so a chain can mix raw engines and pooled providers.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, format audio.Format) (asr.Result, error)
}

// TranscribeFallback implements [Transcriber] with automatic failover across
// multiple recognition backends. Each backend has its own circuit breaker.
type TranscribeFallback struct {
	group *FallbackGroup[Transcriber]
}

// Compile-time interface assertion.
var _ Transcriber = (*TranscribeFallback)(nil)

// NewTranscribeFallback creates a [TranscribeFallback] with primary as the
// preferred backend.
func NewTranscribeFallback(primary Transcriber, primaryName string, cfg FallbackConfig) *TranscribeFallback {
	return &TranscribeFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional recognition backend as a fallback.
func (f *TranscribeFallback) AddFallback(name string, t Transcriber) {
	f.group.AddFallback(name, t)
}

// Transcribe recognises pcm against the first healthy backend. If the primary
// fails or its breaker is open, subsequent fallbacks are tried in order.
func (f *TranscribeFallback) Transcribe(ctx context.Context, pcm []byte, format audio.Format) (asr.Result, error) {
	return ExecuteWithResult(f.group, func(t Transcriber) (asr.Result, error) {
		return t.Transcribe(ctx, pcm, format)
	})
}

// States reports the breaker state of every backend, keyed by name.
func (f *TranscribeFallback) States() map[string]State {
	return f.group.States()
}
