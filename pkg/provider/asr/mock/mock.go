// Package mock provides test doubles for the asr package interfaces.
//
// Use Engine to feed controlled recognition results and inspect the audio
// that reached the backend. Use Stream to drive incremental hypotheses into
// a consumer.
//
// Example:
//
//	eng := &mock.Engine{
//	    TranscribeResult: asr.Result{Text: "turn on the lights", Confidence: 0.92},
//	}
//	res, _ := eng.Transcribe(ctx, pcm, format)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/JonesHong/ASRHub-sub000/pkg/audio"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/asr"
)

// TranscribeCall records a single invocation of Engine.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the audio bytes passed to Transcribe.
	PCM []byte
	// Format is the format passed to Transcribe.
	Format audio.Format
}

// Engine is a mock implementation of asr.Engine.
type Engine struct {
	mu sync.Mutex

	// TranscribeResult is returned by every Transcribe call.
	TranscribeResult asr.Result

	// TranscribeErr, if non-nil, is returned by every Transcribe call.
	TranscribeErr error

	// TranscribeDelay makes Transcribe block before returning, to simulate
	// inference latency. Cancelling ctx during the delay returns ctx.Err().
	TranscribeDelay time.Duration

	// Stream is returned by TranscribeStream. If nil, TranscribeStream
	// returns a new default Stream with a buffered Results channel.
	Stream asr.StreamHandle

	// StreamErr, if non-nil, is returned by TranscribeStream. Set it to
	// asr.ErrStreamingUnsupported to mimic a batch-only engine.
	StreamErr error

	// HealthyErr is returned by Healthy; use SetHealthyErr to flip an
	// engine unhealthy mid-test.
	HealthyErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// TranscribeCalls records every Transcribe call in order.
	TranscribeCalls []TranscribeCall

	// StreamCalls counts TranscribeStream invocations.
	StreamCalls int

	// CloseCallCount counts Close invocations.
	CloseCallCount int
}

// Transcribe records the call, waits TranscribeDelay, and returns the
// injected result.
func (e *Engine) Transcribe(ctx context.Context, pcm []byte, format audio.Format) (asr.Result, error) {
	e.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	e.TranscribeCalls = append(e.TranscribeCalls, TranscribeCall{PCM: cp, Format: format})
	delay := e.TranscribeDelay
	res := e.TranscribeResult
	err := e.TranscribeErr
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return asr.Result{}, ctx.Err()
		}
	}
	return res, err
}

// TranscribeStream records the call and returns Stream, StreamErr.
func (e *Engine) TranscribeStream(ctx context.Context, cfg asr.StreamConfig) (asr.StreamHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.StreamCalls++
	if e.StreamErr != nil {
		return nil, e.StreamErr
	}
	if e.Stream != nil {
		return e.Stream, nil
	}
	return &Stream{ResultsCh: make(chan asr.Partial, 16)}, nil
}

// Healthy returns the injected health error.
func (e *Engine) Healthy(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.HealthyErr
}

// SetHealthyErr flips the engine's health state. Thread-safe.
func (e *Engine) SetHealthyErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.HealthyErr = err
}

// Close records the call and returns CloseErr.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCallCount++
	return e.CloseErr
}

// TranscribeCallCount returns the number of Transcribe calls. Thread-safe.
func (e *Engine) TranscribeCallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.TranscribeCalls)
}

// CloseCount returns the number of Close calls. Thread-safe.
func (e *Engine) CloseCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.CloseCallCount
}

// Ensure Engine implements asr.Engine at compile time.
var _ asr.Engine = (*Engine)(nil)

// SendAudioCall records a single invocation of Stream.SendAudio.
type SendAudioCall struct {
	// PCM is a copy of the audio bytes passed to SendAudio.
	PCM []byte
}

// Stream is a mock implementation of asr.StreamHandle. Tests own ResultsCh:
// send the Partial values the consumer should receive, then close it.
type Stream struct {
	mu sync.Mutex

	// ResultsCh is the channel returned by Results.
	ResultsCh chan asr.Partial

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SendAudioCalls records every SendAudio call in order.
	SendAudioCalls []SendAudioCall

	// CloseCallCount counts Close invocations.
	CloseCallCount int
}

// SendAudio records the call and returns SendAudioErr.
func (s *Stream) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{PCM: cp})
	return s.SendAudioErr
}

// Results returns ResultsCh.
func (s *Stream) Results() <-chan asr.Partial {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ResultsCh
}

// Close records the call and returns CloseErr.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Stream) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Ensure Stream implements asr.StreamHandle at compile time.
var _ asr.StreamHandle = (*Stream)(nil)
