// Package mock provides configurable mock implementations of the wake
// provider interfaces for testing.
//
// The zero values are usable: a zero Session reports no events and a zero
// Matcher never matches. Tests script behavior through the exported fields:
//
//	sess := &mock.Session{EventSequence: []*wake.Event{
//		nil,
//		{Trigger: "hey aria", Confidence: 0.92, Timestamp: 200 * time.Millisecond},
//	}}
//	det := &mock.Detector{Session: sess}
//
// All mocks record their calls and are safe for concurrent use.
package mock

import (
	"sync"
	"time"

	"github.com/JonesHong/ASRHub-sub000/pkg/provider/wake"
)

// ProcessFrameCall records the arguments of one ProcessFrame invocation.
type ProcessFrameCall struct {
	Frame     []byte
	Timestamp time.Duration
}

// Session is a mock wake.SessionHandle.
type Session struct {
	// EventSequence is consumed one entry per ProcessFrame call; nil
	// entries mean no event. After the sequence is exhausted, EventResult
	// is returned.
	EventSequence []*wake.Event

	// EventResult is returned once EventSequence runs out.
	EventResult *wake.Event

	// ProcessFrameErr, when set, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// CloseErr is returned by Close.
	CloseErr error

	mu                sync.Mutex
	processFrameCalls []ProcessFrameCall
	resetCallCount    int
	closeCallCount    int
	sequencePos       int
}

var _ wake.SessionHandle = (*Session)(nil)

// ProcessFrame records the call and returns the next scripted event.
func (s *Session) ProcessFrame(frame []byte, ts time.Duration) (*wake.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processFrameCalls = append(s.processFrameCalls, ProcessFrameCall{
		Frame:     append([]byte(nil), frame...),
		Timestamp: ts,
	})
	if s.ProcessFrameErr != nil {
		return nil, s.ProcessFrameErr
	}
	if s.sequencePos < len(s.EventSequence) {
		ev := s.EventSequence[s.sequencePos]
		s.sequencePos++
		return ev, nil
	}
	return s.EventResult, nil
}

// Reset records the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCallCount++
	return s.CloseErr
}

// ProcessFrameCalls returns a copy of the recorded ProcessFrame calls.
func (s *Session) ProcessFrameCalls() []ProcessFrameCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ProcessFrameCall(nil), s.processFrameCalls...)
}

// ProcessFrameCallCount returns how many times ProcessFrame was called.
func (s *Session) ProcessFrameCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processFrameCalls)
}

// ResetCallCount returns how many times Reset was called.
func (s *Session) ResetCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetCallCount
}

// CloseCallCount returns how many times Close was called.
func (s *Session) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCallCount
}

// Detector is a mock wake.Detector.
type Detector struct {
	// Session is returned by NewSession. If nil, a fresh zero Session is
	// created per call.
	Session *Session

	// NewSessionErr, when set, is returned by NewSession.
	NewSessionErr error

	mu              sync.Mutex
	newSessionCalls []wake.Config
}

var _ wake.Detector = (*Detector)(nil)

// NewSession records the config and returns the scripted session.
func (d *Detector) NewSession(cfg wake.Config) (wake.SessionHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.newSessionCalls = append(d.newSessionCalls, cfg)
	if d.NewSessionErr != nil {
		return nil, d.NewSessionErr
	}
	if d.Session != nil {
		return d.Session, nil
	}
	return &Session{}, nil
}

// NewSessionCalls returns a copy of the recorded NewSession configs.
func (d *Detector) NewSessionCalls() []wake.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]wake.Config(nil), d.newSessionCalls...)
}

// Matcher is a mock wake.PhraseMatcher.
type Matcher struct {
	// MatchTrigger, MatchConfidence and Matched are returned by Match.
	MatchTrigger    string
	MatchConfidence float64
	Matched         bool

	mu         sync.Mutex
	matchCalls []string
}

var _ wake.PhraseMatcher = (*Matcher)(nil)

// Match records the text and returns the scripted result.
func (m *Matcher) Match(text string) (string, float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matchCalls = append(m.matchCalls, text)
	if !m.Matched {
		return "", 0, false
	}
	return m.MatchTrigger, m.MatchConfidence, true
}

// MatchCalls returns a copy of the recorded Match texts.
func (m *Matcher) MatchCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.matchCalls...)
}

// MatchCallCount returns how many times Match was called.
func (m *Matcher) MatchCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.matchCalls)
}
