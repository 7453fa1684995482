package hub

import (
	"context"
	"sync"
	"time"

	"github.com/JonesHong/ASRHub-sub000/internal/observe"
)

// NotificationType discriminates the payload of a Notification.
type NotificationType string

const (
	NotifyStateChanged    NotificationType = "state_changed"
	NotifyWakeWordHit     NotificationType = "wake_word_detected"
	NotifyTranscriptReady NotificationType = "transcript_ready"
	NotifyError           NotificationType = "error"
)

// Notification is the envelope delivered to session subscribers. Exactly one
// of the pointer fields is set, matching Type.
type Notification struct {
	Type      NotificationType `json:"type"`
	SessionID string           `json:"session_id"`
	At        time.Time        `json:"at"`

	State      *StateChange     `json:"state,omitempty"`
	Wake       *WakeEvent       `json:"wake,omitempty"`
	Transcript *TranscriptEvent `json:"transcript,omitempty"`
	Error      *ErrorEvent      `json:"error,omitempty"`
}

// StateChange reports a state machine transition.
type StateChange struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Event string `json:"event"`
}

// WakeEvent reports a wake trigger, either from the audio detector or from
// text confirmation against the first streaming transcript.
type WakeEvent struct {
	Trigger    string  `json:"trigger"`
	Confidence float64 `json:"confidence"`
	// Offset is the position of the trigger in session time.
	Offset time.Duration `json:"offset"`
	// Source is "audio" for detector hits and "text" for transcript
	// confirmation.
	Source string `json:"source"`
}

// TranscriptEvent carries recognized text. Partial results from streaming
// sessions have Final=false; batch results and streaming finals have
// Final=true.
type TranscriptEvent struct {
	Text       string  `json:"text"`
	Final      bool    `json:"final"`
	Confidence float64 `json:"confidence,omitempty"`
	Language   string  `json:"language,omitempty"`
	Provider   string  `json:"provider,omitempty"`
}

// ErrorEvent reports a session entering the error state.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// defaultSubscriberBuffer is the per-subscriber channel depth. Deliveries to
// a full subscriber are dropped, never blocked on; a slow WebSocket reader
// must not stall the session's effects loop.
const defaultSubscriberBuffer = 64

// broadcaster fans notifications out to the subscribers of one session.
type broadcaster struct {
	sessionID string
	metrics   *observe.Metrics

	mu     sync.Mutex
	subs   map[uint64]chan Notification
	nextID uint64
	closed bool
}

func newBroadcaster(sessionID string, metrics *observe.Metrics) *broadcaster {
	return &broadcaster{
		sessionID: sessionID,
		metrics:   metrics,
		subs:      make(map[uint64]chan Notification),
	}
}

// subscribe registers a new receiver. The returned cancel func is idempotent
// and safe to call after the broadcaster is closed.
func (b *broadcaster) subscribe(buf int) (<-chan Notification, func()) {
	if buf <= 0 {
		buf = defaultSubscriberBuffer
	}
	ch := make(chan Notification, buf)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// publish delivers n to every subscriber without blocking. Full subscribers
// miss the notification.
func (b *broadcaster) publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			if m := b.metrics; m != nil {
				m.NotificationsDropped.Add(context.Background(), 1)
			}
		}
	}
}

// close drops all subscribers and closes their channels. Later publishes are
// no-ops.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
