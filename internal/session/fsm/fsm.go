// Package fsm defines the per-session utterance state machine as a pure
// transition function over immutable state values. It performs no I/O and
// holds no locks; the session coordinator owns serialization and side
// effects, this package only answers "given this strategy, in this state,
// is that event legal, and where does it lead".
package fsm

import (
	"fmt"

	"github.com/JonesHong/ASRHub-sub000/internal/asrerr"
)

// State is a session lifecycle state.
type State string

const (
	StateIdle         State = "IDLE"
	StateListening    State = "LISTENING"
	StateWakeDetected State = "WAKE_DETECTED"
	StateRecording    State = "RECORDING"
	StateStreaming    State = "STREAMING"
	StateTranscribing State = "TRANSCRIBING"
	StateProcessing   State = "PROCESSING"
	StateError        State = "ERROR"
	StateRecovering   State = "RECOVERING"
)

// Initial is the state of every freshly created session.
const Initial = StateIdle

// Event triggers a transition.
type Event string

const (
	EventStartListening    Event = "start_listening"
	EventStopListening     Event = "stop_listening"
	EventWakeDetected      Event = "wake_detected"
	EventBeginRecording    Event = "begin_recording"
	EventSilenceTimeout    Event = "silence_timeout"
	EventTranscriptionDone Event = "transcription_done"
	EventProcessingDone    Event = "processing_done"
	EventUnexpectedError   Event = "unexpected_error"
	EventRecover           Event = "recover"
	EventRecovered         Event = "recovered"
)

// ParseEvent maps a wire string to an Event. Adapters use it to validate
// client-dispatched events before they reach a session.
func ParseEvent(s string) (Event, error) {
	switch Event(s) {
	case EventStartListening, EventStopListening, EventWakeDetected,
		EventBeginRecording, EventSilenceTimeout, EventTranscriptionDone,
		EventProcessingDone, EventUnexpectedError, EventRecover, EventRecovered:
		return Event(s), nil
	default:
		return "", fmt.Errorf("fsm: unknown event %q", s)
	}
}

// Strategy selects which edges are legal for a session. Batch sessions
// record a whole utterance and transcribe it afterwards, with a
// post-processing stage before returning to idle. Non-streaming realtime
// skips post-processing. Streaming realtime feeds the recognizer while
// recording, so there is no separate transcription state at all.
type Strategy string

const (
	StrategyBatch                Strategy = "batch"
	StrategyNonStreamingRealtime Strategy = "non_streaming_realtime"
	StrategyStreamingRealtime    Strategy = "streaming_realtime"
)

// Strategies lists every known strategy.
var Strategies = []Strategy{StrategyBatch, StrategyNonStreamingRealtime, StrategyStreamingRealtime}

// ParseStrategy maps a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyBatch, StrategyNonStreamingRealtime, StrategyStreamingRealtime:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("fsm: unknown strategy %q", s)
	}
}

// States lists every session state, for snapshots and diagnostics.
var States = []State{
	StateIdle, StateListening, StateWakeDetected, StateRecording, StateStreaming,
	StateTranscribing, StateProcessing, StateError, StateRecovering,
}

// Events lists every dispatchable event.
var Events = []Event{
	EventStartListening, EventStopListening, EventWakeDetected, EventBeginRecording,
	EventSilenceTimeout, EventTranscriptionDone, EventProcessingDone,
	EventUnexpectedError, EventRecover, EventRecovered,
}

type edge struct {
	from  State
	event Event
}

// common edges are legal under every strategy.
var common = map[edge]State{
	{StateIdle, EventStartListening}:     StateListening,
	{StateListening, EventStopListening}: StateIdle,
	{StateListening, EventWakeDetected}:  StateWakeDetected,
	{StateError, EventRecover}:           StateRecovering,
	{StateRecovering, EventRecovered}:    StateIdle,
}

// perStrategy edges differentiate how an utterance is captured and finished.
var perStrategy = map[Strategy]map[edge]State{
	StrategyBatch: {
		{StateWakeDetected, EventBeginRecording}:    StateRecording,
		{StateRecording, EventSilenceTimeout}:       StateTranscribing,
		{StateTranscribing, EventTranscriptionDone}: StateProcessing,
		{StateProcessing, EventProcessingDone}:      StateIdle,
	},
	StrategyNonStreamingRealtime: {
		{StateWakeDetected, EventBeginRecording}:    StateRecording,
		{StateRecording, EventSilenceTimeout}:       StateTranscribing,
		{StateTranscribing, EventTranscriptionDone}: StateIdle,
	},
	StrategyStreamingRealtime: {
		{StateWakeDetected, EventBeginRecording}: StateStreaming,
		{StateStreaming, EventSilenceTimeout}:    StateIdle,
	},
}

// Next returns the state reached by applying event in from under strategy.
// Illegal pairs return the unchanged state and an INVALID_TRANSITION error;
// the caller logs and keeps going. EventUnexpectedError is legal everywhere
// and always lands in ERROR, preserving the previous state for diagnosis
// at the session layer.
func Next(strategy Strategy, from State, event Event) (State, error) {
	if event == EventUnexpectedError {
		return StateError, nil
	}
	if to, ok := perStrategy[strategy][edge{from, event}]; ok {
		return to, nil
	}
	if to, ok := common[edge{from, event}]; ok {
		return to, nil
	}
	return from, asrerr.Newf(asrerr.InvalidTransition,
		"event %q is not legal in state %s for %s sessions", event, from, strategy)
}

// Legal reports whether applying event in from is allowed under strategy.
func Legal(strategy Strategy, from State, event Event) bool {
	_, err := Next(strategy, from, event)
	return err == nil
}

// Capturing reports whether a state is actively consuming utterance audio,
// which is when the silence countdown must be armed.
func Capturing(s State) bool {
	return s == StateRecording || s == StateStreaming
}
