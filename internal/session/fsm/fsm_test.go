package fsm_test

import (
	"errors"
	"testing"

	"github.com/JonesHong/ASRHub-sub000/internal/asrerr"
	"github.com/JonesHong/ASRHub-sub000/internal/session/fsm"
)

type legalEdge struct {
	strategy fsm.Strategy
	from     fsm.State
	event    fsm.Event
	to       fsm.State
}

// legalEdges is the complete expected transition relation, written out so a
// table change in the implementation has to be mirrored here deliberately.
// unexpected_error is legal everywhere and covered separately.
func legalEdges() []legalEdge {
	var edges []legalEdge
	for _, s := range fsm.Strategies {
		edges = append(edges,
			legalEdge{s, fsm.StateIdle, fsm.EventStartListening, fsm.StateListening},
			legalEdge{s, fsm.StateListening, fsm.EventStopListening, fsm.StateIdle},
			legalEdge{s, fsm.StateListening, fsm.EventWakeDetected, fsm.StateWakeDetected},
			legalEdge{s, fsm.StateError, fsm.EventRecover, fsm.StateRecovering},
			legalEdge{s, fsm.StateRecovering, fsm.EventRecovered, fsm.StateIdle},
		)
	}
	edges = append(edges,
		legalEdge{fsm.StrategyBatch, fsm.StateWakeDetected, fsm.EventBeginRecording, fsm.StateRecording},
		legalEdge{fsm.StrategyBatch, fsm.StateRecording, fsm.EventSilenceTimeout, fsm.StateTranscribing},
		legalEdge{fsm.StrategyBatch, fsm.StateTranscribing, fsm.EventTranscriptionDone, fsm.StateProcessing},
		legalEdge{fsm.StrategyBatch, fsm.StateProcessing, fsm.EventProcessingDone, fsm.StateIdle},

		legalEdge{fsm.StrategyNonStreamingRealtime, fsm.StateWakeDetected, fsm.EventBeginRecording, fsm.StateRecording},
		legalEdge{fsm.StrategyNonStreamingRealtime, fsm.StateRecording, fsm.EventSilenceTimeout, fsm.StateTranscribing},
		legalEdge{fsm.StrategyNonStreamingRealtime, fsm.StateTranscribing, fsm.EventTranscriptionDone, fsm.StateIdle},

		legalEdge{fsm.StrategyStreamingRealtime, fsm.StateWakeDetected, fsm.EventBeginRecording, fsm.StateStreaming},
		legalEdge{fsm.StrategyStreamingRealtime, fsm.StateStreaming, fsm.EventSilenceTimeout, fsm.StateIdle},
	)
	return edges
}

func TestLegalTransitions(t *testing.T) {
	t.Parallel()

	for _, e := range legalEdges() {
		got, err := fsm.Next(e.strategy, e.from, e.event)
		if err != nil {
			t.Errorf("%s: %s + %s: unexpected error %v", e.strategy, e.from, e.event, err)
			continue
		}
		if got != e.to {
			t.Errorf("%s: %s + %s = %s, want %s", e.strategy, e.from, e.event, got, e.to)
		}
	}
}

// TestIllegalTransitionsRejected sweeps the full strategy x state x event
// space: everything outside the expected relation must leave the state
// unchanged and report INVALID_TRANSITION.
func TestIllegalTransitionsRejected(t *testing.T) {
	t.Parallel()

	legal := make(map[legalEdge]bool)
	for _, e := range legalEdges() {
		legal[legalEdge{e.strategy, e.from, e.event, ""}] = true
	}

	for _, strategy := range fsm.Strategies {
		for _, from := range fsm.States {
			for _, event := range fsm.Events {
				if event == fsm.EventUnexpectedError {
					continue
				}
				if legal[legalEdge{strategy, from, event, ""}] {
					continue
				}
				got, err := fsm.Next(strategy, from, event)
				if !errors.Is(err, asrerr.ErrInvalidTransition) {
					t.Errorf("%s: %s + %s: err = %v, want INVALID_TRANSITION", strategy, from, event, err)
				}
				if got != from {
					t.Errorf("%s: %s + %s changed state to %s on rejection", strategy, from, event, got)
				}
			}
		}
	}
}

func TestUnexpectedErrorLegalEverywhere(t *testing.T) {
	t.Parallel()

	for _, strategy := range fsm.Strategies {
		for _, from := range fsm.States {
			got, err := fsm.Next(strategy, from, fsm.EventUnexpectedError)
			if err != nil {
				t.Errorf("%s: %s + unexpected_error: %v", strategy, from, err)
			}
			if got != fsm.StateError {
				t.Errorf("%s: %s + unexpected_error = %s, want ERROR", strategy, from, got)
			}
		}
	}
}

func TestRecoveryPath(t *testing.T) {
	t.Parallel()

	s, err := fsm.Next(fsm.StrategyBatch, fsm.StateTranscribing, fsm.EventUnexpectedError)
	if err != nil || s != fsm.StateError {
		t.Fatalf("unexpected_error = (%s, %v), want ERROR", s, err)
	}
	s, err = fsm.Next(fsm.StrategyBatch, s, fsm.EventRecover)
	if err != nil || s != fsm.StateRecovering {
		t.Fatalf("recover = (%s, %v), want RECOVERING", s, err)
	}
	s, err = fsm.Next(fsm.StrategyBatch, s, fsm.EventRecovered)
	if err != nil || s != fsm.StateIdle {
		t.Fatalf("recovered = (%s, %v), want IDLE", s, err)
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	for _, s := range fsm.Strategies {
		got, err := fsm.ParseStrategy(string(s))
		if err != nil || got != s {
			t.Errorf("ParseStrategy(%q) = (%q, %v)", s, got, err)
		}
	}
	if _, err := fsm.ParseStrategy("turbo"); err == nil {
		t.Error("ParseStrategy accepted an unknown strategy")
	}
}

func TestParseEvent(t *testing.T) {
	t.Parallel()

	for _, e := range fsm.Events {
		got, err := fsm.ParseEvent(string(e))
		if err != nil || got != e {
			t.Errorf("ParseEvent(%q) = (%q, %v)", e, got, err)
		}
	}
	if _, err := fsm.ParseEvent("self_destruct"); err == nil {
		t.Error("ParseEvent accepted an unknown event")
	}
}

func TestCapturing(t *testing.T) {
	t.Parallel()

	want := map[fsm.State]bool{fsm.StateRecording: true, fsm.StateStreaming: true}
	for _, s := range fsm.States {
		if got := fsm.Capturing(s); got != want[s] {
			t.Errorf("Capturing(%s) = %v, want %v", s, got, want[s])
		}
	}
}
