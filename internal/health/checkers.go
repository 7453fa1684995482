package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/JonesHong/ASRHub-sub000/internal/enginepool"
	"github.com/JonesHong/ASRHub-sub000/internal/resilience"
	"github.com/JonesHong/ASRHub-sub000/internal/transcript"
)

// Engines reports ready while every registered engine pool holds at least
// one live engine. A pool that emptied out (all instances quarantined and
// replacements failing) makes its provider useless to the recognition chain.
func Engines(pools *enginepool.Registry) Checker {
	return Checker{
		Name: "engines",
		Check: func(_ context.Context) error {
			var empty []string
			for _, s := range pools.Stats() {
				if s.Live == 0 {
					empty = append(empty, string(s.Provider))
				}
			}
			if len(empty) > 0 {
				sort.Strings(empty)
				return fmt.Errorf("pools without live engines: %s", strings.Join(empty, ", "))
			}
			return nil
		},
	}
}

// Transcripts reports ready while the persistence guard is not degraded.
// Recognition keeps running on a degraded store, but readiness should say
// that transcripts are currently being dropped.
func Transcripts(g *transcript.Guard) Checker {
	return Checker{
		Name: "transcripts",
		Check: func(_ context.Context) error {
			if g.IsDegraded() {
				return errors.New("store degraded, recent saves were dropped")
			}
			return nil
		},
	}
}

// Recognition reports ready while at least one provider breaker in the
// transcription chain is not open. With every breaker open, each utterance
// fails until a reset timeout elapses.
func Recognition(states func() map[string]resilience.State) Checker {
	return Checker{
		Name: "recognition",
		Check: func(_ context.Context) error {
			all := states()
			var open []string
			for name, s := range all {
				if s == resilience.StateOpen {
					open = append(open, name)
				}
			}
			if len(all) > 0 && len(open) == len(all) {
				sort.Strings(open)
				return fmt.Errorf("all provider breakers open: %s", strings.Join(open, ", "))
			}
			return nil
		},
	}
}
