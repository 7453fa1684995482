package hub

import "time"

// Tuning is the snapshot of detector settings that can change at runtime.
// Readers pick up a new snapshot between frames; audio already buffered is
// never reprocessed.
type Tuning struct {
	// WakePhrases and WakeThreshold configure wake detector sessions.
	WakePhrases   []string
	WakeThreshold float64

	// VADSpeech and VADSilence are the energy thresholds for voice
	// activity; VADHangoverMs smooths speech-end flapping.
	VADSpeech     float64
	VADSilence    float64
	VADHangoverMs int
}

// ApplyTuning swaps the detector settings for all sessions. Running wake and
// VAD readers replace their detector sessions before the next frame; the
// silence countdown window is updated separately via SetSilenceWindow.
func (h *Hub) ApplyTuning(t Tuning) {
	snap := t
	h.tuning.Store(&snap)
	h.tuningGen.Add(1)
	h.log.Info("hub: detector tuning updated",
		"wake_phrases", len(snap.WakePhrases),
		"wake_threshold", snap.WakeThreshold,
		"vad_speech", snap.VADSpeech,
		"vad_silence", snap.VADSilence)
}

// SetSilenceWindow changes the silence countdown duration for all sessions.
// Armed countdowns keep their current deadline; the next arm uses the new
// window.
func (h *Hub) SetSilenceWindow(d time.Duration) {
	h.sessions.SetSilenceWindow(d)
}

// currentTuning returns the live snapshot and its generation. A reader that
// remembers the generation can detect changes with a single atomic load.
func (h *Hub) currentTuning() (*Tuning, uint64) {
	return h.tuning.Load(), h.tuningGen.Load()
}
