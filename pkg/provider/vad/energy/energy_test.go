package energy_test

import (
	"testing"

	"github.com/JonesHong/ASRHub-sub000/pkg/audio"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/vad"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/vad/energy"
)

// tone returns n mono samples at constant amplitude, so RMS equals amp.
func tone(amp int16, n int) []byte {
	s := make([]int16, n)
	for i := range s {
		s[i] = amp
	}
	return audio.Int16sToBytes(s)
}

func newSession(t *testing.T) vad.SessionHandle {
	t.Helper()
	s, err := energy.New().NewSession(vad.Config{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestLevelMapping(t *testing.T) {
	t.Parallel()

	// Full scale maps to 1.0, silence to 0.0, and -12 dBFS speech lands
	// well above the default speech threshold.
	if got := energy.Level(tone(32767, 320)); got < 0.99 {
		t.Errorf("full-scale level = %.3f, want ~1.0", got)
	}
	if got := energy.Level(tone(0, 320)); got != 0 {
		t.Errorf("silent level = %.3f, want 0", got)
	}
	if got := energy.Level(tone(8000, 320)); got < energy.DefaultSpeechThreshold {
		t.Errorf("speech-level frame = %.3f, want >= %.2f", got, energy.DefaultSpeechThreshold)
	}
	if got := energy.Level(tone(100, 320)); got > energy.DefaultSilenceThreshold {
		t.Errorf("room-noise frame = %.3f, want <= %.2f", got, energy.DefaultSilenceThreshold)
	}
}

func TestSpeechEdges(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	loud := tone(8000, 320) // 20ms at 16 kHz
	quiet := tone(100, 320)

	ev, err := s.ProcessFrame(quiet)
	if err != nil || ev.Type != vad.Silence {
		t.Fatalf("quiet frame = (%s, %v), want silence", ev.Type, err)
	}
	ev, _ = s.ProcessFrame(loud)
	if ev.Type != vad.SpeechStart {
		t.Fatalf("first loud frame = %s, want speech_start", ev.Type)
	}
	if !ev.Active() {
		t.Error("speech_start not Active()")
	}
	ev, _ = s.ProcessFrame(loud)
	if ev.Type != vad.SpeechContinue {
		t.Fatalf("second loud frame = %s, want speech_continue", ev.Type)
	}
}

func TestHangoverBridgesShortPauses(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	loud := tone(8000, 320)
	quiet := tone(100, 320)

	if ev, _ := s.ProcessFrame(loud); ev.Type != vad.SpeechStart {
		t.Fatalf("setup: got %s", ev.Type)
	}

	// 300ms hangover at 20ms frames: 14 quiet frames stay inside the
	// window, the 15th crosses it and ends the segment.
	for i := 0; i < 14; i++ {
		ev, _ := s.ProcessFrame(quiet)
		if ev.Type != vad.SpeechContinue {
			t.Fatalf("quiet frame %d inside hangover = %s, want speech_continue", i, ev.Type)
		}
	}
	ev, _ := s.ProcessFrame(quiet)
	if ev.Type != vad.SpeechEnd {
		t.Fatalf("hangover expiry frame = %s, want speech_end", ev.Type)
	}
	if ev.Active() {
		t.Error("speech_end reported Active()")
	}
	if ev, _ := s.ProcessFrame(quiet); ev.Type != vad.Silence {
		t.Fatalf("post-segment frame = %s, want silence", ev.Type)
	}
}

func TestSpeechResumingInsideHangover(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	loud := tone(8000, 320)
	quiet := tone(100, 320)

	s.ProcessFrame(loud)
	for i := 0; i < 10; i++ {
		s.ProcessFrame(quiet)
	}
	// Renewed speech resets the silence accumulator.
	if ev, _ := s.ProcessFrame(loud); ev.Type != vad.SpeechContinue {
		t.Fatal("renewed speech did not continue the segment")
	}
	for i := 0; i < 14; i++ {
		ev, _ := s.ProcessFrame(quiet)
		if ev.Type != vad.SpeechContinue {
			t.Fatalf("hangover did not restart: frame %d = %s", i, ev.Type)
		}
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	s.ProcessFrame(tone(8000, 320))
	s.Reset()
	if ev, _ := s.ProcessFrame(tone(100, 320)); ev.Type != vad.Silence {
		t.Errorf("frame after Reset = %s, want silence", ev.Type)
	}
}

func TestClosedSessionErrors(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.ProcessFrame(tone(8000, 320)); err == nil {
		t.Error("ProcessFrame after Close succeeded")
	}
}

func TestNewSessionValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     vad.Config
		wantErr bool
	}{
		{"defaults", vad.Config{SampleRate: 16000}, false},
		{"stereo", vad.Config{SampleRate: 48000, Channels: 2}, false},
		{"no sample rate", vad.Config{}, true},
		{"bad channels", vad.Config{SampleRate: 16000, Channels: 3}, true},
		{"inverted thresholds", vad.Config{SampleRate: 16000, SpeechThreshold: 0.3, SilenceThreshold: 0.6}, true},
		{"negative hangover", vad.Config{SampleRate: 16000, HangoverMs: -1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := energy.New().NewSession(tc.cfg)
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Errorf("NewSession(%+v) error = %v, wantErr %v", tc.cfg, err, tc.wantErr)
			}
		})
	}
}
