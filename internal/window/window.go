// Package window turns a stream of variably-sized audio chunks into the
// frames a recognizer wants: fixed slices for wake-word models, overlapping
// slices for streaming recognizers that need continuity, or whole utterances
// for batch recognizers. A window is owned by the single consumer that
// created it and reads the session queue non-destructively; it is not safe
// for concurrent use.
package window

import (
	"fmt"
	"time"

	"github.com/JonesHong/ASRHub-sub000/pkg/audio"
)

// Mode selects the framing strategy.
type Mode string

const (
	// ModeFixed accumulates exactly TargetSamples, emits, and resets.
	ModeFixed Mode = "fixed"
	// ModeSliding emits TargetSamples frames and keeps the trailing
	// OverlapSamples as the seed of the next frame.
	ModeSliding Mode = "sliding"
	// ModeDynamic accumulates at least MinSamples and emits the whole
	// buffer when MaxSamples is reached or FlushTimeout elapses.
	ModeDynamic Mode = "dynamic"
)

// Config configures a Window.
type Config struct {
	Mode Mode

	// TargetSamples is the frame size for fixed and sliding modes,
	// in samples per channel.
	TargetSamples int

	// OverlapSamples is the tail carried between sliding frames.
	OverlapSamples int

	// MinSamples and MaxSamples bound dynamic-mode emissions.
	MinSamples int
	MaxSamples int

	// FlushTimeout is the dynamic-mode idle deadline, counted from the
	// last emitted frame (or from first data before anything was emitted).
	FlushTimeout time.Duration

	// Now supplies wall-clock time; injectable for tests. Nil means time.Now.
	Now func() time.Time
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeFixed:
		if c.TargetSamples <= 0 {
			return fmt.Errorf("window: fixed mode needs target_samples > 0, got %d", c.TargetSamples)
		}
	case ModeSliding:
		if c.TargetSamples <= 0 {
			return fmt.Errorf("window: sliding mode needs target_samples > 0, got %d", c.TargetSamples)
		}
		if c.OverlapSamples < 0 || c.OverlapSamples >= c.TargetSamples {
			return fmt.Errorf("window: overlap_samples %d must be in [0, target_samples)", c.OverlapSamples)
		}
	case ModeDynamic:
		if c.MinSamples <= 0 || c.MaxSamples < c.MinSamples {
			return fmt.Errorf("window: dynamic mode needs 0 < min_samples <= max_samples, got min=%d max=%d",
				c.MinSamples, c.MaxSamples)
		}
		if c.FlushTimeout <= 0 {
			return fmt.Errorf("window: dynamic mode needs flush_timeout > 0, got %s", c.FlushTimeout)
		}
	default:
		return fmt.Errorf("window: unknown mode %q", c.Mode)
	}
	return nil
}

// Window accumulates PCM and emits frames according to its mode.
type Window struct {
	cfg Config

	format  audio.Format
	conv    *audio.FormatConverter
	buf     []byte
	start   time.Duration
	started bool

	// lastEmit anchors the dynamic flush countdown. Zero until the first
	// data arrives; refreshed on every emission.
	lastEmit time.Time
}

// New creates a Window or reports why the config is unusable.
func New(cfg Config) (*Window, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Window{cfg: cfg}, nil
}

// Push appends chunk audio to the accumulator and returns any frames that
// became ready. The first chunk's format is adopted; later chunks in another
// format are converted to it. Frame timestamps assume contiguous input: they
// run from the first buffered sample's timestamp at the adopted sample rate.
func (w *Window) Push(chunks ...audio.Chunk) []audio.Frame {
	for _, c := range chunks {
		if len(c.PCM) == 0 {
			continue
		}
		if !w.started {
			w.format = c.Format
			w.conv = &audio.FormatConverter{Target: c.Format}
			w.started = true
		}
		if len(w.buf) == 0 {
			w.start = c.Timestamp
			if w.lastEmit.IsZero() {
				w.lastEmit = w.cfg.Now()
			}
		}
		w.buf = append(w.buf, w.conv.Convert(c.PCM, c.Format)...)
	}
	return w.drain()
}

// Flush force-emits whatever is buffered as a single frame, regardless of
// mode minimums. Returns nil when nothing is buffered. Used at utterance or
// session end and by the dynamic-mode idle timer.
func (w *Window) Flush() *audio.Frame {
	if len(w.buf) == 0 {
		return nil
	}
	f := w.emit(w.bufferedSamples())
	w.buf = w.buf[:0]
	return &f
}

// Deadline returns the instant the dynamic idle timer should fire. ok is
// false for non-dynamic modes and whenever the buffer holds fewer than
// MinSamples, since an expiry then would emit nothing.
func (w *Window) Deadline() (time.Time, bool) {
	if w.cfg.Mode != ModeDynamic || w.bufferedSamples() < w.cfg.MinSamples {
		return time.Time{}, false
	}
	return w.lastEmit.Add(w.cfg.FlushTimeout), true
}

// FlushExpired emits the buffer if the dynamic idle deadline has passed and
// the minimum is met. Returns nil otherwise. Callers arm a timer from
// Deadline and invoke this when it fires; a stale timer is harmless.
func (w *Window) FlushExpired() *audio.Frame {
	deadline, ok := w.Deadline()
	if !ok || w.cfg.Now().Before(deadline) {
		return nil
	}
	return w.Flush()
}

// Buffered returns the accumulated sample count per channel.
func (w *Window) Buffered() int {
	return w.bufferedSamples()
}

// drain emits every frame the mode allows. Mode minimums hold here: only
// Flush may emit smaller frames.
func (w *Window) drain() []audio.Frame {
	var frames []audio.Frame
	switch w.cfg.Mode {
	case ModeFixed:
		for w.bufferedSamples() >= w.cfg.TargetSamples {
			frames = append(frames, w.emit(w.cfg.TargetSamples))
			w.consume(w.cfg.TargetSamples)
		}
	case ModeSliding:
		step := w.cfg.TargetSamples - w.cfg.OverlapSamples
		for w.bufferedSamples() >= w.cfg.TargetSamples {
			frames = append(frames, w.emit(w.cfg.TargetSamples))
			w.consume(step)
		}
	case ModeDynamic:
		if n := w.bufferedSamples(); n >= w.cfg.MinSamples && n >= w.cfg.MaxSamples {
			frames = append(frames, w.emit(n))
			w.buf = w.buf[:0]
		}
	}
	return frames
}

// emit builds a frame from the first n buffered samples without consuming.
func (w *Window) emit(n int) audio.Frame {
	b := n * w.sampleBytes()
	pcm := make([]byte, b)
	copy(pcm, w.buf[:b])
	f := audio.Frame{
		PCM:    pcm,
		Format: w.format,
		Start:  w.start,
		End:    w.start + w.sampleDuration(n),
	}
	w.lastEmit = w.cfg.Now()
	return f
}

// consume drops the first n buffered samples and advances the start offset.
func (w *Window) consume(n int) {
	b := n * w.sampleBytes()
	w.buf = append(w.buf[:0], w.buf[b:]...)
	w.start += w.sampleDuration(n)
}

func (w *Window) bufferedSamples() int {
	if !w.started {
		return 0
	}
	return len(w.buf) / w.sampleBytes()
}

func (w *Window) sampleBytes() int {
	ch := w.format.Channels
	if ch <= 0 {
		ch = 1
	}
	return 2 * ch
}

func (w *Window) sampleDuration(n int) time.Duration {
	if w.format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(w.format.SampleRate)
}
