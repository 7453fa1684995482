package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs. Only fields that
// are safe to apply to a running server are tracked; backend selections,
// frame sizes, pool shapes and listen addresses need a restart and are
// deliberately ignored.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// WakeChanged covers the trigger phrases and the detection threshold.
	WakeChanged bool
	NewWake     WakeConfig

	// VADChanged covers the speech/silence thresholds and the hangover.
	VADChanged bool
	NewVAD     VADConfig

	SilenceWindowChanged bool
	NewSilenceWindow     time.Duration
}

// Empty reports whether no tracked field changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.WakeChanged && !d.VADChanged && !d.SilenceWindowChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if wakeTuningChanged(old.Wake, new.Wake) {
		d.WakeChanged = true
		d.NewWake = new.Wake
	}

	if vadTuningChanged(old.VAD, new.VAD) {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}

	// Compare through the accessor so an explicit value equal to the
	// default does not register as a change.
	if old.Session.SilenceWindow() != new.Session.SilenceWindow() {
		d.SilenceWindowChanged = true
		d.NewSilenceWindow = new.Session.SilenceWindow()
	}

	return d
}

// wakeTuningChanged compares the hot-applicable wake fields. Backend and
// frame size are wiring-time choices and excluded on purpose.
func wakeTuningChanged(old, new WakeConfig) bool {
	if old.Threshold != new.Threshold {
		return true
	}
	return !slices.Equal(old.Phrases, new.Phrases)
}

// vadTuningChanged compares the hot-applicable VAD fields.
func vadTuningChanged(old, new VADConfig) bool {
	return old.SpeechThreshold != new.SpeechThreshold ||
		old.SilenceThreshold != new.SilenceThreshold ||
		old.HangoverMs != new.HangoverMs
}
