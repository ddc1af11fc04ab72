package session

import "time"

// SilenceDetector tracks how long capture energy has stayed below a
// threshold. Time is measured in captured audio, not wall clock, so the
// detector is deterministic for a given input.
//
// It fires once per silent stretch; energy at or above the threshold rearms
// it. Not safe for concurrent use.
type SilenceDetector struct {
	threshold float64
	window    time.Duration

	silentFor time.Duration
	fired     bool
}

// NewSilenceDetector returns a detector that fires once energy has stayed
// below threshold for longer than window.
func NewSilenceDetector(threshold float64, window time.Duration) *SilenceDetector {
	return &SilenceDetector{threshold: threshold, window: window}
}

// Observe records a buffer of the given energy covering span of audio and
// reports whether the silence window has just been exceeded.
func (d *SilenceDetector) Observe(energy float64, span time.Duration) bool {
	if energy >= d.threshold {
		d.Reset()
		return false
	}
	d.silentFor += span
	if d.fired || d.silentFor <= d.window {
		return false
	}
	d.fired = true
	return true
}

// SilentFor returns the length of the current silent stretch.
func (d *SilenceDetector) SilentFor() time.Duration { return d.silentFor }

// Reset forgets the current silent stretch.
func (d *SilenceDetector) Reset() {
	d.silentFor = 0
	d.fired = false
}
