package audioquality

import "sync"

// BargeInConfig controls voice-triggered interruption.
type BargeInConfig struct {
	// Threshold is the minimum VoiceConfidence of a speech frame.
	Threshold float64

	// Frames is the number of consecutive speech frames required.
	Frames int
}

// DefaultBargeInConfig returns conservative settings that ignore short
// noises such as coughs or keyboard clicks.
func DefaultBargeInConfig() BargeInConfig {
	return BargeInConfig{Threshold: 0.6, Frames: 3}
}

// BargeInDetector fires when the user has been speaking for several
// consecutive frames.
type BargeInDetector struct {
	cfg BargeInConfig

	mu  sync.Mutex
	run int
}

// NewBargeInDetector creates a detector.
func NewBargeInDetector(cfg BargeInConfig) *BargeInDetector {
	def := DefaultBargeInConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Frames <= 0 {
		cfg.Frames = def.Frames
	}
	return &BargeInDetector{cfg: cfg}
}

// Observe feeds one analysed frame and reports whether a barge-in should
// fire. After firing the run restarts, so sustained speech fires once per
// Frames frames; callers ignore repeats while nothing is playing.
func (d *BargeInDetector) Observe(m Metrics) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if m.TooQuiet || m.VoiceConfidence < d.cfg.Threshold {
		d.run = 0
		return false
	}
	d.run++
	if d.run >= d.cfg.Frames {
		d.run = 0
		return true
	}
	return false
}

// Reset clears the current run.
func (d *BargeInDetector) Reset() {
	d.mu.Lock()
	d.run = 0
	d.mu.Unlock()
}
