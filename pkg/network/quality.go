// Package network tracks link quality for a voice connection and decides
// how the conversation should degrade when the link gets worse.
//
// A Manager keeps a rolling window of latency, loss and bandwidth samples.
// From these it derives a Quality tier, a Degradation strategy for the
// orchestrator and VoiceAdjustments for the client. Reconnect retries a
// check with exponential backoff once the link is lost.
package network

import "time"

// Quality is the network quality tier, best to worst.
type Quality string

const (
	QualityExcellent    Quality = "excellent"
	QualityGood         Quality = "good"
	QualityFair         Quality = "fair"
	QualityPoor         Quality = "poor"
	QualityDisconnected Quality = "disconnected"
)

// Rank orders tiers from best (0) to worst (4).
func (q Quality) Rank() int {
	switch q {
	case QualityExcellent:
		return 0
	case QualityGood:
		return 1
	case QualityFair:
		return 2
	case QualityPoor:
		return 3
	default:
		return 4
	}
}

// Thresholds defines the tier ladder. A tier is reached only when both
// latency and loss are within its limits.
type Thresholds struct {
	ExcellentLatency time.Duration
	GoodLatency      time.Duration
	FairLatency      time.Duration

	ExcellentLossPct float64
	GoodLossPct      float64
	MaxLossPct       float64
}

// DefaultThresholds returns the standard tier ladder.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ExcellentLatency: 100 * time.Millisecond,
		GoodLatency:      200 * time.Millisecond,
		FairLatency:      400 * time.Millisecond,
		ExcellentLossPct: 1,
		GoodLossPct:      3,
		MaxLossPct:       5,
	}
}

// Assess maps a latency and loss percentage to a tier. It is monotonic:
// higher latency or loss never yields a better tier.
func Assess(th Thresholds, latency time.Duration, lossPct float64) Quality {
	switch {
	case latency <= th.ExcellentLatency && lossPct <= th.ExcellentLossPct:
		return QualityExcellent
	case latency <= th.GoodLatency && lossPct <= th.GoodLossPct:
		return QualityGood
	case latency <= th.FairLatency && lossPct <= th.MaxLossPct:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Strategy is the degradation response to the current quality.
type Strategy string

const (
	StrategyNone          Strategy = "none"
	StrategyReduceQuality Strategy = "reduce_quality"
	StrategyBufferMore    Strategy = "buffer_more"
	StrategyFallbackText  Strategy = "fallback_text"
	StrategyReconnect     Strategy = "reconnect"
)

// Degradation describes what the orchestrator should do right now.
type Degradation struct {
	Strategy Strategy `json:"strategy"`

	// PauseAudio stops outbound audio until the link recovers.
	PauseAudio bool `json:"pause_audio"`

	// ExtraBuffer is added to the playback buffer for buffer_more.
	ExtraBuffer time.Duration `json:"extra_buffer"`

	// TextOnly means new turns should skip synthesis.
	TextOnly bool `json:"text_only"`
}

// VoiceAdjustments are client-side tuning values for a quality tier.
type VoiceAdjustments struct {
	VADSensitivity float64       `json:"vad_sensitivity"`
	BufferDuration time.Duration `json:"buffer_duration"`
	Compression    bool          `json:"compression"`
	SampleRate     int           `json:"sample_rate"`
}

// AdjustmentsFor returns the adjustments for a tier. Every field is
// populated for every tier.
func AdjustmentsFor(q Quality) VoiceAdjustments {
	switch q {
	case QualityExcellent:
		return VoiceAdjustments{VADSensitivity: 0.5, BufferDuration: 100 * time.Millisecond, Compression: false, SampleRate: 24000}
	case QualityGood:
		return VoiceAdjustments{VADSensitivity: 0.5, BufferDuration: 150 * time.Millisecond, Compression: false, SampleRate: 24000}
	case QualityFair:
		return VoiceAdjustments{VADSensitivity: 0.6, BufferDuration: 250 * time.Millisecond, Compression: true, SampleRate: 16000}
	case QualityPoor:
		return VoiceAdjustments{VADSensitivity: 0.7, BufferDuration: 400 * time.Millisecond, Compression: true, SampleRate: 8000}
	default:
		return VoiceAdjustments{VADSensitivity: 0.7, BufferDuration: 500 * time.Millisecond, Compression: true, SampleRate: 8000}
	}
}
