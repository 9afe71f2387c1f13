// Package audioquality scores inbound microphone audio.
//
// An Analyzer looks at one PCM16 frame at a time and reports level, noise
// and voice-likeness measurements plus a single 0..1 Score. It keeps an
// adaptive noise floor across frames, so use one Analyzer per stream.
package audioquality

import (
	"encoding/binary"
	"math"
	"sync"
)

// Config tunes the analyzer. Levels are relative to full scale (1.0).
type Config struct {
	// InitialNoiseFloor seeds the adaptive noise floor estimate.
	InitialNoiseFloor float64

	// NoiseAlpha is the weight kept on the old floor when it adapts.
	NoiseAlpha float64

	// ClipLevel is the peak at or above which a frame counts as clipped.
	ClipLevel float64

	// QuietLevel is the RMS below which a frame counts as too quiet.
	QuietLevel float64

	// NoisySNR is the SNR in dB below which a frame counts as noisy.
	NoisySNR float64

	// IdealRMS is the speech level that scores best.
	IdealRMS float64

	// AcceptableScore is the minimum Score accepted by IsAcceptable.
	AcceptableScore float64

	// MaxFFTSize bounds the spectral analysis window.
	MaxFFTSize int
}

// DefaultConfig returns standard analyzer settings.
func DefaultConfig() Config {
	return Config{
		InitialNoiseFloor: 0.01,
		NoiseAlpha:        0.9,
		ClipLevel:         0.99,
		QuietLevel:        0.01,
		NoisySNR:          10,
		IdealRMS:          0.1,
		AcceptableScore:   0.4,
		MaxFFTSize:        1024,
	}
}

// Metrics describes one analysed frame.
type Metrics struct {
	RMS              float64 `json:"rms"`
	Peak             float64 `json:"peak"`
	ZeroCrossingRate float64 `json:"zero_crossing_rate"`
	SpectralFlatness float64 `json:"spectral_flatness"`
	NoiseFloor       float64 `json:"noise_floor"`
	SNR              float64 `json:"snr_db"`

	Clipping bool `json:"clipping"`
	TooQuiet bool `json:"too_quiet"`
	Noisy    bool `json:"noisy"`

	VoiceConfidence float64 `json:"voice_confidence"`
	Score           float64 `json:"score"`
	Samples         int     `json:"samples"`
}

const (
	minFloor = 1e-6
	minSNR   = -30.0
	maxSNR   = 90.0
)

// Analyzer scores audio frames. It is safe for concurrent use, though
// frames from one stream should be fed in order.
type Analyzer struct {
	cfg Config

	mu         sync.Mutex
	noiseFloor float64
	frames     int
}

// New creates an analyzer. Zero fields in cfg take their defaults.
func New(cfg Config) *Analyzer {
	def := DefaultConfig()
	if cfg.InitialNoiseFloor <= 0 {
		cfg.InitialNoiseFloor = def.InitialNoiseFloor
	}
	if cfg.NoiseAlpha <= 0 || cfg.NoiseAlpha >= 1 {
		cfg.NoiseAlpha = def.NoiseAlpha
	}
	if cfg.ClipLevel <= 0 {
		cfg.ClipLevel = def.ClipLevel
	}
	if cfg.QuietLevel <= 0 {
		cfg.QuietLevel = def.QuietLevel
	}
	if cfg.NoisySNR == 0 {
		cfg.NoisySNR = def.NoisySNR
	}
	if cfg.IdealRMS <= 0 {
		cfg.IdealRMS = def.IdealRMS
	}
	if cfg.AcceptableScore <= 0 {
		cfg.AcceptableScore = def.AcceptableScore
	}
	if cfg.MaxFFTSize <= 0 {
		cfg.MaxFFTSize = def.MaxFFTSize
	}
	return &Analyzer{cfg: cfg, noiseFloor: cfg.InitialNoiseFloor}
}

// Analyze scores a little-endian PCM16 frame. A trailing odd byte is ignored.
func (a *Analyzer) Analyze(pcm []byte) Metrics {
	return a.AnalyzeSamples(DecodePCM16(pcm))
}

// AnalyzeSamples scores a frame of PCM16 samples.
func (a *Analyzer) AnalyzeSamples(samples []int16) Metrics {
	x := normalize(samples)
	m := Metrics{Samples: len(x)}

	m.RMS, m.Peak = levels(x)
	m.ZeroCrossingRate = zeroCrossingRate(x)
	m.SpectralFlatness = spectralFlatness(x, a.cfg.MaxFFTSize)

	a.mu.Lock()
	if m.RMS < a.noiseFloor/2 {
		a.noiseFloor = a.cfg.NoiseAlpha*a.noiseFloor + (1-a.cfg.NoiseAlpha)*m.RMS
		if a.noiseFloor < minFloor {
			a.noiseFloor = minFloor
		}
	}
	a.frames++
	m.NoiseFloor = a.noiseFloor
	a.mu.Unlock()

	m.SNR = snr(m.RMS, m.NoiseFloor)
	m.Clipping = m.Peak >= a.cfg.ClipLevel
	m.TooQuiet = m.RMS < a.cfg.QuietLevel
	m.Noisy = m.SNR < a.cfg.NoisySNR

	m.Score = a.score(m)
	m.VoiceConfidence = voiceConfidence(m)
	return m
}

// IsAcceptable reports whether a frame is good enough to transcribe.
func (a *Analyzer) IsAcceptable(m Metrics) bool {
	return m.Score >= a.cfg.AcceptableScore
}

// NoiseFloor returns the current noise floor estimate.
func (a *Analyzer) NoiseFloor() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.noiseFloor
}

// Frames returns the number of frames analysed.
func (a *Analyzer) Frames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames
}

// Reset restores the initial noise floor.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.noiseFloor = a.cfg.InitialNoiseFloor
	a.frames = 0
}

func (a *Analyzer) score(m Metrics) float64 {
	if m.Samples == 0 {
		return 0
	}
	snrNorm := clamp01(m.SNR / 30)
	level := clamp01(1 - math.Abs(m.RMS-a.cfg.IdealRMS)/a.cfg.IdealRMS)
	s := 0.6*snrNorm + 0.4*level

	if m.Clipping {
		s *= 0.5
	}
	if m.TooQuiet {
		s *= 0.7
	}
	if m.Noisy {
		s *= 0.8
	}
	return clamp01(s)
}

// voiceConfidence blends energy above the floor, a speech-like zero
// crossing rate and a tonal (non-flat) spectrum.
func voiceConfidence(m Metrics) float64 {
	if m.Samples == 0 {
		return 0
	}
	energy := clamp01(m.SNR / 30)

	var zcr float64
	switch z := m.ZeroCrossingRate; {
	case z < 0.02:
		zcr = z / 0.02
	case z <= 0.25:
		zcr = 1
	default:
		zcr = clamp01(1 - (z-0.25)/0.25)
	}

	tonal := 1 - m.SpectralFlatness
	c := 0.5*energy + 0.25*zcr + 0.25*tonal
	if m.TooQuiet {
		c *= 0.5
	}
	return clamp01(c)
}

// DecodePCM16 converts little-endian PCM16 bytes to samples.
func DecodePCM16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return samples
}

// EncodePCM16 converts samples to little-endian PCM16 bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func normalize(samples []int16) []float64 {
	x := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = float64(s) / 32768.0
	}
	return x
}

func levels(x []float64) (rms, peak float64) {
	if len(x) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return math.Sqrt(sum / float64(len(x))), peak
}

func zeroCrossingRate(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(x); i++ {
		if (x[i-1] >= 0) != (x[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(x)-1)
}

func snr(rms, floor float64) float64 {
	if floor < minFloor {
		floor = minFloor
	}
	if rms <= 0 {
		return minSNR
	}
	db := 20 * math.Log10(rms/floor)
	return math.Max(minSNR, math.Min(maxSNR, db))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
