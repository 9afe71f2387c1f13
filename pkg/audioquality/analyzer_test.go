package audioquality

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRate = 16000

func sine(freq, amp float64, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * 32767 * math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
	}
	return out
}

func noise(amp float64, n int, seed int64) []int16 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * 32767 * (rng.Float64()*2 - 1))
	}
	return out
}

func TestSilence(t *testing.T) {
	a := New(DefaultConfig())
	m := a.AnalyzeSamples(make([]int16, 1024))

	assert.Zero(t, m.RMS)
	assert.Zero(t, m.Peak)
	assert.True(t, m.TooQuiet)
	assert.True(t, m.Noisy)
	assert.False(t, m.Clipping)
	assert.Less(t, m.Score, 0.1)
	assert.Less(t, m.VoiceConfidence, 0.2)
	assert.False(t, a.IsAcceptable(m))
}

func TestEmptyFrame(t *testing.T) {
	a := New(DefaultConfig())
	m := a.Analyze(nil)
	assert.Zero(t, m.Samples)
	assert.Zero(t, m.Score)
	assert.Zero(t, m.VoiceConfidence)
}

func TestSineAtIdealLevel(t *testing.T) {
	a := New(DefaultConfig())
	m := a.AnalyzeSamples(sine(440, 0.1*math.Sqrt2, 1024))

	assert.InDelta(t, 0.1, m.RMS, 0.005)
	assert.InDelta(t, 0.1414, m.Peak, 0.005)
	assert.InDelta(t, 880.0/sampleRate, m.ZeroCrossingRate, 0.01)
	assert.Less(t, m.SpectralFlatness, 0.2, "a pure tone has a peaky spectrum")
	assert.InDelta(t, 20, m.SNR, 0.5)
	assert.False(t, m.Clipping)
	assert.False(t, m.TooQuiet)
	assert.False(t, m.Noisy)
	assert.InDelta(t, 0.8, m.Score, 0.03)
	assert.Greater(t, m.VoiceConfidence, 0.6)
	assert.True(t, a.IsAcceptable(m))
}

func TestClippingPenalty(t *testing.T) {
	clean := New(DefaultConfig()).AnalyzeSamples(sine(440, 0.5, 1024))

	square := make([]int16, 1024)
	for i := range square {
		if (i/20)%2 == 0 {
			square[i] = math.MaxInt16
		} else {
			square[i] = math.MinInt16
		}
	}
	clipped := New(DefaultConfig()).AnalyzeSamples(square)

	assert.True(t, clipped.Clipping)
	assert.False(t, clean.Clipping)
	assert.Less(t, clipped.Score, clean.Score)
}

func TestNoiseFloorAdapts(t *testing.T) {
	a := New(DefaultConfig())
	require.InDelta(t, 0.01, a.NoiseFloor(), 1e-12)

	quiet := sine(300, 0.001*math.Sqrt2, 1024)
	a.AnalyzeSamples(quiet)
	assert.InDelta(t, 0.9*0.01+0.1*0.001, a.NoiseFloor(), 1e-4)

	before := a.NoiseFloor()
	a.AnalyzeSamples(sine(300, 0.3, 1024))
	assert.Equal(t, before, a.NoiseFloor(), "loud frames do not move the floor")

	for i := 0; i < 100; i++ {
		a.AnalyzeSamples(quiet)
	}
	assert.InDelta(t, 0.002, a.NoiseFloor(), 0.0015, "floor converges toward the quiet level")

	a.Reset()
	assert.InDelta(t, 0.01, a.NoiseFloor(), 1e-12)
	assert.Zero(t, a.Frames())
}

func TestNoiseIsFlat(t *testing.T) {
	a := New(DefaultConfig())
	white := a.AnalyzeSamples(noise(0.2, 1024, 1))
	tone := New(DefaultConfig()).AnalyzeSamples(sine(440, 0.2, 1024))

	assert.Greater(t, white.SpectralFlatness, 0.4)
	assert.Greater(t, white.SpectralFlatness, tone.SpectralFlatness)
	assert.Greater(t, white.ZeroCrossingRate, 0.3)
	assert.Less(t, white.VoiceConfidence, tone.VoiceConfidence)
}

func TestAnalyzeBytesMatchesSamples(t *testing.T) {
	s := sine(500, 0.25, 512)
	pcm := EncodePCM16(s)
	assert.Equal(t, s, DecodePCM16(pcm))
	assert.Equal(t, s, DecodePCM16(append(pcm, 0x7f)), "odd trailing byte ignored")

	m1 := New(DefaultConfig()).Analyze(pcm)
	m2 := New(DefaultConfig()).AnalyzeSamples(s)
	assert.Equal(t, m1, m2)
}

func TestPowerSpectrum(t *testing.T) {
	t.Run("tone peaks at its bin", func(t *testing.T) {
		n := 64
		x := make([]float64, n)
		for i := range x {
			x[i] = math.Cos(2 * math.Pi * 8 * float64(i) / float64(n))
		}
		p := powerSpectrum(x)
		require.Len(t, p, n/2+1)

		peak := 0
		for k := range p {
			if p[k] > p[peak] {
				peak = k
			}
		}
		assert.Equal(t, 8, peak)
		assert.Less(t, p[20], p[8]*1e-3)
	})

	t.Run("flatness", func(t *testing.T) {
		tone := make([]float64, 512)
		for i := range tone {
			tone[i] = math.Sin(2 * math.Pi * 440 * float64(i) / sampleRate)
		}
		rng := rand.New(rand.NewSource(7))
		noise := make([]float64, 512)
		for i := range noise {
			noise[i] = rng.Float64()*2 - 1
		}
		assert.Less(t, spectralFlatness(tone, 1024), 0.2)
		assert.Greater(t, spectralFlatness(noise, 1024), 0.3)
		assert.Equal(t, 1.0, spectralFlatness(make([]float64, 512), 1024), "silence")
	})

	t.Run("size", func(t *testing.T) {
		assert.Equal(t, 512, fftSize(800, 1024))
		assert.Equal(t, 1024, fftSize(5000, 1024))
		assert.Equal(t, 0, fftSize(0, 1024))
	})
}

func TestBargeInDetector(t *testing.T) {
	d := NewBargeInDetector(BargeInConfig{Threshold: 0.6, Frames: 3})
	speech := Metrics{VoiceConfidence: 0.9}
	silence := Metrics{VoiceConfidence: 0.1}

	assert.False(t, d.Observe(speech))
	assert.False(t, d.Observe(speech))
	assert.False(t, d.Observe(silence), "a gap resets the run")
	assert.False(t, d.Observe(speech))
	assert.False(t, d.Observe(speech))
	assert.True(t, d.Observe(speech))
	assert.False(t, d.Observe(speech), "run restarts after firing")

	d.Reset()
	assert.False(t, d.Observe(Metrics{VoiceConfidence: 0.9, TooQuiet: true}))
}
