package audioquality

import (
	"math"
	"math/bits"

	"gonum.org/v1/gonum/dsp/fourier"
)

// spectralFlatness returns the Wiener entropy of the frame's power
// spectrum: 1 for white noise, near 0 for a pure tone. Silent or empty
// frames report 1.
func spectralFlatness(x []float64, maxSize int) float64 {
	n := fftSize(len(x), maxSize)
	if n < 4 {
		return 1
	}
	coeffs := powerSpectrum(x[:n])

	// Skip DC and Nyquist.
	var logSum, sum float64
	bins := n/2 - 1
	for k := 1; k <= bins; k++ {
		p := coeffs[k]
		sum += p
		logSum += math.Log(p + 1e-20)
	}
	arith := sum / float64(bins)
	if arith <= 1e-18 {
		return 1
	}
	geo := math.Exp(logSum / float64(bins))
	return clamp01(geo / arith)
}

// powerSpectrum returns |X[k]|^2 for k in [0, len(x)/2] of the
// Hann-windowed frame.
func powerSpectrum(x []float64) []float64 {
	n := len(x)
	windowed := make([]float64, n)
	for i, v := range x {
		windowed[i] = v * (0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}

	coeffs := fourier.NewFFT(n).Coefficients(nil, windowed)
	power := make([]float64, len(coeffs))
	for k, c := range coeffs {
		power[k] = real(c)*real(c) + imag(c)*imag(c)
	}
	return power
}

// fftSize returns the largest power of two <= min(n, maxSize).
func fftSize(n, maxSize int) int {
	if n > maxSize {
		n = maxSize
	}
	if n <= 0 {
		return 0
	}
	return 1 << (bits.Len(uint(n)) - 1)
}
