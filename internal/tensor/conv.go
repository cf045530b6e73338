package tensor

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// Convolver computes length-L causal convolutions through a zero-padded
// real FFT of size 2L, so the circular product never wraps.
// A Convolver is not safe for concurrent use.
type Convolver struct {
	l    int
	fft  *fourier.FFT
	pad  []float64
	out  []float64
	spec []complex128
}

// NewConvolver returns a Convolver for sequences of length l.
func NewConvolver(l int) *Convolver {
	n := 2 * l
	return &Convolver{
		l:    l,
		fft:  fourier.NewFFT(n),
		pad:  make([]float64, n),
		out:  make([]float64, n),
		spec: make([]complex128, n/2+1),
	}
}

// Len is the sequence length the Convolver was built for.
func (c *Convolver) Len() int { return c.l }

// Spectrum returns the FFT of x zero-padded to 2L. Callers reuse it to
// convolve many inputs against one kernel.
func (c *Convolver) Spectrum(x []float64) []complex128 {
	clear(c.pad)
	copy(c.pad, x[:c.l])
	return c.fft.Coefficients(nil, c.pad)
}

// Causal writes y[t] = sum_{s<=t} k[s]*u[t-s] for t in [0, L) into dst,
// where kSpec is Spectrum(k).
func (c *Convolver) Causal(dst, u []float64, kSpec []complex128) {
	clear(c.pad)
	copy(c.pad, u[:c.l])
	c.fft.Coefficients(c.spec, c.pad)
	for i := range c.spec {
		c.spec[i] *= kSpec[i]
	}
	c.fft.Sequence(c.out, c.spec)
	// gonum's inverse transform is unnormalized.
	inv := 1.0 / float64(2*c.l)
	for t := 0; t < c.l; t++ {
		dst[t] = c.out[t] * inv
	}
}

// Correlate writes dst[s] = sum_{t>=s} k[t-s]*g[t], the adjoint of Causal with
// respect to its input. It is evaluated as reverse(Causal(reverse(g), k)).
func (c *Convolver) Correlate(dst, g []float64, kSpec []complex128) {
	rev := make([]float64, c.l)
	for t := range rev {
		rev[t] = g[c.l-1-t]
	}
	tmp := make([]float64, c.l)
	c.Causal(tmp, rev, kSpec)
	for s := range dst[:c.l] {
		dst[s] = tmp[c.l-1-s]
	}
}

// CausalDirect is the O(L^2) reference for Causal.
func CausalDirect(dst, u, k []float64) {
	for t := range dst {
		var sum float64
		for s := 0; s <= t; s++ {
			sum += k[s] * u[t-s]
		}
		dst[t] = sum
	}
}
