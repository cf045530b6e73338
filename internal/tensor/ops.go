// Package tensor holds the float64 kernels shared by the sequence models:
// activations, softmax/cross-entropy helpers and FFT-based causal convolution.
package tensor

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// Dot computes the dot product of a and b.
func Dot(a, b []float64) float64 {
	return floats.Dot(a, b)
}

// AddScaled computes dst += alpha*s.
func AddScaled(dst []float64, alpha float64, s []float64) {
	floats.AddScaled(dst, alpha, s)
}

// Zero clears x.
func Zero(x []float64) {
	clear(x)
}

// Argmax returns the index of the largest element. Ties resolve to the first index.
func Argmax(x []float64) int {
	return floats.MaxIdx(x)
}

// Sigmoid computes the logistic sigmoid.
func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// GELU is the exact (erf) Gaussian error linear unit.
func GELU(x float64) float64 {
	return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
}

// GELUGrad is dGELU/dx.
func GELUGrad(x float64) float64 {
	cdf := 0.5 * (1 + math.Erf(x/math.Sqrt2))
	pdf := math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
	return cdf + x*pdf
}

// Softmax writes softmax(logits) into dst and returns log(sum(exp(logits))).
func Softmax(dst, logits []float64) float64 {
	maxv := floats.Max(logits)
	var sum float64
	for i, v := range logits {
		e := math.Exp(v - maxv)
		dst[i] = e
		sum += e
	}
	inv := 1.0 / sum
	for i := range dst {
		dst[i] *= inv
	}
	return maxv + math.Log(sum)
}

// CrossEntropy returns -log softmax(logits)[target] and, when grad is non-nil,
// adds scale*(softmax - onehot(target)) into grad.
func CrossEntropy(logits []float64, target int, grad []float64, scale float64) float64 {
	probs := make([]float64, len(logits))
	lse := Softmax(probs, logits)
	loss := lse - logits[target]
	if grad != nil {
		for i, p := range probs {
			if i == target {
				p -= 1
			}
			grad[i] += scale * p
		}
	}
	return loss
}

// FillNormal fills x with N(0, std^2) samples.
func FillNormal(rng *rand.Rand, x []float64, std float64) {
	for i := range x {
		x[i] = rng.NormFloat64() * std
	}
}

// FillUniform fills x with U[-bound, bound) samples.
func FillUniform(rng *rand.Rand, x []float64, bound float64) {
	for i := range x {
		x[i] = (2*rng.Float64() - 1) * bound
	}
}
