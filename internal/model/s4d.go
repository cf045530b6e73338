package model

import (
	"math"
	"math/cmplx"
	"math/rand/v2"
	"strconv"

	"github.com/samcharles93/s4train/internal/tensor"
)

// kernel generates the length-L convolution kernel of a diagonal SSM:
//
//	K[h, l] = 2 Re( sum_n C'[h,n] * exp(dt[h]*A[h,n]*l) ),  C' = C*(exp(dt*A)-1)/A
//
// with A = -exp(logAReal) + i*AImag and dt = exp(logDt). The sum over l is a
// Vandermonde product evaluated by repeated multiplication.
type kernel struct {
	h, n int // n is the number of complex modes (state size / 2)

	logDt    *Param // [H]
	c        *Param // [H, n, 2] real/imag pairs
	logAReal *Param // [H, n]
	aImag    *Param // [H, n]

	// cached by forward for backward
	l  int
	dt []float64
	a  []complex128 // [H, n]
	z  []complex128 // exp(dt*A)
	ct []complex128 // C'
}

func newKernel(prefix string, h, stateSize int, dtMin, dtMax float64, rng *rand.Rand) *kernel {
	n := stateSize / 2
	k := &kernel{
		h:        h,
		n:        n,
		logDt:    newParam(prefix+"log_dt", h),
		c:        newParam(prefix+"C", h, n, 2),
		logAReal: newParam(prefix+"log_A_real", h, n),
		aImag:    newParam(prefix+"A_imag", h, n),
	}
	lo, hi := math.Log(dtMin), math.Log(dtMax)
	for i := range k.logDt.Data {
		k.logDt.Data[i] = lo + rng.Float64()*(hi-lo)
	}
	// A complex standard normal has variance 1/2 per component.
	tensor.FillNormal(rng, k.c.Data, math.Sqrt(0.5))
	for ch := 0; ch < h; ch++ {
		for j := 0; j < n; j++ {
			k.logAReal.Data[ch*n+j] = math.Log(0.5)
			k.aImag.Data[ch*n+j] = math.Pi * float64(j)
		}
	}
	return k
}

func (k *kernel) params() ParamSet {
	return ParamSet{k.logDt, k.c, k.logAReal, k.aImag}
}

// forward returns K as [H, L].
func (k *kernel) forward(l int) []float64 {
	k.l = l
	k.dt = make([]float64, k.h)
	k.a = make([]complex128, k.h*k.n)
	k.z = make([]complex128, k.h*k.n)
	k.ct = make([]complex128, k.h*k.n)

	out := make([]float64, k.h*l)
	for h := 0; h < k.h; h++ {
		dt := math.Exp(k.logDt.Data[h])
		k.dt[h] = dt
		row := out[h*l : (h+1)*l]
		for j := 0; j < k.n; j++ {
			idx := h*k.n + j
			a := complex(-math.Exp(k.logAReal.Data[idx]), k.aImag.Data[idx])
			c := complex(k.c.Data[2*idx], k.c.Data[2*idx+1])
			z := cmplx.Exp(a * complex(dt, 0))
			ct := c * (z - 1) / a
			k.a[idx], k.z[idx], k.ct[idx] = a, z, ct

			p := complex(1, 0)
			for t := 0; t < l; t++ {
				row[t] += 2 * real(ct*p)
				p *= z
			}
		}
	}
	return out
}

// backward accumulates parameter gradients from dK ([H, L]).
func (k *kernel) backward(dK []float64) {
	l := k.l
	for h := 0; h < k.h; h++ {
		g := dK[h*l : (h+1)*l]
		dt := k.dt[h]
		var gDt complex128
		for j := 0; j < k.n; j++ {
			idx := h*k.n + j
			a, z, ct := k.a[idx], k.z[idx], k.ct[idx]
			c := complex(k.c.Data[2*idx], k.c.Data[2*idx+1])

			// P = sum_l g_l z^l and P' = sum_l l g_l z^(l-1).
			var pz, dpz complex128
			p, pm1 := complex(1, 0), complex(0, 0)
			for t := 0; t < l; t++ {
				gt := complex(g[t], 0)
				pz += gt * p
				dpz += complex(float64(t), 0) * gt * pm1
				pm1 = p
				p *= z
			}

			// Loss contribution is Re(F) with F = 2 * C' * P(z). For a
			// holomorphic F of w = x+iy: dRe(F)/dx = Re F', dRe(F)/dy = -Im F'.
			dC := 2 * (z - 1) / a * pz
			k.c.Grad[2*idx] += real(dC)
			k.c.Grad[2*idx+1] -= imag(dC)

			cdt := complex(dt, 0)
			dA := 2 * (c*(cdt*z*a-(z-1))/(a*a)*pz + ct*dpz*cdt*z)
			k.logAReal.Grad[idx] += real(dA) * -math.Exp(k.logAReal.Data[idx])
			k.aImag.Grad[idx] -= imag(dA)

			gDt += 2 * (c*z*pz + ct*dpz*a*z)
		}
		k.logDt.Grad[h] += real(gDt) * dt
	}
}

// s4dLayer is one S4D block on [B, H, L] activations:
//
//	y = GELU(K * u + D*u);  out = GLU(W y + b)
//
// where * is causal convolution along L and GLU splits the 2H channels of the
// pointwise projection into value and gate halves.
type s4dLayer struct {
	h      int
	kernel *kernel
	d      *Param // [H]
	w      *Param // [2H, H]
	bias   *Param // [2H]

	conv *tensor.Convolver

	// forward cache
	b, l  int
	u     []float64
	k     []float64
	kSpec [][]complex128
	pre   []float64
	y     []float64
	lin   []float64
}

func newS4DLayer(idx int, h, stateSize int, dtMin, dtMax float64, rng *rand.Rand) *s4dLayer {
	prefix := "layers." + strconv.Itoa(idx) + "."
	layer := &s4dLayer{
		h:      h,
		kernel: newKernel(prefix+"kernel.", h, stateSize, dtMin, dtMax, rng),
		d:      newParam(prefix+"D", h),
		w:      newParam(prefix+"output_linear.weight", 2*h, h),
		bias:   newParam(prefix+"output_linear.bias", 2*h),
	}
	tensor.FillNormal(rng, layer.d.Data, 1)
	bound := 1 / math.Sqrt(float64(h))
	tensor.FillUniform(rng, layer.w.Data, bound)
	tensor.FillUniform(rng, layer.bias.Data, bound)
	return layer
}

func (s *s4dLayer) params() ParamSet {
	return append(s.kernel.params(), s.d, s.w, s.bias)
}

func (s *s4dLayer) forward(u []float64, b, l int) []float64 {
	h := s.h
	if s.conv == nil || s.conv.Len() != l {
		s.conv = tensor.NewConvolver(l)
	}
	s.b, s.l, s.u = b, l, u
	s.k = s.kernel.forward(l)
	s.kSpec = make([][]complex128, h)
	for c := 0; c < h; c++ {
		s.kSpec[c] = s.conv.Spectrum(s.k[c*l : (c+1)*l])
	}

	s.pre = make([]float64, b*h*l)
	s.y = make([]float64, b*h*l)
	for bi := 0; bi < b; bi++ {
		for c := 0; c < h; c++ {
			off := (bi*h + c) * l
			pre := s.pre[off : off+l]
			s.conv.Causal(pre, u[off:off+l], s.kSpec[c])
			dc := s.d.Data[c]
			for t := range pre {
				pre[t] += dc * u[off+t]
				s.y[off+t] = tensor.GELU(pre[t])
			}
		}
	}

	// Pointwise projection to 2H channels, then GLU back to H.
	s.lin = make([]float64, b*2*h*l)
	out := make([]float64, b*h*l)
	for bi := 0; bi < b; bi++ {
		for o := 0; o < 2*h; o++ {
			dst := s.lin[(bi*2*h+o)*l : (bi*2*h+o+1)*l]
			for t := range dst {
				dst[t] = s.bias.Data[o]
			}
			for c := 0; c < h; c++ {
				tensor.AddScaled(dst, s.w.Data[o*h+c], s.y[(bi*h+c)*l:(bi*h+c+1)*l])
			}
		}
		for c := 0; c < h; c++ {
			val := s.lin[(bi*2*h+c)*l:]
			gate := s.lin[(bi*2*h+h+c)*l:]
			dst := out[(bi*h+c)*l : (bi*h+c+1)*l]
			for t := range dst {
				dst[t] = val[t] * tensor.Sigmoid(gate[t])
			}
		}
	}
	return out
}

// backward takes dL/dout and returns dL/du.
func (s *s4dLayer) backward(dout []float64) []float64 {
	b, h, l := s.b, s.h, s.l

	dlin := make([]float64, b*2*h*l)
	for bi := 0; bi < b; bi++ {
		for c := 0; c < h; c++ {
			val := s.lin[(bi*2*h+c)*l:]
			gate := s.lin[(bi*2*h+h+c)*l:]
			dVal := dlin[(bi*2*h+c)*l:]
			dGate := dlin[(bi*2*h+h+c)*l:]
			g := dout[(bi*h+c)*l : (bi*h+c+1)*l]
			for t := range g {
				sg := tensor.Sigmoid(gate[t])
				dVal[t] = g[t] * sg
				dGate[t] = g[t] * val[t] * sg * (1 - sg)
			}
		}
	}

	dy := make([]float64, b*h*l)
	for bi := 0; bi < b; bi++ {
		for o := 0; o < 2*h; o++ {
			g := dlin[(bi*2*h+o)*l : (bi*2*h+o+1)*l]
			for _, v := range g {
				s.bias.Grad[o] += v
			}
			for c := 0; c < h; c++ {
				y := s.y[(bi*h+c)*l : (bi*h+c+1)*l]
				s.w.Grad[o*h+c] += tensor.Dot(g, y)
				tensor.AddScaled(dy[(bi*h+c)*l:(bi*h+c+1)*l], s.w.Data[o*h+c], g)
			}
		}
	}

	du := make([]float64, b*h*l)
	dK := make([]float64, h*l)
	tmp := make([]float64, l)
	for bi := 0; bi < b; bi++ {
		for c := 0; c < h; c++ {
			off := (bi*h + c) * l
			dpre := make([]float64, l)
			for t := range dpre {
				dpre[t] = dy[off+t] * tensor.GELUGrad(s.pre[off+t])
			}
			u := s.u[off : off+l]
			s.d.Grad[c] += tensor.Dot(dpre, u)

			s.conv.Correlate(tmp, dpre, s.kSpec[c])
			dc := s.d.Data[c]
			for t := range tmp {
				du[off+t] = tmp[t] + dc*dpre[t]
			}

			s.conv.Correlate(tmp, dpre, s.conv.Spectrum(u))
			tensor.AddScaled(dK[c*l:(c+1)*l], 1, tmp)
		}
	}
	s.kernel.backward(dK)
	return du
}
