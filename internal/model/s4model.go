package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/samcharles93/s4train/internal/dataset"
	"github.com/samcharles93/s4train/internal/tensor"
)

// S4Config is the `s4` config section.
type S4Config struct {
	DModel    int     `yaml:"d_model"`
	StateSize int     `yaml:"state_size"`
	NumLayers int     `yaml:"num_layers"`
	DtMin     float64 `yaml:"dt_min"`
	DtMax     float64 `yaml:"dt_max"`
}

// DefaultS4Config mirrors the reference S4D defaults at a size that trains
// on a CPU in seconds.
func DefaultS4Config() S4Config {
	return S4Config{DModel: 16, StateSize: 8, NumLayers: 2, DtMin: 0.001, DtMax: 0.1}
}

func (c S4Config) validate() error {
	var errs []error
	if c.DModel <= 0 {
		errs = append(errs, fmt.Errorf("d_model must be positive, got %d", c.DModel))
	}
	if c.StateSize < 2 || c.StateSize%2 != 0 {
		errs = append(errs, fmt.Errorf("state_size must be even and >= 2, got %d", c.StateSize))
	}
	if c.NumLayers <= 0 {
		errs = append(errs, fmt.Errorf("num_layers must be positive, got %d", c.NumLayers))
	}
	if c.DtMin <= 0 || c.DtMax < c.DtMin {
		errs = append(errs, fmt.Errorf("need 0 < dt_min <= dt_max, got %g, %g", c.DtMin, c.DtMax))
	}
	return errors.Join(errs...)
}

// S4Model embeds tokens, runs a stack of S4D layers and applies a head:
// mean-pool then linear to classes for classification, or a per-position
// linear to the vocabulary for autoregressive training.
type S4Model struct {
	cfg       S4Config
	vocab     int
	outputs   int
	perToken  bool
	embedding *Param // [V, H]
	layers    []*s4dLayer
	headW     *Param // [K, H]
	headB     *Param // [K]
	params    ParamSet

	// forward cache
	inputs [][]int
	b, l   int
	last   []float64 // final layer output [B, H, L]
	pooled []float64 // [B, H], classification only
}

// NewS4Model is the Factory registered as "s4d".
func NewS4Model(section Decoder, ds dataset.Dataset, rng *rand.Rand) (Architecture, error) {
	cfg := DefaultS4Config()
	if section != nil {
		if err := section(&cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("s4d: %w", err)
	}

	m := &S4Model{
		cfg:      cfg,
		vocab:    ds.VocabSize(),
		perToken: ds.Phase() == dataset.Autoregressive,
	}
	h := cfg.DModel
	if m.perToken {
		m.outputs = ds.VocabSize()
	} else {
		m.outputs = ds.NumClasses()
	}
	if m.vocab <= 0 || m.outputs <= 0 {
		return nil, fmt.Errorf("s4d: dataset %s has vocab %d and %d outputs", ds.Name(), m.vocab, m.outputs)
	}

	m.embedding = newParam("embedding.weight", m.vocab, h)
	tensor.FillNormal(rng, m.embedding.Data, 1)
	m.params = ParamSet{m.embedding}
	for i := range cfg.NumLayers {
		layer := newS4DLayer(i, h, cfg.StateSize, cfg.DtMin, cfg.DtMax, rng)
		m.layers = append(m.layers, layer)
		m.params = append(m.params, layer.params()...)
	}
	m.headW = newParam("head.weight", m.outputs, h)
	m.headB = newParam("head.bias", m.outputs)
	bound := 1 / math.Sqrt(float64(h))
	tensor.FillUniform(rng, m.headW.Data, bound)
	tensor.FillUniform(rng, m.headB.Data, bound)
	m.params = append(m.params, m.headW, m.headB)
	return m, nil
}

func (m *S4Model) Name() string { return "s4d" }

func (m *S4Model) Params() ParamSet { return m.params }

func (m *S4Model) ParamCount() int { return m.params.Count() }

func (m *S4Model) Backbone() []string { return []string{"embedding.", "layers."} }

// Summary renders the parameter table, one line per tensor.
func (m *S4Model) Summary() string {
	var sb strings.Builder
	head := "classification"
	if m.perToken {
		head = "language-model"
	}
	fmt.Fprintf(&sb, "S4Model(vocab=%d, d_model=%d, state_size=%d, layers=%d, head=%s[%d])\n",
		m.vocab, m.cfg.DModel, m.cfg.StateSize, m.cfg.NumLayers, head, m.outputs)
	for _, p := range m.params {
		fmt.Fprintf(&sb, "  %-40s %v\n", p.Name, p.Shape)
	}
	fmt.Fprintf(&sb, "  total parameters: %d", m.params.Count())
	return sb.String()
}

// Forward runs the model on a batch of equal-length token sequences.
func (m *S4Model) Forward(inputs [][]int) *Logits {
	h := m.cfg.DModel
	b := len(inputs)
	l := 0
	if b > 0 {
		l = len(inputs[0])
	}
	m.inputs, m.b, m.l = inputs, b, l

	x := make([]float64, b*h*l)
	for bi, seq := range inputs {
		for t, tok := range seq {
			row := m.embedding.Data[tok*h : (tok+1)*h]
			for c, v := range row {
				x[(bi*h+c)*l+t] = v
			}
		}
	}
	for _, layer := range m.layers {
		x = layer.forward(x, b, l)
	}
	m.last = x

	k := m.outputs
	if m.perToken {
		out := &Logits{B: b, T: l, K: k, Data: make([]float64, b*l*k)}
		col := make([]float64, h)
		for bi := 0; bi < b; bi++ {
			for t := 0; t < l; t++ {
				for c := 0; c < h; c++ {
					col[c] = x[(bi*h+c)*l+t]
				}
				row := out.Row(bi, t)
				for o := 0; o < k; o++ {
					row[o] = m.headB.Data[o] + tensor.Dot(m.headW.Data[o*h:(o+1)*h], col)
				}
			}
		}
		return out
	}

	m.pooled = make([]float64, b*h)
	inv := 1 / float64(l)
	for bi := 0; bi < b; bi++ {
		for c := 0; c < h; c++ {
			var sum float64
			for _, v := range x[(bi*h+c)*l : (bi*h+c+1)*l] {
				sum += v
			}
			m.pooled[bi*h+c] = sum * inv
		}
	}
	out := &Logits{B: b, T: 1, K: k, Data: make([]float64, b*k)}
	for bi := 0; bi < b; bi++ {
		pooled := m.pooled[bi*h : (bi+1)*h]
		row := out.Row(bi, 0)
		for o := 0; o < k; o++ {
			row[o] = m.headB.Data[o] + tensor.Dot(m.headW.Data[o*h:(o+1)*h], pooled)
		}
	}
	return out
}

// Backward propagates dLogits through the cached forward pass.
func (m *S4Model) Backward(dLogits *Logits) {
	h, b, l, k := m.cfg.DModel, m.b, m.l, m.outputs
	dx := make([]float64, b*h*l)

	if m.perToken {
		col := make([]float64, h)
		dcol := make([]float64, h)
		for bi := 0; bi < b; bi++ {
			for t := 0; t < l; t++ {
				for c := 0; c < h; c++ {
					col[c] = m.last[(bi*h+c)*l+t]
				}
				clear(dcol)
				g := dLogits.Row(bi, t)
				for o := 0; o < k; o++ {
					if g[o] == 0 {
						continue
					}
					m.headB.Grad[o] += g[o]
					tensor.AddScaled(m.headW.Grad[o*h:(o+1)*h], g[o], col)
					tensor.AddScaled(dcol, g[o], m.headW.Data[o*h:(o+1)*h])
				}
				for c := 0; c < h; c++ {
					dx[(bi*h+c)*l+t] = dcol[c]
				}
			}
		}
	} else {
		dpooled := make([]float64, h)
		inv := 1 / float64(l)
		for bi := 0; bi < b; bi++ {
			clear(dpooled)
			g := dLogits.Row(bi, 0)
			for o := 0; o < k; o++ {
				m.headB.Grad[o] += g[o]
				tensor.AddScaled(m.headW.Grad[o*h:(o+1)*h], g[o], m.pooled[bi*h:(bi+1)*h])
				tensor.AddScaled(dpooled, g[o], m.headW.Data[o*h:(o+1)*h])
			}
			for c := 0; c < h; c++ {
				row := dx[(bi*h+c)*l : (bi*h+c+1)*l]
				for t := range row {
					row[t] = dpooled[c] * inv
				}
			}
		}
	}

	for i := len(m.layers) - 1; i >= 0; i-- {
		dx = m.layers[i].backward(dx)
	}

	for bi, seq := range m.inputs {
		for t, tok := range seq {
			grad := m.embedding.Grad[tok*h : (tok+1)*h]
			for c := range grad {
				grad[c] += dx[(bi*h+c)*l+t]
			}
		}
	}
}
