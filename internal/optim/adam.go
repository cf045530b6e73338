// Package optim implements the Adam optimizer over a model.ParamSet with a
// serializable state for checkpoint resume.
package optim

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/samcharles93/s4train/internal/model"
)

var ErrStateMismatch = errors.New("optim: state does not match parameters")

// Config holds Adam hyperparameters. Zero values take the usual defaults.
type Config struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Eps          float64
	WeightDecay  float64
}

func (c Config) withDefaults() Config {
	if c.Beta1 == 0 {
		c.Beta1 = 0.9
	}
	if c.Beta2 == 0 {
		c.Beta2 = 0.999
	}
	if c.Eps == 0 {
		c.Eps = 1e-8
	}
	return c
}

// State is the serializable optimizer state: moment buffers keyed by
// "<param>.exp_avg" and "<param>.exp_avg_sq", plus the update count.
type State struct {
	Step    int
	Buffers model.StateDict
}

// Adam keeps first and second moment estimates per parameter.
type Adam struct {
	cfg    Config
	params model.ParamSet
	m, v   [][]float64
	step   int
}

func NewAdam(params model.ParamSet, cfg Config) *Adam {
	a := &Adam{cfg: cfg.withDefaults(), params: params}
	a.m = make([][]float64, len(params))
	a.v = make([][]float64, len(params))
	for i, p := range params {
		a.m[i] = make([]float64, len(p.Data))
		a.v[i] = make([]float64, len(p.Data))
	}
	return a
}

// Steps reports how many updates have been applied.
func (a *Adam) Steps() int { return a.step }

// Step applies one bias-corrected update from the parameters' Grad buffers.
func (a *Adam) Step() {
	a.step++
	c := a.cfg
	bc1 := 1 - math.Pow(c.Beta1, float64(a.step))
	bc2 := 1 - math.Pow(c.Beta2, float64(a.step))
	for i, p := range a.params {
		m, v := a.m[i], a.v[i]
		for j, g := range p.Grad {
			m[j] = c.Beta1*m[j] + (1-c.Beta1)*g
			v[j] = c.Beta2*v[j] + (1-c.Beta2)*g*g
			mHat := m[j] / bc1
			vHat := v[j] / bc2
			p.Data[j] -= c.LearningRate * (mHat/(math.Sqrt(vHat)+c.Eps) + c.WeightDecay*p.Data[j])
		}
	}
}

// State snapshots the moment buffers.
func (a *Adam) State() State {
	st := State{Step: a.step, Buffers: make(model.StateDict, 2*len(a.params))}
	for i, p := range a.params {
		st.Buffers[p.Name+".exp_avg"] = model.Tensor{Shape: slices.Clone(p.Shape), Data: slices.Clone(a.m[i])}
		st.Buffers[p.Name+".exp_avg_sq"] = model.Tensor{Shape: slices.Clone(p.Shape), Data: slices.Clone(a.v[i])}
	}
	return st
}

// LoadState restores buffers written by State for the same parameter set.
func (a *Adam) LoadState(st State) error {
	if len(st.Buffers) != 2*len(a.params) {
		return fmt.Errorf("%w: %d buffers for %d parameters", ErrStateMismatch, len(st.Buffers), len(a.params))
	}
	for i, p := range a.params {
		for _, pair := range []struct {
			key string
			dst []float64
		}{{p.Name + ".exp_avg", a.m[i]}, {p.Name + ".exp_avg_sq", a.v[i]}} {
			t, ok := st.Buffers[pair.key]
			if !ok {
				return fmt.Errorf("%w: missing %s", ErrStateMismatch, pair.key)
			}
			if len(t.Data) != len(pair.dst) {
				return fmt.Errorf("%w: %s has %d values, want %d", ErrStateMismatch, pair.key, len(t.Data), len(pair.dst))
			}
			copy(pair.dst, t.Data)
		}
	}
	a.step = st.Step
	return nil
}
