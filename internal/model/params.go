package model

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrStateMismatch = errors.New("model: state dict does not match parameters")

// Param is one named trainable tensor with its gradient buffer.
type Param struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
}

func newParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{
		Name:  name,
		Shape: shape,
		Data:  make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// Tensor is the serializable form of a parameter or optimizer buffer.
type Tensor struct {
	Shape []int
	Data  []float64
}

// StateDict maps parameter names to copies of their values.
type StateDict map[string]Tensor

// ParamSet is an ordered list of parameters. Order is construction order and
// is what the optimizer and the gradient all-reduce iterate in.
type ParamSet []*Param

// Count is the total number of scalar parameters.
func (ps ParamSet) Count() int {
	n := 0
	for _, p := range ps {
		n += len(p.Data)
	}
	return n
}

// ZeroGrad clears every gradient buffer.
func (ps ParamSet) ZeroGrad() {
	for _, p := range ps {
		clear(p.Grad)
	}
}

// StateDict snapshots parameter values.
func (ps ParamSet) StateDict() StateDict {
	sd := make(StateDict, len(ps))
	for _, p := range ps {
		sd[p.Name] = Tensor{Shape: slices.Clone(p.Shape), Data: slices.Clone(p.Data)}
	}
	return sd
}

// LoadStateDict copies values from sd. Every parameter must be present with
// a matching shape and sd must not carry extra entries.
func (ps ParamSet) LoadStateDict(sd StateDict) error {
	if len(sd) != len(ps) {
		return fmt.Errorf("%w: %d entries for %d parameters", ErrStateMismatch, len(sd), len(ps))
	}
	for _, p := range ps {
		t, ok := sd[p.Name]
		if !ok {
			return fmt.Errorf("%w: missing %s", ErrStateMismatch, p.Name)
		}
		if !slices.Equal(t.Shape, p.Shape) || len(t.Data) != len(p.Data) {
			return fmt.Errorf("%w: %s has shape %v, want %v", ErrStateMismatch, p.Name, t.Shape, p.Shape)
		}
		copy(p.Data, t.Data)
	}
	return nil
}

// Grads concatenates all gradients into dst (resized as needed).
func (ps ParamSet) Grads(dst []float64) []float64 {
	dst = dst[:0]
	for _, p := range ps {
		dst = append(dst, p.Grad...)
	}
	return dst
}

// SetGrads scatters a flat gradient vector produced by Grads back.
func (ps ParamSet) SetGrads(flat []float64) {
	off := 0
	for _, p := range ps {
		off += copy(p.Grad, flat[off:off+len(p.Grad)])
	}
}

// Transfer copies every parameter of src whose name starts with one of
// prefixes into the same-named, same-shaped parameter of dst. It returns the
// names copied.
func Transfer(dst, src ParamSet, prefixes ...string) []string {
	byName := make(map[string]*Param, len(src))
	for _, p := range src {
		byName[p.Name] = p
	}
	var copied []string
	for _, p := range dst {
		if !hasAnyPrefix(p.Name, prefixes) {
			continue
		}
		s, ok := byName[p.Name]
		if !ok || !slices.Equal(s.Shape, p.Shape) {
			continue
		}
		copy(p.Data, s.Data)
		copied = append(copied, p.Name)
	}
	return copied
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, pre := range prefixes {
		if strings.HasPrefix(name, pre) {
			return true
		}
	}
	return false
}
