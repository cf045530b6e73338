// Package model holds the architecture wrappers the trainer builds per phase
// and the S4D sequence model with its hand-written backward pass.
package model

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/samcharles93/s4train/internal/dataset"
)

var ErrUnknownArchitecture = errors.New("model: unknown architecture")

// Logits is a dense [B, T, K] block of scores. Classification heads emit
// T == 1 with K classes; language-model heads emit T == L with K == vocab.
type Logits struct {
	B, T, K int
	Data    []float64
}

// Row returns the K scores for (b, t).
func (l *Logits) Row(b, t int) []float64 {
	off := (b*l.T + t) * l.K
	return l.Data[off : off+l.K]
}

// Architecture is a model instance bound to one dataset's vocabulary and
// phase. Forward caches what Backward needs; Backward accumulates into the
// parameters' Grad buffers.
type Architecture interface {
	Name() string
	Forward(inputs [][]int) *Logits
	Backward(dLogits *Logits)
	Params() ParamSet
	ParamCount() int
	// Backbone lists the parameter name prefixes shared between phases.
	Backbone() []string
	Summary() string
}

// Decoder decodes an architecture's config section. A nil Decoder keeps defaults.
type Decoder func(out any) error

// Factory builds an architecture for ds.
type Factory func(section Decoder, ds dataset.Dataset, rng *rand.Rand) (Architecture, error)

// Spec is a registry entry.
type Spec struct {
	Name string
	// Section is the top-level config key holding this architecture's settings.
	Section string
	New     Factory
}

// Registry maps architecture identifiers to their Spec.
type Registry struct {
	specs map[string]Spec
}

func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Builtin returns a registry holding the S4D model under "s4d".
func Builtin() *Registry {
	r := NewRegistry()
	r.Register(Spec{Name: "s4d", Section: "s4", New: NewS4Model})
	return r
}

func (r *Registry) Register(s Spec) {
	r.specs[s.Name] = s
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for n := range r.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the Spec registered under name.
func (r *Registry) Lookup(name string) (Spec, error) {
	s, ok := r.specs[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q (known: %v)", ErrUnknownArchitecture, name, r.Names())
	}
	return s, nil
}
