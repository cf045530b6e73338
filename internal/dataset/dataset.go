// Package dataset provides the dataset wrappers a training phase draws from:
// a registry of named factories, the built-in synthetic and text datasets,
// and the batching loader with its distributed sampler.
package dataset

import (
	"errors"
	"fmt"
	"sort"
)

// Phase selects which view of a dataset is produced and which loss applies.
type Phase string

const (
	Autoregressive Phase = "AUTOREGRESSIVE"
	Classification Phase = "CLASSIFICATION"
)

var (
	ErrInvalidPhase   = errors.New("invalid phase")
	ErrUnknownDataset = errors.New("dataset: unknown dataset")
	ErrUnknownSplit   = errors.New("dataset: unknown split")
	ErrEmptySplit     = errors.New("dataset: split has no examples")
)

// Validate returns ErrInvalidPhase for anything but the two known phases.
func (p Phase) Validate() error {
	switch p {
	case Autoregressive, Classification:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPhase, string(p))
	}
}

// Split names a partition of a dataset.
type Split string

const (
	Train      Split = "train"
	Test       Split = "test"
	Validation Split = "validation"
)

// PadTokenID is reserved by every built-in vocabulary.
const PadTokenID = 0

// Example is one (input, label) pair. Classification examples carry Label;
// autoregressive examples carry Targets, the next-token labels aligned with
// Input, with PadTokenID wherever no loss should be taken.
type Example struct {
	Input   []int
	Label   int
	Targets []int
}

// Dataset is a dataset wrapper bound to one phase.
type Dataset interface {
	Name() string
	Phase() Phase
	Split(split Split) ([]Example, error)
	VocabSize() int
	NumClasses() int
	PadTokenID() int
	SeqLen() int
}

// Options are handed to every factory.
type Options struct {
	// DataDir is the root under which file-backed datasets look for their files.
	DataDir string
	// Seed makes synthetic generation reproducible.
	Seed int64
	// Decode decodes the dataset's own config section into out. It is nil
	// when the experiment has no such section.
	Decode func(out any) error
}

func (o Options) decode(out any) error {
	if o.Decode == nil {
		return nil
	}
	return o.Decode(out)
}

// Factory builds a dataset wrapper for a phase.
type Factory func(phase Phase, opts Options) (Dataset, error)

// Registry maps dataset identifiers to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Builtin returns a registry holding copy, parity and text.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register("copy", newCopy)
	r.Register("parity", newParity)
	r.Register("text", newText)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Names lists registered identifiers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the dataset registered under name for phase.
func (r *Registry) New(name string, phase Phase, opts Options) (Dataset, error) {
	if err := phase.Validate(); err != nil {
		return nil, err
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownDataset, name, r.Names())
	}
	return f(phase, opts)
}

// sequenceSet is the shared implementation behind the built-in datasets: each
// split is a list of padded token sequences with a class label, viewed either
// as classification examples or as next-token prediction examples.
type sequenceSet struct {
	name      string
	phase     Phase
	vocab     int
	classes   int
	seqLen    int
	sequences map[Split][]Example
}

func (s *sequenceSet) Name() string { return s.name }

func (s *sequenceSet) Phase() Phase { return s.phase }

func (s *sequenceSet) VocabSize() int { return s.vocab }

func (s *sequenceSet) NumClasses() int { return s.classes }

func (s *sequenceSet) PadTokenID() int { return PadTokenID }

func (s *sequenceSet) SeqLen() int { return s.seqLen }

func (s *sequenceSet) Split(split Split) ([]Example, error) {
	base, ok := s.sequences[split]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no %q split", ErrUnknownSplit, s.name, split)
	}
	if s.phase == Classification {
		return base, nil
	}
	out := make([]Example, len(base))
	for i, ex := range base {
		out[i] = Example{Input: ex.Input, Label: ex.Label, Targets: nextTokens(ex.Input)}
	}
	return out, nil
}

// nextTokens shifts a sequence left by one, padding the final position.
func nextTokens(tokens []int) []int {
	if len(tokens) == 0 {
		return nil
	}
	targets := make([]int, len(tokens))
	copy(targets, tokens[1:])
	targets[len(targets)-1] = PadTokenID
	return targets
}

// padTo truncates or right-pads tokens to n.
func padTo(tokens []int, n int) []int {
	out := make([]int, n)
	copy(out, tokens)
	return out
}
