package dataset

import (
	"iter"
	"math/rand/v2"
)

// Sampler yields the example indices one rank visits in an epoch. With
// WorldSize 1 and Shuffle set it is a plain shuffling sampler; with more
// ranks each rank receives a disjoint, equally sized stride of one shared
// permutation.
type Sampler struct {
	N         int
	Rank      int
	WorldSize int
	Shuffle   bool
	DropLast  bool
	Seed      int64
}

// NumSamples is the number of indices this rank receives per epoch.
func (s Sampler) NumSamples() int {
	world := max(s.WorldSize, 1)
	if s.DropLast {
		return s.N / world
	}
	return (s.N + world - 1) / world
}

// Indices returns the rank's indices for epoch. Every rank computes the same
// permutation because it is seeded by (Seed, epoch) only.
func (s Sampler) Indices(epoch int) []int {
	world := max(s.WorldSize, 1)
	var order []int
	if s.Shuffle {
		rng := rand.New(rand.NewPCG(uint64(s.Seed), uint64(epoch)))
		order = rng.Perm(s.N)
	} else {
		order = make([]int, s.N)
		for i := range order {
			order[i] = i
		}
	}

	perRank := s.NumSamples()
	total := perRank * world
	if total > len(order) && len(order) > 0 {
		// Wrap around so every rank gets the same count.
		for i := 0; len(order) < total; i++ {
			order = append(order, order[i%s.N])
		}
	}
	order = order[:total]

	out := make([]int, 0, perRank)
	for i := s.Rank; i < total; i += world {
		out = append(out, order[i])
	}
	return out
}

// Batch is a stacked group of examples.
type Batch struct {
	Inputs  [][]int
	Labels  []int
	Targets [][]int
}

// Size is the number of examples in the batch.
func (b Batch) Size() int { return len(b.Inputs) }

// Loader groups a split into batches in sampler order. The last batch of an
// epoch may be short.
type Loader struct {
	examples  []Example
	batchSize int
	sampler   Sampler
}

// NewLoader builds a loader over examples.
func NewLoader(examples []Example, batchSize int, sampler Sampler) *Loader {
	sampler.N = len(examples)
	return &Loader{examples: examples, batchSize: batchSize, sampler: sampler}
}

// Sequential is the evaluation loader: in order, one rank, no shuffling.
func Sequential(examples []Example, batchSize int) *Loader {
	return NewLoader(examples, batchSize, Sampler{WorldSize: 1})
}

// Len is the number of batches per epoch.
func (l *Loader) Len() int {
	return (l.sampler.NumSamples() + l.batchSize - 1) / l.batchSize
}

// Examples is the number of examples visited per epoch.
func (l *Loader) Examples() int {
	return l.sampler.NumSamples()
}

// Epoch iterates the batches of one epoch.
func (l *Loader) Epoch(epoch int) iter.Seq2[int, Batch] {
	return func(yield func(int, Batch) bool) {
		idx := l.sampler.Indices(epoch)
		for b := 0; b*l.batchSize < len(idx); b++ {
			end := min((b+1)*l.batchSize, len(idx))
			batch := Batch{
				Inputs:  make([][]int, 0, end-b*l.batchSize),
				Labels:  make([]int, 0, end-b*l.batchSize),
				Targets: make([][]int, 0, end-b*l.batchSize),
			}
			for _, i := range idx[b*l.batchSize : end] {
				ex := l.examples[i]
				batch.Inputs = append(batch.Inputs, ex.Input)
				batch.Labels = append(batch.Labels, ex.Label)
				batch.Targets = append(batch.Targets, ex.Targets)
			}
			if !yield(b, batch) {
				return
			}
		}
	}
}
