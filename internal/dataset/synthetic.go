package dataset

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
)

const markerTokenID = 1

// SyntheticParams is the config section shared by the generated datasets.
type SyntheticParams struct {
	SeqLen   int `yaml:"seq_len"`
	Alphabet int `yaml:"alphabet"`
	Train    int `yaml:"train_examples"`
	Test     int `yaml:"test_examples"`
	Valid    int `yaml:"validation_examples"`
}

func (p *SyntheticParams) withDefaults(seqLen, alphabet int) {
	if p.SeqLen <= 0 {
		p.SeqLen = seqLen
	}
	if p.Alphabet <= 0 {
		p.Alphabet = alphabet
	}
	if p.Train <= 0 {
		p.Train = 256
	}
	if p.Test <= 0 {
		p.Test = 64
	}
	if p.Valid <= 0 {
		p.Valid = 64
	}
}

func (p SyntheticParams) counts() map[Split]int {
	return map[Split]int{Train: p.Train, Test: p.Test, Validation: p.Valid}
}

// splitRNG derives an independent stream per (dataset, seed, split) so that
// resizing one split never changes another.
func splitRNG(name string, seed int64, split Split) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(split))
	return rand.New(rand.NewPCG(uint64(seed), h.Sum64()))
}

// newCopy builds the recall task: a run of random symbols, a marker, then
// padding. The class is the first symbol, which the model has to carry
// across the whole sequence.
func newCopy(phase Phase, opts Options) (Dataset, error) {
	var p SyntheticParams
	if err := opts.decode(&p); err != nil {
		return nil, err
	}
	p.withDefaults(16, 8)
	if p.SeqLen < 3 {
		return nil, fmt.Errorf("copy: seq_len must be at least 3, got %d", p.SeqLen)
	}

	set := &sequenceSet{
		name:      "copy",
		phase:     phase,
		vocab:     p.Alphabet + 2,
		classes:   p.Alphabet,
		seqLen:    p.SeqLen,
		sequences: make(map[Split][]Example),
	}
	for split, n := range p.counts() {
		rng := splitRNG(set.name, opts.Seed, split)
		examples := make([]Example, n)
		for i := range examples {
			runLen := 2 + rng.IntN(p.SeqLen-2)
			tokens := make([]int, 0, p.SeqLen)
			for range runLen {
				tokens = append(tokens, 2+rng.IntN(p.Alphabet))
			}
			tokens = append(tokens, markerTokenID)
			examples[i] = Example{
				Input: padTo(tokens, p.SeqLen),
				Label: tokens[0] - 2,
			}
		}
		set.sequences[split] = examples
	}
	return set, nil
}

// newParity builds bit strings labelled by their parity. Bits are tokens 2
// and 3.
func newParity(phase Phase, opts Options) (Dataset, error) {
	var p SyntheticParams
	if err := opts.decode(&p); err != nil {
		return nil, err
	}
	p.withDefaults(8, 2)

	set := &sequenceSet{
		name:      "parity",
		phase:     phase,
		vocab:     4,
		classes:   2,
		seqLen:    p.SeqLen,
		sequences: make(map[Split][]Example),
	}
	for split, n := range p.counts() {
		rng := splitRNG(set.name, opts.Seed, split)
		examples := make([]Example, n)
		for i := range examples {
			tokens := make([]int, p.SeqLen)
			parity := 0
			for j := range tokens {
				bit := rng.IntN(2)
				parity ^= bit
				tokens[j] = 2 + bit
			}
			examples[i] = Example{Input: tokens, Label: parity}
		}
		set.sequences[split] = examples
	}
	return set, nil
}
