package model

import (
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/s4train/internal/dataset"
)

type stubDataset struct {
	phase   dataset.Phase
	vocab   int
	classes int
}

func (s stubDataset) Name() string { return "stub" }

func (s stubDataset) Phase() dataset.Phase { return s.phase }

func (s stubDataset) VocabSize() int { return s.vocab }

func (s stubDataset) NumClasses() int { return s.classes }

func (s stubDataset) PadTokenID() int { return dataset.PadTokenID }

func (s stubDataset) SeqLen() int { return 6 }

func (s stubDataset) Split(dataset.Split) ([]dataset.Example, error) { return nil, nil }

func smallConfig(out any) error {
	cfg := out.(*S4Config)
	cfg.DModel = 3
	cfg.StateSize = 4
	cfg.NumLayers = 2
	return nil
}

func newSmall(t *testing.T, phase dataset.Phase, seed uint64) Architecture {
	t.Helper()
	ds := stubDataset{phase: phase, vocab: 5, classes: 3}
	m, err := NewS4Model(smallConfig, ds, rand.New(rand.NewPCG(seed, 0)))
	require.NoError(t, err)
	return m
}

// weightedSum is a scalar loss sum(w * logits) whose gradient is w.
func weightedSum(l *Logits, w []float64) float64 {
	var s float64
	for i, v := range l.Data {
		s += v * w[i]
	}
	return s
}

func checkGradients(t *testing.T, phase dataset.Phase) {
	m := newSmall(t, phase, 7)
	inputs := [][]int{{1, 2, 3, 4, 0, 2}, {4, 4, 1, 0, 3, 1}}

	rng := rand.New(rand.NewPCG(3, 3))
	out := m.Forward(inputs)
	w := make([]float64, len(out.Data))
	for i := range w {
		w[i] = rng.NormFloat64()
	}
	m.Params().ZeroGrad()
	m.Backward(&Logits{B: out.B, T: out.T, K: out.K, Data: w})

	const eps = 1e-6
	for _, p := range m.Params() {
		for i := range p.Data {
			orig := p.Data[i]
			p.Data[i] = orig + eps
			plus := weightedSum(m.Forward(inputs), w)
			p.Data[i] = orig - eps
			minus := weightedSum(m.Forward(inputs), w)
			p.Data[i] = orig

			numeric := (plus - minus) / (2 * eps)
			tol := 1e-5 + 1e-4*math.Abs(numeric)
			assert.InDelta(t, numeric, p.Grad[i], tol, "%s[%d]", p.Name, i)
		}
	}
}

func TestGradientsClassification(t *testing.T) {
	t.Parallel()
	checkGradients(t, dataset.Classification)
}

func TestGradientsAutoregressive(t *testing.T) {
	t.Parallel()
	checkGradients(t, dataset.Autoregressive)
}

func TestHeadShapes(t *testing.T) {
	t.Parallel()
	inputs := [][]int{{1, 2, 3}, {3, 2, 1}}

	cls := newSmall(t, dataset.Classification, 1).Forward(inputs)
	assert.Equal(t, []int{2, 1, 3}, []int{cls.B, cls.T, cls.K})

	ar := newSmall(t, dataset.Autoregressive, 1).Forward(inputs)
	assert.Equal(t, []int{2, 3, 5}, []int{ar.B, ar.T, ar.K})
}

func TestCausality(t *testing.T) {
	t.Parallel()
	m := newSmall(t, dataset.Autoregressive, 2)
	a := m.Forward([][]int{{1, 2, 3, 4}})
	first := append([]float64(nil), a.Row(0, 1)...)
	b := m.Forward([][]int{{1, 2, 4, 1}})
	assert.InDeltaSlice(t, first, b.Row(0, 1), 1e-12, "position 1 must not see later tokens")
}

func TestBackboneTransfer(t *testing.T) {
	t.Parallel()
	src := newSmall(t, dataset.Autoregressive, 11)
	dst := newSmall(t, dataset.Classification, 12)

	copied := Transfer(dst.Params(), src.Params(), dst.Backbone()...)
	require.NotEmpty(t, copied)
	for _, name := range copied {
		assert.False(t, strings.HasPrefix(name, "head."), "head %s must not transfer", name)
	}

	srcState, dstState := src.Params().StateDict(), dst.Params().StateDict()
	assert.Equal(t, srcState["layers.0.D"].Data, dstState["layers.0.D"].Data)
	assert.Equal(t, srcState["embedding.weight"].Data, dstState["embedding.weight"].Data)
	assert.NotEqual(t, len(srcState["head.weight"].Data), len(dstState["head.weight"].Data))
}

func TestStateDictRoundTrip(t *testing.T) {
	t.Parallel()
	a := newSmall(t, dataset.Classification, 1)
	b := newSmall(t, dataset.Classification, 2)
	require.NoError(t, b.Params().LoadStateDict(a.Params().StateDict()))

	inputs := [][]int{{1, 2, 3, 4}}
	assert.Equal(t, a.Forward(inputs).Data, b.Forward(inputs).Data)

	sd := a.Params().StateDict()
	delete(sd, "head.bias")
	err := b.Params().LoadStateDict(sd)
	assert.True(t, errors.Is(err, ErrStateMismatch), "got %v", err)

	sd = a.Params().StateDict()
	sd["head.bias"] = Tensor{Shape: []int{7}, Data: make([]float64, 7)}
	assert.ErrorIs(t, b.Params().LoadStateDict(sd), ErrStateMismatch)
}

func TestGradsFlatten(t *testing.T) {
	t.Parallel()
	m := newSmall(t, dataset.Classification, 1)
	ps := m.Params()
	for i, p := range ps {
		for j := range p.Grad {
			p.Grad[j] = float64(i)
		}
	}
	flat := ps.Grads(nil)
	require.Len(t, flat, ps.Count())
	ps.ZeroGrad()
	ps.SetGrads(flat)
	assert.Equal(t, float64(len(ps)-1), ps[len(ps)-1].Grad[0])
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := Builtin()
	assert.Equal(t, []string{"s4d"}, r.Names())

	spec, err := r.Lookup("s4d")
	require.NoError(t, err)
	assert.Equal(t, "s4", spec.Section)

	_, err = r.Lookup("transformer")
	assert.ErrorIs(t, err, ErrUnknownArchitecture)
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()
	ds := stubDataset{phase: dataset.Classification, vocab: 5, classes: 2}
	odd := func(out any) error {
		out.(*S4Config).StateSize = 3
		return nil
	}
	_, err := NewS4Model(odd, ds, rand.New(rand.NewPCG(1, 1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state_size")

	m, err := NewS4Model(nil, ds, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	assert.Contains(t, m.Summary(), "embedding.weight")
	assert.Equal(t, m.Params().Count(), m.ParamCount())
}
