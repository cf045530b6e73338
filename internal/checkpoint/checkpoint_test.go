package checkpoint

import (
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"

	"github.com/samcharles93/s4train/internal/model"
	"github.com/samcharles93/s4train/internal/optim"
)

func sample(step int, pretraining bool) *Checkpoint {
	return &Checkpoint{
		Epoch: 2,
		Step:  step,
		Model: model.StateDict{
			"embedding.weight": {Shape: []int{2, 3}, Data: []float64{1, 2, 3, 4, 5, 6}},
			"head.bias":        {Shape: []int{1}, Data: []float64{float64(step)}},
		},
		Optimizer: optim.State{
			Step: step,
			Buffers: model.StateDict{
				"head.bias.exp_avg":    {Shape: []int{1}, Data: []float64{0.5}},
				"head.bias.exp_avg_sq": {Shape: []int{1}, Data: []float64{0.25}},
			},
		},
		BestLoss:          1.25,
		DuringPretraining: pretraining,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	store := NewStore(filepath.Join(t.TempDir(), "cfg", "s4d", "copy", "run"))
	want := sample(30, true)

	path, err := store.Save(want)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Base(path) != "30.safetensors" {
		t.Fatalf("unexpected path %s", path)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Epoch != 2 || got.Step != 30 || got.BestLoss != 1.25 || !got.DuringPretraining {
		t.Fatalf("unexpected scalars %+v", got)
	}
	if got.Optimizer.Step != 30 {
		t.Fatalf("optimizer step %d", got.Optimizer.Step)
	}
	emb := got.Model["embedding.weight"]
	if !slices.Equal(emb.Shape, []int{2, 3}) || !slices.Equal(emb.Data, want.Model["embedding.weight"].Data) {
		t.Fatalf("embedding mismatch %+v", emb)
	}
	if v := got.Optimizer.Buffers["head.bias.exp_avg_sq"].Data; !slices.Equal(v, []float64{0.25}) {
		t.Fatalf("optimizer buffer mismatch %v", v)
	}
}

func TestBestLossInfinity(t *testing.T) {
	t.Parallel()
	store := NewStore(t.TempDir())
	ckpt := sample(1, false)
	ckpt.BestLoss = math.Inf(1)
	path, err := store.Save(ckpt)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !math.IsInf(got.BestLoss, 1) {
		t.Fatalf("expected +Inf, got %v", got.BestLoss)
	}
}

func TestLoadLatestPicksMaxStep(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(5, 9))
	for trial := range 5 {
		store := NewStore(t.TempDir())
		steps := rng.Perm(40)[:1+trial*3]
		for _, s := range steps {
			if _, err := store.Save(sample(s*10, false)); err != nil {
				t.Fatalf("Save: %v", err)
			}
		}
		got, err := store.LoadLatest()
		if err != nil {
			t.Fatalf("LoadLatest: %v", err)
		}
		want := slices.Max(steps) * 10
		if got.Step != want {
			t.Fatalf("trial %d: loaded step %d, want %d (steps %v)", trial, got.Step, want, steps)
		}
		if got.Model["head.bias"].Data[0] != float64(want) {
			t.Fatalf("trial %d: loaded the wrong file", trial)
		}
	}
}

func TestLoadLatestNumericOrder(t *testing.T) {
	t.Parallel()
	store := NewStore(t.TempDir())
	for _, s := range []int{9, 100, 20} {
		if _, err := store.Save(sample(s, false)); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	got, err := store.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if got.Step != 100 {
		t.Fatalf("expected step 100, got %d", got.Step)
	}
}

func TestLoadLatestEmpty(t *testing.T) {
	t.Parallel()
	missing := NewStore(filepath.Join(t.TempDir(), "nope"))
	if ckpt, err := missing.LoadLatest(); ckpt != nil || err != nil {
		t.Fatalf("expected nil, nil for a missing dir, got %v, %v", ckpt, err)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "best.safetensors"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if ckpt, err := NewStore(dir).LoadLatest(); ckpt != nil || err != nil {
		t.Fatalf("expected nil, nil for a dir without step files, got %v, %v", ckpt, err)
	}
}

func TestLoadMissingIsNotFound(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "7.safetensors"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadCorrupt(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "3.safetensors")
	if err := os.WriteFile(path, []byte("garbage!garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestSteps(t *testing.T) {
	t.Parallel()
	store := NewStore(t.TempDir())
	for _, s := range []int{500, 1000, 1500} {
		if _, err := store.Save(sample(s, false)); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	steps, err := store.Steps()
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if !slices.Equal(steps, []int{500, 1000, 1500}) {
		t.Fatalf("unexpected steps %v", steps)
	}
}

func TestLockExclusive(t *testing.T) {
	t.Parallel()
	if runtime.GOOS != "linux" {
		t.Skip("advisory locking is only enforced on linux")
	}
	dir := t.TempDir()
	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := Acquire(dir); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	second, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = second.Release()

	// The lock file must not look like a checkpoint.
	if steps, _ := NewStore(dir).Steps(); len(steps) != 0 {
		t.Fatalf("unexpected steps %v", steps)
	}
}
