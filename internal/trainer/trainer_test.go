package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samcharles93/s4train/internal/checkpoint"
	"github.com/samcharles93/s4train/internal/config"
	"github.com/samcharles93/s4train/internal/dataset"
	"github.com/samcharles93/s4train/internal/dist"
	"github.com/samcharles93/s4train/internal/logger"
	"github.com/samcharles93/s4train/internal/metrics"
)

// experiment renders a small config. pretrain may be "none".
func experiment(t *testing.T, pretrain string, epochs, trainExamples int) *config.Experiment {
	t.Helper()
	doc := fmt.Sprintf(`
architectures: [s4d]
pretrain_datasets: [%s]
finetune_datasets: [copy]
training:
  seed: 3
  batch_size: 2
  epochs: %d
  learning_rate: 0.01
ddp:
  shuffle: true
s4:
  d_model: 4
  state_size: 4
  num_layers: 1
copy:
  seq_len: 6
  alphabet: 3
  train_examples: %d
  test_examples: 3
  validation_examples: 2
`, pretrain, epochs, trainExamples)
	exp, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	exp.Name = "unit"
	return exp
}

type fixture struct {
	roots Roots
	rec   *metrics.Recorder
}

func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()
	return &fixture{
		roots: Roots{
			Checkpoints: filepath.Join(dir, "checkpoints"),
			Logs:        filepath.Join(dir, "logs"),
			Metrics:     filepath.Join(dir, "tensorboard"),
			Data:        filepath.Join(dir, "data"),
		},
		rec: &metrics.Recorder{},
	}
}

func (f *fixture) trainer(t *testing.T, exp *config.Experiment, pretrain, runID string, steps Steps) *Trainer {
	t.Helper()
	tr, err := New(Options{
		Config:   exp,
		Arch:     "s4d",
		Pretrain: pretrain,
		Finetune: "copy",
		RunID:    runID,
		Roots:    f.roots,
		Steps:    &steps,
		Logger:   logger.Discard(),
		Metrics:  f.rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

var single = dist.Config{WorldSize: 1}

func TestNoSaveOrEvalReturnsEmptyMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tr := f.trainer(t, experiment(t, "none", 1, 4), "", "r", Steps{Log: 10, Save: 100, Eval: 100, Warmup: 0})

	got, err := tr.Run(context.Background(), single)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty metrics, got %v", got)
	}
	steps, err := checkpoint.NewStore(tr.CheckpointDir()).Steps()
	if err != nil || len(steps) != 0 {
		t.Fatalf("expected no checkpoints, got %v (%v)", steps, err)
	}
}

func TestEvalEveryStepReturnsTestMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tr := f.trainer(t, experiment(t, "none", 1, 4), "", "r", Steps{Log: 10, Save: 100, Eval: 1, Warmup: 0})

	got, err := tr.Run(context.Background(), single)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected exactly two metrics, got %v", got)
	}
	for _, key := range []string{MetricTestLoss, MetricTestAccuracy} {
		v, ok := got[key]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("%s: got %v (present %v)", key, v, ok)
		}
	}
	if acc := got[MetricTestAccuracy]; acc < 0 || acc > 100 {
		t.Fatalf("accuracy out of range: %v", acc)
	}
	// Two steps, each evaluated.
	if pts := f.rec.Series(tr.Identity().Tag(dataset.Classification, MetricTestLoss)); len(pts) != 2 {
		t.Fatalf("expected 2 Test Loss points, got %d", len(pts))
	}
}

func TestBestLossIsRunningMinimum(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	// 8 examples, batch 2, 3 epochs: 12 steps, checkpoint at the end.
	tr := f.trainer(t, experiment(t, "none", 3, 8), "", "r", Steps{Log: 1, Save: 12, Eval: 100, Warmup: 0})
	if _, err := tr.Run(context.Background(), single); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pts := f.rec.Series(tr.Identity().Tag(dataset.Classification, MetricLoss))
	if len(pts) != 12 {
		t.Fatalf("expected 12 loss points, got %d", len(pts))
	}
	best := math.Inf(1)
	for i, p := range pts {
		if p.Step != i+1 {
			t.Fatalf("step %d logged at position %d", p.Step, i)
		}
		best = min(best, float64(p.Value))
	}
	ckpt, err := checkpoint.NewStore(tr.CheckpointDir()).LoadLatest()
	if err != nil || ckpt == nil {
		t.Fatalf("LoadLatest: %v, %v", ckpt, err)
	}
	if ckpt.Step != 12 || ckpt.BestLoss != best {
		t.Fatalf("checkpoint step %d best %v, want 12 and %v", ckpt.Step, ckpt.BestLoss, best)
	}
	if ckpt.DuringPretraining {
		t.Fatal("classification checkpoint flagged as pretraining")
	}
}

func TestResumeFromPretrainingCheckpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	// Pretraining: 8 examples, batch 2 -> steps 1-4. Classification: steps 5-8.
	exp := experiment(t, "copy", 1, 8)
	steps := Steps{Log: 1, Save: 4, Eval: 100, Warmup: 0}

	first := f.trainer(t, exp, "copy", "r", steps)
	if _, err := first.Run(context.Background(), single); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	store := checkpoint.NewStore(first.CheckpointDir())
	saved, err := store.Steps()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(saved, []int{4, 8}) {
		t.Fatalf("unexpected checkpoints %v", saved)
	}
	// Drop the classification checkpoint so the latest one is from pretraining.
	if err := os.Remove(store.Path(8)); err != nil {
		t.Fatal(err)
	}
	latest, err := store.LoadLatest()
	if err != nil || !latest.DuringPretraining || latest.Step != 4 {
		t.Fatalf("expected pretraining checkpoint at step 4, got %+v (%v)", latest, err)
	}

	f.rec = &metrics.Recorder{}
	second := f.trainer(t, exp, "copy", "r", steps)
	if _, err := second.Run(context.Background(), single); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}

	id := second.Identity()
	if pts := f.rec.Series(id.Tag(dataset.Autoregressive, MetricLoss)); len(pts) != 0 {
		t.Fatalf("pretraining was already complete, got %d new AR steps", len(pts))
	}
	var clsSteps []int
	for _, p := range f.rec.Series(id.Tag(dataset.Classification, MetricLoss)) {
		clsSteps = append(clsSteps, p.Step)
	}
	if !slices.Equal(clsSteps, []int{5, 6, 7, 8}) {
		t.Fatalf("classification steps %v, want 5..8", clsSteps)
	}
	ckpt, err := store.LoadLatest()
	if err != nil || ckpt.Step != 8 || ckpt.DuringPretraining {
		t.Fatalf("expected a fresh classification checkpoint at step 8, got %+v (%v)", ckpt, err)
	}
}

func TestClassificationCheckpointSkipsPretraining(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	exp := experiment(t, "copy", 1, 8)
	steps := Steps{Log: 1, Save: 8, Eval: 100, Warmup: 0}
	if _, err := f.trainer(t, exp, "copy", "r", steps).Run(context.Background(), single); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	f.rec = &metrics.Recorder{}
	tr := f.trainer(t, experiment(t, "copy", 2, 8), "copy", "r", steps)
	if _, err := tr.Run(context.Background(), single); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if pts := f.rec.Series(tr.Identity().Tag(dataset.Autoregressive, MetricLoss)); len(pts) != 0 {
		t.Fatalf("expected no pretraining after a classification checkpoint, got %d points", len(pts))
	}
	pts := f.rec.Series(tr.Identity().Tag(dataset.Classification, MetricLoss))
	if len(pts) != 4 || pts[0].Step != 9 {
		t.Fatalf("expected the second classification epoch as steps 9..12, got %+v", pts)
	}
}

func TestPretrainingCheckpointWithoutPretrainDataset(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tr := f.trainer(t, experiment(t, "none", 1, 4), "", "r", DefaultSteps())
	store := checkpoint.NewStore(tr.CheckpointDir())
	if _, err := store.Save(&checkpoint.Checkpoint{Step: 3, DuringPretraining: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Run(context.Background(), single); !errors.Is(err, ErrPretrainCheckpoint) {
		t.Fatalf("expected ErrPretrainCheckpoint, got %v", err)
	}
}

func finalModel(t *testing.T, dir string) map[string][]float64 {
	t.Helper()
	ckpt, err := checkpoint.NewStore(dir).LoadLatest()
	if err != nil || ckpt == nil {
		t.Fatalf("LoadLatest: %v, %v", ckpt, err)
	}
	out := make(map[string][]float64, len(ckpt.Model))
	for name, tensor := range ckpt.Model {
		out[name] = tensor.Data
	}
	return out
}

func TestResumeMatchesUninterruptedRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	steps := Steps{Log: 1, Save: 1, Eval: 6, Warmup: 0}

	// Uninterrupted: 6 examples, batch 2, 2 epochs -> 6 steps.
	whole := f.trainer(t, experiment(t, "none", 2, 6), "", "whole", steps)
	wantMetrics, err := whole.Run(context.Background(), single)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Same run split in two: one epoch, then resume to two.
	first := f.trainer(t, experiment(t, "none", 1, 6), "", "split", steps)
	if _, err := first.Run(context.Background(), single); err != nil {
		t.Fatalf("first half: %v", err)
	}
	second := f.trainer(t, experiment(t, "none", 2, 6), "", "split", steps)
	gotMetrics, err := second.Run(context.Background(), single)
	if err != nil {
		t.Fatalf("second half: %v", err)
	}

	if gotMetrics[MetricTestLoss] != wantMetrics[MetricTestLoss] {
		t.Fatalf("resumed Test Loss %v, uninterrupted %v", gotMetrics[MetricTestLoss], wantMetrics[MetricTestLoss])
	}
	want, got := finalModel(t, whole.CheckpointDir()), finalModel(t, second.CheckpointDir())
	for name, w := range want {
		if !slices.Equal(w, got[name]) {
			t.Fatalf("%s differs after resume", name)
		}
	}
}

func TestRunWritesLogAndConfigDump(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tr := f.trainer(t, experiment(t, "none", 1, 4), "", "logged", Steps{Log: 1, Save: 100, Eval: 100, Warmup: 0})
	if _, err := tr.Run(context.Background(), single); err != nil {
		t.Fatalf("Run: %v", err)
	}

	dir := filepath.Join(f.roots.Logs, filepath.FromSlash(tr.Identity().RelativePath()))
	data, err := os.ReadFile(filepath.Join(dir, "logged.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "CLASSIFICATION Epoch [1/1], Step [1/2], Loss: ") {
		t.Fatalf("log lacks the step line:\n%s", data)
	}
	dumps, err := filepath.Glob(filepath.Join(dir, "config_*.json"))
	if err != nil || len(dumps) != 1 {
		t.Fatalf("expected one config dump, got %v (%v)", dumps, err)
	}
	dump, _ := os.ReadFile(dumps[0])
	if !strings.Contains(string(dump), `"learning_rate": 0.01`) {
		t.Fatalf("config dump lacks training section:\n%s", dump)
	}
}

func TestRunWritesEventFileByDefault(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tr, err := New(Options{
		Config:   experiment(t, "none", 1, 4),
		Arch:     "s4d",
		Finetune: "copy",
		RunID:    "events",
		Roots:    f.roots,
		Steps:    &Steps{Log: 1, Save: 100, Eval: 100, Warmup: 0},
		Logger:   logger.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Run(context.Background(), single); err != nil {
		t.Fatalf("Run: %v", err)
	}
	series, err := metrics.LoadRun(f.roots.Metrics, tr.Identity().RelativePath())
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if pts := series[tr.Identity().Tag(dataset.Classification, MetricLoss)]; len(pts) != 2 {
		t.Fatalf("expected 2 loss points, got %+v", series)
	}
}

func TestDistributedRun(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	f := newFixture(t)
	exp := experiment(t, "none", 1, 8)
	steps := Steps{Log: 1, Save: 2, Eval: 2, Warmup: 0}

	const world = 2
	results := make([]Metrics, world)
	errs := make([]error, world)
	var wg sync.WaitGroup
	for rank := range world {
		tr := f.trainer(t, exp, "", "ddp", steps)
		wg.Add(1)
		go func() {
			defer wg.Done()
			dc := dist.Config{Rank: rank, WorldSize: world, MasterAddr: "127.0.0.1", MasterPort: port, Timeout: 10 * time.Second}
			results[rank], errs[rank] = tr.Run(context.Background(), dc)
		}()
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
	// 8 examples over 2 ranks, batch 2: 2 steps per rank, evaluated on rank 0 only.
	if len(results[0]) != 2 || len(results[1]) != 0 {
		t.Fatalf("unexpected metrics per rank: %v", results)
	}
	steps2, err := checkpoint.NewStore(filepath.Join(f.roots.Checkpoints, "unit", "s4d", "copy", "ddp")).Steps()
	if err != nil || !slices.Equal(steps2, []int{2}) {
		t.Fatalf("expected one checkpoint at step 2, got %v (%v)", steps2, err)
	}
}

// slowWriter stalls every scalar so coordinator-only work outlasts the
// collective timeout.
type slowWriter struct {
	metrics.Recorder
	delay time.Duration
}

func (w *slowWriter) AddScalar(tag string, value float64, step int) error {
	time.Sleep(w.delay)
	return w.Recorder.AddScalar(tag, value, step)
}

func TestDistributedRunOutlastsCollectiveTimeout(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	f := newFixture(t)
	exp := experiment(t, "none", 1, 8)
	slow := &slowWriter{delay: 300 * time.Millisecond}

	const world = 2
	errs := make([]error, world)
	var (
		wg  sync.WaitGroup
		tag string
	)
	for rank := range world {
		tr, err := New(Options{
			Config:   exp,
			Arch:     "s4d",
			Finetune: "copy",
			RunID:    "slow",
			Roots:    f.roots,
			Steps:    &Steps{Log: 1, Save: 100, Eval: 1},
			Logger:   logger.Discard(),
			Metrics:  slow,
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		tag = tr.Identity().Tag(dataset.Classification, MetricTestLoss)
		wg.Add(1)
		go func() {
			defer wg.Done()
			dc := dist.Config{
				Rank:              rank,
				WorldSize:         world,
				MasterAddr:        "127.0.0.1",
				MasterPort:        port,
				Timeout:           10 * time.Second,
				CollectiveTimeout: 100 * time.Millisecond,
			}
			_, errs[rank] = tr.Run(context.Background(), dc)
		}()
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
	if pts := slow.Series(tag); len(pts) != 2 {
		t.Fatalf("expected 2 Test Loss points, got %d", len(pts))
	}
}

func TestSamplerAppliesDDPOnlyWhenDistributed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	exp := experiment(t, "none", 1, 4)
	off := false
	exp.DDP = config.DDP{Shuffle: &off, DropLast: true}
	tr := f.trainer(t, exp, "", "r", DefaultSteps())

	s := tr.sampler(single)
	if !s.Shuffle || s.DropLast {
		t.Fatalf("single process should shuffle and keep the tail, got %+v", s)
	}
	s = tr.sampler(dist.Config{Rank: 1, WorldSize: 2, MasterPort: 29500})
	if s.Shuffle || !s.DropLast || s.Rank != 1 || s.WorldSize != 2 {
		t.Fatalf("distributed run should follow the ddp section, got %+v", s)
	}
	if s.Seed != exp.Training.Seed {
		t.Fatalf("unexpected seed %d", s.Seed)
	}
}

func TestNewRejectsBadSteps(t *testing.T) {
	t.Parallel()
	_, err := New(Options{
		Config:   experiment(t, "none", 1, 4),
		Arch:     "s4d",
		Finetune: "copy",
		Steps:    &Steps{Log: 0, Save: 1, Eval: 1},
	})
	if err == nil {
		t.Fatal("expected error for a zero log step")
	}
}

func TestUnknownArchitecture(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tr, err := New(Options{
		Config:   experiment(t, "none", 1, 4),
		Arch:     "transformer",
		Finetune: "copy",
		RunID:    "r",
		Roots:    f.roots,
		Logger:   logger.Discard(),
		Metrics:  f.rec,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Run(context.Background(), single); err == nil || !strings.Contains(err.Error(), "unknown architecture") {
		t.Fatalf("expected unknown architecture error, got %v", err)
	}
}
