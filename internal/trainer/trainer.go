// Package trainer drives a two-phase training run: optional autoregressive
// pretraining followed by classification fine-tuning, with checkpoint
// resume, periodic evaluation and scalar metrics on the coordinating rank.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/s4train/internal/checkpoint"
	"github.com/samcharles93/s4train/internal/config"
	"github.com/samcharles93/s4train/internal/dataset"
	"github.com/samcharles93/s4train/internal/dist"
	"github.com/samcharles93/s4train/internal/logger"
	"github.com/samcharles93/s4train/internal/metrics"
	"github.com/samcharles93/s4train/internal/model"
	"github.com/samcharles93/s4train/internal/optim"
)

// Roots are the top-level output and input directories.
type Roots struct {
	Checkpoints string
	Logs        string
	Metrics     string
	Data        string
}

// Options configure a Trainer.
type Options struct {
	Config   *config.Experiment
	Arch     string
	Pretrain string
	Finetune string
	// RunID defaults to the start time formatted with RunIDFormat.
	RunID string
	Roots Roots
	// Steps defaults to ResolveSteps(Config.Steps).
	Steps *Steps

	Datasets *dataset.Registry
	Models   *model.Registry

	// Logger defaults to the logger in the Run context.
	Logger logger.Logger
	// Metrics replaces the event-file writer on the coordinating rank.
	Metrics metrics.Writer
	Now     func() time.Time
}

// Trainer runs one (architecture, pretrain, finetune) combination.
type Trainer struct {
	cfg      *config.Experiment
	id       Identity
	roots    Roots
	steps    Steps
	datasets *dataset.Registry
	models   *model.Registry
	log      logger.Logger
	writer   metrics.Writer
	now      func() time.Time
}

func New(opts Options) (*Trainer, error) {
	if opts.Config == nil {
		return nil, errors.New("trainer: missing experiment config")
	}
	if opts.Arch == "" || opts.Finetune == "" {
		return nil, errors.New("trainer: architecture and finetune dataset are required")
	}
	t := &Trainer{
		cfg:      opts.Config,
		roots:    opts.Roots,
		datasets: opts.Datasets,
		models:   opts.Models,
		log:      opts.Logger,
		writer:   opts.Metrics,
		now:      opts.Now,
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.datasets == nil {
		t.datasets = dataset.Builtin()
	}
	if t.models == nil {
		t.models = model.Builtin()
	}
	if opts.Steps != nil {
		t.steps = *opts.Steps
	} else {
		t.steps = ResolveSteps(opts.Config.Steps)
	}
	if err := t.steps.validate(); err != nil {
		return nil, err
	}
	runID := opts.RunID
	if runID == "" {
		runID = NewRunID(t.now())
	}
	t.id = Identity{
		Config:   opts.Config.Name,
		Arch:     opts.Arch,
		Pretrain: opts.Pretrain,
		Finetune: opts.Finetune,
		RunID:    runID,
	}
	return t, nil
}

func (t *Trainer) Identity() Identity { return t.id }

// CheckpointDir is where this run's checkpoints live.
func (t *Trainer) CheckpointDir() string {
	return filepath.Join(t.roots.Checkpoints, filepath.FromSlash(t.id.RelativePath()))
}

func (t *Trainer) logDir() string {
	return filepath.Join(t.roots.Logs, filepath.FromSlash(t.id.RelativePath()))
}

// run carries the state shared by both phases of one Run.
type run struct {
	dc       dist.Config
	group    dist.Group
	log      logger.Logger
	writer   metrics.Writer
	store    *checkpoint.Store
	step     int
	bestLoss float64
}

// Run executes the phase plan for rank dc.Rank and returns the metrics of
// the last evaluation in the final phase, empty when none ran.
func (t *Trainer) Run(ctx context.Context, dc dist.Config) (Metrics, error) {
	if err := dc.Validate(); err != nil {
		return nil, err
	}
	base := t.log
	if base == nil {
		base = logger.FromContext(ctx)
	}

	group, err := dist.Join(ctx, dc)
	if err != nil {
		return nil, err
	}
	defer func() { _ = group.Close() }()

	r := &run{
		dc:       dc,
		group:    group,
		log:      logger.Discard(),
		writer:   metrics.Discard{},
		store:    checkpoint.NewStore(t.CheckpointDir()),
		bestLoss: math.Inf(1),
	}
	if dc.Coordinator() {
		lock, err := checkpoint.Acquire(r.store.Dir())
		if err != nil {
			return nil, err
		}
		defer func() { _ = lock.Release() }()

		if r.log, err = t.setupLogging(base); err != nil {
			return nil, err
		}
		if r.writer, err = t.openWriter(); err != nil {
			return nil, err
		}
		defer func() { _ = r.writer.Close() }()
	}
	r.log = r.log.With("run", t.id.RunID)

	ckpt, err := r.store.LoadLatest()
	if err != nil {
		return nil, err
	}
	plan, err := Plan(t.id.Pretrain, ckpt)
	if err != nil {
		return nil, err
	}
	attrs := []any{"plan", plan.String(), "pretrain", plan.Pretrains(), "rank", dc.Rank, "world_size", dc.WorldSize}
	if ckpt != nil {
		attrs = append(attrs, "resume_step", ckpt.Step, "resume_pretraining", ckpt.DuringPretraining)
	}
	r.log.Info("starting run", attrs...)

	var (
		result   Metrics
		backbone model.ParamSet
	)
	for _, phase := range plan.Phases() {
		dsName := t.id.Finetune
		if phase == dataset.Autoregressive {
			dsName = t.id.Pretrain
		}
		out, err := t.runPhase(ctx, r, phase, dsName, ckpt, backbone)
		if err != nil {
			return nil, err
		}
		if phase == dataset.Autoregressive {
			// The pretraining checkpoint is consumed; classification starts
			// from the pretrained backbone instead.
			ckpt = nil
			backbone = out.params
		}
		result = out.metrics
	}
	// A rank that dropped out after its last collective surfaces here.
	if err := group.Barrier(); err != nil {
		return nil, fmt.Errorf("final barrier: %w", err)
	}
	r.log.Info("run finished", "step", r.step, "best_loss", r.bestLoss)
	return result, nil
}

type phaseResult struct {
	metrics Metrics
	params  model.ParamSet
}

// phaseSeed derives the per-phase RNG stream from the experiment seed.
func phaseSeed(seed int64, phase dataset.Phase) (uint64, uint64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(phase))
	return uint64(seed), h.Sum64()
}

func (t *Trainer) decoder(section string) func(any) error {
	if !t.cfg.HasSection(section) {
		return nil
	}
	return func(out any) error { return t.cfg.Decode(section, out) }
}

func (t *Trainer) runPhase(ctx context.Context, r *run, phase dataset.Phase, dsName string, ckpt *checkpoint.Checkpoint, backbone model.ParamSet) (phaseResult, error) {
	training := t.cfg.Training
	rng := rand.New(rand.NewPCG(phaseSeed(training.Seed, phase)))
	log := r.log.With("phase", string(phase), "dataset", dsName)

	ds, err := t.datasets.New(dsName, phase, dataset.Options{
		DataDir: t.roots.Data,
		Seed:    training.Seed,
		Decode:  t.decoder(dsName),
	})
	if err != nil {
		return phaseResult{}, err
	}
	lossFn, err := lossFor(ds.Phase(), ds.PadTokenID())
	if err != nil {
		return phaseResult{}, err
	}
	spec, err := t.models.Lookup(t.id.Arch)
	if err != nil {
		return phaseResult{}, err
	}
	arch, err := spec.New(t.decoder(spec.Section), ds, rng)
	if err != nil {
		return phaseResult{}, err
	}
	params := arch.Params()
	if backbone != nil {
		copied := model.Transfer(params, backbone, arch.Backbone()...)
		log.Info("initialised from pretrained backbone", "tensors", len(copied))
	}
	opt := optim.NewAdam(params, optim.Config{LearningRate: training.LearningRate})

	startEpoch, skip := 0, 0
	if ckpt != nil {
		if err := params.LoadStateDict(ckpt.Model); err != nil {
			return phaseResult{}, fmt.Errorf("restore model from step %d: %w", ckpt.Step, err)
		}
		if err := opt.LoadState(ckpt.Optimizer); err != nil {
			return phaseResult{}, fmt.Errorf("restore optimizer from step %d: %w", ckpt.Step, err)
		}
		startEpoch, skip = ckpt.Epoch, ckpt.Batch
		r.step = ckpt.Step
		r.bestLoss = ckpt.BestLoss
		log.Info("resumed from checkpoint", "step", ckpt.Step, "epoch", ckpt.Epoch, "batch", ckpt.Batch)
	}

	train, err := ds.Split(dataset.Train)
	if err != nil {
		return phaseResult{}, err
	}
	if len(train) == 0 {
		return phaseResult{}, fmt.Errorf("%w: %s/%s", dataset.ErrEmptySplit, ds.Name(), dataset.Train)
	}
	loader := dataset.NewLoader(train, training.BatchSize, t.sampler(r.dc))

	log.Info("phase started",
		"params", arch.ParamCount(),
		"examples", loader.Examples(),
		"batches", loader.Len(),
		"epochs", training.Epochs,
	)
	if t.steps.Summary {
		log.Info("model summary\n" + arch.Summary())
	}

	result := phaseResult{metrics: Metrics{}, params: params}
	var flat []float64
	for epoch := startEpoch; epoch < training.Epochs; epoch++ {
		for bi, batch := range loader.Epoch(epoch) {
			if epoch == startEpoch && bi < skip {
				continue
			}
			if err := ctx.Err(); err != nil {
				return phaseResult{}, err
			}

			params.ZeroGrad()
			logits := arch.Forward(batch.Inputs)
			loss, dLogits := lossFn(logits, batch, true)
			arch.Backward(dLogits)
			if r.group.WorldSize() > 1 {
				flat = params.Grads(flat)
				if err := r.group.AllReduceMean(flat); err != nil {
					return phaseResult{}, err
				}
				params.SetGrads(flat)
			}
			opt.Step()
			r.step++

			logStep := r.step%t.steps.Log == 0
			saveStep := r.step >= t.steps.Warmup && r.step%t.steps.Save == 0
			evalStep := r.step >= t.steps.Warmup && r.step%t.steps.Eval == 0
			if !logStep && !saveStep && !evalStep {
				continue
			}
			if r.dc.Coordinator() {
				m, err := t.report(r, log, phase, ds, arch, opt, params, loss, reportAt{
					epoch: epoch, batch: bi, epochs: training.Epochs, batches: loader.Len(),
					log: logStep, save: saveStep, eval: evalStep,
				})
				if err != nil {
					return phaseResult{}, err
				}
				if m != nil {
					result.metrics = m
				}
			}
			// Workers wait here while the coordinator logs, saves or evaluates.
			if err := r.group.Barrier(); err != nil {
				return phaseResult{}, err
			}
		}
	}
	return result, nil
}

// reportAt locates a step for report.
type reportAt struct {
	epoch, batch, epochs, batches int
	log, save, eval               bool
}

// report does the coordinator-only work of one step. It returns the test
// metrics when the step evaluated.
func (t *Trainer) report(r *run, log logger.Logger, phase dataset.Phase, ds dataset.Dataset, arch model.Architecture, opt *optim.Adam, params model.ParamSet, loss float64, at reportAt) (Metrics, error) {
	training := t.cfg.Training
	if at.log {
		if err := r.writer.AddScalar(t.id.Tag(phase, MetricLoss), loss, r.step); err != nil {
			return nil, err
		}
		r.bestLoss = min(r.bestLoss, loss)
		log.Info(fmt.Sprintf("%s Epoch [%d/%d], Step [%d/%d], Loss: %.4f",
			phase, at.epoch+1, at.epochs, r.step, at.batches, loss))
	}
	if at.save {
		path, err := r.store.Save(&checkpoint.Checkpoint{
			Epoch:             at.epoch,
			Batch:             at.batch + 1,
			Step:              r.step,
			Model:             params.StateDict(),
			Optimizer:         opt.State(),
			BestLoss:          r.bestLoss,
			DuringPretraining: phase == dataset.Autoregressive,
		})
		if err != nil {
			return nil, err
		}
		log.Debug("saved checkpoint", "path", path)
	}
	if !at.eval {
		return nil, nil
	}
	m, err := Evaluate(arch, ds, dataset.Test, training.BatchSize)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{MetricTestLoss, MetricTestAccuracy} {
		if err := r.writer.AddScalar(t.id.Tag(phase, key), m[key], r.step); err != nil {
			return nil, err
		}
	}
	log.Info("Test Metrics", slog.Float64(MetricTestLoss, m[MetricTestLoss]), slog.Float64(MetricTestAccuracy, m[MetricTestAccuracy]))
	return m, nil
}

// sampler shards the training split for rank dc.Rank. The ddp section only
// applies to distributed runs; a single process always shuffles and keeps
// the last partial batch.
func (t *Trainer) sampler(dc dist.Config) dataset.Sampler {
	s := dataset.Sampler{
		Rank:      dc.Rank,
		WorldSize: dc.WorldSize,
		Shuffle:   true,
		Seed:      t.cfg.Training.Seed,
	}
	if !dc.Distributed() {
		return s
	}
	if t.cfg.DDP.Shuffle != nil {
		s.Shuffle = *t.cfg.DDP.Shuffle
	}
	s.DropLast = t.cfg.DDP.DropLast
	return s
}

// setupLogging tees the base logger into the run's log file and dumps the
// experiment config next to it.
func (t *Trainer) setupLogging(base logger.Logger) (logger.Logger, error) {
	dir := t.logDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	log := logger.Tee(base.Handler(), logger.NewFileHandler(filepath.Join(dir, t.id.RunID+".log"), slog.LevelInfo))

	data, err := json.MarshalIndent(t.cfg.Raw(), "", "    ")
	if err != nil {
		return nil, fmt.Errorf("encode config dump: %w", err)
	}
	dump := filepath.Join(dir, "config_"+t.now().Format(RunIDFormat)+".json")
	if err := os.WriteFile(dump, data, 0o644); err != nil {
		return nil, fmt.Errorf("write config dump: %w", err)
	}
	return log, nil
}

func (t *Trainer) openWriter() (metrics.Writer, error) {
	if t.writer != nil {
		return t.writer, nil
	}
	w, err := metrics.NewEventWriter(filepath.Join(t.roots.Metrics, filepath.FromSlash(t.id.RelativePath())))
	if err != nil {
		return nil, err
	}
	return w, nil
}
