// Package experiment runs every (architecture, pretrain, finetune)
// combination of an experiment config and collects the final test metrics.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/samcharles93/s4train/internal/config"
	"github.com/samcharles93/s4train/internal/dataset"
	"github.com/samcharles93/s4train/internal/dist"
	"github.com/samcharles93/s4train/internal/logger"
	"github.com/samcharles93/s4train/internal/metrics"
	"github.com/samcharles93/s4train/internal/model"
	"github.com/samcharles93/s4train/internal/trainer"
)

// Combo is one cell of the experiment grid. Pretrain is empty when the
// combination fine-tunes from scratch.
type Combo struct {
	Arch     string
	Pretrain string
	Finetune string
}

// Combos expands the grid in config order: architectures outermost,
// finetune datasets innermost.
func Combos(exp *config.Experiment) []Combo {
	var out []Combo
	for _, arch := range exp.Architectures {
		for _, pre := range exp.PretrainDatasets {
			for _, fin := range exp.FinetuneDatasets {
				out = append(out, Combo{Arch: arch, Pretrain: pre, Finetune: fin})
			}
		}
	}
	return out
}

// Result is the outcome of one combination.
type Result struct {
	Combo
	RunID   string
	Metrics trainer.Metrics
}

// Metric returns the named metric, or NaN when the run produced none.
func (r Result) Metric(name string) float64 {
	if v, ok := r.Metrics[name]; ok {
		return v
	}
	return math.NaN()
}

// Runner drives a Trainer per combination.
type Runner struct {
	Config *config.Experiment
	Roots  trainer.Roots
	// RunID is shared by every combination; it defaults to the start time.
	RunID string
	Steps *trainer.Steps

	Datasets *dataset.Registry
	Models   *model.Registry
	Logger   logger.Logger
	// NewMetrics, when set, supplies the scalar writer for each combination.
	NewMetrics func(Combo) metrics.Writer
	Now        func() time.Time
}

// Run trains the combinations in order and stops at the first failure,
// returning the results gathered so far.
func (r *Runner) Run(ctx context.Context, dc dist.Config) ([]Result, error) {
	if r.Config == nil {
		return nil, errors.New("experiment: missing config")
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}
	runID := r.RunID
	if runID == "" {
		runID = trainer.NewRunID(now())
	}
	log := r.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}

	combos := Combos(r.Config)
	results := make([]Result, 0, len(combos))
	for i, c := range combos {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		log.Info("experiment combination",
			"index", i+1, "total", len(combos),
			"arch", c.Arch, "pretrain", pretrainName(c.Pretrain), "finetune", c.Finetune)

		opts := trainer.Options{
			Config:   r.Config,
			Arch:     c.Arch,
			Pretrain: c.Pretrain,
			Finetune: c.Finetune,
			RunID:    runID,
			Roots:    r.Roots,
			Steps:    r.Steps,
			Datasets: r.Datasets,
			Models:   r.Models,
			Logger:   log,
			Now:      now,
		}
		if r.NewMetrics != nil {
			opts.Metrics = r.NewMetrics(c)
		}
		tr, err := trainer.New(opts)
		if err != nil {
			return results, fmt.Errorf("%s: %w", c, err)
		}
		m, err := tr.Run(ctx, dc)
		if err != nil {
			return results, fmt.Errorf("%s: %w", c, err)
		}
		results = append(results, Result{Combo: c, RunID: runID, Metrics: m})
	}
	return results, nil
}

func (c Combo) String() string {
	return c.Arch + "/" + pretrainName(c.Pretrain) + "/" + c.Finetune
}

func pretrainName(name string) string {
	if name == "" {
		return "none"
	}
	return name
}

// WriteTable renders results as a fixed-width table. Missing metrics print
// as "-".
func WriteTable(w io.Writer, results []Result) error {
	archW, preW, finW := len("Arch"), len("Pretrain"), len("Finetune")
	for _, r := range results {
		archW = max(archW, len(r.Arch))
		preW = max(preW, len(pretrainName(r.Pretrain)))
		finW = max(finW, len(r.Finetune))
	}
	row := fmt.Sprintf("%%-%ds  %%-%ds  %%-%ds  %%10s  %%13s\n", archW, preW, finW)

	if _, err := fmt.Fprintf(w, row, "Arch", "Pretrain", "Finetune", trainer.MetricTestLoss, trainer.MetricTestAccuracy); err != nil {
		return err
	}
	for _, r := range results {
		_, err := fmt.Fprintf(w, row, r.Arch, pretrainName(r.Pretrain), r.Finetune,
			formatMetric(r.Metric(trainer.MetricTestLoss), "%.4f"),
			formatMetric(r.Metric(trainer.MetricTestAccuracy), "%.2f%%"))
		if err != nil {
			return err
		}
	}
	return nil
}

func formatMetric(v float64, format string) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf(format, v)
}
