package trainer

import (
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/samcharles93/s4train/internal/checkpoint"
	"github.com/samcharles93/s4train/internal/config"
	"github.com/samcharles93/s4train/internal/dataset"
	"github.com/samcharles93/s4train/internal/metrics"
)

// RunIDFormat is the layout of generated run ids.
const RunIDFormat = "2006-01-02_15-04-05"

var ErrPretrainCheckpoint = errors.New("trainer: pretraining checkpoint found but no pretrain dataset is configured")

// NewRunID returns the default run id for a run started at t.
func NewRunID(t time.Time) string {
	return t.Format(RunIDFormat)
}

// Identity names one run and fixes its directory layout.
type Identity struct {
	Config   string
	Arch     string
	Pretrain string // empty when the run has no pretraining phase
	Finetune string
	RunID    string
}

// RelativePath is config/arch/[pre_<pretrain>/]finetune/runID, the
// slash-separated suffix shared by the checkpoint, log and metrics
// directories.
func (id Identity) RelativePath() string {
	parts := []string{id.Config, id.Arch}
	if id.Pretrain != "" {
		parts = append(parts, "pre_"+id.Pretrain)
	}
	parts = append(parts, id.Finetune, id.RunID)
	return path.Join(parts...)
}

// Tag is the scalar tag for metric in phase.
func (id Identity) Tag(phase dataset.Phase, metric string) string {
	return metrics.Tag(id.RelativePath(), id.RunID, string(phase), metric)
}

// PhasePlan is the ordered list of phases a run executes: either
// classification alone, or autoregressive pretraining then classification.
type PhasePlan struct {
	pretrain bool
}

func FinetuneOnly() PhasePlan { return PhasePlan{} }

func PretrainThenFinetune() PhasePlan { return PhasePlan{pretrain: true} }

// Pretrains reports whether the plan starts with a pretraining phase.
func (p PhasePlan) Pretrains() bool { return p.pretrain }

func (p PhasePlan) Phases() []dataset.Phase {
	if p.pretrain {
		return []dataset.Phase{dataset.Autoregressive, dataset.Classification}
	}
	return []dataset.Phase{dataset.Classification}
}

func (p PhasePlan) String() string {
	if p.pretrain {
		return "pretrain+finetune"
	}
	return "finetune"
}

// Plan decides the phases from the configured pretrain dataset and the
// checkpoint loaded at start, if any. A pretraining checkpoint resumes
// pretraining; a classification checkpoint resumes classification and skips
// pretraining even when a pretrain dataset is configured.
func Plan(pretrain string, ckpt *checkpoint.Checkpoint) (PhasePlan, error) {
	switch {
	case ckpt != nil && ckpt.DuringPretraining:
		if pretrain == "" {
			return PhasePlan{}, ErrPretrainCheckpoint
		}
		return PretrainThenFinetune(), nil
	case ckpt != nil:
		return FinetuneOnly(), nil
	case pretrain != "":
		return PretrainThenFinetune(), nil
	default:
		return FinetuneOnly(), nil
	}
}

// Steps is the trainer's step cadence. Logging happens every Log steps;
// saving and evaluation happen every Save and Eval steps once the global
// step reaches Warmup.
type Steps struct {
	Log     int
	Save    int
	Eval    int
	Warmup  int
	Summary bool
}

func DefaultSteps() Steps {
	return Steps{Log: 10, Save: 500, Eval: 500, Warmup: 1000}
}

// ResolveSteps applies the experiment's `steps` overrides to the defaults.
func ResolveSteps(over config.Steps) Steps {
	s := DefaultSteps()
	if over.Log != nil {
		s.Log = *over.Log
	}
	if over.Save != nil {
		s.Save = *over.Save
	}
	if over.Eval != nil {
		s.Eval = *over.Eval
	}
	if over.Warmup != nil {
		s.Warmup = *over.Warmup
	}
	s.Summary = over.Summary
	return s
}

func (s Steps) validate() error {
	if s.Log <= 0 || s.Save <= 0 || s.Eval <= 0 {
		return fmt.Errorf("trainer: log, save and eval steps must be positive, got %d, %d, %d", s.Log, s.Save, s.Eval)
	}
	if s.Warmup < 0 {
		return fmt.Errorf("trainer: warmup steps must not be negative, got %d", s.Warmup)
	}
	return nil
}
