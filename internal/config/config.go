// Package config resolves a named experiment configuration file into an
// immutable Experiment value.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownConfig = errors.New("config: unknown experiment config")
	ErrInvalidConfig = errors.New("config: invalid experiment config")
	ErrNoSection     = errors.New("config: section not found")
)

// Training holds the `training` section.
type Training struct {
	Seed         int64   `yaml:"seed" json:"seed"`
	BatchSize    int     `yaml:"batch_size" json:"batch_size"`
	Epochs       int     `yaml:"epochs" json:"epochs"`
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
}

// Steps holds optional overrides of the trainer's step cadence. Nil means
// "keep the trainer default".
type Steps struct {
	Log     *int `yaml:"log_step"`
	Save    *int `yaml:"save_step"`
	Eval    *int `yaml:"eval_step"`
	Warmup  *int `yaml:"warmup_steps"`
	Summary bool `yaml:"print_graph"`
}

// DDP controls how the training split is sharded across ranks.
type DDP struct {
	Shuffle  *bool `yaml:"shuffle"`
	DropLast bool  `yaml:"drop_last"`
}

// Experiment is a loaded configuration. It is never mutated after Load.
type Experiment struct {
	Name             string
	Architectures    []string `yaml:"architectures"`
	PretrainDatasets []string `yaml:"pretrain_datasets"`
	FinetuneDatasets []string `yaml:"finetune_datasets"`
	Training         Training `yaml:"training"`
	Steps            Steps    `yaml:"steps"`
	DDP              DDP      `yaml:"ddp"`

	sections map[string]yaml.Node
	raw      map[string]any
}

// Path returns the file Load would read for name, preferring .yaml over .yml.
func Path(dir, name string) string {
	for _, ext := range []string{".yaml", ".yml"} {
		p := filepath.Join(dir, name+ext)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, name+".yaml")
}

// Load reads <dir>/<name>.yaml.
func Load(dir, name string) (*Experiment, error) {
	path := Path(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (looked in %s)", ErrUnknownConfig, name, dir)
		}
		return nil, err
	}
	exp, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	exp.Name = name
	return exp, nil
}

// Parse decodes and validates a YAML experiment document.
func Parse(data []byte) (*Experiment, error) {
	var exp Experiment
	if err := yaml.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := yaml.Unmarshal(data, &exp.sections); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := yaml.Unmarshal(data, &exp.raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for i, ds := range exp.PretrainDatasets {
		if strings.EqualFold(strings.TrimSpace(ds), "none") {
			exp.PretrainDatasets[i] = ""
		}
	}
	if len(exp.PretrainDatasets) == 0 {
		exp.PretrainDatasets = []string{""}
	}
	if err := exp.validate(); err != nil {
		return nil, err
	}
	return &exp, nil
}

func (e *Experiment) validate() error {
	var errs []error
	if len(e.Architectures) == 0 {
		errs = append(errs, errors.New("architectures is empty"))
	}
	if len(e.FinetuneDatasets) == 0 {
		errs = append(errs, errors.New("finetune_datasets is empty"))
	}
	if e.Training.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("training.batch_size must be positive, got %d", e.Training.BatchSize))
	}
	if e.Training.Epochs < 0 {
		errs = append(errs, fmt.Errorf("training.epochs must not be negative, got %d", e.Training.Epochs))
	}
	if e.Training.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("training.learning_rate must be positive, got %g", e.Training.LearningRate))
	}
	for _, p := range []struct {
		name string
		v    *int
	}{{"log_step", e.Steps.Log}, {"save_step", e.Steps.Save}, {"eval_step", e.Steps.Eval}} {
		if p.v != nil && *p.v <= 0 {
			errs = append(errs, fmt.Errorf("steps.%s must be positive, got %d", p.name, *p.v))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// HasSection reports whether the document has a top-level key name.
func (e *Experiment) HasSection(name string) bool {
	_, ok := e.sections[name]
	return ok
}

// Decode decodes the top-level section name into out.
func (e *Experiment) Decode(name string, out any) error {
	node, ok := e.sections[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSection, name)
	}
	if err := node.Decode(out); err != nil {
		return fmt.Errorf("%w: section %s: %v", ErrInvalidConfig, name, err)
	}
	return nil
}

// Raw returns the whole document as a generic mapping, for dumping.
func (e *Experiment) Raw() map[string]any {
	return e.raw
}
