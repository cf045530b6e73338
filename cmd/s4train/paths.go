package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/samcharles93/s4train/internal/checkpoint"
	"github.com/samcharles93/s4train/internal/config"
	"github.com/samcharles93/s4train/internal/trainer"
)

// paths are the resolved input and output roots.
type paths struct {
	Configs string
	Data    string
	Out     string
}

func resolvePaths(configsFlag, dataFlag, outFlag string) paths {
	pick := func(v, def string) string {
		v = strings.TrimSpace(v)
		if v == "" {
			return def
		}
		return filepath.Clean(v)
	}
	return paths{
		Configs: pick(configsFlag, "configs"),
		Data:    pick(dataFlag, "data"),
		Out:     pick(outFlag, "out"),
	}
}

func (p paths) roots() trainer.Roots {
	return trainer.Roots{
		Checkpoints: filepath.Join(p.Out, "checkpoints"),
		Logs:        filepath.Join(p.Out, "logs"),
		Metrics:     filepath.Join(p.Out, "tensorboard"),
		Data:        p.Data,
	}
}

// selection is the (architecture, pretrain, finetune) combination a train
// command runs.
type selection struct {
	Arch     string
	Pretrain string
	Finetune string
}

// resolveSelection fills unset choices from the first entry of each config
// list and rejects choices the config does not declare. A pretrain value of
// "none" means no pretraining.
func resolveSelection(exp *config.Experiment, arch, pretrain, finetune string, pretrainSet bool) (selection, error) {
	var s selection
	pick := func(kind, v string, declared []string) (string, error) {
		v = strings.TrimSpace(v)
		if v == "" {
			return declared[0], nil
		}
		if !slices.Contains(declared, v) {
			return "", fmt.Errorf("%s %q is not listed in config %q (have %v)", kind, v, exp.Name, declared)
		}
		return v, nil
	}

	var err error
	if s.Arch, err = pick("architecture", arch, exp.Architectures); err != nil {
		return selection{}, err
	}
	if s.Finetune, err = pick("finetune dataset", finetune, exp.FinetuneDatasets); err != nil {
		return selection{}, err
	}
	switch {
	case !pretrainSet:
		s.Pretrain = exp.PretrainDatasets[0]
	case strings.EqualFold(strings.TrimSpace(pretrain), "none"):
		s.Pretrain = ""
	default:
		if s.Pretrain, err = pick("pretrain dataset", pretrain, exp.PretrainDatasets); err != nil {
			return selection{}, err
		}
	}
	return s, nil
}

// resolveCheckpointTarget interprets an inspect argument: a checkpoint file
// is returned as is, and a run directory resolves to its latest checkpoint
// together with every step it holds.
func resolveCheckpointTarget(target string) (file string, steps []int, err error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", nil, errors.New("a checkpoint file or run directory is required")
	}
	st, err := os.Stat(target)
	if err != nil {
		return "", nil, err
	}
	if !st.IsDir() {
		return filepath.Clean(target), nil, nil
	}

	store := checkpoint.NewStore(target)
	steps, err = store.Steps()
	if err != nil {
		return "", nil, err
	}
	if len(steps) == 0 {
		return "", nil, fmt.Errorf("no checkpoints found in %s", target)
	}
	return store.Path(steps[len(steps)-1]), steps, nil
}
