// Package checkpoint persists training snapshots as step-named safetensors
// files under a run directory and finds the latest one on resume.
package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/samcharles93/s4train/internal/model"
	"github.com/samcharles93/s4train/internal/optim"
	"github.com/samcharles93/s4train/internal/safetensors"
	"github.com/samcharles93/s4train/internal/version"
)

const (
	// Ext is the checkpoint file extension.
	Ext = ".safetensors"

	formatName    = version.Name
	formatVersion = "1"

	modelPrefix     = "model."
	optimizerPrefix = "optimizer."
)

var (
	ErrNotFound = errors.New("checkpoint: not found")
	ErrCorrupt  = errors.New("checkpoint: corrupt file")
)

// Checkpoint is a snapshot sufficient to resume training exactly.
type Checkpoint struct {
	Epoch int
	// Batch is how many batches of Epoch were consumed when the snapshot was
	// taken, so a resume can skip them.
	Batch             int
	Step              int
	Model             model.StateDict
	Optimizer         optim.State
	BestLoss          float64
	DuringPretraining bool
}

// Store reads and writes checkpoints in one run directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string { return s.dir }

// Path returns the file a checkpoint for step is written to.
func (s *Store) Path(step int) string {
	return filepath.Join(s.dir, strconv.Itoa(step)+Ext)
}

// Save writes ckpt as <dir>/<step>.safetensors. The file appears atomically.
func (s *Store) Save(ckpt *Checkpoint) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}
	path := s.Path(ckpt.Step)
	tmp, err := os.CreateTemp(s.dir, ".ckpt-*")
	if err != nil {
		return "", fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := safetensors.Write(tmp, tensorsOf(ckpt), metadataOf(ckpt)); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write checkpoint %d: %w", ckpt.Step, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sync checkpoint %d: %w", ckpt.Step, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("publish checkpoint %d: %w", ckpt.Step, err)
	}
	return path, nil
}

// Steps lists the steps of every checkpoint in the directory, ascending.
// A missing directory yields no steps and no error. Files whose name is not
// an integer step are ignored.
func (s *Store) Steps() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var steps []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		stem, ok := strings.CutSuffix(e.Name(), Ext)
		if !ok {
			continue
		}
		step, err := strconv.Atoi(stem)
		if err != nil || step < 0 {
			continue
		}
		steps = append(steps, step)
	}
	sort.Ints(steps)
	return steps, nil
}

// LoadLatest returns the checkpoint with the highest step, or nil when the
// directory is absent or holds no checkpoints.
func (s *Store) LoadLatest() (*Checkpoint, error) {
	steps, err := s.Steps()
	if err != nil || len(steps) == 0 {
		return nil, err
	}
	return Load(s.Path(steps[len(steps)-1]))
}

// Load reads one checkpoint file. A missing file is ErrNotFound.
func Load(path string) (*Checkpoint, error) {
	f, err := safetensors.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
	}
	if f.Metadata["format"] != formatName {
		return nil, fmt.Errorf("%w: %s: format %q", ErrCorrupt, path, f.Metadata["format"])
	}

	ckpt := &Checkpoint{
		Model:     make(model.StateDict),
		Optimizer: optim.State{Buffers: make(model.StateDict)},
	}
	var errs []error
	intField := func(key string) int {
		v, err := strconv.Atoi(f.Metadata[key])
		if err != nil {
			errs = append(errs, fmt.Errorf("metadata %s: %w", key, err))
		}
		return v
	}
	ckpt.Epoch = intField("epoch")
	if _, ok := f.Metadata["batch"]; ok {
		ckpt.Batch = intField("batch")
	}
	ckpt.Step = intField("step")
	ckpt.Optimizer.Step = intField("optimizer.step")
	ckpt.BestLoss, err = parseLoss(f.Metadata["best_loss"])
	if err != nil {
		errs = append(errs, fmt.Errorf("metadata best_loss: %w", err))
	}
	ckpt.DuringPretraining, err = strconv.ParseBool(f.Metadata["during_pretraining"])
	if err != nil {
		errs = append(errs, fmt.Errorf("metadata during_pretraining: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
	}

	for _, name := range f.Names() {
		data, info, err := f.ReadFloat64(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
		}
		t := model.Tensor{Shape: info.Shape, Data: data}
		switch {
		case strings.HasPrefix(name, modelPrefix):
			ckpt.Model[strings.TrimPrefix(name, modelPrefix)] = t
		case strings.HasPrefix(name, optimizerPrefix):
			ckpt.Optimizer.Buffers[strings.TrimPrefix(name, optimizerPrefix)] = t
		}
	}
	return ckpt, nil
}

func tensorsOf(ckpt *Checkpoint) []safetensors.Tensor {
	out := make([]safetensors.Tensor, 0, len(ckpt.Model)+len(ckpt.Optimizer.Buffers))
	appendSorted := func(prefix string, sd model.StateDict) {
		names := make([]string, 0, len(sd))
		for n := range sd {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			out = append(out, safetensors.Tensor{Name: prefix + n, Shape: sd[n].Shape, Data: sd[n].Data})
		}
	}
	appendSorted(modelPrefix, ckpt.Model)
	appendSorted(optimizerPrefix, ckpt.Optimizer.Buffers)
	return out
}

func metadataOf(ckpt *Checkpoint) map[string]string {
	return map[string]string{
		"format":             formatName,
		"version":            formatVersion,
		"producer":           version.String(),
		"epoch":              strconv.Itoa(ckpt.Epoch),
		"batch":              strconv.Itoa(ckpt.Batch),
		"step":               strconv.Itoa(ckpt.Step),
		"optimizer.step":     strconv.Itoa(ckpt.Optimizer.Step),
		"best_loss":          formatLoss(ckpt.BestLoss),
		"during_pretraining": strconv.FormatBool(ckpt.DuringPretraining),
	}
}

// formatLoss keeps +Inf (no loss logged yet) representable in JSON metadata.
func formatLoss(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseLoss(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN(), err
	}
	return v, nil
}
