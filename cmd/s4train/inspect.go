package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/samcharles93/s4train/internal/checkpoint"
	"github.com/urfave/cli/v3"
)

func inspectCmd() *cli.Command {
	var showTensors bool

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Describe a checkpoint, or the latest checkpoint of a run directory",
		ArgsUsage: "<checkpoint file | run directory>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "tensors",
				Aliases:     []string{"t"},
				Usage:       "list every model and optimizer tensor",
				Destination: &showTensors,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			file, steps, err := resolveCheckpointTarget(cmd.Args().First())
			if err != nil {
				return err
			}
			ckpt, err := checkpoint.Load(file)
			if err != nil {
				return err
			}
			var size uint64
			if st, err := os.Stat(file); err == nil {
				size = uint64(st.Size())
			}
			describeCheckpoint(os.Stdout, file, size, ckpt, steps, showTensors)
			return nil
		},
	}
}

func describeCheckpoint(w io.Writer, file string, size uint64, ckpt *checkpoint.Checkpoint, steps []int, showTensors bool) {
	row := func(label, value string) {
		_, _ = fmt.Fprintf(w, "%-20s %s\n", label+":", value)
	}

	row("File", fmt.Sprintf("%s (%s)", filepath.Base(file), formatBytes(size)))
	if len(steps) > 0 {
		list := make([]string, len(steps))
		for i, s := range steps {
			list[i] = strconv.Itoa(s)
		}
		row("Checkpoints", strings.Join(list, ", "))
	}
	phase := "CLASSIFICATION"
	if ckpt.DuringPretraining {
		phase = "AUTOREGRESSIVE"
	}
	row("Phase", phase)
	row("Step", strconv.Itoa(ckpt.Step))
	row("Epoch", strconv.Itoa(ckpt.Epoch))
	row("Batch", strconv.Itoa(ckpt.Batch))
	row("Best loss", strconv.FormatFloat(ckpt.BestLoss, 'g', 6, 64))
	row("Optimizer step", strconv.Itoa(ckpt.Optimizer.Step))

	params := 0
	for _, t := range ckpt.Model {
		params += len(t.Data)
	}
	row("Parameters", fmt.Sprintf("%d in %d tensors", params, len(ckpt.Model)))

	if !showTensors {
		return
	}
	_, _ = fmt.Fprintln(w)
	for _, name := range slices.Sorted(maps.Keys(ckpt.Model)) {
		_, _ = fmt.Fprintf(w, "%-40s %v\n", name, ckpt.Model[name].Shape)
	}
	for _, name := range slices.Sorted(maps.Keys(ckpt.Optimizer.Buffers)) {
		_, _ = fmt.Fprintf(w, "%-40s %v\n", "optimizer."+name, ckpt.Optimizer.Buffers[name].Shape)
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
