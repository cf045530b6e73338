package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/samcharles93/s4train/internal/config"
	"github.com/samcharles93/s4train/internal/dist"
	"github.com/samcharles93/s4train/internal/logger"
	"github.com/samcharles93/s4train/internal/trainer"
	"github.com/urfave/cli/v3"
)

// resolveSteps layers explicitly set step flags over the config's cadence.
func resolveSteps(c *cli.Command, exp *config.Experiment, o stepOverrides) trainer.Steps {
	s := trainer.ResolveSteps(exp.Steps)
	if c.IsSet("log-step") {
		s.Log = o.log
	}
	if c.IsSet("save-step") {
		s.Save = o.save
	}
	if c.IsSet("eval-step") {
		s.Eval = o.eval
	}
	if c.IsSet("warmup-steps") {
		s.Warmup = o.warmup
	}
	if c.IsSet("print-graph") {
		s.Summary = o.summary
	}
	return s
}

func trainCmd() *cli.Command {
	var (
		configName string
		arch       string
		pretrain   string
		finetune   string
		runID      string
		steps      stepOverrides
		dopts      distOptions
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "experiment config name (<configs-dir>/<name>.yaml)",
			Required:    true,
			Destination: &configName,
		},
		&cli.StringFlag{
			Name:        "arch",
			Usage:       "architecture (defaults to the first in the config)",
			Destination: &arch,
		},
		&cli.StringFlag{
			Name:        "pretrain",
			Usage:       "pretraining dataset, or none (defaults to the first in the config)",
			Destination: &pretrain,
		},
		&cli.StringFlag{
			Name:        "finetune",
			Usage:       "fine-tuning dataset (defaults to the first in the config)",
			Destination: &finetune,
		},
		&cli.StringFlag{
			Name:        "run-id",
			Usage:       "run identifier; reuse one to resume (defaults to the start time)",
			Destination: &runID,
		},
	}
	flags = append(flags, pathFlags()...)
	flags = append(flags, stepFlags(&steps)...)
	flags = append(flags, distFlags(&dopts)...)

	return &cli.Command{
		Name:  "train",
		Usage: "Pretrain (optionally) and fine-tune one combination",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyPathConfig(cmd, cfg)
			applyDistConfig(cmd, cfg, &dopts)
			p := resolvePaths(configsDir, dataDir, outDir)

			exp, err := config.Load(p.Configs, configName)
			if err != nil {
				return err
			}
			sel, err := resolveSelection(exp, arch, pretrain, finetune, cmd.IsSet("pretrain"))
			if err != nil {
				return err
			}
			st := resolveSteps(cmd, exp, steps)
			if runID == "" {
				if dopts.worldSize > 1 {
					return errors.New("--run-id is required when ranks run in separate processes")
				}
				runID = trainer.NewRunID(time.Now())
			}

			result, err := launch(ctx, dopts, func(ctx context.Context, dc dist.Config) (trainer.Metrics, error) {
				tr, err := trainer.New(trainer.Options{
					Config:   exp,
					Arch:     sel.Arch,
					Pretrain: sel.Pretrain,
					Finetune: sel.Finetune,
					RunID:    runID,
					Roots:    p.roots(),
					Steps:    &st,
					Logger:   log,
				})
				if err != nil {
					return nil, err
				}
				return tr.Run(ctx, dc)
			})
			if err != nil {
				return err
			}
			if dopts.rank != 0 {
				return nil
			}
			for _, k := range slices.Sorted(maps.Keys(result)) {
				fmt.Printf("%-16s %.4f\n", k+":", result[k])
			}
			return nil
		},
	}
}
