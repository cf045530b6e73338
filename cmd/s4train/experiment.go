package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/samcharles93/s4train/internal/config"
	"github.com/samcharles93/s4train/internal/dist"
	"github.com/samcharles93/s4train/internal/experiment"
	"github.com/samcharles93/s4train/internal/logger"
	"github.com/samcharles93/s4train/internal/trainer"
	"github.com/urfave/cli/v3"
)

func experimentCmd() *cli.Command {
	var (
		configName string
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
			Name:        "run-id",
			Usage:       "run identifier shared by every combination",
			Destination: &runID,
		},
	}
	flags = append(flags, pathFlags()...)
	flags = append(flags, stepFlags(&steps)...)
	flags = append(flags, distFlags(&dopts)...)

	return &cli.Command{
		Name:  "experiment",
		Usage: "Run every architecture × pretrain × finetune combination and print a results table",
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
			st := resolveSteps(cmd, exp, steps)
			if runID == "" {
				if dopts.worldSize > 1 {
					return errors.New("--run-id is required when ranks run in separate processes")
				}
				runID = trainer.NewRunID(time.Now())
			}
			log.Info("starting experiment", "config", exp.Name, "combinations", len(experiment.Combos(exp)))

			results, err := launch(ctx, dopts, func(ctx context.Context, dc dist.Config) ([]experiment.Result, error) {
				r := &experiment.Runner{
					Config: exp,
					Roots:  p.roots(),
					RunID:  runID,
					Steps:  &st,
					Logger: log,
				}
				return r.Run(ctx, dc)
			})
			if dopts.rank == 0 && len(results) > 0 {
				if werr := experiment.WriteTable(os.Stdout, results); werr != nil && err == nil {
					err = werr
				}
			}
			return err
		},
	}
}
