package main

import (
	"time"

	"github.com/urfave/cli/v3"
)

const (
	envConfigsDir = "S4TRAIN_CONFIGS_DIR"
	envDataDir    = "S4TRAIN_DATA_DIR"
	envOutDir     = "S4TRAIN_OUT_DIR"
	envMasterAddr = "MASTER_ADDR"
	envMasterPort = "MASTER_PORT"
)

var (
	configsDir string
	dataDir    string
	outDir     string
	logLevel   string
	logFormat  string
	debug      bool
)

func pathFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "configs-dir",
			Usage:       "directory holding experiment configs (<name>.yaml)",
			Sources:     cli.EnvVars(envConfigsDir),
			Destination: &configsDir,
		},
		&cli.StringFlag{
			Name:        "data-dir",
			Usage:       "root for file-backed datasets",
			Sources:     cli.EnvVars(envDataDir),
			Destination: &dataDir,
		},
		&cli.StringFlag{
			Name:        "out-dir",
			Usage:       "root for checkpoints, logs and metrics",
			Sources:     cli.EnvVars(envOutDir),
			Destination: &outDir,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// stepOverrides are the optional --*-step flags. A flag that was not set
// keeps the value from the experiment config.
type stepOverrides struct {
	log, save, eval, warmup int
	summary                 bool
}

func stepFlags(s *stepOverrides) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "log-step",
			Usage:       "log the training loss every N steps",
			Destination: &s.log,
		},
		&cli.IntFlag{
			Name:        "save-step",
			Usage:       "save a checkpoint every N steps after warmup",
			Destination: &s.save,
		},
		&cli.IntFlag{
			Name:        "eval-step",
			Usage:       "evaluate on the test split every N steps after warmup",
			Destination: &s.eval,
		},
		&cli.IntFlag{
			Name:        "warmup-steps",
			Usage:       "steps before saving and evaluation start",
			Destination: &s.warmup,
		},
		&cli.BoolFlag{
			Name:        "print-graph",
			Usage:       "log a model summary at the start of each phase",
			Destination: &s.summary,
		},
	}
}

// distOptions are the rendezvous flags shared by train and experiment.
type distOptions struct {
	nproc      int
	rank       int
	worldSize  int
	masterAddr string
	masterPort int
	timeout    time.Duration
	collective time.Duration
}

func distFlags(d *distOptions) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "nproc",
			Usage:       "run N ranks as goroutines in this process",
			Value:       1,
			Destination: &d.nproc,
		},
		&cli.IntFlag{
			Name:        "rank",
			Usage:       "rank of this process in a multi-process run",
			Destination: &d.rank,
		},
		&cli.IntFlag{
			Name:        "world-size",
			Usage:       "number of processes in a multi-process run",
			Value:       1,
			Destination: &d.worldSize,
		},
		&cli.StringFlag{
			Name:        "master-addr",
			Usage:       "rendezvous address of rank 0",
			Value:       "127.0.0.1",
			Sources:     cli.EnvVars(envMasterAddr),
			Destination: &d.masterAddr,
		},
		&cli.IntFlag{
			Name:        "master-port",
			Usage:       "rendezvous port of rank 0",
			Value:       29500,
			Sources:     cli.EnvVars(envMasterPort),
			Destination: &d.masterPort,
		},
		&cli.DurationFlag{
			Name:        "rendezvous-timeout",
			Usage:       "how long ranks wait for each other to join",
			Value:       2 * time.Minute,
			Destination: &d.timeout,
		},
		&cli.DurationFlag{
			Name:        "collective-timeout",
			Usage:       "deadline for each gradient all-reduce (0 waits forever)",
			Destination: &d.collective,
		},
	}
}
