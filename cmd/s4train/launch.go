package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/s4train/internal/dist"
)

func (d distOptions) config() dist.Config {
	return dist.Config{
		Rank:              d.rank,
		WorldSize:         d.worldSize,
		MasterAddr:        d.masterAddr,
		MasterPort:        d.masterPort,
		Timeout:           d.timeout,
		CollectiveTimeout: d.collective,
	}
}

// launch runs fn once for this process's rank, or once per rank on separate
// goroutines when nproc > 1. The coordinating rank's result is returned.
// The first failing rank cancels the others.
func launch[T any](ctx context.Context, d distOptions, fn func(context.Context, dist.Config) (T, error)) (T, error) {
	if d.nproc <= 1 {
		return fn(ctx, d.config())
	}
	if d.worldSize > 1 || d.rank != 0 {
		var zero T
		return zero, errors.New("--nproc cannot be combined with --rank or --world-size")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]T, d.nproc)
	errs := make([]error, d.nproc)
	var wg sync.WaitGroup
	for rank := range d.nproc {
		dc := d.config()
		dc.Rank = rank
		dc.WorldSize = d.nproc
		wg.Go(func() {
			results[rank], errs[rank] = fn(ctx, dc)
			if errs[rank] != nil {
				errs[rank] = fmt.Errorf("rank %d: %w", rank, errs[rank])
				cancel()
			}
		})
	}
	wg.Wait()
	return results[0], errors.Join(errs...)
}
