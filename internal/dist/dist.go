// Package dist coordinates data-parallel ranks: a rendezvous at the
// coordinator's address and a mean all-reduce over flat gradient vectors.
//
// The topology is a star. Rank 0 listens, every other rank dials it and
// registers. An all-reduce has each worker send its vector to rank 0, which
// sums, divides by the world size and sends the mean back.
package dist

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

var (
	ErrRendezvous = errors.New("dist: rendezvous failed")
	ErrInvalid    = errors.New("dist: invalid configuration")
	ErrMismatch   = errors.New("dist: collective length mismatch")
)

// Config is the explicit distributed-run configuration for one rank.
type Config struct {
	Rank       int
	WorldSize  int
	MasterAddr string
	MasterPort int

	// Timeout bounds the rendezvous. Zero leaves it to the context.
	Timeout time.Duration

	// CollectiveTimeout bounds each AllReduceMean. Zero means no deadline.
	// Barrier never times out.
	CollectiveTimeout time.Duration
}

// Address is the coordinator's host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.MasterAddr, strconv.Itoa(c.MasterPort))
}

// Coordinator reports whether this rank does logging and checkpointing.
func (c Config) Coordinator() bool { return c.Rank == 0 }

// Distributed reports whether more than one rank takes part.
func (c Config) Distributed() bool { return c.WorldSize > 1 }

func (c Config) Validate() error {
	if c.WorldSize < 1 {
		return fmt.Errorf("%w: world size %d", ErrInvalid, c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return fmt.Errorf("%w: rank %d outside world of %d", ErrInvalid, c.Rank, c.WorldSize)
	}
	if c.WorldSize > 1 && (c.MasterPort <= 0 || c.MasterPort > 65535) {
		return fmt.Errorf("%w: master port %d", ErrInvalid, c.MasterPort)
	}
	return nil
}

// Group is a joined set of ranks.
type Group interface {
	Rank() int
	WorldSize() int
	// AllReduceMean replaces buf on every rank with the element-wise mean
	// over ranks. Every rank must pass a buffer of the same length.
	AllReduceMean(buf []float64) error
	// Barrier returns once every rank has reached it. It has no deadline.
	Barrier() error
	Close() error
}

// Join performs the rendezvous for cfg. A world of one returns a local group
// without touching the network.
func Join(ctx context.Context, cfg Config) (Group, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Distributed() {
		return Local(), nil
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if cfg.Coordinator() {
		return listen(ctx, cfg)
	}
	return dial(ctx, cfg)
}

type local struct{}

// Local returns the single-rank group.
func Local() Group { return local{} }

func (local) Rank() int { return 0 }

func (local) WorldSize() int { return 1 }

func (local) AllReduceMean([]float64) error { return nil }

func (local) Barrier() error { return nil }

func (local) Close() error { return nil }
