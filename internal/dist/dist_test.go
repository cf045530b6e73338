package dist

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

// joinAll starts world ranks concurrently and returns their groups by rank.
func joinAll(t *testing.T, world int) []Group {
	t.Helper()
	return joinWith(t, world, 0)
}

func joinWith(t *testing.T, world int, collective time.Duration) []Group {
	t.Helper()
	port := freePort(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	groups := make([]Group, world)
	errs := make([]error, world)
	var wg sync.WaitGroup
	for rank := range world {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg := Config{Rank: rank, WorldSize: world, MasterAddr: "127.0.0.1", MasterPort: port, Timeout: 5 * time.Second, CollectiveTimeout: collective}
			groups[rank], errs[rank] = Join(ctx, cfg)
		}()
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d join: %v", rank, err)
		}
	}
	t.Cleanup(func() {
		for _, g := range groups {
			_ = g.Close()
		}
	})
	return groups
}

func TestAllReduceMean(t *testing.T) {
	t.Parallel()
	const world = 3
	groups := joinAll(t, world)

	results := make([][]float64, world)
	errs := make([]error, world)
	var wg sync.WaitGroup
	for rank, g := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := []float64{float64(rank), float64(rank * 10), -1}
			for range 3 {
				if errs[rank] = g.AllReduceMean(buf); errs[rank] != nil {
					return
				}
			}
			errs[rank] = g.Barrier()
			results[rank] = buf
		}()
	}
	wg.Wait()

	want := []float64{1, 10, -1}
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
		for i, v := range results[rank] {
			if v != want[i] {
				t.Fatalf("rank %d got %v, want %v", rank, results[rank], want)
			}
		}
		if groups[rank].Rank() != rank || groups[rank].WorldSize() != world {
			t.Fatalf("rank %d reports rank %d world %d", rank, groups[rank].Rank(), groups[rank].WorldSize())
		}
	}
}

func TestAllReduceLengthMismatch(t *testing.T) {
	t.Parallel()
	groups := joinAll(t, 2)

	var wg sync.WaitGroup
	var coordErr, workerErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		coordErr = groups[0].AllReduceMean(make([]float64, 3))
	}()
	go func() {
		defer wg.Done()
		workerErr = groups[1].AllReduceMean(make([]float64, 2))
	}()
	wg.Wait()

	if !errors.Is(coordErr, ErrMismatch) {
		t.Fatalf("expected ErrMismatch on the coordinator, got %v", coordErr)
	}
	if workerErr == nil {
		t.Fatal("expected the worker to fail once the coordinator drops it")
	}
}

func TestCollectiveTimeout(t *testing.T) {
	t.Parallel()
	const collective = 100 * time.Millisecond

	t.Run("barrier waits past it", func(t *testing.T) {
		t.Parallel()
		groups := joinWith(t, 2, collective)
		done := make(chan error, 1)
		go func() { done <- groups[1].Barrier() }()
		time.Sleep(4 * collective)
		if err := groups[0].Barrier(); err != nil {
			t.Fatalf("coordinator barrier: %v", err)
		}
		if err := <-done; err != nil {
			t.Fatalf("worker barrier: %v", err)
		}
		buf := []float64{2}
		errs := make(chan error, 1)
		go func() { errs <- groups[1].AllReduceMean([]float64{4}) }()
		if err := groups[0].AllReduceMean(buf); err != nil || buf[0] != 3 {
			t.Fatalf("all-reduce after barrier: %v %v", buf, err)
		}
		if err := <-errs; err != nil {
			t.Fatalf("worker all-reduce: %v", err)
		}
	})

	t.Run("all-reduce gives up", func(t *testing.T) {
		t.Parallel()
		groups := joinWith(t, 2, collective)
		err := groups[1].AllReduceMean([]float64{1})
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			t.Fatalf("expected a timeout, got %v", err)
		}
	})
}

func TestBarrierReportsDepartedRank(t *testing.T) {
	t.Parallel()
	groups := joinAll(t, 2)
	if err := groups[1].Close(); err != nil {
		t.Fatalf("close worker: %v", err)
	}
	if err := groups[0].Barrier(); err == nil {
		t.Fatal("expected the coordinator's barrier to fail once a rank left")
	}
}

func TestJoinSingleRankIsLocal(t *testing.T) {
	t.Parallel()
	g, err := Join(context.Background(), Config{WorldSize: 1})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	buf := []float64{4}
	if err := g.AllReduceMean(buf); err != nil || buf[0] != 4 {
		t.Fatalf("local all-reduce changed %v (%v)", buf, err)
	}
	if g.WorldSize() != 1 || g.Rank() != 0 {
		t.Fatal("unexpected local group identity")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	bad := []Config{
		{WorldSize: 0},
		{Rank: 2, WorldSize: 2, MasterPort: 29500},
		{Rank: -1, WorldSize: 2, MasterPort: 29500},
		{Rank: 0, WorldSize: 2, MasterPort: 0},
	}
	for _, cfg := range bad {
		if _, err := Join(context.Background(), cfg); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%+v: expected ErrInvalid, got %v", cfg, err)
		}
	}
}

func TestWorkerRejectedOnWorldMismatch(t *testing.T) {
	t.Parallel()
	port := freePort(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	coordDone := make(chan error, 1)
	go func() {
		_, err := Join(ctx, Config{Rank: 0, WorldSize: 3, MasterAddr: "127.0.0.1", MasterPort: port})
		coordDone <- err
	}()

	_, err := Join(ctx, Config{Rank: 1, WorldSize: 2, MasterAddr: "127.0.0.1", MasterPort: port})
	if !errors.Is(err, ErrRendezvous) {
		t.Fatalf("expected ErrRendezvous, got %v", err)
	}
	cancel()
	if err := <-coordDone; !errors.Is(err, ErrRendezvous) {
		t.Fatalf("expected the coordinator to give up with ErrRendezvous, got %v", err)
	}
}

func TestDialTimesOutWithoutCoordinator(t *testing.T) {
	t.Parallel()
	cfg := Config{Rank: 1, WorldSize: 2, MasterAddr: "127.0.0.1", MasterPort: freePort(t), Timeout: 300 * time.Millisecond}
	start := time.Now()
	_, err := Join(context.Background(), cfg)
	if !errors.Is(err, ErrRendezvous) {
		t.Fatalf("expected ErrRendezvous, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("dial retry did not honour the timeout")
	}
}
