package dist

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const retryInterval = 100 * time.Millisecond

// hello is the registration a worker sends after connecting.
type hello struct {
	Rank      int `json:"rank"`
	WorldSize int `json:"world_size"`
}

type welcome struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type peer struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	// scratch holds one encoded frame.
	scratch []byte
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
}

func (p *peer) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := p.w.Write(b); err != nil {
		return err
	}
	return p.w.Flush()
}

func (p *peer) readJSON(v any) error {
	line, err := p.r.ReadBytes('\n')
	if err != nil {
		return err
	}
	return json.Unmarshal(line, v)
}

// writeFrame sends len(values) as a little-endian uint64 followed by the
// values as little-endian float64 bits.
func (p *peer) writeFrame(values []float64) error {
	b := p.scratch[:0]
	b = binary.LittleEndian.AppendUint64(b, uint64(len(values)))
	for _, v := range values {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
	}
	p.scratch = b
	if _, err := p.w.Write(b); err != nil {
		return err
	}
	return p.w.Flush()
}

// readFrame reads a frame into dst, which must have the sender's length.
func (p *peer) readFrame(dst []float64) error {
	var head [8]byte
	if _, err := io.ReadFull(p.r, head[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint64(head[:])
	if n != uint64(len(dst)) {
		return fmt.Errorf("%w: got %d values, want %d", ErrMismatch, n, len(dst))
	}
	if cap(p.scratch) < 8*len(dst) {
		p.scratch = make([]byte, 8*len(dst))
	}
	b := p.scratch[:8*len(dst)]
	if _, err := io.ReadFull(p.r, b); err != nil {
		return err
	}
	for i := range dst {
		dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return nil
}

// star is a Group over TCP. On rank 0 peers is indexed by rank with
// peers[0] unused; on other ranks peers holds only the coordinator.
type star struct {
	rank, world int
	timeout     time.Duration
	peers       []*peer

	mu     sync.Mutex
	recv   []float64
	closed bool
}

func (g *star) Rank() int { return g.rank }

func (g *star) WorldSize() int { return g.world }

func (g *star) deadline(timeout time.Duration) {
	var t time.Time
	if timeout > 0 {
		t = time.Now().Add(timeout)
	}
	for _, p := range g.peers {
		if p != nil {
			_ = p.conn.SetDeadline(t)
		}
	}
}

func (g *star) AllReduceMean(buf []float64) error {
	return g.reduce(buf, g.timeout)
}

// Barrier waits without a deadline: ranks may reach it while the
// coordinator is still evaluating or saving.
func (g *star) Barrier() error {
	return g.reduce(nil, 0)
}

func (g *star) reduce(buf []float64, timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return net.ErrClosed
	}
	g.deadline(timeout)

	if g.rank != 0 {
		coord := g.peers[0]
		if err := coord.writeFrame(buf); err != nil {
			return fmt.Errorf("dist: rank %d send: %w", g.rank, err)
		}
		if err := coord.readFrame(buf); err != nil {
			return fmt.Errorf("dist: rank %d receive: %w", g.rank, err)
		}
		return nil
	}

	if cap(g.recv) < len(buf) {
		g.recv = make([]float64, len(buf))
	}
	recv := g.recv[:len(buf)]
	for r := 1; r < g.world; r++ {
		if err := g.peers[r].readFrame(recv); err != nil {
			// Dropping the connections unblocks workers waiting on the mean.
			g.closeLocked()
			return fmt.Errorf("dist: receive from rank %d: %w", r, err)
		}
		for i, v := range recv {
			buf[i] += v
		}
	}
	inv := 1 / float64(g.world)
	for i := range buf {
		buf[i] *= inv
	}
	for r := 1; r < g.world; r++ {
		if err := g.peers[r].writeFrame(buf); err != nil {
			g.closeLocked()
			return fmt.Errorf("dist: send to rank %d: %w", r, err)
		}
	}
	return nil
}

func (g *star) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closeLocked()
}

func (g *star) closeLocked() error {
	if g.closed {
		return nil
	}
	g.closed = true
	var errs []error
	for _, p := range g.peers {
		if p != nil {
			errs = append(errs, p.conn.Close())
		}
	}
	return errors.Join(errs...)
}

func listen(ctx context.Context, cfg Config) (Group, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %s: %w", ErrRendezvous, cfg.Address(), err)
	}
	defer func() { _ = ln.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	g := &star{rank: 0, world: cfg.WorldSize, timeout: cfg.CollectiveTimeout, peers: make([]*peer, cfg.WorldSize)}
	for joined := 1; joined < cfg.WorldSize; {
		conn, err := ln.Accept()
		if err != nil {
			_ = g.Close()
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return nil, fmt.Errorf("%w: %d of %d ranks joined: %w", ErrRendezvous, joined, cfg.WorldSize, err)
		}
		if dl, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(dl)
		}
		p := newPeer(conn)
		var h hello
		if err := p.readJSON(&h); err != nil {
			_ = conn.Close()
			continue
		}
		if reason := admit(h, cfg.WorldSize, g.peers); reason != "" {
			_ = p.writeJSON(welcome{Error: reason})
			_ = conn.Close()
			continue
		}
		if err := p.writeJSON(welcome{OK: true}); err != nil {
			_ = conn.Close()
			continue
		}
		_ = conn.SetDeadline(time.Time{})
		g.peers[h.Rank] = p
		joined++
	}
	return g, nil
}

func admit(h hello, world int, peers []*peer) string {
	switch {
	case h.WorldSize != world:
		return fmt.Sprintf("world size %d does not match coordinator's %d", h.WorldSize, world)
	case h.Rank <= 0 || h.Rank >= world:
		return fmt.Sprintf("rank %d is not a worker rank", h.Rank)
	case peers[h.Rank] != nil:
		return fmt.Sprintf("rank %d already joined", h.Rank)
	}
	return ""
}

func dial(ctx context.Context, cfg Config) (Group, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", cfg.Address())
		if err == nil {
			return register(ctx, cfg, conn)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: rank %d dial %s: %w", ErrRendezvous, cfg.Rank, cfg.Address(), err)
		case <-time.After(retryInterval):
		}
	}
}

func register(ctx context.Context, cfg Config, conn net.Conn) (Group, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	p := newPeer(conn)
	var w welcome
	err := p.writeJSON(hello{Rank: cfg.Rank, WorldSize: cfg.WorldSize})
	if err == nil {
		err = p.readJSON(&w)
	}
	if err == nil && !w.OK {
		err = errors.New(w.Error)
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: rank %d register: %w", ErrRendezvous, cfg.Rank, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return &star{rank: cfg.Rank, world: cfg.WorldSize, timeout: cfg.CollectiveTimeout, peers: []*peer{p}}, nil
}
