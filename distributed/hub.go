package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas/blas32"
)

type op int

const (
	opBarrier op = iota
	opMean
	opBroadcast
)

func (o op) String() string {
	switch o {
	case opBarrier:
		return "barrier"
	case opMean:
		return "all-reduce"
	case opBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// Hub matches collective calls from every rank into rounds. The leader's
// rendezvous server and in-process groups both run on a Hub.
type Hub struct {
	worldSize int

	mu     sync.Mutex
	rounds map[string]*round
	seq    map[string]uint64 // "{rank}/{op}/{name}" -> calls made
}

type round struct {
	op      op
	arrived map[int]bool
	acc     []float32
	result  []float32
	err     error
	done    chan struct{}
}

// NewHub creates a hub for worldSize ranks
func NewHub(worldSize int) *Hub {
	return &Hub{
		worldSize: worldSize,
		rounds:    make(map[string]*round),
		seq:       make(map[string]uint64),
	}
}

// WorldSize returns the number of ranks the hub waits for
func (h *Hub) WorldSize() int {
	return h.worldSize
}

// enter registers rank's contribution and blocks until the round completes
// or ctx ends. The returned slice is shared; callers copy out of it.
func (h *Hub) enter(ctx context.Context, rank int, o op, name string, data []float32) ([]float32, error) {
	if rank < 0 || rank >= h.worldSize {
		return nil, fmt.Errorf("rank %d out of range for world size %d", rank, h.worldSize)
	}

	h.mu.Lock()
	seqKey := fmt.Sprintf("%d/%d/%s", rank, o, name)
	n := h.seq[seqKey]
	h.seq[seqKey] = n + 1
	key := fmt.Sprintf("%d/%s#%d", o, name, n)

	r := h.rounds[key]
	if r == nil {
		r = &round{op: o, arrived: make(map[int]bool), done: make(chan struct{})}
		h.rounds[key] = r
	}
	r.arrived[rank] = true
	h.contribute(r, rank, data)

	if len(r.arrived) == h.worldSize {
		if r.err == nil && r.op == opMean {
			blas32.Scal(1/float32(h.worldSize), vec(r.acc))
			r.result = r.acc
		}
		delete(h.rounds, key)
		close(r.done)
	}
	h.mu.Unlock()

	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) contribute(r *round, rank int, data []float32) {
	if r.err != nil {
		return
	}
	switch r.op {
	case opMean:
		if r.acc == nil {
			r.acc = append([]float32(nil), data...)
			return
		}
		if len(data) != len(r.acc) {
			r.err = fmt.Errorf("rank %d sent %d values, expected %d", rank, len(data), len(r.acc))
			return
		}
		blas32.Axpy(1, vec(data), vec(r.acc))
	case opBroadcast:
		if rank == 0 {
			r.result = append([]float32(nil), data...)
		}
	}
}

// Pending returns the number of rounds still waiting for ranks
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rounds)
}

// member is a Communicator backed directly by a Hub
type member struct {
	hub     *Hub
	rank    int
	timeout time.Duration
}

// NewLocalGroup returns worldSize communicators sharing one hub, for running
// every rank as a goroutine in one process.
func NewLocalGroup(worldSize int, timeout time.Duration) []Communicator {
	hub := NewHub(worldSize)
	group := make([]Communicator, worldSize)
	for rank := range group {
		group[rank] = &member{hub: hub, rank: rank, timeout: timeout}
	}
	return group
}

func (m *member) Rank() int      { return m.rank }
func (m *member) WorldSize() int { return m.hub.worldSize }
func (m *member) Close() error   { return nil }

func (m *member) Barrier(ctx context.Context, name string) error {
	_, err := m.run(ctx, opBarrier, name, nil)
	return err
}

func (m *member) AllReduceMean(ctx context.Context, key string, data []float32) error {
	result, err := m.run(ctx, opMean, key, data)
	if err != nil {
		return err
	}
	copy(data, result)
	return nil
}

func (m *member) Broadcast(ctx context.Context, key string, data []float32) error {
	result, err := m.run(ctx, opBroadcast, key, data)
	if err != nil {
		return err
	}
	if len(result) != len(data) {
		return errors.Errorf("broadcast %q: leader sent %d values, expected %d", key, len(result), len(data))
	}
	copy(data, result)
	return nil
}

func (m *member) run(ctx context.Context, o op, name string, data []float32) ([]float32, error) {
	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()
	result, err := m.hub.enter(ctx, m.rank, o, name, data)
	if err != nil {
		return nil, collectiveError(err, o.String(), name)
	}
	return result, nil
}

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Data: data, Inc: 1}
}
