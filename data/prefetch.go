package data

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// PrefetchLoader reads batches from another Loader on a background
// goroutine and keeps up to Depth of them ready. The inner loader is never
// touched by two goroutines at once.
type PrefetchLoader struct {
	inner Loader
	depth int

	mu       sync.Mutex
	batches  chan prefetched
	cancel   context.CancelFunc
	done     chan struct{}
	produced atomic.Uint64
}

type prefetched struct {
	batch *Batch
	err   error
}

// PrefetchStats describes the prefetch queue
type PrefetchStats struct {
	Running  bool
	Produced uint64 // Batches read from the inner loader since creation
	Queued   int
	Capacity int
}

// NewPrefetchLoader wraps inner; depth <= 0 defaults to 2
func NewPrefetchLoader(inner Loader, depth int) (*PrefetchLoader, error) {
	if inner == nil {
		return nil, fmt.Errorf("prefetch: inner loader cannot be nil")
	}
	if depth <= 0 {
		depth = 2
	}
	return &PrefetchLoader{inner: inner, depth: depth}, nil
}

// Len returns the inner loader's batch count
func (p *PrefetchLoader) Len() int {
	return p.inner.Len()
}

// SetEpoch stops prefetching and forwards epoch to the inner loader when it
// shuffles per epoch.
func (p *PrefetchLoader) SetEpoch(epoch int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop()
	if s, ok := p.inner.(interface{ SetEpoch(int) }); ok {
		s.SetEpoch(epoch)
	}
}

// Reset discards queued batches, resets the inner loader and starts reading
// the new pass.
func (p *PrefetchLoader) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop()
	p.inner.Reset()
	p.start()
}

// Next returns the next prefetched batch, or nil at the end of the pass
func (p *PrefetchLoader) Next() (*Batch, error) {
	p.mu.Lock()
	if p.batches == nil {
		p.start()
	}
	batches := p.batches
	p.mu.Unlock()

	r, ok := <-batches
	if !ok {
		return nil, nil
	}
	return r.batch, r.err
}

// Close stops the background reader
func (p *PrefetchLoader) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop()
	return nil
}

// Stats returns a snapshot of the queue
func (p *PrefetchLoader) Stats() PrefetchStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PrefetchStats{Produced: p.produced.Load(), Capacity: p.depth}
	if p.batches != nil {
		s.Queued = len(p.batches)
		select {
		case <-p.done:
		default:
			s.Running = true
		}
	}
	return s
}

// start must be called with mu held
func (p *PrefetchLoader) start() {
	ctx, cancel := context.WithCancel(context.Background())
	batches := make(chan prefetched, p.depth)
	done := make(chan struct{})
	p.batches, p.cancel, p.done = batches, cancel, done
	go p.worker(ctx, batches, done)
}

// stop must be called with mu held. It leaves the loader ready for start.
func (p *PrefetchLoader) stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.batches, p.cancel, p.done = nil, nil, nil
}

func (p *PrefetchLoader) worker(ctx context.Context, batches chan<- prefetched, done chan<- struct{}) {
	defer close(done)
	defer close(batches)
	for {
		batch, err := p.inner.Next()
		if batch == nil && err == nil {
			return
		}
		if batch != nil {
			p.produced.Add(1)
		}
		select {
		case batches <- prefetched{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}
