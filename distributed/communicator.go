package distributed

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrCollectiveTimeout is returned when a collective does not complete within
// the configured barrier timeout. It is fatal: ranks are out of lock-step.
var ErrCollectiveTimeout = errors.New("collective operation timed out")

// Communicator is one rank's handle on the group.
//
// Every rank must issue the same collectives with the same names in the same
// order; the nth call with a given name on each rank forms one round.
type Communicator interface {
	Rank() int
	WorldSize() int

	// Barrier blocks until every rank has entered the barrier called name
	Barrier(ctx context.Context, name string) error

	// AllReduceMean replaces data with the element-wise mean across ranks
	AllReduceMean(ctx context.Context, key string, data []float32) error

	// Broadcast replaces data on every rank with rank 0's data
	Broadcast(ctx context.Context, key string, data []float32) error

	Close() error
}

// Local is the communicator of a single-rank run; every collective is a no-op
type Local struct{}

func (Local) Rank() int      { return 0 }
func (Local) WorldSize() int { return 1 }

func (Local) Barrier(ctx context.Context, name string) error {
	return ctx.Err()
}

func (Local) AllReduceMean(ctx context.Context, key string, data []float32) error {
	return ctx.Err()
}

func (Local) Broadcast(ctx context.Context, key string, data []float32) error {
	return ctx.Err()
}

func (Local) Close() error { return nil }

// IsLeader reports whether c is rank 0
func IsLeader(c Communicator) bool {
	return c == nil || c.Rank() == 0
}

// withTimeout bounds ctx by timeout when it is positive
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// collectiveError maps a deadline to ErrCollectiveTimeout
func collectiveError(err error, op, name string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(ErrCollectiveTimeout, "%s %q", op, name)
	}
	return errors.Wrapf(err, "%s %q", op, name)
}
