// Package distributed coordinates ranks of a data-parallel training run:
// barriers, gradient averaging, parameter broadcast and the module wrapper
// that uses them.
package distributed

import (
	"fmt"
	"net"
	"time"
)

// Config describes this process's place in the run. It is passed in
// explicitly; nothing is read from or written to the environment.
type Config struct {
	Rank           int           // 0 is the leader and hosts the rendezvous
	WorldSize      int           // Number of ranks; 1 disables distribution
	MasterAddr     string        // host:port of the leader's rendezvous server
	BarrierTimeout time.Duration // 0 waits forever
	MaxMessageSize int           // Bytes per collective payload; 0 uses DefaultMaxMessageSize
}

// DefaultMaxMessageSize bounds one rendezvous message, enough for a sub-model
// of about 256M float32 parameters
const DefaultMaxMessageSize = 1 << 30

// MessageSize returns the effective per-message limit
func (c Config) MessageSize() int {
	if c.MaxMessageSize <= 0 {
		return DefaultMaxMessageSize
	}
	return c.MaxMessageSize
}

// DefaultConfig returns a single-rank configuration
func DefaultConfig() Config {
	return Config{
		Rank:       0,
		WorldSize:  1,
		MasterAddr: "127.0.0.1:23456",
	}
}

// Enabled reports whether more than one rank participates
func (c Config) Enabled() bool {
	return c.WorldSize > 1
}

// IsLeader reports whether this is rank 0
func (c Config) IsLeader() bool {
	return c.Rank == 0
}

// Validate checks rank bounds and the rendezvous address
func (c Config) Validate() error {
	if c.WorldSize < 1 {
		return fmt.Errorf("world size must be at least 1, got %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return fmt.Errorf("rank %d out of range for world size %d", c.Rank, c.WorldSize)
	}
	if c.BarrierTimeout < 0 {
		return fmt.Errorf("barrier timeout must not be negative")
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("max message size must not be negative")
	}
	if c.Enabled() {
		if _, _, err := net.SplitHostPort(c.MasterAddr); err != nil {
			return fmt.Errorf("invalid master address %q: %v", c.MasterAddr, err)
		}
	}
	return nil
}
