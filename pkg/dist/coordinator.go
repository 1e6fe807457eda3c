package dist

import (
	"context"
	"net"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/exp/constraints"
)

const (
	// DefaultInitTimeout bounds group initialisation.
	DefaultInitTimeout = 1800 * time.Second
	// DefaultTimeout bounds a single collective.
	DefaultTimeout = 7200 * time.Second
)

// Options configure how a Coordinator joins its group.
type Options struct {
	InitTimeout time.Duration
	Timeout     time.Duration
	Retry       RetryPolicy
	// Listener replaces the primary's listening socket. It is owned by the
	// caller and survives failed attempts.
	Listener net.Listener
}

// Coordinator is the handle every component uses to reach the other
// workers. In single-process mode it has no group and every reduction is
// the identity.
type Coordinator struct {
	id     Identity
	group  *TCPGroup
	logger *log.Logger
}

// NewCoordinator joins the group described by id, retrying failed attempts
// with backoff and tearing down partial state in between.
func NewCoordinator(ctx context.Context, id Identity, opts Options, logger *log.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = log.Default()
	}
	c := &Coordinator{id: id, logger: logger}
	if !id.Distributed {
		logger.Debug("single-process mode")
		return c, nil
	}
	if opts.InitTimeout == 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = DefaultRetry
	}
	attempt := 0
	var group *TCPGroup
	err := Retry(ctx, opts.Retry, func(ctx context.Context) error {
		attempt++
		var err error
		group, err = newTCPGroup(ctx, id, opts)
		if err != nil {
			logger.Warn("process group init failed", "attempt", attempt, "of", opts.Retry.Attempts, "err", err)
		}
		return err
	}, func() {
		if group != nil {
			group.Close()
			group = nil
		}
	})
	if err != nil {
		return nil, err
	}
	c.group = group
	logger.Info("joined process group", "rank", id.Rank, "local_rank", id.LocalRank, "world_size", id.WorldSize)
	return c, nil
}

// Rank returns the worker's rank.
func (c *Coordinator) Rank() int { return c.id.Rank }

// WorldSize returns the number of workers.
func (c *Coordinator) WorldSize() int { return c.id.WorldSize }

// IsPrimary reports whether the worker is rank 0.
func (c *Coordinator) IsPrimary() bool { return c.id.IsPrimary() }

// AllReduce combines values in place across all workers. Every worker must
// make the same sequence of collective calls.
func (c *Coordinator) AllReduce(ctx context.Context, op Op, values []float64) error {
	if c.group == nil {
		return nil
	}
	return allReduce(ctx, c.group, op, values)
}

// AllReduceFloat32 is AllReduce for gradient buffers.
func (c *Coordinator) AllReduceFloat32(ctx context.Context, op Op, values []float32) error {
	if c.group == nil {
		return nil
	}
	return allReduce(ctx, c.group, op, values)
}

// Reduce combines one scalar across all workers. Averages of integers are
// truncated.
func Reduce[T constraints.Integer | constraints.Float](ctx context.Context, c *Coordinator, op Op, v T) (T, error) {
	values := []float64{float64(v)}
	if err := c.AllReduce(ctx, op, values); err != nil {
		return v, err
	}
	return T(values[0]), nil
}

// Barrier blocks until every worker has reached it.
func (c *Coordinator) Barrier(ctx context.Context) error {
	if c.group == nil {
		return nil
	}
	return allReduce(ctx, c.group, opBarrier, []float64{})
}

// Close leaves the group after a final barrier, so that no worker exits
// while another still expects it.
func (c *Coordinator) Close(ctx context.Context) error {
	if c.group == nil {
		return nil
	}
	err := c.Barrier(ctx)
	if cerr := c.group.Close(); err == nil {
		err = cerr
	}
	c.group = nil
	c.logger.Debug("left process group")
	return err
}
