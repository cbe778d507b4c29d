// Package synchronizer groups records arriving asynchronously on N channels into tuples of one
// record per channel.
package synchronizer

import (
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/pcfusion/logging"
	"go.viam.com/pcfusion/pointcloud"
)

// Supported channel counts.
const (
	MinChannels = 2
	MaxChannels = 4
)

// ErrClosed is returned by Add once the coordinator is closed.
var ErrClosed = errors.New("synchronizer is closed")

// Handler receives a tuple; tuple[i] came from channel i.
type Handler func(tuple []*pointcloud.Record)

// DropHandler is told about every record discarded without being part of a tuple.
type DropHandler func(channel int, rec *pointcloud.Record, reason string)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDropHandler sets a function called for each dropped record.
func WithDropHandler(h DropHandler) Option {
	return func(c *Coordinator) {
		c.onDrop = h
	}
}

// WithLogger sets the logger used for drop reports.
func WithLogger(logger logging.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// A Coordinator buffers records per channel and hands each completed tuple to its handler.
// The handler is called once per tuple, in the order tuples complete, and never concurrently
// with itself. An Add that completes a tuple runs the handler on the calling goroutine and
// blocks while a previous tuple is still being handled.
type Coordinator struct {
	n       int
	policy  Policy
	handler Handler
	onDrop  DropHandler
	logger  logging.Logger

	mu      sync.Mutex
	matcher matcher
	closed  bool

	// dispatchMu is held while the handler runs. It is acquired before mu is released so
	// tuples are handled in completion order.
	dispatchMu sync.Mutex
}

// NewCoordinator returns a coordinator for n channels.
func NewCoordinator(n int, policy Policy, handler Handler, opts ...Option) (*Coordinator, error) {
	if n < MinChannels || n > MaxChannels {
		return nil, errors.Errorf("channel count must be between %d and %d, got %d", MinChannels, MaxChannels, n)
	}
	if policy == nil {
		return nil, errors.New("a sync policy is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid %v sync policy", policy)
	}
	if handler == nil {
		return nil, errors.New("a tuple handler is required")
	}
	c := &Coordinator{
		n:       n,
		policy:  policy,
		handler: handler,
		matcher: policy.newMatcher(n),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.NewBlankLogger("synchronizer")
	}
	return c, nil
}

// Channels returns the number of channels.
func (c *Coordinator) Channels() int {
	return c.n
}

// Policy returns the sync policy.
func (c *Coordinator) Policy() Policy {
	return c.policy
}

// Add delivers a record on a channel. If it completes a tuple, the handler runs before Add returns.
func (c *Coordinator) Add(channel int, rec *pointcloud.Record) error {
	if channel < 0 || channel >= c.n {
		return errors.Errorf("channel %d out of range [0, %d)", channel, c.n)
	}
	if rec == nil {
		return errors.New("cannot add a nil record")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	tuple, drops := c.matcher.add(channel, rec)
	if tuple == nil {
		c.mu.Unlock()
		c.reportDrops(drops)
		return nil
	}
	c.dispatchMu.Lock()
	c.mu.Unlock()
	defer c.dispatchMu.Unlock()

	c.reportDrops(drops)
	c.handler(tuple)
	return nil
}

func (c *Coordinator) reportDrops(drops []drop) {
	for _, d := range drops {
		c.logger.Debugw("dropping record", "channel", d.channel, "stamp", d.record.Stamp, "reason", d.reason)
		if c.onDrop != nil {
			c.onDrop(d.channel, d.record, d.reason)
		}
	}
}

// Close stops matching and waits for an in-flight handler to return. It must not be called
// from the handler.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.dispatchMu.Lock()
	//nolint:staticcheck
	c.dispatchMu.Unlock()
}
