// Package aggregator merges synchronized point records from several topics into a single
// record expressed in one target frame.
//
// Each input topic feeds one channel of a synchronizer.Coordinator. For every tuple the
// coordinator emits, records are aligned into the target frame, optionally compensated for
// the motion of that frame between their capture times, concatenated and published to the
// output topic.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/pcfusion/config"
	"go.viam.com/pcfusion/logging"
	"go.viam.com/pcfusion/metrics"
	"go.viam.com/pcfusion/pointcloud"
	"go.viam.com/pcfusion/pubsub"
	"go.viam.com/pcfusion/referenceframe"
	"go.viam.com/pcfusion/spatialmath"
	"go.viam.com/pcfusion/synchronizer"
	"go.viam.com/pcfusion/utils"
)

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithMetrics records pipeline metrics.
func WithMetrics(m *metrics.Pipeline) Option {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

// WithClock drives the watchdog from the given clock.
func WithClock(clk clock.Clock) Option {
	return func(a *Aggregator) {
		a.clk = clk
	}
}

// Aggregator subscribes to the configured topics and publishes merged records.
type Aggregator struct {
	cfg     config.Config
	bus     *pubsub.Bus
	poses   referenceframe.PoseProvider
	logger  logging.Logger
	metrics *metrics.Pipeline
	clk     clock.Clock

	coordinator *synchronizer.Coordinator
	subs        []*pubsub.Subscription
	workers     *utils.StoppableWorkers
	watchdog    *Watchdog

	// processCtx outlives the input workers so a tuple being merged when Close is called
	// finishes its transform lookups.
	processCtx    context.Context
	cancelProcess context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// New validates cfg, subscribes to its topics on bus and starts merging.
func New(
	cfg config.Config,
	bus *pubsub.Bus,
	poses referenceframe.PoseProvider,
	logger logging.Logger,
	opts ...Option,
) (*Aggregator, error) {
	if err := cfg.Ensure(); err != nil {
		return nil, err
	}
	if bus == nil {
		return nil, errors.New("a bus is required")
	}
	if poses == nil {
		return nil, errors.New("a pose provider is required")
	}
	a := &Aggregator{
		cfg:    cfg,
		bus:    bus,
		poses:  poses,
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}

	policy := cfg.Policy()
	coordinator, err := synchronizer.NewCoordinator(
		cfg.Count,
		policy,
		a.handleTuple,
		synchronizer.WithLogger(logger.Sublogger("sync")),
		synchronizer.WithDropHandler(func(channel int, rec *pointcloud.Record, reason string) {
			a.metrics.RecordDrop(context.Background(), channel, reason)
		}),
	)
	if err != nil {
		return nil, err
	}
	a.coordinator = coordinator
	a.processCtx, a.cancelProcess = context.WithCancel(context.Background())

	for _, topic := range cfg.Topics {
		sub, err := bus.Subscribe(topic, cfg.QueueSize)
		if err != nil {
			a.cancelProcess()
			return nil, multierr.Combine(errors.Wrapf(err, "cannot subscribe to %q", topic), a.unsubscribe())
		}
		a.subs = append(a.subs, sub)
	}

	a.watchdog = NewWatchdog(
		cfg.WarningTimeout, cfg.Topics, policy, a.clk, logger.Sublogger("watchdog"), a.metrics)
	a.watchdog.Start()

	a.workers = utils.NewStoppableWorkers()
	for i, sub := range a.subs {
		channel, sub := i, sub
		a.workers.AddWorkers(func(ctx context.Context) {
			a.consume(ctx, channel, sub)
		})
	}

	logger.Infow("subscribing to topics", "topics", cfg.Topics, "policy", policy.String(),
		"output_topic", cfg.OutputTopic)
	return a, nil
}

func (a *Aggregator) consume(ctx context.Context, channel int, sub *pubsub.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-sub.C():
			if !ok {
				return
			}
			if err := a.coordinator.Add(channel, rec); err != nil {
				if errors.Is(err, synchronizer.ErrClosed) {
					return
				}
				a.logger.Errorw("cannot add record", "topic", sub.Topic(), "error", err)
			}
		}
	}
}

func (a *Aggregator) handleTuple(tuple []*pointcloud.Record) {
	ctx := a.processCtx
	a.watchdog.Notify()

	if a.bus.NumSubscribers(a.cfg.OutputTopic) == 0 {
		a.metrics.RecordTuple(ctx, metrics.ResultNoSubscribers)
		return
	}

	start := time.Now()
	merged, err := Combine(ctx, tuple, a.poses, a.options(), a.logger, a.metrics)
	if err != nil {
		a.metrics.RecordTuple(ctx, metrics.ResultFailed)
		a.logger.Errorw("dropping tuple", "stamp", tuple[0].Stamp, "error", err)
		return
	}
	if _, err := a.bus.Publish(a.cfg.OutputTopic, merged); err != nil {
		a.logger.Debugw("cannot publish merged record", "topic", a.cfg.OutputTopic, "error", err)
		return
	}
	a.metrics.RecordTuple(ctx, metrics.ResultPublished)
	a.metrics.RecordMerge(ctx, time.Since(start), merged.NumPoints())
}

func (a *Aggregator) options() CombineOptions {
	return CombineOptions{
		FrameID:          a.cfg.FrameID,
		FixedFrameID:     a.cfg.FixedFrameID,
		WaitForTransform: a.cfg.WaitForTransform,
	}
}

// Policy returns the sync policy in use.
func (a *Aggregator) Policy() synchronizer.Policy {
	return a.coordinator.Policy()
}

func (a *Aggregator) unsubscribe() error {
	var err error
	for _, sub := range a.subs {
		err = multierr.Combine(err, sub.Close())
	}
	a.subs = nil
	return err
}

// Close stops consuming input. A tuple being merged is published before Close returns.
func (a *Aggregator) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.unsubscribe()
		a.workers.Stop()
		a.coordinator.Close()
		a.watchdog.Stop()
		a.cancelProcess()
	})
	return a.closeErr
}

// CombineOptions controls how a tuple is merged.
type CombineOptions struct {
	// FrameID is the output frame. Empty means the frame of the first record.
	FrameID string
	// FixedFrameID enables motion compensation through the given frame.
	FixedFrameID string
	// WaitForTransform bounds each transform lookup.
	WaitForTransform time.Duration
}

// Combine aligns every record of tuple into one frame and concatenates them. The merged record
// takes the stamp of the first record. A failed alignment lookup fails the whole tuple; a failed
// compensation lookup only skips compensation for that record.
func Combine(
	ctx context.Context,
	tuple []*pointcloud.Record,
	poses referenceframe.PoseProvider,
	opts CombineOptions,
	logger logging.Logger,
	m *metrics.Pipeline,
) (*pointcloud.Record, error) {
	if len(tuple) == 0 {
		return nil, errors.New("cannot combine an empty tuple")
	}
	stamp := tuple[0].Stamp
	frameID := opts.FrameID
	if frameID == "" {
		frameID = tuple[0].FrameID
	}

	for i, rec := range tuple {
		if err := pointcloud.CheckCoordinates(rec); err != nil {
			return nil, errors.Wrapf(err, "record %d", i)
		}
	}

	aligned := make([]*pointcloud.Record, 0, len(tuple))
	for i, rec := range tuple {
		tf := spatialmath.NewIdentityTransform()
		transformed := false
		if rec.FrameID != frameID {
			lookedUp, err := poses.Lookup(ctx, frameID, rec.FrameID, rec.Stamp, opts.WaitForTransform)
			if err != nil {
				return nil, errors.Wrapf(err, "cannot align record %d from %q to %q", i, rec.FrameID, frameID)
			}
			tf = lookedUp
			transformed = true
		}
		if opts.FixedFrameID != "" && !rec.Stamp.Equal(stamp) {
			displacement, err := Compensate(
				ctx, poses, frameID, opts.FixedFrameID, rec.Stamp, stamp, opts.WaitForTransform)
			if err != nil {
				logger.Warnw("skipping motion compensation", "record", i, "error", err)
				m.RecordCompensationFailure(ctx)
			} else {
				tf = spatialmath.Compose(*displacement, tf)
				transformed = true
			}
		}
		if !transformed {
			aligned = append(aligned, rec)
			continue
		}
		out, err := pointcloud.Align(rec, tf)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot align record %d", i)
		}
		aligned = append(aligned, out)
	}

	merged, err := pointcloud.Concatenate(aligned...)
	if err != nil {
		return nil, err
	}
	merged.Stamp = stamp
	merged.FrameID = frameID
	return merged, nil
}
