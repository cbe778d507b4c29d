// Package metrics provides OpenTelemetry instrumentation for the aggregation pipeline.
package metrics

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMeterName is the name used for the pipeline meter.
const PipelineMeterName = "go.viam.com/pcfusion/aggregator"

// Tuple results.
const (
	ResultPublished     = "published"
	ResultNoSubscribers = "no_subscribers"
	ResultFailed        = "failed"
)

// Pipeline holds the OpenTelemetry instruments for the aggregation pipeline. A nil *Pipeline
// is valid and records nothing.
type Pipeline struct {
	tuples          metric.Int64Counter
	drops           metric.Int64Counter
	mergeDuration   metric.Float64Histogram
	pointsPublished metric.Int64Counter
	compensation    metric.Int64Counter
	watchdogWarns   metric.Int64Counter
}

// NewPipeline creates the pipeline instruments with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewPipeline(provider metric.MeterProvider) (*Pipeline, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(PipelineMeterName)

	tuples, err := meter.Int64Counter(
		"pcfusion_tuples",
		metric.WithDescription("Synchronized tuples processed, by result"),
		metric.WithUnit("{tuple}"),
	)
	if err != nil {
		return nil, err
	}
	drops, err := meter.Int64Counter(
		"pcfusion_records_dropped",
		metric.WithDescription("Input records discarded without being merged"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}
	mergeDuration, err := meter.Float64Histogram(
		"pcfusion_merge_duration",
		metric.WithDescription("Time spent aligning and merging a tuple"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return nil, err
	}
	pointsPublished, err := meter.Int64Counter(
		"pcfusion_points_published",
		metric.WithDescription("Points in published merged records"),
		metric.WithUnit("{point}"),
	)
	if err != nil {
		return nil, err
	}
	compensation, err := meter.Int64Counter(
		"pcfusion_compensation_failures",
		metric.WithDescription("Records merged without motion compensation because the lookup failed"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}
	watchdogWarns, err := meter.Int64Counter(
		"pcfusion_watchdog_warnings",
		metric.WithDescription("Watchdog periods that ended without a synchronized tuple"),
	)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		tuples:          tuples,
		drops:           drops,
		mergeDuration:   mergeDuration,
		pointsPublished: pointsPublished,
		compensation:    compensation,
		watchdogWarns:   watchdogWarns,
	}, nil
}

// RecordTuple counts a processed tuple with its result.
func (m *Pipeline) RecordTuple(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.tuples.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordDrop counts a record dropped on the given channel.
func (m *Pipeline) RecordDrop(ctx context.Context, channel int, reason string) {
	if m == nil {
		return
	}
	m.drops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", strconv.Itoa(channel)),
		attribute.String("reason", reason),
	))
}

// RecordMerge records how long a merge took and how many points it published.
func (m *Pipeline) RecordMerge(ctx context.Context, duration time.Duration, points int) {
	if m == nil {
		return
	}
	m.mergeDuration.Record(ctx, duration.Seconds())
	m.pointsPublished.Add(ctx, int64(points))
}

// RecordCompensationFailure counts a record merged without motion compensation.
func (m *Pipeline) RecordCompensationFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.compensation.Add(ctx, 1)
}

// RecordWatchdogWarning counts a watchdog warning.
func (m *Pipeline) RecordWatchdogWarning(ctx context.Context) {
	if m == nil {
		return
	}
	m.watchdogWarns.Add(ctx, 1)
}
