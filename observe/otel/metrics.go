package otel

import (
	"context"
	"fmt"

	"github.com/PipeOpsHQ/pipetrain-go/observe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
)

// MetricsSink implements observe.Sink by recording OpenTelemetry metrics.
type MetricsSink struct {
	steps        metric.Int64Counter
	updates      metric.Int64Counter
	checkpoints  metric.Int64Counter
	skipped      metric.Int64Counter
	failures     metric.Int64Counter
	stepDuration metric.Float64Histogram
	lossScale    metric.Float64Gauge
}

// NewMetricsSink registers the instruments on mp. If mp is nil, it uses a
// noop meter provider.
func NewMetricsSink(mp metric.MeterProvider) (*MetricsSink, error) {
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	s := &MetricsSink{}
	var err error
	if s.steps, err = meter.Int64Counter("train.steps", metric.WithDescription("Completed training steps.")); err != nil {
		return nil, fmt.Errorf("failed to create steps counter: %w", err)
	}
	if s.updates, err = meter.Int64Counter("train.weight_updates", metric.WithDescription("Completed weight-update steps.")); err != nil {
		return nil, fmt.Errorf("failed to create updates counter: %w", err)
	}
	if s.checkpoints, err = meter.Int64Counter("train.checkpoints", metric.WithDescription("Saved checkpoints.")); err != nil {
		return nil, fmt.Errorf("failed to create checkpoints counter: %w", err)
	}
	if s.skipped, err = meter.Int64Counter("train.shards_skipped", metric.WithDescription("Data shards that failed to load.")); err != nil {
		return nil, fmt.Errorf("failed to create shards counter: %w", err)
	}
	if s.failures, err = meter.Int64Counter("train.failures", metric.WithDescription("Failed runs, steps and checkpoints.")); err != nil {
		return nil, fmt.Errorf("failed to create failures counter: %w", err)
	}
	if s.stepDuration, err = meter.Float64Histogram("train.step.duration", metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("failed to create step duration histogram: %w", err)
	}
	if s.lossScale, err = meter.Float64Gauge("train.loss_scale"); err != nil {
		return nil, fmt.Errorf("failed to create loss scale gauge: %w", err)
	}
	return s, nil
}

// Emit records counters for the event. Step events may carry a float
// "lossScale" attribute.
func (s *MetricsSink) Emit(ctx context.Context, event observe.Event) error {
	if s == nil {
		return nil
	}
	event.Normalize()
	attrs := metric.WithAttributes(attribute.Int("train.stage", event.Stage))
	if event.Status == observe.StatusFailed {
		s.failures.Add(ctx, 1, metric.WithAttributes(attribute.Int("train.stage", event.Stage), attribute.String("train.event.kind", string(event.Kind))))
		return nil
	}
	switch event.Kind {
	case observe.KindStep:
		s.steps.Add(ctx, 1, attrs)
		if event.Name == observe.StepUpdate {
			s.updates.Add(ctx, 1, attrs)
		}
		if event.DurationMs > 0 {
			s.stepDuration.Record(ctx, float64(event.DurationMs), attrs)
		}
		if v, ok := event.Attributes["lossScale"].(float64); ok {
			s.lossScale.Record(ctx, v, attrs)
		}
	case observe.KindCheckpoint:
		s.checkpoints.Add(ctx, 1, attrs)
	case observe.KindShard:
		if event.Status == observe.StatusSkipped {
			s.skipped.Add(ctx, 1, attrs)
		}
	}
	return nil
}
