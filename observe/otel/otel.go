// Package otel bridges observe.Sink to OpenTelemetry.
//
// Sink converts training events into spans so runs, steps, evaluations and
// checkpoints are visible in any OpenTelemetry-compatible backend.
// MetricsSink records the same events as counters and histograms.
package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/PipeOpsHQ/pipetrain-go/observe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/PipeOpsHQ/pipetrain-go"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
	}
}

// Emit converts an observe.Event into an OTel span.
func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()

	startTime := event.Timestamp
	_, span := s.tracer.Start(context.Background(), spanNameFor(event), trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("train.event.kind", string(event.Kind)),
		attribute.Int("train.stage", event.Stage),
		attribute.Int64("train.step", int64(event.Step)),
		attribute.Int64("train.round", int64(event.Round)),
	}
	if event.RunID != "" {
		attrs = append(attrs, attribute.String("train.run.id", event.RunID))
	}
	if event.SpanID != "" {
		attrs = append(attrs, attribute.String("train.span.id", event.SpanID))
	}
	if event.ParentSpanID != "" {
		attrs = append(attrs, attribute.String("train.parent_span.id", event.ParentSpanID))
	}
	if event.Name != "" {
		attrs = append(attrs, attribute.String("train.event.name", event.Name))
	}
	if event.Status != "" {
		attrs = append(attrs, attribute.String("train.status", string(event.Status)))
	}
	if event.Message != "" {
		attrs = append(attrs, attribute.String("train.message", truncate(event.Message, 1024)))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("train.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("train.attr."+k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	switch event.Status {
	case observe.StatusFailed:
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	case observe.StatusCompleted:
		span.SetStatus(codes.Ok, "")
	}

	endTime := startTime
	if event.DurationMs > 0 {
		endTime = startTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindRun:
		return "train.run"
	case observe.KindStep:
		if event.Name != "" {
			return "train.step." + event.Name
		}
		return "train.step"
	case observe.KindEvaluation:
		return "train.evaluate"
	case observe.KindCheckpoint:
		return "train.checkpoint"
	case observe.KindShard:
		return "train.shard"
	default:
		if event.Name != "" {
			return "train." + event.Name
		}
		return "train.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
