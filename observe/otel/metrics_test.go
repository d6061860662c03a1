package otel

import (
	"context"
	"testing"

	"github.com/PipeOpsHQ/pipetrain-go/observe"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetricsSinkCountsSteps(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	sink, err := NewMetricsSink(mp)
	if err != nil {
		t.Fatalf("NewMetricsSink: %v", err)
	}
	ctx := context.Background()
	events := []observe.Event{
		{Kind: observe.KindStep, Name: observe.StepAccumulate, DurationMs: 3},
		{Kind: observe.KindStep, Name: observe.StepUpdate, DurationMs: 5, Attributes: map[string]any{"lossScale": 1024.0}},
		{Kind: observe.KindCheckpoint},
		{Kind: observe.KindShard, Status: observe.StatusSkipped},
		{Kind: observe.KindRun, Status: observe.StatusFailed},
	}
	for _, e := range events {
		if err := sink.Emit(ctx, e); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	sums := map[string]int64{}
	var sawGauge, sawHistogram bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			case metricdata.Gauge[float64]:
				sawGauge = len(data.DataPoints) == 1 && data.DataPoints[0].Value == 1024
			case metricdata.Histogram[float64]:
				sawHistogram = len(data.DataPoints) == 1 && data.DataPoints[0].Count == 2
			}
		}
	}
	want := map[string]int64{
		"train.steps":          2,
		"train.weight_updates": 1,
		"train.checkpoints":    1,
		"train.shards_skipped": 1,
		"train.failures":       1,
	}
	for name, n := range want {
		if sums[name] != n {
			t.Errorf("%s = %d, want %d (all: %v)", name, sums[name], n, sums)
		}
	}
	if !sawGauge {
		t.Error("expected loss scale gauge of 1024")
	}
	if !sawHistogram {
		t.Error("expected step duration histogram with 2 samples")
	}
}

func TestNilMeterProvider(t *testing.T) {
	sink, err := NewMetricsSink(nil)
	if err != nil {
		t.Fatalf("NewMetricsSink: %v", err)
	}
	if err := sink.Emit(context.Background(), observe.Event{Kind: observe.KindStep}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
}
