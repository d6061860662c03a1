package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/PipeOpsHQ/pipetrain-go/observe"
	observestore "github.com/PipeOpsHQ/pipetrain-go/observe/store"
)

func TestStore_SaveListAndMetrics(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "trace.db")
	store, err := New(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()
	inputs := []observe.Event{
		{RunID: "r1", Kind: observe.KindRun, Status: observe.StatusStarted, Timestamp: now},
		{RunID: "r1", Kind: observe.KindStep, Name: observe.StepAccumulate, Step: 0, Timestamp: now.Add(time.Millisecond)},
		{RunID: "r1", Kind: observe.KindStep, Name: observe.StepUpdate, Step: 1, Timestamp: now.Add(2 * time.Millisecond)},
		{RunID: "r1", Kind: observe.KindShard, Status: observe.StatusSkipped, Name: "1", Timestamp: now.Add(3 * time.Millisecond)},
		{RunID: "r1", Kind: observe.KindCheckpoint, Step: 2, Timestamp: now.Add(4 * time.Millisecond)},
		{RunID: "r1", Kind: observe.KindRun, Status: observe.StatusCompleted, Timestamp: now.Add(5 * time.Millisecond)},
		{RunID: "r2", Kind: observe.KindRun, Status: observe.StatusFailed, Timestamp: now.Add(6 * time.Millisecond)},
	}
	for _, in := range inputs {
		if err := store.SaveEvent(ctx, in); err != nil {
			t.Fatalf("save event: %v", err)
		}
	}

	events, err := store.ListEventsByRun(ctx, "r1", observestore.ListQuery{Limit: 20})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 6 {
		t.Fatalf("expected 6 events, got %d", len(events))
	}
	steps, err := store.ListEventsByRun(ctx, "r1", observestore.ListQuery{Kind: observe.KindStep})
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 2 || steps[1].Step != 1 {
		t.Fatalf("unexpected step events: %+v", steps)
	}

	metrics, err := store.AggregateMetrics(ctx, observestore.MetricsQuery{RunID: "r1"})
	if err != nil {
		t.Fatalf("aggregate metrics: %v", err)
	}
	want := observestore.MetricsSummary{RunsStarted: 1, RunsCompleted: 1, Steps: 2, WeightUpdates: 1, CheckpointsSaved: 1, ShardsSkipped: 1}
	if metrics != want {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
	all, err := store.AggregateMetrics(ctx, observestore.MetricsQuery{})
	if err != nil {
		t.Fatalf("aggregate all: %v", err)
	}
	if all.RunsFailed != 1 {
		t.Fatalf("expected 1 failed run overall, got %+v", all)
	}
}

func TestSinkPersistsEvents(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "trace.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()
	sink := observestore.Sink(store)
	if err := sink.Emit(context.Background(), observe.Event{RunID: "r", Kind: observe.KindEvaluation}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	events, _ := store.ListEventsByRun(context.Background(), "r", observestore.ListQuery{})
	if len(events) != 1 || events[0].Kind != observe.KindEvaluation {
		t.Fatalf("unexpected events: %+v", events)
	}
}
