package store

import (
	"context"
	"time"

	"github.com/PipeOpsHQ/pipetrain-go/observe"
)

type ListQuery struct {
	Limit  int
	Offset int
	Kind   observe.Kind
}

type MetricsQuery struct {
	RunID string
	Since *time.Time
}

type MetricsSummary struct {
	RunsStarted      int64 `json:"runsStarted"`
	RunsCompleted    int64 `json:"runsCompleted"`
	RunsFailed       int64 `json:"runsFailed"`
	Steps            int64 `json:"steps"`
	WeightUpdates    int64 `json:"weightUpdates"`
	Evaluations      int64 `json:"evaluations"`
	CheckpointsSaved int64 `json:"checkpointsSaved"`
	ShardsSkipped    int64 `json:"shardsSkipped"`
}

type Store interface {
	SaveEvent(ctx context.Context, event observe.Event) error
	ListEventsByRun(ctx context.Context, runID string, query ListQuery) ([]observe.Event, error)
	AggregateMetrics(ctx context.Context, query MetricsQuery) (MetricsSummary, error)
	Close() error
}

// Sink persists every emitted event into s.
func Sink(s Store) observe.Sink {
	return observe.SinkFunc(func(ctx context.Context, event observe.Event) error {
		return s.SaveEvent(ctx, event)
	})
}
