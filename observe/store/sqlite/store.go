package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PipeOpsHQ/pipetrain-go/observe"
	observestore "github.com/PipeOpsHQ/pipetrain-go/observe/store"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const defaultLimit = 200

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite trace path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable wal: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize trace schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) SaveEvent(ctx context.Context, event observe.Event) error {
	if s == nil || s.db == nil {
		return nil
	}
	event.Normalize()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	attrs, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode trace attributes: %w", err)
	}
	const q = `
INSERT INTO trace_events (
  event_id, run_id, stage, step, round, span_id, parent_span_id, kind, status, name,
  message, error, duration_ms, attributes, timestamp
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		event.ID,
		event.RunID,
		event.Stage,
		int64(event.Step),
		int64(event.Round),
		event.SpanID,
		event.ParentSpanID,
		string(event.Kind),
		string(event.Status),
		event.Name,
		event.Message,
		event.Error,
		event.DurationMs,
		string(attrs),
		event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save trace event: %w", err)
	}
	return nil
}

func (s *Store) ListEventsByRun(ctx context.Context, runID string, query observestore.ListQuery) ([]observe.Event, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("runID is required")
	}
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	where := "run_id = ?"
	args := []any{runID}
	if query.Kind != "" {
		where += " AND kind = ?"
		args = append(args, string(query.Kind))
	}
	q := fmt.Sprintf(`
SELECT event_id, run_id, stage, step, round, span_id, parent_span_id, kind, status, name,
       message, error, duration_ms, attributes, timestamp
FROM trace_events
WHERE %s
ORDER BY timestamp ASC, step ASC
LIMIT ? OFFSET ?;
`, where)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trace events: %w", err)
	}
	defer rows.Close()

	out := make([]observe.Event, 0, limit)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trace events: %w", err)
	}
	return out, nil
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (observe.Event, error) {
	var (
		e      observe.Event
		step   int64
		round  int64
		kind   string
		status string
		attrs  string
		tsRaw  string
	)
	if err := scanner.Scan(
		&e.ID,
		&e.RunID,
		&e.Stage,
		&step,
		&round,
		&e.SpanID,
		&e.ParentSpanID,
		&kind,
		&status,
		&e.Name,
		&e.Message,
		&e.Error,
		&e.DurationMs,
		&attrs,
		&tsRaw,
	); err != nil {
		return observe.Event{}, fmt.Errorf("failed to scan trace event: %w", err)
	}
	e.Step = uint64(step)
	e.Round = uint64(round)
	e.Kind = observe.Kind(kind)
	e.Status = observe.Status(status)
	if tsRaw != "" {
		ts, err := time.Parse(time.RFC3339Nano, tsRaw)
		if err == nil {
			e.Timestamp = ts
		}
	}
	if attrs != "" {
		_ = json.Unmarshal([]byte(attrs), &e.Attributes)
	}
	e.Normalize()
	return e, nil
}

func (s *Store) AggregateMetrics(ctx context.Context, query observestore.MetricsQuery) (observestore.MetricsSummary, error) {
	if s == nil || s.db == nil {
		return observestore.MetricsSummary{}, nil
	}
	filters := []string{}
	args := []any{}
	if query.RunID != "" {
		filters = append(filters, "run_id = ?")
		args = append(args, query.RunID)
	}
	if query.Since != nil {
		filters = append(filters, "timestamp >= ?")
		args = append(args, query.Since.UTC().Format(time.RFC3339Nano))
	}

	counter := func(kind observe.Kind, status observe.Status, name string) (int64, error) {
		where := append(append([]string{}, filters...), "kind = ?", "status = ?")
		qArgs := append(append([]any{}, args...), string(kind), string(status))
		if name != "" {
			where = append(where, "name = ?")
			qArgs = append(qArgs, name)
		}
		q := "SELECT COUNT(*) FROM trace_events WHERE " + strings.Join(where, " AND ")
		var n int64
		if err := s.db.QueryRowContext(ctx, q, qArgs...).Scan(&n); err != nil {
			return 0, err
		}
		return n, nil
	}

	metrics := observestore.MetricsSummary{}
	var err error
	if metrics.RunsStarted, err = counter(observe.KindRun, observe.StatusStarted, ""); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("metrics runs started: %w", err)
	}
	if metrics.RunsCompleted, err = counter(observe.KindRun, observe.StatusCompleted, ""); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("metrics runs completed: %w", err)
	}
	if metrics.RunsFailed, err = counter(observe.KindRun, observe.StatusFailed, ""); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("metrics runs failed: %w", err)
	}
	if metrics.Steps, err = counter(observe.KindStep, observe.StatusCompleted, ""); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("metrics steps: %w", err)
	}
	if metrics.WeightUpdates, err = counter(observe.KindStep, observe.StatusCompleted, observe.StepUpdate); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("metrics weight updates: %w", err)
	}
	if metrics.Evaluations, err = counter(observe.KindEvaluation, observe.StatusCompleted, ""); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("metrics evaluations: %w", err)
	}
	if metrics.CheckpointsSaved, err = counter(observe.KindCheckpoint, observe.StatusCompleted, ""); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("metrics checkpoints: %w", err)
	}
	if metrics.ShardsSkipped, err = counter(observe.KindShard, observe.StatusSkipped, ""); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("metrics shards skipped: %w", err)
	}
	return metrics, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ observestore.Store = (*Store)(nil)
