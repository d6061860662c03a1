package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/pipetrain-go/state"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) SaveRun(ctx context.Context, run state.RunRecord) error {
	if err := run.Normalize(time.Now().UTC()); err != nil {
		return err
	}
	metaRaw, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	const q = `
INSERT INTO runs (
  run_id, model, stage, num_stages, status, step, round, weight_update_step, data_set_index,
  loss_scale, metadata, error, created_at, updated_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
  model=excluded.model,
  stage=excluded.stage,
  num_stages=excluded.num_stages,
  status=excluded.status,
  step=excluded.step,
  round=excluded.round,
  weight_update_step=excluded.weight_update_step,
  data_set_index=excluded.data_set_index,
  loss_scale=excluded.loss_scale,
  metadata=excluded.metadata,
  error=excluded.error,
  updated_at=excluded.updated_at,
  completed_at=excluded.completed_at;
`

	_, err = s.db.ExecContext(
		ctx,
		q,
		run.RunID,
		run.Model,
		run.Stage,
		run.NumStages,
		run.Status,
		int64(run.Step),
		int64(run.Round),
		int64(run.WeightUpdateStep),
		int64(run.DataSetIndex),
		run.LossScale,
		string(metaRaw),
		run.Error,
		toNullableTime(run.CreatedAt),
		toNullableTime(run.UpdatedAt),
		toNullableTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

const runColumns = `run_id, model, stage, num_stages, status, step, round, weight_update_step, data_set_index,
       loss_scale, metadata, error, created_at, updated_at, completed_at`

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if strings.TrimSpace(runID) == "" {
		return state.RunRecord{}, fmt.Errorf("run_id is required")
	}

	q := "SELECT " + runColumns + " FROM runs WHERE run_id = ?;"
	run, err := scanRun(s.db.QueryRowContext(ctx, q, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.RunRecord{}, state.ErrNotFound
		}
		return state.RunRecord{}, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if query.Model != "" {
		where = append(where, "model = ?")
		args = append(args, query.Model)
	}
	if query.Status != "" {
		where = append(where, "status = ?")
		args = append(args, query.Status)
	}

	sqlText := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY created_at DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]state.RunRecord, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	if err := checkpoint.Normalize(time.Now().UTC()); err != nil {
		return err
	}
	propsRaw, err := json.Marshal(checkpoint.Properties)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint properties: %w", err)
	}

	const q = `
INSERT INTO checkpoints (run_id, step, path, digest, bytes, properties, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		checkpoint.RunID,
		int64(checkpoint.Step),
		checkpoint.Path,
		checkpoint.Digest,
		checkpoint.Bytes,
		string(propsRaw),
		checkpoint.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return state.ErrConflict
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

const checkpointColumns = "run_id, step, path, digest, bytes, properties, created_at"

func (s *Store) LoadLatestCheckpoint(ctx context.Context, runID string) (state.CheckpointRecord, error) {
	if runID == "" {
		return state.CheckpointRecord{}, fmt.Errorf("run_id is required")
	}
	q := "SELECT " + checkpointColumns + " FROM checkpoints WHERE run_id = ? ORDER BY step DESC LIMIT 1;"
	record, err := scanCheckpoint(s.db.QueryRowContext(ctx, q, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.CheckpointRecord{}, state.ErrNotFound
		}
		return state.CheckpointRecord{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return record, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, runID string, limit int) ([]state.CheckpointRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	q := "SELECT " + checkpointColumns + " FROM checkpoints WHERE run_id = ? ORDER BY step DESC LIMIT ?;"
	rows, err := s.db.QueryContext(ctx, q, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]state.CheckpointRecord, 0, limit)
	for rows.Next() {
		record, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (state.RunRecord, error) {
	var (
		run          state.RunRecord
		step         int64
		round        int64
		updateStep   int64
		dataSetIndex int64
		metadataRaw  string
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := row.Scan(
		&run.RunID,
		&run.Model,
		&run.Stage,
		&run.NumStages,
		&run.Status,
		&step,
		&round,
		&updateStep,
		&dataSetIndex,
		&run.LossScale,
		&metadataRaw,
		&run.Error,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return state.RunRecord{}, err
	}
	run.Step = uint64(step)
	run.Round = uint64(round)
	run.WeightUpdateStep = uint64(updateStep)
	run.DataSetIndex = uint64(dataSetIndex)
	return decodeRunRow(run, metadataRaw, createdRaw, updatedRaw, completedRaw)
}

func scanCheckpoint(row rowScanner) (state.CheckpointRecord, error) {
	var (
		record     state.CheckpointRecord
		step       int64
		propsRaw   string
		createdRaw string
	)
	if err := row.Scan(
		&record.RunID,
		&step,
		&record.Path,
		&record.Digest,
		&record.Bytes,
		&propsRaw,
		&createdRaw,
	); err != nil {
		return state.CheckpointRecord{}, err
	}
	record.Step = uint64(step)
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to parse checkpoint created_at: %w", err)
	}
	record.CreatedAt = created
	if err := json.Unmarshal([]byte(propsRaw), &record.Properties); err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to decode checkpoint properties: %w", err)
	}
	return record, nil
}

func decodeRunRow(
	base state.RunRecord,
	metadataRaw string,
	createdRaw string,
	updatedRaw string,
	completedRaw sql.NullString,
) (state.RunRecord, error) {
	if strings.TrimSpace(metadataRaw) == "" {
		base.Metadata = map[string]any{}
	} else if err := json.Unmarshal([]byte(metadataRaw), &base.Metadata); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to decode run metadata: %w", err)
	}
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to parse run created_at: %w", err)
	}
	updated, err := parseRequiredTime(updatedRaw)
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to parse run updated_at: %w", err)
	}
	base.CreatedAt = &created
	base.UpdatedAt = &updated
	if completedRaw.Valid && strings.TrimSpace(completedRaw.String) != "" {
		completed, err := parseRequiredTime(completedRaw.String)
		if err != nil {
			return state.RunRecord{}, fmt.Errorf("failed to parse run completed_at: %w", err)
		}
		base.CompletedAt = &completed
	}
	return base, nil
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ state.Store = (*Store)(nil)
