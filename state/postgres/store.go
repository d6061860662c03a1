// Package postgres keeps the run ledger in PostgreSQL through the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/PipeOpsHQ/pipetrain-go/state"
)

//go:embed schema.sql
var schemaSQL string

const defaultLimit = 50

type Store struct {
	db *sql.DB
}

// Open connects with cfg, pings, and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
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
INSERT INTO pipetrain_runs (
  run_id, model, stage, num_stages, status, step, round, weight_update_step, data_set_index,
  loss_scale, metadata, error, created_at, updated_at, completed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (run_id) DO UPDATE SET
  model = EXCLUDED.model,
  stage = EXCLUDED.stage,
  num_stages = EXCLUDED.num_stages,
  status = EXCLUDED.status,
  step = EXCLUDED.step,
  round = EXCLUDED.round,
  weight_update_step = EXCLUDED.weight_update_step,
  data_set_index = EXCLUDED.data_set_index,
  loss_scale = EXCLUDED.loss_scale,
  metadata = EXCLUDED.metadata,
  error = EXCLUDED.error,
  updated_at = EXCLUDED.updated_at,
  completed_at = EXCLUDED.completed_at`

	_, err = s.db.ExecContext(ctx, q,
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
		metaRaw,
		run.Error,
		run.CreatedAt.UTC(),
		run.UpdatedAt.UTC(),
		nullTime(run.CompletedAt),
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
	run, err := scanRun(s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM pipetrain_runs WHERE run_id = $1", runID))
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
	offset := max(query.Offset, 0)

	var (
		where []string
		args  []any
	)
	if query.Model != "" {
		args = append(args, query.Model)
		where = append(where, fmt.Sprintf("model = $%d", len(args)))
	}
	if query.Status != "" {
		args = append(args, query.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := "SELECT " + runColumns + " FROM pipetrain_runs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit, offset)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
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
INSERT INTO pipetrain_checkpoints (run_id, step, path, digest, bytes, properties, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = s.db.ExecContext(ctx, q,
		checkpoint.RunID,
		int64(checkpoint.Step),
		checkpoint.Path,
		checkpoint.Digest,
		checkpoint.Bytes,
		propsRaw,
		checkpoint.CreatedAt.UTC(),
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
	q := "SELECT " + checkpointColumns + " FROM pipetrain_checkpoints WHERE run_id = $1 ORDER BY step DESC LIMIT 1"
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
	q := "SELECT " + checkpointColumns + " FROM pipetrain_checkpoints WHERE run_id = $1 ORDER BY step DESC LIMIT $2"
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
		metaRaw      []byte
		created      time.Time
		updated      time.Time
		completed    sql.NullTime
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
		&metaRaw,
		&run.Error,
		&created,
		&updated,
		&completed,
	); err != nil {
		return state.RunRecord{}, err
	}
	run.Step = uint64(step)
	run.Round = uint64(round)
	run.WeightUpdateStep = uint64(updateStep)
	run.DataSetIndex = uint64(dataSetIndex)
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &run.Metadata); err != nil {
			return state.RunRecord{}, fmt.Errorf("failed to decode run metadata: %w", err)
		}
	}
	created = created.UTC()
	updated = updated.UTC()
	run.CreatedAt = &created
	run.UpdatedAt = &updated
	if completed.Valid {
		t := completed.Time.UTC()
		run.CompletedAt = &t
	}
	return run, nil
}

func scanCheckpoint(row rowScanner) (state.CheckpointRecord, error) {
	var (
		record   state.CheckpointRecord
		step     int64
		propsRaw []byte
	)
	if err := row.Scan(
		&record.RunID,
		&step,
		&record.Path,
		&record.Digest,
		&record.Bytes,
		&propsRaw,
		&record.CreatedAt,
	); err != nil {
		return state.CheckpointRecord{}, err
	}
	record.Step = uint64(step)
	record.CreatedAt = record.CreatedAt.UTC()
	if len(propsRaw) > 0 {
		if err := json.Unmarshal(propsRaw, &record.Properties); err != nil {
			return state.CheckpointRecord{}, fmt.Errorf("failed to decode checkpoint properties: %w", err)
		}
	}
	return record, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ state.Store = (*Store)(nil)
