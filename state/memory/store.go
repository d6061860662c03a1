// Package memory is a process-local state.Store, used when no ledger backend
// is configured and in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PipeOpsHQ/pipetrain-go/state"
)

type Store struct {
	mu          sync.Mutex
	runs        map[string]state.RunRecord
	checkpoints map[string][]state.CheckpointRecord
	leases      map[string]lease
}

type lease struct {
	owner   string
	expires time.Time
}

func New() *Store {
	return &Store{
		runs:        map[string]state.RunRecord{},
		checkpoints: map[string][]state.CheckpointRecord{},
		leases:      map[string]lease{},
	}
}

func (m *Store) SaveRun(_ context.Context, run state.RunRecord) error {
	if err := run.Normalize(time.Now().UTC()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.runs[run.RunID]; ok {
		run.CreatedAt = prev.CreatedAt
	}
	m.runs[run.RunID] = run
	return nil
}

func (m *Store) LoadRun(_ context.Context, runID string) (state.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return state.RunRecord{}, state.ErrNotFound
	}
	return run, nil
}

func (m *Store) ListRuns(_ context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]state.RunRecord, 0, len(m.runs))
	for _, run := range m.runs {
		if query.Model != "" && run.Model != query.Model {
			continue
		}
		if query.Status != "" && run.Status != query.Status {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(*out[j].CreatedAt)
	})
	if query.Offset > 0 {
		if query.Offset >= len(out) {
			return []state.RunRecord{}, nil
		}
		out = out[query.Offset:]
	}
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (m *Store) SaveCheckpoint(_ context.Context, checkpoint state.CheckpointRecord) error {
	if err := checkpoint.Normalize(time.Now().UTC()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.checkpoints[checkpoint.RunID]
	for _, item := range existing {
		if item.Step == checkpoint.Step {
			return state.ErrConflict
		}
	}
	m.checkpoints[checkpoint.RunID] = append(existing, checkpoint)
	return nil
}

func (m *Store) LoadLatestCheckpoint(_ context.Context, runID string) (state.CheckpointRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.checkpoints[runID]
	if len(list) == 0 {
		return state.CheckpointRecord{}, state.ErrNotFound
	}
	latest := list[0]
	for _, item := range list[1:] {
		if item.Step > latest.Step {
			latest = item
		}
	}
	return latest, nil
}

func (m *Store) ListCheckpoints(_ context.Context, runID string, limit int) ([]state.CheckpointRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append([]state.CheckpointRecord(nil), m.checkpoints[runID]...)
	sort.Slice(list, func(i, j int) bool { return list[i].Step > list[j].Step })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *Store) AcquireRunLock(_ context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	if runID == "" || owner == "" {
		return false, fmt.Errorf("run_id and owner are required")
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[runID]; ok && cur.expires.After(now) {
		return false, nil
	}
	m.leases[runID] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *Store) RenewRunLock(_ context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	if runID == "" || owner == "" {
		return false, fmt.Errorf("run_id and owner are required")
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[runID]
	if !ok || cur.owner != owner || !cur.expires.After(now) {
		return false, nil
	}
	m.leases[runID] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *Store) ReleaseRunLock(_ context.Context, runID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[runID]; ok && cur.owner == owner {
		delete(m.leases, runID)
	}
	return nil
}

func (m *Store) Close() error { return nil }

var (
	_ state.Store  = (*Store)(nil)
	_ state.Locker = (*Store)(nil)
)
