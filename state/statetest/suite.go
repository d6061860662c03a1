// Package statetest holds the behaviour every state.Store backend shares.
package statetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PipeOpsHQ/pipetrain-go/state"
)

// Run exercises newStore against the run and checkpoint contract. Each
// subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) state.Store) {
	t.Helper()
	t.Run("SaveLoadRun", func(t *testing.T) { testSaveLoadRun(t, newStore(t)) })
	t.Run("SaveRunUpsert", func(t *testing.T) { testSaveRunUpsert(t, newStore(t)) })
	t.Run("Checkpoints", func(t *testing.T) { testCheckpoints(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
}

func testSaveLoadRun(t *testing.T, s state.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	record := state.RunRecord{
		RunID:            "run-1",
		Model:            "sim:linear",
		Stage:            1,
		NumStages:        2,
		Step:             12,
		Round:            1,
		WeightUpdateStep: 6,
		DataSetIndex:     2,
		LossScale:        1024,
		Metadata:         map[string]any{"source": "test"},
		CreatedAt:        &now,
		UpdatedAt:        &now,
	}
	if err := s.SaveRun(ctx, record); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := s.LoadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if got.RunID != "run-1" || got.Model != "sim:linear" || got.Status != state.RunStatusRunning {
		t.Fatalf("unexpected run identity: %#v", got)
	}
	if got.Stage != 1 || got.NumStages != 2 || got.Step != 12 || got.WeightUpdateStep != 6 || got.DataSetIndex != 2 {
		t.Fatalf("unexpected run counters: %#v", got)
	}
	if got.LossScale != 1024 || got.Metadata["source"] != "test" {
		t.Fatalf("unexpected run payload: %#v", got)
	}

	if err := s.SaveRun(ctx, state.RunRecord{RunID: "run-2", Model: "other"}); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	runs, err := s.ListRuns(ctx, state.ListRunsQuery{Model: "sim:linear", Limit: 10})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-1" {
		t.Fatalf("expected run-1 only, got %#v", runs)
	}
	if err := s.SaveRun(ctx, state.RunRecord{RunID: "run-3"}); err == nil {
		t.Fatal("expected error for run without model")
	}
}

func testSaveRunUpsert(t *testing.T, s state.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	record := state.RunRecord{
		RunID:     "run-upsert",
		Model:     "m",
		Status:    state.RunStatusRunning,
		CreatedAt: &now,
		UpdatedAt: &now,
	}
	if err := s.SaveRun(ctx, record); err != nil {
		t.Fatalf("SaveRun initial failed: %v", err)
	}

	updated := record
	updated.Status = state.RunStatusCompleted
	updated.Step = 40
	now2 := now.Add(time.Second)
	updated.UpdatedAt = &now2
	updated.CompletedAt = &now2
	if err := s.SaveRun(ctx, updated); err != nil {
		t.Fatalf("SaveRun upsert failed: %v", err)
	}

	got, err := s.LoadRun(ctx, "run-upsert")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if got.Status != state.RunStatusCompleted || got.Step != 40 {
		t.Fatalf("upsert not applied: %#v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now2) {
		t.Fatalf("unexpected completed_at: %#v", got.CompletedAt)
	}
	if got.CreatedAt == nil || !got.CreatedAt.Equal(now) {
		t.Fatalf("created_at should remain unchanged: %#v", got.CreatedAt)
	}

	completed, err := s.ListRuns(ctx, state.ListRunsQuery{Status: state.RunStatusCompleted})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(completed) != 1 {
		t.Fatalf("expected 1 completed run, got %d", len(completed))
	}
}

func testCheckpoints(t *testing.T, s state.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.SaveRun(ctx, state.RunRecord{RunID: "run-ckpt", Model: "m"}); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	cp1 := state.CheckpointRecord{
		RunID:      "run-ckpt",
		Step:       10,
		Path:       "/ckpt/checkpoint_10",
		Digest:     "abc",
		Bytes:      64,
		Properties: map[string]string{"step": "10"},
		CreatedAt:  now,
	}
	cp2 := state.CheckpointRecord{
		RunID:      "run-ckpt",
		Step:       20,
		Path:       "/ckpt/checkpoint_20",
		Properties: map[string]string{"step": "20"},
		CreatedAt:  now.Add(time.Second),
	}
	if err := s.SaveCheckpoint(ctx, cp1); err != nil {
		t.Fatalf("SaveCheckpoint 1 failed: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, cp2); err != nil {
		t.Fatalf("SaveCheckpoint 2 failed: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, cp2); !errors.Is(err, state.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate checkpoint, got %v", err)
	}

	latest, err := s.LoadLatestCheckpoint(ctx, "run-ckpt")
	if err != nil {
		t.Fatalf("LoadLatestCheckpoint failed: %v", err)
	}
	if latest.Step != 20 || latest.Path != "/ckpt/checkpoint_20" || latest.Properties["step"] != "20" {
		t.Fatalf("unexpected latest checkpoint: %#v", latest)
	}

	all, err := s.ListCheckpoints(ctx, "run-ckpt", 10)
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(all))
	}
	if all[0].Step != 20 || all[1].Step != 10 {
		t.Fatalf("unexpected checkpoint order: %#v", all)
	}
	if all[1].Digest != "abc" || all[1].Bytes != 64 {
		t.Fatalf("unexpected checkpoint payload: %#v", all[1])
	}
	if err := s.SaveCheckpoint(ctx, state.CheckpointRecord{RunID: "run-ckpt", Step: 30}); err == nil {
		t.Fatal("expected error for checkpoint without path")
	}
}

func testNotFound(t *testing.T, s state.Store) {
	ctx := context.Background()
	if _, err := s.LoadRun(ctx, "missing"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing run, got %v", err)
	}
	if _, err := s.LoadLatestCheckpoint(ctx, "missing"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing checkpoint, got %v", err)
	}
}
