package state

import (
	"fmt"
	"time"
)

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// RunRecord is the ledger entry of one training run on one stage.
type RunRecord struct {
	RunID            string         `json:"runId"`
	Model            string         `json:"model"`
	Stage            int            `json:"stage"`
	NumStages        int            `json:"numStages"`
	Status           string         `json:"status"`
	Step             uint64         `json:"step"`
	Round            uint64         `json:"round"`
	WeightUpdateStep uint64         `json:"weightUpdateStep"`
	DataSetIndex     uint64         `json:"dataSetIndex"`
	LossScale        float64        `json:"lossScale,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Error            string         `json:"error,omitempty"`
	CreatedAt        *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt        *time.Time     `json:"updatedAt,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
}

// CheckpointRecord is the ledger entry of a checkpoint written to disk.
type CheckpointRecord struct {
	RunID      string            `json:"runId"`
	Step       uint64            `json:"step"`
	Path       string            `json:"path"`
	Digest     string            `json:"digest,omitempty"`
	Bytes      int64             `json:"bytes,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Normalize fills defaults and checks required fields before a run is saved.
func (r *RunRecord) Normalize(now time.Time) error {
	if r.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if r.Status == "" {
		r.Status = RunStatusRunning
	}
	if r.NumStages <= 0 {
		r.NumStages = 1
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	if r.CreatedAt == nil {
		r.CreatedAt = &now
	}
	if r.UpdatedAt == nil {
		r.UpdatedAt = &now
	}
	return nil
}

// Normalize fills defaults and checks required fields before a checkpoint is saved.
func (c *CheckpointRecord) Normalize(now time.Time) error {
	if c.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	if c.Properties == nil {
		c.Properties = map[string]string{}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	return nil
}
