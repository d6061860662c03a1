package observe

import "time"

type Kind string

type Status string

const (
	KindRun        Kind = "run"
	KindStep       Kind = "step"
	KindEvaluation Kind = "evaluation"
	KindCheckpoint Kind = "checkpoint"
	KindShard      Kind = "shard"
	KindCustom     Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Step event names.
const (
	StepAccumulate = "accumulate"
	StepUpdate     = "update"
)

type Event struct {
	ID           string         `json:"id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	RunID        string         `json:"runId,omitempty"`
	Stage        int            `json:"stage"`
	Step         uint64         `json:"step"`
	Round        uint64         `json:"round"`
	SpanID       string         `json:"spanId,omitempty"`
	ParentSpanID string         `json:"parentSpanId,omitempty"`
	Kind         Kind           `json:"kind"`
	Status       Status         `json:"status,omitempty"`
	Name         string         `json:"name,omitempty"`
	Message      string         `json:"message,omitempty"`
	Error        string         `json:"error,omitempty"`
	DurationMs   int64          `json:"durationMs,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Status == "" {
		e.Status = StatusCompleted
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}
