package observe

import (
	"context"
	"fmt"
)

// Emitter stamps events with the run and stage they belong to and derives
// span ids so that steps, evaluations and checkpoints nest under the run.
type Emitter struct {
	sink  Sink
	runID string
	stage int
}

func NewEmitter(sink Sink, runID string, stage int) *Emitter {
	if sink == nil {
		sink = NoopSink{}
	}
	return &Emitter{sink: sink, runID: runID, stage: stage}
}

func (e *Emitter) RunID() string { return e.runID }

func (e *Emitter) Emit(ctx context.Context, event Event) error {
	if e == nil {
		return nil
	}
	event.RunID = e.runID
	event.Stage = e.stage
	if event.SpanID == "" {
		event.SpanID = spanIDFor(event)
	}
	if event.ParentSpanID == "" {
		event.ParentSpanID = parentSpanIDFor(event)
	}
	event.Normalize()
	return e.sink.Emit(ctx, event)
}

func spanIDFor(e Event) string {
	if e.RunID == "" {
		return ""
	}
	switch e.Kind {
	case KindStep:
		return fmt.Sprintf("%s:%d:step:%d:%d", e.RunID, e.Stage, e.Round, e.Step)
	case KindEvaluation:
		return fmt.Sprintf("%s:%d:eval:%d:%d", e.RunID, e.Stage, e.Round, e.Step)
	case KindCheckpoint:
		return fmt.Sprintf("%s:%d:checkpoint:%d", e.RunID, e.Stage, e.Step)
	case KindShard:
		return fmt.Sprintf("%s:%d:shard:%s", e.RunID, e.Stage, e.Name)
	default:
		return fmt.Sprintf("%s:%d", e.RunID, e.Stage)
	}
}

func parentSpanIDFor(e Event) string {
	if e.RunID == "" || e.Kind == KindRun {
		return ""
	}
	return fmt.Sprintf("%s:%d", e.RunID, e.Stage)
}
