package observe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type collectingSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *collectingSink) Emit(_ context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *collectingSink) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestEmitterStampsRunAndSpans(t *testing.T) {
	sink := &collectingSink{}
	em := NewEmitter(sink, "run-1", 1)
	if err := em.Emit(context.Background(), Event{Kind: KindStep, Step: 3, Name: StepUpdate}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	got := sink.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	e := got[0]
	if e.RunID != "run-1" || e.Stage != 1 {
		t.Fatalf("unexpected run/stage: %+v", e)
	}
	if e.SpanID != "run-1:1:step:0:3" || e.ParentSpanID != "run-1:1" {
		t.Fatalf("unexpected span ids: %q %q", e.SpanID, e.ParentSpanID)
	}
	if e.Status != StatusCompleted || e.Timestamp.IsZero() {
		t.Fatalf("event not normalized: %+v", e)
	}
}

func TestMultiSinkSkipsNil(t *testing.T) {
	if _, ok := NewMultiSink(nil, nil).(NoopSink); !ok {
		t.Fatal("expected NoopSink for no sinks")
	}
	a, b := &collectingSink{}, &collectingSink{}
	sink := NewMultiSink(a, nil, b)
	_ = sink.Emit(context.Background(), Event{Kind: KindRun})
	if len(a.snapshot()) != 1 || len(b.snapshot()) != 1 {
		t.Fatal("event not fanned out")
	}
}

func TestMultiSinkDeliversPastFailure(t *testing.T) {
	boom := errors.New("boom")
	failing := SinkFunc(func(context.Context, Event) error { return boom })
	after := &collectingSink{}
	err := NewMultiSink(failing, after).Emit(context.Background(), Event{Kind: KindRun})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(after.snapshot()) != 1 {
		t.Fatal("sink after a failing one was skipped")
	}
}

func TestDropKinds(t *testing.T) {
	down := &collectingSink{}
	sink := DropKinds(down, KindStep)
	for _, k := range []Kind{KindRun, KindStep, KindCheckpoint, KindStep} {
		_ = sink.Emit(context.Background(), Event{Kind: k})
	}
	got := down.snapshot()
	if len(got) != 2 || got[0].Kind != KindRun || got[1].Kind != KindCheckpoint {
		t.Fatalf("unexpected forwarded events: %+v", got)
	}
	if DropKinds(down) != Sink(down) {
		t.Fatal("no kinds should return the downstream sink")
	}
}

func TestAsyncSinkDelivers(t *testing.T) {
	down := &collectingSink{}
	async := NewAsyncSink(down, 4)
	_ = async.Emit(context.Background(), Event{Kind: KindCheckpoint})
	async.Close()
	deadline := time.Now().Add(time.Second)
	for len(down.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(down.snapshot()) != 1 {
		t.Fatal("async sink did not deliver")
	}
}
