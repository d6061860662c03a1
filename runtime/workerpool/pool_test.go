package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PipeOpsHQ/pipetrain-go/engine"
	"github.com/PipeOpsHQ/pipetrain-go/tensor"
)

// slotExecutor reads the slot id from its first feed and counts executions
// running concurrently on each slot.
type slotExecutor struct {
	delay    time.Duration
	inFlight [4]atomic.Int32
	overlap  atomic.Bool
	failOn   string
}

func (e *slotExecutor) Run(_ context.Context, _ engine.RunOptions, feedNames []string, feeds []tensor.Value, fetchNames []string) ([]tensor.Value, error) {
	ids, _ := feeds[0].Int64s()
	slot := ids[0]
	if e.inFlight[slot].Add(1) > 1 {
		e.overlap.Store(true)
	}
	defer e.inFlight[slot].Add(-1)
	time.Sleep(e.delay)
	if e.failOn != "" && feedNames[0] == e.failOn {
		return nil, fmt.Errorf("boom")
	}
	out := make([]tensor.Value, len(fetchNames))
	for i := range out {
		out[i] = tensor.ScalarInt64(slot)
	}
	return out, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	pending  map[int]*Buffers
	seen     map[*Buffers]bool
	problems []string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{pending: map[int]*Buffers{}, seen: map[*Buffers]bool{}}
}

func (o *recordingObserver) Dispatched(slot int, b *Buffers) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.pending[slot]; ok && prev != nil {
		o.problems = append(o.problems, fmt.Sprintf("slot %d dispatched without join", slot))
	}
	if o.seen[b] {
		o.problems = append(o.problems, fmt.Sprintf("slot %d reused buffers", slot))
	}
	o.seen[b] = true
	o.pending[slot] = b
}

func (o *recordingObserver) Joined(slot int, b *Buffers) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending[slot] != b {
		o.problems = append(o.problems, fmt.Sprintf("slot %d joined foreign buffers", slot))
	}
	o.pending[slot] = nil
}

func request(name string, slot int) Request {
	return Request{
		FeedNames:  []string{name},
		Feeds:      []tensor.Value{tensor.ScalarInt64(int64(slot))},
		FetchNames: []string{"out"},
	}
}

func TestJoinBeforeReuse(t *testing.T) {
	exec := &slotExecutor{delay: 2 * time.Millisecond}
	obs := newRecordingObserver()
	pool, err := New(exec, 2, WithObserver(obs))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	for step := uint64(0); step < 20; step++ {
		slot := pool.SlotFor(step)
		if err := pool.Dispatch(ctx, slot, request("x", slot), step%5 == 4); err != nil {
			t.Fatalf("Dispatch step %d: %v", step, err)
		}
	}
	if err := pool.JoinAll(); err != nil {
		t.Fatalf("JoinAll: %v", err)
	}
	if exec.overlap.Load() {
		t.Fatal("two executions overlapped on one slot")
	}
	if len(obs.problems) > 0 {
		t.Fatalf("ownership violations: %v", obs.problems)
	}
}

func TestSynchronousDispatchExposesFetches(t *testing.T) {
	pool, _ := New(&slotExecutor{}, 2)
	if err := pool.Dispatch(context.Background(), 1, request("x", 1), true); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	b, ok := pool.Result(1)
	if !ok {
		t.Fatal("expected result after synchronous dispatch")
	}
	v, ok := b.Fetch("out")
	if !ok {
		t.Fatal("missing fetch")
	}
	if got, _ := v.Int64s(); got[0] != 1 {
		t.Fatalf("fetch = %v", got)
	}
}

func TestAsyncErrorRaisedAtNextJoin(t *testing.T) {
	pool, _ := New(&slotExecutor{failOn: "bad"}, 1)
	ctx := context.Background()
	if err := pool.Dispatch(ctx, 0, request("bad", 0), false); err != nil {
		t.Fatalf("async dispatch should not fail immediately: %v", err)
	}
	err := pool.Dispatch(ctx, 0, request("x", 0), false)
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("expected ErrExecution on reuse, got %v", err)
	}
	if err := pool.Join(0); err != nil {
		t.Fatalf("error must be reported once, got %v", err)
	}
}

func TestJoinAllCollectsErrors(t *testing.T) {
	pool, _ := New(&slotExecutor{failOn: "bad"}, 2)
	ctx := context.Background()
	_ = pool.Dispatch(ctx, 0, request("bad", 0), false)
	_ = pool.Dispatch(ctx, 1, request("bad", 1), false)
	err := pool.JoinAll()
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("expected ErrExecution, got %v", err)
	}
	if err := pool.JoinAll(); err != nil {
		t.Fatalf("second JoinAll should be clean: %v", err)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	pool, _ := New(&slotExecutor{}, 1)
	if err := pool.Join(0); err != nil {
		t.Fatalf("join idle slot: %v", err)
	}
	if err := pool.Join(3); err == nil {
		t.Fatal("expected out-of-range error")
	}
	if _, err := New(&slotExecutor{}, 0); err == nil {
		t.Fatal("expected size error")
	}
}
