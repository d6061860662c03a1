// Package workerpool runs engine executions on a fixed set of slots. A slot
// owns its feed and fetch buffers from Dispatch until the matching Join, so
// a buffer is never rewritten while an execution may still read it.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/PipeOpsHQ/pipetrain-go/engine"
	"github.com/PipeOpsHQ/pipetrain-go/tensor"
)

// ErrExecution wraps every failure reported by an execution.
var ErrExecution = errors.New("workerpool: execution failed")

type Executor interface {
	Run(ctx context.Context, opts engine.RunOptions, feedNames []string, feeds []tensor.Value, fetchNames []string) ([]tensor.Value, error)
}

type Request struct {
	Options    engine.RunOptions
	FeedNames  []string
	Feeds      []tensor.Value
	FetchNames []string
}

// Buffers are the per-dispatch buffers of a slot. Fetches is populated once
// the execution finishes.
type Buffers struct {
	Options    engine.RunOptions
	FeedNames  []string
	Feeds      []tensor.Value
	FetchNames []string
	Fetches    []tensor.Value
}

// Fetch returns the fetched value for name.
func (b *Buffers) Fetch(name string) (tensor.Value, bool) {
	if b == nil {
		return tensor.Value{}, false
	}
	for i, n := range b.FetchNames {
		if n == name && i < len(b.Fetches) {
			return b.Fetches[i], true
		}
	}
	return tensor.Value{}, false
}

// Observer sees every buffer handoff. Used for instrumentation.
type Observer interface {
	Dispatched(slot int, buffers *Buffers)
	Joined(slot int, buffers *Buffers)
}

type Option func(*Pool)

func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

type slot struct {
	mu      sync.Mutex
	buffers *Buffers
	done    chan struct{}
	err     error
}

type Pool struct {
	exec     Executor
	slots    []*slot
	observer Observer
}

func New(exec Executor, size int, opts ...Option) (*Pool, error) {
	if exec == nil {
		return nil, fmt.Errorf("workerpool: executor is required")
	}
	if size < 1 {
		return nil, fmt.Errorf("workerpool: size must be positive, got %d", size)
	}
	p := &Pool{exec: exec, slots: make([]*slot, size)}
	for i := range p.slots {
		p.slots[i] = &slot{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pool) Size() int { return len(p.slots) }

// SlotFor maps a step onto a slot index.
func (p *Pool) SlotFor(step uint64) int {
	return int(step % uint64(len(p.slots)))
}

// Dispatch retires the slot's previous execution, hands the request to the
// slot and starts it. An error remembered from the previous execution is
// returned without starting the new one. When synchronous, Dispatch waits
// for completion and returns its error.
func (p *Pool) Dispatch(ctx context.Context, index int, req Request, synchronous bool) error {
	s, err := p.slot(index)
	if err != nil {
		return err
	}
	if err := p.Join(index); err != nil {
		return err
	}

	buffers := &Buffers{
		Options:    req.Options,
		FeedNames:  append([]string(nil), req.FeedNames...),
		Feeds:      append([]tensor.Value(nil), req.Feeds...),
		FetchNames: append([]string(nil), req.FetchNames...),
	}
	done := make(chan struct{})

	s.mu.Lock()
	s.buffers = buffers
	s.done = done
	s.mu.Unlock()
	if p.observer != nil {
		p.observer.Dispatched(index, buffers)
	}

	go p.execute(ctx, s, buffers, done)

	if synchronous {
		return p.Join(index)
	}
	return nil
}

func (p *Pool) execute(ctx context.Context, s *slot, b *Buffers, done chan struct{}) {
	var runErr error
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("panic: %v", r)
		}
		s.mu.Lock()
		s.err = runErr
		s.mu.Unlock()
		close(done)
	}()
	fetches, err := p.exec.Run(ctx, b.Options, b.FeedNames, b.Feeds, b.FetchNames)
	if err != nil {
		runErr = err
		return
	}
	b.Fetches = fetches
}

// Join blocks until the slot's outstanding execution completes. It is a
// no-op when nothing is outstanding. The execution error, if any, is
// returned once and then cleared.
func (p *Pool) Join(index int) error {
	s, err := p.slot(index)
	if err != nil {
		return err
	}
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	s.mu.Lock()
	if s.done != done {
		// Joined concurrently by another caller.
		s.mu.Unlock()
		return nil
	}
	s.done = nil
	runErr := s.err
	s.err = nil
	buffers := s.buffers
	s.mu.Unlock()

	if p.observer != nil {
		p.observer.Joined(index, buffers)
	}
	if runErr != nil {
		return fmt.Errorf("slot %d: %w: %w", index, ErrExecution, runErr)
	}
	return nil
}

// JoinAll drains every slot and reports all execution errors.
func (p *Pool) JoinAll() error {
	var errs []error
	for i := range p.slots {
		if err := p.Join(i); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Result hands the buffers of the last completed execution back to the
// caller. It reports false while the slot is still running.
func (p *Pool) Result(index int) (*Buffers, bool) {
	s, err := p.slot(index)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil || s.buffers == nil {
		return nil, false
	}
	return s.buffers, true
}

func (p *Pool) slot(index int) (*slot, error) {
	if index < 0 || index >= len(p.slots) {
		return nil, fmt.Errorf("workerpool: slot %d outside [0,%d)", index, len(p.slots))
	}
	return p.slots[index], nil
}
