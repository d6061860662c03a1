// Package pipeline assigns the synchronization event ids that keep forward
// and backward micro-batches ordered across pipeline stages.
//
// Each stage runs its micro-batches in a one-forward-one-backward (1F1B)
// order: stage s of S first runs min(S-s-1, M) warmup forwards, then
// alternates one forward and one backward, then drains the remaining
// backwards. Every task records two events (one before sending its
// activation or gradient to a neighbour, one when it completes) and waits
// on the completion event of the previous task in the same stage. A stage
// receiving from a neighbour additionally waits on that neighbour's
// record-before-send event for the same micro-batch, so producer and
// consumer agree on the id without a coordinator.
package pipeline

import "fmt"

// NoEvent disables waiting or recording for an event input.
const NoEvent int64 = -1

type EventKind int

const (
	ForwardWait EventKind = iota
	ForwardWaitAfterRecv
	ForwardRecordBeforeSend
	ForwardRecord
	BackwardWait
	BackwardWaitAfterRecv
	BackwardRecordBeforeSend
	BackwardRecord
	numEventKinds
)

// EventKinds lists every kind in feed order.
var EventKinds = [numEventKinds]EventKind{
	ForwardWait, ForwardWaitAfterRecv, ForwardRecordBeforeSend, ForwardRecord,
	BackwardWait, BackwardWaitAfterRecv, BackwardRecordBeforeSend, BackwardRecord,
}

func (k EventKind) String() string {
	switch k {
	case ForwardWait:
		return "forward-wait"
	case ForwardWaitAfterRecv:
		return "forward-wait-after-recv"
	case ForwardRecordBeforeSend:
		return "forward-record-before-send"
	case ForwardRecord:
		return "forward-record"
	case BackwardWait:
		return "backward-wait"
	case BackwardWaitAfterRecv:
		return "backward-wait-after-recv"
	case BackwardRecordBeforeSend:
		return "backward-record-before-send"
	case BackwardRecord:
		return "backward-record"
	default:
		return fmt.Sprintf("event-kind(%d)", int(k))
	}
}

type Mode int

const (
	ModeTraining Mode = iota
	ModeEvaluation
)

type Pass int

const (
	Forward Pass = iota
	Backward
)

func (p Pass) String() string {
	if p == Backward {
		return "B"
	}
	return "F"
}

// Task is one forward or backward pass of a micro-batch on a stage.
type Task struct {
	Pass       Pass
	MicroBatch int
}

func (t Task) String() string { return fmt.Sprintf("%s%d", t.Pass, t.MicroBatch) }

// Schedule is immutable after construction and safe for concurrent use.
type Schedule struct {
	numStages       int
	numMicroBatches int
	ids             [][][numEventKinds]int64 // [stage][slot][kind]
	tasks           [][]Task
}

func NewSchedule(numStages, numMicroBatches int) (*Schedule, error) {
	if numStages < 1 {
		return nil, fmt.Errorf("pipeline: number of stages must be positive, got %d", numStages)
	}
	if numStages > 1 && numMicroBatches < 1 {
		return nil, fmt.Errorf("pipeline: %d stages require a positive micro-batch count, got %d", numStages, numMicroBatches)
	}
	if numMicroBatches < 0 {
		numMicroBatches = 0
	}
	s := &Schedule{
		numStages:       numStages,
		numMicroBatches: numMicroBatches,
		ids:             make([][][numEventKinds]int64, numStages),
		tasks:           make([][]Task, numStages),
	}
	for stage := 0; stage < numStages; stage++ {
		s.tasks[stage] = taskOrder(numStages, numMicroBatches, stage)
	}
	for stage := 0; stage < numStages; stage++ {
		s.ids[stage] = make([][numEventKinds]int64, numMicroBatches)
		for slot := 0; slot < numMicroBatches; slot++ {
			s.ids[stage][slot] = s.compute(stage, slot)
		}
	}
	return s, nil
}

func (s *Schedule) NumStages() int { return s.numStages }

func (s *Schedule) NumMicroBatches() int { return s.numMicroBatches }

// Tasks returns the execution order of a stage.
func (s *Schedule) Tasks(stage int) []Task {
	if stage < 0 || stage >= s.numStages {
		return nil
	}
	return append([]Task(nil), s.tasks[stage]...)
}

// EventID returns the event id fed for kind on the given stage and slot.
// Evaluation passes, unknown stages and schedules without micro-batches
// yield NoEvent. Slots wrap modulo the micro-batch count.
func (s *Schedule) EventID(mode Mode, stage, slot int, kind EventKind) int64 {
	if s == nil || mode == ModeEvaluation {
		return NoEvent
	}
	if stage < 0 || stage >= s.numStages || s.numMicroBatches == 0 {
		return NoEvent
	}
	if kind < 0 || kind >= numEventKinds {
		return NoEvent
	}
	slot %= s.numMicroBatches
	if slot < 0 {
		slot += s.numMicroBatches
	}
	return s.ids[stage][slot][kind]
}

// SlotForStep maps a training step onto a micro-batch slot.
func (s *Schedule) SlotForStep(step uint64) int {
	if s == nil || s.numMicroBatches == 0 {
		return 0
	}
	return int(step % uint64(s.numMicroBatches))
}

func taskOrder(numStages, numMicroBatches, stage int) []Task {
	warmup := numStages - stage - 1
	if warmup > numMicroBatches {
		warmup = numMicroBatches
	}
	order := make([]Task, 0, 2*numMicroBatches)
	for b := 0; b < warmup; b++ {
		order = append(order, Task{Pass: Forward, MicroBatch: b})
	}
	for b := 0; b < numMicroBatches; b++ {
		if next := warmup + b; next < numMicroBatches {
			order = append(order, Task{Pass: Forward, MicroBatch: next})
		}
		order = append(order, Task{Pass: Backward, MicroBatch: b})
	}
	return order
}

func (s *Schedule) base(stage, slot int, pass Pass) int64 {
	return int64(((stage*s.numMicroBatches+slot)*2+int(pass))*2)
}

func (s *Schedule) recordBeforeSend(stage, slot int, pass Pass) int64 {
	return s.base(stage, slot, pass)
}

func (s *Schedule) record(stage, slot int, pass Pass) int64 {
	return s.base(stage, slot, pass) + 1
}

// waitFor returns the completion event of the task preceding t on stage.
func (s *Schedule) waitFor(stage int, t Task) int64 {
	order := s.tasks[stage]
	for i, candidate := range order {
		if candidate != t {
			continue
		}
		if i == 0 {
			return NoEvent
		}
		prev := order[i-1]
		return s.record(stage, prev.MicroBatch, prev.Pass)
	}
	return NoEvent
}

func (s *Schedule) compute(stage, slot int) [numEventKinds]int64 {
	last := s.numStages - 1
	var ids [numEventKinds]int64

	ids[ForwardWait] = s.waitFor(stage, Task{Pass: Forward, MicroBatch: slot})
	ids[ForwardRecord] = s.record(stage, slot, Forward)
	ids[ForwardRecordBeforeSend] = NoEvent
	if stage < last {
		ids[ForwardRecordBeforeSend] = s.recordBeforeSend(stage, slot, Forward)
	}
	ids[ForwardWaitAfterRecv] = NoEvent
	if stage > 0 {
		ids[ForwardWaitAfterRecv] = s.recordBeforeSend(stage-1, slot, Forward)
	}

	ids[BackwardWait] = s.waitFor(stage, Task{Pass: Backward, MicroBatch: slot})
	ids[BackwardRecord] = s.record(stage, slot, Backward)
	ids[BackwardRecordBeforeSend] = NoEvent
	if stage > 0 {
		ids[BackwardRecordBeforeSend] = s.recordBeforeSend(stage, slot, Backward)
	}
	ids[BackwardWaitAfterRecv] = NoEvent
	if stage < last {
		ids[BackwardWaitAfterRecv] = s.recordBeforeSend(stage+1, slot, Backward)
	}
	return ids
}
