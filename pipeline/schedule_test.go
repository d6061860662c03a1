package pipeline

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewScheduleRequiresMicroBatchesWhenPipelined(t *testing.T) {
	if _, err := NewSchedule(2, 0); err == nil {
		t.Fatal("expected error for 2 stages without micro-batches")
	}
	if _, err := NewSchedule(0, 4); err == nil {
		t.Fatal("expected error for zero stages")
	}
	if _, err := NewSchedule(1, 0); err != nil {
		t.Fatalf("single stage without micro-batches should be allowed: %v", err)
	}
}

func TestEventIDIsDeterministic(t *testing.T) {
	a, err := NewSchedule(4, 3)
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}
	b, _ := NewSchedule(4, 3)
	for stage := 0; stage < 4; stage++ {
		for slot := 0; slot < 3; slot++ {
			for _, kind := range EventKinds {
				first := a.EventID(ModeTraining, stage, slot, kind)
				if second := a.EventID(ModeTraining, stage, slot, kind); second != first {
					t.Fatalf("stage %d slot %d %s: %d then %d", stage, slot, kind, first, second)
				}
				if other := b.EventID(ModeTraining, stage, slot, kind); other != first {
					t.Fatalf("stage %d slot %d %s differs across schedules: %d vs %d", stage, slot, kind, first, other)
				}
			}
		}
	}
}

func TestEvaluationYieldsNoEvent(t *testing.T) {
	s, _ := NewSchedule(3, 2)
	for stage := 0; stage < 3; stage++ {
		for slot := 0; slot < 2; slot++ {
			for _, kind := range EventKinds {
				if got := s.EventID(ModeEvaluation, stage, slot, kind); got != NoEvent {
					t.Fatalf("evaluation id for stage %d slot %d %s = %d", stage, slot, kind, got)
				}
			}
		}
	}
}

func TestTaskOrderIsOneForwardOneBackward(t *testing.T) {
	s, _ := NewSchedule(3, 4)
	got := make([]string, 0)
	for _, task := range s.Tasks(0) {
		got = append(got, task.String())
	}
	want := []string{"F0", "F1", "F2", "B0", "F3", "B1", "B2", "B3"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("stage 0 order mismatch (-want +got):\n%s", diff)
	}
	got = got[:0]
	for _, task := range s.Tasks(2) {
		got = append(got, task.String())
	}
	want = []string{"F0", "B0", "F1", "B1", "F2", "B2", "F3", "B3"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("last stage order mismatch (-want +got):\n%s", diff)
	}
}

func TestNeighbouringStagesAgreeOnEvents(t *testing.T) {
	const stages, micro = 3, 2
	s, _ := NewSchedule(stages, micro)
	for slot := 0; slot < micro; slot++ {
		for stage := 1; stage < stages; stage++ {
			sent := s.EventID(ModeTraining, stage-1, slot, ForwardRecordBeforeSend)
			recv := s.EventID(ModeTraining, stage, slot, ForwardWaitAfterRecv)
			if sent == NoEvent || sent != recv {
				t.Fatalf("forward slot %d stage %d: sent %d recv %d", slot, stage, sent, recv)
			}
			sentBack := s.EventID(ModeTraining, stage, slot, BackwardRecordBeforeSend)
			recvBack := s.EventID(ModeTraining, stage-1, slot, BackwardWaitAfterRecv)
			if sentBack == NoEvent || sentBack != recvBack {
				t.Fatalf("backward slot %d stage %d: sent %d recv %d", slot, stage, sentBack, recvBack)
			}
		}
		if got := s.EventID(ModeTraining, 0, slot, ForwardWaitAfterRecv); got != NoEvent {
			t.Fatalf("first stage has no upstream, got %d", got)
		}
		if got := s.EventID(ModeTraining, stages-1, slot, BackwardWaitAfterRecv); got != NoEvent {
			t.Fatalf("last stage has no downstream, got %d", got)
		}
	}
}

func TestWaitChainsFollowTaskOrder(t *testing.T) {
	s, _ := NewSchedule(2, 2)
	// stage 0 order: F0 F1 B0 B1
	if got := s.EventID(ModeTraining, 0, 0, ForwardWait); got != NoEvent {
		t.Fatalf("first task must not wait, got %d", got)
	}
	if got, want := s.EventID(ModeTraining, 0, 1, ForwardWait), s.EventID(ModeTraining, 0, 0, ForwardRecord); got != want {
		t.Fatalf("F1 waits on %d, want F0 record %d", got, want)
	}
	if got, want := s.EventID(ModeTraining, 0, 0, BackwardWait), s.EventID(ModeTraining, 0, 1, ForwardRecord); got != want {
		t.Fatalf("B0 waits on %d, want F1 record %d", got, want)
	}
	if got, want := s.EventID(ModeTraining, 0, 1, BackwardWait), s.EventID(ModeTraining, 0, 0, BackwardRecord); got != want {
		t.Fatalf("B1 waits on %d, want B0 record %d", got, want)
	}
}

func TestRecordIDsAreUnique(t *testing.T) {
	s, _ := NewSchedule(4, 4)
	seen := map[int64]string{}
	for stage := 0; stage < 4; stage++ {
		for slot := 0; slot < 4; slot++ {
			for _, kind := range []EventKind{ForwardRecord, BackwardRecord, ForwardRecordBeforeSend, BackwardRecordBeforeSend} {
				id := s.EventID(ModeTraining, stage, slot, kind)
				if id == NoEvent {
					continue
				}
				if prev, ok := seen[id]; ok {
					t.Fatalf("id %d reused by %s and stage %d slot %d %s", id, prev, stage, slot, kind)
				}
				seen[id] = kind.String()
			}
		}
	}
}

func TestSlotWrapsAround(t *testing.T) {
	s, _ := NewSchedule(2, 2)
	if s.EventID(ModeTraining, 1, 3, ForwardRecord) != s.EventID(ModeTraining, 1, 1, ForwardRecord) {
		t.Fatal("slot 3 should wrap to slot 1")
	}
	if got := s.SlotForStep(5); got != 1 {
		t.Fatalf("SlotForStep(5) = %d, want 1", got)
	}
	if got := s.EventID(ModeTraining, 7, 0, ForwardRecord); got != NoEvent {
		t.Fatalf("unknown stage should yield NoEvent, got %d", got)
	}
}

func TestContextValidate(t *testing.T) {
	ctx := SingleStage(2)
	if err := ctx.Validate(); err != nil {
		t.Fatalf("single stage: %v", err)
	}
	ctx.Events.ForwardWait = "fw"
	if err := ctx.Validate(); err == nil {
		t.Fatal("expected error for event names without pipelining")
	}
	piped := Context{StageID: 1, NumStages: 2, NumMicroBatches: 2, FetchNames: NameSet("loss", "")}
	if err := piped.Validate(); err != nil {
		t.Fatalf("pipelined: %v", err)
	}
	if got := piped.FilterFetches([]string{"loss", "accuracy"}); len(got) != 1 || got[0] != "loss" {
		t.Fatalf("FilterFetches = %v", got)
	}
	if !piped.IsLastStage() {
		t.Fatal("stage 1 of 2 should be last")
	}
}
