package lrschedule

import (
	"math"
	"testing"
)

func TestLinearWarmupThenDecay(t *testing.T) {
	s, err := New(Params{InitialLR: 1, WarmupRatio: 0.1, WarmupMode: "linear", TotalSteps: 100})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cases := []struct {
		step uint64
		want float64
	}{
		{5, 0.5},
		{10, 1},
		{55, 0.5},
		{100, 0},
	}
	for _, tc := range cases {
		if got := s.LearningRate(tc.step); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("LearningRate(%d) = %v, want %v", tc.step, got, tc.want)
		}
	}
}

func TestNoneModeIsConstant(t *testing.T) {
	s, _ := New(Params{InitialLR: 0.01, TotalSteps: 10})
	for step := uint64(1); step <= 10; step++ {
		if got := s.LearningRate(step); got != 0.01 {
			t.Fatalf("LearningRate(%d) = %v", step, got)
		}
	}
}

func TestCosineAndPoly(t *testing.T) {
	cos, _ := New(Params{InitialLR: 2, WarmupMode: WarmupCosine, TotalSteps: 4})
	if got := cos.LearningRate(2); math.Abs(got-1) > 1e-9 {
		t.Fatalf("cosine midpoint = %v, want 1", got)
	}
	poly, _ := New(Params{InitialLR: 1, WarmupMode: WarmupPoly, TotalSteps: 4})
	if got := poly.LearningRate(3); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("poly at 3/4 = %v, want 0.5", got)
	}
}

func TestValidate(t *testing.T) {
	if _, err := New(Params{InitialLR: -1}); err == nil {
		t.Fatal("expected error for negative lr")
	}
	if _, err := New(Params{InitialLR: 1, WarmupRatio: 1}); err == nil {
		t.Fatal("expected error for warmup ratio 1")
	}
	if _, err := New(Params{InitialLR: 1, WarmupMode: "exp"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
