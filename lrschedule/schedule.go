// Package lrschedule computes per-step learning rates with an optional warmup.
package lrschedule

import (
	"fmt"
	"math"
	"strings"
)

type WarmupMode string

const (
	WarmupNone     WarmupMode = "None"
	WarmupConstant WarmupMode = "Constant"
	WarmupCosine   WarmupMode = "Cosine"
	WarmupLinear   WarmupMode = "Linear"
	WarmupPoly     WarmupMode = "Poly"
)

func ParseWarmupMode(raw string) (WarmupMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return WarmupNone, nil
	case "constant":
		return WarmupConstant, nil
	case "cosine":
		return WarmupCosine, nil
	case "linear":
		return WarmupLinear, nil
	case "poly":
		return WarmupPoly, nil
	default:
		return "", fmt.Errorf("unsupported warmup mode %q", raw)
	}
}

// Params configures a Scheduler. WarmupRatio is the fraction of TotalSteps
// spent ramping up from zero.
type Params struct {
	InitialLR   float64
	WarmupRatio float64
	WarmupMode  WarmupMode
	TotalSteps  uint64
	FeedName    string
}

func (p Params) Validate() error {
	if p.InitialLR < 0 || math.IsNaN(p.InitialLR) {
		return fmt.Errorf("learning rate must be non-negative, got %v", p.InitialLR)
	}
	if p.WarmupRatio < 0 || p.WarmupRatio >= 1 {
		return fmt.Errorf("warmup ratio must be in [0,1), got %v", p.WarmupRatio)
	}
	if _, err := ParseWarmupMode(string(p.WarmupMode)); err != nil {
		return err
	}
	return nil
}

type Scheduler struct {
	params Params
}

func New(params Params) (*Scheduler, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	mode, _ := ParseWarmupMode(string(params.WarmupMode))
	params.WarmupMode = mode
	return &Scheduler{params: params}, nil
}

func (s *Scheduler) Params() Params { return s.params }

// LearningRate returns the rate for a 1-based step.
func (s *Scheduler) LearningRate(step uint64) float64 {
	return s.params.InitialLR * s.multiplier(step)
}

func (s *Scheduler) multiplier(step uint64) float64 {
	if s.params.WarmupMode == WarmupNone || s.params.TotalSteps == 0 {
		return 1
	}
	x := float64(step) / float64(s.params.TotalSteps)
	warmup := s.params.WarmupRatio
	if x < warmup {
		return x / warmup
	}
	switch s.params.WarmupMode {
	case WarmupConstant:
		return 1
	case WarmupCosine:
		return 0.5 * (1 + math.Cos(math.Pi*x))
	case WarmupLinear:
		if warmup >= 1 {
			return 0
		}
		return math.Max((x-1)/(warmup-1), 0)
	case WarmupPoly:
		return math.Pow(math.Max(1-x, 0), 0.5)
	default:
		return 1
	}
}
