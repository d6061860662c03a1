// Package lossscale keeps mixed-precision gradients in range by scaling the
// loss, halving the scale on overflow and doubling it after a window of
// finite steps.
package lossscale

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

const (
	DefaultInitialScale   = float64(1 << 16)
	DefaultMinScale       = 1.0
	DefaultMaxScale       = float64(1 << 24)
	DefaultGrowthInterval = 2000
)

type Option func(*Scaler)

func WithInitialScale(scale float64) Option {
	return func(s *Scaler) {
		if scale > 0 {
			s.initial = scale
		}
	}
}

func WithBounds(minScale, maxScale float64) Option {
	return func(s *Scaler) {
		if minScale > 0 && maxScale >= minScale {
			s.min = minScale
			s.max = maxScale
		}
	}
}

func WithGrowthInterval(steps uint32) Option {
	return func(s *Scaler) {
		if steps > 0 {
			s.growthInterval = steps
		}
	}
}

// Scaler is owned by a single orchestrator and is not safe for concurrent use.
type Scaler struct {
	inputName      string
	dynamic        bool
	initial        float64
	min            float64
	max            float64
	growthInterval uint32

	scale  float64
	stable uint32
}

// NewDynamic returns a scaler adjusted by UpdateLossScale. inputName is the
// graph input receiving the scale.
func NewDynamic(inputName string, opts ...Option) *Scaler {
	s := &Scaler{
		inputName:      inputName,
		dynamic:        true,
		initial:        DefaultInitialScale,
		min:            DefaultMinScale,
		max:            DefaultMaxScale,
		growthInterval: DefaultGrowthInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.initial = clamp(s.initial, s.min, s.max)
	s.scale = s.initial
	return s
}

// NewStatic returns a scaler that always reports scale.
func NewStatic(inputName string, scale float64) (*Scaler, error) {
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("lossscale: static scale must be positive and finite, got %v", scale)
	}
	return &Scaler{
		inputName: inputName,
		initial:   scale,
		min:       scale,
		max:       scale,
		scale:     scale,
	}, nil
}

func (s *Scaler) InputName() string { return s.inputName }

func (s *Scaler) IsDynamic() bool { return s.dynamic }

func (s *Scaler) GetLossScale() float64 { return s.scale }

// StableSteps is the number of finite updates since the last change.
func (s *Scaler) StableSteps() uint32 { return s.stable }

// UpdateLossScale consumes the overflow flag of one weight update.
func (s *Scaler) UpdateLossScale(allFinite bool) {
	if !s.dynamic {
		return
	}
	if !allFinite {
		s.scale = math.Max(s.scale/2, s.min)
		s.stable = 0
		return
	}
	s.stable++
	if s.stable >= s.growthInterval {
		s.scale = math.Min(s.scale*2, s.max)
		s.stable = 0
	}
}

// Reset restores the initial scale and clears the window.
func (s *Scaler) Reset() {
	s.scale = s.initial
	s.stable = 0
}

type persisted struct {
	LossScale   float64 `json:"loss_scale"`
	StableSteps uint32  `json:"stable_steps"`
}

// SaveState encodes the scale and window as an opaque string.
func (s *Scaler) SaveState() (string, error) {
	raw, err := json.Marshal(persisted{LossScale: s.scale, StableSteps: s.stable})
	if err != nil {
		return "", fmt.Errorf("failed to encode loss scaler state: %w", err)
	}
	return string(raw), nil
}

func (s *Scaler) LoadState(state string) error {
	state = strings.TrimSpace(state)
	if state == "" {
		return fmt.Errorf("lossscale: empty state")
	}
	var p persisted
	if err := json.Unmarshal([]byte(state), &p); err != nil {
		return fmt.Errorf("failed to decode loss scaler state: %w", err)
	}
	if p.LossScale <= 0 || math.IsNaN(p.LossScale) || math.IsInf(p.LossScale, 0) {
		return fmt.Errorf("lossscale: invalid persisted scale %v", p.LossScale)
	}
	if !s.dynamic {
		// A static scale is configuration, not state.
		return nil
	}
	s.scale = p.LossScale
	s.stable = p.StableSteps
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
