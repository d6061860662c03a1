// Package sim is an in-process execution engine running a linear regression
// "graph". It honours the engine contract closely enough to drive the
// orchestrator end to end: gradient accumulation, loss scaling, overflow
// flags, pipeline stage partitioning and state round-tripping.
package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/PipeOpsHQ/pipetrain-go/engine"
	"github.com/PipeOpsHQ/pipetrain-go/pipeline"
	"github.com/PipeOpsHQ/pipetrain-go/tensor"
)

// Graph input and output names.
const (
	InputName          = "input"
	LabelName          = "labels"
	LossScaleName      = "loss_scale"
	LearningRateName   = "Learning_Rate"
	LossName           = "loss"
	PredictionName     = "predictions"
	StageOutputName    = "stage_activations"
	AllFiniteName      = "all_gradients_finite"
	DeltaAllFiniteName = "all_deltas_finite"
	AccumulatedName    = "accumulated_gradient_ready"

	WeightsStateName = "weights"
	UpdatesStateName = "sim.updates"

	// ModelPrefix marks a model path that starts from zero weights.
	ModelPrefix = "sim:"
)

var ErrNotInitialized = errors.New("sim: engine not initialized")

// DefaultEvents are the event inputs of a partitioned graph.
var DefaultEvents = pipeline.EventNames{
	ForwardWait:              "forward_wait_event",
	ForwardWaitAfterRecv:     "forward_wait_after_recv_event",
	ForwardRecordBeforeSend:  "forward_record_before_send_event",
	ForwardRecord:            "forward_record_event",
	BackwardWait:             "backward_wait_event",
	BackwardWaitAfterRecv:    "backward_wait_after_recv_event",
	BackwardRecordBeforeSend: "backward_record_before_send_event",
	BackwardRecord:           "backward_record_event",
}

// DefaultEventOutputs are the outputs of the wait/record ops.
var DefaultEventOutputs = pipeline.EventOutputNames{
	ForwardWait:    "forward_wait_output",
	ForwardRecord:  "forward_record_output",
	BackwardWait:   "backward_wait_output",
	BackwardRecord: "backward_record_output",
}

type Config struct {
	Width int
	// OverflowUpdates lists 0-based weight-update attempts that report
	// non-finite gradients.
	OverflowUpdates []int
	// FailRuns lists 1-based Run calls that fail.
	FailRuns     []int
	RunDelay     time.Duration
	EventOutputs *pipeline.EventOutputNames
}

// Call is one recorded Run invocation.
type Call struct {
	Options    engine.RunOptions
	FeedNames  []string
	FetchNames []string
	Feeds      map[string]tensor.Value
}

type Engine struct {
	cfg Config

	mu          sync.Mutex
	loaded      bool
	initialized bool
	trainCfg    engine.TrainingConfig
	feedNames   map[string]struct{}
	fetchNames  map[string]struct{}
	outputs     engine.TrainingConfigResult
	stage       int
	numStages   int
	weights     []float32
	accum       []float64
	accumCount  int
	updates     int64
	attempts    int
	runs        int
	calls       []Call
	overflowSet map[int]struct{}
}

func New(cfg Config) *Engine {
	if cfg.Width <= 0 {
		cfg.Width = 4
	}
	overflow := make(map[int]struct{}, len(cfg.OverflowUpdates))
	for _, i := range cfg.OverflowUpdates {
		overflow[i] = struct{}{}
	}
	return &Engine{
		cfg:         cfg,
		weights:     make([]float32, cfg.Width),
		accum:       make([]float64, cfg.Width),
		overflowSet: overflow,
		numStages:   1,
	}
}

var _ engine.Engine = (*Engine)(nil)

type savedModel struct {
	Mode     string    `json:"mode"`
	Weights  []float32 `json:"weights"`
	Updates  int64     `json:"updates"`
	WithLoss bool      `json:"withLoss"`
}

func (e *Engine) Load(_ context.Context, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("sim: model path is required")
	}
	if !strings.HasPrefix(path, ModelPrefix) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("sim: failed to read model: %w", err)
		}
		var m savedModel
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("sim: failed to decode model %s: %w", path, err)
		}
		if len(m.Weights) != e.cfg.Width {
			return fmt.Errorf("sim: model width %d, engine width %d", len(m.Weights), e.cfg.Width)
		}
		copy(e.weights, m.Weights)
		e.updates = m.Updates
	}
	e.loaded = true
	return nil
}

func (e *Engine) Configure(_ context.Context, cfg engine.TrainingConfig) (engine.TrainingConfigResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return engine.TrainingConfigResult{}, fmt.Errorf("sim: configure before load")
	}
	if strings.TrimSpace(cfg.OptimizerName) == "" {
		return engine.TrainingConfigResult{}, fmt.Errorf("sim: optimizer name is required")
	}
	stages := cfg.PipelineParallelSize
	if stages < 1 {
		stages = 1
	}
	stage := 0
	if stages > 1 {
		if cfg.WorldRank < 0 || cfg.WorldRank >= stages {
			return engine.TrainingConfigResult{}, fmt.Errorf("sim: rank %d has no pipeline stage among %d", cfg.WorldRank, stages)
		}
		stage = cfg.WorldRank
	}
	last := stage == stages-1

	res := engine.TrainingConfigResult{OptimizerOutputs: map[engine.OptimizerOutput]string{}}
	feeds := []string{InputName, LearningRateName}
	fetches := []string{}
	if last {
		feeds = append(feeds, LabelName)
		fetches = append(fetches, LossName, PredictionName)
	} else {
		fetches = append(fetches, StageOutputName)
	}
	if cfg.UseMixedPrecision {
		res.LossScaleInputName = LossScaleName
		feeds = append(feeds, LossScaleName)
		res.OptimizerOutputs[engine.GradientAllIsFinite] = AllFiniteName
		fetches = append(fetches, AllFiniteName)
		if cfg.UseAdasum {
			res.OptimizerOutputs[engine.DeltaAllIsFinite] = DeltaAllFiniteName
			fetches = append(fetches, DeltaAllFiniteName)
		}
	}
	if cfg.GradientAccumulationSteps > 1 {
		res.OptimizerOutputs[engine.GradientAccumulation] = AccumulatedName
		fetches = append(fetches, AccumulatedName)
	}
	if stages > 1 {
		outputs := DefaultEventOutputs
		if e.cfg.EventOutputs != nil {
			outputs = *e.cfg.EventOutputs
		}
		for _, kind := range pipeline.EventKinds {
			feeds = append(feeds, DefaultEvents.Name(kind))
		}
		fetches = append(fetches, outputs.NonEmpty()...)
		res.Pipeline = &engine.PipelineResult{
			StageID:      stage,
			FeedNames:    append([]string(nil), feeds...),
			FetchNames:   append([]string(nil), fetches...),
			Events:       DefaultEvents,
			EventOutputs: outputs,
		}
	}

	e.trainCfg = cfg
	e.stage = stage
	e.numStages = stages
	e.feedNames = pipeline.NameSet(feeds...)
	e.fetchNames = pipeline.NameSet(fetches...)
	e.outputs = res
	return res, nil
}

func (e *Engine) Initialize(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.feedNames == nil {
		return fmt.Errorf("sim: initialize before configure")
	}
	e.initialized = true
	return nil
}

func (e *Engine) Run(ctx context.Context, opts engine.RunOptions, feedNames []string, feeds []tensor.Value, fetchNames []string) ([]tensor.Value, error) {
	if len(feedNames) != len(feeds) {
		return nil, fmt.Errorf("sim: %d feed names for %d feeds", len(feedNames), len(feeds))
	}
	if e.cfg.RunDelay > 0 {
		timer := time.NewTimer(e.cfg.RunDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil, ErrNotInitialized
	}
	e.runs++
	call := Call{
		Options:    opts,
		FeedNames:  append([]string(nil), feedNames...),
		FetchNames: append([]string(nil), fetchNames...),
		Feeds:      make(map[string]tensor.Value, len(feeds)),
	}
	for i, name := range feedNames {
		call.Feeds[name] = feeds[i]
	}
	e.calls = append(e.calls, call)
	if slices.Contains(e.cfg.FailRuns, e.runs) {
		return nil, fmt.Errorf("sim: injected failure at run %d", e.runs)
	}
	for _, name := range feedNames {
		if _, ok := e.feedNames[name]; !ok {
			return nil, fmt.Errorf("sim: unknown feed %q on stage %d", name, e.stage)
		}
	}
	for _, name := range fetchNames {
		if _, ok := e.fetchNames[name]; !ok {
			return nil, fmt.Errorf("sim: unknown fetch %q on stage %d", name, e.stage)
		}
	}

	x, rows, err := e.matrix(call.Feeds)
	if err != nil {
		return nil, err
	}
	scale := 1.0
	if v, ok := call.Feeds[LossScaleName]; ok {
		if scale, err = v.AsFloat64(0); err != nil {
			return nil, fmt.Errorf("sim: loss scale: %w", err)
		}
	}
	lr := 0.0
	if v, ok := call.Feeds[LearningRateName]; ok {
		if lr, err = v.AsFloat64(0); err != nil {
			return nil, fmt.Errorf("sim: learning rate: %w", err)
		}
	}

	preds := make([]float32, rows)
	for r := 0; r < rows; r++ {
		var sum float64
		for c := 0; c < e.cfg.Width; c++ {
			sum += float64(x[r*e.cfg.Width+c]) * float64(e.weights[c])
		}
		preds[r] = float32(sum)
	}
	loss, grad, err := e.lossAndGrad(call.Feeds, x, preds, rows)
	if err != nil {
		return nil, err
	}

	// A restricted run that fetches the accumulation signal is a gradient
	// accumulation step, any other restricted run an evaluation. Unrestricted
	// runs apply the optimizer unless they carry only NoEvent ids.
	finite := true
	switch {
	case opts.OnlyExecutePathToFetches:
		if containsName(fetchNames, AccumulatedName) {
			e.accumulate(grad, scale)
		}
	case !isPipelinedEvaluation(call.Feeds):
		e.accumulate(grad, scale)
		if _, overflow := e.overflowSet[e.attempts]; overflow {
			finite = false
		}
		e.attempts++
		if finite && e.accumCount > 0 {
			for c := range e.weights {
				e.weights[c] -= float32(lr * e.accum[c] / float64(e.accumCount))
			}
			e.updates++
		}
		for c := range e.accum {
			e.accum[c] = 0
		}
		e.accumCount = 0
	}

	out := make([]tensor.Value, len(fetchNames))
	for i, name := range fetchNames {
		switch name {
		case LossName:
			out[i] = tensor.ScalarFloat32(float32(loss))
		case PredictionName:
			out[i], _ = tensor.FromFloat32(tensor.Shape{int64(rows)}, preds)
		case StageOutputName:
			var sum float32
			for _, p := range preds {
				sum += p
			}
			out[i] = tensor.ScalarFloat32(sum)
		case AllFiniteName:
			out[i] = tensor.ScalarBool(finite)
		default:
			out[i] = tensor.ScalarBool(true)
		}
	}
	return out, nil
}

func (e *Engine) matrix(feeds map[string]tensor.Value) ([]float32, int, error) {
	v, ok := feeds[InputName]
	if !ok {
		return nil, 0, nil
	}
	x, err := v.Float32s()
	if err != nil {
		return nil, 0, fmt.Errorf("sim: input: %w", err)
	}
	if len(x)%e.cfg.Width != 0 {
		return nil, 0, fmt.Errorf("sim: input of %d elements is not a multiple of width %d", len(x), e.cfg.Width)
	}
	return x, len(x) / e.cfg.Width, nil
}

func (e *Engine) lossAndGrad(feeds map[string]tensor.Value, x, preds []float32, rows int) (float64, []float64, error) {
	grad := make([]float64, e.cfg.Width)
	v, ok := feeds[LabelName]
	if !ok || rows == 0 {
		return 0, grad, nil
	}
	y, err := v.Float32s()
	if err != nil {
		return 0, nil, fmt.Errorf("sim: labels: %w", err)
	}
	if len(y) != rows {
		return 0, nil, fmt.Errorf("sim: %d labels for %d rows", len(y), rows)
	}
	var loss float64
	for r := 0; r < rows; r++ {
		diff := float64(preds[r]) - float64(y[r])
		loss += diff * diff
		for c := 0; c < e.cfg.Width; c++ {
			grad[c] += 2 * diff * float64(x[r*e.cfg.Width+c]) / float64(rows)
		}
	}
	return loss / float64(rows), grad, nil
}

func containsName(names []string, want string) bool {
	for _, name := range names {
		if name == want {
			return true
		}
	}
	return false
}

// accumulate adds a scaled gradient, unscaling it again as a mixed
// precision optimizer would.
func (e *Engine) accumulate(grad []float64, scale float64) {
	if scale <= 0 || math.IsInf(scale, 0) {
		scale = 1
	}
	for c := range grad {
		e.accum[c] += (grad[c] * scale) / scale
	}
	e.accumCount++
}

func (e *Engine) StateTensors(context.Context) (map[string]tensor.Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, err := tensor.FromFloat32(tensor.Shape{int64(len(e.weights))}, append([]float32(nil), e.weights...))
	if err != nil {
		return nil, err
	}
	return map[string]tensor.Value{
		WeightsStateName: w,
		UpdatesStateName: tensor.ScalarInt64(e.updates),
	}, nil
}

func (e *Engine) SetStateTensors(_ context.Context, state map[string]tensor.Value, allowMissing bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name := range state {
		if name != WeightsStateName && name != UpdatesStateName {
			return fmt.Errorf("sim: unknown state tensor %q", name)
		}
	}
	if v, ok := state[WeightsStateName]; ok {
		w, err := v.Float32s()
		if err != nil {
			return fmt.Errorf("sim: weights: %w", err)
		}
		if len(w) != len(e.weights) {
			return fmt.Errorf("sim: weights of %d elements, want %d", len(w), len(e.weights))
		}
		copy(e.weights, w)
	} else if !allowMissing {
		return fmt.Errorf("sim: state tensor %q is missing", WeightsStateName)
	}
	if v, ok := state[UpdatesStateName]; ok {
		n, err := v.Int64s()
		if err != nil || len(n) != 1 {
			return fmt.Errorf("sim: malformed %s", UpdatesStateName)
		}
		e.updates = n[0]
	} else if !allowMissing {
		return fmt.Errorf("sim: state tensor %q is missing", UpdatesStateName)
	}
	return nil
}

func (e *Engine) Save(_ context.Context, path string, mode engine.SaveMode) error {
	e.mu.Lock()
	m := savedModel{
		Mode:     mode.String(),
		Weights:  append([]float32(nil), e.weights...),
		Updates:  e.updates,
		WithLoss: mode == engine.SaveWithUpdatedWeightsAndLoss,
	}
	e.mu.Unlock()
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("sim: failed to encode model: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("sim: failed to write model: %w", err)
	}
	return nil
}

// Calls returns a copy of every Run invocation so far.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Updates is the number of applied weight updates.
func (e *Engine) Updates() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updates
}

func (e *Engine) Weights() []float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float32(nil), e.weights...)
}

// Stage returns the configured stage and stage count.
func (e *Engine) Stage() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stage, e.numStages
}

// isPipelinedEvaluation reports whether feeds carry event ids and all of
// them are NoEvent.
func isPipelinedEvaluation(feeds map[string]tensor.Value) bool {
	seen := false
	for _, kind := range pipeline.EventKinds {
		v, ok := feeds[DefaultEvents.Name(kind)]
		if !ok {
			continue
		}
		seen = true
		ids, err := v.Int64s()
		if err != nil || len(ids) != 1 || ids[0] != pipeline.NoEvent {
			return false
		}
	}
	return seen
}
