// Package trainer drives pipeline-parallel training of a graph run by an
// engine.Engine: the epoch/shard/batch loop, gradient accumulation, loss
// scaling, evaluation cadence and the checkpoint lifecycle.
package trainer

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/PipeOpsHQ/pipetrain-go/checkpoint"
	"github.com/PipeOpsHQ/pipetrain-go/engine"
	"github.com/PipeOpsHQ/pipetrain-go/lossscale"
	"github.com/PipeOpsHQ/pipetrain-go/observe"
	"github.com/PipeOpsHQ/pipetrain-go/pipeline"
	"github.com/PipeOpsHQ/pipetrain-go/runtime/workerpool"
	"github.com/PipeOpsHQ/pipetrain-go/state"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

type Option func(*Runner)

func WithLogger(log logr.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// WithSink sends run, step, evaluation, checkpoint and shard events to sink.
func WithSink(sink observe.Sink) Option {
	return func(r *Runner) { r.sink = sink }
}

// WithLedger records run status and saved checkpoints in store.
func WithLedger(store state.Store) Option {
	return func(r *Runner) { r.ledger = store }
}

// WithMirror uploads saved checkpoints and removes evicted ones through m.
func WithMirror(m *checkpoint.Mirror) Option {
	return func(r *Runner) { r.mirror = m }
}

func WithRunID(runID string) Option {
	return func(r *Runner) {
		if runID != "" {
			r.runID = runID
		}
	}
}

// WithRunLockTTL sets the lease duration of the run lock taken on rank 0
// when the ledger supports locking.
func WithRunLockTTL(ttl time.Duration) Option {
	return func(r *Runner) {
		if ttl > 0 {
			r.lockTTL = ttl
		}
	}
}

// WithPoolObserver instruments the worker pool buffer handoffs.
func WithPoolObserver(o workerpool.Observer) Option {
	return func(r *Runner) { r.poolObserver = o }
}

type Runner struct {
	params       Parameters
	engine       engine.Engine
	log          logr.Logger
	sink         observe.Sink
	emitter      *observe.Emitter
	ledger       state.Store
	mirror       *checkpoint.Mirror
	poolObserver workerpool.Observer
	runID        string
	rng          *rand.Rand
	lockTTL      time.Duration
	lease        *runLease

	state       RunState
	pctx        pipeline.Context
	schedule    *pipeline.Schedule
	pool        *workerpool.Pool
	scaler      *lossscale.Scaler
	outputs     engine.TrainingConfigResult
	registry    *checkpoint.Registry
	initialized bool
	// gradAccCount counts accumulation steps since the loop started.
	gradAccCount uint64
}

// New validates params and binds them to eng. Nothing is loaded until
// Initialize.
func New(eng engine.Engine, params Parameters, opts ...Option) (*Runner, error) {
	if eng == nil {
		return nil, fmt.Errorf("%w: engine is required", ErrConfiguration)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		params: params.clone(),
		engine: eng,
		log:     logr.Discard(),
		runID:   uuid.NewString(),
		lockTTL: defaultRunLockTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.rng = rand.New(rand.NewSource(r.params.Seed))
	return r, nil
}

func (r *Runner) RunID() string { return r.runID }

// State returns a copy of the run counters.
func (r *Runner) State() RunState { return r.state }

func (r *Runner) Parameters() Parameters { return r.params.clone() }

func (r *Runner) PipelineContext() pipeline.Context { return r.pctx }

// LossScaler is nil unless the engine reported a loss-scale input.
func (r *Runner) LossScaler() *lossscale.Scaler { return r.scaler }

// Registry is nil unless a checkpoint directory is configured.
func (r *Runner) Registry() *checkpoint.Registry { return r.registry }

// Initialize loads and configures the graph for this rank, sets up the
// pipeline context, the worker pool and the loss scaler, and resumes from
// a checkpoint when one is requested or found. On rank 0 it first takes the
// run lock when the ledger supports one.
func (r *Runner) Initialize(ctx context.Context) error {
	if r.initialized {
		return fmt.Errorf("%w: runner already initialized", ErrConfiguration)
	}
	if err := r.acquireLease(ctx); err != nil {
		return err
	}
	if err := r.initialize(ctx); err != nil {
		if relErr := r.releaseLease(ctx); relErr != nil {
			r.log.Error(relErr, "failed to release run lock")
		}
		return err
	}
	r.initialized = true
	return nil
}

func (r *Runner) initialize(ctx context.Context) error {
	p := r.params

	modelPath := p.ModelPath
	if p.PipelineParallelSize > 1 && len(p.PipelineStagePaths) > 0 {
		if len(p.PipelineStagePaths) != p.WorldSize {
			return fmt.Errorf("%w: %d pipeline stage paths for world size %d",
				ErrConfiguration, len(p.PipelineStagePaths), p.WorldSize)
		}
		modelPath = p.PipelineStagePaths[p.WorldRank]
	}
	if err := r.engine.Load(ctx, modelPath); err != nil {
		return fmt.Errorf("failed to load model %s: %w", modelPath, err)
	}

	cfg := engine.TrainingConfig{
		WorldRank:                 p.WorldRank,
		WorldSize:                 p.WorldSize,
		LocalRank:                 p.LocalRank,
		LocalSize:                 p.LocalSize,
		LossOutputName:            p.LossOutputName,
		OptimizerName:             p.OptimizerName,
		OptimizerAttributes:       p.OptimizerAttributes,
		GradientAccumulationSteps: p.GradientAccumulationSteps,
		UseMixedPrecision:         p.UseMixedPrecision,
		UseAdasum:                 p.UseAdasum,
		UseNCCL:                   p.UseNCCL,
		DeepSpeedZeROStage:        p.DeepSpeedZeROStage,
		PipelineParallelSize:      p.PipelineParallelSize,
		DataParallelSize:          p.DataParallelSize,
		HorizontalParallelSize:    p.HorizontalParallelSize,
		WeightsToTrain:            p.WeightsToTrain,
		WeightsNotToTrain:         p.WeightsNotToTrain,
		ModelWithLossPath:         p.ModelWithLossPath,
		ModelWithTrainingPath:     p.ModelWithTrainingPath,
	}
	// Only the stage producing the loss gets the loss function.
	if p.canSeeLoss() {
		cfg.LossFunction = p.LossFunction
	}
	outputs, err := r.engine.Configure(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to configure training: %w", err)
	}
	r.outputs = outputs

	if outputs.LossScaleInputName != "" {
		if p.LossScale == 0 {
			r.scaler = lossscale.NewDynamic(outputs.LossScaleInputName)
		} else {
			r.scaler, err = lossscale.NewStatic(outputs.LossScaleInputName, p.LossScale)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrConfiguration, err)
			}
		}
	}

	if err := r.setupPipeline(); err != nil {
		return err
	}
	r.emitter = observe.NewEmitter(r.sink, r.runID, r.pctx.StageID)

	pool, err := workerpool.New(r.engine, max(p.PipelineParallelSize, 1), workerpool.WithObserver(r.poolObserver))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	r.pool = pool

	if err := r.engine.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	if p.CheckpointsDir != "" {
		r.registry, err = checkpoint.NewRegistry(p.CheckpointsDir, p.MaxNumCheckpoints)
		if err != nil {
			return err
		}
		for _, stale := range r.registry.Stale() {
			r.log.Info("untracked checkpoint beyond capacity", "path", stale.Path, "step", stale.Step, "warning", true)
		}
	}

	resume := p.CheckpointToLoadPath
	if resume == "" && r.registry != nil {
		if latest, ok := r.registry.TryGetLatestCheckpoint(); ok {
			resume = latest
		}
	}
	if resume != "" {
		if err := r.LoadCheckpoint(ctx, resume); err != nil {
			return err
		}
		r.log.Info("resumed from checkpoint", "path", resume, "step", r.state.Step,
			"round", r.state.Round, "weightUpdateStep", r.state.WeightUpdateCount)
		if r.registry != nil && p.WorldRank == 0 {
			r.dropSupersededCheckpoints(ctx)
		}
	}
	return nil
}

func (r *Runner) setupPipeline() error {
	p := r.params
	if p.PipelineParallelSize <= 1 {
		r.pctx = pipeline.SingleStage(p.GradientAccumulationSteps)
		// Without partitioning every requested output is allowed.
		names := append([]string(nil), p.FetchNames...)
		for _, name := range r.outputs.OptimizerOutputs {
			names = append(names, name)
		}
		r.pctx.FetchNames = pipeline.NameSet(names...)
		return nil
	}

	res := r.outputs.Pipeline
	if res == nil {
		return fmt.Errorf("%w: engine did not partition the graph for %d pipeline stages",
			ErrConfiguration, p.PipelineParallelSize)
	}
	r.pctx = pipeline.Context{
		StageID:         res.StageID,
		NumStages:       p.PipelineParallelSize,
		NumMicroBatches: p.GradientAccumulationSteps,
		FeedNames:       pipeline.NameSet(res.FeedNames...),
		FetchNames:      pipeline.NameSet(res.FetchNames...),
		Events:          res.Events,
		EventOutputs:    res.EventOutputs,
	}
	if err := r.pctx.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	schedule, err := pipeline.NewSchedule(r.pctx.NumStages, r.pctx.NumMicroBatches)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	r.schedule = schedule
	return nil
}

// UpdateParams replaces the knobs that may change between rounds.
func (r *Runner) UpdateParams(p Parameters) error {
	next := r.params.clone()
	next.LR.InitialLR = p.LR.InitialLR
	next.LR.WarmupRatio = p.LR.WarmupRatio
	next.NumTrainSteps = p.NumTrainSteps
	next.BatchSize = p.BatchSize
	if r.initialized && p.GradientAccumulationSteps != next.GradientAccumulationSteps && r.pctx.Pipelined() {
		return fmt.Errorf("%w: gradient accumulation steps are fixed by the pipeline schedule", ErrConfiguration)
	}
	next.GradientAccumulationSteps = p.GradientAccumulationSteps
	if err := next.Validate(); err != nil {
		return err
	}
	r.params = next
	if !r.pctx.Pipelined() {
		r.pctx.NumMicroBatches = next.GradientAccumulationSteps
	}
	return nil
}

// ResetLossScaler restores the initial loss scale.
func (r *Runner) ResetLossScaler() {
	if r.scaler != nil {
		r.scaler.Reset()
	}
}

func (r *Runner) emit(ctx context.Context, event observe.Event) {
	if r.emitter == nil {
		return
	}
	event.Round = r.state.Round
	if err := r.emitter.Emit(ctx, event); err != nil {
		r.log.V(1).Info("failed to emit event", "kind", event.Kind, "error", err.Error())
	}
}

func (r *Runner) recordRun(ctx context.Context, status string, runErr error) {
	if r.ledger == nil {
		return
	}
	now := time.Now().UTC()
	rec := state.RunRecord{
		RunID:            r.ledgerRunID(),
		Model:            r.params.ModelPath,
		Stage:            r.pctx.StageID,
		NumStages:        max(r.pctx.NumStages, 1),
		Status:           status,
		Step:             r.state.Step,
		Round:            r.state.Round,
		WeightUpdateStep: r.state.WeightUpdateCount,
		DataSetIndex:     r.state.DataSetIndex,
		Metadata: map[string]any{
			"batchSize":                 r.params.BatchSize,
			"gradientAccumulationSteps": r.params.GradientAccumulationSteps,
			"numTrainSteps":             r.params.NumTrainSteps,
			"optimizer":                 r.params.OptimizerName,
		},
	}
	if existing, err := r.ledger.LoadRun(ctx, rec.RunID); err == nil {
		rec.CreatedAt = existing.CreatedAt
	}
	if r.scaler != nil {
		rec.LossScale = r.scaler.GetLossScale()
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if status != state.RunStatusRunning {
		rec.CompletedAt = &now
	}
	if err := r.ledger.SaveRun(ctx, rec); err != nil {
		r.log.Error(err, "failed to record run", "runID", rec.RunID, "status", status)
	}
}

// ledgerRunID keys the ledger per stage; stages of one run share runID.
func (r *Runner) ledgerRunID() string {
	if !r.pctx.Pipelined() {
		return r.runID
	}
	return fmt.Sprintf("%s/stage-%d", r.runID, r.pctx.StageID)
}
