package trainer

import (
	"context"
	"fmt"

	"github.com/PipeOpsHQ/pipetrain-go/data"
	"github.com/PipeOpsHQ/pipetrain-go/engine"
	"github.com/PipeOpsHQ/pipetrain-go/lrschedule"
	"github.com/PipeOpsHQ/pipetrain-go/observe"
	"github.com/PipeOpsHQ/pipetrain-go/pipeline"
	"github.com/PipeOpsHQ/pipetrain-go/runtime/workerpool"
	"github.com/PipeOpsHQ/pipetrain-go/tensor"
)

type stepMode int

const (
	modeAccumulate stepMode = iota
	modeUpdate
	modeEvaluate
)

func (m stepMode) String() string {
	switch m {
	case modeAccumulate:
		return observe.StepAccumulate
	case modeUpdate:
		return observe.StepUpdate
	default:
		return "evaluate"
	}
}

func (m stepMode) pipelineMode() pipeline.Mode {
	if m == modeEvaluate {
		return pipeline.ModeEvaluation
	}
	return pipeline.ModeTraining
}

// prepareFeeds builds the feeds of one step: the batch tensors this stage
// consumes, the loss scale, the learning rate and, on pipelined runs, the
// event ids of the current micro-batch slot.
func (r *Runner) prepareFeeds(mode stepMode, loader data.Loader, ds data.DataSet, sched *lrschedule.Scheduler, batchSize, batch int) ([]string, []tensor.Value, error) {
	pipelined := r.pctx.Pipelined()
	allowed := func(name string) bool { return !pipelined || r.pctx.AllowsFeed(name) }

	values, err := ds.KthBatch(batchSize, batch)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read batch %d: %w", batch, err)
	}
	names := loader.TensorNames()
	if len(values) != len(names) {
		return nil, nil, fmt.Errorf("batch %d has %d tensors for %d names", batch, len(values), len(names))
	}

	feedNames := make([]string, 0, len(names)+2+len(pipeline.EventKinds))
	feeds := make([]tensor.Value, 0, cap(feedNames))
	for i, name := range names {
		if allowed(name) {
			feedNames = append(feedNames, name)
			feeds = append(feeds, values[i])
		}
	}

	if r.scaler != nil && allowed(r.scaler.InputName()) {
		scale := 1.0
		if mode != modeEvaluate {
			scale = r.scaler.GetLossScale()
		}
		feedNames = append(feedNames, r.scaler.InputName())
		feeds = append(feeds, tensor.ScalarFloat32(float32(scale)))
	}

	if name := r.params.LR.FeedName; name != "" && allowed(name) {
		lr := 0.0
		if sched != nil {
			lr = sched.LearningRate(r.state.Step + 1)
		}
		feedNames = append(feedNames, name)
		feeds = append(feeds, tensor.ScalarFloat32(float32(lr)))
	}

	slot := int(r.state.Step % uint64(max(r.pctx.NumMicroBatches, 1)))
	for _, kind := range pipeline.EventKinds {
		name := r.pctx.Events.Name(kind)
		if name == "" {
			continue
		}
		if !pipelined {
			return nil, nil, fmt.Errorf("%w: event input %q set without pipeline parallelism", ErrConfiguration, name)
		}
		id := r.schedule.EventID(mode.pipelineMode(), r.pctx.StageID, slot, kind)
		feedNames = append(feedNames, name)
		feeds = append(feeds, tensor.ScalarInt64(id))
	}
	return feedNames, feeds, nil
}

// prepareFetches lists the outputs a step of the given mode reads. When the
// mode yields nothing, every output the stage may fetch is requested.
func (r *Runner) prepareFetches(mode stepMode) ([]string, error) {
	var names []string
	switch mode {
	case modeUpdate:
		names = r.pctx.FilterFetches(r.params.FetchNames)
		flags, err := r.overflowOutputs()
		if err != nil {
			return nil, err
		}
		for _, name := range flags {
			if !r.pctx.Pipelined() || r.pctx.AllowsFetch(name) {
				names = append(names, name)
			}
		}
	case modeAccumulate:
		if r.params.GradientAccumulationSteps > 1 {
			name, ok := r.outputs.OutputName(engine.GradientAccumulation)
			if !ok {
				return nil, fmt.Errorf("%w: graph has no %s output", ErrConfiguration, engine.GradientAccumulation)
			}
			names = append(names, name)
		}
		names = append(names, r.pctx.EventOutputs.NonEmpty()...)
	case modeEvaluate:
		names = r.pctx.FilterFetches(r.params.FetchNames)
	}
	if len(names) == 0 {
		names = r.pctx.AllFetchNames()
	}
	return names, nil
}

// overflowOutputs are the all-finite flags a weight update reads under mixed
// precision.
func (r *Runner) overflowOutputs() ([]string, error) {
	if !r.params.UseMixedPrecision {
		return nil, nil
	}
	grad, ok := r.outputs.OutputName(engine.GradientAllIsFinite)
	if !ok {
		return nil, fmt.Errorf("%w: mixed precision graph has no %s output", ErrConfiguration, engine.GradientAllIsFinite)
	}
	out := []string{grad}
	if r.params.UseAdasum {
		delta, ok := r.outputs.OutputName(engine.DeltaAllIsFinite)
		if !ok {
			return nil, fmt.Errorf("%w: adasum graph has no %s output", ErrConfiguration, engine.DeltaAllIsFinite)
		}
		out = append(out, delta)
	}
	return out, nil
}

// runWithUpdate runs a weight-update step synchronously and drains every
// slot before the loss scaler sees the overflow flags.
func (r *Runner) runWithUpdate(ctx context.Context, feedNames []string, feeds []tensor.Value, fetchNames []string) error {
	slot := r.pool.SlotFor(r.state.Step)
	req := workerpool.Request{FeedNames: feedNames, Feeds: feeds, FetchNames: fetchNames}
	if err := r.pool.Dispatch(ctx, slot, req, true); err != nil {
		return err
	}
	if err := r.pool.JoinAll(); err != nil {
		return err
	}
	buffers, ok := r.pool.Result(slot)
	if !ok {
		return fmt.Errorf("slot %d: %w: no result after join", slot, workerpool.ErrExecution)
	}

	if r.scaler != nil {
		if finite, ok := r.allFinite(buffers); ok {
			r.scaler.UpdateLossScale(finite)
		}
	}

	if r.pctx.IsLastStage() && !r.params.IsPerfTest && r.state.WeightUpdateCount%r.params.DisplayLossSteps == 0 {
		if r.params.ErrorFunc != nil {
			r.params.ErrorFunc(StepOutput{
				FeedNames:  buffers.FeedNames,
				Feeds:      buffers.Feeds,
				FetchNames: buffers.FetchNames,
				Fetches:    buffers.Fetches,
				Step:       r.state.WeightUpdateCount,
			})
		}
		if r.params.PostEvaluationCallback != nil {
			r.params.PostEvaluationCallback(r.params.BatchSize, r.state.WeightUpdateCount, TagTrain)
		}
	}

	r.state.Step++
	r.state.WeightUpdateCount++
	return nil
}

// allFinite combines the fetched overflow flags. ok is false when none was
// fetched.
func (r *Runner) allFinite(b *workerpool.Buffers) (finite, ok bool) {
	finite = true
	for _, key := range []engine.OptimizerOutput{engine.GradientAllIsFinite, engine.DeltaAllIsFinite} {
		name, exists := r.outputs.OutputName(key)
		if !exists {
			continue
		}
		v, fetched := b.Fetch(name)
		if !fetched {
			continue
		}
		flags, err := v.Bools()
		if err != nil || len(flags) == 0 {
			r.log.Info("ignoring malformed overflow flag", "output", name, "warning", true)
			continue
		}
		ok = true
		finite = finite && flags[0]
	}
	return finite, ok
}

// runWithoutUpdate starts an accumulation step and returns without waiting;
// its error surfaces at the next join of the slot.
func (r *Runner) runWithoutUpdate(ctx context.Context, feedNames []string, feeds []tensor.Value, fetchNames []string) error {
	slot := r.pool.SlotFor(r.state.Step)
	req := workerpool.Request{
		Options:    engine.RunOptions{OnlyExecutePathToFetches: true},
		FeedNames:  feedNames,
		Feeds:      feeds,
		FetchNames: fetchNames,
	}
	if err := r.pool.Dispatch(ctx, slot, req, false); err != nil {
		return err
	}
	r.state.Step++
	r.gradAccCount++
	return nil
}
