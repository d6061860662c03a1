package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PipeOpsHQ/pipetrain-go/data"
	"github.com/PipeOpsHQ/pipetrain-go/engine"
	"github.com/PipeOpsHQ/pipetrain-go/observe"
	"github.com/PipeOpsHQ/pipetrain-go/runtime/workerpool"
	"github.com/PipeOpsHQ/pipetrain-go/tensor"
)

// EvalCursor is the position of evaluation within the current test shard.
// Callers keep it between Evaluate calls so consecutive evaluations walk
// the test set instead of repeating its first batches.
type EvalCursor struct {
	Batch int
}

// Evaluate runs enough test batches to cover EvalBatchSize samples, starting
// at cursor, and returns the advanced cursor.
func (r *Runner) Evaluate(ctx context.Context, testLoader data.Loader, cursor EvalCursor) (EvalCursor, error) {
	if r.params.SkipEvaluation {
		r.log.V(1).Info("skipping evaluation", "step", r.state.Step)
		return cursor, nil
	}
	if testLoader == nil {
		return cursor, fmt.Errorf("%w: evaluation needs a test data loader", ErrConfiguration)
	}
	ds, err := r.currentEvalShard(ctx, testLoader)
	if err != nil {
		return cursor, err
	}
	if r.params.ShuffleData && cursor.Batch == 0 {
		ds.Shuffle(r.rng)
	}

	batchSize := r.params.BatchSize
	evalSize := r.params.evalBatchSize()
	numBatches := (evalSize + batchSize - 1) / batchSize
	if evalSize%batchSize != 0 {
		r.log.Info("eval batch size is not a multiple of batch size, evaluating more samples",
			"evalBatchSize", evalSize, "batchSize", batchSize, "samples", numBatches*batchSize, "warning", true)
	}

	// Pending accumulation steps must not share slot 0 with evaluation.
	if err := r.pool.JoinAll(); err != nil {
		return cursor, err
	}
	fetchNames, err := r.prepareFetches(modeEvaluate)
	if err != nil {
		return cursor, err
	}

	start := time.Now()
	for i := 0; i < numBatches; i++ {
		feedNames, feeds, err := r.prepareFeeds(modeEvaluate, testLoader, ds, nil, batchSize, cursor.Batch)
		if err != nil {
			return cursor, err
		}
		out, err := r.runEvaluation(ctx, feedNames, feeds, fetchNames)
		if err != nil {
			return cursor, err
		}
		if r.pctx.IsLastStage() && r.params.ErrorFunc != nil {
			r.params.ErrorFunc(out)
		}

		cursor.Batch++
		if cursor.Batch >= ds.TotalBatch(batchSize) {
			cursor.Batch = 0
			if _, err := testLoader.MoveToNextDataSet(); err != nil && !errors.Is(err, data.ErrShardUnavailable) {
				return cursor, fmt.Errorf("failed to advance test data: %w", err)
			}
			if ds, err = r.currentEvalShard(ctx, testLoader); err != nil {
				return cursor, err
			}
		}
	}

	if r.params.PostEvaluationCallback != nil {
		r.params.PostEvaluationCallback(evalSize, r.state.Step, TagTest)
	}
	r.emit(ctx, observe.Event{
		Kind: observe.KindEvaluation, Step: r.state.Step, DurationMs: time.Since(start).Milliseconds(),
		Attributes: map[string]any{"batches": numBatches, "evalBatchSize": evalSize},
	})
	return cursor, nil
}

// runEvaluation reuses slot 0 on an unpipelined run. Pipelined slots belong
// to training, so evaluation calls the engine directly with every event
// disabled.
func (r *Runner) runEvaluation(ctx context.Context, feedNames []string, feeds []tensor.Value, fetchNames []string) (StepOutput, error) {
	out := StepOutput{FeedNames: feedNames, Feeds: feeds, FetchNames: fetchNames, Step: r.state.Step}
	if r.pctx.Pipelined() {
		fetches, err := r.engine.Run(ctx, engine.RunOptions{}, feedNames, feeds, fetchNames)
		if err != nil {
			return out, fmt.Errorf("evaluation: %w: %w", workerpool.ErrExecution, err)
		}
		out.Fetches = fetches
		return out, nil
	}

	req := workerpool.Request{
		Options:    engine.RunOptions{OnlyExecutePathToFetches: true},
		FeedNames:  feedNames,
		Feeds:      feeds,
		FetchNames: fetchNames,
	}
	if err := r.pool.Dispatch(ctx, 0, req, true); err != nil {
		return out, err
	}
	buffers, ok := r.pool.Result(0)
	if !ok {
		return out, fmt.Errorf("slot 0: %w: no evaluation result", workerpool.ErrExecution)
	}
	out.Fetches = buffers.Fetches
	return out, nil
}

// currentEvalShard returns the current test shard, skipping shards that fail
// to load.
func (r *Runner) currentEvalShard(ctx context.Context, testLoader data.Loader) (data.DataSet, error) {
	for tries := 0; tries < testLoader.NumShards(); tries++ {
		ds, err := testLoader.CurrentDataSet()
		if err == nil {
			return ds, nil
		}
		if !errors.Is(err, data.ErrShardUnavailable) {
			return nil, fmt.Errorf("failed to load test shard: %w", err)
		}
		index := testLoader.CurrentDataSetIndex()
		r.log.Info("skipping test shard", "shard", index, "error", err.Error())
		r.emit(ctx, observe.Event{Kind: observe.KindShard, Status: observe.StatusSkipped, Name: fmt.Sprintf("test-%d", index), Error: err.Error()})
		_, _ = testLoader.MoveToNextDataSet()
	}
	return nil, fmt.Errorf("no test shard could be loaded: %w", data.ErrShardUnavailable)
}
