package trainer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/PipeOpsHQ/pipetrain-go/data"
	"github.com/PipeOpsHQ/pipetrain-go/engine"
	"github.com/PipeOpsHQ/pipetrain-go/lrschedule"
	"github.com/PipeOpsHQ/pipetrain-go/observe"
	"github.com/PipeOpsHQ/pipetrain-go/state"
	"github.com/dustin/go-humanize"
)

// Run trains one round over trainLoader, evaluating on testLoader when
// configured. A successful round advances Round and resets Step.
func (r *Runner) Run(ctx context.Context, trainLoader, testLoader data.Loader) error {
	if !r.initialized {
		return fmt.Errorf("%w: runner is not initialized", ErrConfiguration)
	}
	if r.params.WorldRank == 0 && r.params.ModelActualRunningGraphPath != "" {
		if err := r.engine.Save(ctx, r.params.ModelActualRunningGraphPath, engine.SaveNoReload); err != nil {
			r.log.Error(err, "failed to save running graph", "path", r.params.ModelActualRunningGraphPath)
		}
	}
	if trainLoader == nil {
		r.log.Info("no training data loader, nothing to train", "warning", true)
		return nil
	}

	r.recordRun(ctx, state.RunStatusRunning, nil)
	r.emit(ctx, observe.Event{Kind: observe.KindRun, Status: observe.StatusStarted, Step: r.state.Step})
	start := time.Now()

	if _, err := r.TrainingLoop(ctx, trainLoader, testLoader); err != nil {
		// Nothing may still run against buffers of a failed loop.
		if joinErr := r.pool.JoinAll(); joinErr != nil {
			err = errors.Join(err, joinErr)
		}
		r.recordRun(ctx, state.RunStatusFailed, err)
		r.emit(ctx, observe.Event{
			Kind: observe.KindRun, Status: observe.StatusFailed, Step: r.state.Step,
			Error: err.Error(), DurationMs: time.Since(start).Milliseconds(),
		})
		return err
	}

	r.emit(ctx, observe.Event{
		Kind: observe.KindRun, Status: observe.StatusCompleted, Step: r.state.Step,
		DurationMs: time.Since(start).Milliseconds(),
		Attributes: map[string]any{"weightUpdateStep": r.state.WeightUpdateCount},
	})
	r.state.Round++
	r.state.Step = 0
	r.recordRun(ctx, state.RunStatusCompleted, nil)
	return nil
}

// LoopStats summarise one training loop.
type LoopStats struct {
	Batches           uint64
	GradAccSteps      uint64
	WeightUpdateSteps uint64
	Epochs            uint64
	TotalTime         time.Duration
	// StabilizedTime covers the last StabilizedSteps steps.
	StabilizedTime  time.Duration
	StabilizedSteps uint64
	// EndToEndTime runs from step EndToEndFrom to the end. Zero when the
	// loop is too short.
	EndToEndTime  time.Duration
	EndToEndSteps uint64
}

const (
	stabilizedWindow = 128
	endToEndFrom     = 128
)

// TrainingLoop runs steps until NumTrainSteps is reached, walking shards of
// trainLoader and skipping those that fail to load.
func (r *Runner) TrainingLoop(ctx context.Context, trainLoader, testLoader data.Loader) (LoopStats, error) {
	p := r.params
	saveCheckpoints := p.WorldRank == 0 && r.registry != nil && p.CheckpointPeriod > 0

	if testLoader != nil {
		if err := testLoader.InitializeDataSetIndex(0); err != nil {
			return LoopStats{}, fmt.Errorf("failed to reset test data: %w", err)
		}
	}
	if err := trainLoader.InitializeDataSetIndex(int(r.state.DataSetIndex)); err != nil {
		return LoopStats{}, fmt.Errorf("failed to position training data at shard %d: %w", r.state.DataSetIndex, err)
	}
	sched, err := lrschedule.New(p.lrParams())
	if err != nil {
		return LoopStats{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	numSteps := p.NumTrainSteps
	window := min(uint64(stabilizedWindow), numSteps)
	stabilizedFrom := numSteps - window
	startStep := r.state.Step
	startUpdates := r.state.WeightUpdateCount
	r.gradAccCount = 0

	var (
		stats       LoopStats
		evalCursor  EvalCursor
		loopStart   = time.Now()
		stableStart time.Time
		e2eStart    time.Time
		epoch       uint64
		batchSize   = p.BatchSize
	)
	if startStep >= stabilizedFrom {
		stableStart = loopStart
	}

	for r.state.Step < numSteps {
		stepsAtEpochStart := r.state.Step
		skipped := 0
		for shard := 0; shard < trainLoader.NumShards() && r.state.Step < numSteps; shard++ {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			ds, err := trainLoader.CurrentDataSet()
			index := trainLoader.CurrentDataSetIndex()
			if err != nil {
				if !errors.Is(err, data.ErrShardUnavailable) {
					return stats, fmt.Errorf("failed to load shard %d: %w", index, err)
				}
				skipped++
				r.log.Info("skipping shard", "shard", index, "error", err.Error())
				r.emit(ctx, observe.Event{Kind: observe.KindShard, Status: observe.StatusSkipped, Name: fmt.Sprint(index), Error: err.Error()})
				_, _ = trainLoader.MoveToNextDataSet()
				continue
			}
			r.state.DataSetIndex = uint64(index)
			if p.ShuffleData {
				ds.Shuffle(r.rng)
			}

			total := ds.TotalBatch(batchSize)
			for batch := 0; batch < total && r.state.Step < numSteps; batch++ {
				if r.state.Step == stabilizedFrom && stableStart.IsZero() {
					stableStart = time.Now()
				}
				if r.state.Step == endToEndFrom {
					e2eStart = time.Now()
				}

				mode := modeAccumulate
				if (r.state.Step+1)%uint64(p.GradientAccumulationSteps) == 0 {
					mode = modeUpdate
				}
				stepStart := time.Now()
				step := r.state.Step
				if err := r.runStep(ctx, mode, trainLoader, ds, sched, batch); err != nil {
					return stats, err
				}
				elapsed := time.Since(stepStart)
				stats.Batches++

				r.log.V(1).Info("step",
					"stage", r.pctx.StageID, "round", r.state.Round, "step", step, "epoch", epoch,
					"batch", fmt.Sprintf("%d/%d", batch+1, total), "shard", fmt.Sprintf("%d/%d", index+1, trainLoader.NumShards()),
					"mode", mode.String(), "time", elapsed.String(),
					"throughput", fmt.Sprintf("%.2f ex/s", float64(batchSize)/max(elapsed.Seconds(), 1e-9)))
				r.emit(ctx, observe.Event{
					Kind: observe.KindStep, Name: mode.String(), Step: step, DurationMs: elapsed.Milliseconds(),
					Attributes: r.stepAttributes(index, batch),
				})

				if testLoader != nil && p.DoEval && r.state.Step%p.EvaluationPeriod == 0 {
					evalCursor, err = r.Evaluate(ctx, testLoader, evalCursor)
					if err != nil {
						return stats, err
					}
				}

				if saveCheckpoints && mode == modeUpdate && r.state.WeightUpdateCount%p.CheckpointPeriod == 0 {
					if err := r.saveRegisteredCheckpoint(ctx); err != nil {
						return stats, err
					}
				}
			}

			// The shard is released below; nothing in flight may still read it.
			if err := r.pool.JoinAll(); err != nil {
				return stats, err
			}
			if r.state.Step < numSteps {
				_, _ = trainLoader.MoveToNextDataSet()
			}
		}
		if r.state.Step == stepsAtEpochStart {
			if skipped == trainLoader.NumShards() {
				return stats, fmt.Errorf("no training shard could be loaded: %w", data.ErrShardUnavailable)
			}
			return stats, fmt.Errorf("an epoch over %d shards produced no batch", trainLoader.NumShards())
		}
		epoch++
	}
	if err := r.pool.JoinAll(); err != nil {
		return stats, err
	}

	end := time.Now()
	stats.Epochs = epoch
	stats.GradAccSteps = r.gradAccCount
	stats.WeightUpdateSteps = r.state.WeightUpdateCount - startUpdates
	stats.TotalTime = end.Sub(loopStart)
	if !stableStart.IsZero() {
		stats.StabilizedTime = end.Sub(stableStart)
		stats.StabilizedSteps = numSteps - max(stabilizedFrom, startStep)
	}
	if !e2eStart.IsZero() && numSteps > endToEndFrom {
		stats.EndToEndTime = end.Sub(e2eStart)
		stats.EndToEndSteps = numSteps - endToEndFrom
	}

	if p.PerfOutputDir != "" {
		path, err := r.savePerfMetrics(stats)
		if err != nil {
			r.log.Error(err, "failed to write perf metrics", "dir", p.PerfOutputDir)
		} else {
			r.log.Info("perf metrics written", "path", path)
		}
	}
	r.logSummary(stats)
	return stats, nil
}

func (r *Runner) runStep(ctx context.Context, mode stepMode, loader data.Loader, ds data.DataSet, sched *lrschedule.Scheduler, batch int) error {
	feedNames, feeds, err := r.prepareFeeds(mode, loader, ds, sched, r.params.BatchSize, batch)
	if err != nil {
		return err
	}
	fetchNames, err := r.prepareFetches(mode)
	if err != nil {
		return err
	}
	r.log.V(2).Info("dispatch", "step", r.state.Step, "mode", mode.String(), "feeds", feedNames, "fetches", fetchNames)
	if mode == modeUpdate {
		return r.runWithUpdate(ctx, feedNames, feeds, fetchNames)
	}
	return r.runWithoutUpdate(ctx, feedNames, feeds, fetchNames)
}

func (r *Runner) stepAttributes(shard, batch int) map[string]any {
	attrs := map[string]any{
		"shard":            shard,
		"batch":            batch,
		"weightUpdateStep": r.state.WeightUpdateCount,
	}
	if r.scaler != nil {
		attrs["lossScale"] = r.scaler.GetLossScale()
	}
	return attrs
}

func (r *Runner) logSummary(stats LoopStats) {
	batchSize := float64(r.params.BatchSize)
	avg := time.Duration(0)
	if stats.Batches > 0 {
		avg = stats.TotalTime / time.Duration(stats.Batches)
	}
	r.log.Info("training loop finished",
		"stage", r.pctx.StageID,
		"round", r.state.Round,
		"batches", humanize.Comma(int64(stats.Batches)),
		"weightUpdateSteps", humanize.Comma(int64(stats.WeightUpdateSteps)),
		"totalTime", stats.TotalTime.Round(time.Millisecond).String(),
		"avgTimePerBatch", avg.Round(time.Microsecond).String(),
		"throughput", humanize.FormatFloat("#,###.##", stats.throughput(batchSize))+" ex/s",
		"stabilizedThroughput", humanize.FormatFloat("#,###.##", stats.stabilizedThroughput(batchSize))+" ex/s",
		"endToEndThroughput", humanize.FormatFloat("#,###.##", stats.endToEndThroughput(batchSize))+" ex/s",
	)
}

func (s LoopStats) throughput(batchSize float64) float64 {
	if s.TotalTime <= 0 {
		return 0
	}
	return batchSize * float64(s.Batches) / s.TotalTime.Seconds()
}

func (s LoopStats) stabilizedThroughput(batchSize float64) float64 {
	if s.StabilizedTime <= 0 {
		return 0
	}
	return batchSize * float64(s.StabilizedSteps) / s.StabilizedTime.Seconds()
}

func (s LoopStats) endToEndThroughput(batchSize float64) float64 {
	if s.EndToEndTime <= 0 {
		return 0
	}
	return batchSize * float64(s.EndToEndSteps) / s.EndToEndTime.Seconds()
}

// EndTraining evaluates once more on testLoader, when given, and saves the
// trained model twice into OutputDir: with updated weights, and with
// updated weights and the loss subgraph.
func (r *Runner) EndTraining(ctx context.Context, testLoader data.Loader, cursor EvalCursor) (EvalCursor, error) {
	if !r.initialized {
		return cursor, fmt.Errorf("%w: runner is not initialized", ErrConfiguration)
	}
	defer func() {
		if err := r.releaseLease(ctx); err != nil {
			r.log.Error(err, "failed to release run lock")
		}
	}()
	if testLoader != nil {
		var err error
		if cursor, err = r.Evaluate(ctx, testLoader, cursor); err != nil {
			return cursor, err
		}
	}
	if r.params.OutputDir == "" {
		r.log.Info("output directory not set, skipping trained model save")
		return cursor, nil
	}
	if err := os.MkdirAll(r.params.OutputDir, 0o755); err != nil {
		return cursor, fmt.Errorf("failed to create output dir: %w", err)
	}
	base, ext := modelBaseName(r.params.ModelPath)
	for _, out := range []struct {
		suffix string
		mode   engine.SaveMode
	}{
		{"_trained", engine.SaveWithUpdatedWeights},
		{"_with_cost_trained", engine.SaveWithUpdatedWeightsAndLoss},
	} {
		path := filepath.Join(r.params.OutputDir, base+out.suffix+ext)
		if err := r.engine.Save(ctx, path, out.mode); err != nil {
			return cursor, fmt.Errorf("failed to save trained model %s: %w", path, err)
		}
		r.log.Info("trained model saved", "path", path, "mode", out.mode.String())
	}
	return cursor, nil
}
