package trainer

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/PipeOpsHQ/pipetrain-go/checkpoint"
	"github.com/PipeOpsHQ/pipetrain-go/observe"
	"github.com/PipeOpsHQ/pipetrain-go/state"
	"github.com/dustin/go-humanize"
)

// SaveCheckpoint writes the engine state and the run counters into dir.
func (r *Runner) SaveCheckpoint(ctx context.Context, dir string) (checkpoint.Info, error) {
	props, err := r.checkpointProperties()
	if err != nil {
		return checkpoint.Info{}, err
	}
	return checkpoint.Save(ctx, dir, r.engine, props)
}

func (r *Runner) checkpointProperties() (checkpoint.Properties, error) {
	props := checkpoint.Properties{}
	props.SetUint64(checkpoint.PropStep, r.state.Step)
	props.SetUint64(checkpoint.PropRound, r.state.Round)
	props.SetUint64(checkpoint.PropWeightUpdateStep, r.state.WeightUpdateCount)
	props.SetUint64(checkpoint.PropTrainingDataSetIndex, r.state.DataSetIndex)
	if r.scaler != nil {
		raw, err := r.scaler.SaveState()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", checkpoint.ErrCheckpoint, err)
		}
		props[checkpoint.PropLossScalerState] = raw
	}
	return props, nil
}

// LoadCheckpoint restores a checkpoint written by SaveCheckpoint. Every
// property is validated before the engine or the counters change.
func (r *Runner) LoadCheckpoint(ctx context.Context, dir string) error {
	tensors, props, err := checkpoint.Load(ctx, dir)
	if err != nil {
		return err
	}

	required := []string{
		checkpoint.PropStep,
		checkpoint.PropRound,
		checkpoint.PropWeightUpdateStep,
		checkpoint.PropTrainingDataSetIndex,
	}
	if r.scaler != nil {
		required = append(required, checkpoint.PropLossScalerState)
	}
	if err := props.Require(required...); err != nil {
		return fmt.Errorf("checkpoint %s: %w", dir, err)
	}
	var next RunState
	for _, f := range []struct {
		key string
		dst *uint64
	}{
		{checkpoint.PropStep, &next.Step},
		{checkpoint.PropRound, &next.Round},
		{checkpoint.PropWeightUpdateStep, &next.WeightUpdateCount},
		{checkpoint.PropTrainingDataSetIndex, &next.DataSetIndex},
	} {
		v, err := props.Uint64(f.key)
		if err != nil {
			return fmt.Errorf("checkpoint %s: %w", dir, err)
		}
		*f.dst = v
	}
	var scalerState string
	if r.scaler != nil {
		if scalerState, err = props.String(checkpoint.PropLossScalerState); err != nil {
			return fmt.Errorf("checkpoint %s: %w", dir, err)
		}
		// Validate on a scratch copy so a bad state leaves the scaler alone.
		trial := *r.scaler
		if err := trial.LoadState(scalerState); err != nil {
			return fmt.Errorf("%w: checkpoint %s: %w", checkpoint.ErrCheckpoint, dir, err)
		}
	}

	if err := r.engine.SetStateTensors(ctx, tensors, true); err != nil {
		return fmt.Errorf("%w: failed to restore state tensors from %s: %w", checkpoint.ErrCheckpoint, dir, err)
	}
	if r.scaler != nil {
		_ = r.scaler.LoadState(scalerState)
	}
	r.state = next
	return nil
}

// saveRegisteredCheckpoint confirms the run lock, allocates the next
// registry slot, removes the evicted checkpoint and writes the new one.
func (r *Runner) saveRegisteredCheckpoint(ctx context.Context) error {
	start := time.Now()
	if err := r.confirmLease(ctx); err != nil {
		return err
	}
	newPath, evict, oldPath, err := r.registry.AddCheckpoint(r.state.WeightUpdateCount)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.registry.Dir(), 0o755); err != nil {
		return fmt.Errorf("%w: failed to create checkpoint dir: %w", checkpoint.ErrCheckpoint, err)
	}
	if evict {
		r.removeCheckpoint(ctx, oldPath, "evicted")
	}

	info, err := r.SaveCheckpoint(ctx, newPath)
	if err != nil {
		r.emit(ctx, observe.Event{Kind: observe.KindCheckpoint, Status: observe.StatusFailed, Step: r.state.WeightUpdateCount, Name: newPath, Error: err.Error()})
		return err
	}
	r.log.Info("checkpoint saved", "path", info.Path, "step", r.state.WeightUpdateCount,
		"tensors", info.Tensors, "size", humanize.Bytes(uint64(info.Compressed)), "raw", humanize.Bytes(uint64(info.RawBytes)))

	if r.mirror != nil {
		n, err := r.mirror.Upload(ctx, info.Path)
		if err != nil {
			r.log.Info("failed to mirror checkpoint", "path", info.Path, "error", err.Error(), "warning", true)
		} else {
			r.log.V(1).Info("checkpoint mirrored", "path", info.Path, "size", humanize.Bytes(uint64(n)))
		}
	}
	if r.ledger != nil {
		props, _ := r.checkpointProperties()
		rec := state.CheckpointRecord{
			RunID:      r.ledgerRunID(),
			Step:       r.state.WeightUpdateCount,
			Path:       info.Path,
			Digest:     info.Digest,
			Bytes:      info.Compressed,
			Properties: props,
		}
		if err := r.ledger.SaveCheckpoint(ctx, rec); err != nil {
			r.log.Error(err, "failed to record checkpoint", "path", info.Path)
		}
	}
	r.emit(ctx, observe.Event{
		Kind: observe.KindCheckpoint, Step: r.state.WeightUpdateCount, Name: info.Path,
		DurationMs: time.Since(start).Milliseconds(),
		Attributes: map[string]any{"bytes": info.Compressed, "tensors": info.Tensors, "evicted": oldPath},
	})
	return nil
}

// dropSupersededCheckpoints removes checkpoints newer than the resumed
// weight update step, so the next save continues the registry in order.
func (r *Runner) dropSupersededCheckpoints(ctx context.Context) {
	for _, e := range r.registry.Rewind(r.state.WeightUpdateCount) {
		r.removeCheckpoint(ctx, e.Path, "superseded")
	}
}

// removeCheckpoint deletes a checkpoint the registry no longer tracks. A
// failed removal is logged; the registry has already forgotten it.
func (r *Runner) removeCheckpoint(ctx context.Context, path, reason string) {
	if err := os.RemoveAll(path); err != nil {
		r.log.Info("failed to delete checkpoint", "path", path, "reason", reason, "error", err.Error(), "warning", true)
	} else {
		r.log.Info("deleted checkpoint", "path", path, "reason", reason)
	}
	if r.mirror != nil {
		if err := r.mirror.Remove(ctx, path); err != nil {
			r.log.Info("failed to remove mirrored checkpoint", "path", path, "error", err.Error(), "warning", true)
		}
	}
}
