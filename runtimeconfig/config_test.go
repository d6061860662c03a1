package runtimeconfig

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/pipetrain-go/lrschedule"
	"github.com/PipeOpsHQ/pipetrain-go/trainer"
)

const sample = `
runId: bert-small
model:
  path: " sim:linear "
  dimensions:
    SeqLen: 128
data:
  shuffle: true
  seed: 7
  synthetic:
    shards: 2
    samples: 64
training:
  batchSize: 8
  steps: 40
  gradientAccumulationSteps: 4
  mixedPrecision: true
  optimizer: LambOptimizer
  fetches: [loss, " ", predictions]
learningRate:
  initial: 0.01
  warmupRatio: 0.1
  warmupMode: linear
evaluation:
  enabled: true
  period: 10
checkpoints:
  dir: /tmp/ckpt
  max: 3
  period: 5
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Config(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Model.Path != "sim:linear" {
		t.Fatalf("unexpected model path: %q", cfg.Model.Path)
	}
	if diff := cmp.Diff([]string{"loss", "predictions"}, cfg.Training.Fetches); diff != "" {
		t.Fatalf("fetches mismatch (-want +got):\n%s", diff)
	}
	if cfg.Data.Synthetic.Shards != 2 || cfg.Data.Synthetic.Samples != 64 {
		t.Fatalf("unexpected synthetic data: %+v", cfg.Data.Synthetic)
	}

	p, err := cfg.Parameters()
	if err != nil {
		t.Fatalf("Parameters: %v", err)
	}
	if p.BatchSize != 8 || p.NumTrainSteps != 40 || p.GradientAccumulationSteps != 4 {
		t.Fatalf("unexpected batching: %d %d %d", p.BatchSize, p.NumTrainSteps, p.GradientAccumulationSteps)
	}
	if p.LR.WarmupMode != lrschedule.WarmupLinear || p.LR.InitialLR != 0.01 || p.LR.FeedName != "Learning_Rate" {
		t.Fatalf("unexpected lr params: %+v", p.LR)
	}
	if p.OptimizerName != "LambOptimizer" || !p.UseMixedPrecision {
		t.Fatalf("unexpected optimizer settings: %q %v", p.OptimizerName, p.UseMixedPrecision)
	}
	if p.ModelType != "bert" || p.WorldSize != 1 || p.PipelineParallelSize != 1 {
		t.Fatal("defaults not kept for unset keys")
	}
	if p.MaxNumCheckpoints != 3 || p.CheckpointPeriod != 5 || !p.DoEval || p.EvaluationPeriod != 10 {
		t.Fatalf("unexpected checkpoint/eval settings: %+v", p)
	}
	if p.MappedDimensions["SeqLen"] != 128 {
		t.Fatalf("dimensions lost: %v", p.MappedDimensions)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "model: [unterminated")); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := Load(writeConfig(t, "modle:\n  path: x\n")); err == nil {
		t.Fatalf("expected unknown key error")
	}
	if _, err := Load(" "); err == nil {
		t.Fatalf("expected missing path error")
	}
}

func TestParametersRejectInvalidCombination(t *testing.T) {
	cfg, err := Parse([]byte("model:\n  path: sim:linear\ntraining:\n  steps: 10\n  gradientAccumulationSteps: 4\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := cfg.Parameters(); !errors.Is(err, trainer.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	cfg, _ = Parse([]byte("model:\n  path: sim:linear\nlearningRate:\n  warmupMode: exp\n"))
	if _, err := cfg.Parameters(); !errors.Is(err, trainer.ErrConfiguration) {
		t.Fatalf("expected warmup mode error, got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	t.Setenv("PIPETRAIN_WORLD_SIZE", "2")
	t.Setenv("PIPETRAIN_WORLD_RANK", "1")
	t.Setenv("PIPETRAIN_TRAIN_STEPS", "80")
	t.Setenv("PIPETRAIN_CHECKPOINTS_DIR", "/data/ckpt")
	if err := ApplyEnv(&cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Distributed.WorldSize != 2 || cfg.Distributed.WorldRank != 1 {
		t.Fatalf("unexpected ranks: %+v", cfg.Distributed)
	}
	if cfg.Training.Steps != 80 || cfg.Checkpoints.Dir != "/data/ckpt" {
		t.Fatalf("env overrides not applied: %d %q", cfg.Training.Steps, cfg.Checkpoints.Dir)
	}

	t.Setenv("PIPETRAIN_BATCH_SIZE", "eight")
	if err := ApplyEnv(&cfg); err == nil {
		t.Fatal("expected malformed env error")
	}
}
