package trainer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/pipetrain-go/lrschedule"
	"github.com/PipeOpsHQ/pipetrain-go/tensor"
)

// ErrConfiguration marks an invalid parameter combination. It is reported
// before the training loop starts.
var ErrConfiguration = errors.New("trainer: invalid configuration")

// StepOutput is what the error callback sees after a step that can observe
// the loss.
type StepOutput struct {
	FeedNames  []string
	Feeds      []tensor.Value
	FetchNames []string
	Fetches    []tensor.Value
	Step       uint64
}

// Fetch returns the fetched value for name.
func (o StepOutput) Fetch(name string) (tensor.Value, bool) {
	for i, n := range o.FetchNames {
		if n == name && i < len(o.Fetches) {
			return o.Fetches[i], true
		}
	}
	return tensor.Value{}, false
}

// ErrorFunc receives the outputs of weight-update and evaluation steps on the
// stage that computes the loss.
type ErrorFunc func(out StepOutput)

// PostEvaluationFunc runs after errors were reported for a batch group. tag
// is "train" or "test".
type PostEvaluationFunc func(batchSize int, step uint64, tag string)

const (
	TagTrain = "train"
	TagTest  = "test"
)

// LRParams configure the learning-rate schedule and the graph input it feeds.
type LRParams struct {
	InitialLR   float64
	WarmupRatio float64
	WarmupMode  lrschedule.WarmupMode
	FeedName    string
}

// Parameters are consumed read-only by a Runner. Build them with
// DefaultParameters and override what the run needs.
type Parameters struct {
	ModelPath                   string
	ModelType                   string
	PipelineStagePaths          []string
	ModelWithLossPath           string
	ModelWithTrainingPath       string
	ModelActualRunningGraphPath string

	OutputDir     string
	PerfOutputDir string
	TrainDataDir  string
	TestDataDir   string

	CheckpointsDir       string
	CheckpointToLoadPath string
	MaxNumCheckpoints    int
	// CheckpointPeriod is counted in weight updates. Zero disables saving.
	CheckpointPeriod uint64

	WorldRank int
	WorldSize int
	LocalRank int
	LocalSize int

	PipelineParallelSize   int
	DataParallelSize       int
	HorizontalParallelSize int

	BatchSize                 int
	EvalBatchSize             int
	NumTrainSteps             uint64
	GradientAccumulationSteps int

	DoEval           bool
	SkipEvaluation   bool
	EvaluationPeriod uint64
	DisplayLossSteps uint64
	IsPerfTest       bool
	ShuffleData      bool
	Seed             int64

	LossFunction        string
	LossOutputName      string
	OptimizerName       string
	OptimizerAttributes map[string]float64
	UseMixedPrecision   bool
	// LossScale zero selects dynamic loss scaling.
	LossScale          float64
	UseAdasum          bool
	UseNCCL            bool
	DeepSpeedZeROStage int
	WeightsToTrain     []string
	WeightsNotToTrain  []string

	FetchNames []string
	LR         LRParams
	// MappedDimensions name symbolic graph dimensions, e.g. SeqLen. They are
	// reported in the perf metrics.
	MappedDimensions map[string]int64

	ErrorFunc              ErrorFunc
	PostEvaluationCallback PostEvaluationFunc
}

// DefaultParameters returns a fresh single-process configuration.
func DefaultParameters() Parameters {
	return Parameters{
		ModelType:                 "bert",
		MaxNumCheckpoints:         1,
		WorldSize:                 1,
		LocalSize:                 1,
		PipelineParallelSize:      1,
		DataParallelSize:          1,
		HorizontalParallelSize:    1,
		BatchSize:                 1,
		GradientAccumulationSteps: 1,
		EvaluationPeriod:          1,
		DisplayLossSteps:          1,
		OptimizerName:             "AdamOptimizer",
		LR: LRParams{
			InitialLR:  1e-3,
			WarmupMode: lrschedule.WarmupNone,
			FeedName:   "Learning_Rate",
		},
	}
}

// Validate reports every invalid combination at once, wrapped in
// ErrConfiguration.
func (p Parameters) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(p.ModelPath) == "" {
		add("model path is required")
	}
	if len(p.WeightsToTrain) > 0 && len(p.WeightsNotToTrain) > 0 {
		add("weights to train and weights not to train are mutually exclusive")
	}
	if strings.TrimSpace(p.OptimizerName) == "" {
		add("optimizer name is required")
	}
	if p.DeepSpeedZeROStage != 0 && !p.UseNCCL {
		add("DeepSpeed ZeRO stage %d requires NCCL", p.DeepSpeedZeROStage)
	}
	if p.BatchSize < 1 {
		add("batch size must be positive, got %d", p.BatchSize)
	}
	if p.EvalBatchSize < 0 {
		add("eval batch size must not be negative, got %d", p.EvalBatchSize)
	}
	if p.GradientAccumulationSteps < 1 {
		add("gradient accumulation steps must be positive, got %d", p.GradientAccumulationSteps)
	} else if p.NumTrainSteps%uint64(p.GradientAccumulationSteps) != 0 {
		add("number of training steps %d is not a multiple of gradient accumulation steps %d",
			p.NumTrainSteps, p.GradientAccumulationSteps)
	}
	if p.PipelineParallelSize < 1 {
		add("pipeline parallel size must be positive, got %d", p.PipelineParallelSize)
	}
	if p.WorldSize < 1 {
		add("world size must be positive, got %d", p.WorldSize)
	} else if p.WorldRank < 0 || p.WorldRank >= p.WorldSize {
		add("world rank %d outside [0,%d)", p.WorldRank, p.WorldSize)
	}
	if p.PipelineParallelSize > 1 && p.WorldSize < p.PipelineParallelSize {
		add("pipeline parallel size %d exceeds world size %d", p.PipelineParallelSize, p.WorldSize)
	}
	if p.DoEval && p.EvaluationPeriod == 0 {
		add("evaluation period must be positive when evaluation is enabled")
	}
	if p.DisplayLossSteps == 0 {
		add("display loss steps must be positive")
	}
	if p.LossScale < 0 {
		add("loss scale must not be negative, got %v", p.LossScale)
	}
	if p.CheckpointsDir != "" && p.MaxNumCheckpoints < 1 {
		add("max number of checkpoints must be positive, got %d", p.MaxNumCheckpoints)
	}
	if err := p.lrParams().Validate(); err != nil {
		add("learning rate: %v", err)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
}

func (p Parameters) lrParams() lrschedule.Params {
	return lrschedule.Params{
		InitialLR:   p.LR.InitialLR,
		WarmupRatio: p.LR.WarmupRatio,
		WarmupMode:  p.LR.WarmupMode,
		TotalSteps:  p.NumTrainSteps,
		FeedName:    p.LR.FeedName,
	}
}

func (p Parameters) evalBatchSize() int {
	if p.EvalBatchSize > 0 {
		return p.EvalBatchSize
	}
	return p.BatchSize
}

// canSeeLoss reports whether this rank computes the loss.
func (p Parameters) canSeeLoss() bool {
	return p.PipelineParallelSize <= 1 || p.WorldRank == p.WorldSize-1
}

func (p Parameters) clone() Parameters {
	out := p
	out.PipelineStagePaths = append([]string(nil), p.PipelineStagePaths...)
	out.WeightsToTrain = append([]string(nil), p.WeightsToTrain...)
	out.WeightsNotToTrain = append([]string(nil), p.WeightsNotToTrain...)
	out.FetchNames = append([]string(nil), p.FetchNames...)
	if p.OptimizerAttributes != nil {
		out.OptimizerAttributes = make(map[string]float64, len(p.OptimizerAttributes))
		for k, v := range p.OptimizerAttributes {
			out.OptimizerAttributes[k] = v
		}
	}
	if p.MappedDimensions != nil {
		out.MappedDimensions = make(map[string]int64, len(p.MappedDimensions))
		for k, v := range p.MappedDimensions {
			out.MappedDimensions[k] = v
		}
	}
	return out
}

// RunState are the counters persisted with every checkpoint.
type RunState struct {
	Step              uint64
	Round             uint64
	WeightUpdateCount uint64
	DataSetIndex      uint64
}
