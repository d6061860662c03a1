// Package runtimeconfig loads a YAML run description and turns it into
// trainer parameters.
package runtimeconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/PipeOpsHQ/pipetrain-go/internal/config"
	"github.com/PipeOpsHQ/pipetrain-go/lrschedule"
	"github.com/PipeOpsHQ/pipetrain-go/trainer"
)

type Config struct {
	RunID       string            `yaml:"runId"`
	Model       ModelConfig       `yaml:"model"`
	Data        DataConfig        `yaml:"data"`
	Training    TrainingConfig    `yaml:"training"`
	LR          LRConfig          `yaml:"learningRate"`
	Evaluation  EvaluationConfig  `yaml:"evaluation"`
	Checkpoints CheckpointConfig  `yaml:"checkpoints"`
	Output      OutputConfig      `yaml:"output"`
	Distributed DistributedConfig `yaml:"distributed"`
	Trace       TraceConfig       `yaml:"trace"`
}

type ModelConfig struct {
	Path             string           `yaml:"path"`
	Type             string           `yaml:"type"`
	StagePaths       []string         `yaml:"stagePaths"`
	WithLossPath     string           `yaml:"withLossPath"`
	WithTrainingPath string           `yaml:"withTrainingPath"`
	RunningGraphPath string           `yaml:"runningGraphPath"`
	Dimensions       map[string]int64 `yaml:"dimensions"`
}

// DataConfig names the data directories. Synthetic describes generated
// shards used when no external loader is plugged in.
type DataConfig struct {
	TrainDir  string          `yaml:"trainDir"`
	TestDir   string          `yaml:"testDir"`
	Shuffle   bool            `yaml:"shuffle"`
	Seed      int64           `yaml:"seed"`
	Synthetic SyntheticConfig `yaml:"synthetic"`
}

type SyntheticConfig struct {
	Shards      int `yaml:"shards"`
	Samples     int `yaml:"samples"`
	TestSamples int `yaml:"testSamples"`
	Width       int `yaml:"width"`
}

type TrainingConfig struct {
	BatchSize                 int                `yaml:"batchSize"`
	EvalBatchSize             int                `yaml:"evalBatchSize"`
	Steps                     uint64             `yaml:"steps"`
	GradientAccumulationSteps int                `yaml:"gradientAccumulationSteps"`
	DisplayLossSteps          uint64             `yaml:"displayLossSteps"`
	PerfTest                  bool               `yaml:"perfTest"`
	MixedPrecision            bool               `yaml:"mixedPrecision"`
	LossScale                 float64            `yaml:"lossScale"`
	LossFunction              string             `yaml:"lossFunction"`
	LossOutputName            string             `yaml:"lossOutputName"`
	Optimizer                 string             `yaml:"optimizer"`
	OptimizerAttributes       map[string]float64 `yaml:"optimizerAttributes"`
	UseAdasum                 bool               `yaml:"useAdasum"`
	UseNCCL                   bool               `yaml:"useNCCL"`
	ZeROStage                 int                `yaml:"zeroStage"`
	WeightsToTrain            []string           `yaml:"weightsToTrain"`
	WeightsNotToTrain         []string           `yaml:"weightsNotToTrain"`
	Fetches                   []string           `yaml:"fetches"`
}

type LRConfig struct {
	Initial     float64 `yaml:"initial"`
	WarmupRatio float64 `yaml:"warmupRatio"`
	WarmupMode  string  `yaml:"warmupMode"`
	FeedName    string  `yaml:"feedName"`
}

type EvaluationConfig struct {
	Enabled bool   `yaml:"enabled"`
	Skip    bool   `yaml:"skip"`
	Period  uint64 `yaml:"period"`
}

type CheckpointConfig struct {
	Dir    string `yaml:"dir"`
	Load   string `yaml:"load"`
	Max    int    `yaml:"max"`
	Period uint64 `yaml:"period"`
}

type OutputConfig struct {
	Dir     string `yaml:"dir"`
	PerfDir string `yaml:"perfDir"`
}

type DistributedConfig struct {
	WorldRank              int `yaml:"worldRank"`
	WorldSize              int `yaml:"worldSize"`
	LocalRank              int `yaml:"localRank"`
	LocalSize              int `yaml:"localSize"`
	PipelineParallelSize   int `yaml:"pipelineParallelSize"`
	DataParallelSize       int `yaml:"dataParallelSize"`
	HorizontalParallelSize int `yaml:"horizontalParallelSize"`
}

// TraceConfig selects where step events go besides the logger.
type TraceConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
	// SkipSteps keeps per-step events out of the trace database.
	SkipSteps bool `yaml:"skipSteps"`
	OTel      bool `yaml:"otel"`
}

func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Config{}, fmt.Errorf("config path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %q: %w", absPath, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
		return Config{}, fmt.Errorf("%s", yaml.FormatError(err, false, true))
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.RunID = strings.TrimSpace(c.RunID)
	c.Model.Path = strings.TrimSpace(c.Model.Path)
	c.Model.Type = strings.TrimSpace(c.Model.Type)
	c.Model.StagePaths = cleanList(c.Model.StagePaths)
	c.Training.Optimizer = strings.TrimSpace(c.Training.Optimizer)
	c.Training.LossFunction = strings.TrimSpace(c.Training.LossFunction)
	c.Training.WeightsToTrain = cleanList(c.Training.WeightsToTrain)
	c.Training.WeightsNotToTrain = cleanList(c.Training.WeightsNotToTrain)
	c.Training.Fetches = cleanList(c.Training.Fetches)
	c.LR.WarmupMode = strings.TrimSpace(c.LR.WarmupMode)
	c.LR.FeedName = strings.TrimSpace(c.LR.FeedName)
	c.Checkpoints.Dir = strings.TrimSpace(c.Checkpoints.Dir)
	c.Checkpoints.Load = strings.TrimSpace(c.Checkpoints.Load)
	c.Output.Dir = strings.TrimSpace(c.Output.Dir)
	c.Output.PerfDir = strings.TrimSpace(c.Output.PerfDir)
	c.Trace.SQLitePath = strings.TrimSpace(c.Trace.SQLitePath)
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

// ApplyEnv overrides the keys an operator changes per launch. Malformed
// values are errors.
func ApplyEnv(c *Config) error {
	var err error
	c.RunID = config.String("PIPETRAIN_RUN_ID", c.RunID)
	c.Model.Path = config.String("PIPETRAIN_MODEL_PATH", c.Model.Path)
	c.Checkpoints.Dir = config.String("PIPETRAIN_CHECKPOINTS_DIR", c.Checkpoints.Dir)
	c.Checkpoints.Load = config.String("PIPETRAIN_CHECKPOINT_TO_LOAD", c.Checkpoints.Load)
	c.Output.Dir = config.String("PIPETRAIN_OUTPUT_DIR", c.Output.Dir)
	c.Output.PerfDir = config.String("PIPETRAIN_PERF_OUTPUT_DIR", c.Output.PerfDir)
	c.Trace.SQLitePath = config.String("PIPETRAIN_TRACE_SQLITE_PATH", c.Trace.SQLitePath)

	ints := []struct {
		key string
		dst *int
	}{
		{"PIPETRAIN_WORLD_RANK", &c.Distributed.WorldRank},
		{"PIPETRAIN_WORLD_SIZE", &c.Distributed.WorldSize},
		{"PIPETRAIN_LOCAL_RANK", &c.Distributed.LocalRank},
		{"PIPETRAIN_LOCAL_SIZE", &c.Distributed.LocalSize},
		{"PIPETRAIN_PIPELINE_PARALLEL_SIZE", &c.Distributed.PipelineParallelSize},
		{"PIPETRAIN_BATCH_SIZE", &c.Training.BatchSize},
		{"PIPETRAIN_GRAD_ACC_STEPS", &c.Training.GradientAccumulationSteps},
	}
	for _, f := range ints {
		if *f.dst, err = config.Int(f.key, *f.dst); err != nil {
			return err
		}
	}
	if c.Training.Steps, err = config.Uint64("PIPETRAIN_TRAIN_STEPS", c.Training.Steps); err != nil {
		return err
	}
	if c.Training.MixedPrecision, err = config.Bool("PIPETRAIN_MIXED_PRECISION", c.Training.MixedPrecision); err != nil {
		return err
	}
	if c.Training.PerfTest, err = config.Bool("PIPETRAIN_PERF_TEST", c.Training.PerfTest); err != nil {
		return err
	}
	if c.LR.Initial, err = config.Float("PIPETRAIN_LEARNING_RATE", c.LR.Initial); err != nil {
		return err
	}
	return nil
}

// Parameters maps the file onto trainer.DefaultParameters. Zero values keep
// the defaults. Callbacks are left for the caller.
func (c Config) Parameters() (trainer.Parameters, error) {
	p := trainer.DefaultParameters()

	p.ModelPath = c.Model.Path
	setString(&p.ModelType, c.Model.Type)
	p.PipelineStagePaths = c.Model.StagePaths
	p.ModelWithLossPath = c.Model.WithLossPath
	p.ModelWithTrainingPath = c.Model.WithTrainingPath
	p.ModelActualRunningGraphPath = c.Model.RunningGraphPath
	p.MappedDimensions = c.Model.Dimensions

	p.TrainDataDir = c.Data.TrainDir
	p.TestDataDir = c.Data.TestDir
	p.ShuffleData = c.Data.Shuffle
	p.Seed = c.Data.Seed

	t := c.Training
	setInt(&p.BatchSize, t.BatchSize)
	p.EvalBatchSize = t.EvalBatchSize
	p.NumTrainSteps = t.Steps
	setInt(&p.GradientAccumulationSteps, t.GradientAccumulationSteps)
	setUint(&p.DisplayLossSteps, t.DisplayLossSteps)
	p.IsPerfTest = t.PerfTest
	p.UseMixedPrecision = t.MixedPrecision
	p.LossScale = t.LossScale
	p.LossFunction = t.LossFunction
	p.LossOutputName = t.LossOutputName
	setString(&p.OptimizerName, t.Optimizer)
	p.OptimizerAttributes = t.OptimizerAttributes
	p.UseAdasum = t.UseAdasum
	p.UseNCCL = t.UseNCCL
	p.DeepSpeedZeROStage = t.ZeROStage
	p.WeightsToTrain = t.WeightsToTrain
	p.WeightsNotToTrain = t.WeightsNotToTrain
	p.FetchNames = t.Fetches

	if c.LR.Initial != 0 {
		p.LR.InitialLR = c.LR.Initial
	}
	p.LR.WarmupRatio = c.LR.WarmupRatio
	if c.LR.WarmupMode != "" {
		mode, err := lrschedule.ParseWarmupMode(c.LR.WarmupMode)
		if err != nil {
			return trainer.Parameters{}, fmt.Errorf("%w: %w", trainer.ErrConfiguration, err)
		}
		p.LR.WarmupMode = mode
	}
	setString(&p.LR.FeedName, c.LR.FeedName)

	p.DoEval = c.Evaluation.Enabled
	p.SkipEvaluation = c.Evaluation.Skip
	setUint(&p.EvaluationPeriod, c.Evaluation.Period)

	p.CheckpointsDir = c.Checkpoints.Dir
	p.CheckpointToLoadPath = c.Checkpoints.Load
	setInt(&p.MaxNumCheckpoints, c.Checkpoints.Max)
	p.CheckpointPeriod = c.Checkpoints.Period

	p.OutputDir = c.Output.Dir
	p.PerfOutputDir = c.Output.PerfDir

	d := c.Distributed
	p.WorldRank = d.WorldRank
	p.LocalRank = d.LocalRank
	setInt(&p.WorldSize, d.WorldSize)
	setInt(&p.LocalSize, d.LocalSize)
	setInt(&p.PipelineParallelSize, d.PipelineParallelSize)
	setInt(&p.DataParallelSize, d.DataParallelSize)
	setInt(&p.HorizontalParallelSize, d.HorizontalParallelSize)

	if err := p.Validate(); err != nil {
		return trainer.Parameters{}, err
	}
	return p, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setUint(dst *uint64, v uint64) {
	if v != 0 {
		*dst = v
	}
}
