// Package engine defines the contract between the training orchestrator and
// the graph-execution engine that actually runs a training graph.
package engine

import (
	"context"
	"fmt"

	"github.com/PipeOpsHQ/pipetrain-go/pipeline"
	"github.com/PipeOpsHQ/pipetrain-go/tensor"
)

type SaveMode int

const (
	SaveNoReload SaveMode = iota
	SaveWithUpdatedWeights
	SaveWithUpdatedWeightsAndLoss
)

func (m SaveMode) String() string {
	switch m {
	case SaveNoReload:
		return "no-reload"
	case SaveWithUpdatedWeights:
		return "with-updated-weights"
	case SaveWithUpdatedWeightsAndLoss:
		return "with-updated-weights-and-loss"
	default:
		return fmt.Sprintf("save-mode(%d)", int(m))
	}
}

type RunOptions struct {
	// OnlyExecutePathToFetches restricts execution to the nodes the fetches
	// depend on. Used by gradient-accumulation steps.
	OnlyExecutePathToFetches bool
	Tag                      string
}

// OptimizerOutput identifies a graph output added by the optimizer rewrite.
type OptimizerOutput string

const (
	GradientAllIsFinite  OptimizerOutput = "GradientAllIsFinite"
	DeltaAllIsFinite     OptimizerOutput = "DeltaAllIsFinite"
	GradientAccumulation OptimizerOutput = "GradientAccumulation"
)

// TrainingConfig asks the engine to rewrite the loaded graph for training.
type TrainingConfig struct {
	WorldRank                 int
	WorldSize                 int
	LocalRank                 int
	LocalSize                 int
	LossFunction              string
	LossOutputName            string
	OptimizerName             string
	OptimizerAttributes       map[string]float64
	GradientAccumulationSteps int
	UseMixedPrecision         bool
	UseAdasum                 bool
	UseNCCL                   bool
	DeepSpeedZeROStage        int
	PipelineParallelSize      int
	DataParallelSize          int
	HorizontalParallelSize    int
	WeightsToTrain            []string
	WeightsNotToTrain         []string
	ModelWithLossPath         string
	ModelWithTrainingPath     string
}

// PipelineResult describes the local stage after partitioning.
type PipelineResult struct {
	StageID      int
	FeedNames    []string
	FetchNames   []string
	Events       pipeline.EventNames
	EventOutputs pipeline.EventOutputNames
}

type TrainingConfigResult struct {
	// LossScaleInputName is set when mixed precision is enabled.
	LossScaleInputName string
	OptimizerOutputs   map[OptimizerOutput]string
	Pipeline           *PipelineResult
}

// OutputName returns the graph output for key, if the rewrite produced it.
func (r TrainingConfigResult) OutputName(key OptimizerOutput) (string, bool) {
	name, ok := r.OptimizerOutputs[key]
	return name, ok && name != ""
}

// Engine must be safe for concurrent Run calls that use distinct feed and
// fetch buffers.
type Engine interface {
	Load(ctx context.Context, path string) error
	Configure(ctx context.Context, cfg TrainingConfig) (TrainingConfigResult, error)
	Initialize(ctx context.Context) error
	Run(ctx context.Context, opts RunOptions, feedNames []string, feeds []tensor.Value, fetchNames []string) ([]tensor.Value, error)
	StateTensors(ctx context.Context) (map[string]tensor.Value, error)
	SetStateTensors(ctx context.Context, state map[string]tensor.Value, allowMissing bool) error
	Save(ctx context.Context, path string, mode SaveMode) error
}
