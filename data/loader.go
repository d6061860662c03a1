// Package data defines the boundary between the orchestrator and the
// data-loading subsystem: a loader walks shards, a shard yields batches.
package data

import (
	"errors"
	"math/rand"

	"github.com/PipeOpsHQ/pipetrain-go/tensor"
)

// ErrShardUnavailable marks a shard that could not be loaded. The training
// loop logs it and moves to the next shard.
var ErrShardUnavailable = errors.New("data: shard unavailable")

type DataSet interface {
	NumSamples() int
	// TotalBatch is the number of batches of batchSize the shard yields.
	TotalBatch(batchSize int) int
	// KthBatch returns one value per loader tensor name. Batches wrap around
	// the end of the shard.
	KthBatch(batchSize, k int) ([]tensor.Value, error)
	Shuffle(r *rand.Rand)
}

type Loader interface {
	TensorNames() []string
	NumShards() int
	InitializeDataSetIndex(index int) error
	CurrentDataSetIndex() int
	// CurrentDataSet returns ErrShardUnavailable when the shard failed to load.
	CurrentDataSet() (DataSet, error)
	MoveToNextDataSet() (DataSet, error)
}
