// Package memory is an in-memory sharded data loader.
package memory

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/PipeOpsHQ/pipetrain-go/data"
	"github.com/PipeOpsHQ/pipetrain-go/tensor"
)

// Column is one named tensor of a shard, stored row-major with Width
// float32 values per sample. Width 1 columns are batched as [batch].
type Column struct {
	Name  string
	Width int
	Rows  [][]float32
}

type DataSet struct {
	columns []Column
	order   []int
}

func NewDataSet(columns ...Column) (*DataSet, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("memory: dataset needs at least one column")
	}
	n := len(columns[0].Rows)
	for _, c := range columns {
		if len(c.Rows) != n {
			return nil, fmt.Errorf("memory: column %q has %d rows, want %d", c.Name, len(c.Rows), n)
		}
		if c.Width < 1 {
			return nil, fmt.Errorf("memory: column %q has width %d", c.Name, c.Width)
		}
		for i, row := range c.Rows {
			if len(row) != c.Width {
				return nil, fmt.Errorf("memory: column %q row %d has %d values, want %d", c.Name, i, len(row), c.Width)
			}
		}
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return &DataSet{columns: columns, order: order}, nil
}

func (d *DataSet) NumSamples() int { return len(d.order) }

func (d *DataSet) TotalBatch(batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return (len(d.order) + batchSize - 1) / batchSize
}

func (d *DataSet) KthBatch(batchSize, k int) ([]tensor.Value, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("memory: batch size must be positive, got %d", batchSize)
	}
	n := len(d.order)
	if n == 0 {
		return nil, fmt.Errorf("memory: empty dataset")
	}
	out := make([]tensor.Value, len(d.columns))
	for ci, c := range d.columns {
		buf := make([]float32, 0, batchSize*c.Width)
		for i := 0; i < batchSize; i++ {
			row := d.order[(k*batchSize+i)%n]
			buf = append(buf, c.Rows[row]...)
		}
		shape := tensor.Shape{int64(batchSize), int64(c.Width)}
		if c.Width == 1 {
			shape = tensor.Shape{int64(batchSize)}
		}
		v, err := tensor.FromFloat32(shape, buf)
		if err != nil {
			return nil, err
		}
		out[ci] = v
	}
	return out, nil
}

func (d *DataSet) Shuffle(r *rand.Rand) {
	r.Shuffle(len(d.order), func(i, j int) { d.order[i], d.order[j] = d.order[j], d.order[i] })
}

func (d *DataSet) names() []string {
	out := make([]string, len(d.columns))
	for i, c := range d.columns {
		out[i] = c.Name
	}
	return out
}

// Loader serves a fixed list of shards. A nil shard fails to load.
type Loader struct {
	mu      sync.Mutex
	names   []string
	shards  []*DataSet
	current int
}

func NewLoader(names []string, shards ...*DataSet) (*Loader, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("memory: loader needs at least one shard")
	}
	for i, s := range shards {
		if s == nil {
			continue
		}
		got := s.names()
		if len(got) != len(names) {
			return nil, fmt.Errorf("memory: shard %d has %d columns, want %d", i, len(got), len(names))
		}
		for j := range got {
			if got[j] != names[j] {
				return nil, fmt.Errorf("memory: shard %d column %d is %q, want %q", i, j, got[j], names[j])
			}
		}
	}
	return &Loader{names: append([]string(nil), names...), shards: shards}, nil
}

var _ data.Loader = (*Loader)(nil)

func (l *Loader) TensorNames() []string { return append([]string(nil), l.names...) }

func (l *Loader) NumShards() int { return len(l.shards) }

func (l *Loader) InitializeDataSetIndex(index int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.shards) {
		return fmt.Errorf("memory: shard index %d outside [0,%d)", index, len(l.shards))
	}
	l.current = index
	return nil
}

func (l *Loader) CurrentDataSetIndex() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *Loader) CurrentDataSet() (data.DataSet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shardLocked()
}

func (l *Loader) MoveToNextDataSet() (data.DataSet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = (l.current + 1) % len(l.shards)
	return l.shardLocked()
}

func (l *Loader) shardLocked() (data.DataSet, error) {
	s := l.shards[l.current]
	if s == nil {
		return nil, fmt.Errorf("shard %d: %w", l.current, data.ErrShardUnavailable)
	}
	return s, nil
}

// Synthetic builds a linear-regression shard: labels are the dot product of
// the input row with weights, so a perfect model exists.
func Synthetic(r *rand.Rand, samples int, weights []float32, inputName, labelName string) (*DataSet, error) {
	width := len(weights)
	x := Column{Name: inputName, Width: width, Rows: make([][]float32, samples)}
	y := Column{Name: labelName, Width: 1, Rows: make([][]float32, samples)}
	for i := 0; i < samples; i++ {
		row := make([]float32, width)
		var sum float32
		for c := range row {
			row[c] = r.Float32()*2 - 1
			sum += row[c] * weights[c]
		}
		x.Rows[i] = row
		y.Rows[i] = []float32{sum}
	}
	return NewDataSet(x, y)
}
