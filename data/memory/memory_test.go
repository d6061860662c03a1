package memory

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/PipeOpsHQ/pipetrain-go/data"
)

func column(name string, values ...float32) Column {
	c := Column{Name: name, Width: 1}
	for _, v := range values {
		c.Rows = append(c.Rows, []float32{v})
	}
	return c
}

func TestKthBatchWrapsAround(t *testing.T) {
	ds, err := NewDataSet(column("x", 0, 1, 2))
	if err != nil {
		t.Fatalf("NewDataSet: %v", err)
	}
	if got := ds.TotalBatch(2); got != 2 {
		t.Fatalf("TotalBatch = %d, want 2", got)
	}
	batch, err := ds.KthBatch(2, 1)
	if err != nil {
		t.Fatalf("KthBatch: %v", err)
	}
	vals, _ := batch[0].Float32s()
	if vals[0] != 2 || vals[1] != 0 {
		t.Fatalf("batch 1 = %v, want [2 0]", vals)
	}
}

func TestLoaderSkipsNilShard(t *testing.T) {
	a, _ := NewDataSet(column("x", 1))
	l, err := NewLoader([]string{"x"}, a, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if _, err := l.MoveToNextDataSet(); !errors.Is(err, data.ErrShardUnavailable) {
		t.Fatalf("expected ErrShardUnavailable, got %v", err)
	}
	if l.CurrentDataSetIndex() != 1 {
		t.Fatalf("index = %d, want 1", l.CurrentDataSetIndex())
	}
	if _, err := l.MoveToNextDataSet(); err != nil {
		t.Fatalf("wrap to shard 0: %v", err)
	}
}

func TestLoaderRejectsMismatchedColumns(t *testing.T) {
	a, _ := NewDataSet(column("y", 1))
	if _, err := NewLoader([]string{"x"}, a); err == nil {
		t.Fatal("expected column name mismatch")
	}
}

func TestShuffleIsSeeded(t *testing.T) {
	build := func() []float32 {
		ds, _ := NewDataSet(column("x", 0, 1, 2, 3, 4, 5, 6, 7))
		ds.Shuffle(rand.New(rand.NewSource(7)))
		b, _ := ds.KthBatch(8, 0)
		v, _ := b[0].Float32s()
		return v
	}
	first, second := build(), build()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("shuffle not deterministic: %v vs %v", first, second)
		}
	}
}

func TestSyntheticShapes(t *testing.T) {
	ds, err := Synthetic(rand.New(rand.NewSource(1)), 5, []float32{1, 2, 3}, "input", "labels")
	if err != nil {
		t.Fatalf("Synthetic: %v", err)
	}
	b, err := ds.KthBatch(4, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := b[0].Shape(); len(got) != 2 || got[0] != 4 || got[1] != 3 {
		t.Fatalf("input shape = %v", got)
	}
	if got := b[1].Shape(); len(got) != 1 || got[0] != 4 {
		t.Fatalf("label shape = %v", got)
	}
}
