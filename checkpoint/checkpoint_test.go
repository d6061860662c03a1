package checkpoint

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/PipeOpsHQ/pipetrain-go/storage/objectstore"
	"github.com/PipeOpsHQ/pipetrain-go/tensor"
	"github.com/google/go-cmp/cmp"
)

type staticState map[string]tensor.Value

func (s staticState) StateTensors(context.Context) (map[string]tensor.Value, error) {
	return s, nil
}

func steps(entries []Entry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.Step
	}
	return out
}

func TestRegistryEvictsSmallestStep(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(dir, 2)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	var evicted []string
	for _, step := range []uint64{10, 20, 30, 40} {
		newPath, evict, oldPath, err := reg.AddCheckpoint(step)
		if err != nil {
			t.Fatalf("AddCheckpoint(%d): %v", step, err)
		}
		if filepath.Base(newPath) != DirName(step) {
			t.Fatalf("new path %s for step %d", newPath, step)
		}
		if evict {
			evicted = append(evicted, filepath.Base(oldPath))
		}
		got := steps(reg.Entries())
		for i := 1; i < len(got); i++ {
			if got[i-1] >= got[i] {
				t.Fatalf("entries not sorted: %v", got)
			}
		}
		if len(got) > 2 {
			t.Fatalf("registry over capacity: %v", got)
		}
	}
	if diff := cmp.Diff([]string{"checkpoint_10", "checkpoint_20"}, evicted); diff != "" {
		t.Fatalf("evictions mismatch (-want +got):\n%s", diff)
	}
	latest, ok := reg.TryGetLatestCheckpoint()
	if !ok || filepath.Base(latest) != "checkpoint_40" {
		t.Fatalf("latest = %q, %v", latest, ok)
	}
}

func TestRegistryRejectsNonIncreasingStep(t *testing.T) {
	reg, _ := NewRegistry(t.TempDir(), 3)
	if _, _, _, err := reg.AddCheckpoint(5); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := reg.AddCheckpoint(5); !errors.Is(err, ErrCheckpoint) {
		t.Fatalf("expected ErrCheckpoint, got %v", err)
	}
	if got := steps(reg.Entries()); len(got) != 1 {
		t.Fatalf("failed add must not change entries: %v", got)
	}
}

func TestRegistryRewind(t *testing.T) {
	reg, _ := NewRegistry(t.TempDir(), 3)
	for _, step := range []uint64{2, 4, 6} {
		if _, _, _, err := reg.AddCheckpoint(step); err != nil {
			t.Fatal(err)
		}
	}
	if got := reg.Rewind(6); got != nil {
		t.Fatalf("rewinding to the latest step dropped %v", got)
	}
	if diff := cmp.Diff([]uint64{4, 6}, steps(reg.Rewind(2))); diff != "" {
		t.Fatalf("dropped mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{2}, steps(reg.Entries())); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
	if _, _, _, err := reg.AddCheckpoint(3); err != nil {
		t.Fatalf("AddCheckpoint after rewind: %v", err)
	}
	if diff := cmp.Diff([]uint64{2, 3}, steps(reg.Entries())); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistryDerivesStateFromDisk(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"checkpoint_300", "checkpoint_20", "checkpoint_100", "checkpoint_400.tmp", "notes", "checkpoint_x"} {
		if err := os.MkdirAll(filepath.Join(dir, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	reg, err := NewRegistry(dir, 2)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if diff := cmp.Diff([]uint64{100, 300}, steps(reg.Entries())); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{20}, steps(reg.Stale())); diff != "" {
		t.Fatalf("stale mismatch (-want +got):\n%s", diff)
	}
	if _, ok := (&Registry{}).TryGetLatestCheckpoint(); ok {
		t.Fatal("empty registry has no latest checkpoint")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	w, _ := tensor.FromFloat32(tensor.Shape{3}, []float32{1.5, float32(math.Inf(1)), -2})
	state := staticState{
		"weights": w,
		"count":   tensor.ScalarInt64(42),
		"flag":    tensor.ScalarBool(true),
	}
	props := Properties{}
	props.SetUint64(PropStep, 12)
	props[PropLossScalerState] = `{"loss_scale":512,"stable_steps":3}`

	dir := filepath.Join(t.TempDir(), DirName(12))
	info, err := Save(ctx, dir, state, props)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if info.Tensors != 3 || info.Digest == "" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if _, err := os.Stat(dir + tmpSuffix); !os.IsNotExist(err) {
		t.Fatalf("temp directory left behind: %v", err)
	}

	loaded, gotProps, err := Load(ctx, dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(map[string]string(props), map[string]string(gotProps)); diff != "" {
		t.Fatalf("properties mismatch (-want +got):\n%s", diff)
	}
	vals, _ := loaded["weights"].Float32s()
	if vals[0] != 1.5 || !math.IsInf(float64(vals[1]), 1) || vals[2] != -2 {
		t.Fatalf("weights = %v", vals)
	}
	n, _ := loaded["count"].Int64s()
	if n[0] != 42 {
		t.Fatalf("count = %v", n)
	}
	step, err := gotProps.Uint64(PropStep)
	if err != nil || step != 12 {
		t.Fatalf("step = %d, %v", step, err)
	}
}

func TestLoadDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), DirName(1))
	if _, err := Save(ctx, dir, staticState{"count": tensor.ScalarInt64(1)}, Properties{}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, TensorFile), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Load(ctx, dir); !errors.Is(err, ErrCheckpoint) {
		t.Fatalf("expected ErrCheckpoint, got %v", err)
	}
	if _, _, err := Load(ctx, filepath.Join(t.TempDir(), "missing")); !errors.Is(err, ErrCheckpoint) {
		t.Fatalf("expected ErrCheckpoint for missing dir, got %v", err)
	}
}

func TestPropertiesValidation(t *testing.T) {
	p := Properties{PropStep: "12", PropRound: "x"}
	if err := p.Require(PropStep, PropRound, PropWeightUpdateStep); !errors.Is(err, ErrCheckpoint) {
		t.Fatalf("expected missing property error, got %v", err)
	}
	if _, err := p.Uint64(PropRound); !errors.Is(err, ErrCheckpoint) {
		t.Fatalf("expected parse error, got %v", err)
	}
	if _, err := p.String(PropLossScalerState); !errors.Is(err, ErrCheckpoint) {
		t.Fatalf("expected missing error, got %v", err)
	}
}

func TestMirrorUploadAndRemove(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), DirName(7))
	if _, err := Save(ctx, dir, staticState{"count": tensor.ScalarInt64(7)}, Properties{}); err != nil {
		t.Fatal(err)
	}
	store := objectstore.NewMemoryStore()
	mirror, err := NewMirror(store)
	if err != nil {
		t.Fatal(err)
	}
	n, err := mirror.Upload(ctx, dir)
	if err != nil || n == 0 {
		t.Fatalf("Upload = %d, %v", n, err)
	}
	objects, _ := store.List(ctx, "checkpoint_7/")
	if len(objects) != 2 {
		t.Fatalf("mirrored objects = %+v", objects)
	}
	if err := mirror.Remove(ctx, dir); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	objects, _ = store.List(ctx, "checkpoint_7/")
	if len(objects) != 0 {
		t.Fatalf("objects left after remove: %+v", objects)
	}
}
