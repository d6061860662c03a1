package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/PipeOpsHQ/pipetrain-go/storage/objectstore"
)

// Mirror copies checkpoint directories to object storage, keyed by the
// directory name, and removes evicted ones.
type Mirror struct {
	store objectstore.Store
}

func NewMirror(store objectstore.Store) (*Mirror, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	return &Mirror{store: store}, nil
}

// Upload puts every file of dir under "<dirname>/". Returns the number of
// bytes uploaded.
func (m *Mirror) Upload(ctx context.Context, dir string) (int64, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	prefix := filepath.Base(dir)
	var total int64
	for _, item := range items {
		if item.IsDir() {
			continue
		}
		n, err := m.put(ctx, filepath.Join(dir, item.Name()), path.Join(prefix, item.Name()))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (m *Mirror) put(ctx context.Context, file, key string) (int64, error) {
	f, err := os.Open(file)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if err := m.store.Put(ctx, key, f, info.Size(), contentType(file)); err != nil {
		return 0, fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return info.Size(), nil
}

// Remove deletes every object mirrored for dir.
func (m *Mirror) Remove(ctx context.Context, dir string) error {
	objects, err := m.store.List(ctx, filepath.Base(dir)+"/")
	if err != nil {
		return fmt.Errorf("failed to list mirrored %s: %w", filepath.Base(dir), err)
	}
	var errs []error
	for _, obj := range objects {
		if err := m.store.Delete(ctx, obj.Key); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", obj.Key, err))
		}
	}
	return errors.Join(errs...)
}

func contentType(file string) string {
	switch filepath.Ext(file) {
	case ".json":
		return "application/json"
	case ".zst":
		return "application/zstd"
	default:
		return "application/octet-stream"
	}
}
