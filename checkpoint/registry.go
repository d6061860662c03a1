// Package checkpoint persists trainable state and run counters so that long
// runs can resume, and keeps a bounded set of checkpoint directories on disk.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrCheckpoint wraps every checkpoint save, load and bookkeeping failure.
var ErrCheckpoint = errors.New("checkpoint error")

const (
	dirPrefix = "checkpoint_"
	tmpSuffix = ".tmp"
)

type Entry struct {
	Step uint64
	Path string
}

// DirName is the directory name of the checkpoint taken at step.
func DirName(step uint64) string {
	return dirPrefix + strconv.FormatUint(step, 10)
}

// ParseDirName extracts the step from a checkpoint directory name.
func ParseDirName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, dirPrefix) {
		return 0, false
	}
	digits := strings.TrimPrefix(name, dirPrefix)
	if digits == "" {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	step, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return step, true
}

// Registry tracks checkpoint directories ordered by step. Its entries are
// derived from the directory listing at construction; it never writes to
// disk itself.
type Registry struct {
	mu      sync.Mutex
	dir     string
	max     int
	entries []Entry
	stale   []Entry
}

func NewRegistry(dir string, maxNumCheckpoints int) (*Registry, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: checkpoint directory is required", ErrCheckpoint)
	}
	if maxNumCheckpoints < 1 {
		return nil, fmt.Errorf("%w: max number of checkpoints must be positive, got %d", ErrCheckpoint, maxNumCheckpoints)
	}
	r := &Registry{dir: dir, max: maxNumCheckpoints}
	found, err := discover(dir)
	if err != nil {
		return nil, err
	}
	if len(found) > r.max {
		r.stale = found[:len(found)-r.max]
		found = found[len(found)-r.max:]
	}
	r.entries = found
	return r, nil
}

func discover(dir string) ([]Entry, error) {
	items, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list %s: %v", ErrCheckpoint, dir, err)
	}
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		if !item.IsDir() {
			continue
		}
		step, ok := ParseDirName(item.Name())
		if !ok {
			continue
		}
		entries = append(entries, Entry{Step: step, Path: filepath.Join(dir, item.Name())})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Step < entries[j].Step })
	return entries, nil
}

func (r *Registry) Dir() string { return r.dir }

func (r *Registry) MaxNumCheckpoints() int { return r.max }

// AddCheckpoint allocates the path for a checkpoint at step. When the
// registry is over capacity the oldest entry is dropped and its path
// returned; the caller writes the new checkpoint and removes the old one.
func (r *Registry) AddCheckpoint(step uint64) (newPath string, shouldEvict bool, oldPath string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.entries); n > 0 && step <= r.entries[n-1].Step {
		return "", false, "", fmt.Errorf("%w: step %d is not after latest checkpoint step %d", ErrCheckpoint, step, r.entries[n-1].Step)
	}
	newPath = filepath.Join(r.dir, DirName(step))
	r.entries = append(r.entries, Entry{Step: step, Path: newPath})
	if len(r.entries) > r.max {
		oldPath = r.entries[0].Path
		r.entries = append([]Entry(nil), r.entries[1:]...)
		return newPath, true, oldPath, nil
	}
	return newPath, false, "", nil
}

// Rewind forgets every entry taken after step and returns them, oldest
// first. A run resumed from an earlier checkpoint supersedes them; the
// caller removes their directories.
func (r *Registry) Rewind(step uint64) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	keep := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].Step > step })
	if keep == len(r.entries) {
		return nil
	}
	dropped := append([]Entry(nil), r.entries[keep:]...)
	r.entries = r.entries[:keep:keep]
	return dropped
}

// TryGetLatestCheckpoint returns the newest checkpoint path, if any.
func (r *Registry) TryGetLatestCheckpoint() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return "", false
	}
	return r.entries[len(r.entries)-1].Path, true
}

func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Stale lists directories found at construction beyond capacity. They are
// not tracked and are left for the caller to remove.
func (r *Registry) Stale() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.stale...)
}
