package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/PipeOpsHQ/pipetrain-go/state"
	"github.com/PipeOpsHQ/pipetrain-go/state/statetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestSQLiteStore(t *testing.T) {
	statetest.Run(t, func(t *testing.T) state.Store { return newTestStore(t) })
}

func TestSQLiteStore_Locks(t *testing.T) {
	statetest.RunLocker(t, newTestStore(t), "run-lock")
}

func TestSQLiteStore_Options(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")
	s, err := New(dbPath, WithWAL(false), WithBusyTimeout(0), WithMaxOpenConns(2))
	if err != nil {
		t.Fatalf("New with options failed: %v", err)
	}
	defer s.Close()
	if s.enableWAL || s.busyTimeout != 0 || s.maxOpenConn != 2 {
		t.Fatalf("options not applied: %+v", s)
	}
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
