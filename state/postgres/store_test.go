package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/PipeOpsHQ/pipetrain-go/state"
	"github.com/PipeOpsHQ/pipetrain-go/state/statetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	cfg := Config{URL: url, PingTimeout: 2 * time.Second, MaxOpenConns: 2, MaxIdleConns: 1}
	s, err := Open(context.Background(), cfg)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	// The suite reuses fixed run ids, so every store starts from empty tables.
	if _, err := s.db.ExecContext(context.Background(), "TRUNCATE pipetrain_runs, pipetrain_checkpoints, pipetrain_run_locks"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestPostgresStore(t *testing.T) {
	statetest.Run(t, func(t *testing.T) state.Store {
		return newTestStore(t)
	})
}

func TestPostgresStore_Locks(t *testing.T) {
	statetest.RunLocker(t, newTestStore(t), "run-lock")
}

func TestConfigValidate(t *testing.T) {
	valid := Config{URL: "postgres://localhost/x", PingTimeout: time.Second, MaxOpenConns: 2, MaxIdleConns: 1}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	cases := map[string]func(*Config){
		"missing url":    func(c *Config) { c.URL = "" },
		"zero ping":      func(c *Config) { c.PingTimeout = 0 },
		"no open conns":  func(c *Config) { c.MaxOpenConns = 0 },
		"idle over open": func(c *Config) { c.MaxIdleConns = 3 },
	}
	for name, mutate := range cases {
		cfg := valid
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("PIPETRAIN_DATABASE_URL", "postgres://localhost/x")
	t.Setenv("PIPETRAIN_DATABASE_MAX_OPEN_CONNS", "4")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.MaxOpenConns != 4 || cfg.PingTimeout != 2*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	t.Setenv("PIPETRAIN_DATABASE_MAX_OPEN_CONNS", "many")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatal("expected parse error")
	}
}
