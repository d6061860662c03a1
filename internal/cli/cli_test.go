package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const runConfig = `
runId: cli-test
model:
  path: sim:linear
data:
  seed: 3
  synthetic:
    shards: 2
    samples: 8
    testSamples: 4
    width: 4
training:
  batchSize: 2
  steps: 8
  gradientAccumulationSteps: 2
  fetches: [loss]
learningRate:
  initial: 0.05
evaluation:
  enabled: true
  period: 4
checkpoints:
  dir: {{dir}}/ckpt
  max: 2
  period: 1
output:
  dir: {{dir}}/out
trace:
  sqlitePath: {{dir}}/trace.db
`

func setupRun(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("PIPETRAIN_STATE_BACKEND", "sqlite")
	t.Setenv("PIPETRAIN_SQLITE_PATH", filepath.Join(dir, "state.db"))
	path := filepath.Join(dir, "run.yaml")
	if err := os.WriteFile(path, []byte(strings.ReplaceAll(runConfig, "{{dir}}", dir)), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return dir, path
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	if err := run(context.Background(), args, &out); err != nil {
		t.Fatalf("%s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestTrainThenInspect(t *testing.T) {
	dir, cfgPath := setupRun(t)

	out := runCLI(t, "train", "--config="+cfgPath, "--env-file=", "-v=0")
	if !strings.HasPrefix(out, "cli-test\tround=1\tupdates=4\t") {
		t.Fatalf("unexpected train output: %q", out)
	}
	for _, name := range []string{"sim_linear_trained", "sim_linear_with_cost_trained"} {
		if _, err := os.Stat(filepath.Join(dir, "out", name)); err != nil {
			t.Fatalf("missing trained model %s: %v", name, err)
		}
	}

	dirOut := runCLI(t, "checkpoints", "--dir="+filepath.Join(dir, "ckpt"))
	want := "3\t" + filepath.Join(dir, "ckpt", "checkpoint_3") + "\n" +
		"4\t" + filepath.Join(dir, "ckpt", "checkpoint_4") + "\n"
	if diff := cmp.Diff(want, dirOut); diff != "" {
		t.Fatalf("checkpoint dir listing mismatch (-want +got):\n%s", diff)
	}

	ledgerOut := runCLI(t, "checkpoints", "--env-file=", "-v=0", "cli-test")
	lines := strings.Split(strings.TrimSpace(ledgerOut), "\n")
	if len(lines) != 4 || !strings.HasPrefix(lines[0], "4\t") {
		t.Fatalf("unexpected ledger checkpoints:\n%s", ledgerOut)
	}

	runs := runCLI(t, "runs", "--env-file=", "-v=0", "--status=completed")
	if !strings.Contains(runs, "cli-test\tsim:linear\tcompleted") {
		t.Fatalf("completed run not listed:\n%s", runs)
	}

	trace := runCLI(t, "trace", "--db="+filepath.Join(dir, "trace.db"), "cli-test")
	for _, want := range []string{"runs started=1 completed=1 failed=0", "updates=4", "checkpoints=4"} {
		if !strings.Contains(trace, want) {
			t.Fatalf("trace output missing %q:\n%s", want, trace)
		}
	}
}

func TestTrainRejectsBadInput(t *testing.T) {
	_, cfgPath := setupRun(t)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"train"}, &out); err == nil {
		t.Fatal("expected missing config error")
	}
	if err := run(context.Background(), []string{"train", "--config=" + cfgPath, "-v=loud"}, &out); err == nil {
		t.Fatal("expected invalid verbosity error")
	}
	t.Setenv("PIPETRAIN_GRAD_ACC_STEPS", "3")
	if err := run(context.Background(), []string{"train", "--config=" + cfgPath, "--env-file=", "-v=0"}, &out); err == nil {
		t.Fatal("expected configuration error for indivisible train steps")
	}
	if err := run(context.Background(), []string{"checkpoints"}, &out); err == nil {
		t.Fatal("expected usage error")
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.env")
	if err := os.WriteFile(path, []byte("PIPETRAIN_TEST_FROM_FILE=yes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PIPETRAIN_TEST_FROM_FILE", "")
	os.Unsetenv("PIPETRAIN_TEST_FROM_FILE")
	if err := loadEnvFile(path); err != nil {
		t.Fatalf("loadEnvFile: %v", err)
	}
	if got := os.Getenv("PIPETRAIN_TEST_FROM_FILE"); got != "yes" {
		t.Fatalf("env not loaded, got %q", got)
	}
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}

func TestHelp(t *testing.T) {
	out := runCLI(t, "help")
	if !strings.Contains(out, "pipetrain train --config=run.yaml") {
		t.Fatalf("unexpected usage:\n%s", out)
	}
}
