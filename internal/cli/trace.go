package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	observestore "github.com/PipeOpsHQ/pipetrain-go/observe/store"
	tracesqlite "github.com/PipeOpsHQ/pipetrain-go/observe/store/sqlite"
)

const defaultTracePath = "./.pipetrain/trace.db"

func showTrace(ctx context.Context, args []string, out io.Writer) error {
	opts, positional, err := parseArgs(args)
	if err != nil {
		return err
	}
	if len(positional) < 1 || strings.TrimSpace(positional[0]) == "" {
		return fmt.Errorf("usage: pipetrain trace [--db=path] <run-id>")
	}
	runID := strings.TrimSpace(positional[0])
	path := opts.db
	if path == "" {
		path = defaultTracePath
	}
	store, err := tracesqlite.New(path)
	if err != nil {
		return err
	}
	defer store.Close()

	summary, err := store.AggregateMetrics(ctx, observestore.MetricsQuery{RunID: runID})
	if err != nil {
		return fmt.Errorf("aggregate trace failed: %w", err)
	}
	fmt.Fprintf(out, "runs started=%d completed=%d failed=%d\n", summary.RunsStarted, summary.RunsCompleted, summary.RunsFailed)
	fmt.Fprintf(out, "steps=%d updates=%d evaluations=%d checkpoints=%d skipped=%d\n",
		summary.Steps, summary.WeightUpdates, summary.Evaluations, summary.CheckpointsSaved, summary.ShardsSkipped)

	events, err := store.ListEventsByRun(ctx, runID, observestore.ListQuery{Limit: opts.limit})
	if err != nil {
		return fmt.Errorf("list trace events failed: %w", err)
	}
	for _, e := range events {
		fmt.Fprintf(out, "%s\tstage=%d\tstep=%d\t%s\t%s\t%s\n", e.Timestamp.UTC().Format(time.RFC3339Nano), e.Stage, e.Step, e.Kind, e.Status, e.Name)
	}
	return nil
}
