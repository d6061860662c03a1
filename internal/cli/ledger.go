package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/PipeOpsHQ/pipetrain-go/checkpoint"
	"github.com/PipeOpsHQ/pipetrain-go/internal/logging"
	"github.com/PipeOpsHQ/pipetrain-go/state"
	statefactory "github.com/PipeOpsHQ/pipetrain-go/state/factory"
)

func listRuns(ctx context.Context, args []string, out io.Writer) error {
	opts, _, err := parseArgs(args)
	if err != nil {
		return err
	}
	if err := loadEnvFile(opts.envFile); err != nil {
		return err
	}
	log := logging.New(os.Stderr, resolveVerbosity(opts.verbosity))
	store, err := statefactory.FromEnv(ctx, log)
	if err != nil {
		return err
	}
	defer closeStore(log, store)

	runs, err := store.ListRuns(ctx, state.ListRunsQuery{Status: opts.status, Limit: opts.limit})
	if err != nil {
		return fmt.Errorf("list runs failed: %w", err)
	}
	for _, run := range runs {
		updated := "-"
		if run.UpdatedAt != nil {
			updated = run.UpdatedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(out, "%s\t%s\t%s\tstage=%d/%d\tround=%d\tupdates=%d\t%s\n",
			run.RunID, run.Model, run.Status, run.Stage, run.NumStages, run.Round, run.WeightUpdateStep, updated)
	}
	return nil
}

// listCheckpoints prints the ledger entries of a run, or with --dir the
// checkpoints a registry would discover on disk.
func listCheckpoints(ctx context.Context, args []string, out io.Writer) error {
	opts, positional, err := parseArgs(args)
	if err != nil {
		return err
	}
	if opts.dir != "" {
		return listCheckpointDir(opts.dir, out)
	}
	if len(positional) < 1 || strings.TrimSpace(positional[0]) == "" {
		return fmt.Errorf("usage: pipetrain checkpoints <run-id> | --dir=path")
	}
	if err := loadEnvFile(opts.envFile); err != nil {
		return err
	}
	log := logging.New(os.Stderr, resolveVerbosity(opts.verbosity))
	store, err := statefactory.FromEnv(ctx, log)
	if err != nil {
		return err
	}
	defer closeStore(log, store)

	records, err := store.ListCheckpoints(ctx, strings.TrimSpace(positional[0]), opts.limit)
	if err != nil {
		return fmt.Errorf("list checkpoints failed: %w", err)
	}
	for _, rec := range records {
		fmt.Fprintf(out, "%d\t%s\t%s\t%s\t%s\n", rec.Step, rec.Path, humanize.Bytes(uint64(rec.Bytes)), rec.Digest, rec.CreatedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func listCheckpointDir(dir string, out io.Writer) error {
	registry, err := checkpoint.NewRegistry(dir, 1)
	if err != nil {
		return err
	}
	entries := append(registry.Stale(), registry.Entries()...)
	for _, e := range entries {
		fmt.Fprintf(out, "%d\t%s\n", e.Step, e.Path)
	}
	return nil
}
