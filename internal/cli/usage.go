package cli

import (
	"fmt"
	"io"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "pipetrain: pipeline-parallel training runner")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  pipetrain train --config=run.yaml [--env-file=.env] [-v=1]")
	fmt.Fprintln(w, "  pipetrain runs [--status=completed] [--limit=100]")
	fmt.Fprintln(w, "  pipetrain checkpoints <run-id>")
	fmt.Fprintln(w, "  pipetrain checkpoints --dir=./checkpoints")
	fmt.Fprintln(w, "  pipetrain trace --db=./.pipetrain/trace.db <run-id>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment Variables:")
	fmt.Fprintln(w, "  PIPETRAIN_LOG_VERBOSITY      Log V-level (1 = per-step progress, 2 = feeds and fetches)")
	fmt.Fprintln(w, "  PIPETRAIN_STATE_BACKEND      memory, sqlite, redis, postgres or hybrid")
	fmt.Fprintln(w, "  PIPETRAIN_SQLITE_PATH        Run ledger database for sqlite and hybrid")
	fmt.Fprintln(w, "  PIPETRAIN_MINIO_ENDPOINT     Mirror saved checkpoints to this S3 endpoint")
	fmt.Fprintln(w, "  PIPETRAIN_WORLD_RANK         Rank of this process (also WORLD_SIZE, PIPELINE_PARALLEL_SIZE)")
	fmt.Fprintln(w, "  PIPETRAIN_CHECKPOINTS_DIR    Overrides checkpoints.dir")
}
