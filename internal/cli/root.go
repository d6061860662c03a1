// Package cli implements the pipetrain command line.
package cli

import (
	"context"
	"io"
	"log"
	"os"
	"strings"
)

func Run(ctx context.Context, args []string) {
	if err := run(ctx, args, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		printUsage(out)
		return nil
	}

	switch strings.TrimSpace(args[0]) {
	case "train":
		return runTrain(ctx, args[1:], out)
	case "runs":
		return listRuns(ctx, args[1:], out)
	case "checkpoints":
		return listCheckpoints(ctx, args[1:], out)
	case "trace":
		return showTrace(ctx, args[1:], out)
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	default:
		return runTrain(ctx, args, out)
	}
}
