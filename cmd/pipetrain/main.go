package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/PipeOpsHQ/pipetrain-go/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cli.Run(ctx, os.Args[1:])
}
