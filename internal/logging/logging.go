// Package logging builds the process logger shared by the CLI, the trainer
// and the OpenTelemetry SDK.
package logging

import (
	"io"
	"log"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"go.opentelemetry.io/otel"

	"github.com/PipeOpsHQ/pipetrain-go/internal/config"
)

const VerbosityEnv = "PIPETRAIN_LOG_VERBOSITY"

// New returns a logger writing to w. verbosity enables V-levels up to and
// including its value; stdr keeps that setting process-wide.
func New(w io.Writer, verbosity int) logr.Logger {
	stdr.SetVerbosity(verbosity)
	logger := stdr.NewWithOptions(log.New(w, "", log.LstdFlags|log.Lmicroseconds), stdr.Options{LogCaller: stdr.Error})
	otel.SetLogger(logger.WithName("otel"))
	return logger.WithName("pipetrain")
}

// VerbosityFromEnv reads PIPETRAIN_LOG_VERBOSITY, falling back on malformed
// or missing values.
func VerbosityFromEnv(fallback int) int {
	return config.ParseIntEnv(VerbosityEnv, fallback)
}
