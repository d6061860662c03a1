package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/joho/godotenv"

	"github.com/PipeOpsHQ/pipetrain-go/state"
)

type cliOptions struct {
	configPath string
	envFile    string
	verbosity  int
	dir        string
	db         string
	status     string
	limit      int
}

func parseArgs(args []string) (cliOptions, []string, error) {
	opts := cliOptions{verbosity: -1, envFile: ".env", limit: 100}
	positional := make([]string, 0, len(args))
	for _, arg := range args {
		var err error
		switch {
		case strings.HasPrefix(arg, "--config="):
			opts.configPath = strings.TrimSpace(strings.TrimPrefix(arg, "--config="))
		case strings.HasPrefix(arg, "--env-file="):
			opts.envFile = strings.TrimSpace(strings.TrimPrefix(arg, "--env-file="))
		case strings.HasPrefix(arg, "--dir="):
			opts.dir = strings.TrimSpace(strings.TrimPrefix(arg, "--dir="))
		case strings.HasPrefix(arg, "--db="):
			opts.db = strings.TrimSpace(strings.TrimPrefix(arg, "--db="))
		case strings.HasPrefix(arg, "--status="):
			opts.status = strings.TrimSpace(strings.TrimPrefix(arg, "--status="))
		case strings.HasPrefix(arg, "--limit="):
			opts.limit, err = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(arg, "--limit=")))
		case strings.HasPrefix(arg, "-v="):
			opts.verbosity, err = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(arg, "-v=")))
		default:
			positional = append(positional, arg)
		}
		if err != nil {
			return opts, nil, fmt.Errorf("invalid argument %q: %w", arg, err)
		}
	}
	return opts, positional, nil
}

// loadEnvFile loads KEY=VALUE pairs without overriding the environment. A
// missing file is not an error.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file %q: %w", path, err)
	}
	return nil
}

func closeStore(log logr.Logger, store state.Store) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		log.Error(err, "state store close failed")
	}
}
