// Package factory builds the run ledger selected by PIPETRAIN_STATE_BACKEND.
package factory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/PipeOpsHQ/pipetrain-go/internal/config"
	"github.com/PipeOpsHQ/pipetrain-go/state"
	"github.com/PipeOpsHQ/pipetrain-go/state/hybrid"
	"github.com/PipeOpsHQ/pipetrain-go/state/memory"
	"github.com/PipeOpsHQ/pipetrain-go/state/postgres"
	redisstore "github.com/PipeOpsHQ/pipetrain-go/state/redis"
	sqlitestore "github.com/PipeOpsHQ/pipetrain-go/state/sqlite"
)

const DefaultSQLitePath = "./.pipetrain/state.db"

func FromEnv(ctx context.Context, log logr.Logger) (state.Store, error) {
	backend := strings.ToLower(config.String("PIPETRAIN_STATE_BACKEND", "sqlite"))
	switch backend {
	case "memory":
		return memory.New(), nil

	case "sqlite":
		return sqlitestore.New(config.String("PIPETRAIN_SQLITE_PATH", DefaultSQLitePath))

	case "redis":
		return newRedisStoreFromEnv()

	case "postgres":
		cfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return postgres.Open(ctx, cfg)

	case "hybrid":
		durable, err := sqlitestore.New(config.String("PIPETRAIN_SQLITE_PATH", DefaultSQLitePath))
		if err != nil {
			return nil, err
		}
		cache, err := newRedisStoreFromEnv()
		if err != nil {
			log.V(1).Info("redis cache unavailable, using sqlite only", "error", err.Error())
			return hybrid.New(durable, nil, hybrid.WithLogger(log))
		}
		return hybrid.New(durable, cache, hybrid.WithLogger(log))

	default:
		return nil, fmt.Errorf("unsupported PIPETRAIN_STATE_BACKEND %q (use memory, sqlite, redis, postgres, or hybrid)", backend)
	}
}

func newRedisStoreFromEnv() (state.Store, error) {
	addr := config.String("PIPETRAIN_REDIS_ADDR", "127.0.0.1:6379")
	password := strings.TrimSpace(os.Getenv("PIPETRAIN_REDIS_PASSWORD"))
	db := config.ParseIntEnv("PIPETRAIN_REDIS_DB", 0)
	ttl, err := config.Duration("PIPETRAIN_REDIS_TTL", 72*time.Hour)
	if err != nil {
		return nil, err
	}

	opts := []redisstore.Option{
		redisstore.WithPassword(password),
		redisstore.WithDB(db),
		redisstore.WithTTL(ttl),
	}
	return redisstore.New(addr, opts...)
}
