package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/pipetrain-go/internal/config"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

// Enabled reports whether a mirror endpoint was configured at all.
func Enabled() bool {
	return strings.TrimSpace(config.String("PIPETRAIN_MINIO_ENDPOINT", "")) != ""
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := config.Bool("PIPETRAIN_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  config.String("PIPETRAIN_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: config.String("PIPETRAIN_MINIO_ACCESS_KEY", ""),
		SecretKey: config.String("PIPETRAIN_MINIO_SECRET_KEY", ""),
		Region:    config.String("PIPETRAIN_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    config.String("PIPETRAIN_MINIO_BUCKET", "checkpoints"),
		Prefix:    config.String("PIPETRAIN_MINIO_PREFIX", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
