package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/popgenlabs/slurmflow/internal/platform/env"
)

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketResults string
	BucketLogs    string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("SLURMFLOW_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:      env.String("SLURMFLOW_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:     env.String("SLURMFLOW_MINIO_ACCESS_KEY", "slurmflow"),
		SecretKey:     env.String("SLURMFLOW_MINIO_SECRET_KEY", "slurmflowminio"),
		Region:        env.String("SLURMFLOW_MINIO_REGION", "us-east-1"),
		UseSSL:        useSSL,
		BucketResults: env.String("SLURMFLOW_MINIO_BUCKET_RESULTS", "results"),
		BucketLogs:    env.String("SLURMFLOW_MINIO_BUCKET_LOGS", "job-logs"),
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
	if strings.TrimSpace(c.BucketResults) == "" {
		return errors.New("results bucket is required")
	}
	if strings.TrimSpace(c.BucketLogs) == "" {
		return errors.New("logs bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
