package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend names an archive backend.
type Backend string

const (
	BackendNone   Backend = "none"
	BackendFS     Backend = "fs"
	BackendMemory Backend = "memory"
	BackendS3     Backend = "s3"
	BackendGCS    Backend = "gcs"
)

// Config selects and configures an archive backend.
type Config struct {
	Backend  Backend `yaml:"backend"`
	Dir      string  `yaml:"dir"`
	Bucket   string  `yaml:"bucket"`
	Region   string  `yaml:"region"`
	Endpoint string  `yaml:"endpoint"`
	Prefix   string  `yaml:"prefix"`
}

// ConfigFromEnv reads ICGL_ARTIFACT_* variables.
//
//   - ICGL_ARTIFACT_BACKEND: "fs" (default), "memory", "s3", "gcs" or "none"
//   - ICGL_ARTIFACT_DIR: filesystem root (default "<dataDir>/artifacts")
//   - ICGL_ARTIFACT_BUCKET, ICGL_ARTIFACT_PREFIX: object store location
//   - ICGL_ARTIFACT_REGION (falls back to AWS_REGION), ICGL_ARTIFACT_ENDPOINT
func ConfigFromEnv(dataDir string) Config {
	cfg := Config{
		Backend:  Backend(os.Getenv("ICGL_ARTIFACT_BACKEND")),
		Dir:      os.Getenv("ICGL_ARTIFACT_DIR"),
		Bucket:   os.Getenv("ICGL_ARTIFACT_BUCKET"),
		Region:   os.Getenv("ICGL_ARTIFACT_REGION"),
		Endpoint: os.Getenv("ICGL_ARTIFACT_ENDPOINT"),
		Prefix:   os.Getenv("ICGL_ARTIFACT_PREFIX"),
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendFS
	}
	if cfg.Dir == "" {
		if dataDir == "" {
			dataDir = "data"
		}
		cfg.Dir = filepath.Join(dataDir, "artifacts")
	}
	if cfg.Region == "" {
		cfg.Region = os.Getenv("AWS_REGION")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return cfg
}

// NewStore builds the configured backend. BackendNone yields a nil Store and no error.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendNone:
		return nil, nil
	case BackendFS, "":
		return NewFileStore(cfg.Dir)
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("ICGL_ARTIFACT_BUCKET is required for S3 storage")
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case BackendGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("ICGL_ARTIFACT_BUCKET is required for GCS storage")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported artifact backend: %s", cfg.Backend)
	}
}

// NewStoreFromEnv is NewStore(ctx, ConfigFromEnv(dataDir)).
func NewStoreFromEnv(ctx context.Context, dataDir string) (Store, error) {
	return NewStore(ctx, ConfigFromEnv(dataDir))
}
