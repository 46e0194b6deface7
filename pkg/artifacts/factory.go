package artifacts

import (
	"context"
	"fmt"
)

// BackendConfig selects and configures the artifact blob backend.
type BackendConfig struct {
	Backend string // "memory", "file", "s3", "gcs"
	Dir     string // file backend
	S3      S3StoreConfig
	GCS     GCSStoreConfig
}

// NewStore builds the configured Store implementation.
func NewStore(ctx context.Context, cfg BackendConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Dir)
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	case "gcs":
		return NewGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}
