// Package storage abstracts the object store holding uploaded videos and
// derived artifacts. Backends: S3-compatible services and a local
// filesystem root for development.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/relearnhq/stepline/internal/config"
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
)

// ErrObjectNotFound is returned when the requested object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage is the capability surface the pipeline needs. An empty
// bucket selects the configured default.
type ObjectStorage interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) error
	Delete(ctx context.Context, bucket, key string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
	// PresignGet returns a URL an external service can fetch the object
	// from without credentials, valid for ttl.
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// New selects the backend from configuration.
func New(cfg config.StorageConfig, logger *logging.Logger, collector metrics.Collector) (ObjectStorage, error) {
	switch cfg.Backend {
	case "s3":
		return newS3(cfg.S3, logger, collector)
	case "fs":
		return newFS(cfg.FS, logger, collector)
	default:
		return nil, errors.New("unknown storage backend: " + cfg.Backend)
	}
}
