package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relearnhq/stepline/internal/config"
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
)

// fsStore keeps objects under root/<bucket>/<key>. It exists so local
// development and tests run without an S3 endpoint.
type fsStore struct {
	cfg       config.FSConfig
	logger    *logging.Logger
	collector metrics.Collector
}

func newFS(cfg config.FSConfig, logger *logging.Logger, collector metrics.Collector) (*fsStore, error) {
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", cfg.Root, err)
	}
	return &fsStore{cfg: cfg, logger: logger, collector: collector}, nil
}

func (s *fsStore) path(bucket, key string) (string, error) {
	if bucket == "" {
		bucket = "default"
	}
	rel := filepath.Join(bucket, filepath.FromSlash(key))
	if strings.Contains(rel, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.cfg.Root, rel), nil
}

func (s *fsStore) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.collector.IncCounter(metrics.StorageOps, "op", "get", "outcome", "not_found")
			return nil, ErrObjectNotFound
		}
		s.collector.IncCounter(metrics.StorageOps, "op", "get", "outcome", "error")
		return nil, fmt.Errorf("failed to open object %s: %w", key, err)
	}

	s.collector.IncCounter(metrics.StorageOps, "op", "get", "outcome", "ok")
	return f, nil
}

func (s *fsStore) Put(_ context.Context, bucket, key string, body io.Reader, _ string) error {
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp := p + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create object file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(tmp)
		s.collector.IncCounter(metrics.StorageOps, "op", "put", "outcome", "error")
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close object file: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize object %s: %w", key, err)
	}

	s.collector.IncCounter(metrics.StorageOps, "op", "put", "outcome", "ok")
	return nil
}

func (s *fsStore) Delete(_ context.Context, bucket, key string) error {
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	s.collector.IncCounter(metrics.StorageOps, "op", "delete", "outcome", "ok")
	return nil
}

func (s *fsStore) Exists(_ context.Context, bucket, key string) (bool, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PresignGet joins the public base URL with the object path. Async
// transcription providers need a fetchable URL, so the fs backend only
// supports it when FS_PUBLIC_BASE_URL is set.
func (s *fsStore) PresignGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	if s.cfg.PublicBaseURL == "" {
		return "", errors.New("fs storage has no public base URL configured")
	}
	if bucket == "" {
		bucket = "default"
	}
	parts := strings.Split(key, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	base := strings.TrimRight(s.cfg.PublicBaseURL, "/")
	return base + "/" + bucket + "/" + strings.Join(parts, "/"), nil
}
