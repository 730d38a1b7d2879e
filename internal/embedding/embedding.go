// Package embedding turns text into fixed-dimension vectors for the
// similarity search behind answer reuse.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/relearnhq/stepline/internal/config"
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
)

// Embedder produces a vector for a piece of text. Dimensions is fixed
// per configured model; mixing dimensionalities in one store breaks
// cosine scoring, so the store records the model alongside each vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Model() string
}

// New selects the embedding provider. It follows the completion
// provider so one API key covers both.
func New(ctx context.Context, llmCfg config.LLMConfig, cfg config.EmbeddingConfig, logger *logging.Logger, collector metrics.Collector) (Embedder, error) {
	switch llmCfg.Provider {
	case "openai":
		return NewOpenAI(llmCfg, cfg, logger, collector)
	case "gemini":
		return NewGemini(ctx, llmCfg, cfg, logger, collector)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", llmCfg.Provider)
	}
}

// WithRetry wraps an Embedder with bounded exponential backoff for
// transient provider failures. The answer path tolerates a degraded
// embedder, but a retried call is cheaper than a lost reuse hit.
type WithRetry struct {
	inner       Embedder
	maxInterval time.Duration
	maxElapsed  time.Duration
}

func NewWithRetry(inner Embedder) *WithRetry {
	return &WithRetry{
		inner:       inner,
		maxInterval: 2 * time.Second,
		maxElapsed:  10 * time.Second,
	}
}

func (r *WithRetry) Dimensions() int { return r.inner.Dimensions() }
func (r *WithRetry) Model() string   { return r.inner.Model() }

func (r *WithRetry) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	op := func() error {
		var err error
		vec, err = r.inner.Embed(ctx, text)
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = r.maxInterval
	bo.MaxElapsedTime = r.maxElapsed
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return vec, nil
}

// temporary matches provider errors that advertise retryability.
type temporary interface {
	Temporary() bool
}

func isRetryable(err error) bool {
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	// Network-level failures carry no status; retrying is the safe bet.
	return true
}
