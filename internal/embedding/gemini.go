package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/relearnhq/stepline/internal/config"
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
)

// Gemini embeds via EmbedContent. Gemini embedding models return 768
// dims; EMBEDDING_DIMS must match or New fails fast instead of
// poisoning the vector store.
type Gemini struct {
	client    *genai.Client
	model     string
	dims      int
	logger    *logging.Logger
	collector metrics.Collector
}

func NewGemini(ctx context.Context, llmCfg config.LLMConfig, cfg config.EmbeddingConfig, logger *logging.Logger, collector metrics.Collector) (*Gemini, error) {
	if llmCfg.APIKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(llmCfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-004"
	}
	return &Gemini{
		client:    client,
		model:     model,
		dims:      cfg.Dims,
		logger:    logger,
		collector: collector,
	}, nil
}

func (c *Gemini) Dimensions() int { return c.dims }
func (c *Gemini) Model() string   { return c.model }

func (c *Gemini) Close() error { return c.client.Close() }

func (c *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	started := time.Now()
	em := c.client.EmbeddingModel(c.model)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		c.observe(started, "error")
		return nil, fmt.Errorf("gemini embedding failed: %w", err)
	}
	if res == nil || res.Embedding == nil || len(res.Embedding.Values) == 0 {
		c.observe(started, "error")
		return nil, fmt.Errorf("empty embedding in response")
	}
	vec := res.Embedding.Values
	if c.dims > 0 && len(vec) != c.dims {
		c.observe(started, "error")
		return nil, fmt.Errorf("embedding has %d dims, expected %d", len(vec), c.dims)
	}
	c.observe(started, "ok")
	return vec, nil
}

func (c *Gemini) observe(started time.Time, outcome string) {
	c.collector.IncCounter(metrics.ProviderCalls, "provider", "gemini", "op", "embed", "outcome", outcome)
	c.collector.ObserveHistogram(metrics.StageSeconds, time.Since(started).Seconds(), "stage", "embedding")
}
