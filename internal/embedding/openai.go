package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relearnhq/stepline/internal/config"
	"github.com/relearnhq/stepline/internal/llm"
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
)

// OpenAI calls the /embeddings endpoint of an OpenAI-compatible API.
type OpenAI struct {
	model      string
	dims       int
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
	collector  metrics.Collector
}

func NewOpenAI(llmCfg config.LLMConfig, cfg config.EmbeddingConfig, logger *logging.Logger, collector metrics.Collector) (*OpenAI, error) {
	if llmCfg.APIKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("EMBEDDING_MODEL is required")
	}
	return &OpenAI{
		model:     cfg.Model,
		dims:      cfg.Dims,
		apiKey:    llmCfg.APIKey,
		baseURL:   strings.TrimSuffix(llmCfg.APIURL, "/"),
		logger:    logger,
		collector: collector,
		httpClient: &http.Client{
			Timeout: llmCfg.Timeout,
		},
	}, nil
}

func (c *OpenAI) Dimensions() int { return c.dims }
func (c *OpenAI) Model() string   { return c.model }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *llm.APIError `json:"error,omitempty"`
}

func (c *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	jsonData, err := json.Marshal(embeddingRequest{Model: c.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(started, "error")
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(started, "error")
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		c.observe(started, "error")
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		parsed.Error.StatusCode = resp.StatusCode
		c.observe(started, "error")
		return nil, parsed.Error
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.observe(started, "error")
		return nil, &llm.APIError{Message: fmt.Sprintf("embedding request failed with status %d", resp.StatusCode), StatusCode: resp.StatusCode}
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		c.observe(started, "error")
		return nil, fmt.Errorf("empty embedding in response")
	}

	vec := parsed.Data[0].Embedding
	if c.dims > 0 && len(vec) != c.dims {
		c.observe(started, "error")
		return nil, fmt.Errorf("embedding has %d dims, expected %d", len(vec), c.dims)
	}
	c.observe(started, "ok")
	return vec, nil
}

func (c *OpenAI) observe(started time.Time, outcome string) {
	c.collector.IncCounter(metrics.ProviderCalls, "provider", "openai", "op", "embed", "outcome", outcome)
	c.collector.ObserveHistogram(metrics.StageSeconds, time.Since(started).Seconds(), "stage", "embedding")
}
