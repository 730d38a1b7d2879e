package llm

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
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
)

// OpenAI speaks the /chat/completions dialect. It works against the
// real API and any compatible gateway (OpenRouter, vLLM, LocalAI).
// Safe for concurrent use.
type OpenAI struct {
	cfg        config.LLMConfig
	httpClient *http.Client
	baseURL    string
	logger     *logging.Logger
	collector  metrics.Collector
}

func NewOpenAI(cfg config.LLMConfig, logger *logging.Logger, collector metrics.Collector) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("LLM_MODEL is required")
	}
	return &OpenAI{
		cfg:       cfg,
		baseURL:   strings.TrimSuffix(cfg.APIURL, "/"),
		logger:    logger,
		collector: collector,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

func (c *OpenAI) Model() string { return c.cfg.Model }

func (c *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]Message, 0, 2)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, Message{Role: "user", Content: req.Prompt})

	payload := ChatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.maxTokens(req),
		Temperature: c.temperature(req),
	}
	if req.JSON {
		payload.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	started := time.Now()
	response, err := c.makeRequest(ctx, "/chat/completions", payload)
	c.observe(started, err)
	if err != nil {
		return "", err
	}

	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no choices in completion response")
	}
	return response.Choices[0].Message.Content, nil
}

func (c *OpenAI) makeRequest(ctx context.Context, path string, payload any) (*ChatResponse, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var chatResponse ChatResponse
	if err := json.Unmarshal(responseBody, &chatResponse); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &APIError{Message: truncate(string(responseBody), 300), StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if chatResponse.Error != nil && chatResponse.Error.Message != "" {
		chatResponse.Error.StatusCode = resp.StatusCode
		return nil, chatResponse.Error
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Message: truncate(string(responseBody), 300), StatusCode: resp.StatusCode}
	}
	return &chatResponse, nil
}

func (c *OpenAI) maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return c.cfg.MaxTokens
}

func (c *OpenAI) temperature(req Request) float64 {
	if req.Temperature != nil {
		return *req.Temperature
	}
	return c.cfg.Temperature
}

func (c *OpenAI) observe(started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.collector.IncCounter(metrics.ProviderCalls, "provider", "openai", "op", "complete", "outcome", outcome)
	c.collector.ObserveHistogram(metrics.StageSeconds, time.Since(started).Seconds(), "stage", "completion")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
