package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/relearnhq/stepline/internal/config"
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
)

// Gemini implements Completer on Google's generative AI SDK.
type Gemini struct {
	client    *genai.Client
	cfg       config.LLMConfig
	logger    *logging.Logger
	collector metrics.Collector
}

func NewGemini(ctx context.Context, cfg config.LLMConfig, logger *logging.Logger, collector metrics.Collector) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg, logger: logger, collector: collector}, nil
}

func (c *Gemini) Model() string { return c.cfg.Model }

func (c *Gemini) Close() error { return c.client.Close() }

func (c *Gemini) Complete(ctx context.Context, req Request) (string, error) {
	model := c.client.GenerativeModel(c.cfg.Model)
	if req.Temperature != nil {
		model.SetTemperature(float32(*req.Temperature))
	} else {
		model.SetTemperature(float32(c.cfg.Temperature))
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	} else if c.cfg.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(c.cfg.MaxTokens))
	}
	if req.JSON {
		model.ResponseMIMEType = "application/json"
	}
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	started := time.Now()
	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	c.observe(started, err)
	if err != nil {
		return "", fmt.Errorf("gemini completion failed: %w", err)
	}
	return extractText(resp)
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in completion response")
	}
	// Safety-blocked and token-limited replies come back with a candidate
	// but no content.
	cand := resp.Candidates[0]
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		return "", fmt.Errorf("completion candidate has no content (finish reason %v)", cand.FinishReason)
	}
	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("no text parts in completion response")
	}
	return sb.String(), nil
}

func (c *Gemini) observe(started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.collector.IncCounter(metrics.ProviderCalls, "provider", "gemini", "op", "complete", "outcome", outcome)
	c.collector.ObserveHistogram(metrics.StageSeconds, time.Since(started).Seconds(), "stage", "completion")
}
