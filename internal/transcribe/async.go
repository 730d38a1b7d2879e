package transcribe

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

// AsyncTranscriber is the webhook path: submission is fire-and-forget,
// the transcript arrives out-of-band and is fetched by job id.
type AsyncTranscriber interface {
	Submit(ctx context.Context, mediaURL, callbackURL string) (jobID string, err error)
	Fetch(ctx context.Context, jobID string) (Result, error)
}

// AsyncClient talks to a REST job provider: POST a media URL plus
// callback, poll-free; GET the finished transcript once notified.
type AsyncClient struct {
	cfg        config.TranscribeConfig
	httpClient *http.Client
	baseURL    string
	logger     *logging.Logger
	collector  metrics.Collector
}

func NewAsyncClient(cfg config.TranscribeConfig, logger *logging.Logger, collector metrics.Collector) (*AsyncClient, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("TRANSCRIBE_API_URL is required")
	}
	return &AsyncClient{
		cfg:       cfg,
		baseURL:   strings.TrimSuffix(cfg.APIURL, "/"),
		logger:    logger,
		collector: collector,
		httpClient: &http.Client{
			// Submission and fetch are small JSON exchanges; the long wait
			// happens provider-side between them.
			Timeout: 30 * time.Second,
		},
	}, nil
}

type submitRequest struct {
	AudioURL   string `json:"audio_url"`
	WebhookURL string `json:"webhook_url"`
	Language   string `json:"language_code,omitempty"`
}

type jobResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Text     string `json:"text"`
	Language string `json:"language_code"`
	Error    string `json:"error"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (c *AsyncClient) Submit(ctx context.Context, mediaURL, callbackURL string) (string, error) {
	payload := submitRequest{AudioURL: mediaURL, WebhookURL: callbackURL}
	started := time.Now()

	var job jobResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/transcripts", payload, &job); err != nil {
		c.observe(started, "submit", "error")
		return "", err
	}
	if job.ID == "" {
		c.observe(started, "submit", "error")
		return "", fmt.Errorf("provider returned no job id")
	}
	c.observe(started, "submit", "ok")
	return job.ID, nil
}

func (c *AsyncClient) Fetch(ctx context.Context, jobID string) (Result, error) {
	started := time.Now()

	var job jobResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/transcripts/"+jobID, nil, &job); err != nil {
		c.observe(started, "fetch", "error")
		return Result{}, err
	}
	if job.Status == JobError {
		c.observe(started, "fetch", "error")
		return Result{}, fmt.Errorf("transcription job %s failed: %s", jobID, job.Error)
	}
	if job.Status != JobCompleted {
		c.observe(started, "fetch", "pending")
		return Result{}, fmt.Errorf("transcription job %s not finished (status %s)", jobID, job.Status)
	}

	result := Result{Text: job.Text, Language: job.Language}
	for _, seg := range job.Segments {
		result.Segments = append(result.Segments, Segment(seg))
	}
	normalized, err := Normalize(result)
	if err != nil {
		c.observe(started, "fetch", "empty")
		return Result{}, err
	}
	c.observe(started, "fetch", "ok")
	return normalized, nil
}

func (c *AsyncClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transcription provider request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{StatusCode: resp.StatusCode, Body: snippet(responseBody)}
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("failed to parse provider response: %w", err)
	}
	return nil
}

func (c *AsyncClient) observe(started time.Time, op, outcome string) {
	c.collector.IncCounter(metrics.ProviderCalls, "provider", "transcribe", "op", op, "outcome", outcome)
	c.collector.ObserveHistogram(metrics.StageSeconds, time.Since(started).Seconds(), "stage", "transcription")
}
