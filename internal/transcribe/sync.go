package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/relearnhq/stepline/internal/config"
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
)

// Transcriber is the synchronous path: one bounded call, transcript in
// the response.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (Result, error)
}

// SyncClient posts audio to an OpenAI-compatible /audio/transcriptions
// endpoint and asks for verbose_json so segment timings come back when
// the model supports them.
type SyncClient struct {
	cfg        config.TranscribeConfig
	httpClient *http.Client
	baseURL    string
	logger     *logging.Logger
	collector  metrics.Collector
}

func NewSyncClient(cfg config.TranscribeConfig, logger *logging.Logger, collector metrics.Collector) (*SyncClient, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("TRANSCRIBE_API_URL is required")
	}
	return &SyncClient{
		cfg:       cfg,
		baseURL:   strings.TrimSuffix(cfg.APIURL, "/"),
		logger:    logger,
		collector: collector,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// verboseTranscription is the provider wire format.
type verboseTranscription struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (c *SyncClient) Transcribe(ctx context.Context, audioPath string) (Result, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return Result{}, fmt.Errorf("failed to build multipart form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return Result{}, fmt.Errorf("failed to read audio file: %w", err)
	}
	_ = writer.WriteField("model", c.cfg.Model)
	_ = writer.WriteField("response_format", "verbose_json")
	if c.cfg.LanguageHint != language.Und {
		base, _ := c.cfg.LanguageHint.Base()
		_ = writer.WriteField("language", base.String())
	}
	if err := writer.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to finalize multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(started, "error")
		return Result{}, fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(started, "error")
		return Result{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.observe(started, "error")
		return Result{}, &ProviderError{StatusCode: resp.StatusCode, Body: snippet(responseBody)}
	}

	var parsed verboseTranscription
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		c.observe(started, "error")
		return Result{}, fmt.Errorf("failed to parse transcription response: %w", err)
	}

	result := Result{Text: parsed.Text, Language: parsed.Language}
	for _, seg := range parsed.Segments {
		result.Segments = append(result.Segments, Segment(seg))
	}
	normalized, err := Normalize(result)
	if err != nil {
		c.observe(started, "empty")
		return Result{}, err
	}
	c.observe(started, "ok")
	return normalized, nil
}

func (c *SyncClient) observe(started time.Time, outcome string) {
	c.collector.IncCounter(metrics.ProviderCalls, "provider", "transcribe", "op", "transcribe", "outcome", outcome)
	c.collector.ObserveHistogram(metrics.StageSeconds, time.Since(started).Seconds(), "stage", "transcription")
}

func snippet(b []byte) string {
	const max = 300
	s := string(b)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
