package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/text/language"
)

// Config holds all application configuration.
// Values come from environment variables with sensible defaults; a .env
// file is loaded by main before this package reads anything.
//
// Environment Variables:
// HTTP:
// - HTTP_ADDR: listen address (default: :8080)
// - PUBLIC_BASE_URL: externally reachable base URL, used to build webhook callback URLs
// - ENV: development | production (default: development)
// - LOG_LEVEL: debug | info | warn | error (default: info)
// - LOG_FORMAT: text | json (default: text, json recommended in production)
//
// Storage:
// - DATABASE_PATH: sqlite database file (default: data/stepline.db)
// - WORK_DIR: temp workspace root for media processing (default: os temp)
// - STORAGE_BACKEND: s3 | fs (default: fs)
// - S3_ENDPOINT, S3_REGION, S3_BUCKET, S3_ACCESS_KEY_ID, S3_SECRET_ACCESS_KEY,
//   S3_USE_PATH_STYLE, S3_PRESIGN_TTL
// - FS_ROOT: object root for the fs backend (default: data/objects)
// - FS_PUBLIC_BASE_URL: public URL prefix for fs-stored objects
//
// Queue:
// - QUEUE_BACKEND: memory | amqp (default: memory)
// - QUEUE_WORKERS: worker pool size (default: 2)
// - AMQP_URL, AMQP_QUEUE: broker settings for the amqp backend
//
// Transcription:
// - TRANSCRIBE_MODE: sync | webhook (default: sync)
// - TRANSCRIBE_API_URL, TRANSCRIBE_API_KEY, TRANSCRIBE_MODEL
// - TRANSCRIBE_TIMEOUT: sync request timeout in seconds (default: 300)
// - TRANSCRIBE_LANG_HINT: BCP-47 tag passed to the provider (optional)
// - TRANSCRIBE_WEBHOOK_TOKEN: shared token checked on every callback
// - TRANSCRIBE_WEBHOOK_SECRET: HMAC secret for callback signatures (optional)
//
// LLM / embeddings:
// - LLM_PROVIDER: openai | gemini (default: openai)
// - LLM_API_KEY, LLM_API_URL, LLM_MODEL, LLM_MAX_TOKENS, LLM_TEMPERATURE, LLM_TIMEOUT
// - EMBEDDING_MODEL, EMBEDDING_DIMS
//
// Answering:
// - ANSWER_REUSE_THRESHOLD: cosine similarity for answer reuse (default: 0.85)
// - ANSWER_TIMEOUT: generation budget in seconds (default: 30)
//
// Pipeline:
// - PROCESSING_STALE_AFTER: age before a PROCESSING module is considered crashed (default: 10m)
// - REAPER_CRON: schedule for the stale-run reaper (default: @every 1m)
// - SWEEP_CRON: schedule for the temp workspace sweeper (default: @every 1h)
// - METRICS_ENABLED: expose /metrics (default: true)

type Config struct {
	HTTP       HTTPConfig       `json:"http"`
	Log        LogConfig        `json:"log"`
	Database   DatabaseConfig   `json:"database"`
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"queue"`
	Transcribe TranscribeConfig `json:"transcribe"`
	LLM        LLMConfig        `json:"llm"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Answer     AnswerConfig     `json:"answer"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Env        string           `json:"env"`
}

type HTTPConfig struct {
	Addr            string        `json:"addr"`
	PublicBaseURL   string        `json:"public_base_url"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	MetricsEnabled  bool          `json:"metrics_enabled"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type StorageConfig struct {
	Backend string   `json:"backend"`
	WorkDir string   `json:"work_dir"`
	S3      S3Config `json:"s3"`
	FS      FSConfig `json:"fs"`
}

type S3Config struct {
	Endpoint        string        `json:"endpoint"`
	Region          string        `json:"region"`
	Bucket          string        `json:"bucket"`
	AccessKeyID     string        `json:"access_key_id"`
	SecretAccessKey string        `json:"-"`
	UsePathStyle    bool          `json:"use_path_style"`
	PresignTTL      time.Duration `json:"presign_ttl"`
}

type FSConfig struct {
	Root          string `json:"root"`
	PublicBaseURL string `json:"public_base_url"`
}

type QueueConfig struct {
	Backend string `json:"backend"`
	Workers int    `json:"workers"`
	AMQPURL string `json:"-"`
	Queue   string `json:"queue"`
}

// TranscribeConfig holds speech-to-text settings for both backends.
// Mode "sync" calls the provider inline during the pipeline run; "webhook"
// submits a job and waits for the provider to call back.
type TranscribeConfig struct {
	Mode          string        `json:"mode"`
	APIURL        string        `json:"api_url"`
	APIKey        string        `json:"-"`
	Model         string        `json:"model"`
	Timeout       time.Duration `json:"timeout"`
	LanguageHint  language.Tag  `json:"language_hint"`
	WebhookToken  string        `json:"-"`
	WebhookSecret string        `json:"-"`
}

// LLMConfig holds the completion client configuration.
// The openai provider speaks to any OpenAI-compatible endpoint.
type LLMConfig struct {
	Provider    string        `json:"provider"`
	APIKey      string        `json:"-"`
	APIURL      string        `json:"api_url"`
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Timeout     time.Duration `json:"timeout"`
}

type EmbeddingConfig struct {
	Model string `json:"model"`
	Dims  int    `json:"dims"`
}

type AnswerConfig struct {
	ReuseThreshold float64       `json:"reuse_threshold"`
	Timeout        time.Duration `json:"timeout"`
}

type PipelineConfig struct {
	StaleAfter time.Duration `json:"stale_after"`
	ReaperCron string        `json:"reaper_cron"`
	SweepCron  string        `json:"sweep_cron"`
}

// Option is a function type for adjusting Config after env loading.
type Option func(*Config)

// NewFromEnv creates a Config from environment variables and options.
func NewFromEnv(opts ...Option) (*Config, error) {
	langHint := language.Und
	if raw := getEnvString("TRANSCRIBE_LANG_HINT", ""); raw != "" {
		tag, err := language.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid TRANSCRIBE_LANG_HINT %q: %w", raw, err)
		}
		langHint = tag
	}

	config := &Config{
		Env: getEnvString("ENV", "development"),
		HTTP: HTTPConfig{
			Addr:            getEnvString("HTTP_ADDR", ":8080"),
			PublicBaseURL:   getEnvString("PUBLIC_BASE_URL", "http://localhost:8080"),
			ShutdownTimeout: getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
			MetricsEnabled:  getEnvBool("METRICS_ENABLED", true),
		},
		Log: LogConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Path: getEnvString("DATABASE_PATH", "data/stepline.db"),
		},
		Storage: StorageConfig{
			Backend: getEnvString("STORAGE_BACKEND", "fs"),
			WorkDir: getEnvString("WORK_DIR", ""),
			S3: S3Config{
				Endpoint:        getEnvString("S3_ENDPOINT", ""),
				Region:          getEnvString("S3_REGION", "us-east-1"),
				Bucket:          getEnvString("S3_BUCKET", ""),
				AccessKeyID:     getEnvString("S3_ACCESS_KEY_ID", ""),
				SecretAccessKey: getEnvString("S3_SECRET_ACCESS_KEY", ""),
				UsePathStyle:    getEnvBool("S3_USE_PATH_STYLE", false),
				PresignTTL:      getEnvDuration("S3_PRESIGN_TTL", 1*time.Hour),
			},
			FS: FSConfig{
				Root:          getEnvString("FS_ROOT", "data/objects"),
				PublicBaseURL: getEnvString("FS_PUBLIC_BASE_URL", ""),
			},
		},
		Queue: QueueConfig{
			Backend: getEnvString("QUEUE_BACKEND", "memory"),
			Workers: getEnvInt("QUEUE_WORKERS", 2),
			AMQPURL: getEnvString("AMQP_URL", ""),
			Queue:   getEnvString("AMQP_QUEUE", "stepline.tasks"),
		},
		Transcribe: TranscribeConfig{
			Mode:          getEnvString("TRANSCRIBE_MODE", "sync"),
			APIURL:        getEnvString("TRANSCRIBE_API_URL", ""),
			APIKey:        getEnvString("TRANSCRIBE_API_KEY", ""),
			Model:         getEnvString("TRANSCRIBE_MODEL", "whisper-1"),
			Timeout:       getEnvDuration("TRANSCRIBE_TIMEOUT", 300*time.Second),
			LanguageHint:  langHint,
			WebhookToken:  getEnvString("TRANSCRIBE_WEBHOOK_TOKEN", ""),
			WebhookSecret: getEnvString("TRANSCRIBE_WEBHOOK_SECRET", ""),
		},
		LLM: LLMConfig{
			Provider:    getEnvString("LLM_PROVIDER", "openai"),
			APIKey:      getEnvString("LLM_API_KEY", ""),
			APIURL:      getEnvString("LLM_API_URL", "https://api.openai.com/v1"),
			Model:       getEnvString("LLM_MODEL", "gpt-4o-mini"),
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 2048),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0.2),
			Timeout:     getEnvDuration("LLM_TIMEOUT", 60*time.Second),
		},
		Embedding: EmbeddingConfig{
			Model: getEnvString("EMBEDDING_MODEL", "text-embedding-ada-002"),
			Dims:  getEnvInt("EMBEDDING_DIMS", 1536),
		},
		Answer: AnswerConfig{
			ReuseThreshold: getEnvFloat("ANSWER_REUSE_THRESHOLD", 0.85),
			Timeout:        getEnvDuration("ANSWER_TIMEOUT", 30*time.Second),
		},
		Pipeline: PipelineConfig{
			StaleAfter: getEnvDuration("PROCESSING_STALE_AFTER", 10*time.Minute),
			ReaperCron: getEnvString("REAPER_CRON", "@every 1m"),
			SweepCron:  getEnvString("SWEEP_CRON", "@every 1h"),
		},
	}

	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// IsProduction reports whether hard security failures (bad webhook
// signatures) must reject instead of log-and-continue.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// validate checks that the selected backends have what they need.
func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
		}
	case "fs":
		if c.Storage.FS.Root == "" {
			return fmt.Errorf("FS_ROOT is required when STORAGE_BACKEND=fs")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}

	switch c.Queue.Backend {
	case "memory":
	case "amqp":
		if c.Queue.AMQPURL == "" {
			return fmt.Errorf("AMQP_URL is required when QUEUE_BACKEND=amqp")
		}
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.Queue.Backend)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be at least 1")
	}

	switch c.Transcribe.Mode {
	case "sync":
	case "webhook":
		if c.Transcribe.WebhookToken == "" {
			return fmt.Errorf("TRANSCRIBE_WEBHOOK_TOKEN is required when TRANSCRIBE_MODE=webhook")
		}
		if c.HTTP.PublicBaseURL == "" {
			return fmt.Errorf("PUBLIC_BASE_URL is required when TRANSCRIBE_MODE=webhook")
		}
	default:
		return fmt.Errorf("unknown TRANSCRIBE_MODE %q", c.Transcribe.Mode)
	}

	switch c.LLM.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLM.Provider)
	}

	if c.Answer.ReuseThreshold < 0 || c.Answer.ReuseThreshold > 1 {
		return fmt.Errorf("ANSWER_REUSE_THRESHOLD must be within [0, 1]")
	}
	if c.Embedding.Dims < 1 {
		return fmt.Errorf("EMBEDDING_DIMS must be positive")
	}
	if c.Pipeline.StaleAfter <= 0 {
		return fmt.Errorf("PROCESSING_STALE_AFTER must be positive")
	}

	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean value from environment variables with default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration reads either a Go duration string ("90s", "10m") or a
// bare number of seconds, matching how deployments tend to set these.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
