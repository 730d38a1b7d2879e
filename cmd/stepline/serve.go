package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/relearnhq/stepline/internal/answer"
	"github.com/relearnhq/stepline/internal/config"
	"github.com/relearnhq/stepline/internal/embedding"
	"github.com/relearnhq/stepline/internal/httpapi"
	"github.com/relearnhq/stepline/internal/llm"
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/media"
	"github.com/relearnhq/stepline/internal/metrics"
	"github.com/relearnhq/stepline/internal/persistence"
	"github.com/relearnhq/stepline/internal/pipeline"
	"github.com/relearnhq/stepline/internal/queue"
	"github.com/relearnhq/stepline/internal/retrieval"
	"github.com/relearnhq/stepline/internal/storage"
	"github.com/relearnhq/stepline/internal/synthesis"
	"github.com/relearnhq/stepline/internal/transcribe"
	"github.com/relearnhq/stepline/pkg/icron"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, workers and scheduled maintenance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewFromEnv()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	prom := metrics.NewPrometheus("stepline")

	store, err := persistence.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	objects, err := storage.New(cfg.Storage, logger, prom)
	if err != nil {
		return fmt.Errorf("initializing object storage: %w", err)
	}

	completer, err := llm.New(ctx, cfg.LLM, logger, prom)
	if err != nil {
		return fmt.Errorf("initializing completion backend: %w", err)
	}
	embedder, err := embedding.New(ctx, cfg.LLM, cfg.Embedding, logger, prom)
	if err != nil {
		return fmt.Errorf("initializing embedding backend: %w", err)
	}
	embedder = embedding.NewWithRetry(embedder)

	processor := media.NewProcessor(logger)
	if err := processor.Available(); err != nil {
		logger.WithError(err).Warn("ffmpeg tooling not available, processing runs will fail")
	}

	var syncT transcribe.Transcriber
	var asyncT transcribe.AsyncTranscriber
	switch cfg.Transcribe.Mode {
	case "webhook":
		asyncT, err = transcribe.NewAsyncClient(cfg.Transcribe, logger, prom)
	default:
		syncT, err = transcribe.NewSyncClient(cfg.Transcribe, logger, prom)
	}
	if err != nil {
		return fmt.Errorf("initializing transcription backend: %w", err)
	}

	dispatcher, err := queue.New(cfg.Queue, logger, prom)
	if err != nil {
		return fmt.Errorf("initializing queue: %w", err)
	}

	pipe := pipeline.New(pipeline.Deps{
		Store:      store,
		Objects:    objects,
		Media:      processor,
		Sync:       syncT,
		Async:      asyncT,
		Synth:      synthesis.New(completer, logger, prom),
		Dispatcher: dispatcher,
		Config:     cfg,
		Logger:     logger,
		Collector:  prom,
	})
	if err := dispatcher.Start(pipe.Handle); err != nil {
		return fmt.Errorf("starting queue workers: %w", err)
	}
	defer dispatcher.Close()

	retriever := retrieval.New(store, logger, prom)
	answers := answer.New(store, retriever, embedder, completer, cfg.Answer, logger, prom)

	opts := []httpapi.Option{
		httpapi.WithWebhookAuth(cfg.Transcribe.WebhookToken, cfg.Transcribe.WebhookSecret, cfg.IsProduction()),
	}
	if cfg.HTTP.MetricsEnabled {
		opts = append(opts, httpapi.WithMetricsHandler(prom.Handler()))
	}
	server := httpapi.NewServer(store, pipe, answers, logger, prom, opts...)

	if err := icron.Validate(cfg.Pipeline.ReaperCron); err != nil {
		return fmt.Errorf("REAPER_CRON: %w", err)
	}
	if err := icron.Validate(cfg.Pipeline.SweepCron); err != nil {
		return fmt.Errorf("SWEEP_CRON: %w", err)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Pipeline.ReaperCron, func() {
		if _, err := pipe.Reap(context.Background()); err != nil {
			logger.WithError(err).Error("stale-run reaper failed")
		}
	}); err != nil {
		return fmt.Errorf("scheduling reaper: %w", err)
	}
	if _, err := scheduler.AddFunc(cfg.Pipeline.SweepCron, func() {
		if _, err := pipe.SweepWorkspaces(context.Background()); err != nil {
			logger.WithError(err).Error("workspace sweeper failed")
		}
	}); err != nil {
		return fmt.Errorf("scheduling workspace sweeper: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTP.Addr).Info("http server listening")
		if err := server.ListenAndServe(cfg.HTTP.Addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
	return nil
}
