// Package httpapi exposes the module pipeline and the answer service
// over HTTP. Handlers are thin: validate, delegate, render.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/relearnhq/stepline/internal/answer"
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
	"github.com/relearnhq/stepline/internal/persistence"
	"github.com/relearnhq/stepline/internal/pipeline"
)

// ModuleStore is the read/write surface the handlers need.
type ModuleStore interface {
	CreateModule(ctx context.Context, m *persistence.Module) error
	GetModule(ctx context.Context, moduleID string) (*persistence.Module, error)
	GetSteps(ctx context.Context, moduleID string) ([]persistence.Step, error)
	ListQuestions(ctx context.Context, moduleID string, faqOnly bool) ([]persistence.Question, error)
	GetQuestion(ctx context.Context, questionID string) (*persistence.Question, error)
	SetQuestionFAQ(ctx context.Context, questionID string, isFAQ bool) (bool, error)
}

// PipelineService starts runs and accepts provider callbacks.
type PipelineService interface {
	StartProcessing(ctx context.Context, moduleID string, force bool) (*persistence.Module, error)
	EnqueueTranscriptionEvent(ctx context.Context, ev pipeline.TranscriptionEvent) error
}

// AnswerService serves questions about a module.
type AnswerService interface {
	Answer(ctx context.Context, req answer.Request) (answer.Response, error)
}

type Server struct {
	store     ModuleStore
	pipeline  PipelineService
	answers   AnswerService
	validate  *validator.Validate
	logger    *logging.Logger
	collector metrics.Collector

	webhookToken   string
	webhookSecret  string
	production     bool
	metricsHandler http.Handler

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

// WithWebhookAuth configures the shared token (required for callbacks)
// and the optional HMAC secret. Production makes signature failures
// fatal instead of logged.
func WithWebhookAuth(token, secret string, production bool) Option {
	return func(s *Server) {
		s.webhookToken = token
		s.webhookSecret = secret
		s.production = production
	}
}

// WithMetricsHandler mounts a handler on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metricsHandler = h
	}
}

func NewServer(store ModuleStore, pl PipelineService, answers AnswerService, logger *logging.Logger, collector metrics.Collector, opts ...Option) *Server {
	s := &Server{
		store:     store,
		pipeline:  pl,
		answers:   answers,
		validate:  validator.New(),
		logger:    logger,
		collector: collector,
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/modules", s.handleCreateModule)
	s.mux.HandleFunc("GET /api/modules/{id}", s.handleGetModule)
	s.mux.HandleFunc("GET /api/modules/{id}/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/modules/{id}/steps", s.handleGetSteps)
	s.mux.HandleFunc("POST /api/modules/{id}/reprocess", s.handleReprocess)
	s.mux.HandleFunc("GET /api/modules/{id}/questions", s.handleListQuestions)
	s.mux.HandleFunc("POST /api/answers", s.handleAnswer)
	s.mux.HandleFunc("PATCH /api/questions/{id}/faq", s.handleSetFAQ)
	s.mux.HandleFunc("POST /webhooks/transcription", s.handleTranscriptionWebhook)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metricsHandler != nil {
		s.mux.Handle("GET /metrics", s.metricsHandler)
	}
}

func (s *Server) Handler() http.Handler {
	return withRequestID(withLogging(s.logger, withCORS(s.mux)))
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
