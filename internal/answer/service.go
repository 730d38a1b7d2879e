// Package answer serves natural-language questions about a module
// through a tiered fallback ladder: reuse a stored answer, generate a
// grounded one, fall back to keyword rules, and finally to a cached or
// static response. The ladder always terminates with an answer.
package answer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/relearnhq/stepline/internal/config"
	"github.com/relearnhq/stepline/internal/embedding"
	"github.com/relearnhq/stepline/internal/llm"
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
	"github.com/relearnhq/stepline/internal/persistence"
	"github.com/relearnhq/stepline/internal/retrieval"
	"github.com/relearnhq/stepline/internal/timecode"
)

const (
	// retrievalK bounds every similarity search.
	retrievalK = 5
	// exemplarFloor is the minimum similarity for a near-miss stored
	// answer to appear in the generation prompt as an exemplar.
	exemplarFloor = 0.6
	// transcriptWindowRunes bounds the transcript excerpt in prompts.
	transcriptWindowRunes = 1200

	emptyFallbackText = "I could not find an answer to that in this training module. Try rephrasing the question, or ask about one of the listed steps."
)

// Request is one question against a module.
type Request struct {
	ModuleID  string
	Question  string
	StepID    string
	UserID    string
	VideoTime *float64
}

// Response carries the answer and its provenance tier. Confidence is
// set for REUSED answers (the cosine similarity).
type Response struct {
	QuestionID string   `json:"questionId,omitempty"`
	Answer     string   `json:"answer"`
	Source     string   `json:"source"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Store is the persistence surface the ladder needs.
type Store interface {
	GetModule(ctx context.Context, moduleID string) (*persistence.Module, error)
	GetSteps(ctx context.Context, moduleID string) ([]persistence.Step, error)
	GetQuestion(ctx context.Context, questionID string) (*persistence.Question, error)
	SaveAnswer(ctx context.Context, q *persistence.Question, vec *persistence.QuestionVector) error
	LatestAnswer(ctx context.Context, moduleID string) (*persistence.Question, bool, error)
}

// Searcher is the retrieval surface; it degrades to empty results on
// store failure.
type Searcher interface {
	Search(ctx context.Context, scope retrieval.Scope, vector []float32, k int, threshold float64) ([]retrieval.Match, error)
}

type Service struct {
	store     Store
	embedder  embedding.Embedder
	completer llm.Completer
	searcher  Searcher
	cfg       config.AnswerConfig
	logger    *logging.Logger
	collector metrics.Collector

	flight singleflight.Group
}

// New builds the answer service. embedder and completer may be nil;
// the corresponding tiers are skipped.
func New(store Store, searcher Searcher, embedder embedding.Embedder, completer llm.Completer, cfg config.AnswerConfig, logger *logging.Logger, collector metrics.Collector) *Service {
	return &Service{
		store:     store,
		searcher:  searcher,
		embedder:  embedder,
		completer: completer,
		cfg:       cfg,
		logger:    logger,
		collector: collector,
	}
}

// Answer walks the ladder. It never returns an error for "no good
// answer" — only for malformed requests or an unknown module.
func (s *Service) Answer(ctx context.Context, req Request) (Response, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Response{}, fmt.Errorf("question is required")
	}
	req.Question = question

	// Identical concurrent questions collapse into one execution.
	key := req.ModuleID + "|" + strings.ToLower(question)
	result, err, _ := s.flight.Do(key, func() (any, error) {
		return s.answer(ctx, req)
	})
	if err != nil {
		return Response{}, err
	}
	resp := result.(Response)
	s.collector.IncCounter(metrics.Answers, "source", resp.Source)
	return resp, nil
}

func (s *Service) answer(ctx context.Context, req Request) (Response, error) {
	module, err := s.store.GetModule(ctx, req.ModuleID)
	if err != nil {
		return Response{}, err
	}
	log := s.logger.WithModule(module.ID)

	vector := s.embed(ctx, req.Question, log)

	// Tier 1+2: reuse. Module scope strictly outranks global no matter
	// the scores.
	if resp, ok := s.reuse(ctx, module.ID, vector, log); ok {
		return resp, nil
	}

	steps, err := s.store.GetSteps(ctx, req.ModuleID)
	if err != nil {
		log.WithError(err).Warn("failed to load steps for answer context")
		steps = nil
	}

	// Tier 3: grounded generation.
	if resp, ok := s.generate(ctx, module, steps, req, vector, log); ok {
		return resp, nil
	}

	// Tier 4: deterministic keyword rules over step text.
	if step, ok := ruleMatch(req.Question, steps); ok {
		text := composeRuleAnswer(step)
		ts := step.StartSeconds
		stored := s.persist(ctx, req, persistence.SourceRuleFallback, text, step.ID, &ts, vector, log)
		return Response{QuestionID: stored, Answer: text, Source: persistence.SourceRuleFallback}, nil
	}

	// Tier 5: cached best answer, then the static safe text.
	if cached, ok, err := s.store.LatestAnswer(ctx, req.ModuleID); err == nil && ok {
		return Response{QuestionID: cached.ID, Answer: cached.Answer, Source: persistence.SourceCachedFallback}, nil
	} else if err != nil {
		log.WithError(err).Warn("cached answer lookup failed")
	}
	return Response{Answer: emptyFallbackText, Source: persistence.SourceEmptyFallback}, nil
}

// embed tolerates embedder absence or failure; reuse and exemplars are
// skipped, the ladder continues.
func (s *Service) embed(ctx context.Context, question string, log *logging.Logger) []float32 {
	if s.embedder == nil {
		return nil
	}
	vector, err := s.embedder.Embed(ctx, question)
	if err != nil {
		log.WithError(err).Warn("question embedding failed, skipping reuse tier")
		return nil
	}
	return vector
}

// reuse searches the module and global scopes concurrently and serves
// the stored answer of the best in-scope match at or above threshold.
func (s *Service) reuse(ctx context.Context, moduleID string, vector []float32, log *logging.Logger) (Response, bool) {
	if len(vector) == 0 {
		return Response{}, false
	}

	var moduleMatches, globalMatches []retrieval.Match
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		moduleMatches, err = s.searcher.Search(gctx, retrieval.Scope{ModuleID: moduleID}, vector, retrievalK, s.cfg.ReuseThreshold)
		return err
	})
	g.Go(func() error {
		var err error
		globalMatches, err = s.searcher.Search(gctx, retrieval.Global, vector, retrievalK, s.cfg.ReuseThreshold)
		return err
	})
	if err := g.Wait(); err != nil {
		log.WithError(err).Warn("similarity search failed, skipping reuse tier")
		return Response{}, false
	}

	for _, matches := range [][]retrieval.Match{moduleMatches, globalMatches} {
		for _, match := range matches {
			stored, err := s.store.GetQuestion(ctx, match.QuestionID)
			if err != nil || strings.TrimSpace(stored.Answer) == "" {
				continue
			}
			confidence := match.Similarity
			return Response{
				QuestionID: stored.ID,
				Answer:     stored.Answer,
				Source:     persistence.SourceReused,
				Confidence: &confidence,
			}, true
		}
	}
	return Response{}, false
}

// generate runs the bounded completion call and rejects placeholder
// boilerplate before trusting the reply.
func (s *Service) generate(ctx context.Context, module *persistence.Module, steps []persistence.Step, req Request, vector []float32, log *logging.Logger) (Response, bool) {
	if s.completer == nil {
		return Response{}, false
	}
	prompt := s.buildPrompt(ctx, module, steps, req, vector)

	genCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	reply, err := s.completer.Complete(genCtx, llm.Request{
		System: "You answer questions about a training video. Answer only from the supplied context. Be concise and concrete. If the context does not cover the question, say what the closest covered step is.",
		Prompt: prompt,
	})
	if err != nil {
		log.WithError(err).Warn("completion backend failed, falling through")
		return Response{}, false
	}
	if IsPlaceholder(reply) {
		log.WithField("reply_len", len(reply)).Warn("placeholder completion rejected")
		s.collector.IncCounter(metrics.Answers, "source", "placeholder_rejected")
		return Response{}, false
	}

	text := strings.TrimSpace(reply)
	stored := s.persist(ctx, req, persistence.SourceGenerated, text, req.StepID, req.VideoTime, vector, log)
	return Response{QuestionID: stored, Answer: text, Source: persistence.SourceGenerated}, true
}

func (s *Service) buildPrompt(ctx context.Context, module *persistence.Module, steps []persistence.Step, req Request, vector []float32) string {
	var sb strings.Builder
	if module.Title != "" {
		fmt.Fprintf(&sb, "Training module: %s\n\n", module.Title)
	}

	if len(steps) > 0 {
		sb.WriteString("Steps:\n")
		for _, step := range steps {
			fmt.Fprintf(&sb, "%d. [%s-%s] %s\n", step.Ord, timecode.Format(step.StartSeconds), timecode.Format(step.EndSeconds), step.Text)
		}
		sb.WriteString("\n")
	}

	if excerpt := transcriptWindow(module.Transcript, module.DurationSeconds, req.VideoTime); excerpt != "" {
		sb.WriteString("Transcript excerpt:\n")
		sb.WriteString(excerpt)
		sb.WriteString("\n\n")
	}

	// Near-miss stored answers below the reuse threshold still make
	// useful exemplars.
	if len(vector) > 0 {
		if matches, err := s.searcher.Search(ctx, retrieval.Scope{ModuleID: module.ID}, vector, 2, exemplarFloor); err == nil {
			for _, match := range matches {
				stored, err := s.store.GetQuestion(ctx, match.QuestionID)
				if err != nil {
					continue
				}
				fmt.Fprintf(&sb, "Previously answered:\nQ: %s\nA: %s\n\n", stored.Question, stored.Answer)
			}
		}
	}

	if req.VideoTime != nil {
		fmt.Fprintf(&sb, "The viewer is at %s in the video.\n", timecode.Format(*req.VideoTime))
	}
	fmt.Fprintf(&sb, "Question: %s", req.Question)
	return sb.String()
}

// transcriptWindow returns a bounded excerpt, centered on the viewer's
// position when known.
func transcriptWindow(transcript string, totalSeconds float64, videoTime *float64) string {
	text := strings.TrimSpace(transcript)
	if text == "" {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= transcriptWindowRunes {
		return text
	}
	center := len(runes) / 2
	if videoTime != nil && totalSeconds > 0 {
		frac := *videoTime / totalSeconds
		if frac < 0 {
			frac = 0
		}
		if frac > 1 {
			frac = 1
		}
		center = int(frac * float64(len(runes)))
	}
	start := center - transcriptWindowRunes/2
	if start < 0 {
		start = 0
	}
	end := start + transcriptWindowRunes
	if end > len(runes) {
		end = len(runes)
		start = end - transcriptWindowRunes
	}
	return string(runes[start:end])
}

// persist stores the answered question and its embedding so future
// similar questions hit the reuse tier. Failures degrade: embedding
// loss keeps the row, row loss keeps the response.
func (s *Service) persist(ctx context.Context, req Request, source, answerText, stepID string, videoTime *float64, vector []float32, log *logging.Logger) string {
	q := &persistence.Question{
		ID:             uuid.NewString(),
		ModuleID:       req.ModuleID,
		StepID:         stepID,
		Question:       req.Question,
		Answer:         answerText,
		VideoTimestamp: videoTime,
		Source:         source,
		UserID:         req.UserID,
		CreatedAt:      time.Now().UTC(),
	}

	var vec *persistence.QuestionVector
	if len(vector) > 0 && s.embedder != nil {
		vec = &persistence.QuestionVector{
			QuestionID: q.ID,
			Embedding:  vector,
			Model:      s.embedder.Model(),
			Dims:       len(vector),
		}
	}

	if err := s.store.SaveAnswer(ctx, q, vec); err != nil {
		log.WithError(err).Error("failed to persist answered question")
		return ""
	}
	return q.ID
}
