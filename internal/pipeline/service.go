// Package pipeline drives a module through UPLOADED → PROCESSING →
// READY | FAILED. The claim is a conditional UPDATE on the module row,
// so duplicate queue deliveries and concurrent starts collapse into
// exactly one live run. Stage failures are recorded on the row and
// never surface to API callers.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/relearnhq/stepline/internal/config"
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
	"github.com/relearnhq/stepline/internal/persistence"
	"github.com/relearnhq/stepline/internal/queue"
	"github.com/relearnhq/stepline/internal/storage"
	"github.com/relearnhq/stepline/internal/synthesis"
	"github.com/relearnhq/stepline/internal/transcribe"
	"github.com/relearnhq/stepline/pkg/file"
)

// Progress checkpoints. Each persisted update also refreshes the lease
// so live runs are never reaped.
const (
	progressClaimed     = 5
	progressFetched     = 10
	progressExtracted   = 30
	progressSubmitted   = 45
	progressTranscribed = 60
	progressSynthesized = 90
)

const (
	workspacePrefix = "stepline-"
	// workspaceMaxAge bounds how long an orphaned temp workspace may
	// survive before the sweeper removes it.
	workspaceMaxAge = 6 * time.Hour
)

// Store is the persistence surface the orchestrator needs. All lease
// methods return false when the run no longer holds the module.
type Store interface {
	GetModule(ctx context.Context, moduleID string) (*persistence.Module, error)
	ClaimProcessing(ctx context.Context, moduleID, runID string, staleBefore time.Time, force bool) (bool, error)
	SetProgress(ctx context.Context, moduleID, runID string, progress int) (bool, error)
	SetDuration(ctx context.Context, moduleID, runID string, seconds float64) (bool, error)
	SetTranscript(ctx context.Context, moduleID, runID, transcript, lang string) (bool, error)
	SetTranscribeJob(ctx context.Context, moduleID, runID, jobID string) (bool, error)
	SetStepsKey(ctx context.Context, moduleID, runID, key string) (bool, error)
	MarkReady(ctx context.Context, moduleID, runID string) (bool, error)
	MarkFailed(ctx context.Context, moduleID, runID, lastError string) (bool, error)
	ReplaceSteps(ctx context.Context, moduleID string, steps []persistence.Step) error
	ReapStale(ctx context.Context, cutoff time.Time, lastError string) (int64, error)
}

// MediaProcessor probes and converts local media files.
type MediaProcessor interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
	ExtractAudio(ctx context.Context, videoPath, audioPath string) error
}

// StepSynthesizer turns a transcript into ordered steps.
type StepSynthesizer interface {
	Synthesize(ctx context.Context, transcript transcribe.Result, total float64) ([]synthesis.Step, error)
}

// Deps wires the orchestrator. Exactly one of Sync/Async is set,
// matching TRANSCRIBE_MODE.
type Deps struct {
	Store      Store
	Objects    storage.ObjectStorage
	Media      MediaProcessor
	Sync       transcribe.Transcriber
	Async      transcribe.AsyncTranscriber
	Synth      StepSynthesizer
	Dispatcher queue.Dispatcher
	Config     *config.Config
	Logger     *logging.Logger
	Collector  metrics.Collector
}

type Service struct {
	store      Store
	objects    storage.ObjectStorage
	media      MediaProcessor
	syncT      transcribe.Transcriber
	asyncT     transcribe.AsyncTranscriber
	synth      StepSynthesizer
	dispatcher queue.Dispatcher
	logger     *logging.Logger
	collector  metrics.Collector

	mode          string
	staleAfter    time.Duration
	workDir       string
	publicBaseURL string
	webhookToken  string
	presignTTL    time.Duration
}

func New(d Deps) *Service {
	return &Service{
		store:         d.Store,
		objects:       d.Objects,
		media:         d.Media,
		syncT:         d.Sync,
		asyncT:        d.Async,
		synth:         d.Synth,
		dispatcher:    d.Dispatcher,
		logger:        d.Logger,
		collector:     d.Collector,
		mode:          d.Config.Transcribe.Mode,
		staleAfter:    d.Config.Pipeline.StaleAfter,
		workDir:       d.Config.Storage.WorkDir,
		publicBaseURL: d.Config.HTTP.PublicBaseURL,
		webhookToken:  d.Config.Transcribe.WebhookToken,
		presignTTL:    d.Config.Storage.S3.PresignTTL,
	}
}

// StartProcessing dispatches a processing run. When the module is
// already PROCESSING under a fresh lease and force is not set, it
// returns the current snapshot without side effects.
func (s *Service) StartProcessing(ctx context.Context, moduleID string, force bool) (*persistence.Module, error) {
	m, err := s.store.GetModule(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	if m.Status == persistence.StatusProcessing && !force && time.Since(m.UpdatedAt) < s.staleAfter {
		return m, nil
	}

	task := queue.Task{Kind: queue.KindProcessModule, ModuleID: moduleID, RunID: uuid.NewString()}
	if force {
		task.Payload = map[string]string{"force": "1"}
	}
	if _, err := s.dispatcher.Dispatch(ctx, task); err != nil {
		return nil, fmt.Errorf("dispatching processing task: %w", err)
	}
	return m, nil
}

// Handle is the queue handler for every pipeline task kind.
func (s *Service) Handle(ctx context.Context, task queue.Task) error {
	switch task.Kind {
	case queue.KindProcessModule:
		return s.process(ctx, task)
	case queue.KindTranscriptionCompleted:
		return s.completeTranscription(ctx, task)
	default:
		s.logger.WithField("kind", task.Kind).Warn("dropping task of unknown kind")
		return nil
	}
}

func (s *Service) process(ctx context.Context, task queue.Task) error {
	log := s.logger.WithModule(task.ModuleID).WithRun(task.RunID)
	force := task.Payload["force"] == "1"

	claimed, err := s.store.ClaimProcessing(ctx, task.ModuleID, task.RunID, time.Now().Add(-s.staleAfter), force)
	if err != nil {
		return fmt.Errorf("claiming module: %w", err)
	}
	if !claimed {
		// Another run holds a live lease; duplicate delivery is harmless.
		log.Info("claim not taken, skipping run")
		return nil
	}
	s.collector.IncCounter(metrics.ModuleRuns, "status", "started")
	s.progress(ctx, task.ModuleID, task.RunID, progressClaimed, log)

	m, err := s.store.GetModule(ctx, task.ModuleID)
	if err != nil {
		s.fail(ctx, task.ModuleID, task.RunID, newStageError(CodeFetchFailed, "claim", "loading claimed module", err), log)
		return nil
	}

	dir, err := os.MkdirTemp(s.workRoot(), workspacePrefix+"*")
	if err != nil {
		s.fail(ctx, m.ID, m.RunID, newStageError(CodeFetchFailed, "workspace", "creating temp workspace", err), log)
		return nil
	}
	defer os.RemoveAll(dir)

	videoPath, serr := s.fetchVideo(ctx, m, dir)
	if serr != nil {
		s.fail(ctx, m.ID, task.RunID, serr, log)
		return nil
	}
	s.progress(ctx, m.ID, task.RunID, progressFetched, log)

	duration, serr := s.extract(ctx, videoPath, m, task.RunID, log)
	if serr != nil {
		s.fail(ctx, m.ID, task.RunID, serr, log)
		return nil
	}
	s.progress(ctx, m.ID, task.RunID, progressExtracted, log)

	if s.mode == "webhook" {
		if serr := s.submitAsync(ctx, m, task.RunID, log); serr != nil {
			s.fail(ctx, m.ID, task.RunID, serr, log)
		}
		return nil
	}

	result, serr := s.transcribeSync(ctx, file.ReplaceExt(videoPath, ".wav"))
	if serr != nil {
		s.fail(ctx, m.ID, task.RunID, serr, log)
		return nil
	}
	if !s.setTranscript(ctx, m.ID, task.RunID, result, log) {
		return nil
	}
	s.finish(ctx, m.ID, task.RunID, result, duration, log)
	return nil
}

func (s *Service) fetchVideo(ctx context.Context, m *persistence.Module, dir string) (string, *StageError) {
	started := time.Now()
	rc, err := s.objects.Get(ctx, "", m.VideoKey)
	if err != nil {
		return "", newStageError(CodeFetchFailed, "fetch", "downloading video object", err)
	}
	defer rc.Close()

	videoPath := filepath.Join(dir, "video"+filepath.Ext(m.VideoKey))
	dst, err := os.Create(videoPath)
	if err != nil {
		return "", newStageError(CodeFetchFailed, "fetch", "creating local video file", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, rc); err != nil {
		return "", newStageError(CodeFetchFailed, "fetch", "copying video to workspace", err)
	}
	s.collector.ObserveHistogram(metrics.StageSeconds, time.Since(started).Seconds(), "stage", "fetch")
	return videoPath, nil
}

// extract probes the duration and, in sync mode, converts the video to
// the mono 16 kHz WAV the transcription provider expects.
func (s *Service) extract(ctx context.Context, videoPath string, m *persistence.Module, runID string, log *logging.Logger) (float64, *StageError) {
	started := time.Now()
	duration, err := s.media.ProbeDuration(ctx, videoPath)
	if err != nil {
		return 0, newStageError(CodeExtractionFailed, "extract", "probing media duration", err)
	}
	if ok, err := s.store.SetDuration(ctx, m.ID, runID, duration); err != nil || !ok {
		log.WithError(err).Warn("duration not persisted")
	}

	if s.mode != "webhook" {
		if err := s.media.ExtractAudio(ctx, videoPath, file.ReplaceExt(videoPath, ".wav")); err != nil {
			return 0, newStageError(CodeExtractionFailed, "extract", "extracting audio track", err)
		}
	}
	s.collector.ObserveHistogram(metrics.StageSeconds, time.Since(started).Seconds(), "stage", "extract")
	return duration, nil
}

func (s *Service) transcribeSync(ctx context.Context, audioPath string) (transcribe.Result, *StageError) {
	started := time.Now()
	result, err := s.syncT.Transcribe(ctx, audioPath)
	if err != nil {
		return transcribe.Result{}, newStageError(CodeTranscriptionFailed, "transcribe", "transcription request", err)
	}
	s.collector.ObserveHistogram(metrics.StageSeconds, time.Since(started).Seconds(), "stage", "transcribe")
	return result, nil
}

// submitAsync hands the media to the job provider and leaves the module
// PROCESSING; the webhook completes the run.
func (s *Service) submitAsync(ctx context.Context, m *persistence.Module, runID string, log *logging.Logger) *StageError {
	mediaURL, err := s.objects.PresignGet(ctx, "", m.VideoKey, s.presignTTL)
	if err != nil {
		return newStageError(CodeTranscriptionFailed, "submit", "presigning media URL", err)
	}

	jobID, err := s.asyncT.Submit(ctx, mediaURL, s.callbackURL(m.ID))
	if err != nil {
		return newStageError(CodeTranscriptionFailed, "submit", "submitting transcription job", err)
	}
	if ok, err := s.store.SetTranscribeJob(ctx, m.ID, runID, jobID); err != nil || !ok {
		return newStageError(CodeTranscriptionFailed, "submit", "persisting transcription job id", err)
	}
	s.progress(ctx, m.ID, runID, progressSubmitted, log)
	log.WithField("job_id", jobID).Info("transcription job submitted, awaiting webhook")
	return nil
}

func (s *Service) callbackURL(moduleID string) string {
	base := strings.TrimRight(s.publicBaseURL, "/")
	return fmt.Sprintf("%s/webhooks/transcription?moduleId=%s&token=%s",
		base, url.QueryEscape(moduleID), url.QueryEscape(s.webhookToken))
}

// TranscriptionEvent is a provider callback, already authenticated by
// the HTTP layer.
type TranscriptionEvent struct {
	ModuleID string
	JobID    string
	Status   string
	Text     string
	Language string
	Message  string
}

// EnqueueTranscriptionEvent defers webhook handling to a worker so the
// HTTP response returns immediately.
func (s *Service) EnqueueTranscriptionEvent(ctx context.Context, ev TranscriptionEvent) error {
	_, err := s.dispatcher.Dispatch(ctx, queue.Task{
		Kind:     queue.KindTranscriptionCompleted,
		ModuleID: ev.ModuleID,
		Payload: map[string]string{
			"job_id":   ev.JobID,
			"status":   ev.Status,
			"text":     ev.Text,
			"language": ev.Language,
			"message":  ev.Message,
		},
	})
	return err
}

// completeTranscription resumes a webhook-mode run. Every guard turns a
// duplicate or stale delivery into a logged no-op, so provider retries
// never corrupt a terminal module.
func (s *Service) completeTranscription(ctx context.Context, task queue.Task) error {
	log := s.logger.WithModule(task.ModuleID)

	m, err := s.store.GetModule(ctx, task.ModuleID)
	if errors.Is(err, persistence.ErrNotFound) {
		log.Warn("webhook for unknown module, ignoring")
		s.collector.IncCounter(metrics.WebhookEvents, "outcome", "unknown_module")
		return nil
	}
	if err != nil {
		return err
	}
	if m.Status != persistence.StatusProcessing {
		log.WithField("status", string(m.Status)).Info("webhook for terminal module, ignoring")
		s.collector.IncCounter(metrics.WebhookEvents, "outcome", "ignored_terminal")
		return nil
	}
	jobID := task.Payload["job_id"]
	if jobID == "" || jobID != m.TranscribeJobID {
		log.WithField("job_id", jobID).Info("webhook job id does not match current run, ignoring")
		s.collector.IncCounter(metrics.WebhookEvents, "outcome", "stale_job")
		return nil
	}
	log = log.WithRun(m.RunID)

	if task.Payload["status"] == transcribe.JobError {
		msg := task.Payload["message"]
		if msg == "" {
			msg = "provider reported job failure"
		}
		s.fail(ctx, m.ID, m.RunID, newStageError(CodeTranscriptionFailed, "transcribe", msg, nil), log)
		s.collector.IncCounter(metrics.WebhookEvents, "outcome", "job_error")
		return nil
	}

	result := transcribe.Result{Text: task.Payload["text"], Language: task.Payload["language"]}
	if strings.TrimSpace(result.Text) != "" {
		result, err = transcribe.Normalize(result)
	} else {
		result, err = s.fetchTranscript(ctx, jobID)
	}
	if err != nil {
		s.fail(ctx, m.ID, m.RunID, newStageError(CodeTranscriptionFailed, "transcribe", "retrieving final transcript", err), log)
		s.collector.IncCounter(metrics.WebhookEvents, "outcome", "fetch_failed")
		return nil
	}

	if !s.setTranscript(ctx, m.ID, m.RunID, result, log) {
		s.collector.IncCounter(metrics.WebhookEvents, "outcome", "lease_lost")
		return nil
	}
	s.finish(ctx, m.ID, m.RunID, result, m.DurationSeconds, log)
	s.collector.IncCounter(metrics.WebhookEvents, "outcome", "processed")
	return nil
}

// fetchTranscript pulls the full result from the provider with bounded
// backoff; non-temporary provider errors stop immediately.
func (s *Service) fetchTranscript(ctx context.Context, jobID string) (transcribe.Result, error) {
	if s.asyncT == nil {
		return transcribe.Result{}, fmt.Errorf("no async transcription backend configured")
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 30 * time.Second

	var result transcribe.Result
	err := backoff.Retry(func() error {
		res, err := s.asyncT.Fetch(ctx, jobID)
		if err != nil {
			var pe *transcribe.ProviderError
			if errors.As(err, &pe) && !pe.Temporary() {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}, backoff.WithContext(policy, ctx))
	return result, err
}

func (s *Service) setTranscript(ctx context.Context, moduleID, runID string, result transcribe.Result, log *logging.Logger) bool {
	ok, err := s.store.SetTranscript(ctx, moduleID, runID, result.Text, result.Language)
	if err != nil {
		log.WithError(err).Error("failed to persist transcript")
		return false
	}
	if !ok {
		log.Warn("transcript not persisted, lease no longer held")
		return false
	}
	s.progress(ctx, moduleID, runID, progressTranscribed, log)
	return true
}

// finish synthesizes steps, replaces them atomically, uploads the
// derived artifact and transitions the module to READY.
func (s *Service) finish(ctx context.Context, moduleID, runID string, result transcribe.Result, total float64, log *logging.Logger) {
	steps, err := s.synth.Synthesize(ctx, result, total)
	if err != nil {
		s.fail(ctx, moduleID, runID, newStageError(CodeSynthesisFailed, "synthesis", "synthesizing steps", err), log)
		return
	}
	s.progress(ctx, moduleID, runID, progressSynthesized, log)

	rows := make([]persistence.Step, 0, len(steps))
	for _, step := range steps {
		rows = append(rows, persistence.Step{
			ID:           uuid.NewString(),
			ModuleID:     moduleID,
			Ord:          step.Ord,
			Text:         step.Text,
			StartSeconds: step.Start,
			EndSeconds:   step.End,
			Approximate:  step.Approximate,
		})
	}
	if err := s.store.ReplaceSteps(ctx, moduleID, rows); err != nil {
		s.fail(ctx, moduleID, runID, newStageError(CodeSynthesisFailed, "synthesis", "persisting steps", err), log)
		return
	}

	s.uploadArtifact(ctx, moduleID, runID, steps, log)

	ok, err := s.store.MarkReady(ctx, moduleID, runID)
	if err != nil {
		log.WithError(err).Error("failed to mark module ready")
		return
	}
	if !ok {
		log.Warn("ready transition skipped, lease no longer held")
		return
	}
	s.collector.IncCounter(metrics.ModuleRuns, "status", "ready")
	log.WithField("steps", len(rows)).Info("module ready")
}

// uploadArtifact stores the steps JSON next to the video. Best effort:
// a storage failure is logged and the run still completes.
func (s *Service) uploadArtifact(ctx context.Context, moduleID, runID string, steps []synthesis.Step, log *logging.Logger) {
	body, err := json.MarshalIndent(steps, "", "  ")
	if err != nil {
		log.WithError(err).Warn("failed to encode steps artifact")
		return
	}
	key := fmt.Sprintf("modules/%s/steps.json", moduleID)
	if err := s.objects.Put(ctx, "", key, bytes.NewReader(body), "application/json"); err != nil {
		log.WithError(err).Warn("failed to upload steps artifact")
		return
	}
	if ok, err := s.store.SetStepsKey(ctx, moduleID, runID, key); err != nil || !ok {
		log.WithError(err).Warn("steps artifact key not persisted")
	}
}

// Reap fails every PROCESSING module whose lease went stale. Reaped
// modules reprocess cleanly; a late webhook for one is a no-op.
func (s *Service) Reap(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.staleAfter)
	lastError := fmt.Sprintf("%s: processing run made no progress for more than %s", CodeStaleRun, s.staleAfter)

	n, err := s.store.ReapStale(ctx, cutoff, lastError)
	if err != nil {
		return 0, err
	}
	for range n {
		s.collector.IncCounter(metrics.ModulesReaped)
	}
	if n > 0 {
		s.logger.WithField("count", n).Warn("reaped stale processing modules")
	}
	return n, nil
}

// SweepWorkspaces removes orphaned temp workspaces left behind by
// crashed runs.
func (s *Service) SweepWorkspaces(_ context.Context) (int, error) {
	stale, err := file.FindStaleDirs(s.workRoot(), workspacePrefix, time.Now().Add(-workspaceMaxAge))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, dir := range stale {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.WithError(err).WithField("dir", dir).Warn("failed to remove stale workspace")
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.WithField("count", removed).Info("swept stale workspaces")
	}
	return removed, nil
}

func (s *Service) workRoot() string {
	if s.workDir != "" {
		return s.workDir
	}
	return os.TempDir()
}

func (s *Service) progress(ctx context.Context, moduleID, runID string, p int, log *logging.Logger) {
	ok, err := s.store.SetProgress(ctx, moduleID, runID, p)
	if err != nil {
		log.WithError(err).Warn("failed to persist progress")
		return
	}
	if !ok {
		log.WithField("progress", p).Warn("progress update skipped, lease no longer held")
	}
}

func (s *Service) fail(ctx context.Context, moduleID, runID string, serr *StageError, log *logging.Logger) {
	log.WithError(serr).WithField("stage", serr.Stage).Error("pipeline stage failed")
	ok, err := s.store.MarkFailed(ctx, moduleID, runID, serr.Record())
	if err != nil {
		log.WithError(err).Error("failed to record module failure")
	} else if !ok {
		log.Warn("failure not recorded, lease no longer held")
	}
	s.collector.IncCounter(metrics.ModuleRuns, "status", "failed")
}
