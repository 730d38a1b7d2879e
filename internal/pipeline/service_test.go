package pipeline

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relearnhq/stepline/internal/config"
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
	"github.com/relearnhq/stepline/internal/persistence"
	"github.com/relearnhq/stepline/internal/queue"
	"github.com/relearnhq/stepline/internal/synthesis"
	"github.com/relearnhq/stepline/internal/transcribe"
)

type fakeObjects struct {
	mu       sync.Mutex
	getErr   error
	puts     map[string][]byte
	presigns int
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{puts: make(map[string][]byte)}
}

func (f *fakeObjects) Get(_ context.Context, _, _ string) (io.ReadCloser, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return io.NopCloser(bytes.NewReader([]byte("video-bytes"))), nil
}

func (f *fakeObjects) Put(_ context.Context, _, key string, body io.Reader, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.puts[key] = data
	f.mu.Unlock()
	return nil
}

func (f *fakeObjects) Delete(context.Context, string, string) error { return nil }

func (f *fakeObjects) Exists(context.Context, string, string) (bool, error) { return true, nil }

func (f *fakeObjects) PresignGet(_ context.Context, _, key string, _ time.Duration) (string, error) {
	f.mu.Lock()
	f.presigns++
	f.mu.Unlock()
	return "https://media.example/" + key, nil
}

func (f *fakeObjects) artifact(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.puts[key]
	return data, ok
}

type fakeMedia struct {
	duration  float64
	probeErr  error
	extracted []string
}

func (f *fakeMedia) ProbeDuration(context.Context, string) (float64, error) {
	return f.duration, f.probeErr
}

func (f *fakeMedia) ExtractAudio(_ context.Context, _, audioPath string) error {
	f.extracted = append(f.extracted, audioPath)
	return nil
}

type fakeSync struct {
	result transcribe.Result
	err    error
}

func (f *fakeSync) Transcribe(context.Context, string) (transcribe.Result, error) {
	return f.result, f.err
}

type fakeAsync struct {
	jobID    string
	fetched  transcribe.Result
	fetchErr error
	submits  int
}

func (f *fakeAsync) Submit(context.Context, string, string) (string, error) {
	f.submits++
	return f.jobID, nil
}

func (f *fakeAsync) Fetch(context.Context, string) (transcribe.Result, error) {
	return f.fetched, f.fetchErr
}

type fakeSynth struct {
	mu    sync.Mutex
	calls int
}

// Synthesize mirrors the per-segment strategy closely enough for
// pipeline assertions: one step per segment, sentence steps otherwise.
func (f *fakeSynth) Synthesize(_ context.Context, transcript transcribe.Result, total float64) ([]synthesis.Step, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if len(transcript.Segments) > 0 {
		steps := make([]synthesis.Step, 0, len(transcript.Segments))
		for i, seg := range transcript.Segments {
			steps = append(steps, synthesis.Step{Ord: i + 1, Text: seg.Text, Start: seg.Start, End: seg.End})
		}
		return steps, nil
	}
	return []synthesis.Step{{Ord: 1, Text: transcript.Text, Start: 0, End: total, Approximate: true}}, nil
}

func (f *fakeSynth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// captureDispatcher records dispatched tasks without running them.
type captureDispatcher struct {
	mu    sync.Mutex
	tasks []queue.Task
}

func (d *captureDispatcher) Dispatch(_ context.Context, task queue.Task) (bool, error) {
	d.mu.Lock()
	d.tasks = append(d.tasks, task)
	d.mu.Unlock()
	return true, nil
}

func (d *captureDispatcher) Start(queue.Handler) error { return nil }
func (d *captureDispatcher) Close() error              { return nil }

func (d *captureDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

type testRig struct {
	svc        *Service
	store      *persistence.SQLiteStore
	objects    *fakeObjects
	media      *fakeMedia
	syncT      *fakeSync
	async      *fakeAsync
	synth      *fakeSynth
	dispatcher *captureDispatcher
	collector  *metrics.Memory
}

func threeSegments() transcribe.Result {
	return transcribe.Result{
		Text:     "Open the box. Plug it in. Press power.",
		Language: "en",
		Segments: []transcribe.Segment{
			{Start: 0, End: 4, Text: "Open the box."},
			{Start: 4, End: 9, Text: "Plug it in."},
			{Start: 9, End: 14, Text: "Press power."},
		},
	}
}

func newRig(t *testing.T, mode string, staleAfter time.Duration) *testRig {
	t.Helper()

	store, err := persistence.NewSQLiteStore(filepath.Join(t.TempDir(), "stepline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rig := &testRig{
		store:      store,
		objects:    newFakeObjects(),
		media:      &fakeMedia{duration: 14},
		syncT:      &fakeSync{result: threeSegments()},
		async:      &fakeAsync{jobID: "job-1", fetched: threeSegments()},
		synth:      &fakeSynth{},
		dispatcher: &captureDispatcher{},
		collector:  metrics.NewMemory(),
	}

	cfg := &config.Config{
		HTTP: config.HTTPConfig{PublicBaseURL: "http://stepline.example"},
		Storage: config.StorageConfig{
			WorkDir: t.TempDir(),
			S3:      config.S3Config{PresignTTL: time.Hour},
		},
		Transcribe: config.TranscribeConfig{Mode: mode, WebhookToken: "hook-token"},
		Pipeline:   config.PipelineConfig{StaleAfter: staleAfter},
	}

	rig.svc = New(Deps{
		Store:      store,
		Objects:    rig.objects,
		Media:      rig.media,
		Sync:       rig.syncT,
		Async:      rig.async,
		Synth:      rig.synth,
		Dispatcher: rig.dispatcher,
		Config:     cfg,
		Logger:     logging.NewNop(),
		Collector:  rig.collector,
	})
	return rig
}

func (r *testRig) createModule(t *testing.T) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, r.store.CreateModule(context.Background(), &persistence.Module{
		ID:       id,
		Title:    "Router setup",
		VideoKey: "uploads/" + id + ".mp4",
	}))
	return id
}

func TestProcess_SyncRunsToReady(t *testing.T) {
	rig := newRig(t, "sync", 10*time.Minute)
	ctx := context.Background()
	moduleID := rig.createModule(t)

	err := rig.svc.Handle(ctx, queue.Task{Kind: queue.KindProcessModule, ModuleID: moduleID, RunID: "run-1"})
	require.NoError(t, err)

	m, err := rig.store.GetModule(ctx, moduleID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusReady, m.Status)
	assert.Equal(t, 100, m.Progress)
	assert.Empty(t, m.LastError)
	assert.Equal(t, 14.0, m.DurationSeconds)
	assert.Equal(t, "Open the box. Plug it in. Press power.", m.Transcript)
	assert.Equal(t, "en", m.TranscriptLang)

	steps, err := rig.store.GetSteps(ctx, moduleID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, 0.0, steps[0].StartSeconds)
	assert.Equal(t, 4.0, steps[0].EndSeconds)
	assert.Equal(t, 9.0, steps[2].StartSeconds)
	assert.Equal(t, 14.0, steps[2].EndSeconds)

	require.NotEmpty(t, m.StepsKey)
	artifact, ok := rig.objects.artifact(m.StepsKey)
	require.True(t, ok)
	assert.Contains(t, string(artifact), "Open the box.")

	require.Len(t, rig.media.extracted, 1)
	assert.True(t, strings.HasSuffix(rig.media.extracted[0], ".wav"))
	assert.Equal(t, 1.0, rig.collector.Counter(metrics.ModuleRuns, "status", "ready"))
}

func TestProcess_FetchFailureMarksFailed(t *testing.T) {
	rig := newRig(t, "sync", 10*time.Minute)
	ctx := context.Background()
	moduleID := rig.createModule(t)
	rig.objects.getErr = assert.AnError

	require.NoError(t, rig.svc.Handle(ctx, queue.Task{Kind: queue.KindProcessModule, ModuleID: moduleID, RunID: "run-1"}))

	m, err := rig.store.GetModule(ctx, moduleID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusFailed, m.Status)
	assert.True(t, strings.HasPrefix(m.LastError, CodeFetchFailed+": "), m.LastError)
	assert.Equal(t, 1.0, rig.collector.Counter(metrics.ModuleRuns, "status", "failed"))
}

func TestStartProcessing_SecondStartIsNoOp(t *testing.T) {
	rig := newRig(t, "sync", 10*time.Minute)
	ctx := context.Background()
	moduleID := rig.createModule(t)

	_, err := rig.svc.StartProcessing(ctx, moduleID, false)
	require.NoError(t, err)
	require.Equal(t, 1, rig.dispatcher.count())

	// The worker claims the lease; a second start while it is fresh
	// must not dispatch another run.
	task := rig.dispatcher.tasks[0]
	claimed, err := rig.store.ClaimProcessing(ctx, moduleID, task.RunID, time.Now().Add(-10*time.Minute), false)
	require.NoError(t, err)
	require.True(t, claimed)

	m, err := rig.svc.StartProcessing(ctx, moduleID, false)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusProcessing, m.Status)
	assert.Equal(t, 1, rig.dispatcher.count())

	// force overrides the live lease.
	_, err = rig.svc.StartProcessing(ctx, moduleID, true)
	require.NoError(t, err)
	assert.Equal(t, 2, rig.dispatcher.count())
	assert.Equal(t, "1", rig.dispatcher.tasks[1].Payload["force"])
}

func TestProcess_DuplicateDeliveryRunsOnce(t *testing.T) {
	rig := newRig(t, "sync", 10*time.Minute)
	ctx := context.Background()
	moduleID := rig.createModule(t)

	// run-1 holds the lease; a concurrent delivery for run-2 must not
	// steal it.
	claimed, err := rig.store.ClaimProcessing(ctx, moduleID, "run-1", time.Now().Add(-10*time.Minute), false)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, rig.svc.Handle(ctx, queue.Task{Kind: queue.KindProcessModule, ModuleID: moduleID, RunID: "run-2"}))

	m, err := rig.store.GetModule(ctx, moduleID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusProcessing, m.Status)
	assert.Equal(t, "run-1", m.RunID)
	assert.Zero(t, rig.synth.callCount())
}

func TestWebhook_CompletesRunAndDuplicateIsNoOp(t *testing.T) {
	rig := newRig(t, "webhook", 10*time.Minute)
	ctx := context.Background()
	moduleID := rig.createModule(t)

	require.NoError(t, rig.svc.Handle(ctx, queue.Task{Kind: queue.KindProcessModule, ModuleID: moduleID, RunID: "run-1"}))

	m, err := rig.store.GetModule(ctx, moduleID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusProcessing, m.Status)
	assert.Equal(t, progressSubmitted, m.Progress)
	assert.Equal(t, "job-1", m.TranscribeJobID)
	assert.Equal(t, 1, rig.async.submits)
	assert.Empty(t, rig.media.extracted, "webhook mode does not extract audio")

	event := queue.Task{
		Kind:     queue.KindTranscriptionCompleted,
		ModuleID: moduleID,
		Payload: map[string]string{
			"job_id": "job-1",
			"status": transcribe.JobCompleted,
			"text":   "Open the box. Plug it in. Press power.",
		},
	}
	require.NoError(t, rig.svc.Handle(ctx, event))

	m, err = rig.store.GetModule(ctx, moduleID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusReady, m.Status)
	assert.Equal(t, 100, m.Progress)
	require.Equal(t, 1, rig.synth.callCount())

	steps, err := rig.store.GetSteps(ctx, moduleID)
	require.NoError(t, err)
	firstCount := len(steps)
	require.NotZero(t, firstCount)

	// Provider retry after READY: logged no-op, nothing re-synthesized.
	require.NoError(t, rig.svc.Handle(ctx, event))

	m, err = rig.store.GetModule(ctx, moduleID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusReady, m.Status)
	assert.Equal(t, 1, rig.synth.callCount())
	steps, err = rig.store.GetSteps(ctx, moduleID)
	require.NoError(t, err)
	assert.Len(t, steps, firstCount)
	assert.Equal(t, 1.0, rig.collector.Counter(metrics.WebhookEvents, "outcome", "ignored_terminal"))
}

func TestWebhook_FetchesResultWhenPayloadOmitsText(t *testing.T) {
	rig := newRig(t, "webhook", 10*time.Minute)
	ctx := context.Background()
	moduleID := rig.createModule(t)

	require.NoError(t, rig.svc.Handle(ctx, queue.Task{Kind: queue.KindProcessModule, ModuleID: moduleID, RunID: "run-1"}))
	require.NoError(t, rig.svc.Handle(ctx, queue.Task{
		Kind:     queue.KindTranscriptionCompleted,
		ModuleID: moduleID,
		Payload:  map[string]string{"job_id": "job-1", "status": transcribe.JobCompleted},
	}))

	m, err := rig.store.GetModule(ctx, moduleID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusReady, m.Status)

	steps, err := rig.store.GetSteps(ctx, moduleID)
	require.NoError(t, err)
	assert.Len(t, steps, 3, "segments from the fetched result drive synthesis")
}

func TestWebhook_StaleJobIDIgnored(t *testing.T) {
	rig := newRig(t, "webhook", 10*time.Minute)
	ctx := context.Background()
	moduleID := rig.createModule(t)

	require.NoError(t, rig.svc.Handle(ctx, queue.Task{Kind: queue.KindProcessModule, ModuleID: moduleID, RunID: "run-1"}))
	require.NoError(t, rig.svc.Handle(ctx, queue.Task{
		Kind:     queue.KindTranscriptionCompleted,
		ModuleID: moduleID,
		Payload:  map[string]string{"job_id": "old-job", "status": transcribe.JobCompleted, "text": "late straggler"},
	}))

	m, err := rig.store.GetModule(ctx, moduleID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusProcessing, m.Status)
	assert.Equal(t, 1.0, rig.collector.Counter(metrics.WebhookEvents, "outcome", "stale_job"))
}

func TestWebhook_JobErrorMarksFailed(t *testing.T) {
	rig := newRig(t, "webhook", 10*time.Minute)
	ctx := context.Background()
	moduleID := rig.createModule(t)

	require.NoError(t, rig.svc.Handle(ctx, queue.Task{Kind: queue.KindProcessModule, ModuleID: moduleID, RunID: "run-1"}))
	require.NoError(t, rig.svc.Handle(ctx, queue.Task{
		Kind:     queue.KindTranscriptionCompleted,
		ModuleID: moduleID,
		Payload:  map[string]string{"job_id": "job-1", "status": transcribe.JobError, "message": "audio unreadable"},
	}))

	m, err := rig.store.GetModule(ctx, moduleID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusFailed, m.Status)
	assert.Equal(t, CodeTranscriptionFailed+": audio unreadable", m.LastError)
}

func TestReap_StaleRunFailsThenReprocessesClean(t *testing.T) {
	rig := newRig(t, "sync", 50*time.Millisecond)
	ctx := context.Background()
	moduleID := rig.createModule(t)

	// A run claims the module and then dies without progress.
	claimed, err := rig.store.ClaimProcessing(ctx, moduleID, "crashed-run", time.Now().Add(-time.Minute), false)
	require.NoError(t, err)
	require.True(t, claimed)

	time.Sleep(80 * time.Millisecond)

	reaped, err := rig.svc.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)

	m, err := rig.store.GetModule(ctx, moduleID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusFailed, m.Status)
	assert.Contains(t, m.LastError, CodeStaleRun)
	assert.Equal(t, 1.0, rig.collector.Counter(metrics.ModulesReaped))

	// The reaped module reprocesses to READY.
	require.NoError(t, rig.svc.Handle(ctx, queue.Task{Kind: queue.KindProcessModule, ModuleID: moduleID, RunID: "run-2"}))

	m, err = rig.store.GetModule(ctx, moduleID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusReady, m.Status)
	assert.Empty(t, m.LastError)
}

func TestStageError_Record(t *testing.T) {
	serr := newStageError(CodeFetchFailed, "fetch", "downloading video object", assert.AnError)
	assert.Equal(t, "FETCH_FAILED: downloading video object: "+assert.AnError.Error(), serr.Record())
	assert.ErrorIs(t, serr, assert.AnError)

	bare := newStageError(CodeTranscriptionFailed, "transcribe", "provider reported job failure", nil)
	assert.Equal(t, "TRANSCRIPTION_FAILED: provider reported job failure", bare.Record())
}
