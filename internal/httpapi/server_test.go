package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relearnhq/stepline/internal/answer"
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
	"github.com/relearnhq/stepline/internal/persistence"
	"github.com/relearnhq/stepline/internal/pipeline"
)

type stubStore struct {
	modules   map[string]*persistence.Module
	steps     map[string][]persistence.Step
	questions map[string]*persistence.Question
	created   []*persistence.Module
}

func newStubStore() *stubStore {
	return &stubStore{
		modules:   make(map[string]*persistence.Module),
		steps:     make(map[string][]persistence.Step),
		questions: make(map[string]*persistence.Question),
	}
}

func (s *stubStore) CreateModule(_ context.Context, m *persistence.Module) error {
	s.created = append(s.created, m)
	s.modules[m.ID] = m
	return nil
}

func (s *stubStore) GetModule(_ context.Context, id string) (*persistence.Module, error) {
	m, ok := s.modules[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return m, nil
}

func (s *stubStore) GetSteps(_ context.Context, id string) ([]persistence.Step, error) {
	return s.steps[id], nil
}

func (s *stubStore) ListQuestions(_ context.Context, moduleID string, faqOnly bool) ([]persistence.Question, error) {
	var ret []persistence.Question
	for _, q := range s.questions {
		if q.ModuleID != moduleID {
			continue
		}
		if faqOnly && !q.IsFAQ {
			continue
		}
		ret = append(ret, *q)
	}
	return ret, nil
}

func (s *stubStore) GetQuestion(_ context.Context, id string) (*persistence.Question, error) {
	q, ok := s.questions[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return q, nil
}

func (s *stubStore) SetQuestionFAQ(_ context.Context, id string, isFAQ bool) (bool, error) {
	q, ok := s.questions[id]
	if !ok {
		return false, nil
	}
	q.IsFAQ = isFAQ
	return true, nil
}

type stubPipeline struct {
	store  *stubStore
	starts []string
	forces []bool
	events []pipeline.TranscriptionEvent
}

func (p *stubPipeline) StartProcessing(ctx context.Context, moduleID string, force bool) (*persistence.Module, error) {
	m, err := p.store.GetModule(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	p.starts = append(p.starts, moduleID)
	p.forces = append(p.forces, force)
	return m, nil
}

func (p *stubPipeline) EnqueueTranscriptionEvent(_ context.Context, ev pipeline.TranscriptionEvent) error {
	p.events = append(p.events, ev)
	return nil
}

type stubAnswers struct {
	resp answer.Response
	err  error
	last answer.Request
}

func (a *stubAnswers) Answer(_ context.Context, req answer.Request) (answer.Response, error) {
	a.last = req
	return a.resp, a.err
}

type apiRig struct {
	server   *Server
	store    *stubStore
	pipeline *stubPipeline
	answers  *stubAnswers
}

func newAPIRig(opts ...Option) *apiRig {
	store := newStubStore()
	pl := &stubPipeline{store: store}
	ans := &stubAnswers{resp: answer.Response{Answer: "stub answer", Source: persistence.SourceGenerated}}
	if len(opts) == 0 {
		opts = []Option{WithWebhookAuth("hook-token", "", false)}
	}
	return &apiRig{
		server:   NewServer(store, pl, ans, logging.NewNop(), metrics.NewNop(), opts...),
		store:    store,
		pipeline: pl,
		answers:  ans,
	}
}

func (r *apiRig) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateModule(t *testing.T) {
	rig := newAPIRig()

	rec := rig.do(t, http.MethodPost, "/api/modules", `{"title":"Router setup","videoKey":"uploads/v1.mp4"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp moduleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "UPLOADED", resp.Status)
	assert.Equal(t, "uploads/v1.mp4", resp.VideoKey)
	assert.Empty(t, rig.pipeline.starts)
}

func TestCreateModule_AutoStart(t *testing.T) {
	rig := newAPIRig()

	rec := rig.do(t, http.MethodPost, "/api/modules", `{"videoKey":"uploads/v1.mp4","autoStart":true}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, rig.pipeline.starts, 1)
	assert.False(t, rig.pipeline.forces[0])
}

func TestCreateModule_MissingVideoKey(t *testing.T) {
	rig := newAPIRig()

	rec := rig.do(t, http.MethodPost, "/api/modules", `{"title":"no key"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetModule_NotFound(t *testing.T) {
	rig := newAPIRig()

	rec := rig.do(t, http.MethodGet, "/api/modules/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStatus_IncludesLastError(t *testing.T) {
	rig := newAPIRig()
	rig.store.modules["m1"] = &persistence.Module{
		ID: "m1", Status: persistence.StatusFailed, Progress: 30,
		LastError: "EXTRACTION_FAILED: probing media duration",
	}

	rec := rig.do(t, http.MethodGet, "/api/modules/m1/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "FAILED", resp["status"])
	assert.Equal(t, float64(30), resp["progress"])
	assert.Contains(t, resp["lastError"], "EXTRACTION_FAILED")
}

func TestGetSteps_NotFoundWhenEmpty(t *testing.T) {
	rig := newAPIRig()
	rig.store.modules["m1"] = &persistence.Module{ID: "m1", Status: persistence.StatusReady}

	rec := rig.do(t, http.MethodGet, "/api/modules/m1/steps", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSteps_ReturnsOrderedSteps(t *testing.T) {
	rig := newAPIRig()
	rig.store.modules["m1"] = &persistence.Module{ID: "m1", Status: persistence.StatusReady}
	rig.store.steps["m1"] = []persistence.Step{
		{ID: "s1", Ord: 1, Text: "Open the box", StartSeconds: 0, EndSeconds: 4},
		{ID: "s2", Ord: 2, Text: "Plug it in", StartSeconds: 4, EndSeconds: 9, Approximate: true},
	}

	rec := rig.do(t, http.MethodGet, "/api/modules/m1/steps", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []stepResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 2)
	assert.Equal(t, 1, resp[0].Order)
	assert.Equal(t, 4.0, resp[0].EndTime)
	assert.True(t, resp[1].Approximate)
}

func TestReprocess_Accepted(t *testing.T) {
	rig := newAPIRig()
	rig.store.modules["m1"] = &persistence.Module{ID: "m1", Status: persistence.StatusFailed}

	rec := rig.do(t, http.MethodPost, "/api/modules/m1/reprocess", `{"force":true}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, rig.pipeline.starts, 1)
	assert.True(t, rig.pipeline.forces[0])
}

func TestReprocess_EmptyBodyAllowed(t *testing.T) {
	rig := newAPIRig()
	rig.store.modules["m1"] = &persistence.Module{ID: "m1", Status: persistence.StatusReady}

	rec := rig.do(t, http.MethodPost, "/api/modules/m1/reprocess", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, rig.pipeline.forces, 1)
	assert.False(t, rig.pipeline.forces[0])
}

func TestAnswer_ValidatesPayload(t *testing.T) {
	rig := newAPIRig()

	rec := rig.do(t, http.MethodPost, "/api/answers", `{"moduleId":"m1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = rig.do(t, http.MethodPost, "/api/answers", `{"moduleId":"m1","question":"how do I reset it?","videoTime":12.5}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, rig.answers.last.VideoTime)
	assert.Equal(t, 12.5, *rig.answers.last.VideoTime)

	var resp answer.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "stub answer", resp.Answer)
	assert.Equal(t, persistence.SourceGenerated, resp.Source)
}

func TestAnswer_UnknownModuleIs404(t *testing.T) {
	rig := newAPIRig()
	rig.answers.err = persistence.ErrNotFound

	rec := rig.do(t, http.MethodPost, "/api/answers", `{"moduleId":"nope","question":"anything here"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListQuestions_FAQFilter(t *testing.T) {
	rig := newAPIRig()
	rig.store.modules["m1"] = &persistence.Module{ID: "m1", Status: persistence.StatusReady}
	rig.store.questions["q1"] = &persistence.Question{ID: "q1", ModuleID: "m1", Question: "a", Answer: "b", IsFAQ: true}
	rig.store.questions["q2"] = &persistence.Question{ID: "q2", ModuleID: "m1", Question: "c", Answer: "d"}

	rec := rig.do(t, http.MethodGet, "/api/modules/m1/questions?faq=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []questionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "q1", resp[0].ID)
}

func TestSetFAQ(t *testing.T) {
	rig := newAPIRig()
	rig.store.questions["q1"] = &persistence.Question{ID: "q1", ModuleID: "m1", Question: "a", Answer: "b"}

	rec := rig.do(t, http.MethodPatch, "/api/questions/q1/faq", `{"isFaq":true}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp questionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.IsFAQ)

	rec = rig.do(t, http.MethodPatch, "/api/questions/missing/faq", `{"isFaq":true}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhook_TokenMismatchIs401(t *testing.T) {
	rig := newAPIRig()

	rec := rig.do(t, http.MethodPost, "/webhooks/transcription?moduleId=m1&token=wrong",
		`{"id":"job-1","status":"completed"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rig.pipeline.events)
}

func TestWebhook_NoConfiguredTokenRejectsEverything(t *testing.T) {
	rig := newAPIRig(WithWebhookAuth("", "", false))

	rec := rig.do(t, http.MethodPost, "/webhooks/transcription?moduleId=m1&token=",
		`{"id":"job-1","status":"completed"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhook_AcceptsAndEnqueues(t *testing.T) {
	rig := newAPIRig()

	rec := rig.do(t, http.MethodPost, "/webhooks/transcription?moduleId=m1&token=hook-token",
		`{"id":"job-1","status":"completed","text":"all done","language_code":"en"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"received":true`))

	require.Len(t, rig.pipeline.events, 1)
	ev := rig.pipeline.events[0]
	assert.Equal(t, "m1", ev.ModuleID)
	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, "all done", ev.Text)
	assert.Equal(t, "en", ev.Language)
}

func TestWebhook_MalformedPayloadStill200(t *testing.T) {
	rig := newAPIRig()

	rec := rig.do(t, http.MethodPost, "/webhooks/transcription?moduleId=m1&token=hook-token",
		`{not json`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rig.pipeline.events)
}

func TestWebhook_SignatureEnforcedInProduction(t *testing.T) {
	body := `{"id":"job-1","status":"completed","text":"done"}`

	sign := func(secret string) string {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(body))
		return "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}

	rig := newAPIRig(WithWebhookAuth("hook-token", "sekrit", true))
	rec := rig.do(t, http.MethodPost, "/webhooks/transcription?moduleId=m1&token=hook-token",
		body, map[string]string{signatureHeader: "sha256=deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = rig.do(t, http.MethodPost, "/webhooks/transcription?moduleId=m1&token=hook-token",
		body, map[string]string{signatureHeader: sign("sekrit")})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rig.pipeline.events, 1)
}

func TestWebhook_SignatureMismatchToleratedOutsideProduction(t *testing.T) {
	rig := newAPIRig(WithWebhookAuth("hook-token", "sekrit", false))

	rec := rig.do(t, http.MethodPost, "/webhooks/transcription?moduleId=m1&token=hook-token",
		`{"id":"job-1","status":"completed","text":"done"}`,
		map[string]string{signatureHeader: "sha256=deadbeef"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rig.pipeline.events, 1)
}

func TestHealthz(t *testing.T) {
	rig := newAPIRig()

	rec := rig.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	rig := newAPIRig()

	rec := rig.do(t, http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	rec = rig.do(t, http.MethodGet, "/healthz", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
