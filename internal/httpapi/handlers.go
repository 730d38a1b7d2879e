package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relearnhq/stepline/internal/answer"
	"github.com/relearnhq/stepline/internal/persistence"
)

type createModuleRequest struct {
	Title     string `json:"title"`
	VideoKey  string `json:"videoKey" validate:"required"`
	AutoStart bool   `json:"autoStart"`
}

type reprocessRequest struct {
	Force bool `json:"force"`
}

type answerRequest struct {
	ModuleID  string   `json:"moduleId" validate:"required"`
	Question  string   `json:"question" validate:"required,min=3"`
	StepID    string   `json:"stepId"`
	VideoTime *float64 `json:"videoTime" validate:"omitempty,gte=0"`
	UserID    string   `json:"userId"`
}

type faqRequest struct {
	IsFAQ bool `json:"isFaq"`
}

type moduleResponse struct {
	ID              string    `json:"id"`
	Title           string    `json:"title,omitempty"`
	Status          string    `json:"status"`
	Progress        int       `json:"progress"`
	VideoKey        string    `json:"videoKey"`
	StepsKey        string    `json:"stepsKey,omitempty"`
	TranscriptLang  string    `json:"transcriptLang,omitempty"`
	DurationSeconds float64   `json:"durationSeconds,omitempty"`
	LastError       string    `json:"lastError,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type stepResponse struct {
	ID          string  `json:"id"`
	Order       int     `json:"order"`
	Text        string  `json:"text"`
	StartTime   float64 `json:"startTime"`
	EndTime     float64 `json:"endTime"`
	Approximate bool    `json:"approximate,omitempty"`
}

type questionResponse struct {
	ID             string    `json:"id"`
	ModuleID       string    `json:"moduleId"`
	StepID         string    `json:"stepId,omitempty"`
	Question       string    `json:"question"`
	Answer         string    `json:"answer"`
	VideoTimestamp *float64  `json:"videoTimestamp,omitempty"`
	Source         string    `json:"source"`
	IsFAQ          bool      `json:"isFaq"`
	CreatedAt      time.Time `json:"createdAt"`
}

func toModuleResponse(m *persistence.Module) moduleResponse {
	return moduleResponse{
		ID:              m.ID,
		Title:           m.Title,
		Status:          string(m.Status),
		Progress:        m.Progress,
		VideoKey:        m.VideoKey,
		StepsKey:        m.StepsKey,
		TranscriptLang:  m.TranscriptLang,
		DurationSeconds: m.DurationSeconds,
		LastError:       m.LastError,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func toQuestionResponse(q *persistence.Question) questionResponse {
	return questionResponse{
		ID:             q.ID,
		ModuleID:       q.ModuleID,
		StepID:         q.StepID,
		Question:       q.Question,
		Answer:         q.Answer,
		VideoTimestamp: q.VideoTimestamp,
		Source:         q.Source,
		IsFAQ:          q.IsFAQ,
		CreatedAt:      q.CreatedAt,
	}
}

// decodeValid decodes the JSON body into dst and runs struct
// validation. Callers bail out when it returns false.
func (s *Server) decodeValid(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) handleCreateModule(w http.ResponseWriter, r *http.Request) {
	var req createModuleRequest
	if !s.decodeValid(w, r, &req) {
		return
	}

	m := &persistence.Module{
		ID:       uuid.NewString(),
		Title:    req.Title,
		VideoKey: req.VideoKey,
		Status:   persistence.StatusUploaded,
	}
	if err := s.store.CreateModule(r.Context(), m); err != nil {
		s.logger.WithError(err).Error("failed to create module")
		writeError(w, http.StatusInternalServerError, "failed to create module")
		return
	}

	if req.AutoStart {
		if _, err := s.pipeline.StartProcessing(r.Context(), m.ID, false); err != nil {
			s.logger.WithModule(m.ID).WithError(err).Error("auto-start failed")
		}
	}
	writeJSON(w, http.StatusCreated, toModuleResponse(m))
}

func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadModule(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toModuleResponse(m))
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadModule(w, r)
	if !ok {
		return
	}
	resp := map[string]any{
		"status":   string(m.Status),
		"progress": m.Progress,
	}
	if m.LastError != "" {
		resp["lastError"] = m.LastError
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSteps(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadModule(w, r)
	if !ok {
		return
	}
	steps, err := s.store.GetSteps(r.Context(), m.ID)
	if err != nil {
		s.logger.WithModule(m.ID).WithError(err).Error("failed to load steps")
		writeError(w, http.StatusInternalServerError, "failed to load steps")
		return
	}
	if len(steps) == 0 {
		writeError(w, http.StatusNotFound, "no steps for this module")
		return
	}

	resp := make([]stepResponse, 0, len(steps))
	for _, step := range steps {
		resp = append(resp, stepResponse{
			ID:          step.ID,
			Order:       step.Ord,
			Text:        step.Text,
			StartTime:   step.StartSeconds,
			EndTime:     step.EndSeconds,
			Approximate: step.Approximate,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	if r.ContentLength > 0 {
		if !s.decodeValid(w, r, &req) {
			return
		}
	}

	m, err := s.pipeline.StartProcessing(r.Context(), r.PathValue("id"), req.Force)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "module not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("failed to start processing")
		writeError(w, http.StatusInternalServerError, "failed to start processing")
		return
	}
	writeJSON(w, http.StatusAccepted, toModuleResponse(m))
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !s.decodeValid(w, r, &req) {
		return
	}

	resp, err := s.answers.Answer(r.Context(), answer.Request{
		ModuleID:  req.ModuleID,
		Question:  req.Question,
		StepID:    req.StepID,
		VideoTime: req.VideoTime,
		UserID:    req.UserID,
	})
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "module not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("answer request failed")
		writeError(w, http.StatusInternalServerError, "failed to answer question")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadModule(w, r)
	if !ok {
		return
	}
	faqOnly := r.URL.Query().Get("faq") == "1" || r.URL.Query().Get("faq") == "true"

	questions, err := s.store.ListQuestions(r.Context(), m.ID, faqOnly)
	if err != nil {
		s.logger.WithModule(m.ID).WithError(err).Error("failed to list questions")
		writeError(w, http.StatusInternalServerError, "failed to list questions")
		return
	}
	resp := make([]questionResponse, 0, len(questions))
	for i := range questions {
		resp = append(resp, toQuestionResponse(&questions[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetFAQ(w http.ResponseWriter, r *http.Request) {
	var req faqRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	id := r.PathValue("id")

	ok, err := s.store.SetQuestionFAQ(r.Context(), id, req.IsFAQ)
	if err != nil {
		s.logger.WithError(err).Error("failed to update faq flag")
		writeError(w, http.StatusInternalServerError, "failed to update question")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "question not found")
		return
	}

	q, err := s.store.GetQuestion(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load question")
		return
	}
	writeJSON(w, http.StatusOK, toQuestionResponse(q))
}

func (s *Server) loadModule(w http.ResponseWriter, r *http.Request) (*persistence.Module, bool) {
	m, err := s.store.GetModule(r.Context(), r.PathValue("id"))
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "module not found")
		return nil, false
	}
	if err != nil {
		s.logger.WithError(err).Error("failed to load module")
		writeError(w, http.StatusInternalServerError, "failed to load module")
		return nil, false
	}
	return m, true
}
