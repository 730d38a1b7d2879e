package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/relearnhq/stepline/internal/metrics"
	"github.com/relearnhq/stepline/internal/pipeline"
)

const signatureHeader = "X-Webhook-Signature"

// transcriptionCallback is the provider's job-completion payload.
type transcriptionCallback struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Text         string `json:"text"`
	LanguageCode string `json:"language_code"`
	Error        string `json:"error"`
}

// handleTranscriptionWebhook authenticates the callback and defers the
// work to the queue. After auth passes the response is always 200:
// payloads the pipeline cannot act on are logged no-ops, so provider
// retries never amplify.
func (s *Server) handleTranscriptionWebhook(w http.ResponseWriter, r *http.Request) {
	moduleID := r.URL.Query().Get("moduleId")
	token := r.URL.Query().Get("token")
	log := s.logger.WithModule(moduleID)

	if s.webhookToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(s.webhookToken)) != 1 {
		log.Warn("webhook token mismatch")
		s.collector.IncCounter(metrics.WebhookEvents, "outcome", "auth_failed")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		log.WithError(err).Warn("failed to read webhook body")
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if s.webhookSecret != "" && !s.verifySignature(r, body) {
		if s.production {
			log.Warn("webhook signature mismatch")
			s.collector.IncCounter(metrics.WebhookEvents, "outcome", "auth_failed")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		log.Warn("webhook signature mismatch, accepting outside production")
	}

	var payload transcriptionCallback
	if err := json.Unmarshal(body, &payload); err != nil {
		log.WithError(err).Warn("undecodable webhook payload, ignoring")
		s.collector.IncCounter(metrics.WebhookEvents, "outcome", "bad_payload")
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	err = s.pipeline.EnqueueTranscriptionEvent(r.Context(), pipeline.TranscriptionEvent{
		ModuleID: moduleID,
		JobID:    payload.ID,
		Status:   payload.Status,
		Text:     payload.Text,
		Language: payload.LanguageCode,
		Message:  payload.Error,
	})
	if err != nil {
		log.WithError(err).Error("failed to enqueue transcription event")
		s.collector.IncCounter(metrics.WebhookEvents, "outcome", "enqueue_failed")
	} else {
		s.collector.IncCounter(metrics.WebhookEvents, "outcome", "accepted")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) verifySignature(r *http.Request, body []byte) bool {
	header := r.Header.Get(signatureHeader)
	provided, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(provided), []byte(expected))
}
