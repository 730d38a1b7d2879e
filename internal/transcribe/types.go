// Package transcribe converts audio to text. Two backends share the
// Result shape: a synchronous OpenAI-compatible call, and an async job
// provider that reports completion through a webhook.
package transcribe

import (
	"errors"
	"fmt"
)

// Segment is one provider-returned time-bounded transcript fragment,
// in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the normalized transcription output. Segments may be empty
// when the backend returns no timing data; callers must fall back to
// heuristic chunking in that case.
type Result struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	// Language is an ISO 639-1 code, detected when the provider omits it.
	Language string `json:"language"`
}

// ErrEmptyTranscript marks output no step synthesis can work with.
var ErrEmptyTranscript = errors.New("transcript is empty")

// ProviderError distinguishes client-caused failures (bad request,
// auth) from transient provider trouble (rate limits, 5xx).
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("transcription provider error (status %d): %s", e.StatusCode, e.Body)
}

func (e *ProviderError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// JobStatus values reported by the async provider.
const (
	JobCompleted = "completed"
	JobError     = "error"
)
