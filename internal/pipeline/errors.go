package pipeline

import "fmt"

// Failure taxonomy codes recorded into Module.LastError.
const (
	CodeFetchFailed         = "FETCH_FAILED"
	CodeExtractionFailed    = "EXTRACTION_FAILED"
	CodeTranscriptionFailed = "TRANSCRIPTION_FAILED"
	CodeSynthesisFailed     = "SYNTHESIS_FAILED"
	CodeStaleRun            = "STALE_RUN"
)

// StageError wraps a stage failure with its taxonomy code. Stage errors
// are recorded on the module row, never returned to API callers.
type StageError struct {
	Code    string
	Stage   string
	Message string
	Cause   error
}

func (e *StageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StageError) Unwrap() error { return e.Cause }

// Record is the "CODE: message" form persisted into last_error.
func (e *StageError) Record() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func newStageError(code, stage, message string, cause error) *StageError {
	return &StageError{Code: code, Stage: stage, Message: message, Cause: cause}
}
