package persistence

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

type ModuleStatus string

const (
	StatusUploaded   ModuleStatus = "UPLOADED"
	StatusProcessing ModuleStatus = "PROCESSING"
	StatusReady      ModuleStatus = "READY"
	StatusFailed     ModuleStatus = "FAILED"
)

// Answer provenance tiers, best first.
const (
	SourceReused         = "REUSED"
	SourceGenerated      = "GENERATED"
	SourceRuleFallback   = "RULE_FALLBACK"
	SourceCachedFallback = "CACHED_FALLBACK"
	SourceEmptyFallback  = "EMPTY_FALLBACK"
)

// Module is one uploaded training video and everything derived from it.
// A fresh PROCESSING row acts as the per-module mutex: RunID is the
// lease token of the run that currently owns the module.
type Module struct {
	ID              string
	Title           string
	Status          ModuleStatus
	Progress        int
	VideoKey        string
	StepsKey        string
	Transcript      string
	TranscriptLang  string
	DurationSeconds float64
	TranscribeJobID string
	RunID           string
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Step is one time-coded instruction derived from the transcript.
// Within a module: Ord is 1-based and unique, windows do not overlap,
// and StartSeconds < EndSeconds. Steps are replaced wholesale.
type Step struct {
	ID           string
	ModuleID     string
	Ord          int
	Text         string
	StartSeconds float64
	EndSeconds   float64
	// Approximate marks synthetic windows produced without real timing data.
	Approximate bool
}

// Question is one answered question. Rows are immutable once written
// except for the IsFAQ flag. An empty ModuleID means the global scope.
type Question struct {
	ID             string
	ModuleID       string
	StepID         string
	Question       string
	Answer         string
	VideoTimestamp *float64
	Source         string
	IsFAQ          bool
	UserID         string
	CreatedAt      time.Time
}

// QuestionVector is the stored embedding of a question, 1:1 with its
// row and removed with it.
type QuestionVector struct {
	QuestionID string
	Embedding  []float32
	Model      string
	Dims       int
	CreatedAt  time.Time
}

// StoredVector is the slim join used by retrieval scans.
type StoredVector struct {
	QuestionID string
	ModuleID   string
	Embedding  []float32
}
