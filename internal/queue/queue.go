// Package queue dispatches pipeline tasks to background workers. The
// memory backend is an in-process worker pool; the amqp backend hands
// tasks to RabbitMQ so separate worker processes can consume them.
// Delivery is at-least-once either way: handlers must be idempotent.
package queue

import (
	"context"
	"fmt"

	"github.com/relearnhq/stepline/internal/config"
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
)

// Task kinds.
const (
	KindProcessModule          = "process_module"
	KindTranscriptionCompleted = "transcription_completed"
)

// Task is one unit of background work. DedupeKey collapses duplicate
// submissions while a task for the same key is still in flight.
type Task struct {
	Kind     string            `json:"kind"`
	ModuleID string            `json:"module_id"`
	RunID    string            `json:"run_id"`
	Payload  map[string]string `json:"payload,omitempty"`
}

// DedupeKey identifies the in-flight slot this task occupies.
func (t Task) DedupeKey() string {
	return t.Kind + ":" + t.ModuleID
}

// Handler processes one task. A returned error marks the delivery
// failed; the backend decides whether to redeliver.
type Handler func(ctx context.Context, task Task) error

// Dispatcher accepts tasks and feeds them to a Handler.
type Dispatcher interface {
	// Dispatch hands a task to the backend. The memory backend reports
	// accepted=false when a task with the same dedupe key is already in
	// flight; the amqp backend always accepts.
	Dispatch(ctx context.Context, task Task) (accepted bool, err error)
	// Start begins consuming with the given handler. Idempotent.
	Start(handler Handler) error
	// Close stops consumption and waits for in-flight handlers.
	Close() error
}

// New builds the dispatcher named by QUEUE_BACKEND.
func New(cfg config.QueueConfig, logger *logging.Logger, collector metrics.Collector) (Dispatcher, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(cfg.Workers, logger, collector), nil
	case "amqp":
		return NewAMQP(cfg, logger, collector)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
