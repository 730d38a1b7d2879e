package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
)

const memoryBuffer = 256

// Memory is the in-process dispatcher: a bounded channel feeding a
// fixed worker pool, with per-key dedupe so a module being processed
// is not queued again behind itself.
type Memory struct {
	workers   int
	logger    *logging.Logger
	collector metrics.Collector

	mu       sync.Mutex
	inflight map[string]struct{}
	started  bool
	handler  Handler

	tasks    chan Task
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMemory(workers int, logger *logging.Logger, collector metrics.Collector) *Memory {
	if workers <= 0 {
		workers = 1
	}
	return &Memory{
		workers:   workers,
		logger:    logger,
		collector: collector,
		inflight:  make(map[string]struct{}),
		tasks:     make(chan Task, memoryBuffer),
		stopCh:    make(chan struct{}),
	}
}

func (m *Memory) Dispatch(ctx context.Context, task Task) (bool, error) {
	key := task.DedupeKey()

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return false, fmt.Errorf("queue not started")
	}
	if _, dup := m.inflight[key]; dup {
		m.mu.Unlock()
		m.collector.IncCounter(metrics.QueueTasks, "kind", task.Kind, "outcome", "deduped")
		return false, nil
	}
	m.inflight[key] = struct{}{}
	m.mu.Unlock()

	select {
	case m.tasks <- task:
		m.collector.IncCounter(metrics.QueueTasks, "kind", task.Kind, "outcome", "accepted")
		m.collector.SetGauge(metrics.QueueInFlight, float64(m.inflightCount()))
		return true, nil
	case <-ctx.Done():
		m.release(key)
		return false, ctx.Err()
	case <-m.stopCh:
		m.release(key)
		return false, fmt.Errorf("queue closed")
	}
}

func (m *Memory) Start(handler Handler) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.handler = handler
	m.mu.Unlock()

	for range m.workers {
		m.wg.Add(1)
		go m.worker(handler)
	}
	return nil
}

func (m *Memory) Close() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
	})
	return nil
}

func (m *Memory) worker(handler Handler) {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		case task := <-m.tasks:
			m.run(handler, task)
		}
	}
}

// run releases the dedupe slot before the handler returns to its
// caller, and survives a panicking handler.
func (m *Memory) run(handler Handler, task Task) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithModule(task.ModuleID).Errorf("task handler panic: %v", r)
			m.collector.IncCounter(metrics.QueueTasks, "kind", task.Kind, "outcome", "panic")
		}
		m.release(task.DedupeKey())
		m.collector.SetGauge(metrics.QueueInFlight, float64(m.inflightCount()))
	}()

	if err := handler(context.Background(), task); err != nil {
		m.logger.WithModule(task.ModuleID).WithError(err).Error("task failed")
		m.collector.IncCounter(metrics.QueueTasks, "kind", task.Kind, "outcome", "failed")
		return
	}
	m.collector.IncCounter(metrics.QueueTasks, "kind", task.Kind, "outcome", "ok")
}

func (m *Memory) release(key string) {
	m.mu.Lock()
	delete(m.inflight, key)
	m.mu.Unlock()
}

func (m *Memory) inflightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}
