// Package metrics defines the collector handle passed through the
// application. Nothing in this codebase writes to a global registry;
// components receive a Collector explicitly.
package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Metric names shared by all implementations.
const (
	ModuleRuns    = "module_runs_total"
	StageSeconds  = "pipeline_stage_seconds"
	Answers       = "answers_total"
	WebhookEvents = "webhook_events_total"
	QueueTasks    = "queue_tasks_total"
	ModulesReaped = "modules_reaped_total"
	StorageOps    = "storage_operations_total"
	ProviderCalls = "provider_requests_total"
	QueueInFlight = "queue_tasks_in_flight"
)

// Collector records counters, histograms, and gauges. Labels are
// alternating key/value pairs.
type Collector interface {
	IncCounter(name string, labels ...string)
	ObserveHistogram(name string, value float64, labels ...string)
	SetGauge(name string, value float64, labels ...string)
}

// Nop discards every observation.
type Nop struct{}

func NewNop() Nop { return Nop{} }

func (Nop) IncCounter(string, ...string)                {}
func (Nop) ObserveHistogram(string, float64, ...string) {}
func (Nop) SetGauge(string, float64, ...string)         {}

// Memory accumulates observations in maps for test assertions.
type Memory struct {
	mu         sync.Mutex
	counters   map[string]float64
	histograms map[string][]float64
	gauges     map[string]float64
}

func NewMemory() *Memory {
	return &Memory{
		counters:   make(map[string]float64),
		histograms: make(map[string][]float64),
		gauges:     make(map[string]float64),
	}
}

func (m *Memory) IncCounter(name string, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[seriesKey(name, labels)]++
}

func (m *Memory) ObserveHistogram(name string, value float64, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := seriesKey(name, labels)
	m.histograms[key] = append(m.histograms[key], value)
}

func (m *Memory) SetGauge(name string, value float64, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[seriesKey(name, labels)] = value
}

// Counter returns the accumulated count for a series, zero when unseen.
func (m *Memory) Counter(name string, labels ...string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[seriesKey(name, labels)]
}

// Observations returns recorded histogram samples for a series.
func (m *Memory) Observations(name string, labels ...string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.histograms[seriesKey(name, labels)]...)
}

// Gauge returns the last value set for a series.
func (m *Memory) Gauge(name string, labels ...string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[seriesKey(name, labels)]
}

// seriesKey produces a stable key regardless of label pair order.
func seriesKey(name string, labels []string) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		pairs = append(pairs, labels[i]+"="+labels[i+1])
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}
