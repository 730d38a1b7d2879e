package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus implements Collector on a private registry. Series are
// pre-registered with fixed label names; observations against unknown
// names or mismatched labels are dropped rather than panicking.
type Prometheus struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheus registers the stepline metric set under the given
// namespace and returns the collector.
func NewPrometheus(namespace string) *Prometheus {
	p := &Prometheus{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}

	p.counter(namespace, ModuleRuns, "Module processing runs by terminal status.", "status")
	p.counter(namespace, Answers, "Answers served by source tier.", "source")
	p.counter(namespace, WebhookEvents, "Transcription webhook deliveries by outcome.", "outcome")
	p.counter(namespace, QueueTasks, "Queue tasks handled by kind and outcome.", "kind", "outcome")
	p.counter(namespace, ModulesReaped, "Stale PROCESSING modules marked failed by the reaper.")
	p.counter(namespace, StorageOps, "Object storage operations by op and outcome.", "op", "outcome")
	p.counter(namespace, ProviderCalls, "Outbound provider requests by provider, op and outcome.", "provider", "op", "outcome")
	p.histogram(namespace, StageSeconds, "Pipeline stage latency in seconds.", "stage")
	p.gauge(namespace, QueueInFlight, "Tasks currently executing.")

	return p
}

func (p *Prometheus) counter(namespace, name, help string, labels ...string) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
	p.registry.MustRegister(vec)
	p.counters[name] = vec
}

func (p *Prometheus) histogram(namespace, name, help string, labels ...string) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, labels)
	p.registry.MustRegister(vec)
	p.histograms[name] = vec
}

func (p *Prometheus) gauge(namespace, name, help string, labels ...string) {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
	p.registry.MustRegister(vec)
	p.gauges[name] = vec
}

func (p *Prometheus) IncCounter(name string, labels ...string) {
	vec, ok := p.counters[name]
	if !ok {
		return
	}
	if c, err := vec.GetMetricWithLabelValues(labelValues(labels)...); err == nil {
		c.Inc()
	}
}

func (p *Prometheus) ObserveHistogram(name string, value float64, labels ...string) {
	vec, ok := p.histograms[name]
	if !ok {
		return
	}
	if h, err := vec.GetMetricWithLabelValues(labelValues(labels)...); err == nil {
		h.Observe(value)
	}
}

func (p *Prometheus) SetGauge(name string, value float64, labels ...string) {
	vec, ok := p.gauges[name]
	if !ok {
		return
	}
	if g, err := vec.GetMetricWithLabelValues(labelValues(labels)...); err == nil {
		g.Set(value)
	}
}

// Handler exposes the registry for the /metrics endpoint.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// labelValues extracts the value halves of alternating key/value pairs.
func labelValues(labels []string) []string {
	values := make([]string, 0, len(labels)/2)
	for i := 1; i < len(labels); i += 2 {
		values = append(values, labels[i])
	}
	return values
}
