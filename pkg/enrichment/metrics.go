package enrichment

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects per-call outcomes and latencies of a run on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	records  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "enricher",
				Name:      "calls_total",
				Help:      "Tool calls by field group and outcome.",
			},
			[]string{"group", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "enricher",
				Name:      "call_duration_seconds",
				Help:      "Tool call latency including retries and pacing waits.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"group"},
		),
		records: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "enricher",
				Name:      "records_total",
				Help:      "Records processed by status.",
			},
			[]string{"status"},
		),
	}
}

// WriteTextfile dumps the current values in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) observeCall(group FieldGroup, outcome Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(string(group), string(outcome)).Inc()
	m.duration.WithLabelValues(string(group)).Observe(d.Seconds())
}

func (m *Metrics) observeRecord(status string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(status).Inc()
}
