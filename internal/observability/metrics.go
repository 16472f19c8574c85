// Package observability groups the Prometheus instruments exported by Valet.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Turns          *prometheus.CounterVec
	ToolExecutions *prometheus.CounterVec
	Approvals      *prometheus.CounterVec
	SyncRuns       *prometheus.CounterVec
	LLMLatency     prometheus.Histogram
}

// NewMetrics registers all instruments under the given namespace with
// the default registry. Call once per process.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Turns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed conversation turns by resulting status.",
		}, []string{"status"}),
		ToolExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool executions by tool name and outcome.",
		}, []string{"tool", "status"}),
		Approvals: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Operator approval decisions by kind.",
		}, []string{"decision"}),
		SyncRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Full cache reconciliations by system and outcome.",
		}, []string{"system", "status"}),
		LLMLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_latency_ms",
			Help:      "LLM round-trip latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}),
	}
}

// ObserveLLMLatency records one LLM round trip.
func (m *Metrics) ObserveLLMLatency(d time.Duration) {
	m.LLMLatency.Observe(float64(d.Milliseconds()))
}

// Handler returns the /metrics scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
