// Package metrics exposes the daemon's Prometheus instrumentation (spec
// §4.9, component C10): per-stage latency and error rate, queue depth per
// topic, outbox backlog, AI backend latency, and files-detected/batches
// completed counters.
//
// Grounded on github.com/prometheus/client_golang, the metrics library the
// wider example pack (and production Go services generally) reach for
// rather than a hand-rolled counter map.
package metrics

import (
	"github.com/aires-project/aires/internal/model"
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every AIRES metric under one prometheus.Registerer so
// the control server can expose them on a single /metrics endpoint.
type Registry struct {
	reg *prometheus.Registry

	FilesDetected   prometheus.Counter
	FilesDuplicate  prometheus.Counter
	BatchesStarted  prometheus.Counter
	BatchesComplete prometheus.Counter
	BatchesFailed   prometheus.Counter

	StageLatency   *prometheus.HistogramVec // label: stage
	StageErrors    *prometheus.CounterVec   // labels: stage, kind
	AIBackendCalls *prometheus.CounterVec   // labels: backend, outcome
	AIBackendLatency *prometheus.HistogramVec // label: backend

	QueueDepth    *prometheus.GaugeVec // label: topic
	OutboxBacklog prometheus.Gauge
}

// New builds a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		FilesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aires", Name: "files_detected_total", Help: "Input files detected by the watcher.",
		}),
		FilesDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aires", Name: "files_duplicate_total", Help: "Files skipped because their checksum was already claimed.",
		}),
		BatchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aires", Name: "batches_started_total", Help: "Batches that entered the pipeline.",
		}),
		BatchesComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aires", Name: "batches_completed_total", Help: "Batches that reached Completed.",
		}),
		BatchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aires", Name: "batches_failed_total", Help: "Batches that reached Failed or DeadLettered.",
		}),
		StageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aires", Name: "stage_latency_seconds", Help: "Per-stage AI call duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		StageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aires", Name: "stage_errors_total", Help: "Per-stage failures by aerr.Kind.",
		}, []string{"stage", "kind"}),
		AIBackendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aires", Name: "ai_backend_calls_total", Help: "AI backend calls by outcome.",
		}, []string{"backend", "outcome"}),
		AIBackendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aires", Name: "ai_backend_latency_seconds", Help: "AI backend call duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aires", Name: "queue_depth", Help: "Due-but-unpublished outbox messages per topic.",
		}, []string{"topic"}),
		OutboxBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aires", Name: "outbox_backlog", Help: "Total due outbox messages awaiting publish.",
		}),
	}

	reg.MustRegister(
		r.FilesDetected, r.FilesDuplicate, r.BatchesStarted, r.BatchesComplete, r.BatchesFailed,
		r.StageLatency, r.StageErrors, r.AIBackendCalls, r.AIBackendLatency,
		r.QueueDepth, r.OutboxBacklog,
	)
	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for the /metrics
// HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveStageOutcome records a stage's latency and, on failure, its
// aerr.Kind-labeled error count (spec §4.9).
func (r *Registry) ObserveStageOutcome(stage model.Stage, seconds float64, errKind string) {
	r.StageLatency.WithLabelValues(stage.String()).Observe(seconds)
	if errKind != "" {
		r.StageErrors.WithLabelValues(stage.String(), errKind).Inc()
	}
}

// ObserveAIBackendCall records one AI backend round trip.
func (r *Registry) ObserveAIBackendCall(backend string, seconds float64, outcome string) {
	r.AIBackendLatency.WithLabelValues(backend).Observe(seconds)
	r.AIBackendCalls.WithLabelValues(backend, outcome).Inc()
}
