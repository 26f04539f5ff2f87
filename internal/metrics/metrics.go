package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketbrief_runs_started_total",
			Help: "Total number of workflow runs started",
		},
		[]string{"mode"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketbrief_runs_completed_total",
			Help: "Total number of workflow runs by outcome",
		},
		[]string{"mode", "outcome"}, // completed | error | cancelled
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketbrief_run_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"mode"},
	)

	// Agent metrics
	AgentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketbrief_agent_duration_seconds",
			Help:    "Time from agent start to result join",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	// Retrieval metrics
	RetrievalResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketbrief_retrieval_results_total",
			Help: "Retrieval chain results by domain and provenance tier",
		},
		[]string{"domain", "provenance"},
	)

	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketbrief_provider_calls_total",
			Help: "Upstream provider calls by outcome",
		},
		[]string{"provider", "status"}, // ok | failed
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketbrief_provider_latency_seconds",
			Help:    "Upstream provider call latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		},
		[]string{"provider"},
	)

	// Capability metrics
	CapabilityFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketbrief_capability_fallbacks_total",
			Help: "Times a generative capability fell back to the deterministic path",
		},
		[]string{"capability"}, // extractor | generator
	)

	// Event metrics
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketbrief_events_emitted_total",
			Help: "Workflow events emitted by type",
		},
		[]string{"type"},
	)

	SinkWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketbrief_sink_write_errors_total",
			Help: "Failed session sink writes",
		},
	)

	MirrorPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketbrief_mirror_publish_errors_total",
			Help: "Failed event mirror publishes",
		},
		[]string{"mirror"},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketbrief_stream_subscribers",
			Help: "Active live stream subscribers",
		},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketbrief_sessions_created_total",
			Help: "Total number of sessions created",
		},
		[]string{"mode"},
	)
)

// RecordRunMetrics records a finished run.
func RecordRunMetrics(mode, outcome string, durationSeconds float64) {
	RunsCompleted.WithLabelValues(mode, outcome).Inc()
	RunDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordProviderCall records one upstream call.
func RecordProviderCall(provider string, ok bool, durationSeconds float64) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	ProviderCalls.WithLabelValues(provider, status).Inc()
	if durationSeconds > 0 {
		ProviderLatency.WithLabelValues(provider).Observe(durationSeconds)
	}
}

// RecordRetrieval records which tier served a retrieval.
func RecordRetrieval(domain, provenance string) {
	RetrievalResults.WithLabelValues(domain, provenance).Inc()
}
