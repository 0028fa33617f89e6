package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Jenga.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Tool dispatch metrics.
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// Episode metrics.
	EpisodesTotal   *prometheus.CounterVec
	EpisodeDuration prometheus.Histogram
	EpisodeSteps    prometheus.Histogram

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveEpisodes prometheus.Gauge
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jenga",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jenga",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jenga",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "direction"}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jenga",
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total tool calls dispatched.",
		}, []string{"tool", "status"}),

		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jenga",
			Subsystem: "tool",
			Name:      "call_duration_seconds",
			Help:      "Tool call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jenga",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox command executions.",
		}, []string{"status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jenga",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox command duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"status"}),

		EpisodesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jenga",
			Subsystem: "episode",
			Name:      "runs_total",
			Help:      "Total episodes run, by terminal state.",
		}, []string{"state"}),

		EpisodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "jenga",
			Subsystem: "episode",
			Name:      "duration_seconds",
			Help:      "End-to-end episode duration in seconds.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
		}),

		EpisodeSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "jenga",
			Subsystem: "episode",
			Name:      "steps",
			Help:      "Agent steps taken per episode.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 50},
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jenga",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jenga",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveEpisodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jenga",
			Name:      "active_episodes",
			Help:      "Number of episodes currently running.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jenga",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.EpisodesTotal,
		m.EpisodeDuration,
		m.EpisodeSteps,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveEpisodes,
		m.ActiveRequests,
	)

	return m
}

// RecordEpisode records the terminal state, duration and step count of one
// finished episode.
func (m *MetricsCollector) RecordEpisode(state string, durationSeconds float64, steps int) {
	if m == nil {
		return
	}
	m.EpisodesTotal.WithLabelValues(state).Inc()
	m.EpisodeDuration.Observe(durationSeconds)
	m.EpisodeSteps.Observe(float64(steps))
}
