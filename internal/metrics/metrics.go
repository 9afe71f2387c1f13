// Package metrics provides Prometheus metrics for the duplex service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var latencyBuckets = []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 1.5, 2, 3, 5}

var (
	// ActiveConnections tracks open voice WebSocket connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "duplex_active_connections",
			Help: "Number of currently open voice connections",
		},
	)

	// TurnsTotal counts finished turns by outcome (complete, cancelled, error).
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplex_turns_total",
			Help: "Total number of conversation turns by outcome",
		},
		[]string{"outcome"},
	)

	// BargeInsTotal counts user interruptions by source (client, vad).
	BargeInsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplex_barge_ins_total",
			Help: "Total number of barge-in interruptions",
		},
		[]string{"source"},
	)

	// SentenceFailures counts sentences skipped after a synthesis error.
	SentenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duplex_tts_sentence_failures_total",
			Help: "Total number of sentences whose synthesis failed",
		},
	)

	// ToolCallsTotal counts tool invocations by tool and result.
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplex_tool_calls_total",
			Help: "Total number of tool invocations",
		},
		[]string{"tool", "status"},
	)

	// ProviderFailures counts failed provider calls inside a fallback
	// chain by stage (llm, tts) and provider.
	ProviderFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplex_provider_failures_total",
			Help: "Total number of provider failures inside fallback chains",
		},
		[]string{"stage", "provider"},
	)

	// FirstTokenLatency tracks time from user transcript to first LLM token.
	FirstTokenLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "duplex_first_token_latency_seconds",
			Help:    "Time from transcript to first LLM token",
			Buckets: latencyBuckets,
		},
	)

	// FirstAudioLatency tracks time from user transcript to first audio chunk.
	FirstAudioLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "duplex_first_audio_latency_seconds",
			Help:    "Time from transcript to first synthesized audio",
			Buckets: latencyBuckets,
		},
	)

	// NetworkQuality reports the current link tier per connection count.
	NetworkQuality = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "duplex_network_quality_connections",
			Help: "Number of connections currently at each network quality tier",
		},
		[]string{"quality"},
	)

	// ReconnectsTotal counts reconnection attempts by result.
	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplex_reconnects_total",
			Help: "Total number of reconnection sequences by result",
		},
		[]string{"result"},
	)
)

// RecordConnectionOpened increments connection metrics.
func RecordConnectionOpened() {
	ActiveConnections.Inc()
}

// RecordConnectionClosed decrements connection metrics.
func RecordConnectionClosed() {
	ActiveConnections.Dec()
}

// RecordTurn records a finished turn and its stage latencies. Zero
// durations are not observed.
func RecordTurn(outcome string, firstToken, firstAudio time.Duration) {
	TurnsTotal.WithLabelValues(outcome).Inc()
	if firstToken > 0 {
		FirstTokenLatency.Observe(firstToken.Seconds())
	}
	if firstAudio > 0 {
		FirstAudioLatency.Observe(firstAudio.Seconds())
	}
}

// RecordBargeIn records an interruption.
func RecordBargeIn(source string) {
	BargeInsTotal.WithLabelValues(source).Inc()
}

// RecordToolCall records a tool invocation.
func RecordToolCall(tool string, failed bool) {
	status := "ok"
	if failed {
		status = "error"
	}
	ToolCallsTotal.WithLabelValues(tool, status).Inc()
}

// RecordQualityChange moves one connection between quality tiers.
// An empty from means the connection is new.
func RecordQualityChange(from, to string) {
	if from != "" {
		NetworkQuality.WithLabelValues(from).Dec()
	}
	if to != "" {
		NetworkQuality.WithLabelValues(to).Inc()
	}
}

// RecordReconnect records the outcome of a reconnection sequence.
func RecordReconnect(ok bool) {
	result := "recovered"
	if !ok {
		result = "abandoned"
	}
	ReconnectsTotal.WithLabelValues(result).Inc()
}

// RecordProviderFailure counts a provider failure inside a chain.
func RecordProviderFailure(stage, provider string) {
	if provider == "" {
		provider = "unknown"
	}
	ProviderFailures.WithLabelValues(stage, provider).Inc()
}
