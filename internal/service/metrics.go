package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolution paths
const (
	PathClassifier  = "classifier"
	PathLLM         = "llm"
	PathLLMToolCall = "llm_tool_call"
	PathFallback    = "fallback"
	PathNoLLM       = "no_llm"
)

var (
	// Labels: path (classifier, llm, llm_tool_call, fallback, no_llm)
	resolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Name:      "resolve_total",
		Help:      "Resolved commands by resolution path",
	}, []string{"path"})

	// Labels: outcome (ok, tool_call, error, unparsable)
	llmParseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Name:      "llm_parse_total",
		Help:      "Language model parse attempts by outcome",
	}, []string{"outcome"})

	toolExecTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Name:      "tool_exec_total",
		Help:      "Tool executions by tool and outcome",
	}, []string{"tool", "outcome"})

	toolExecLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "assistant",
		Name:      "tool_exec_latency_seconds",
		Help:      "Booking API round-trip latency per tool",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"tool"})

	droppedToolCalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "assistant",
		Name:      "dropped_tool_calls_total",
		Help:      "Tool calls found in model text that were malformed or not dispatched",
	})

	sessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "assistant",
		Name:      "sessions_evicted_total",
		Help:      "Session contexts evicted after the idle timeout",
	})

	llmAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "assistant",
		Name:      "llm_available",
		Help:      "1 when the language model passed its last liveness check",
	})
)

func recordToolExec(tool string, success bool, elapsed time.Duration) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	toolExecTotal.WithLabelValues(tool, outcome).Inc()
	toolExecLatency.WithLabelValues(tool).Observe(elapsed.Seconds())
}
