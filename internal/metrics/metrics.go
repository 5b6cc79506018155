// Package metrics registers the engine's Prometheus counters on the
// default registerer so embedders can expose them however they serve
// metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StepsStarted counts module steps whose primary prompt was sent.
	StepsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codemachine",
		Name:      "steps_started_total",
		Help:      "Module steps started.",
	})

	// StepsCompleted counts module steps that reached completed=true.
	StepsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codemachine",
		Name:      "steps_completed_total",
		Help:      "Module steps completed.",
	})

	// StepsFailed counts module steps that ended in STEP_ERROR.
	StepsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codemachine",
		Name:      "steps_failed_total",
		Help:      "Module steps failed.",
	})

	// OutputTokens accumulates engine-reported output tokens.
	OutputTokens = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codemachine",
		Name:      "output_tokens_total",
		Help:      "Output tokens reported by engines.",
	})

	// RouterCallsAllowed counts tool calls the router forwarded.
	RouterCallsAllowed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codemachine",
		Subsystem: "router",
		Name:      "calls_allowed_total",
		Help:      "MCP tool calls forwarded to a backend.",
	})

	// RouterCallsDenied counts tool calls the router rejected.
	RouterCallsDenied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codemachine",
		Subsystem: "router",
		Name:      "calls_denied_total",
		Help:      "MCP tool calls denied by filtering or rate limiting.",
	})
)
