// Package observability provides the runtime's Prometheus metrics and
// OpenTelemetry tracing.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the session runtime
// reports. Construct one with NewMetrics and register it against a
// registry (prometheus.DefaultRegisterer in production, a fresh
// prometheus.NewRegistry() in tests).
//
//	m := observability.NewMetrics()
//	m.MustRegister(prometheus.DefaultRegisterer)
//	defer m.TurnDuration.WithLabelValues(provider, model).Observe(elapsed)
type Metrics struct {
	// TurnsTotal counts completed turns by terminal outcome.
	// Labels: outcome (agent_end|error|canceled)
	TurnsTotal *prometheus.CounterVec

	// TurnDuration measures wall-clock time from prompt to terminal frame.
	// Labels: provider, model
	TurnDuration *prometheus.HistogramVec

	// ActiveSessions is the current number of registered sessions.
	ActiveSessions prometheus.Gauge

	// ToolExecutionsTotal counts tool dispatches by source and outcome.
	// Labels: source (local|extension|sidecar), outcome (ok|error|denied)
	ToolExecutionsTotal *prometheus.CounterVec

	// ToolExecutionDuration measures tool dispatch latency.
	// Labels: source
	ToolExecutionDuration *prometheus.HistogramVec

	// SubagentRunsTotal counts subagent coordinator results by status.
	// Labels: status (done|error|timeout)
	SubagentRunsTotal *prometheus.CounterVec

	// OverflowRecoveriesTotal counts overflow recovery attempts by outcome.
	// Labels: outcome (ok|error)
	OverflowRecoveriesTotal *prometheus.CounterVec

	// BudgetExceededTotal counts child-spawn attempts blocked by a budget.
	// Labels: reason (token_limit_exceeded|cost_limit_exceeded|child_limit_exceeded)
	BudgetExceededTotal *prometheus.CounterVec

	// SidecarInvokesTotal counts sidecar tool invocations by outcome.
	// Labels: outcome (ok|error|denied)
	SidecarInvokesTotal *prometheus.CounterVec
}

// NewMetrics builds the collector set without registering it anywhere.
// Callers register the set exactly once, typically at process startup.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionrt_turns_total",
				Help: "Total number of turns completed, by terminal outcome",
			},
			[]string{"outcome"},
		),
		TurnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sessionrt_turn_duration_seconds",
				Help:    "Duration of a turn from prompt to terminal frame",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessionrt_active_sessions",
				Help: "Current number of registered sessions",
			},
		),
		ToolExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionrt_tool_executions_total",
				Help: "Total number of tool dispatches, by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sessionrt_tool_execution_duration_seconds",
				Help:    "Duration of a single tool dispatch",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"source"},
		),
		SubagentRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionrt_subagent_runs_total",
				Help: "Total number of subagent coordinator results, by status",
			},
			[]string{"status"},
		),
		OverflowRecoveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionrt_overflow_recoveries_total",
				Help: "Total number of overflow recovery attempts, by outcome",
			},
			[]string{"outcome"},
		),
		BudgetExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionrt_budget_exceeded_total",
				Help: "Total number of child-spawn attempts blocked by a budget limit",
			},
			[]string{"reason"},
		),
		SidecarInvokesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionrt_sidecar_invokes_total",
				Help: "Total number of sidecar tool invocations, by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// MustRegister registers every collector against reg, panicking on a
// duplicate-registration error (the same failure mode promauto would
// produce, surfaced explicitly since this set isn't built with it).
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.TurnsTotal,
		m.TurnDuration,
		m.ActiveSessions,
		m.ToolExecutionsTotal,
		m.ToolExecutionDuration,
		m.SubagentRunsTotal,
		m.OverflowRecoveriesTotal,
		m.BudgetExceededTotal,
		m.SidecarInvokesTotal,
	)
}
