package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegisterWithoutCollision(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	m.MustRegister(reg) // panics on duplicate registration; the real assertion is that this doesn't.
}

func TestTurnsTotalByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	m.MustRegister(reg)

	m.TurnsTotal.WithLabelValues("agent_end").Inc()
	m.TurnsTotal.WithLabelValues("agent_end").Inc()
	m.TurnsTotal.WithLabelValues("error").Inc()

	if count := testutil.CollectAndCount(m.TurnsTotal); count != 2 {
		t.Fatalf("label combinations = %d, want 2", count)
	}

	expected := `
		# HELP sessionrt_turns_total Total number of turns completed, by terminal outcome
		# TYPE sessionrt_turns_total counter
		sessionrt_turns_total{outcome="agent_end"} 2
		sessionrt_turns_total{outcome="error"} 1
	`
	if err := testutil.CollectAndCompare(m.TurnsTotal, strings.NewReader(expected)); err != nil {
		t.Fatalf("unexpected metric value: %v", err)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	m.MustRegister(reg)

	m.ActiveSessions.Set(3)
	m.ActiveSessions.Inc()
	m.ActiveSessions.Dec()

	if got := testutil.ToFloat64(m.ActiveSessions); got != 3 {
		t.Fatalf("ActiveSessions = %v, want 3", got)
	}
}

func TestSubagentRunsTotalByStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	m.MustRegister(reg)

	m.SubagentRunsTotal.WithLabelValues("done").Inc()
	m.SubagentRunsTotal.WithLabelValues("timeout").Inc()
	m.SubagentRunsTotal.WithLabelValues("error").Inc()

	if count := testutil.CollectAndCount(m.SubagentRunsTotal); count != 3 {
		t.Fatalf("label combinations = %d, want 3", count)
	}
}
