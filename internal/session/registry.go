package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/z80dev/lemon-sub002/internal/observability"
)

// Registry is the top-level session supervisor: it starts sessions
// unlinked from the caller (a caller's own crash never cascades into
// a session teardown) and tracks each by a unique session-ID key.
// Entries are pruned automatically once their supervisor reports the
// actor DOWN, so the registry only ever lists live sessions.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Supervisor
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewRegistry constructs an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{byID: make(map[string]*Supervisor), logger: logger}
}

// WithMetrics attaches a Prometheus collector set; the registry keeps
// ActiveSessions in sync with the number of registered sessions.
func (r *Registry) WithMetrics(m *observability.Metrics) *Registry {
	r.mu.Lock()
	r.metrics = m
	r.mu.Unlock()
	return r
}

// StartSession starts a new session under its own supervisor,
// registers it by session ID, and arranges for it to be pruned from
// the registry once it goes DOWN.
func (r *Registry) StartSession(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	sup := StartSupervisor(opts)

	r.mu.Lock()
	r.byID[sup.ID()] = sup
	m := r.metrics
	r.mu.Unlock()
	if m != nil {
		m.ActiveSessions.Inc()
	}

	go func() {
		<-sup.Down()
		r.mu.Lock()
		if cur, ok := r.byID[sup.ID()]; ok && cur == sup {
			delete(r.byID, sup.ID())
		}
		m := r.metrics
		r.mu.Unlock()
		if m != nil {
			m.ActiveSessions.Dec()
		}
	}()

	return sup
}

// Get looks up a session's supervisor by ID.
func (r *Registry) Get(sessionID string) (*Supervisor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sup, ok := r.byID[sessionID]
	return sup, ok
}

// List returns every currently registered session ID.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopSession terminates a session gracefully by ID. Unknown IDs are
// reported as an error rather than silently ignored.
func (r *Registry) StopSession(sessionID string) error {
	sup, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("session: unknown session %q", sessionID)
	}
	sup.Stop()
	return nil
}

// SessionHealth is one session's entry in HealthAll's result.
type SessionHealth struct {
	SessionID string
	Status    HealthStatus
}

// healthRank orders statuses so unhealthy sessions sort first.
func healthRank(s HealthStatus) int {
	switch s {
	case HealthUnhealthy:
		return 0
	case HealthDegraded:
		return 1
	default:
		return 2
	}
}

// HealthAll reports every registered session's health, sorted so
// unhealthy sessions appear first, then degraded, then healthy; ties
// broken by session ID for a stable order.
func (r *Registry) HealthAll() []SessionHealth {
	r.mu.RLock()
	sups := make([]*Supervisor, 0, len(r.byID))
	for _, sup := range r.byID {
		sups = append(sups, sup)
	}
	r.mu.RUnlock()

	out := make([]SessionHealth, 0, len(sups))
	for _, sup := range sups {
		out = append(out, SessionHealth{SessionID: sup.ID(), Status: sup.Health()})
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := healthRank(out[i].Status), healthRank(out[j].Status)
		if ri != rj {
			return ri < rj
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// HealthSummaryReport aggregates HealthAll into totals.
type HealthSummaryReport struct {
	Total     int
	Healthy   int
	Degraded  int
	Unhealthy int
	Overall   string // "no_sessions" | "healthy" | "unhealthy"
}

// HealthSummary aggregates every registered session's health. Overall
// is "unhealthy" if any session is unhealthy, "no_sessions" if the
// registry is empty, and "healthy" otherwise (degraded sessions alone
// do not flip the overall status, matching the spec's two-outcome
// overall field).
func (r *Registry) HealthSummary() HealthSummaryReport {
	all := r.HealthAll()
	report := HealthSummaryReport{Total: len(all)}
	for _, h := range all {
		switch h.Status {
		case HealthHealthy:
			report.Healthy++
		case HealthDegraded:
			report.Degraded++
		case HealthUnhealthy:
			report.Unhealthy++
		}
	}

	switch {
	case report.Total == 0:
		report.Overall = "no_sessions"
	case report.Unhealthy > 0:
		report.Overall = "unhealthy"
	default:
		report.Overall = "healthy"
	}
	return report
}
