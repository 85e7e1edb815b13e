package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/z80dev/lemon-sub002/internal/sidecar"
	"github.com/z80dev/lemon-sub002/internal/subagent"
)

// ChildRef is the result of a liveness-based lookup: get_session,
// get_coordinator, and list_children each resolve to either an alive
// reference or an explanation of why there isn't one.
type ChildRef struct {
	OK     bool
	PID    string // opaque stand-in for a process handle: the session ID for the actor, "<session-id>/coordinator" for the coordinator
	Reason string
}

// Supervisor is the per-session supervisor: it owns exactly the
// session actor and, optionally, its subagent coordinator.
//
// Strategy is rest-for-one: if the actor dies, the coordinator (the
// child started after it) is torn down too. If the coordinator dies
// first, the actor is left running untouched. Restart policy is
// temporary: neither child is ever restarted by the supervisor;
// failures are surfaced to whoever is monitoring via Done/CrashErr.
type Supervisor struct {
	mu     sync.RWMutex
	logger *slog.Logger

	actor       *Actor
	coordinator *subagent.Coordinator
	hasCoord    bool

	down     chan struct{}
	downOnce sync.Once
}

// StartSupervisor starts a session actor (via the given Options) under
// a fresh rest-for-one supervisor and begins monitoring it.
func StartSupervisor(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		logger:      logger,
		actor:       New(opts),
		coordinator: opts.Coordinator,
		hasCoord:    opts.Coordinator != nil,
		down:        make(chan struct{}),
	}

	go s.watch()
	return s
}

// watch observes the actor's mailbox loop and, on its exit (whether an
// orderly Stop or a crash), tears down the coordinator — the child
// that started after it — per the rest-for-one strategy. It never
// restarts either child.
func (s *Supervisor) watch() {
	<-s.actor.Done()

	s.mu.Lock()
	coord := s.coordinator
	s.mu.Unlock()

	if coord != nil {
		coord.AbortAll()
	}

	s.downOnce.Do(func() { close(s.down) })

	if err := s.actor.CrashErr(); err != nil {
		s.logger.Error("session supervisor observed actor DOWN", "session_id", s.actor.ID(), "error", err)
	}
}

// ID returns the supervised session's ID.
func (s *Supervisor) ID() string { return s.actor.ID() }

// Actor returns the supervised actor directly, for callers that
// already know it is alive (e.g. routing a Prompt/Steer call).
func (s *Supervisor) Actor() *Actor { return s.actor }

// Down closes once the actor's mailbox loop has exited.
func (s *Supervisor) Down() <-chan struct{} { return s.down }

// GetSession resolves the actor child by current liveness.
func (s *Supervisor) GetSession() ChildRef {
	select {
	case <-s.actor.Done():
		reason := "actor exited"
		if err := s.actor.CrashErr(); err != nil {
			reason = err.Error()
		}
		return ChildRef{OK: false, Reason: reason}
	default:
		return ChildRef{OK: true, PID: s.actor.ID()}
	}
}

// GetCoordinator resolves the coordinator child by current liveness.
// A session with no coordinator configured reports ok:false with a
// reason distinguishing "never configured" from "torn down".
func (s *Supervisor) GetCoordinator() ChildRef {
	s.mu.RLock()
	hasCoord := s.hasCoord
	s.mu.RUnlock()

	if !hasCoord {
		return ChildRef{OK: false, Reason: "no coordinator configured for this session"}
	}

	select {
	case <-s.down:
		return ChildRef{OK: false, Reason: "torn down: actor is no longer alive"}
	default:
		return ChildRef{OK: true, PID: fmt.Sprintf("%s/coordinator", s.actor.ID())}
	}
}

// ListChildren returns both children's liveness in supervision order
// (actor, then coordinator).
func (s *Supervisor) ListChildren() []ChildRef {
	refs := []ChildRef{s.GetSession()}
	s.mu.RLock()
	hasCoord := s.hasCoord
	s.mu.RUnlock()
	if hasCoord {
		refs = append(refs, s.GetCoordinator())
	}
	return refs
}

// Stop terminates the supervised session gracefully: the actor is
// stopped (which fans the rest-for-one teardown out to the
// coordinator via watch), and Stop blocks until that has happened.
func (s *Supervisor) Stop() {
	s.actor.Stop()
	<-s.down
}

// HealthStatus is one of healthy, degraded, or unhealthy.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health reports this session's health. A session is unhealthy when
// its worker process reference — here, the sidecar channel backing
// its wasm tools — is dead (stopped) while the actor itself remains
// alive. A session whose sidecar channel is merely not yet ready
// (started/stopping) is degraded rather than unhealthy: it has not
// failed, it just isn't serving sidecar tools yet. A session with no
// sidecar configured at all, or one whose actor has already exited,
// is healthy from this supervisor's point of view — a dead actor is
// pruned from the registry, not reported as an unhealthy session.
func (s *Supervisor) Health() HealthStatus {
	select {
	case <-s.actor.Done():
		return HealthHealthy
	default:
	}

	state, ok := s.actor.SidecarState()
	if !ok {
		return HealthHealthy
	}
	switch state {
	case sidecar.StateStopped:
		return HealthUnhealthy
	case sidecar.StateStarted, sidecar.StateStopping:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}
