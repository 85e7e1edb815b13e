package compaction

import (
	"errors"
	"sync"
)

// errRecovered is used internally to turn a hook panic into a failed
// outcome rather than crashing the registry's goroutine.
var errRecovered = errors.New("compaction: hook panicked")

// Signature captures the session state at the moment overflow
// recovery begins. A recovery result is only accepted if its
// signature matches the session's current signature; otherwise it is
// stale and silently dropped.
type Signature struct {
	SessionID  string
	LeafID     string
	EntryCount int
	TurnIndex  int64
	Provider   string
	ModelID    string
}

// Outcome is the terminal result of a recovery attempt.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
)

// RecoveryState is the overflow-recovery bookkeeping held by a
// session.
type RecoveryState struct {
	InProgress     bool
	Attempted      bool
	Signature      Signature
	TaskID         string
	TaskMonitorRef string
	ErrorReason    string
	PartialState   any
}

// FailureFunc is invoked with {count:1, session_id, reason} telemetry
// whenever a recovery attempt fails.
type FailureFunc func(sessionID, reason string)

// RecoveryManager tracks overflow-recovery state per session.
type RecoveryManager struct {
	mu       sync.Mutex
	states   map[string]*RecoveryState
	onFailure FailureFunc
}

// NewRecoveryManager creates an empty recovery manager.
func NewRecoveryManager(onFailure FailureFunc) *RecoveryManager {
	return &RecoveryManager{states: make(map[string]*RecoveryState), onFailure: onFailure}
}

func (m *RecoveryManager) state(sessionID string) *RecoveryState {
	s, ok := m.states[sessionID]
	if !ok {
		s = &RecoveryState{}
		m.states[sessionID] = s
	}
	return s
}

// CanAttempt reports whether a new recovery may begin for sessionID:
// false once a recovery has already been attempted for the current
// overflow condition.
func (m *RecoveryManager) CanAttempt(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.state(sessionID).Attempted
}

// Begin records the start of a recovery attempt with the given
// signature. It sets InProgress and Attempted; callers must have
// already checked CanAttempt.
func (m *RecoveryManager) Begin(sessionID string, sig Signature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(sessionID)
	s.InProgress = true
	s.Attempted = true
	s.Signature = sig
	s.ErrorReason = ""
}

// Get returns a copy of the current recovery state for a session.
func (m *RecoveryManager) Get(sessionID string) RecoveryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.state(sessionID)
}

// Complete resolves a recovery task result. If resultSig does not
// match the session's current signature, the result is stale and is
// dropped (accepted=false, state unchanged). Otherwise the outcome is
// applied: OutcomeOK clears InProgress and leaves Attempted set, so a
// further overflow after the caller re-drives the model is not
// recovered again (Attempted is cleared only by OutcomeError or
// Reset); OutcomeError clears both InProgress and Attempted,
// finalizing the session's recovery cycle, and fires failure
// telemetry.
func (m *RecoveryManager) Complete(sessionID string, resultSig Signature, outcome Outcome, reason string) (accepted bool) {
	m.mu.Lock()
	s := m.state(sessionID)
	if resultSig != s.Signature {
		m.mu.Unlock()
		return false
	}

	switch outcome {
	case OutcomeOK:
		s.InProgress = false
		s.ErrorReason = ""
	case OutcomeError:
		s.InProgress = false
		s.Attempted = false
		s.ErrorReason = reason
	}
	onFailure := m.onFailure
	m.mu.Unlock()

	if outcome == OutcomeError && onFailure != nil {
		onFailure(sessionID, reason)
	}
	return true
}

// Reset clears all recovery bookkeeping for a session (e.g. on stop).
func (m *RecoveryManager) Reset(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, sessionID)
}

// Config gates when compaction should run before the context window
// overflows.
type Config struct {
	Enabled       bool
	ReserveTokens int
}

// ShouldCompactWithHooks reports whether contextTokens plus the
// configured reserve meets or exceeds contextWindow.
func ShouldCompactWithHooks(contextTokens, contextWindow int, cfg Config) bool {
	if !cfg.Enabled {
		return false
	}
	return contextTokens+cfg.ReserveTokens >= contextWindow
}
