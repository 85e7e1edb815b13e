// Package session implements the session actor: a single-threaded,
// mailbox-driven state machine that owns one conversation, its tools,
// its budget, its subagents, and its sidecar channel.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/z80dev/lemon-sub002/internal/budget"
	"github.com/z80dev/lemon-sub002/internal/conversation"
	"github.com/z80dev/lemon-sub002/internal/observability"
	"github.com/z80dev/lemon-sub002/internal/session/compaction"
	"github.com/z80dev/lemon-sub002/internal/sidecar"
	"github.com/z80dev/lemon-sub002/internal/subagent"
	"go.opentelemetry.io/otel/trace"
)

// TurnState is the actor's position in the turn state machine.
type TurnState string

const (
	StateIdle        TurnState = "idle"
	StatePreparing   TurnState = "preparing"
	StateStreaming   TurnState = "streaming"
	StateToolDispatch TurnState = "tool_dispatch"
	StateFinalizing  TurnState = "finalizing"
)

// SubscribeMode selects what a subscriber receives.
type SubscribeMode string

const (
	// ModeStream delivers every agent event plus the terminal frame.
	ModeStream SubscribeMode = "stream"
	// ModeTerminal delivers only the turn's terminal frame.
	ModeTerminal SubscribeMode = "terminal"
)

// Frame is one message delivered to a subscriber.
type Frame struct {
	Event    *AgentEvent
	Terminal bool
	Kind     string // "agent_end" | "error" | "canceled", set when Terminal
	Messages []*conversation.Entry
	Reason   string
	PartialState any
}

// Options configures a new session actor.
type Options struct {
	SessionID     string
	ParentSession string
	Cwd           string
	Model         string
	ProviderName  string
	Provider      ProviderConfig
	Secrets       SecretLookup
	StreamFn      StreamFn
	Tools         []Tool // caller-provided custom tool list; replaces defaults, extension tools still appended
	ExtensionTools []Tool
	ToolPolicy    *ToolPolicy
	ApprovalFn    ApprovalRequestFunc
	Budget        *budget.Tracker
	BudgetRunID   string
	Coordinator   *subagent.Coordinator
	SidecarChannel *sidecar.Channel
	Hooks         *compaction.HookRegistry
	Recovery      *compaction.RecoveryManager
	CompactionCfg compaction.Config
	Logger        *slog.Logger
	Metrics       *observability.Metrics
	Tracer        *observability.Tracer
}

// Stats is returned by GetStats.
type Stats struct {
	EntryCount   int
	TurnIndex    int64
	State        TurnState
	ActiveChildren int
}

type command struct {
	kind  string
	text  string
	mode  SubscribeMode
	subID string
	reply chan any
}

// Actor is one session's runtime.
type Actor struct {
	id            string
	parentSession string
	cwd           string
	model         string
	logger        *slog.Logger

	conv      *conversation.Manager
	tools     map[string]Tool
	toolPolicy *ToolPolicy
	approvalFn ApprovalRequestFunc

	provider ProviderConfig
	secrets  SecretLookup
	streamFn StreamFn

	budgetTracker *budget.Tracker
	budgetRunID   string
	coordinator   *subagent.Coordinator
	sidecarCh     *sidecar.Channel
	wasmStatus    string

	hooks         *compaction.HookRegistry
	recovery      *compaction.RecoveryManager
	compactionCfg compaction.Config
	metrics       *observability.Metrics
	tracer        *observability.Tracer
	turnSpan      trace.Span
	turnCtx       context.Context

	mailbox chan command
	stopCh  chan struct{}
	stopped chan struct{}
	crashErr error

	state       TurnState
	turnIndex   int64
	steerQueue  []string
	attempted   bool

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	subSeq      uint64
}

type subscriber struct {
	idVal string
	mode  SubscribeMode
	ch    chan Frame
}

// New constructs and starts a session actor's mailbox loop.
func New(opts Options) *Actor {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = generateSessionID()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tools := make(map[string]Tool)
	source := opts.Tools
	for _, t := range source {
		tools[t.Name] = t
	}
	for _, t := range opts.ExtensionTools {
		tools[t.Name] = t
	}

	a := &Actor{
		id:            sessionID,
		parentSession: opts.ParentSession,
		cwd:           opts.Cwd,
		model:         opts.Model,
		logger:        logger,
		conv:          conversation.NewManager(),
		tools:         tools,
		toolPolicy:    opts.ToolPolicy,
		approvalFn:    opts.ApprovalFn,
		provider:      opts.Provider,
		secrets:       opts.Secrets,
		streamFn:      opts.StreamFn,
		budgetTracker: opts.Budget,
		budgetRunID:   opts.BudgetRunID,
		coordinator:   opts.Coordinator,
		sidecarCh:     opts.SidecarChannel,
		hooks:         opts.Hooks,
		recovery:      opts.Recovery,
		compactionCfg: opts.CompactionCfg,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
		mailbox:       make(chan command, 64),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
		state:         StateIdle,
		subscribers:   make(map[string]*subscriber),
	}

	if a.sidecarCh == nil {
		a.wasmStatus = "wasm disabled or sidecar unavailable"
	}

	if a.coordinator != nil {
		a.tools[runSubagentsToolName] = newRunSubagentsTool(a)
	}

	go a.run()
	return a
}

// WasmStatus explains why the sidecar channel is unavailable, or "" if
// it is active. Per the spec this is not a session-fatal condition.
func (a *Actor) WasmStatus() string { return a.wasmStatus }

// Done closes when the mailbox loop exits, whether by an orderly Stop
// or a catastrophic crash. A supervisor watches this to detect DOWN.
func (a *Actor) Done() <-chan struct{} { return a.stopped }

// CrashErr returns the panic recovered from the mailbox loop, or nil
// if the actor has not exited or exited via an orderly Stop.
func (a *Actor) CrashErr() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.crashErr
}

// SidecarState reports the sidecar channel's lifecycle state. ok is
// false when no sidecar channel is configured for this session.
func (a *Actor) SidecarState() (state sidecar.State, ok bool) {
	if a.sidecarCh == nil {
		return "", false
	}
	return a.sidecarCh.State(), true
}

func generateSessionID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// ID returns the session's ID.
func (a *Actor) ID() string { return a.id }

// Prompt begins a turn with a user message. Non-blocking.
func (a *Actor) Prompt(text string) {
	a.send(command{kind: "prompt", text: text})
}

// Steer queues a mid-turn interjection.
func (a *Actor) Steer(text string) {
	a.send(command{kind: "steer", text: text})
}

// Subscribe registers a new subscriber and returns its stream ID and
// channel.
func (a *Actor) Subscribe(mode SubscribeMode) (string, <-chan Frame) {
	reply := make(chan any, 1)
	a.send(command{kind: "subscribe", mode: mode, reply: reply})
	res := <-reply
	sub := res.(*subscriber)
	return sub.id(), sub.ch
}

func (s *subscriber) id() string { return s.idVal }

// Unsubscribe removes a subscriber.
func (a *Actor) Unsubscribe(id string) {
	a.send(command{kind: "unsubscribe", subID: id})
}

// GetState returns the current turn state.
func (a *Actor) GetState() TurnState {
	reply := make(chan any, 1)
	a.send(command{kind: "get_state", reply: reply})
	return (<-reply).(TurnState)
}

// GetStats returns point-in-time session statistics.
func (a *Actor) GetStats() Stats {
	reply := make(chan any, 1)
	a.send(command{kind: "get_stats", reply: reply})
	return (<-reply).(Stats)
}

// Abort cancels any in-flight stream and returns the actor to Idle.
func (a *Actor) Abort() {
	a.send(command{kind: "abort"})
}

// Stop terminates the actor: aborts in-flight work, notifies
// subscribers, and releases owned resources.
func (a *Actor) Stop() {
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
	<-a.stopped
}

func (a *Actor) send(cmd command) {
	select {
	case a.mailbox <- cmd:
	case <-a.stopCh:
	}
}
