package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/z80dev/lemon-sub002/internal/conversation"
	"github.com/z80dev/lemon-sub002/internal/session/compaction"
	"github.com/z80dev/lemon-sub002/internal/untrusted"
	"go.opentelemetry.io/otel/trace"
)

const defaultRecoveryTimeout = 30 * time.Second

// run is the actor's single-threaded mailbox loop. All session state
// is owned exclusively by this goroutine.
func (a *Actor) run() {
	defer close(a.stopped)
	defer func() {
		if r := recover(); r != nil {
			a.mu.Lock()
			a.crashErr = fmt.Errorf("session actor panic: %v", r)
			a.mu.Unlock()
			a.logger.Error("session actor crashed", "session_id", a.id, "panic", r)
		}
	}()

	var streamEvents <-chan AgentEvent
	var streamCancel context.CancelFunc
	var recoveryResult chan recoveryOutcome
	var toolResult chan toolDispatchResult

	cleanup := func() {
		if streamCancel != nil {
			streamCancel()
		}
		a.broadcastTerminal(Frame{Terminal: true, Kind: "canceled", Reason: "session_stopped"})
		if a.sidecarCh != nil {
			a.sidecarCh.Close()
		}
		a.mu.Lock()
		for _, sub := range a.subscribers {
			close(sub.ch)
		}
		a.subscribers = nil
		a.mu.Unlock()
	}

	for {
		select {
		case <-a.stopCh:
			cleanup()
			return

		case cmd := <-a.mailbox:
			a.handleCommand(cmd, &streamEvents, &streamCancel, &recoveryResult)

		case ev, ok := <-streamEvents:
			if !ok {
				streamEvents = nil
				continue
			}
			a.handleStreamEvent(ev, &streamEvents, &streamCancel, &recoveryResult, &toolResult)

		case rr, ok := <-recoveryResult:
			if !ok {
				recoveryResult = nil
				continue
			}
			a.handleRecoveryOutcome(rr, &streamEvents, &streamCancel)

		case tr, ok := <-toolResult:
			toolResult = nil
			if !ok {
				continue
			}
			a.finishToolDispatch(tr)
			if a.state == StateToolDispatch {
				a.state = StateStreaming
				a.continueTurn(&streamEvents, &streamCancel)
			}
		}
	}
}

func (a *Actor) handleCommand(cmd command, streamEvents *<-chan AgentEvent, streamCancel *context.CancelFunc, recoveryResult *chan recoveryOutcome) {
	switch cmd.kind {
	case "prompt":
		a.beginTurn(cmd.text, streamEvents, streamCancel)

	case "steer":
		if a.state == StateIdle {
			a.beginTurn(cmd.text, streamEvents, streamCancel)
			return
		}
		a.steerQueue = append(a.steerQueue, cmd.text)

	case "subscribe":
		a.subSeq++
		id := fmt.Sprintf("sub-%d", a.subSeq)
		sub := &subscriber{idVal: id, mode: cmd.mode, ch: make(chan Frame, 32)}
		a.mu.Lock()
		a.subscribers[id] = sub
		a.mu.Unlock()
		cmd.reply <- sub

	case "unsubscribe":
		a.mu.Lock()
		if sub, ok := a.subscribers[cmd.subID]; ok {
			close(sub.ch)
			delete(a.subscribers, cmd.subID)
		}
		a.mu.Unlock()

	case "get_state":
		cmd.reply <- a.state

	case "get_stats":
		var activeChildren int
		if a.budgetTracker != nil && a.budgetRunID != "" {
			activeChildren, _ = a.budgetTracker.ActiveChildren(a.budgetRunID)
		}
		cmd.reply <- Stats{
			EntryCount:     a.conv.Count(),
			TurnIndex:      a.turnIndex,
			State:          a.state,
			ActiveChildren: activeChildren,
		}

	case "abort":
		if *streamCancel != nil {
			(*streamCancel)()
		}
		*streamEvents = nil
		a.steerQueue = nil
		a.state = StateIdle
		a.recordTurn("canceled")
		a.broadcastTerminal(Frame{Terminal: true, Kind: "canceled", Reason: "aborted"})

	default:
		// Unknown command kinds are ignored rather than crashing the
		// actor.
	}
}

func (a *Actor) beginTurn(text string, streamEvents *<-chan AgentEvent, streamCancel *context.CancelFunc) {
	a.conv.Append(&conversation.Entry{
		ID:   fmt.Sprintf("%s-%d", a.id, a.turnIndex),
		Type: conversation.EntryMessage,
		Role: conversation.RoleUser,
		Content: []conversation.ContentBlock{{Type: conversation.BlockText, Text: text}},
	})
	a.turnIndex++
	a.state = StatePreparing

	if a.tracer != nil {
		_, a.turnSpan = a.tracer.TraceTurn(context.Background(), a.id, a.model)
	}

	apiKey := ResolveAPIKey(a.provider, a.secrets)

	ctx, cancel := context.WithCancel(context.Background())
	*streamCancel = cancel
	a.turnCtx = ctx

	if a.streamFn == nil {
		a.finalizeError("no stream function configured", nil)
		return
	}

	events, err := a.streamFn(ctx, a.model, a.conv.Entries(), StreamOptions{APIKey: apiKey})
	if err != nil {
		a.finalizeError(err.Error(), nil)
		return
	}
	*streamEvents = events
	a.state = StateStreaming
}

func (a *Actor) handleStreamEvent(ev AgentEvent, streamEvents *<-chan AgentEvent, streamCancel *context.CancelFunc, recoveryResult *chan recoveryOutcome, toolResult *chan toolDispatchResult) {
	a.fanOut(ev)

	switch ev.Type {
	case EventToolCallStart:
		// purely informational; already fanned out above.

	case EventToolCallEnd:
		a.state = StateToolDispatch
		*toolResult = a.startToolDispatch(ev.ToolCall)

	case EventMessageEnd:
		a.persistMessage(ev.Message)
		if ev.StopReason == StopReasonAborted {
			a.finalizeCanceled("assistant_aborted")
			*streamEvents = nil
		}

	case EventAgentEnd:
		a.finalizeAgentEnd(ev.Messages, streamEvents, streamCancel)

	case EventError:
		*streamEvents = nil
		if ev.ErrorCode == ErrorCodeContextLengthExceeded && a.recovery != nil && a.recovery.CanAttempt(a.id) {
			a.beginOverflowRecovery(recoveryResult)
			return
		}
		a.finalizeError(ev.ErrorReason, ev.PartialState)

	case EventCanceled:
		*streamEvents = nil
		a.finalizeCanceled(ev.CancelReason)
	}
}

func (a *Actor) continueTurn(streamEvents *<-chan AgentEvent, streamCancel *context.CancelFunc) {
	apiKey := ResolveAPIKey(a.provider, a.secrets)
	ctx, cancel := context.WithCancel(context.Background())
	*streamCancel = cancel
	a.turnCtx = ctx

	events, err := a.streamFn(ctx, a.model, a.conv.Entries(), StreamOptions{APIKey: apiKey})
	if err != nil {
		a.finalizeError(err.Error(), nil)
		return
	}
	*streamEvents = events
}

func (a *Actor) persistMessage(msg *conversation.Entry) {
	if msg == nil {
		return
	}
	a.conv.Append(msg)
}

func (a *Actor) finalizeAgentEnd(messages []*conversation.Entry, streamEvents *<-chan AgentEvent, streamCancel *context.CancelFunc) {
	*streamEvents = nil
	a.recordTurn("agent_end")
	a.broadcastTerminal(Frame{Terminal: true, Kind: "agent_end", Messages: messages})

	if len(a.steerQueue) > 0 {
		next := strings.Join(a.steerQueue, "\n")
		a.steerQueue = nil
		a.beginTurn(next, streamEvents, streamCancel)
		return
	}
	a.state = StateIdle
}

func (a *Actor) finalizeError(reason string, partial any) {
	a.recordTurn("error")
	a.broadcastTerminal(Frame{Terminal: true, Kind: "error", Reason: reason, PartialState: partial})
	a.steerQueue = nil
	a.state = StateIdle
}

func (a *Actor) finalizeCanceled(reason string) {
	a.recordTurn("canceled")
	a.broadcastTerminal(Frame{Terminal: true, Kind: "canceled", Reason: reason})
	a.steerQueue = nil
	a.state = StateIdle
}

func (a *Actor) recordTurn(outcome string) {
	if a.metrics != nil {
		a.metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	}
	a.endTurnSpan()
}

func (a *Actor) endTurnSpan() {
	if a.turnSpan != nil {
		a.turnSpan.End()
		a.turnSpan = nil
	}
}

func (a *Actor) fanOut(ev AgentEvent) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	frame := Frame{Event: &ev}
	for _, sub := range a.subscribers {
		if sub.mode != ModeStream {
			continue
		}
		select {
		case sub.ch <- frame:
		default:
		}
	}
}

func (a *Actor) broadcastTerminal(f Frame) {
	f.Terminal = true
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, sub := range a.subscribers {
		select {
		case sub.ch <- f:
		default:
		}
	}
}

// toolDispatchResult carries a completed tool call back to the actor's
// mailbox loop, which is the only goroutine allowed to touch
// conversation/metrics state.
type toolDispatchResult struct {
	callID   string
	content  string
	details  map[string]any
	trust    conversation.Trust
	source   ToolSource
	outcome  string
	duration time.Duration
}

// startToolDispatch resolves and policy-gates a tool call on the
// actor's own goroutine, then runs the (potentially slow or blocking)
// Execute call on a separate goroutine so the mailbox loop stays free
// to process an abort while the tool call is in flight. The turn's
// context is canceled by Abort, so any tool that honors ctx returns
// promptly; tools that ignore ctx still leak a goroutine until they
// return, but no longer wedge the actor.
func (a *Actor) startToolDispatch(call *ToolCall) chan toolDispatchResult {
	out := make(chan toolDispatchResult, 1)
	if call == nil {
		close(out)
		return out
	}

	tool, known := a.tools[call.Name]
	if !known {
		out <- toolDispatchResult{callID: call.CallID, content: fmt.Sprintf("unknown tool: %s", call.Name), trust: conversation.TrustTrusted, source: ToolSourceLocal, outcome: "error"}
		return out
	}

	started := time.Now()
	ctx := a.turnCtx
	if ctx == nil {
		ctx = context.Background()
	}
	var span trace.Span
	if a.tracer != nil {
		ctx, span = a.tracer.TraceToolExecution(ctx, tool.Name, string(tool.Source))
	}
	if a.toolPolicy != nil && requiresPolicyCheck(tool) {
		ok, reason := a.toolPolicy.Check(ctx, tool.Name, a.approvalFn, ApprovalRequest{ToolName: tool.Name, Capabilities: tool.Capabilities, SessionID: a.id})
		if !ok {
			if span != nil {
				span.End()
			}
			out <- toolDispatchResult{callID: call.CallID, content: "denied: " + reason, trust: conversation.TrustTrusted, source: tool.Source, outcome: "denied", duration: time.Since(started)}
			return out
		}
	}

	go func() {
		if span != nil {
			defer span.End()
		}
		result, err := tool.Execute(ctx, call.CallID, call.Params, a.cwd)
		if err != nil {
			out <- toolDispatchResult{callID: call.CallID, content: err.Error(), trust: conversation.TrustTrusted, source: tool.Source, outcome: "error", duration: time.Since(started)}
			return
		}
		trust := result.Trust
		if trust == "" {
			trust = tool.Trust
		}
		if tool.Source == ToolSourceSidecar {
			trust = conversation.TrustUntrusted
		}
		out <- toolDispatchResult{callID: call.CallID, content: result.Content, details: result.Details, trust: trust, source: tool.Source, outcome: "ok", duration: time.Since(started)}
	}()
	return out
}

// finishToolDispatch applies a completed tool call's result to
// conversation/metrics state. Always called from the mailbox loop.
func (a *Actor) finishToolDispatch(tr toolDispatchResult) {
	a.appendToolResult(tr.callID, ToolResult{Content: tr.content, Details: tr.details, Trust: tr.trust}, tr.trust)
	a.recordToolExecution(tr.source, tr.outcome, tr.duration)
}

func (a *Actor) recordToolExecution(source ToolSource, outcome string, d time.Duration) {
	if a.metrics == nil {
		return
	}
	a.metrics.ToolExecutionsTotal.WithLabelValues(string(source), outcome).Inc()
	a.metrics.ToolExecutionDuration.WithLabelValues(string(source)).Observe(d.Seconds())
}

func requiresPolicyCheck(t Tool) bool {
	for _, c := range t.Capabilities {
		switch c {
		case "http", "tool_invoke", "secrets":
			return true
		}
	}
	return false
}

func (a *Actor) appendToolResult(callID string, result ToolResult, trust conversation.Trust) {
	entry := &conversation.Entry{
		ID:   callID,
		Type: conversation.EntryToolResult,
		Role: conversation.RoleToolResult,
		Trust: trust,
		Content: []conversation.ContentBlock{{Type: conversation.BlockText, Text: result.Content}},
	}
	if result.Details != nil {
		entry.Metadata = result.Details
	}

	if trust == conversation.TrustUntrusted {
		wrapped := untrusted.Wrap([]*conversation.Entry{entry}, untrusted.Options{Source: "sidecar_tool", IncludeWarning: true})
		entry = wrapped[0]
	}
	a.conv.Append(entry)
}

type recoveryOutcome struct {
	sig     compaction.Signature
	outcome compaction.Outcome
	reason  string
	entries []*conversation.Entry
}

func (a *Actor) beginOverflowRecovery(recoveryResult *chan recoveryOutcome) {
	sig := compaction.Signature{
		SessionID:  a.id,
		LeafID:     a.conv.LeafID(),
		EntryCount: a.conv.Count(),
		TurnIndex:  a.turnIndex,
		Provider:   a.provider.Name,
		ModelID:    a.model,
	}
	a.recovery.Begin(a.id, sig)

	out := make(chan recoveryOutcome, 1)
	*recoveryResult = out

	entries := a.conv.Entries()
	hooks := a.hooks
	go func(sig compaction.Signature, entries []*conversation.Entry) {
		ctx, cancel := context.WithTimeout(context.Background(), defaultRecoveryTimeout)
		defer cancel()

		if hooks != nil {
			hooks.ExecuteHooks(ctx, sig.SessionID, entries)
		}

		select {
		case <-ctx.Done():
			out <- recoveryOutcome{sig: sig, outcome: compaction.OutcomeError, reason: "recovery timed out"}
		default:
			compacted := compactEntries(entries)
			out <- recoveryOutcome{sig: sig, outcome: compaction.OutcomeOK, entries: compacted}
		}
	}(sig, entries)
}

// compactEntries is the default, deliberately simple compaction
// strategy: keep the first entry (often a system/task framing
// message) and the most recent half of the log. A session wanting a
// smarter strategy supplies its own hook that mutates entries before
// this point via execute_hooks.
func compactEntries(entries []*conversation.Entry) []*conversation.Entry {
	if len(entries) <= 2 {
		return entries
	}
	keep := len(entries) / 2
	if keep < 1 {
		keep = 1
	}
	out := make([]*conversation.Entry, 0, keep+1)
	out = append(out, entries[0])
	out = append(out, entries[len(entries)-keep:]...)
	return out
}

func (a *Actor) handleRecoveryOutcome(rr recoveryOutcome, streamEvents *<-chan AgentEvent, streamCancel *context.CancelFunc) {
	accepted := a.recovery.Complete(a.id, rr.sig, rr.outcome, rr.reason)
	if !accepted {
		// Stale result; session signature has moved on.
		return
	}

	if a.metrics != nil {
		a.metrics.OverflowRecoveriesTotal.WithLabelValues(string(rr.outcome)).Inc()
	}

	switch rr.outcome {
	case compaction.OutcomeOK:
		a.conv.Replace(rr.entries)
		a.continueTurn(streamEvents, streamCancel)
	case compaction.OutcomeError:
		a.finalizeError(rr.reason, nil)
	}
}
