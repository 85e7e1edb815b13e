package session

import (
	"context"

	"github.com/z80dev/lemon-sub002/internal/conversation"
)

// AgentEventType discriminates the events a StreamFn emits while
// driving one model turn.
type AgentEventType string

const (
	EventStart          AgentEventType = "start"
	EventTextStart       AgentEventType = "text_start"
	EventTextDelta       AgentEventType = "text_delta"
	EventTextEnd         AgentEventType = "text_end"
	EventToolCallStart   AgentEventType = "tool_call_start"
	EventToolCallEnd     AgentEventType = "tool_call_end"
	EventMessageEnd      AgentEventType = "message_end"
	EventAgentEnd        AgentEventType = "agent_end"
	EventError           AgentEventType = "error"
	EventCanceled        AgentEventType = "canceled"
)

// StopReason values carried by an EventMessageEnd.
const (
	StopReasonAborted = "aborted"
)

// ErrorCode values carried by an EventError.
const (
	ErrorCodeContextLengthExceeded = "context_length_exceeded"
)

// ToolCall is the parsed request the model made at tool_call_end.
type ToolCall struct {
	CallID string
	Name   string
	Params []byte
}

// AgentEvent is one event from a StreamFn's channel.
type AgentEvent struct {
	Type AgentEventType

	Text string // text_delta

	ToolCall *ToolCall // tool_call_start / tool_call_end

	Message *conversation.Entry // message_end
	StopReason string            // message_end

	Messages []*conversation.Entry // agent_end

	ErrorCode    string // error
	ErrorReason  string // error
	PartialState any    // error

	CancelReason string // canceled
}

// StreamOptions carries the per-turn inputs a StreamFn needs beyond
// the model name and context.
type StreamOptions struct {
	APIKey string
}

// StreamFn drives one model turn and returns a channel of events,
// closed when the turn (or tool round) completes.
type StreamFn func(ctx context.Context, model string, entries []*conversation.Entry, opts StreamOptions) (<-chan AgentEvent, error)

// ToolResult is what a tool execution produces, regardless of
// dispatch target (local/extension/sidecar).
type ToolResult struct {
	Content string
	Trust   conversation.Trust
	Details map[string]any
}

// ToolExecuteFunc runs one tool call.
type ToolExecuteFunc func(ctx context.Context, callID string, paramsJSON []byte, cwd string) (ToolResult, error)

// ToolSource names where a tool descriptor came from, determining
// dispatch.
type ToolSource string

const (
	ToolSourceLocal     ToolSource = "local"
	ToolSourceExtension ToolSource = "extension"
	ToolSourceSidecar   ToolSource = "sidecar"
)

// Tool is the uniform shape every dispatch target exposes.
type Tool struct {
	Name         string
	Description  string
	Parameters   map[string]any
	Label        string
	Source       ToolSource
	Capabilities []string
	Trust        conversation.Trust
	Execute      ToolExecuteFunc
}
