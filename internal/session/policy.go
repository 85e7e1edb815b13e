package session

import "context"

// ToolPolicy gates execution of capability-requiring sidecar tools
// (http, tool_invoke, secrets) for one session.
type ToolPolicy struct {
	// AllowAll, when true, allows every tool (Allow set is ignored).
	AllowAll bool
	Allow    map[string]bool
	Deny     map[string]bool

	// RequireApproval names tools that need an explicit grant before
	// their first use, unless already present in Approvals.
	RequireApproval map[string]bool
	Approvals       map[string]bool
}

// ApprovalRequest is passed to an ApprovalRequestFunc when a tool
// needs approval and none has been granted yet.
type ApprovalRequest struct {
	ToolName     string
	Capabilities []string
	SessionID    string
}

// ApprovalDecision is the result of consulting an
// ApprovalRequestFunc.
type ApprovalDecision string

const (
	ApprovalGranted ApprovalDecision = "granted"
	ApprovalDenied  ApprovalDecision = "denied"
)

// ApprovalRequestFunc is consulted when a tool requires approval and
// none is already recorded.
type ApprovalRequestFunc func(ctx context.Context, req ApprovalRequest) ApprovalDecision

// Check reports whether toolName may run under p. A denied call
// returns ok=false with a user-visible reason, matching the spec's
// "denied" tool result rather than a hard session error.
func (p *ToolPolicy) Check(ctx context.Context, toolName string, approve ApprovalRequestFunc, req ApprovalRequest) (ok bool, reason string) {
	if p == nil {
		return true, ""
	}
	if p.Deny != nil && p.Deny[toolName] {
		return false, "denied by policy"
	}
	if !p.AllowAll && p.Allow != nil && !p.Allow[toolName] {
		return false, "not in allow list"
	}

	if p.RequireApproval == nil || !p.RequireApproval[toolName] {
		return true, ""
	}
	if p.Approvals != nil && p.Approvals[toolName] {
		return true, ""
	}
	if approve == nil {
		return false, "denied"
	}
	if approve(ctx, req) == ApprovalGranted {
		if p.Approvals == nil {
			p.Approvals = make(map[string]bool)
		}
		p.Approvals[toolName] = true
		return true, ""
	}
	return false, "denied"
}
