package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/z80dev/lemon-sub002/internal/subagent"
)

const runSubagentsToolName = "run_subagents"

// newRunSubagentsTool wires the subagent coordinator in as the
// built-in run_subagents tool: the model submits a batch of specs as
// JSON and blocks (from the turn's perspective) until every spec
// resolves. If the actor has a budget attached, a spawn attempt while
// the budget is exhausted is refused before the coordinator ever sees
// the batch — a budget_exceeded tool-result error, not a turn failure.
func newRunSubagentsTool(a *Actor) Tool {
	return Tool{
		Name:        runSubagentsToolName,
		Description: "Run a batch of subagent specs concurrently and return their results in order.",
		Source:      ToolSourceLocal,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"specs": map[string]any{"type": "array"},
				"timeout_ms": map[string]any{"type": "integer"},
			},
			"required": []string{"specs"},
		},
		Execute: func(ctx context.Context, callID string, paramsJSON []byte, cwd string) (ToolResult, error) {
			if a.budgetTracker != nil && a.budgetRunID != "" {
				canSpawn, err := a.budgetTracker.CanSpawnChild(a.budgetRunID)
				if err != nil {
					return ToolResult{}, err
				}
				if !canSpawn {
					if a.metrics != nil {
						a.metrics.BudgetExceededTotal.WithLabelValues("child_limit_exceeded").Inc()
					}
					return ToolResult{Content: "budget_exceeded: no further subagents may be spawned"}, nil
				}
			}

			var params struct {
				Specs     []subagent.Spec `json:"specs"`
				TimeoutMS int             `json:"timeout_ms"`
			}
			if err := json.Unmarshal(paramsJSON, &params); err != nil {
				return ToolResult{}, fmt.Errorf("invalid run_subagents params: %w", err)
			}

			trackBudget := a.budgetTracker != nil && a.budgetRunID != ""
			if trackBudget {
				for range params.Specs {
					_ = a.budgetTracker.ChildStarted(a.budgetRunID)
				}
				defer func() {
					for range params.Specs {
						_ = a.budgetTracker.ChildCompleted(a.budgetRunID, "")
					}
				}()
			}

			results := a.coordinator.RunSubagents(ctx, params.Specs, subagent.Options{TimeoutMS: params.TimeoutMS})
			out, err := json.Marshal(results)
			if err != nil {
				return ToolResult{}, err
			}
			return ToolResult{Content: string(out)}, nil
		},
	}
}
