package budget

import (
	"errors"
	"testing"
)

func int64p(v int64) *int64     { return &v }
func floatp(v float64) *float64 { return &v }
func intp(v int) *int           { return &v }

func TestNilLimitsNeverExceed(t *testing.T) {
	tr := NewTracker()
	tr.CreateBudget("r1", Limits{})

	_ = tr.RecordUsage("r1", int64p(1_000_000), floatp(1_000_000))
	if _, err := tr.CheckBudget("r1"); err != nil {
		t.Fatalf("expected no error with unlimited budget, got %v", err)
	}
}

func TestChildBudgetOnlyTightens(t *testing.T) {
	tr := NewTracker()
	tr.CreateBudget("parent", Limits{MaxTokens: int64p(1000), MaxCost: floatp(10)})

	child, err := tr.CreateSubagentBudget("parent", "child1", Limits{MaxTokens: int64p(2000)})
	if err != nil {
		t.Fatalf("create subagent budget: %v", err)
	}
	if *child.Limits.MaxTokens != 1000 {
		t.Fatalf("child should inherit tighter parent limit, got %d", *child.Limits.MaxTokens)
	}

	child2, err := tr.CreateSubagentBudget("parent", "child2", Limits{MaxTokens: int64p(500)})
	if err != nil {
		t.Fatalf("create subagent budget: %v", err)
	}
	if *child2.Limits.MaxTokens != 500 {
		t.Fatalf("child should tighten to 500, got %d", *child2.Limits.MaxTokens)
	}
}

func TestBudgetAggregationS4(t *testing.T) {
	tr := NewTracker()
	tr.CreateBudget("parent", Limits{MaxTokens: int64p(1000)})
	tr.CreateSubagentBudget("parent", "child", Limits{})

	if err := tr.ChildStarted("parent"); err != nil {
		t.Fatalf("child started: %v", err)
	}
	if err := tr.RecordUsage("child", int64p(100), floatp(0.5)); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if err := tr.ChildCompleted("parent", "child"); err != nil {
		t.Fatalf("child completed: %v", err)
	}

	tokens, cost, err := tr.GetUsage("parent")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if tokens != 100 || cost != 0.5 {
		t.Fatalf("parent usage = %d/%f, want 100/0.5", tokens, cost)
	}

	rem, err := tr.CheckBudget("parent")
	if err != nil {
		t.Fatalf("check budget: %v", err)
	}
	if rem.TokensRemaining == nil || *rem.TokensRemaining != 900 {
		t.Fatalf("tokens remaining = %v, want 900", rem.TokensRemaining)
	}
}

func TestCanSpawnChild(t *testing.T) {
	tr := NewTracker()
	tr.CreateBudget("r1", Limits{MaxChildren: intp(1)})

	ok, _ := tr.CanSpawnChild("r1")
	if !ok {
		t.Fatal("expected ability to spawn first child")
	}
	_ = tr.ChildStarted("r1")
	ok, _ = tr.CanSpawnChild("r1")
	if ok {
		t.Fatal("expected child limit to block further spawns")
	}
}

func TestCheckBudgetExceeded(t *testing.T) {
	tr := NewTracker()
	tr.CreateBudget("r1", Limits{MaxTokens: int64p(100)})
	_ = tr.RecordUsage("r1", int64p(150), nil)

	_, err := tr.CheckBudget("r1")
	if err == nil {
		t.Fatal("expected budget exceeded error")
	}
	var exc *ExceededError
	if !errors.As(err, &exc) {
		t.Fatalf("expected ExceededError, got %T", err)
	}
	if exc.Type != ExceededTokenLimit {
		t.Fatalf("type = %v, want token_limit_exceeded", exc.Type)
	}
}
