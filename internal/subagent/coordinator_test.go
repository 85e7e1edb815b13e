package subagent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/z80dev/lemon-sub002/internal/observability"
)

func sleepyExecutor(d time.Duration) Executor {
	return func(ctx context.Context, spec Spec) (string, string, error) {
		select {
		case <-time.After(d):
			return "ok", "sess-1", nil
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
}

func erroringExecutor(msg string) Executor {
	return func(ctx context.Context, spec Spec) (string, string, error) {
		return "", "", errors.New(msg)
	}
}

// TestMixedFailureOrdering implements scenario S3: 5 specs where
// positions 1 and 3 have invalid types; results preserve order, the
// invalid positions are status:error with the "Unknown subagent: "
// message, and list_active is empty once the call returns.
func TestMixedFailureOrdering(t *testing.T) {
	c := New(50*time.Millisecond, map[string]Executor{
		"researcher": sleepyExecutor(time.Second), // will time out
		"coder":      erroringExecutor("build failed"),
	})

	specs := []Spec{
		{Type: "researcher"},
		{Type: "bogus-type-a"},
		{Type: "coder"},
		{Type: "bogus-type-b"},
		{Type: "researcher"},
	}

	results := c.RunSubagents(context.Background(), specs, Options{})

	if len(results) != 5 {
		t.Fatalf("got %d results, want 5", len(results))
	}
	if results[1].Status != StatusError || results[1].Error != "Unknown subagent: bogus-type-a" {
		t.Fatalf("results[1] = %+v", results[1])
	}
	if results[3].Status != StatusError || results[3].Error != "Unknown subagent: bogus-type-b" {
		t.Fatalf("results[3] = %+v", results[3])
	}
	if results[0].Status != StatusTimeout {
		t.Fatalf("results[0] = %+v, want timeout", results[0])
	}
	if results[2].Status != StatusError || results[2].Error != "build failed" {
		t.Fatalf("results[2] = %+v", results[2])
	}
	if results[4].Status != StatusTimeout {
		t.Fatalf("results[4] = %+v, want timeout", results[4])
	}

	seen := make(map[string]bool, 5)
	for _, r := range results {
		if seen[r.ID] {
			t.Fatalf("duplicate result ID %q", r.ID)
		}
		seen[r.ID] = true
	}

	if active := c.ListActive(); len(active) != 0 {
		t.Fatalf("list_active = %v, want empty after batch completion", active)
	}
}

func TestZeroTimeoutYieldsImmediateTimeout(t *testing.T) {
	c := New(time.Minute, map[string]Executor{
		"researcher": sleepyExecutor(time.Millisecond),
	})
	results := c.RunSubagents(context.Background(), []Spec{{Type: "researcher"}}, WithZeroTimeout())
	if results[0].Status != StatusTimeout {
		t.Fatalf("status = %v, want timeout", results[0].Status)
	}
}

func TestLargeTimeoutIsHonored(t *testing.T) {
	c := New(time.Millisecond, map[string]Executor{
		"researcher": sleepyExecutor(20 * time.Millisecond),
	})
	results := c.RunSubagents(context.Background(), []Spec{{Type: "researcher"}}, Options{TimeoutMS: 5000})
	if results[0].Status != StatusDone {
		t.Fatalf("status = %v, want done", results[0].Status)
	}
}

func TestAbortAllCancelsActiveRunsAndIsIdempotent(t *testing.T) {
	c := New(time.Minute, map[string]Executor{
		"researcher": sleepyExecutor(time.Minute),
	})

	done := make(chan []Result, 1)
	go func() {
		done <- c.RunSubagents(context.Background(), []Spec{{Type: "researcher"}, {Type: "researcher"}}, Options{})
	}()

	deadline := time.Now().Add(time.Second)
	for len(c.ListActive()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	aborted := c.AbortAll()
	if len(aborted) != 2 {
		t.Fatalf("aborted = %v, want 2 IDs", aborted)
	}

	results := <-done
	for _, r := range results {
		if r.Status != StatusError {
			t.Fatalf("expected aborted run to surface as error, got %+v", r)
		}
	}

	if active := c.ListActive(); len(active) != 0 {
		t.Fatalf("list_active after abort_all = %v, want empty", active)
	}

	// idempotent on an empty coordinator
	if aborted2 := c.AbortAll(); len(aborted2) != 0 {
		t.Fatalf("AbortAll on empty coordinator = %v, want empty", aborted2)
	}
}

func TestEmptyBatchReturnsEmptyResults(t *testing.T) {
	c := New(time.Second, nil)
	results := c.RunSubagents(context.Background(), nil, Options{})
	if len(results) != 0 {
		t.Fatalf("got %d results, want 0", len(results))
	}
}

func TestPanicInExecutorBecomesError(t *testing.T) {
	c := New(time.Second, map[string]Executor{
		"panicky": func(ctx context.Context, spec Spec) (string, string, error) {
			panic("boom")
		},
	})
	results := c.RunSubagents(context.Background(), []Spec{{Type: "panicky"}}, Options{})
	if results[0].Status != StatusError {
		t.Fatalf("status = %v, want error", results[0].Status)
	}
}

func TestWithTracerDoesNotDisruptRun(t *testing.T) {
	tracer, shutdown := observability.NewTracer(observability.TraceConfig{ServiceName: "test"})
	defer func() { _ = shutdown(context.Background()) }()

	c := New(time.Second, map[string]Executor{
		"echo": func(ctx context.Context, spec Spec) (string, string, error) {
			return "ok", "sess-1", nil
		},
	}).WithTracer(tracer)

	results := c.RunSubagents(context.Background(), []Spec{{Type: "echo"}}, Options{})
	if len(results) != 1 || results[0].Status != StatusDone {
		t.Fatalf("results = %+v, want one done result", results)
	}
}
