// Package subagent implements bounded parallel execution of child
// session specs: a batch of specs is run concurrently, each isolated
// from the others' failures, with per-batch timeout and abort.
package subagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/z80dev/lemon-sub002/internal/observability"
)

// Status is the terminal state of one subagent run.
type Status string

const (
	StatusDone    Status = "done"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Spec describes one subagent to run.
type Spec struct {
	Type         string
	Task         string
	AllowedTools []string
	DeniedTools  []string
}

// Result is one entry of a run_subagents batch, in the same order as
// the input specs.
type Result struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Executor runs one spec to completion. It must respect ctx
// cancellation (abort_all / timeout) and must never panic across the
// coordinator boundary — the coordinator recovers panics into an
// error result regardless, but a well-behaved executor returns an
// error instead.
type Executor func(ctx context.Context, spec Spec) (result, sessionID string, err error)

// Options configures one run_subagents call.
type Options struct {
	// TimeoutMS overrides the coordinator's default timeout for this
	// call only. Zero means "use the coordinator default"; use
	// WithZeroTimeout to request an immediate timeout.
	TimeoutMS int
}

// explicitZeroTimeoutMS, when set as Options.TimeoutMS via
// WithZeroTimeout, yields an immediate timeout for every spec in the
// batch rather than falling back to the coordinator default.
const explicitZeroTimeoutMS = -1

// WithZeroTimeout returns Options whose TimeoutMS requests an
// immediate timeout (timeout_ms = 0 in the spec's terms), as distinct
// from omitting TimeoutMS entirely.
func WithZeroTimeout() Options {
	return Options{TimeoutMS: explicitZeroTimeoutMS}
}

type activeRun struct {
	spec   Spec
	cancel context.CancelFunc
}

// Coordinator executes batches of subagent specs.
type Coordinator struct {
	mu             sync.Mutex
	executors      map[string]Executor
	defaultTimeout time.Duration
	active         map[string]*activeRun
	seq            uint64
	metrics        *observability.Metrics
	tracer         *observability.Tracer
}

// New creates a coordinator. defaultTimeout is used whenever a
// run_subagents call does not override it via Options.
func New(defaultTimeout time.Duration, executors map[string]Executor) *Coordinator {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Minute
	}
	ex := make(map[string]Executor, len(executors))
	for k, v := range executors {
		ex[k] = v
	}
	return &Coordinator{
		executors:      ex,
		defaultTimeout: defaultTimeout,
		active:         make(map[string]*activeRun),
	}
}

// WithMetrics attaches a Prometheus collector set; every result the
// coordinator produces afterward increments SubagentRunsTotal by
// status. Passing nil disables metrics (the default).
func (c *Coordinator) WithMetrics(m *observability.Metrics) *Coordinator {
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
	return c
}

// WithTracer attaches a tracer; every run started afterward is wrapped
// in a subagent.run span.
func (c *Coordinator) WithTracer(t *observability.Tracer) *Coordinator {
	c.mu.Lock()
	c.tracer = t
	c.mu.Unlock()
	return c
}

func (c *Coordinator) recordResult(status Status) {
	c.mu.Lock()
	m := c.metrics
	c.mu.Unlock()
	if m != nil {
		m.SubagentRunsTotal.WithLabelValues(string(status)).Inc()
	}
}

// RunSubagents executes every spec concurrently and returns results
// in the same order as specs. Invalid specs (unknown type) fail fast
// with a status:error result and never occupy a deadline slot.
func (c *Coordinator) RunSubagents(ctx context.Context, specs []Spec, opts Options) []Result {
	results := make([]Result, len(specs))
	if len(specs) == 0 {
		return results
	}

	timeout := c.resolveTimeout(opts)

	var wg sync.WaitGroup
	for i, spec := range specs {
		id := c.nextID()

		executor, ok := c.lookupExecutor(spec.Type)
		if !ok {
			results[i] = Result{ID: id, Status: StatusError, Error: fmt.Sprintf("Unknown subagent: %s", spec.Type)}
			c.recordResult(StatusError)
			continue
		}

		wg.Add(1)
		go func(i int, id string, spec Spec, executor Executor) {
			defer wg.Done()
			r := c.runOne(ctx, id, spec, executor, timeout)
			results[i] = r
			c.recordResult(r.Status)
		}(i, id, spec, executor)
	}
	wg.Wait()

	return results
}

func (c *Coordinator) resolveTimeout(opts Options) time.Duration {
	switch {
	case opts.TimeoutMS == explicitZeroTimeoutMS:
		return 0
	case opts.TimeoutMS > 0:
		return time.Duration(opts.TimeoutMS) * time.Millisecond
	default:
		return c.defaultTimeout
	}
}

func (c *Coordinator) runOne(ctx context.Context, id string, spec Spec, executor Executor, timeout time.Duration) Result {
	c.mu.Lock()
	tracer := c.tracer
	c.mu.Unlock()
	if tracer != nil {
		var span trace.Span
		ctx, span = tracer.TraceSubagentRun(ctx, id, spec.Type)
		defer span.End()
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.mu.Lock()
	c.active[id] = &activeRun{spec: spec, cancel: cancel}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, id)
		c.mu.Unlock()
	}()

	// timeout_ms = 0 must yield an immediate timeout without ever
	// invoking the executor.
	if timeout <= 0 {
		return Result{ID: id, Status: StatusTimeout}
	}

	type outcome struct {
		result    string
		sessionID string
		err       error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("subagent panicked: %v", r)}
			}
		}()
		result, sessionID, err := executor(runCtx, spec)
		done <- outcome{result: result, sessionID: sessionID, err: err}
	}()

	select {
	case <-runCtx.Done():
		if runCtx.Err() == context.Canceled {
			return Result{ID: id, Status: StatusError, Error: "subagent aborted"}
		}
		return Result{ID: id, Status: StatusTimeout}
	case o := <-done:
		if o.err != nil {
			return Result{ID: id, Status: StatusError, Error: o.err.Error()}
		}
		return Result{ID: id, Status: StatusDone, Result: o.result, SessionID: o.sessionID}
	}
}

func (c *Coordinator) lookupExecutor(typ string) (Executor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ex, ok := c.executors[typ]
	return ex, ok
}

func (c *Coordinator) nextID() string {
	c.mu.Lock()
	c.seq++
	c.mu.Unlock()
	return uuid.NewString()
}

// ListActive returns the specs currently running. It is empty after
// batch completion, after AbortAll, and once every spec has timed
// out.
func (c *Coordinator) ListActive() []Spec {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Spec, 0, len(c.active))
	for _, r := range c.active {
		out = append(out, r.spec)
	}
	return out
}

// AbortAll cancels every active run and clears tracking. Safe to call
// on an empty coordinator. Returns the run IDs that were aborted, for
// observability.
func (c *Coordinator) AbortAll() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.active))
	for id, r := range c.active {
		ids = append(ids, id)
		r.cancel()
	}
	c.active = make(map[string]*activeRun)
	c.mu.Unlock()
	return ids
}
