// Package sidecar speaks the line-delimited JSON protocol to an
// out-of-process sandbox runtime over stdin/stdout: handshake,
// tool discovery, tool invocation, and host-callback re-entrancy.
package sidecar

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/z80dev/lemon-sub002/internal/observability"
	"go.opentelemetry.io/otel/trace"
)

// State is a channel's position in its lifecycle.
type State string

const (
	StateUnstarted State = "unstarted"
	StateStarted   State = "started"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
)

// HostToolFunc executes a host_call event raised by the sandbox for a
// reserved or host-side tool and returns the output JSON (or an
// error).
type HostToolFunc func(ctx context.Context, tool string, paramsJSON json.RawMessage) (json.RawMessage, error)

// ApprovalFunc is consulted before the first use of a tool whose
// capabilities require approval. A nil ApprovalFunc denies everything
// that requires approval.
type ApprovalFunc func(toolName string, capabilities []string) bool

// Options configures a Channel.
type Options struct {
	Logger           *slog.Logger
	MaxToolInvokeDepth int
	HostTool         HostToolFunc
	Approve          ApprovalFunc
	RequestTimeout   time.Duration
}

// Channel is one sandbox connection.
type Channel struct {
	logger  *slog.Logger
	stdin   io.WriteCloser
	scanner *bufio.Scanner

	maxDepth       int
	hostTool       HostToolFunc
	approve        ApprovalFunc
	requestTimeout time.Duration

	mu            sync.Mutex
	state         State
	pending       map[string]chan Frame
	depth         map[string]int
	approvedTools map[string]bool
	tools         map[string]ToolDescriptor
	schemas       map[string]*jsonschema.Schema
	metrics       *observability.Metrics
	tracer        *observability.Tracer

	writeMu sync.Mutex
	idSeq   atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	process *exec.Cmd
}

// NewChannel builds a channel over an already-connected pair of
// pipes. This is the low-level constructor used directly by tests
// (with io.Pipe) and indirectly by StartProcess.
func NewChannel(stdin io.WriteCloser, stdout io.Reader, opts Options) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxDepth := opts.MaxToolInvokeDepth
	if maxDepth <= 0 {
		maxDepth = 4
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	c := &Channel{
		logger:         logger,
		stdin:          stdin,
		scanner:        scanner,
		maxDepth:       maxDepth,
		hostTool:       opts.HostTool,
		approve:        opts.Approve,
		requestTimeout: timeout,
		state:          StateStarted,
		pending:        make(map[string]chan Frame),
		depth:          make(map[string]int),
		approvedTools:  make(map[string]bool),
		tools:          make(map[string]ToolDescriptor),
		schemas:        make(map[string]*jsonschema.Schema),
		stopCh:         make(chan struct{}),
	}

	c.wg.Add(1)
	go c.readLoop()

	return c
}

// StartProcess spawns the sandbox runtime binary and wires a Channel
// to its stdin/stdout. A failure here is non-fatal to the owning
// session: the caller is expected to fall back to an empty tool list
// and a wasm_status describing why.
func StartProcess(ctx context.Context, binaryPath string, args []string, opts Options) (*Channel, error) {
	cmd := exec.CommandContext(ctx, binaryPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sidecar process: %w", err)
	}

	c := NewChannel(stdin, stdout, opts)
	c.process = cmd
	return c, nil
}

// WithMetrics attaches a Prometheus collector set; Invoke calls made
// after this point are counted by outcome.
func (c *Channel) WithMetrics(m *observability.Metrics) *Channel {
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
	return c
}

// WithTracer attaches a tracer; Invoke calls made after this point are
// wrapped in a sidecar.invoke span.
func (c *Channel) WithTracer(t *observability.Tracer) *Channel {
	c.mu.Lock()
	c.tracer = t
	c.mu.Unlock()
	return c
}

func (c *Channel) recordInvoke(outcome string) {
	c.mu.Lock()
	m := c.metrics
	c.mu.Unlock()
	if m != nil {
		m.SidecarInvokesTotal.WithLabelValues(outcome).Inc()
	}
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Hello performs the handshake. It must be the first call on a fresh
// channel.
func (c *Channel) Hello(ctx context.Context) (version, name string, err error) {
	resp, err := c.roundTrip(ctx, Frame{Type: "hello"})
	if err != nil {
		return "", "", err
	}
	c.setState(StateReady)
	return resp.Version, resp.Name, nil
}

// Discover enumerates the sandbox's available tools and caches their
// capabilities for the approval gate.
func (c *Channel) Discover(ctx context.Context) (tools []ToolDescriptor, warnings, errs []string, err error) {
	resp, err := c.roundTrip(ctx, Frame{Type: "discover"})
	if err != nil {
		return nil, nil, nil, err
	}

	c.mu.Lock()
	for _, t := range resp.Tools {
		c.tools[t.Name] = t
		if schema, err := compileParamSchema(t.Schema); err != nil {
			c.logger.Warn("sidecar: tool schema did not compile, params will go unvalidated", "tool", t.Name, "error", err)
		} else if schema != nil {
			c.schemas[t.Name] = schema
		}
	}
	c.mu.Unlock()

	return resp.Tools, resp.Warnings, resp.Errors, nil
}

// compileParamSchema compiles a discovered tool's JSON-schema
// parameter description. A nil or empty schema is not an error: the
// tool simply goes unvalidated.
func compileParamSchema(schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode tool schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add tool schema resource: %w", err)
	}
	return compiler.Compile("tool.schema.json")
}

// InvokeResult is the outcome of one Invoke call.
type InvokeResult struct {
	OutputJSON json.RawMessage
	Error      string
	Logs       []string
	Details    map[string]any
}

// Invoke runs a tool in the sandbox. If the tool's declared
// capabilities require approval and no approval has been granted this
// session, Invoke fails fast without contacting the sandbox.
func (c *Channel) Invoke(ctx context.Context, tool string, paramsJSON, callCtx json.RawMessage) (InvokeResult, error) {
	c.mu.Lock()
	tracer := c.tracer
	c.mu.Unlock()
	if tracer != nil {
		var span trace.Span
		ctx, span = tracer.TraceSidecarInvoke(ctx, tool)
		defer span.End()
	}

	if err := c.checkApproval(tool); err != nil {
		c.recordInvoke("denied")
		return InvokeResult{}, err
	}
	if err := c.validateParams(tool, paramsJSON); err != nil {
		c.recordInvoke("error")
		return InvokeResult{}, err
	}

	c.setState(StateRunning)
	resp, err := c.roundTrip(ctx, Frame{Type: "invoke", Tool: tool, ParamsJSON: paramsJSON, CallCtx: callCtx})
	if err != nil {
		c.recordInvoke("error")
		return InvokeResult{}, err
	}
	c.recordInvoke("ok")
	return InvokeResult{OutputJSON: resp.OutputJSON, Error: resp.Error, Logs: resp.Logs, Details: resp.Details}, nil
}

func (c *Channel) checkApproval(tool string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.approvedTools[tool] {
		return nil
	}
	descriptor, known := c.tools[tool]
	if !known || !requiresApproval(descriptor.Capabilities) {
		return nil
	}
	if c.approve != nil && c.approve(tool, descriptor.Capabilities) {
		c.approvedTools[tool] = true
		return nil
	}
	return fmt.Errorf("approval required for tool %q", tool)
}

// validateParams checks paramsJSON against the tool's discovered JSON
// schema, if one compiled successfully. Tools with no schema, or whose
// schema failed to compile, go unvalidated rather than blocking calls.
func (c *Channel) validateParams(tool string, paramsJSON json.RawMessage) error {
	c.mu.Lock()
	schema, ok := c.schemas[tool]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	var decoded any
	if err := json.Unmarshal(paramsJSON, &decoded); err != nil {
		return fmt.Errorf("tool %q params: invalid JSON: %w", tool, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("tool %q params failed schema validation: %w", tool, err)
	}
	return nil
}

// Shutdown asks the sandbox to stop and waits for its stopped
// acknowledgement.
func (c *Channel) Shutdown(ctx context.Context) error {
	c.setState(StateStopping)
	_, err := c.roundTrip(ctx, Frame{Type: "shutdown"})
	c.closeLocal(nil)
	return err
}

func (c *Channel) roundTrip(ctx context.Context, req Frame) (Frame, error) {
	id := c.nextID()
	req.ID = id

	respCh := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		delete(c.depth, id)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(req); err != nil {
		return Frame{}, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	select {
	case resp := <-respCh:
		if resp.Type == "error" {
			return Frame{}, fmt.Errorf("sidecar: %s", resp.Error)
		}
		return resp, nil
	case <-timeoutCtx.Done():
		return Frame{}, fmt.Errorf("sidecar request %q timed out: %w", req.Type, timeoutCtx.Err())
	case <-c.stopCh:
		return Frame{}, fmt.Errorf("sidecar channel stopped")
	}
}

func (c *Channel) writeFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal sidecar frame: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(data)
	if err != nil {
		return fmt.Errorf("write sidecar frame: %w", err)
	}
	return nil
}

func (c *Channel) nextID() string {
	n := c.idSeq.Add(1)
	return fmt.Sprintf("req-%d", n)
}

func (c *Channel) readLoop() {
	defer c.wg.Done()

	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			c.logger.Warn("sidecar: malformed frame", "error", err)
			continue
		}
		c.dispatch(f)
	}

	var closeErr error
	if err := c.scanner.Err(); err != nil {
		closeErr = fmt.Errorf("sidecar stdout error: %w", err)
	} else {
		closeErr = fmt.Errorf("sidecar stdout closed (EOF)")
	}
	c.closeLocal(closeErr)
}

func (c *Channel) dispatch(f Frame) {
	if f.Type == "event" && f.Event == "host_call" {
		go c.handleHostCall(f)
		return
	}

	if f.ID == "" {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- f:
	default:
	}
}

func (c *Channel) handleHostCall(ev Frame) {
	ctx := context.Background()

	c.mu.Lock()
	c.depth[ev.RequestID]++
	depth := c.depth[ev.RequestID]
	c.mu.Unlock()

	if depth > c.maxDepth {
		_ = c.writeFrame(Frame{Type: "host_call_result", ID: c.nextID(), CallID: ev.CallID, Error: "max_tool_invoke_depth exceeded"})
		c.failOutstanding(ev.RequestID, fmt.Errorf("max_tool_invoke_depth exceeded for %q", ev.Tool))
		return
	}

	var (
		output json.RawMessage
		errStr string
	)
	output, err := c.runHostTool(ctx, ev.Tool, ev.ParamsJSON)
	if err != nil {
		errStr = err.Error()
	}

	_ = c.writeFrame(Frame{Type: "host_call_result", ID: c.nextID(), CallID: ev.CallID, OutputJSON: output, Error: errStr})
}

func (c *Channel) runHostTool(ctx context.Context, tool string, paramsJSON json.RawMessage) (json.RawMessage, error) {
	if c.hostTool != nil {
		return c.hostTool(ctx, tool, paramsJSON)
	}
	return nil, fmt.Errorf("no host tool handler registered for %q", tool)
}

// failOutstanding delivers a synthetic error response to the pending
// request identified by requestID, used when depth enforcement fails
// the outer invoke without waiting for the sandbox.
func (c *Channel) failOutstanding(requestID string, err error) {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- Frame{ID: requestID, Type: "invoke", Error: err.Error()}:
	default:
	}
}

func (c *Channel) closeLocal(cause error) {
	c.stopOnce.Do(func() {
		c.setState(StateStopped)
		close(c.stopCh)
		if c.stdin != nil {
			_ = c.stdin.Close()
		}
		if c.process != nil && c.process.Process != nil {
			_ = c.process.Process.Kill()
		}

		c.mu.Lock()
		pending := c.pending
		c.pending = make(map[string]chan Frame)
		c.mu.Unlock()

		msg := "sidecar channel stopped"
		if cause != nil {
			msg = cause.Error()
		}
		for _, ch := range pending {
			select {
			case ch <- Frame{Type: "error", Error: msg}:
			default:
			}
		}
	})
}

// Close terminates the channel immediately without the shutdown
// handshake (used on session teardown or after an unrecoverable
// error).
func (c *Channel) Close() {
	c.closeLocal(nil)
	c.wg.Wait()
}
