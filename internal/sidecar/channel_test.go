package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/z80dev/lemon-sub002/internal/observability"
)

// fakeSidecar reads frames the channel writes and lets a test-supplied
// handler decide what (if anything) to write back, simulating the
// out-of-process sandbox runtime on the other end of the pipes.
type fakeSidecar struct {
	toSidecar   *io.PipeReader
	fromSidecar *io.PipeWriter
}

func newChannelPair(t *testing.T, opts Options, handle func(*fakeSidecar, Frame)) (*Channel, *fakeSidecar) {
	t.Helper()
	serverIn, clientIn := io.Pipe()   // channel writes -> sidecar reads
	clientOut, serverOut := io.Pipe() // sidecar writes -> channel reads

	c := NewChannel(clientIn, clientOut, opts)
	fs := &fakeSidecar{toSidecar: serverIn, fromSidecar: serverOut}

	go func() {
		scanner := bufio.NewScanner(fs.toSidecar)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var f Frame
			if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
				continue
			}
			handle(fs, f)
		}
	}()

	t.Cleanup(func() {
		c.Close()
	})

	return c, fs
}

func (fs *fakeSidecar) send(f Frame) {
	data, _ := json.Marshal(f)
	data = append(data, '\n')
	_, _ = fs.fromSidecar.Write(data)
}

func TestHelloAndDiscover(t *testing.T) {
	c, _ := newChannelPair(t, Options{}, func(fs *fakeSidecar, f Frame) {
		switch f.Type {
		case "hello":
			fs.send(Frame{ID: f.ID, Version: "1.0", Name: "sandbox"})
		case "discover":
			fs.send(Frame{ID: f.ID, Tools: []ToolDescriptor{{Name: "read_file"}}})
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	version, name, err := c.Hello(ctx)
	if err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if version != "1.0" || name != "sandbox" {
		t.Fatalf("Hello = %q %q", version, name)
	}
	if c.State() != StateReady {
		t.Fatalf("state = %v, want ready", c.State())
	}

	tools, _, _, err := c.Discover(ctx)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "read_file" {
		t.Fatalf("tools = %+v", tools)
	}
}

func TestInvokeSimpleRoundTrip(t *testing.T) {
	c, _ := newChannelPair(t, Options{}, func(fs *fakeSidecar, f Frame) {
		if f.Type == "invoke" {
			out, _ := json.Marshal(map[string]any{"ok": true})
			fs.send(Frame{ID: f.ID, Type: "invoke", OutputJSON: out})
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := c.Invoke(ctx, "read_file", json.RawMessage(`{"path":"a"}`), nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var out map[string]any
	_ = json.Unmarshal(result.OutputJSON, &out)
	if out["ok"] != true {
		t.Fatalf("output = %v", out)
	}
}

// TestHostCallRoundTrip implements scenario S6: mid-invoke the
// sandbox requests a reserved host tool, the channel answers via
// host_call_result, and the sandbox then completes the outer invoke.
func TestHostCallRoundTrip(t *testing.T) {
	store := MapSecretStore{"api_key": "sekret"}
	opts := Options{HostTool: ReservedHostTools(store, nil)}

	var observedOutput json.RawMessage
	resultReady := make(chan struct{})
	// host_call_result frames carry only the call id, so the fake
	// remembers which outer invoke it is completing.
	var outerID string

	c, _ := newChannelPair(t, opts, func(fs *fakeSidecar, f Frame) {
		switch {
		case f.Type == "invoke":
			outerID = f.ID
			params, _ := json.Marshal(map[string]string{"name": "api_key"})
			fs.send(Frame{Type: "event", Event: "host_call", RequestID: f.ID, CallID: "call-1", Tool: ReservedSecretResolve, ParamsJSON: params})
		case f.Type == "host_call_result":
			observedOutput = f.OutputJSON
			out, _ := json.Marshal(map[string]any{"resolved": true})
			fs.send(Frame{ID: outerID, Type: "invoke", OutputJSON: out})
			close(resultReady)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := c.Invoke(ctx, "some_tool", json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	<-resultReady

	var out map[string]any
	_ = json.Unmarshal(result.OutputJSON, &out)
	if out["resolved"] != true {
		t.Fatalf("outer invoke result = %v", out)
	}

	var hostOut map[string]any
	_ = json.Unmarshal(observedOutput, &hostOut)
	if hostOut["value"] != "sekret" || hostOut["source"] != "store" {
		t.Fatalf("host call output = %v", hostOut)
	}
}

func TestMaxToolInvokeDepthFailsOuterInvoke(t *testing.T) {
	opts := Options{
		MaxToolInvokeDepth: 2,
		HostTool: func(ctx context.Context, tool string, paramsJSON json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}

	c, _ := newChannelPair(t, opts, func(fs *fakeSidecar, f Frame) {
		if f.Type == "invoke" {
			// Sandbox issues more nested host_calls than the configured
			// max depth for the same outer request.
			for i := 0; i < 5; i++ {
				fs.send(Frame{Type: "event", Event: "host_call", RequestID: f.ID, CallID: "call", Tool: "some_host_tool", ParamsJSON: json.RawMessage(`{}`)})
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := c.Invoke(ctx, "recursive_tool", json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Error == "" {
		t.Fatal("expected invoke result to carry an error once max_tool_invoke_depth is exceeded")
	}
}

func TestApprovalRequiredForSensitiveCapability(t *testing.T) {
	approved := false
	opts := Options{Approve: func(tool string, caps []string) bool { return approved }}

	c, _ := newChannelPair(t, opts, func(fs *fakeSidecar, f Frame) {
		switch f.Type {
		case "discover":
			fs.send(Frame{ID: f.ID, Tools: []ToolDescriptor{{Name: "fetch_url", Capabilities: []string{CapabilityHTTP}}}})
		case "invoke":
			fs.send(Frame{ID: f.ID, Type: "invoke", OutputJSON: json.RawMessage(`{"ok":true}`)})
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, _, _, err := c.Discover(ctx); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if _, err := c.Invoke(ctx, "fetch_url", json.RawMessage(`{}`), nil); err == nil {
		t.Fatal("expected approval-gated invoke to fail without approval")
	}

	approved = true
	if _, err := c.Invoke(ctx, "fetch_url", json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("expected invoke to succeed once approved: %v", err)
	}
}

func TestCrashFailsOutstandingInvokes(t *testing.T) {
	c, fs := newChannelPair(t, Options{}, func(fs *fakeSidecar, f Frame) {
		// never respond; simulate a sandbox that has hung, then crashes.
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Invoke(ctx, "slow_tool", json.RawMessage(`{}`), nil)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	_ = fs.fromSidecar.Close() // sandbox process exit -> stdout EOF

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected outstanding invoke to fail after channel crash")
		}
	case <-time.After(time.Second):
		t.Fatal("invoke did not fail within timeout after crash")
	}

	if c.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", c.State())
	}
}

func TestInvokeRejectsParamsFailingDiscoveredSchema(t *testing.T) {
	c, _ := newChannelPair(t, Options{}, func(fs *fakeSidecar, f Frame) {
		switch f.Type {
		case "discover":
			fs.send(Frame{ID: f.ID, Tools: []ToolDescriptor{{
				Name: "write_file",
				Schema: map[string]any{
					"type":     "object",
					"required": []any{"path"},
					"properties": map[string]any{
						"path": map[string]any{"type": "string"},
					},
				},
			}}})
		case "invoke":
			out, _ := json.Marshal(map[string]any{"ok": true})
			fs.send(Frame{ID: f.ID, Type: "invoke", OutputJSON: out})
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, _, _, err := c.Discover(ctx); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if _, err := c.Invoke(ctx, "write_file", json.RawMessage(`{}`), nil); err == nil {
		t.Fatal("Invoke should reject params missing the required \"path\" field")
	}

	if _, err := c.Invoke(ctx, "write_file", json.RawMessage(`{"path":"a.txt"}`), nil); err != nil {
		t.Fatalf("Invoke with valid params should succeed, got: %v", err)
	}
}

func TestInvokeRecordsMetricsByOutcome(t *testing.T) {
	m := observability.NewMetrics()

	c, _ := newChannelPair(t, Options{}, func(fs *fakeSidecar, f Frame) {
		if f.Type == "invoke" {
			out, _ := json.Marshal(map[string]any{"ok": true})
			fs.send(Frame{ID: f.ID, Type: "invoke", OutputJSON: out})
		}
	})
	c.WithMetrics(m)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := c.Invoke(ctx, "read_file", json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := testutil.ToFloat64(m.SidecarInvokesTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok count = %v, want 1", got)
	}
}

func TestInvokeWithTracerDoesNotDisruptRoundTrip(t *testing.T) {
	tracer, shutdown := observability.NewTracer(observability.TraceConfig{ServiceName: "test"})
	defer func() { _ = shutdown(context.Background()) }()

	c, _ := newChannelPair(t, Options{}, func(fs *fakeSidecar, f Frame) {
		if f.Type == "invoke" {
			out, _ := json.Marshal(map[string]any{"ok": true})
			fs.send(Frame{ID: f.ID, Type: "invoke", OutputJSON: out})
		}
	})
	c.WithTracer(tracer)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := c.Invoke(ctx, "read_file", json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
}
