package tool

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/toolgate/protocol"
	"github.com/petal-labs/toolgate/transport"
)

// startPeer connects a transport.Conn to a fake remote peer. reply is called
// for each tool_call; returning nil leaves the call unanswered.
func startPeer(t *testing.T, reply func(call protocol.Message) *protocol.Message) *transport.Conn {
	t.Helper()
	local, remote := net.Pipe()
	conn := transport.NewConn(local, transport.ConnOptions{Timeout: 2 * time.Second, Logger: discardLogger()})
	conn.Start()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			msg, err := protocol.ReadMessage(remote)
			if err != nil {
				return
			}
			if msg.Type != protocol.TypeToolCall {
				continue
			}
			if out := reply(msg); out != nil {
				if err := protocol.WriteMessage(remote, *out); err != nil {
					return
				}
			}
		}
	}()
	t.Cleanup(func() {
		_ = conn.Close()
		_ = remote.Close()
		wg.Wait()
	})
	return conn
}

func resultFor(t *testing.T, call protocol.Message, success bool, data map[string]any, errInfo *protocol.ErrorInfo) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewToolResult(call.ID, success, data, errInfo, 2)
	if err != nil {
		t.Errorf("NewToolResult() error = %v", err)
		return nil
	}
	return &msg
}

func TestPipeAdapterWithoutConnection(t *testing.T) {
	pipe := NewPipeAdapter(PipeAdapterConfig{Logger: discardLogger()})
	if pipe.Available(context.Background()) {
		t.Fatal("Available() = true without connection")
	}
	res := pipe.Execute(context.Background(), "revit.create_wall", nil, nil)
	if res.ErrorCode != CodeAdapterNotAvailable {
		t.Fatalf("ErrorCode = %q, want %q", res.ErrorCode, CodeAdapterNotAvailable)
	}
}

func TestPipeAdapterMapsPeerResults(t *testing.T) {
	conn := startPeer(t, func(call protocol.Message) *protocol.Message {
		payload, err := call.DecodeToolCall()
		if err != nil {
			t.Errorf("DecodeToolCall() error = %v", err)
			return nil
		}
		switch payload.ToolName {
		case "revit.create_wall":
			return resultFor(t, call, true, map[string]any{"element_id": 42}, nil)
		case "revit.bad_wall":
			return resultFor(t, call, false, nil, &protocol.ErrorInfo{Code: "WALL_TYPE_MISSING", Message: "no such wall type"})
		case "revit.vague_failure":
			return resultFor(t, call, false, nil, nil)
		case "revit.error_envelope":
			msg, err := protocol.NewError("", "document is read-only", call.ID)
			if err != nil {
				t.Errorf("NewError() error = %v", err)
				return nil
			}
			return &msg
		}
		return nil
	})

	pipe := NewPipeAdapter(PipeAdapterConfig{Timeout: 100 * time.Millisecond, Logger: discardLogger()})
	pipe.SetConn(conn)
	if !pipe.Available(context.Background()) {
		t.Fatal("Available() = false with live connection")
	}

	tests := []struct {
		tool     string
		wantOK   bool
		wantCode string
	}{
		{tool: "revit.create_wall", wantOK: true},
		{tool: "revit.bad_wall", wantCode: "WALL_TYPE_MISSING"},
		{tool: "revit.vague_failure", wantCode: CodeRevitAPIError},
		{tool: "revit.error_envelope", wantCode: CodeRevitAPIError},
		{tool: "revit.never_answers", wantCode: CodePipeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			res := pipe.Execute(context.Background(), tt.tool, map[string]any{"height": 3000}, nil)
			if res.Success != tt.wantOK || res.ErrorCode != tt.wantCode {
				t.Fatalf("Execute() = %+v, want success=%v code=%q", res, tt.wantOK, tt.wantCode)
			}
		})
	}

	res := pipe.Execute(context.Background(), "revit.create_wall", nil, nil)
	if res.Data["element_id"] != float64(42) {
		t.Fatalf("element_id = %v, want 42", res.Data["element_id"])
	}
	if pipe.Conn() != conn {
		t.Fatal("timeout must not drop the connection")
	}
}

func TestPipeAdapterDropsConnectionOnDisconnect(t *testing.T) {
	var conn *transport.Conn
	conn = startPeer(t, func(call protocol.Message) *protocol.Message {
		go func() { _ = conn.Close() }()
		return nil
	})
	pipe := NewPipeAdapter(PipeAdapterConfig{Logger: discardLogger()})
	pipe.SetConn(conn)

	res := pipe.Execute(context.Background(), "revit.create_wall", nil, nil)
	if res.ErrorCode != CodePipeDisconnected {
		t.Fatalf("ErrorCode = %q, want %q", res.ErrorCode, CodePipeDisconnected)
	}
	if pipe.Conn() != nil {
		t.Fatal("Conn() still set after disconnect")
	}

	pipe.SetConn(conn)
	res = pipe.Execute(context.Background(), "revit.create_wall", nil, nil)
	if res.ErrorCode != CodeNotConnected {
		t.Fatalf("ErrorCode on closed conn = %q, want %q", res.ErrorCode, CodeNotConnected)
	}
	if pipe.Conn() != nil {
		t.Fatal("Conn() still set after send on closed connection")
	}
}

func TestPipeAdapterClearConnComparesIdentity(t *testing.T) {
	first := startPeer(t, func(protocol.Message) *protocol.Message { return nil })
	second := startPeer(t, func(protocol.Message) *protocol.Message { return nil })
	pipe := NewPipeAdapter(PipeAdapterConfig{Logger: discardLogger()})

	pipe.SetConn(second)
	if pipe.ClearConn(first) {
		t.Fatal("ClearConn(stale) = true, want false")
	}
	if pipe.Conn() != second {
		t.Fatal("stale ClearConn dropped the current connection")
	}
	if !pipe.ClearConn(second) {
		t.Fatal("ClearConn(current) = false, want true")
	}
}

func TestGraphAdapterForwardsPreparedRequest(t *testing.T) {
	var (
		mu       sync.Mutex
		received map[string]any
	)
	conn := startPeer(t, func(call protocol.Message) *protocol.Message {
		payload, _ := call.DecodeToolCall()
		mu.Lock()
		received = payload.Args
		mu.Unlock()
		return resultFor(t, call, true, map[string]any{"outputs": map[string]any{"count": 3}}, nil)
	})
	pipe := NewPipeAdapter(PipeAdapterConfig{Logger: discardLogger()})
	pipe.SetConn(conn)
	graph := NewGraphAdapter(pipe, GraphAdapterConfig{Logger: discardLogger()})

	prepare := HandlerFunc(func(ctx context.Context, args map[string]any, opts HandlerOptions) (Result, error) {
		return OK(map[string]any{"graph_path": args["graph_path"], "inputs": map[string]any{}}), nil
	})
	res := graph.Execute(context.Background(), "dynamo.run_graph", map[string]any{"graph_path": "C:/graphs/walls.dyn"}, prepare)
	if !res.Success {
		t.Fatalf("Execute() = %+v, want success", res)
	}

	mu.Lock()
	defer mu.Unlock()
	if received["graph_path"] != "C:/graphs/walls.dyn" {
		t.Fatalf("forwarded graph_path = %v", received["graph_path"])
	}
	if !graph.Available(context.Background()) {
		t.Fatal("Available() = false, want true with live pipe")
	}
}

func TestGraphAdapterHandlerFailures(t *testing.T) {
	graph := NewGraphAdapter(NewPipeAdapter(PipeAdapterConfig{Logger: discardLogger()}), GraphAdapterConfig{Logger: discardLogger()})
	if graph.Available(context.Background()) {
		t.Fatal("Available() = true without pipe connection")
	}

	failing := HandlerFunc(func(context.Context, map[string]any, HandlerOptions) (Result, error) {
		return Result{}, errors.New("graph file not found")
	})
	res := graph.Execute(context.Background(), "dynamo.run_graph", nil, failing)
	if res.ErrorCode != CodeDynamoExecutionError || res.ErrorMessage != "graph file not found" {
		t.Fatalf("Execute() = %+v, want DYNAMO_EXECUTION_ERROR", res)
	}

	panicking := HandlerFunc(func(context.Context, map[string]any, HandlerOptions) (Result, error) {
		panic("nil graph")
	})
	res = graph.Execute(context.Background(), "dynamo.run_graph", nil, panicking)
	if res.ErrorCode != CodeDynamoExecutionError {
		t.Fatalf("Execute(panic) code = %q, want %q", res.ErrorCode, CodeDynamoExecutionError)
	}
}

type stubDispatcher struct{}

func (stubDispatcher) Dispatch(ctx context.Context, name string, args map[string]any) Result {
	return OK(map[string]any{"dispatched": name})
}

func TestWorkflowAdapterPassesDispatcher(t *testing.T) {
	wf := NewWorkflowAdapter(WorkflowAdapterConfig{Logger: discardLogger()})
	if wf.Available(context.Background()) {
		t.Fatal("Available() = true without dispatcher")
	}
	wf.SetDispatcher(stubDispatcher{})
	if !wf.Available(context.Background()) {
		t.Fatal("Available() = false with dispatcher")
	}

	handler := HandlerFunc(func(ctx context.Context, args map[string]any, opts HandlerOptions) (Result, error) {
		if opts.Dispatcher == nil {
			return Result{}, errors.New("no dispatcher")
		}
		return opts.Dispatcher.Dispatch(ctx, "revit.create_wall", args), nil
	})
	res := wf.Execute(context.Background(), "flow.create_walls_from_lines", nil, handler)
	if !res.Success || res.Data["dispatched"] != "revit.create_wall" {
		t.Fatalf("Execute() = %+v", res)
	}

	failing := HandlerFunc(func(context.Context, map[string]any, HandlerOptions) (Result, error) {
		return Result{}, errors.New("lines must not be empty")
	})
	if res := wf.Execute(context.Background(), "flow.x", nil, failing); res.ErrorCode != CodeHandlerError {
		t.Fatalf("ErrorCode = %q, want %q", res.ErrorCode, CodeHandlerError)
	}
	if res := wf.Execute(context.Background(), "flow.x", nil, nil); res.ErrorCode != CodeHandlerError {
		t.Fatalf("nil handler ErrorCode = %q, want %q", res.ErrorCode, CodeHandlerError)
	}
}

func TestSubprocessAdapter(t *testing.T) {
	sub := NewSubprocessAdapter(SubprocessAdapterConfig{Command: "definitely-not-a-real-binary-7f3a", Logger: discardLogger()})
	if sub.Available(context.Background()) {
		t.Fatal("Available() = true for missing command")
	}

	failing := HandlerFunc(func(context.Context, map[string]any, HandlerOptions) (Result, error) {
		return Result{}, errors.New("Script exited with code 2: boom")
	})
	res := sub.Execute(context.Background(), "pyrevit.run_script", nil, failing)
	if res.ErrorCode != CodePyRevitScriptError {
		t.Fatalf("ErrorCode = %q, want %q", res.ErrorCode, CodePyRevitScriptError)
	}

	softFail := HandlerFunc(func(context.Context, map[string]any, HandlerOptions) (Result, error) {
		return Result{Success: false, ErrorMessage: "no code"}, nil
	})
	if res := sub.Execute(context.Background(), "pyrevit.run_script", nil, softFail); res.ErrorCode != CodePyRevitScriptError {
		t.Fatalf("ErrorCode = %q, want %q", res.ErrorCode, CodePyRevitScriptError)
	}
}

func TestSubprocessAdapterAvailableProbe(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("os.Executable() error = %v", err)
	}
	// The test binary rejects --version, so the probe must report unavailable
	// even though the command exists.
	sub := NewSubprocessAdapter(SubprocessAdapterConfig{Command: exe, ProbeTimeout: 5 * time.Second, Logger: discardLogger()})
	if sub.Available(context.Background()) {
		t.Fatal("Available() = true for command that fails --version")
	}
}

func TestAdapterSet(t *testing.T) {
	pipe := NewPipeAdapter(PipeAdapterConfig{Logger: discardLogger()})
	set := NewAdapterSet(
		pipe,
		NewGraphAdapter(pipe, GraphAdapterConfig{Logger: discardLogger()}),
		NewWorkflowAdapter(WorkflowAdapterConfig{Logger: discardLogger()}),
		NewSubprocessAdapter(SubprocessAdapterConfig{Logger: discardLogger()}),
		nil,
	)
	want := []string{AdapterDynamo, AdapterPyRevit, AdapterRevit, AdapterWorkflow}
	got := set.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", got, want)
		}
	}
}
