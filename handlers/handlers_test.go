package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/petal-labs/toolgate/tool"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// helperRunner re-executes the test binary as the script runner.
func helperRunner(timeout time.Duration) *ScriptRunner {
	return NewScriptRunner(Config{
		ScriptCommand: os.Args[0],
		ScriptArgs:    []string{"-test.run=^TestScriptHelperProcess$", "--"},
		ScriptTimeout: timeout,
		Logger:        discardLogger(),
	})
}

func TestScriptHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_SCRIPT_HELPER") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}
	switch args[1] {
	case "walls.py":
		fmt.Fprintf(os.Stdout, "walls=%s level=%s", os.Getenv("WALL_COUNT"), os.Getenv("LEVEL"))
		os.Exit(0)
	case "broken.py":
		fmt.Fprint(os.Stderr, "NameError: doc")
		os.Exit(3)
	case "slow.py":
		time.Sleep(10 * time.Second)
		os.Exit(0)
	}
	os.Exit(2)
}

func TestUnitsCoverBundledTools(t *testing.T) {
	cache := tool.NewHandlerCache(Loader(Config{}))
	for _, name := range []string{
		"revit.create_wall",
		"revit.get_element_info",
		"pyrevit.run_script",
		"dynamo.run_graph",
		"flow.create_walls_from_lines",
	} {
		if _, err := cache.Load(name); err != nil {
			t.Fatalf("Load(%q) error = %v", name, err)
		}
	}
}

func TestCreateWallPassesArgsThrough(t *testing.T) {
	args := map[string]any{"height": 3.0}
	res, err := CreateWall(context.Background(), args, tool.HandlerOptions{})
	if err != nil {
		t.Fatalf("CreateWall() error = %v", err)
	}
	want := map[string]any{"message": "Delegated to Revit add-in", "args": args}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("CreateWall() data mismatch (-want +got):\n%s", diff)
	}
}

func TestGetElementInfo(t *testing.T) {
	res, err := GetElementInfo(context.Background(), map[string]any{"element_id": 316.0}, tool.HandlerOptions{})
	if err != nil {
		t.Fatalf("GetElementInfo() error = %v", err)
	}
	if res.Data["element_id"] != 316.0 {
		t.Fatalf("element_id = %v, want 316", res.Data["element_id"])
	}
	if _, err := GetElementInfo(context.Background(), map[string]any{}, tool.HandlerOptions{}); err == nil {
		t.Fatal("GetElementInfo(no id) error = nil, want error")
	}
}

func TestRunGraphDefaultsInputs(t *testing.T) {
	res, err := RunGraph(context.Background(), map[string]any{"graph_path": "C:/graphs/grid.dyn"}, tool.HandlerOptions{})
	if err != nil {
		t.Fatalf("RunGraph() error = %v", err)
	}
	want := map[string]any{
		"message":    "Delegated Dynamo graph execution: C:/graphs/grid.dyn",
		"graph_path": "C:/graphs/grid.dyn",
		"inputs":     map[string]any{},
	}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("RunGraph() data mismatch (-want +got):\n%s", diff)
	}

	if _, err := RunGraph(context.Background(), map[string]any{"graph_path": "g.dyn", "inputs": "x"}, tool.HandlerOptions{}); err == nil {
		t.Fatal("RunGraph(bad inputs) error = nil, want error")
	}
}

func TestScriptRunnerSuccess(t *testing.T) {
	res, err := helperRunner(10*time.Second).Execute(context.Background(), map[string]any{
		"script_path": "walls.py",
		"arguments": map[string]any{
			"GO_WANT_SCRIPT_HELPER": "1",
			"WALL_COUNT":            4.0,
			"LEVEL":                 "L2",
		},
	}, tool.HandlerOptions{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("Execute() = %+v, want success", res)
	}
	if got, want := res.Data["stdout"], "walls=4 level=L2"; got != want {
		t.Fatalf("stdout = %q, want %q", got, want)
	}
	if res.Data["exit_code"] != 0 {
		t.Fatalf("exit_code = %v, want 0", res.Data["exit_code"])
	}
}

func TestScriptRunnerNonZeroExit(t *testing.T) {
	res, err := helperRunner(10*time.Second).Execute(context.Background(), map[string]any{
		"script_path": "broken.py",
		"arguments":   map[string]any{"GO_WANT_SCRIPT_HELPER": "1"},
	}, tool.HandlerOptions{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Success || res.ErrorCode != tool.CodePyRevitScriptError {
		t.Fatalf("Execute() = %+v, want %s", res, tool.CodePyRevitScriptError)
	}
	if want := "Script exited with code 3: NameError: doc"; res.ErrorMessage != want {
		t.Fatalf("message = %q, want %q", res.ErrorMessage, want)
	}
}

func TestScriptRunnerTimeout(t *testing.T) {
	res, err := helperRunner(200*time.Millisecond).Execute(context.Background(), map[string]any{
		"script_path": "slow.py",
		"arguments":   map[string]any{"GO_WANT_SCRIPT_HELPER": "1"},
	}, tool.HandlerOptions{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Success || !strings.Contains(res.ErrorMessage, "timed out") {
		t.Fatalf("Execute() = %+v, want timeout failure", res)
	}
}

func TestScriptRunnerMissingCommand(t *testing.T) {
	runner := NewScriptRunner(Config{ScriptCommand: "toolgate-no-such-runner", Logger: discardLogger()})
	res, err := runner.Execute(context.Background(), map[string]any{"script_path": "walls.py"}, tool.HandlerOptions{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.ErrorCode != tool.CodePyRevitScriptError || !strings.Contains(res.ErrorMessage, "not found") {
		t.Fatalf("Execute() = %+v, want not found failure", res)
	}
}

func TestScriptEnvSorted(t *testing.T) {
	got := scriptEnv(map[string]any{
		"B": 2,
		"A": "x",
		"C": true,
		"D": map[string]any{"a": 1},
		"E": []any{1, "two"},
		"F": nil,
		"G": 2.5,
	})
	want := []string{"A=x", "B=2", "C=true", `D={"a":1}`, `E=[1,"two"]`, "F=null", "G=2.5"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("scriptEnv() mismatch (-want +got):\n%s", diff)
	}
}

type scriptedDispatcher struct {
	calls   []map[string]any
	results []tool.Result
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, name string, args map[string]any) tool.Result {
	if name != CreateWallToolName {
		return tool.Fail(tool.CodeToolNotFound, name)
	}
	d.calls = append(d.calls, args)
	return d.results[len(d.calls)-1]
}

func TestCreateWallsFromLinesCollectsOutcomes(t *testing.T) {
	d := &scriptedDispatcher{results: []tool.Result{
		tool.OK(map[string]any{"element_id": 101.0}),
		tool.Fail(tool.CodeRevitAPIError, "wall type missing"),
		tool.OK(map[string]any{"element_id": 103.0}),
	}}
	line := func(x float64) map[string]any {
		return map[string]any{
			"start": map[string]any{"x": x, "y": 0.0, "z": 0.0},
			"end":   map[string]any{"x": x + 10, "y": 0.0, "z": 0.0},
		}
	}
	res, err := CreateWallsFromLines(context.Background(), map[string]any{
		"lines":     []any{line(0), line(10), line(20)},
		"height":    3.0,
		"wall_type": "Generic - 200mm",
	}, tool.HandlerOptions{Dispatcher: d})
	if err != nil {
		t.Fatalf("CreateWallsFromLines() error = %v", err)
	}

	want := map[string]any{
		"created_count": 2,
		"element_ids":   []any{101.0, 103.0},
		"errors":        []string{"Wall 1: REVIT_API_ERROR - wall type missing"},
	}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	if len(d.calls) != 3 {
		t.Fatalf("dispatch calls = %d, want 3", len(d.calls))
	}
	first := d.calls[0]
	if first["wall_type"] != "Generic - 200mm" || first["height"] != 3.0 {
		t.Fatalf("first call args = %v", first)
	}
	if diff := cmp.Diff(line(0)["start"], first["start_point"]); diff != "" {
		t.Fatalf("start_point mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateWallsFromLinesRequiresDispatcher(t *testing.T) {
	res, err := CreateWallsFromLines(context.Background(), map[string]any{"lines": []any{}, "height": 3.0}, tool.HandlerOptions{})
	if err != nil {
		t.Fatalf("CreateWallsFromLines() error = %v", err)
	}
	if res.Success || res.ErrorCode != tool.CodeHandlerError {
		t.Fatalf("CreateWallsFromLines() = %+v, want %s", res, tool.CodeHandlerError)
	}
}
