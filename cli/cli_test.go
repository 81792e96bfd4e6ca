package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolgate/daemon"
	"github.com/petal-labs/toolgate/tool"
)

// newTestRoot creates a fresh cobra root command wired to all subcommands.
// Each test gets an isolated command tree to avoid shared state.
func newTestRoot() *cobra.Command {
	return NewRootCmd("test")
}

// executeCommand runs a cobra command with the given args and captures stdout/stderr.
func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeTestFile creates a temporary file with the given content and returns its path.
func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// writeTestConfig writes a toolgate.yaml pointing at the bundled tools and a
// journal in a temp dir.
func writeTestConfig(t *testing.T) (configPath, journalPath string) {
	t.Helper()
	toolsDir, err := filepath.Abs("../tools")
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	journalPath = filepath.Join(dir, "calls.db")
	content := "pipe:\n  address: " + filepath.Join(dir, "toolgate.sock") + "\n" +
		"tools:\n  dir: " + toolsDir + "\n  watch: false\n" +
		"journal:\n  path: " + journalPath + "\n" +
		"log:\n  level: error\n"
	return writeTestFile(t, dir, "toolgate.yaml", content), journalPath
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error = %v (%T), want *ExitError", err, err)
	}
	return exitErr.Code
}

func TestRoot_Help(t *testing.T) {
	stdout, _, err := executeCommand(newTestRoot(), "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, sub := range []string{"serve", "tools", "call", "history"} {
		if !strings.Contains(stdout, sub) {
			t.Errorf("help output missing %q subcommand", sub)
		}
	}
}

func TestRoot_Version(t *testing.T) {
	stdout, _, err := executeCommand(newTestRoot(), "--version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(stdout) != "toolgate version test" {
		t.Fatalf("version output = %q", stdout)
	}
}

func TestToolsList(t *testing.T) {
	stdout, _, err := executeCommand(newTestRoot(), "tools", "list", "--dir", "../tools")
	if err != nil {
		t.Fatalf("tools list error = %v", err)
	}
	for _, want := range []string{"NAME", "revit.create_wall", "pyrevit.run_script", "flow.create_walls_from_lines", "workflow"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("tools list output missing %q:\n%s", want, stdout)
		}
	}
}

func TestToolsInspect(t *testing.T) {
	stdout, _, err := executeCommand(newTestRoot(), "tools", "inspect", "revit.get_element_info", "--dir", "../tools")
	if err != nil {
		t.Fatalf("tools inspect error = %v", err)
	}
	var def map[string]any
	if err := json.Unmarshal([]byte(stdout), &def); err != nil {
		t.Fatalf("unmarshal definition: %v\n%s", err, stdout)
	}
	if def["adapter"] != "revit" {
		t.Fatalf("adapter = %v, want revit", def["adapter"])
	}

	_, _, err = executeCommand(newTestRoot(), "tools", "inspect", "nope", "--dir", "../tools")
	if got := exitCode(t, err); got != exitValidation {
		t.Fatalf("exit code = %d, want %d", got, exitValidation)
	}
}

func TestToolsValidate(t *testing.T) {
	t.Run("bundled definitions", func(t *testing.T) {
		stdout, _, err := executeCommand(newTestRoot(), "tools", "validate", "--dir", "../tools")
		if err != nil {
			t.Fatalf("tools validate error = %v\n%s", err, stdout)
		}
		if strings.Count(stdout, "ok ") != 5 {
			t.Fatalf("validate output:\n%s\nwant 5 ok lines", stdout)
		}
	})

	t.Run("invalid definition", func(t *testing.T) {
		dir := t.TempDir()
		writeTestFile(t, dir, "good.json", `{"name":"good.tool","description":"ok","parameters":{"type":"object"},"adapter":"revit"}`)
		writeTestFile(t, dir, "bad.json", `{"name":"bad.tool","description":"no adapter","parameters":{"type":"object"},"adapter":"excel"}`)

		stdout, _, err := executeCommand(newTestRoot(), "tools", "validate", "--dir", dir, "--format", "json")
		if got := exitCode(t, err); got != exitValidation {
			t.Fatalf("exit code = %d, want %d", got, exitValidation)
		}
		var reports []fileReport
		if err := json.Unmarshal([]byte(stdout), &reports); err != nil {
			t.Fatalf("unmarshal report: %v\n%s", err, stdout)
		}
		if len(reports) != 2 {
			t.Fatalf("reports = %d, want 2", len(reports))
		}
		if reports[0].File != "bad.json" || reports[0].Valid || len(reports[0].Diagnostics) == 0 {
			t.Fatalf("bad.json report = %+v, want invalid with diagnostics", reports[0])
		}
		if !reports[1].Valid {
			t.Fatalf("good.json report = %+v, want valid", reports[1])
		}
	})

	t.Run("missing directory", func(t *testing.T) {
		_, _, err := executeCommand(newTestRoot(), "tools", "validate", "--dir", filepath.Join(t.TempDir(), "absent"))
		if got := exitCode(t, err); got != exitFileNotFound {
			t.Fatalf("exit code = %d, want %d", got, exitFileNotFound)
		}
	})
}

func TestToolsValidate_Warnings(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "loose.json", `{"name":"loose.tool","description":"ok","adapter":"revit",
		"parameters":{"type":"object","properties":{"a":{"type":"string"}},"required":["a","b"]}}`)

	stdout, _, err := executeCommand(newTestRoot(), "tools", "validate", "--dir", dir, "--format", "json")
	if err != nil {
		t.Fatalf("tools validate error = %v\n%s", err, stdout)
	}
	var reports []fileReport
	if err := json.Unmarshal([]byte(stdout), &reports); err != nil {
		t.Fatalf("unmarshal report: %v\n%s", err, stdout)
	}
	if len(reports) != 1 || !reports[0].Valid {
		t.Fatalf("reports = %+v, want one valid report", reports)
	}
	diags := reports[0].Diagnostics
	if len(diags) != 1 || diags[0].Severity != tool.SeverityWarning || diags[0].Code != "UNDECLARED_REQUIRED" {
		t.Fatalf("diagnostics = %+v, want one UNDECLARED_REQUIRED warning", diags)
	}

	stdout, _, err = executeCommand(newTestRoot(), "tools", "validate", "--dir", dir)
	if err != nil {
		t.Fatalf("tools validate (text) error = %v", err)
	}
	if !strings.Contains(stdout, "ok    loose.json") || !strings.Contains(stdout, "[warning]") {
		t.Fatalf("validate output:\n%s", stdout)
	}
}

func TestToolsSchema(t *testing.T) {
	stdout, _, err := executeCommand(newTestRoot(), "tools", "schema")
	if err != nil {
		t.Fatalf("tools schema error = %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(stdout), &schema); err != nil {
		t.Fatalf("unmarshal schema: %v\n%s", err, stdout)
	}
	if schema["title"] != "Tool definition" {
		t.Fatalf("title = %v, want Tool definition", schema["title"])
	}
}

func TestCall_InvalidArgs(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(), "call", "revit.create_wall", "--args", "{not json")
	if got := exitCode(t, err); got != exitInputParse {
		t.Fatalf("exit code = %d, want %d", got, exitInputParse)
	}

	_, _, err = executeCommand(newTestRoot(), "call", "revit.create_wall", "--args", "{}", "--args-file", "x.json")
	if got := exitCode(t, err); got != exitInputParse {
		t.Fatalf("exit code = %d, want %d", got, exitInputParse)
	}
}

func TestCall_LocalFailureIsJournaled(t *testing.T) {
	configPath, journalPath := writeTestConfig(t)

	stdout, _, err := executeCommand(newTestRoot(), "call", "revit.get_element_info",
		"--config", configPath, "--args", `{"element_id": 12}`)
	if got := exitCode(t, err); got != exitToolFailed {
		t.Fatalf("exit code = %d, want %d", got, exitToolFailed)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(stdout), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v\n%s", err, stdout)
	}
	errObj, _ := payload["error"].(map[string]any)
	if errObj["code"] != "ADAPTER_NOT_AVAILABLE" {
		t.Fatalf("error = %v, want ADAPTER_NOT_AVAILABLE", payload["error"])
	}

	stdout, _, err = executeCommand(newTestRoot(), "history", "--journal", journalPath, "--format", "json")
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	var entries []struct {
		Tool      string `json:"tool"`
		ErrorCode string `json:"error_code"`
	}
	if err := json.Unmarshal([]byte(stdout), &entries); err != nil {
		t.Fatalf("unmarshal history: %v\n%s", err, stdout)
	}
	if len(entries) != 1 || entries[0].Tool != "revit.get_element_info" || entries[0].ErrorCode != "ADAPTER_NOT_AVAILABLE" {
		t.Fatalf("history = %+v", entries)
	}

	stdout, _, err = executeCommand(newTestRoot(), "history", "--config", configPath)
	if err != nil {
		t.Fatalf("history (text) error = %v", err)
	}
	if !strings.Contains(stdout, "ADAPTER_NOT_AVAILABLE") {
		t.Fatalf("history output:\n%s", stdout)
	}
}

func TestCall_Remote(t *testing.T) {
	var gotPath string
	var gotArgs map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotArgs)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"element_id":42},"error":null,"duration_ms":3}`))
	}))
	defer srv.Close()

	stdout, _, err := executeCommand(newTestRoot(), "call", "revit.get_element_info",
		"--server", srv.URL, "--args", `{"element_id": 42}`)
	if err != nil {
		t.Fatalf("call error = %v", err)
	}
	if gotPath != "/api/tools/revit.get_element_info/call" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotArgs["element_id"] != float64(42) {
		t.Fatalf("args = %v", gotArgs)
	}
	if !strings.Contains(stdout, `"element_id": 42`) {
		t.Fatalf("stdout = %s", stdout)
	}
}

func TestCall_RemoteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"INVALID_BODY"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, _, err := executeCommand(newTestRoot(), "call", "x", "--server", srv.URL)
	if got := exitCode(t, err); got != exitRuntime {
		t.Fatalf("exit code = %d, want %d", got, exitRuntime)
	}
}

func TestHistory_JournalNotConfigured(t *testing.T) {
	dir := t.TempDir()
	configPath := writeTestFile(t, dir, "toolgate.yaml", "log:\n  level: error\n")

	_, _, err := executeCommand(newTestRoot(), "history", "--config", configPath)
	if got := exitCode(t, err); got != exitValidation {
		t.Fatalf("exit code = %d, want %d", got, exitValidation)
	}
}

func TestServe_ExplicitConfigMissing(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(), "serve", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if got := exitCode(t, err); got != exitFileNotFound {
		t.Fatalf("exit code = %d, want %d", got, exitFileNotFound)
	}
}

func TestApplyServeFlags(t *testing.T) {
	cmd := NewServeCmd()
	if err := cmd.ParseFlags([]string{"--pipe-network", "tcp", "--pipe-address", "127.0.0.1:9100", "--http-addr", "", "--no-watch"}); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	cfg := daemon.DefaultConfig()
	applyServeFlags(cmd, &cfg)
	if cfg.Pipe.Network != "tcp" || cfg.Pipe.Address != "127.0.0.1:9100" {
		t.Fatalf("pipe = %s %s", cfg.Pipe.Network, cfg.Pipe.Address)
	}
	if cfg.HTTP.Addr != "" {
		t.Fatalf("http.addr = %q, want disabled", cfg.HTTP.Addr)
	}
	if cfg.Tools.Watch {
		t.Fatal("tools.watch = true, want false")
	}
	if cfg.Tools.Dir != "tools" {
		t.Fatalf("tools.dir = %q, want unchanged default", cfg.Tools.Dir)
	}
}
