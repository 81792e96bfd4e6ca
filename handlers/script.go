package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/petal-labs/toolgate/tool"
)

// DefaultScriptTimeout bounds a script run when Config.ScriptTimeout is unset.
const DefaultScriptTimeout = 120 * time.Second

// ScriptRunner runs pyrevit.run_script: `<command> <args...> <script_path>`
// with the script's arguments exported as environment variables.
type ScriptRunner struct {
	command string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewScriptRunner creates a runner from cfg.
func NewScriptRunner(cfg Config) *ScriptRunner {
	command := strings.TrimSpace(cfg.ScriptCommand)
	if command == "" {
		command = "pyrevit"
	}
	args := cfg.ScriptArgs
	if args == nil {
		args = []string{"run"}
	}
	timeout := cfg.ScriptTimeout
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptRunner{
		command: command,
		args:    slices.Clone(args),
		timeout: timeout,
		logger:  logger,
	}
}

// Execute runs the script and reports its output. A non-zero exit is a
// PYREVIT_SCRIPT_ERROR carrying stderr.
func (r *ScriptRunner) Execute(ctx context.Context, args map[string]any, opts tool.HandlerOptions) (tool.Result, error) {
	script, err := stringArg(args, "script_path")
	if err != nil {
		return tool.Result{}, err
	}
	scriptArgs, err := objectArg(args, "arguments")
	if err != nil {
		return tool.Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	argv := append(slices.Clone(r.args), script)
	cmd := exec.CommandContext(runCtx, r.command, argv...)
	cmd.Env = append(os.Environ(), scriptEnv(scriptArgs)...)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("handlers: running script", "command", r.command, "script", script)
	err = cmd.Run()
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return tool.Fail(tool.CodePyRevitScriptError,
			fmt.Sprintf("pyRevit CLI %q not found. Ensure pyRevit is installed and on PATH.", r.command)), nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return tool.Fail(tool.CodePyRevitScriptError,
			fmt.Sprintf("Script execution timed out after %s.", r.timeout)), nil
	case ctx.Err() != nil:
		return tool.Result{}, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return tool.Fail(tool.CodePyRevitScriptError,
			fmt.Sprintf("Script exited with code %d: %s", exitErr.ExitCode(), stderr.String())), nil
	}
	if err != nil {
		return tool.Result{}, fmt.Errorf("handlers: run script %s: %w", script, err)
	}
	return tool.OK(map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": 0,
	}), nil
}

// scriptEnv renders arguments as KEY=value pairs in key order. Strings are
// passed through; every other value is JSON encoded.
func scriptEnv(arguments map[string]any) []string {
	keys := make([]string, 0, len(arguments))
	for k := range arguments {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+envValue(arguments[k]))
	}
	return env
}

func envValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
