package tool

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const defaultProbeTimeout = 5 * time.Second

// SubprocessAdapterConfig configures a SubprocessAdapter.
type SubprocessAdapterConfig struct {
	// Name defaults to AdapterPyRevit.
	Name string
	// Command is the CLI whose presence decides availability. Defaults to "pyrevit".
	Command string
	// ProbeTimeout bounds the availability probe.
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// SubprocessAdapter runs handlers that drive an external CLI.
type SubprocessAdapter struct {
	name         string
	command      string
	probeTimeout time.Duration
	logger       *slog.Logger
}

// NewSubprocessAdapter creates a subprocess adapter.
func NewSubprocessAdapter(cfg SubprocessAdapterConfig) *SubprocessAdapter {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = AdapterPyRevit
	}
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		command = "pyrevit"
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessAdapter{
		name:         name,
		command:      command,
		probeTimeout: cfg.ProbeTimeout,
		logger:       logger.With("adapter", name),
	}
}

func (s *SubprocessAdapter) Name() string { return s.name }

// Execute runs the handler. Handler errors are reported as
// PYREVIT_SCRIPT_ERROR unless they carry their own code.
func (s *SubprocessAdapter) Execute(ctx context.Context, toolName string, args map[string]any, handler Handler) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool: subprocess adapter panicked", "tool", toolName, "panic", r)
			res = Fail(CodePyRevitScriptError, fmt.Sprintf("adapter panicked: %v", r))
		}
	}()
	out, err := runHandler(ctx, handler, args, HandlerOptions{Logger: s.logger})
	if err != nil {
		s.logger.Warn("tool: script handler failed", "tool", toolName, "error", err)
	}
	return finishHandler(out, err, CodePyRevitScriptError)
}

// Available reports whether the command is on PATH and answers --version.
func (s *SubprocessAdapter) Available(ctx context.Context) bool {
	path, err := exec.LookPath(s.command)
	if err != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	// #nosec G204 -- command is operator configuration.
	if err := exec.CommandContext(probeCtx, path, "--version").Run(); err != nil {
		s.logger.Debug("tool: availability probe failed", "command", s.command, "error", err)
		return false
	}
	return true
}
