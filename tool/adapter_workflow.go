package tool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// WorkflowAdapterConfig configures a WorkflowAdapter.
type WorkflowAdapterConfig struct {
	// Name defaults to AdapterWorkflow.
	Name   string
	Logger *slog.Logger
}

// WorkflowAdapter runs composed handlers that issue further tool calls
// through the dispatcher they are given.
type WorkflowAdapter struct {
	name   string
	logger *slog.Logger

	mu         sync.RWMutex
	dispatcher Dispatcher
}

// NewWorkflowAdapter creates a workflow adapter with no dispatcher.
func NewWorkflowAdapter(cfg WorkflowAdapterConfig) *WorkflowAdapter {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = AdapterWorkflow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowAdapter{name: name, logger: logger.With("adapter", name)}
}

func (w *WorkflowAdapter) Name() string { return w.name }

// SetDispatcher installs the dispatcher handed to workflow handlers.
func (w *WorkflowAdapter) SetDispatcher(d Dispatcher) {
	w.mu.Lock()
	w.dispatcher = d
	w.mu.Unlock()
}

func (w *WorkflowAdapter) currentDispatcher() Dispatcher {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.dispatcher
}

// Execute runs the handler with the dispatcher in its options. Handler errors
// are reported as HANDLER_ERROR unless they carry their own code.
func (w *WorkflowAdapter) Execute(ctx context.Context, toolName string, args map[string]any, handler Handler) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("tool: workflow adapter panicked", "tool", toolName, "panic", r)
			res = Fail(CodeHandlerError, fmt.Sprintf("adapter panicked: %v", r))
		}
	}()
	out, err := runHandler(ctx, handler, args, HandlerOptions{
		Dispatcher: w.currentDispatcher(),
		Logger:     w.logger,
	})
	if err != nil {
		w.logger.Warn("tool: workflow handler failed", "tool", toolName, "error", err)
	}
	return finishHandler(out, err, CodeHandlerError)
}

// Available reports whether a dispatcher is installed.
func (w *WorkflowAdapter) Available(ctx context.Context) bool {
	return w.currentDispatcher() != nil
}
