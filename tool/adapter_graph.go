package tool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// GraphAdapterConfig configures a GraphAdapter.
type GraphAdapterConfig struct {
	// Name defaults to AdapterDynamo.
	Name   string
	Logger *slog.Logger
}

// GraphAdapter runs graphs on the graph engine hosted by the remote peer. The
// handler prepares the request; the prepared data is then sent through the
// pipe adapter under the same tool name.
type GraphAdapter struct {
	name   string
	pipe   *PipeAdapter
	logger *slog.Logger
}

// NewGraphAdapter creates a graph adapter that forwards through pipe.
func NewGraphAdapter(pipe *PipeAdapter, cfg GraphAdapterConfig) *GraphAdapter {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = AdapterDynamo
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphAdapter{name: name, pipe: pipe, logger: logger.With("adapter", name)}
}

func (g *GraphAdapter) Name() string { return g.name }

// Execute prepares the graph request with the handler and forwards it.
func (g *GraphAdapter) Execute(ctx context.Context, toolName string, args map[string]any, handler Handler) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("tool: graph adapter panicked", "tool", toolName, "panic", r)
			res = Fail(CodeDynamoExecutionError, fmt.Sprintf("adapter panicked: %v", r))
		}
	}()

	out, err := runHandler(ctx, handler, args, HandlerOptions{Logger: g.logger})
	prepared := finishHandler(out, err, CodeDynamoExecutionError)
	if !prepared.Success {
		g.logger.Warn("tool: graph preparation failed", "tool", toolName, "code", prepared.ErrorCode)
		return prepared
	}
	if g.pipe == nil {
		return Fail(CodeAdapterNotAvailable, "graph engine host is not configured")
	}
	return g.pipe.Call(ctx, toolName, prepared.Data)
}

// Available mirrors the pipe adapter: the graph engine lives on the remote peer.
func (g *GraphAdapter) Available(ctx context.Context) bool {
	return g.pipe != nil && g.pipe.Available(ctx)
}
