package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

var (
	// ErrHandlerNotFound is returned when no handler unit exists for a tool.
	ErrHandlerNotFound = errors.New("tool: handler not found")
	// ErrHandlerNoEntryPoint is returned when a handler unit exists but cannot be executed.
	ErrHandlerNoEntryPoint = errors.New("tool: handler has no entry point")
)

// Dispatcher is the upward dispatch contract. Workflow handlers receive one to
// issue nested tool calls.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, args map[string]any) Result
}

// HandlerOptions carries per-call context from the adapter to the handler.
type HandlerOptions struct {
	// Dispatcher is set by the workflow adapter; nil elsewhere.
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

// Handler is the per-tool unit of logic an adapter runs.
type Handler interface {
	Execute(ctx context.Context, args map[string]any, opts HandlerOptions) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args map[string]any, opts HandlerOptions) (Result, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, args map[string]any, opts HandlerOptions) (Result, error) {
	return f(ctx, args, opts)
}

// HandlerLoader resolves a handler unit by name (see UnitName).
type HandlerLoader func(unit string) (Handler, error)

// UnitName maps a dotted tool name to its handler unit name.
func UnitName(toolName string) string {
	return strings.ReplaceAll(toolName, ".", "_")
}

// MapLoader serves handler units from a fixed map.
func MapLoader(units map[string]Handler) HandlerLoader {
	return func(unit string) (Handler, error) {
		h, ok := units[unit]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, unit)
		}
		return h, nil
	}
}

// HandlerCache loads each tool's handler once and reuses it. Failed loads are
// not cached, so a later call retries.
type HandlerCache struct {
	loader HandlerLoader

	mu    sync.Mutex
	cache map[string]Handler
}

// NewHandlerCache wraps loader with a per-tool cache.
func NewHandlerCache(loader HandlerLoader) *HandlerCache {
	return &HandlerCache{loader: loader, cache: make(map[string]Handler)}
}

// Load returns the handler for toolName.
func (c *HandlerCache) Load(toolName string) (Handler, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.cache[toolName]; ok {
		return h, nil
	}
	unit := UnitName(toolName)
	if c.loader == nil {
		return nil, fmt.Errorf("%w: %s (no loader configured)", ErrHandlerNotFound, unit)
	}
	h, err := c.loader(unit)
	if err != nil {
		return nil, fmt.Errorf("tool: load handler %s: %w", unit, err)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNoEntryPoint, unit)
	}
	c.cache[toolName] = h
	return h, nil
}

// Len returns the number of cached handlers.
func (c *HandlerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Reset drops every cached handler.
func (c *HandlerCache) Reset() {
	c.mu.Lock()
	c.cache = make(map[string]Handler)
	c.mu.Unlock()
}
