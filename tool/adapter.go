package tool

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
)

// Adapter names used by the bundled backends.
const (
	AdapterRevit    = "revit"
	AdapterPyRevit  = "pyrevit"
	AdapterDynamo   = "dynamo"
	AdapterWorkflow = "workflow"
)

// Adapter hides how a backend executes a tool (remote pipe, subprocess,
// delegated graph, workflow).
type Adapter interface {
	Name() string
	// Execute runs toolName. It never panics; failures are reported as a
	// failed Result.
	Execute(ctx context.Context, toolName string, args map[string]any, handler Handler) Result
	// Available reports whether the backend can currently serve calls.
	Available(ctx context.Context) bool
}

// AdapterSet indexes adapters by name.
type AdapterSet map[string]Adapter

// NewAdapterSet indexes adapters by their Name. Later adapters replace
// earlier ones with the same name.
func NewAdapterSet(adapters ...Adapter) AdapterSet {
	set := make(AdapterSet, len(adapters))
	for _, a := range adapters {
		if a != nil {
			set[a.Name()] = a
		}
	}
	return set
}

// Names returns the adapter names in sorted order.
func (s AdapterSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// runHandler executes handler with panic recovery. A panic is returned as an
// error carrying the panic value.
func runHandler(ctx context.Context, handler Handler, args map[string]any, opts HandlerOptions) (res Result, err error) {
	if handler == nil {
		return Result{}, ErrHandlerNoEntryPoint
	}
	defer func() {
		if r := recover(); r != nil {
			if opts.Logger != nil {
				opts.Logger.Error("tool: handler panicked", "panic", r, "stack", string(debug.Stack()))
			}
			res = Result{}
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.Execute(ctx, args, opts)
}

// finishHandler turns a handler outcome into a Result, reporting handler
// errors under fallback.
func finishHandler(res Result, err error, fallback string) Result {
	if err != nil {
		return FailFromError(err, fallback)
	}
	if !res.Success && res.ErrorCode == "" {
		res.ErrorCode = fallback
	}
	if res.Data == nil {
		res.Data = map[string]any{}
	}
	return res
}
