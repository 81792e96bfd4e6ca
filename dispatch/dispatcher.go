// Package dispatch routes tool calls to their backends.
//
// A call is looked up in the catalog, its arguments are validated against the
// tool's parameter schema, and it is executed by the adapter the definition
// names with the tool's handler unit. Every outcome, including internal
// faults, is returned as a tool.Result; Dispatch never panics and never
// returns a Go error.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/toolgate/tool"
)

// Catalog resolves tool definitions by name. *tool.Registry satisfies it.
type Catalog interface {
	Get(name string) (tool.Definition, bool)
}

// Observation captures one dispatch outcome.
type Observation struct {
	ID           string
	ToolName     string
	Adapter      string
	Args         map[string]any
	Success      bool
	ErrorCode    string
	ErrorMessage string
	DurationMS   int64
	StartedAt    time.Time
}

// Observer receives every dispatch outcome.
type Observer interface {
	ObserveDispatch(ctx context.Context, observation Observation)
}

// Recorder persists dispatch outcomes.
type Recorder interface {
	Record(ctx context.Context, observation Observation) error
}

type noopObserver struct{}

func (noopObserver) ObserveDispatch(context.Context, Observation) {}

// Config configures a Dispatcher.
type Config struct {
	Catalog  Catalog
	Adapters tool.AdapterSet
	// Handlers supplies handler units. Nil fails every call with HANDLER_ERROR.
	Handlers *tool.HandlerCache
	Observer Observer
	Recorder Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// Dispatcher executes tool calls. It is safe for concurrent use and may be
// re-entered by workflow handlers.
type Dispatcher struct {
	catalog  Catalog
	adapters tool.AdapterSet
	handlers *tool.HandlerCache
	observer Observer
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Dispatcher. Catalog is required.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("dispatch: catalog is required")
	}
	d := &Dispatcher{
		catalog:  cfg.Catalog,
		adapters: cfg.Adapters,
		handlers: cfg.Handlers,
		observer: cfg.Observer,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if d.adapters == nil {
		d.adapters = tool.AdapterSet{}
	}
	if d.handlers == nil {
		d.handlers = tool.NewHandlerCache(nil)
	}
	if d.observer == nil {
		d.observer = noopObserver{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d, nil
}

// Dispatch executes the named tool with args.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (res tool.Result) {
	start := d.now()
	obs := Observation{ID: uuid.NewString(), ToolName: name, Args: args, StartedAt: start}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch: call panicked", "tool", name, "panic", r, "stack", string(debug.Stack()))
			res = tool.Fail(tool.CodeHandlerError, fmt.Sprintf("execution panicked: %v", r))
		}
		res = conform(res)
		res.DurationMS = d.now().Sub(start).Milliseconds()
		d.finish(ctx, obs, res)
	}()

	def, ok := d.catalog.Get(name)
	if !ok {
		return tool.Fail(tool.CodeToolNotFound, "Tool not found: "+name)
	}
	obs.Adapter = def.Adapter

	normalized, err := tool.NormalizeArgs(args)
	if err != nil {
		return tool.Fail(tool.CodeSchemaValidationFailed, "Argument validation failed: "+err.Error())
	}
	obs.Args = normalized
	if violations := def.ValidateArgs(normalized); len(violations) > 0 {
		return tool.Fail(tool.CodeSchemaValidationFailed, "Argument validation failed: "+strings.Join(violations, "; "))
	}

	adapter, ok := d.adapters[def.Adapter]
	if !ok || adapter == nil {
		return tool.Fail(tool.CodeAdapterNotAvailable, fmt.Sprintf("Adapter %q is not available", def.Adapter))
	}

	handler, err := d.handlers.Load(name)
	if err != nil {
		return tool.Fail(tool.CodeHandlerError, fmt.Sprintf("Failed to load handler: %v", err))
	}

	return adapter.Execute(ctx, name, normalized, handler)
}

// Available reports, per adapter name, whether the backend can serve calls.
func (d *Dispatcher) Available(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(d.adapters))
	for name, adapter := range d.adapters {
		out[name] = adapter != nil && adapter.Available(ctx)
	}
	return out
}

// conform restores the invariant that a failure always carries a code and a
// success never does.
func conform(res tool.Result) tool.Result {
	if res.Success {
		res.ErrorCode = ""
		res.ErrorMessage = ""
	} else if res.ErrorCode == "" {
		res.ErrorCode = tool.CodeInvocationFailed
	}
	if res.Data == nil {
		res.Data = map[string]any{}
	}
	return res
}

func (d *Dispatcher) finish(ctx context.Context, obs Observation, res tool.Result) {
	obs.Success = res.Success
	obs.ErrorCode = res.ErrorCode
	obs.ErrorMessage = res.ErrorMessage
	obs.DurationMS = res.DurationMS

	if res.Success {
		d.logger.Info("dispatch: call completed", "tool", obs.ToolName, "adapter", obs.Adapter, "duration_ms", res.DurationMS)
	} else {
		d.logger.Warn("dispatch: call failed",
			"tool", obs.ToolName,
			"adapter", obs.Adapter,
			"code", res.ErrorCode,
			"error", res.ErrorMessage,
			"duration_ms", res.DurationMS,
		)
	}

	d.safely("observer", func() { d.observer.ObserveDispatch(ctx, obs) })
	if d.recorder != nil {
		d.safely("recorder", func() {
			if err := d.recorder.Record(context.WithoutCancel(ctx), obs); err != nil {
				d.logger.Warn("dispatch: record call failed", "tool", obs.ToolName, "error", err)
			}
		})
	}
}

func (d *Dispatcher) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch: "+what+" panicked", "panic", r)
		}
	}()
	fn()
}

var _ tool.Dispatcher = (*Dispatcher)(nil)
