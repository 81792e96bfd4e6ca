// Package daemon assembles the gateway: tool catalog, backends, dispatcher,
// remote pipe listener, call journal, and HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/toolgate/dispatch"
	"github.com/petal-labs/toolgate/handlers"
	"github.com/petal-labs/toolgate/journal"
	gateotel "github.com/petal-labs/toolgate/otel"
	"github.com/petal-labs/toolgate/tool"
	"github.com/petal-labs/toolgate/transport"
)

const (
	instrumentationName = "github.com/petal-labs/toolgate"
	shutdownTimeout     = 10 * time.Second
)

// AppOptions supplies optional collaborators to NewApp.
type AppOptions struct {
	Logger *slog.Logger
	// Meter and Tracer default to the global OpenTelemetry providers.
	Meter  metric.Meter
	Tracer trace.Tracer
	// Handlers overrides the bundled handler units.
	Handlers tool.HandlerLoader
}

// App is the application context. It is built once by the serve command and
// closed on shutdown.
type App struct {
	cfg    Config
	logger *slog.Logger

	registry   *tool.Registry
	pipe       *tool.PipeAdapter
	adapters   tool.AdapterSet
	dispatcher *dispatch.Dispatcher
	handlers   *tool.HandlerCache
	journal    *journal.Store
	server     *transport.Server
	keepalive  *transport.Keepalive
	metrics    *gateotel.PipeMetrics
	catalog    *gateotel.CatalogMetrics

	closeOnce sync.Once
	closeErr  error
}

// NewApp wires every component from cfg and loads the tool catalog. It does
// not open any listener; see Run.
func NewApp(cfg Config, opts AppOptions) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	meter := opts.Meter
	if meter == nil {
		meter = otelapi.GetMeterProvider().Meter(instrumentationName)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otelapi.GetTracerProvider().Tracer(instrumentationName)
	}

	a := &App{cfg: cfg, logger: logger}

	a.registry = tool.NewRegistry(tool.RegistryConfig{
		Adapters: []string{tool.AdapterRevit, tool.AdapterPyRevit, tool.AdapterDynamo, tool.AdapterWorkflow},
		Logger:   logger,
	})
	n, err := a.registry.LoadFromDirectory(cfg.Tools.Dir)
	if err != nil {
		return nil, fmt.Errorf("daemon: load tools: %w", err)
	}
	logger.Info("daemon: tool catalog loaded", "dir", cfg.Tools.Dir, "tools", n)

	a.pipe = tool.NewPipeAdapter(tool.PipeAdapterConfig{Timeout: cfg.Pipe.Timeout, Logger: logger})
	workflow := tool.NewWorkflowAdapter(tool.WorkflowAdapterConfig{Logger: logger})
	a.adapters = tool.NewAdapterSet(
		a.pipe,
		tool.NewSubprocessAdapter(tool.SubprocessAdapterConfig{Command: cfg.Scripts.Command, Logger: logger}),
		tool.NewGraphAdapter(a.pipe, tool.GraphAdapterConfig{Logger: logger}),
		workflow,
	)

	loader := opts.Handlers
	if loader == nil {
		loader = handlers.Loader(handlers.Config{
			ScriptCommand: cfg.Scripts.Command,
			ScriptArgs:    cfg.Scripts.Args,
			ScriptTimeout: cfg.Scripts.Timeout,
			Logger:        logger,
		})
	}

	observer, err := gateotel.NewDispatchObserver(meter, tracer)
	if err != nil {
		return nil, fmt.Errorf("daemon: initializing dispatch observability: %w", err)
	}
	a.metrics, err = gateotel.NewPipeMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("daemon: initializing pipe metrics: %w", err)
	}
	a.catalog, err = gateotel.NewCatalogMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("daemon: initializing catalog metrics: %w", err)
	}

	var recorder dispatch.Recorder
	if path := strings.TrimSpace(cfg.Journal.Path); path != "" {
		a.journal, err = journal.Open(journal.Config{
			DSN:          path,
			RetentionAge: cfg.Journal.Retention,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("daemon: open journal: %w", err)
		}
		recorder = a.journal
	}

	a.handlers = tool.NewHandlerCache(loader)
	a.dispatcher, err = dispatch.New(dispatch.Config{
		Catalog:  a.registry,
		Adapters: a.adapters,
		Handlers: a.handlers,
		Observer: observer,
		Recorder: recorder,
		Logger:   logger,
	})
	if err != nil {
		_ = a.closeJournal()
		return nil, err
	}
	workflow.SetDispatcher(a.dispatcher)
	a.registry.OnChange(a.onCatalogChange)

	a.server = transport.NewServer(transport.ServerConfig{
		Network:      cfg.Pipe.Network,
		Address:      cfg.Pipe.Address,
		Timeout:      cfg.Pipe.Timeout,
		OnConnect:    a.onConnect,
		OnDisconnect: a.onDisconnect,
		Logger:       logger,
	})
	a.keepalive, err = transport.NewKeepalive(transport.KeepaliveConfig{
		Interval:    cfg.Pipe.PingInterval,
		Timeout:     cfg.Pipe.PingTimeout,
		Connections: a.server.Connections,
		OnIdleClose: a.metrics.KeepaliveClosed,
		Logger:      logger,
	})
	if err != nil {
		_ = a.closeJournal()
		return nil, err
	}
	return a, nil
}

// Dispatcher returns the tool dispatcher.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Registry returns the tool catalog.
func (a *App) Registry() *tool.Registry { return a.registry }

// Journal returns the call journal, or nil when it is disabled.
func (a *App) Journal() *journal.Store { return a.journal }

// Run serves the remote pipe listener, keepalive, catalog watcher, and HTTP
// API until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.ListenAndServe(ctx)
	})

	a.keepalive.Start()
	defer a.keepalive.Stop()

	if a.cfg.Tools.Watch {
		if err := a.registry.StartWatching(a.cfg.Tools.Dir); err != nil {
			a.logger.Warn("daemon: tool hot reload disabled", "dir", a.cfg.Tools.Dir, "error", err)
		} else {
			defer func() { _ = a.registry.StopWatching() }()
		}
	}

	if addr := strings.TrimSpace(a.cfg.HTTP.Addr); addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("daemon: http api listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("daemon: http api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.logger.Info("daemon: pipe listening", "network", a.cfg.Pipe.Network, "address", a.cfg.Pipe.Address)
	return g.Wait()
}

// Close releases every resource. It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.keepalive.Stop()
		a.closeErr = errors.Join(
			a.server.Close(),
			a.registry.StopWatching(),
			a.closeJournal(),
		)
	})
	return a.closeErr
}

func (a *App) closeJournal() error {
	if a.journal == nil {
		return nil
	}
	return a.journal.Close()
}

// onConnect hands a new peer connection to the pipe adapter. A newer
// connection replaces the held one.
// onCatalogChange drops cached handlers so a reloaded definition gets a
// freshly loaded unit on its next call.
func (a *App) onCatalogChange() {
	n := a.registry.Len()
	a.handlers.Reset()
	a.catalog.Changed(n)
	a.logger.Info("daemon: tool catalog changed", "tools", n)
}

func (a *App) onConnect(conn *transport.Conn) {
	a.pipe.SetConn(conn)
	a.metrics.Connected(conn.ID())
	a.logger.Info("daemon: remote peer connected", "conn_id", conn.ID())
}

func (a *App) onDisconnect(conn *transport.Conn) {
	if a.pipe.ClearConn(conn) {
		a.logger.Info("daemon: remote peer disconnected", "conn_id", conn.ID())
	}
	a.metrics.Disconnected(conn.ID())
}
