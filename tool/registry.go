package tool

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Adapters restricts definitions to these backend names. Empty admits any name.
	Adapters []string
	Logger   *slog.Logger
}

// Registry is the live tool catalog. Every mutation is applied atomically under
// one lock and then announced to OnChange subscribers.
type Registry struct {
	logger    *slog.Logger
	validator definitionValidator

	mu      sync.RWMutex
	tools   map[string]Definition
	sources map[string]string // definition file path -> tool name

	subsMu sync.Mutex
	subs   []func()

	watchMu sync.Mutex
	watcher *Watcher
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adapters := make([]string, 0, len(cfg.Adapters))
	for _, name := range cfg.Adapters {
		if clean := strings.TrimSpace(name); clean != "" {
			adapters = append(adapters, clean)
		}
	}
	slices.Sort(adapters)
	return &Registry{
		logger:    logger,
		validator: definitionValidator{adapters: slices.Compact(adapters)},
		tools:     make(map[string]Definition),
		sources:   make(map[string]string),
	}
}

// Validate checks def without admitting it. The returned error is a
// *ValidationError listing every violation.
func (r *Registry) Validate(def Definition) (Definition, error) {
	admitted, diags := r.Check(def)
	if hasErrors(diags) {
		return Definition{}, &ValidationError{Name: strings.TrimSpace(def.Name), Diagnostics: diags}
	}
	return admitted, nil
}

// Check returns every diagnostic for def, warnings included. The admitted
// copy is the zero Definition when any diagnostic is an error.
func (r *Registry) Check(def Definition) (Definition, []Diagnostic) {
	return r.validator.compile(def)
}

// LoadFromDirectory replaces the catalog with every valid definition file
// directly under dir. Invalid files are logged and skipped. A missing
// directory yields an empty catalog. It returns the number of tools loaded.
func (r *Registry) LoadFromDirectory(dir string) (int, error) {
	files, err := ListDefinitionFiles(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("tool: list definitions in %q: %w", dir, err)
		}
		r.logger.Warn("tool: definitions directory does not exist", "dir", dir)
		files = nil
	}

	tools := make(map[string]Definition, len(files))
	sources := make(map[string]string, len(files))
	for _, path := range files {
		def, err := r.loadFile(path)
		if err != nil {
			r.logger.Error("tool: skipping invalid definition", "path", path, "error", err)
			continue
		}
		if prev, dup := tools[def.Name]; dup {
			r.logger.Warn("tool: duplicate definition name, later file wins",
				"tool", def.Name, "path", path, "adapter", def.Adapter, "previous_adapter", prev.Adapter)
			for p, n := range sources {
				if n == def.Name {
					delete(sources, p)
				}
			}
		}
		tools[def.Name] = def
		sources[path] = def.Name
		r.logger.Debug("tool: loaded definition", "tool", def.Name, "path", path)
	}

	r.mu.Lock()
	r.tools = tools
	r.sources = sources
	r.mu.Unlock()

	r.logger.Info("tool: catalog loaded", "dir", dir, "tools", len(tools), "files", len(files))
	r.notify()
	return len(tools), nil
}

func (r *Registry) loadFile(path string) (Definition, error) {
	raw, err := LoadDefinitionFile(path)
	if err != nil {
		return Definition{}, err
	}
	def, diags := r.validator.compile(raw)
	if hasErrors(diags) {
		return Definition{}, &ValidationError{Name: strings.TrimSpace(raw.Name), Source: path, Diagnostics: diags}
	}
	for _, d := range diags {
		r.logger.Warn("tool: definition warning", "tool", def.Name, "path", path, "code", d.Code, "message", d.Message)
	}
	return def, nil
}

// Register validates def and inserts or replaces it. Subscribers are
// notified on success; on failure the catalog is unchanged.
func (r *Registry) Register(def Definition) error {
	admitted, err := r.Validate(def)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.tools[admitted.Name] = admitted
	r.mu.Unlock()

	r.logger.Info("tool: registered", "tool", admitted.Name, "adapter", admitted.Adapter)
	r.notify()
	return nil
}

// registerFile loads path and registers its definition, remembering which
// name came from which file.
func (r *Registry) registerFile(path string) error {
	def, err := r.loadFile(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if prevName, ok := r.sources[path]; ok && prevName != def.Name {
		delete(r.tools, prevName)
	}
	r.tools[def.Name] = def
	r.sources[path] = def.Name
	r.mu.Unlock()

	r.logger.Info("tool: registered from file", "tool", def.Name, "path", path)
	r.notify()
	return nil
}

// Unregister removes a tool. It returns false, without notifying, when the
// tool was not registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	_, ok := r.tools[name]
	if ok {
		delete(r.tools, name)
		for path, n := range r.sources {
			if n == name {
				delete(r.sources, path)
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.logger.Info("tool: unregistered", "tool", name)
	r.notify()
	return true
}

// unregisterFile removes the tool previously loaded from path, falling back
// to the file stem when the path was never seen.
func (r *Registry) unregisterFile(path string) (string, bool) {
	r.mu.RLock()
	name, ok := r.sources[path]
	r.mu.RUnlock()
	if !ok {
		name = fileStem(path)
	}
	return name, r.Unregister(name)
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// List returns every definition sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	out := make([]Definition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Definition) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Names returns every registered tool name in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// OnChange subscribes fn to every successful mutation. Subscribers run
// synchronously on the mutating goroutine; a panicking subscriber is logged
// and does not affect the others.
func (r *Registry) OnChange(fn func()) {
	if fn == nil {
		return
	}
	r.subsMu.Lock()
	r.subs = append(r.subs, fn)
	r.subsMu.Unlock()
}

func (r *Registry) notify() {
	r.subsMu.Lock()
	subs := slices.Clone(r.subs)
	r.subsMu.Unlock()

	for i, fn := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("tool: change subscriber panicked", "subscriber", i, "panic", rec)
				}
			}()
			fn()
		}()
	}
}
