package tool

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher applies definition file changes in one directory to a Registry.
type Watcher struct {
	registry *Registry
	dir      string
	logger   *slog.Logger

	fs   *fsnotify.Watcher
	done chan struct{}
}

// StartWatching begins applying changes under dir to the registry: created or
// written files are registered and removed or renamed files are unregistered.
// It is a no-op when a watcher is already running.
func (r *Registry) StartWatching(dir string) error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.watcher != nil {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tool: create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("tool: watch %q: %w", dir, err)
	}

	w := &Watcher{
		registry: r,
		dir:      filepath.Clean(dir),
		logger:   r.logger.With("watch_dir", dir),
		fs:       fsw,
		done:     make(chan struct{}),
	}
	go w.run()
	r.watcher = w
	r.logger.Info("tool: watching definitions", "dir", dir)
	return nil
}

// StopWatching stops the running watcher, if any, and waits for it to exit.
// The registry can be watched again afterwards.
func (r *Registry) StopWatching() error {
	r.watchMu.Lock()
	w := r.watcher
	r.watcher = nil
	r.watchMu.Unlock()
	if w == nil {
		return nil
	}
	err := w.fs.Close()
	<-w.done
	return err
}

// Watching reports whether a watcher is running.
func (r *Registry) Watching() bool {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	return r.watcher != nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.apply(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("tool: watcher overflow, reloading directory")
				if _, err := w.registry.LoadFromDirectory(w.dir); err != nil {
					w.logger.Error("tool: reload after overflow failed", "error", err)
				}
				continue
			}
			w.logger.Error("tool: watcher error", "error", err)
		}
	}
}

func (w *Watcher) apply(event fsnotify.Event) {
	if !IsDefinitionFile(event.Name) {
		return
	}
	path := filepath.Clean(event.Name)

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if name, removed := w.registry.unregisterFile(path); removed {
			w.logger.Info("tool: definition file removed", "path", path, "tool", name)
		}
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		if err := w.registry.registerFile(path); err != nil {
			w.logger.Warn("tool: ignoring definition change", "path", path, "error", err)
		}
	}
}
