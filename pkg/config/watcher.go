package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/agentd/pkg/telemetry"
)

// DefaultReloadDelay is how long the watcher waits for writes to settle.
const DefaultReloadDelay = 500 * time.Millisecond

// ReloadFunc receives freshly loaded, valid definitions.
type ReloadFunc func(ctx context.Context, defs *Definitions) error

// Watcher reloads definitions when their files change.
type Watcher struct {
	loader  *Loader
	paths   []string
	delay   time.Duration
	logger  *telemetry.Logger
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	timer  *time.Timer
	reload ReloadFunc
	done   chan struct{}
}

// NewWatcher creates a watcher over the given definition files or
// directories. A zero delay uses DefaultReloadDelay; a nil logger discards.
func NewWatcher(loader *Loader, paths []string, delay time.Duration, logger *telemetry.Logger) *Watcher {
	if delay <= 0 {
		delay = DefaultReloadDelay
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Watcher{
		loader: loader,
		paths:  paths,
		delay:  delay,
		logger: logger.NewComponentLogger("config.watcher"),
		done:   make(chan struct{}),
	}
}

// Watch starts watching and calls reloadFn after each settled change whose
// definitions load without errors. Invalid definitions are logged and
// skipped, leaving the last applied set in place. Watching stops when ctx
// is cancelled.
func (w *Watcher) Watch(ctx context.Context, reloadFn ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = watcher
	w.reload = reloadFn

	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			w.logger.WithError(err).WithField("path", path).Warn("Failed to stat path for watching")
			continue
		}

		// Files are watched through their directory; editors replace
		// them by rename.
		dir := path
		if !info.IsDir() {
			dir = filepath.Dir(path)
		}
		if err := w.watchDirectory(dir); err != nil {
			w.logger.WithError(err).WithField("path", path).Warn("Failed to watch path")
		}
	}

	go w.processEvents(ctx)

	w.logger.WithField("paths", len(w.paths)).Info("Started watching agent definitions")
	return nil
}

// Done is closed once the watcher has stopped.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) watchDirectory(dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !w.relevant(event.Name) {
				continue
			}

			w.logger.WithFields(map[string]interface{}{
				"file": event.Name,
				"op":   event.Op.String(),
			}).Debug("Definitions file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.delay, func() { w.triggerReload(ctx) })
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Watcher error")
		}
	}
}

// relevant reports whether a changed file belongs to the watched set.
func (w *Watcher) relevant(name string) bool {
	if !definitionExts[filepath.Ext(name)] {
		return false
	}
	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			rel, err := filepath.Rel(path, name)
			if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return true
			}
			continue
		}
		if filepath.Clean(path) == filepath.Clean(name) {
			return true
		}
	}
	return false
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) triggerReload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	w.logger.Info("Reloading agent definitions...")

	defs, err := w.loader.Load(ctx, w.paths...)
	if err == nil {
		err = defs.Err()
	}
	if err != nil {
		w.logger.WithError(err).Error("Failed to reload agent definitions")
		return
	}

	if err := w.reload(ctx, defs); err != nil {
		w.logger.WithError(err).Error("Failed to apply reloaded agent definitions")
		return
	}

	w.logger.WithField("agents", len(defs.Agents)).Info("Agent definitions reloaded")
}
