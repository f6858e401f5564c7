package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	"github.com/nais/hahaha/internal/logging"
)

// DefaultReloadDebounce collapses the burst of events an editor or a
// ConfigMap volume update produces.
const DefaultReloadDebounce = 500 * time.Millisecond

// Watcher reloads an action file into a Registry when it changes.
type Watcher struct {
	path     string
	registry *Registry
	debounce time.Duration
	logger   *slog.Logger

	// reloaded is signalled after every reload attempt, for tests.
	reloaded chan error
}

// NewWatcher returns a Watcher for path. A zero debounce uses the default.
func NewWatcher(path string, registry *Registry, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		path:     path,
		registry: registry,
		debounce: debounce,
		logger:   logging.Module(logger, "config").With("path", path),
	}
}

// Run watches the directory holding the file until ctx is done. Watching the
// directory rather than the file survives the symlink swap Kubernetes uses
// to update mounted ConfigMaps. A file that fails to load leaves the
// previous table in place.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "failed to watch %s", dir)
	}

	w.logger.Info("watching action file")

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !w.relevant(event) {
				continue
			}

			w.logger.Debug("action file event", "op", event.Op.String(), "name", event.Name)

			if timer != nil {
				timer.Stop()
			}

			timer = time.NewTimer(w.debounce)
			reload = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			w.logger.Error("file watcher error", "error", err)
		case <-reload:
			reload = nil
			w.signal(w.reload())
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}

	name := filepath.Base(event.Name)

	// ConfigMap volumes swap the ..data symlink on update.
	return filepath.Clean(event.Name) == filepath.Clean(w.path) || name == "..data"
}

func (w *Watcher) reload() error {
	actions, err := LoadActions(w.path)
	if err != nil {
		w.logger.Error("failed to reload action file, keeping previous actions", "error", err)

		return err
	}

	w.registry.Replace(actions)
	w.logger.Info("reloaded action file", "sidecars", w.registry.Names())

	return nil
}

func (w *Watcher) signal(err error) {
	if w.reloaded == nil {
		return
	}

	select {
	case w.reloaded <- err:
	default:
	}
}
