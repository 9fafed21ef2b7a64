package plugin

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// dirWatcher watches the plugins directory for tree changes made outside
// the manager's own API (an operator manually dropping or removing a
// plugin tree) and triggers a reload callback (spec §4.3, optional,
// gated by config — supplementing the original's SIGHUP-triggered
// reload). Grounded on gravwell's filewatch.WatchManager for the
// fsnotify.Watcher lifecycle shape, generalized from file-offset tailing
// to a single directory-level Create/Remove/Rename trigger.
type dirWatcher struct {
	w        *fsnotify.Watcher
	onReload func()
	logger   *slog.Logger
}

func newDirWatcher(pluginsDir string, onReload func(), logger *slog.Logger) (*dirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(pluginsDir); err != nil {
		w.Close()
		return nil, err
	}
	return &dirWatcher{w: w, onReload: onReload, logger: logger}, nil
}

// Run blocks until ctx is cancelled or the watcher's channels close.
func (dw *dirWatcher) Run(ctx context.Context) {
	defer dw.w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-dw.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			dw.logger.Info("plugin tree changed outside manager API", "event", ev.String())
			if dw.onReload != nil {
				dw.onReload()
			}
		case err, ok := <-dw.w.Errors:
			if !ok {
				return
			}
			dw.logger.Error("plugin directory watcher error", "error", err)
		}
	}
}
