package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tchow/ptydeck/internal/logging"
)

var cfgLog = logging.ForComponent(logging.CompConfig)

// Watcher reloads the config file when it changes on disk and hands the
// fresh value to onReload. Editors often write in bursts (truncate, write,
// rename), so events are debounced before reloading.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload func(*Config)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher for the config file at path. Call Start to
// begin watching.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:     path,
		watcher:  fw,
		onReload: onReload,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The containing directory is watched rather than
// the file itself so atomic-rename saves are seen.
func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.done)

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		cfgLog.Warn("config_watch_add_failed",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
		return
	}

	var debounceTimer *time.Timer
	var debounceMu sync.Mutex

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			debounceMu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(100*time.Millisecond, w.reload)
			debounceMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			cfgLog.Warn("config_watch_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		cfgLog.Warn("config_reload_failed",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}
	cfgLog.Info("config_reloaded", slog.String("path", w.path))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Stop shuts the watcher down and waits for the run loop to exit.
func (w *Watcher) Stop() {
	w.cancel()
	_ = w.watcher.Close()
	<-w.done
}
