package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gantry-ai/gantry/pkg/observability"
)

// Watcher reloads the YAML config file when it changes on disk and invokes
// the registered callback with the freshly parsed config. Parse failures keep
// the previous config in effect.
type Watcher struct {
	path     string
	logger   *observability.Logger
	onReload func(*FileConfig)
	watcher  *fsnotify.Watcher

	// debounce coalesces the write+rename bursts editors and configmap
	// updates produce into a single reload
	debounce time.Duration
}

// NewWatcher creates a config file watcher
func NewWatcher(path string, logger *observability.Logger, onReload func(*FileConfig)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory, not the file: k8s configmap mounts replace the
	// file via rename, which drops a direct file watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &Watcher{
		path:     path,
		logger:   logger,
		onReload: onReload,
		watcher:  fsw,
		debounce: 500 * time.Millisecond,
	}, nil
}

// Run processes file events until the context is cancelled
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var reloadTimer *time.Timer
	reloadC := make(chan struct{}, 1)

	scheduleReload := func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
		reloadTimer = time.AfterFunc(w.debounce, func() {
			select {
			case reloadC <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("config watcher error")

		case <-reloadC:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFile(w.path)
	if err != nil {
		w.logger.WithError(err).Error("config reload failed, keeping previous config")
		return
	}
	w.logger.Infof("config reloaded: %d model deployments", len(cfg.ModelList))
	w.onReload(cfg)
}
