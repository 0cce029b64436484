package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file on change and publishes immutable
// snapshots. Requests read Current() once at entry; a reload between
// requests swaps the pointer, a reload during a request is invisible.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	logger  *slog.Logger
	fsw     *fsnotify.Watcher
}

// NewWatcher loads path once and begins watching its directory. Watching
// the directory rather than the file survives rename-based atomic writes.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &Watcher{
		path:   path,
		logger: slog.Default().With("component", "config"),
		fsw:    fsw,
	}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the latest valid snapshot.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Run processes file events until ctx is done. A reload that fails
// validation keeps the previous snapshot and logs the error.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.fsw.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.WarnContext(ctx, "config reload rejected", "path", w.path, "error", err)
				continue
			}
			w.current.Store(cfg)
			w.logger.InfoContext(ctx, "config reloaded", "path", w.path)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WarnContext(ctx, "config watch error", "error", err)
		}
	}
}
