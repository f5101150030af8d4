package credentials

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads whenever the key file changes to a new key, until ctx is
// cancelled. A reloader without a key file makes Watch a no-op.
func (r *Reloader) Watch(ctx context.Context) error {
	path := r.KeyFile()
	if path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "credentials: new watcher")
	}
	// Watch the directory too so editors that replace the file are seen.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return errors.Wrapf(err, "credentials: watch %s", dir)
	}
	if err := w.Add(path); err != nil {
		slog.Warn("credentials: watch add", "path", path, "err", err)
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				debounce.Stop()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(path); err != nil {
						slog.Debug("credentials: watch re-add", "path", path, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(watchDebounce)
				}
			case <-debounce.C:
				if _, err := r.ReloadIfChanged(); err != nil {
					slog.Error("credentials: reload failed", "err", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("credentials: watch error", "err", err)
			}
		}
	}()
	return nil
}
