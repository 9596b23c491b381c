package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a config file for changes. It subscribes to the file's
// directory with fsnotify (atomic saves replace the file, so watching the
// file itself would lose track after the first rename) and also polls at
// interval in case notifications are unavailable or dropped.
// A change is reported when the file's content hash differs from the last
// one seen, so rewrites that only touch the modification time are ignored.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger
	onChange func()
	lastMod  time.Time
	lastSum  []byte
}

// NewWatcher creates a config file watcher.
func NewWatcher(path string, interval time.Duration, logger *slog.Logger, onChange func()) *Watcher {
	return &Watcher{
		path:     path,
		interval: interval,
		logger:   logger.With("component", "config-watcher"),
		onChange: onChange,
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.lastMod, w.lastSum = w.fingerprint()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if fsw := w.subscribe(); fsw != nil {
		defer fsw.Close()
		events, errs = fsw.Events, fsw.Errors
	}
	w.logger.Info("config watcher started", "path", w.path, "interval", w.interval, "notify", events != nil)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	base := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil
		case <-ticker.C:
			w.check()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) == base && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.compare()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("config watcher: notify error", "error", err)
		}
	}
}

// subscribe returns a notifier on the config directory, or nil when the
// platform cannot provide one.
func (w *Watcher) subscribe() *fsnotify.Watcher {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Debug("config watcher: notify unavailable, polling only", "error", err)
		return nil
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		w.logger.Debug("config watcher: cannot watch directory, polling only", "error", err)
		return nil
	}
	return fsw
}

func (w *Watcher) fingerprint() (time.Time, []byte) {
	info, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}, nil
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return info.ModTime(), nil
	}
	sum := sha256.Sum256(data)
	return info.ModTime(), sum[:]
}

// check is the polling path: it only hashes the file when the modification
// time moved.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config watcher: cannot stat file", "path", w.path, "error", err)
		return
	}
	if info.ModTime().Equal(w.lastMod) {
		return
	}
	w.compare()
}

func (w *Watcher) compare() {
	modTime, sum := w.fingerprint()
	w.lastMod = modTime
	if sum == nil || bytes.Equal(sum, w.lastSum) {
		return
	}
	w.lastSum = sum
	w.logger.Info("config file changed", "path", w.path, "modTime", modTime)
	if w.onChange != nil {
		w.onChange()
	}
}
