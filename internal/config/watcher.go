package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher delivers immutable configuration snapshots when the file on disk
// changes. File system events only mark the config dirty; the reload itself
// happens in Poll, which the polling loop calls once per cycle. The file mtime
// is compared as well so edits are noticed when no events arrive.
type Watcher struct {
	path    string
	logger  *slog.Logger
	fsw     *fsnotify.Watcher
	dirty   atomic.Bool
	modTime time.Time
	current *Config
}

// NewWatcher starts watching path. initial is the already loaded and
// validated configuration.
func NewWatcher(path string, initial *Config, logger *slog.Logger) *Watcher {
	w := &Watcher{
		path:    path,
		logger:  logger.With(slog.String("component", "config_watcher")),
		current: initial,
		modTime: fileModTime(path),
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, falling back to mtime polling", slog.String("error", err.Error()))
		return w
	}
	// Watch the directory: editors often replace the file instead of writing it.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		w.logger.Warn("cannot watch config directory", slog.String("error", err.Error()))
		_ = fsw.Close()
		return w
	}
	w.fsw = fsw
	go w.drain()
	return w
}

func (w *Watcher) drain() {
	target := filepath.Clean(w.path)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == target && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.dirty.Store(true)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", slog.String("error", err.Error()))
		}
	}
}

// Current returns the active snapshot.
func (w *Watcher) Current() *Config {
	return w.current
}

// Poll reloads the configuration when the file changed since the last call.
// It returns the new snapshot and true on a successful reload. A file that
// fails to parse or validate is logged and ignored; the previous snapshot
// stays active.
func (w *Watcher) Poll() (*Config, bool) {
	mt := fileModTime(w.path)
	changed := w.dirty.Swap(false) || !mt.Equal(w.modTime)
	if !changed {
		return w.current, false
	}
	w.modTime = mt

	next, err := Load(w.path)
	if err == nil {
		err = next.Validate()
	}
	if err != nil {
		w.logger.Error("config reload rejected", slog.String("error", err.Error()))
		return w.current, false
	}

	w.logger.Info("config reloaded",
		slog.Int("traders", len(next.EnabledTraders())),
		slog.Float64("max_total_exposure", next.Risk.MaxTotalExposure),
	)
	w.current = next
	return next, true
}

// Close stops the file system watcher.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	if err := w.fsw.Close(); err != nil {
		return fmt.Errorf("config: close watcher: %w", err)
	}
	return nil
}

func fileModTime(path string) time.Time {
	st, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return st.ModTime()
}

// TraderDiff describes how the enabled trader set changed between two
// snapshots. Wallets are lowercased.
type TraderDiff struct {
	Added   []TraderConfig
	Removed []string
	Changed []TraderConfig // allocation or name changed
}

// Empty reports whether nothing changed.
func (d TraderDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffTraders compares the enabled traders of two snapshots.
func DiffTraders(prev, next *Config) TraderDiff {
	before := make(map[string]TraderConfig)
	for _, t := range prev.EnabledTraders() {
		before[t.Wallet()] = t
	}

	var d TraderDiff
	after := make(map[string]bool)
	for _, t := range next.EnabledTraders() {
		after[t.Wallet()] = true
		old, ok := before[t.Wallet()]
		switch {
		case !ok:
			d.Added = append(d.Added, t)
		case old.AllocatedCapital != t.AllocatedCapital || old.Name != t.Name:
			d.Changed = append(d.Changed, t)
		}
	}
	for _, t := range prev.EnabledTraders() {
		if !after[t.Wallet()] {
			d.Removed = append(d.Removed, t.Wallet())
		}
	}
	return d
}
