package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of writes an editor makes on save.
const DefaultDebounce = 200 * time.Millisecond

// ReloadEvent names a watched file that changed on disk. Op accumulates
// every operation seen during the debounce window.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports edits to the reloadable files in the home directory:
// config.yaml, policy.yaml and workers.yaml.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	debounce time.Duration
	events   chan ReloadEvent
}

var reloadable = map[string]bool{
	"config.yaml":  true,
	"policy.yaml":  true,
	"workers.yaml": true,
}

type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before a change is reported.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

func NewWatcher(homeDir string, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		debounce: DefaultDebounce,
		events:   make(chan ReloadEvent, len(reloadable)*2),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Events is closed once the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory until ctx is done. The directory, not
// the files, is watched so rename-over saves are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.events)
	defer fsw.Close()

	pending := map[string]fsnotify.Op{}
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !reloadable[filepath.Base(ev.Name)] {
				continue
			}
			pending[ev.Name] |= ev.Op
			timer.Reset(w.debounce)
		case <-timer.C:
			w.flush(pending)
			pending = map[string]fsnotify.Op{}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) flush(pending map[string]fsnotify.Op) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		w.logger.Info("config file changed", "path", p, "op", pending[p].String())
		select {
		case w.events <- ReloadEvent{Path: p, Op: pending[p]}:
		default:
			w.logger.Warn("reload event dropped; consumer is behind", "path", p)
		}
	}
}
