package source

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/NVIDIA/OSMO-sub002/internal/model"
)

// DefaultDebounce coalesces bursts of writes to the same dumps.
const DefaultDebounce = 500 * time.Millisecond

// Sink receives the tasks of changed files.
type Sink func(ctx context.Context, tasks []model.Task) error

// Watcher rescans the patterns whenever a matching file is written.
type Watcher struct {
	loader   *Loader
	patterns []string
	debounce time.Duration
	sink     Sink
	logger   *slog.Logger
}

func NewWatcher(loader *Loader, patterns []string, debounce time.Duration, sink Sink, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		loader:   loader,
		patterns: patterns,
		debounce: debounce,
		sink:     sink,
		logger:   logger,
	}
}

// Sync scans once and hands every changed file to the sink. It returns
// the number of tasks delivered.
func (w *Watcher) Sync(ctx context.Context) (int, error) {
	results, err := w.loader.Scan(w.patterns)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, res := range results {
		if len(res.Tasks) == 0 {
			continue
		}
		if err := w.sink(ctx, res.Tasks); err != nil {
			// Reload on the next scan.
			w.loader.Forget(res.Path)
			w.logger.Error("failed to deliver tasks", "file", res.Path, "error", err)
			continue
		}
		total += len(res.Tasks)
		w.logger.Info("loaded dump", "file", res.Path, "tasks", len(res.Tasks), "skipped", res.Skipped)
	}
	if len(results) > 0 {
		if err := w.loader.SaveState(); err != nil {
			w.logger.Warn("failed to save source state", "error", err)
		}
	}
	return total, nil
}

// Run syncs, then watches the base directories of the patterns until ctx
// is done.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := w.Sync(ctx); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	for _, p := range w.patterns {
		base, _ := doublestar.SplitPattern(filepath.ToSlash(p))
		w.addTree(fw, filepath.FromSlash(base))
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					w.addTree(fw, ev.Name)
					timer.Reset(w.debounce)
					continue
				}
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				if w.matches(ev.Name) {
					timer.Reset(w.debounce)
				}
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)

		case <-timer.C:
			if _, err := w.Sync(ctx); err != nil {
				w.logger.Error("rescan failed", "error", err)
			}
		}
	}
}

func (w *Watcher) matches(name string) bool {
	name = filepath.ToSlash(name)
	for _, p := range w.patterns {
		if ok, _ := doublestar.Match(filepath.ToSlash(p), name); ok {
			return true
		}
	}
	return false
}

// addTree watches dir and its subdirectories.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			if err := fw.Add(path); err != nil {
				w.logger.Warn("failed to watch directory", "dir", path, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("failed to walk directory", "dir", dir, "error", err)
	}
}
