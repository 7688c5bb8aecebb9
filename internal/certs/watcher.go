package certs

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher rebuilds the resolver when a certificate or key file changes on disk.
// Directories are watched instead of files so that atomic renames used by
// renewal tools are seen.
type Watcher struct {
	fs       *fsnotify.Watcher
	resolver *Resolver
	debounce time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	files map[string]bool
	dirs  map[string]bool
	timer *time.Timer
}

// NewWatcher creates a watcher that follows the files of every bundle the
// resolver publishes.
func NewWatcher(r *Resolver, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fs:       fw,
		resolver: r,
		debounce: debounce,
		logger:   logger,
		files:    make(map[string]bool),
		dirs:     make(map[string]bool),
	}
	r.OnRebuild(func(b *Bundle, _ error) { w.Sync(b.Files()) })
	w.Sync(r.Current().Files())
	return w, nil
}

// Sync makes the watched set match files.
func (w *Watcher) Sync(files []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	wantFiles := make(map[string]bool, len(files))
	wantDirs := make(map[string]bool)
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			continue
		}
		wantFiles[abs] = true
		wantDirs[filepath.Dir(abs)] = true
	}
	for d := range w.dirs {
		if !wantDirs[d] {
			_ = w.fs.Remove(d)
			delete(w.dirs, d)
		}
	}
	for d := range wantDirs {
		if w.dirs[d] {
			continue
		}
		if err := w.fs.Add(d); err != nil {
			w.logger.Warn("cannot watch certificate directory", "dir", d, "error", err)
			continue
		}
		w.dirs[d] = true
	}
	w.files = wantFiles
}

// Run processes file events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if !w.watching(ev.Name) {
				continue
			}
			w.logger.Debug("certificate file event", "path", ev.Name, "op", ev.Op.String())
			w.schedule()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("certificate watcher error", "error", err)
		}
	}
}

func (w *Watcher) watching(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files[abs]
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.logger.Info("certificate files changed, rebuilding")
		_ = w.resolver.Rebuild()
	})
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.fs.Close()
}
