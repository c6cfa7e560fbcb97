// Package watcher installs add-on documents dropped into a directory while
// the server runs.
package watcher

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Installer installs one add-on document from disk.
type Installer interface {
	InstallFile(path string) error
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long a file must stay quiet before it is installed.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// Watcher reinstalls *.xml documents in a directory when they are created
// or rewritten. Removing a file does not uninstall its add-on.
type Watcher struct {
	inst     Installer
	dir      string
	debounce time.Duration
	logger   *slog.Logger

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	pending map[string]time.Time // path -> last event time
}

// New creates a watcher for dir. Call Start to begin watching.
func New(inst Installer, dir string, logger *slog.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		inst:     inst,
		dir:      dir,
		debounce: 500 * time.Millisecond,
		logger:   logger.With("component", "watcher"),
		done:     make(chan struct{}),
		pending:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching the directory.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}
	w.fsWatcher = fsw

	w.wg.Add(1)
	go w.loop()
	w.logger.Info("watching add-ons dir", "dir", w.dir)
	return nil
}

// Stop terminates the watcher. Safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		if w.fsWatcher != nil {
			err = w.fsWatcher.Close()
		}
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !isAddOnFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.mu.Lock()
				w.pending[event.Name] = time.Now()
				w.mu.Unlock()
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.mu.Lock()
				delete(w.pending, event.Name)
				w.mu.Unlock()
				w.logger.Info("add-on file removed, add-on stays installed", "file", filepath.Base(event.Name))
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "err", err)

		case <-ticker.C:
			w.processPending(time.Now())
		}
	}
}

// processPending installs every file that has been quiet for the debounce period.
func (w *Watcher) processPending(now time.Time) {
	w.mu.Lock()
	var ready []string
	for path, t := range w.pending {
		if now.Sub(t) >= w.debounce {
			ready = append(ready, path)
		}
	}
	for _, path := range ready {
		delete(w.pending, path)
	}
	w.mu.Unlock()

	for _, path := range ready {
		if err := w.inst.InstallFile(path); err != nil {
			w.logger.Error("install add-on file", "file", filepath.Base(path), "err", err)
			continue
		}
		w.logger.Info("add-on file installed", "file", filepath.Base(path))
	}
}

func isAddOnFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".xml")
}
