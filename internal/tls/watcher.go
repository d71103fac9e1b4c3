package tls

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avamtls/internal/config"
	"github.com/vyrodovalexey/avamtls/internal/observability"
)

// ChangeWatcher reports when certificate files change on disk. Loaded
// material is never swapped at runtime; a change only produces a log entry
// and a callback so operators know a restart is due.
type ChangeWatcher struct {
	paths    config.CertPaths
	logger   observability.Logger
	onChange func(path string)

	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool

	debounceDelay time.Duration
}

// WatcherOption is a functional option for the change watcher.
type WatcherOption func(*ChangeWatcher)

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger observability.Logger) WatcherOption {
	return func(w *ChangeWatcher) {
		w.logger = logger
	}
}

// WithOnChange sets the callback invoked once per debounced change.
func WithOnChange(fn func(path string)) WatcherOption {
	return func(w *ChangeWatcher) {
		w.onChange = fn
	}
}

// WithDebounceDelay sets the debounce delay for file change events.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *ChangeWatcher) {
		w.debounceDelay = delay
	}
}

// NewChangeWatcher creates a watcher for the given certificate files.
func NewChangeWatcher(paths config.CertPaths, opts ...WatcherOption) *ChangeWatcher {
	w := &ChangeWatcher{
		paths:         paths,
		logger:        observability.NopLogger(),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
		debounceDelay: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Start begins watching the directories holding the certificate files.
func (w *ChangeWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started || w.closed {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return NewCertificateErrorWithCause("", "failed to create file watcher", err)
	}

	for _, dir := range w.dirs() {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return NewCertificateErrorWithCause(dir, "failed to watch certificate directory", err)
		}
		w.logger.Debug("watching certificate directory", observability.String("path", dir))
	}

	w.watcher = watcher
	w.started = true
	go w.watchLoop(ctx)

	return nil
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *ChangeWatcher) Stop() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	started := w.started
	w.mu.Unlock()

	close(w.stopCh)
	if !started {
		return nil
	}

	<-w.stoppedCh
	return w.watcher.Close()
}

func (w *ChangeWatcher) dirs() []string {
	seen := make(map[string]bool, 3)
	var dirs []string
	for _, p := range []string{w.paths.CertFile, w.paths.KeyFile, w.paths.CAFile} {
		if p == "" {
			continue
		}
		dir := filepath.Dir(p)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func (w *ChangeWatcher) isRelevant(path string) bool {
	clean := filepath.Clean(path)
	for _, p := range []string{w.paths.CertFile, w.paths.KeyFile, w.paths.CAFile} {
		if p != "" && clean == filepath.Clean(p) {
			return true
		}
	}
	return false
}

func (w *ChangeWatcher) watchLoop(ctx context.Context) {
	defer close(w.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	var lastPath string

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isRelevant(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			lastPath = event.Name
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounceDelay)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			w.logger.Warn("certificate material changed on disk; restart required",
				observability.String("path", lastPath),
			)
			if w.onChange != nil {
				w.onChange(lastPath)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("certificate watcher error", observability.Error(err))
		}
	}
}
