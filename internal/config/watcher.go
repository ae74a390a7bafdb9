package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/functionsdo/gateway/internal/logging"
)

// Events within this window collapse into one reload; editors and
// configmap mounts produce bursts of writes for a single save.
const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands the
// parsed result to registered callbacks.
type Watcher struct {
	fs     *fsnotify.Watcher
	loader *Loader
	path   string
	done   chan struct{}

	mu        sync.Mutex
	callbacks []func(*Config)
}

// NewWatcher prepares a watcher for path. The file must load cleanly up
// front; a gateway should refuse to start watching a config it cannot parse.
func NewWatcher(path string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	loader := NewLoader()
	if _, err := loader.Load(path); err != nil {
		fs.Close()
		return nil, err
	}
	return &Watcher{
		fs:     fs,
		loader: loader,
		path:   path,
		done:   make(chan struct{}),
	}, nil
}

// OnChange registers a callback invoked with each successfully reloaded
// config. Callbacks run sequentially on the watch goroutine, in
// registration order.
func (w *Watcher) OnChange(cb func(*Config)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, cb)
	w.mu.Unlock()
}

// Start begins watching. The parent directory is watched rather than the
// file itself: atomic saves and symlink swaps replace the inode, which
// would silently end a file-level watch.
func (w *Watcher) Start() error {
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.loop()
	return nil
}

// Stop ends the watch. Safe to call once; pending debounced reloads are
// dropped.
func (w *Watcher) Stop() error {
	err := w.fs.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)

	var pending <-chan time.Time
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			pending = time.After(reloadDebounce)

		case <-pending:
			pending = nil
			w.reload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.Error("config watch", zap.Error(err))
		}
	}
}

// reload parses the file and notifies callbacks. A file that no longer
// parses leaves the running config untouched.
func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		logging.Error("config reload skipped", zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	cbs := make([]func(*Config), len(w.callbacks))
	copy(cbs, w.callbacks)
	w.mu.Unlock()

	logging.Info("config file changed", zap.String("path", w.path))
	for _, cb := range cbs {
		cb(cfg)
	}
}
