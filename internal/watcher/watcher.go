// Package watcher reports changes of a single file.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const DefaultDebounce = 200 * time.Millisecond

// Watcher watches one file and calls callbacks once changes settle. The
// parent directory is watched so atomic replacements are seen too.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	delay     time.Duration

	mu        sync.RWMutex
	callbacks []func(path string)

	debounceMu sync.Mutex
	timer      *time.Timer
}

// New creates a watcher for path.
func New(path string, delay time.Duration) (*Watcher, error) {
	if delay <= 0 {
		delay = DefaultDebounce
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()

		return nil, err
	}

	return &Watcher{fsWatcher: fsw, path: abs, delay: delay}, nil
}

// OnChange registers a callback to be called when the file changes.
func (w *Watcher) OnChange(callback func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.callbacks = append(w.callbacks, callback)
}

// Run dispatches events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	logger := zerolog.Ctx(ctx)

	defer func() { _ = w.fsWatcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			w.debounceMu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.debounceMu.Unlock()

			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("file change detected")
				w.schedule()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}

			logger.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

// schedule runs callbacks after delay of inactivity.
func (w *Watcher) schedule() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}

	w.timer = time.AfterFunc(w.delay, w.trigger)
}

func (w *Watcher) trigger() {
	w.mu.RLock()
	callbacks := w.callbacks
	w.mu.RUnlock()

	for _, cb := range callbacks {
		cb(w.path)
	}
}
