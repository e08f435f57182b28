package truth

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tbcv/tbcv/pkg/logger"
)

// Watcher invalidates cached indexes when manifest files change on disk.
// Hot reload never cancels in-flight validations; they keep the index
// version they pinned at start, and the next Load picks up the new bytes.
type Watcher struct {
	loader    *Loader
	watcher   *fsnotify.Watcher
	startOnce sync.Once
	closeOnce sync.Once
}

// NewWatcher creates a watcher over the loader's manifest directory.
func NewWatcher(loader *Loader) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{loader: loader, watcher: fsWatcher}, nil
}

// Start begins watching. It returns after registering the directory; events
// are handled on a background goroutine until ctx ends or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.loader.dir); err != nil {
		return err
	}
	w.startOnce.Do(func() {
		go w.handleEvents(ctx)
	})
	return nil
}

func (w *Watcher) handleEvents(ctx context.Context) {
	log := logger.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			family := strings.TrimSuffix(name, ".json")
			w.loader.Invalidate(family)
			log.Info("truth manifest changed, index invalidated", "family", family, "op", event.Op.String())
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				log.Warn("truth manifest watcher error", "error", err)
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var closeErr error
	w.closeOnce.Do(func() {
		closeErr = w.watcher.Close()
	})
	return closeErr
}
