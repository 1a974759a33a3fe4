package watcher

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// ChangeCallback is called with the watched path after it changes.
type ChangeCallback func(path string)

// Watcher reports changes to individual files, such as the models file.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*fileWatcher // cleaned path → watcher
	debounce time.Duration
}

type fileWatcher struct {
	path      string
	fsWatcher *fsnotify.Watcher
	callback  ChangeCallback
	cancel    chan struct{}
}

// New creates a file watcher.
func New() *Watcher {
	return &Watcher{
		watchers: make(map[string]*fileWatcher),
		debounce: debounceInterval,
	}
}

// Watch starts watching path. The parent directory is watched so that
// editors replacing the file through a rename are still noticed.
func (w *Watcher) Watch(path string, callback ChangeCallback) error {
	path = filepath.Clean(path)

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(path)); err != nil {
		fsW.Close()
		return err
	}

	fw := &fileWatcher{
		path:      path,
		fsWatcher: fsW,
		callback:  callback,
		cancel:    make(chan struct{}),
	}

	w.mu.Lock()
	prev := w.watchers[path]
	w.watchers[path] = fw
	w.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	go w.watchLoop(fw)
	return nil
}

// Unwatch stops watching path.
func (w *Watcher) Unwatch(path string) {
	path = filepath.Clean(path)

	w.mu.Lock()
	fw, ok := w.watchers[path]
	if ok {
		delete(w.watchers, path)
	}
	w.mu.Unlock()

	if ok {
		fw.stop()
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.watchers))
	for p := range w.watchers {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	for _, p := range paths {
		w.Unwatch(p)
	}
}

func (fw *fileWatcher) stop() {
	close(fw.cancel)
	fw.fsWatcher.Close()
}

// watchLoop processes fsnotify events for the directory with debouncing.
func (w *Watcher) watchLoop(fw *fileWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-fw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fw.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case <-fw.cancel:
				default:
					fw.callback(fw.path)
				}
			})

		case err, ok := <-fw.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Warn("file watcher error", "path", fw.path, "error", err)
		}
	}
}
