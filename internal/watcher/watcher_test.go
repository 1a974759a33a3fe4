package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	ch    chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 16)}
}

func (r *recorder) callback(path string) {
	r.mu.Lock()
	r.calls = append(r.calls, path)
	r.mu.Unlock()
	r.ch <- path
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestWatcher() *Watcher {
	w := New()
	w.debounce = 20 * time.Millisecond
	return w
}

func TestWatcher_ReportsWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json")
	os.WriteFile(path, []byte(`{}`), 0644)

	w := newTestWatcher()
	defer w.Shutdown()
	rec := newRecorder()
	if err := w.Watch(path, rec.callback); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	os.WriteFile(path, []byte(`{"models":["a"]}`), 0644)

	select {
	case got := <-rec.ch:
		if got != path {
			t.Errorf("expected callback for %s, got %s", path, got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestWatcher_ReportsReplaceByRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json")
	os.WriteFile(path, []byte(`{}`), 0644)

	w := newTestWatcher()
	defer w.Shutdown()
	rec := newRecorder()
	w.Watch(path, rec.callback)

	tmp := filepath.Join(dir, "models.json.tmp")
	os.WriteFile(tmp, []byte(`{"models":["b"]}`), 0644)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	select {
	case <-rec.ch:
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported after rename")
	}
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json")
	os.WriteFile(path, []byte(`{}`), 0644)

	w := newTestWatcher()
	defer w.Shutdown()
	rec := newRecorder()
	w.Watch(path, rec.callback)

	os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0644)
	time.Sleep(200 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("expected no callbacks for sibling files, got %d", n)
	}
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json")
	os.WriteFile(path, []byte(`{}`), 0644)

	w := New()
	w.debounce = 150 * time.Millisecond
	defer w.Shutdown()
	rec := newRecorder()
	w.Watch(path, rec.callback)

	for i := 0; i < 5; i++ {
		os.WriteFile(path, []byte(`{"n":`+string(rune('0'+i))+`}`), 0644)
	}

	select {
	case <-rec.ch:
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}
	time.Sleep(300 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Errorf("expected a single debounced callback, got %d", n)
	}
}

func TestWatcher_UnwatchStopsCallbacks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json")
	os.WriteFile(path, []byte(`{}`), 0644)

	w := newTestWatcher()
	rec := newRecorder()
	w.Watch(path, rec.callback)
	w.Unwatch(path)

	os.WriteFile(path, []byte(`{"changed":true}`), 0644)
	time.Sleep(200 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("expected no callbacks after Unwatch, got %d", n)
	}
	// Unwatching twice must not panic.
	w.Unwatch(path)
}

func TestWatcher_WatchMissingDirectory(t *testing.T) {
	w := New()
	defer w.Shutdown()
	if err := w.Watch("/nonexistent/dir/models.json", func(string) {}); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
