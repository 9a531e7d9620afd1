package config

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file whenever it changes on disk, debounced
// so a burst of writes (editors that write-then-rename) only triggers
// one reload. Grounded on the teacher's `internal/config.Watcher`.
type Watcher struct {
	path    string
	onLoad  func(*Config)
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewWatcher starts watching path's directory and calls onLoad with a
// freshly parsed Config every time the file changes.
func NewWatcher(path string, onLoad func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dirOf(path)); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{path: path, onLoad: onLoad, watcher: fw, stop: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var debounce *time.Timer
	reload := func() {
		cfg, err := Load(w.path)
		if err != nil {
			slog.Error("config reload failed", "path", w.path, "err", err)
			return
		}
		slog.Info("config reloaded", "path", w.path)
		w.onLoad(cfg)
	}

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !sameFile(ev.Name, w.path) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "err", err)
		case <-w.stop:
			return
		}
	}
}

// Stop releases the underlying filesystem watch.
func (w *Watcher) Stop() {
	close(w.stop)
	w.watcher.Close()
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func sameFile(a, b string) bool {
	return baseOf(a) == baseOf(b)
}

func baseOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
