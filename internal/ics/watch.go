package ics

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	appLog "tzcal/internal/log"
)

const debounceDelay = 100 * time.Millisecond

// Watcher calls onChange for watched files after they are written, created
// or renamed into place. Parent directories are watched so editors that
// replace a file atomically are still seen.
type Watcher struct {
	watcher  *fsnotify.Watcher
	onChange func(string)

	mu       sync.Mutex
	files    map[string]struct{}
	dirs     map[string]int
	debounce map[string]*time.Timer
	done     chan struct{}
}

func NewWatcher(onChange func(string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:  fw,
		onChange: onChange,
		files:    make(map[string]struct{}),
		dirs:     make(map[string]int),
		debounce: make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Add starts watching path.
func (w *Watcher) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.files[abs]; ok {
		return nil
	}
	dir := filepath.Dir(abs)
	if w.dirs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
	}
	w.dirs[dir]++
	w.files[abs] = struct{}{}
	return nil
}

// Remove stops watching path.
func (w *Watcher) Remove(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.files[abs]; !ok {
		return nil
	}
	delete(w.files, abs)
	dir := filepath.Dir(abs)
	w.dirs[dir]--
	if w.dirs[dir] == 0 {
		delete(w.dirs, dir)
		return w.watcher.Remove(dir)
	}
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule(filepath.Clean(ev.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			appLog.Error("file watcher error", err)
		case <-w.done:
			return
		}
	}
}

// schedule debounces bursts of events on one file into a single callback.
func (w *Watcher) schedule(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, watching := w.files[name]; !watching {
		return
	}
	if t, ok := w.debounce[name]; ok {
		t.Stop()
	}
	w.debounce[name] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.debounce, name)
		_, watching := w.files[name]
		w.mu.Unlock()
		if watching && w.onChange != nil {
			w.onChange(name)
		}
	})
}

func (w *Watcher) Close() error {
	close(w.done)
	w.mu.Lock()
	for _, t := range w.debounce {
		t.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
