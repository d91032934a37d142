// Low Tide is a self-hosted URL download job service.
// Copyright (C) 2025 Low Tide contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package watcher observes a job's output directory tree while the job
// runs. It reports files as they appear, grow, and disappear, debouncing
// rapid write bursts per path, and performs a final reconciliation walk
// on Stop so sizes settle to their on-disk truth. Watch errors are
// reported to the sink's logger and never fail the job.
package watcher

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay is how long a path must stay quiet before it is
// stat'ed and reported. Downloaders write in rapid small chunks.
const debounceDelay = 200 * time.Millisecond

// Watcher follows one job output directory. Create with New, release
// with Stop.
type Watcher struct {
	root     string
	fw       *fsnotify.Watcher
	onFile   func(relPath string, size int64, modTime time.Time)
	onRemove func(relPath string)
	logger   *log.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool

	done     chan struct{}
	loopDone chan struct{}
}

// New starts watching root recursively. onFile is invoked (from watcher
// goroutines) for created or grown regular files with a relative
// forward-slash path; onRemove for deleted paths. logger may be nil.
func New(root string, onFile func(relPath string, size int64, modTime time.Time), onRemove func(relPath string), logger *log.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:     root,
		fw:       fw,
		onFile:   onFile,
		onRemove: onRemove,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	if err := w.addRecursive(root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

// Stop halts event processing, flushes pending debounces, and walks the
// tree one last time so every surviving file is reported with its final
// size. Safe to call once.
func (w *Watcher) Stop() {
	close(w.done)
	<-w.loopDone
	_ = w.fw.Close()

	w.mu.Lock()
	w.stopped = true
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	// Reconcile: trust the filesystem over whatever events arrived.
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		w.report(path, info)
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logf("watcher: final walk of %s: %v", w.root, err)
	}
}

func (w *Watcher) loop() {
	defer close(w.loopDone)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logf("watcher: %v", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			// New subdirectory: watch it and sweep files that landed
			// before the watch was in place.
			if err := w.addRecursive(ev.Name); err != nil {
				w.logf("watcher: watch %s: %v", ev.Name, err)
			}
			return
		}
		w.schedule(ev.Name)
	case ev.Op.Has(fsnotify.Write):
		w.schedule(ev.Name)
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.cancelTimer(ev.Name)
		if rel, ok := w.rel(ev.Name); ok && w.onRemove != nil {
			w.onRemove(rel)
		}
	}
}

// addRecursive watches dir and all subdirectories, scheduling any
// regular files found along the way.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return w.fw.Add(path)
		}
		w.schedule(path)
		return nil
	})
}

// schedule (re)arms the per-path debounce timer.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(debounceDelay)
		return
	}
	w.timers[path] = time.AfterFunc(debounceDelay, func() {
		w.fire(path)
	})
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	delete(w.timers, path)
	w.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		// Deleted between event and debounce; the Remove event covers it.
		return
	}
	if !info.Mode().IsRegular() {
		return
	}
	w.report(path, info)
}

func (w *Watcher) cancelTimer(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) report(path string, info fs.FileInfo) {
	rel, ok := w.rel(path)
	if !ok {
		return
	}
	if w.onFile != nil {
		w.onFile(rel, info.Size(), info.ModTime().UTC())
	}
}

// rel converts an absolute event path to the forward-slash path relative
// to the watch root. Paths escaping the root are dropped.
func (w *Watcher) rel(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) {
		return "", false
	}
	if rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}
