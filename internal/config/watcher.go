// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// CONFIG: Hot reload of the configuration file
package config

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadSettle is how long the watcher waits after the last filesystem event
// before reloading. Editors write config files in several steps (truncate,
// write, rename); settling collapses those into one reload.
const reloadSettle = 250 * time.Millisecond

// Watcher reloads the configuration when its file changes and hands each
// valid new configuration to a callback. Invalid edits are logged and
// skipped; the previous configuration stays active.
type Watcher struct {
	path    string
	onLoad  func(*Config)
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	settle  *time.Timer
	closed  bool
	closeCh chan struct{}
}

// Watch starts watching a config file. onLoad is called from the watcher
// goroutine with each successfully loaded configuration.
func Watch(path string, onLoad func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory, not the file: rename-based saves replace the
	// inode and would silently detach a file watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		path:    path,
		onLoad:  onLoad,
		watcher: fw,
		closeCh: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.settle != nil {
		w.settle.Stop()
	}
	close(w.closeCh)
	w.mu.Unlock()
	return w.watcher.Close()
}

// run consumes filesystem events until the watcher closes.
func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("assist: config watcher error: %v", err)
		case <-w.closeCh:
			return
		}
	}
}

// relevant reports whether an event concerns the config file.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !strings.EqualFold(filepath.Clean(ev.Name), filepath.Clean(w.path)) {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

// scheduleReload arms the settle timer, replacing any pending one.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.settle != nil {
		w.settle.Stop()
	}
	w.settle = time.AfterFunc(reloadSettle, w.reload)
}

// reload loads the file and delivers the result when it is valid.
func (w *Watcher) reload() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		log.Printf("assist: config reload skipped: %v", err)
		return
	}

	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	log.Printf("assist: config reloaded from %s", w.path)
	w.onLoad(cfg)
}
