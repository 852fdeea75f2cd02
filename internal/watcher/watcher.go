// Package watcher implements the dev-mode file-watch path SPEC_FULL.md adds:
// an optional fsnotify watcher that invalidates Loader cache entries when a
// watched source file changes on disk. Graceful shutdown's "close all
// active file watchers" step (§4.6) presupposes exactly this component.
package watcher

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Invalidator is the subset of *loader.Loader the watcher needs.
type Invalidator interface {
	Invalidate(id string)
}

// Watcher wraps an fsnotify.Watcher, invalidating the loader cache entry
// for any absolute path that changes.
type Watcher struct {
	fsw     *fsnotify.Watcher
	loader  Invalidator
	done    chan struct{}
	stopped chan struct{}
}

// New constructs a Watcher over loader. Call Add for each directory to
// watch, then Start.
func New(loader Invalidator) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{fsw: fsw, loader: loader, done: make(chan struct{}), stopped: make(chan struct{})}, nil
}

// Add watches dir (non-recursive, matching fsnotify's own semantics).
func (w *Watcher) Add(dir string) error {
	return w.fsw.Add(dir)
}

// Start begins processing filesystem events in the background.
func (w *Watcher) Start() {
	go func() {
		defer close(w.stopped)
		for {
			select {
			case <-w.done:
				return
			case ev, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					w.loader.Invalidate(ev.Name)
				}
			case _, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// Stop closes the watcher, racing against a 5000ms timeout (§5
// "stopWatching()/shutdown() during close-of-watcher race(close,
// timeout=5000ms)"). It is safe to call at most once.
func (w *Watcher) Stop(ctx context.Context) error {
	close(w.done)
	closeErr := w.fsw.Close()

	deadline, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	select {
	case <-w.stopped:
	case <-deadline.Done():
	}
	return closeErr
}
