// Package aghos contains utilities for working with the operating system: file
// system events and process signals.
package aghos

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/AdguardTeam/golibs/container"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/fsnotify/fsnotify"
)

// Event is sent when one or more of the watched files have changed.
type Event = struct{}

// FSWatcher tracks changes of files and notifies about them.
type FSWatcher interface {
	service.Interface

	// Events returns the channel to notify about the changes.  Several
	// changes happening in quick succession may be reported as one event.
	Events() (e <-chan Event)

	// Add starts tracking the file.  The file may not exist yet.
	Add(name string) (err error)

	// Remove stops tracking the file.
	Remove(name string) (err error)
}

// fileOps are the operations after which the contents of a watched file are
// considered changed.  Editors and package managers often replace files by
// renaming a new file over the old one, so creation counts as a change too.
const fileOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

// osWatcher is an [FSWatcher] based on fsnotify.  It watches the directories
// of the tracked files and filters the events by the file names, since
// watching single files does not survive them being replaced.
type osWatcher struct {
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	events  chan Event

	// mu protects dirs.
	mu *sync.Mutex

	// dirs maps the watched directories to the names of the tracked files in
	// them.  The names are absolute and cleaned.
	dirs map[string]*container.MapSet[string]
}

// NewOSWatcher returns a new FSWatcher for the file system of the OS.  l must
// not be nil.
func NewOSWatcher(l *slog.Logger) (w FSWatcher, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	return &osWatcher{
		logger:  l,
		watcher: watcher,
		events:  make(chan Event, 1),
		mu:      &sync.Mutex{},
		dirs:    map[string]*container.MapSet[string]{},
	}, nil
}

// type check
var _ FSWatcher = (*osWatcher)(nil)

// Start implements the [FSWatcher] interface for *osWatcher.
func (w *osWatcher) Start(ctx context.Context) (err error) {
	go w.handleEvents(ctx)

	return nil
}

// Shutdown implements the [FSWatcher] interface for *osWatcher.
func (w *osWatcher) Shutdown(_ context.Context) (err error) {
	return errors.Annotate(w.watcher.Close(), "closing fsnotify watcher: %w")
}

// Events implements the [FSWatcher] interface for *osWatcher.
func (w *osWatcher) Events() (e <-chan Event) {
	return w.events
}

// Add implements the [FSWatcher] interface for *osWatcher.
func (w *osWatcher) Add(name string) (err error) {
	name, err = filepath.Abs(name)
	if err != nil {
		return fmt.Errorf("watching %q: %w", name, err)
	}

	dir := filepath.Dir(name)

	w.mu.Lock()
	defer w.mu.Unlock()

	names, ok := w.dirs[dir]
	if !ok {
		err = w.watcher.Add(dir)
		if err != nil {
			return fmt.Errorf("watching directory %q: %w", dir, err)
		}

		names = container.NewMapSet[string]()
		w.dirs[dir] = names
	}

	names.Add(name)

	return nil
}

// Remove implements the [FSWatcher] interface for *osWatcher.
func (w *osWatcher) Remove(name string) (err error) {
	name, err = filepath.Abs(name)
	if err != nil {
		return fmt.Errorf("unwatching %q: %w", name, err)
	}

	dir := filepath.Dir(name)

	w.mu.Lock()
	defer w.mu.Unlock()

	names, ok := w.dirs[dir]
	if !ok || !names.Has(name) {
		return nil
	}

	names.Delete(name)
	if names.Len() > 0 {
		return nil
	}

	delete(w.dirs, dir)

	return errors.Annotate(w.watcher.Remove(dir), "unwatching directory %q: %w", dir)
}

// isTracked returns true if name is a tracked file.
func (w *osWatcher) isTracked(name string) (ok bool) {
	name = filepath.Clean(name)

	w.mu.Lock()
	defer w.mu.Unlock()

	names, ok := w.dirs[filepath.Dir(name)]

	return ok && names.Has(name)
}

// handleEvents converts fsnotify events into [Event]s until the watcher is
// closed.  It is intended to be used as a goroutine.
func (w *osWatcher) handleEvents(ctx context.Context) {
	defer slogutil.RecoverAndLog(ctx, w.logger)

	defer close(w.events)

	for {
		select {
		case e, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if e.Op&fileOps == 0 || !w.isTracked(e.Name) {
				continue
			}

			w.logger.DebugContext(ctx, "file changed", "name", e.Name, "op", e.Op)
			w.notify(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			w.logger.WarnContext(ctx, "watching files", slogutil.KeyError, err)
		}
	}
}

// notify sends an event unless one is already pending.
func (w *osWatcher) notify(ctx context.Context) {
	select {
	case w.events <- Event{}:
		// Go on.
	default:
		w.logger.DebugContext(ctx, "event already pending")
	}
}

// EmptyFSWatcher is a no-op implementation of the [FSWatcher] interface.  Its
// events channel is never written to.
type EmptyFSWatcher struct{}

// type check
var _ FSWatcher = EmptyFSWatcher{}

// Start implements the [FSWatcher] interface for EmptyFSWatcher.  It always
// returns nil.
func (EmptyFSWatcher) Start(_ context.Context) (err error) {
	return nil
}

// Shutdown implements the [FSWatcher] interface for EmptyFSWatcher.  It always
// returns nil.
func (EmptyFSWatcher) Shutdown(_ context.Context) (err error) {
	return nil
}

// Events implements the [FSWatcher] interface for EmptyFSWatcher.  It always
// returns nil.
func (EmptyFSWatcher) Events() (e <-chan Event) {
	return nil
}

// Add implements the [FSWatcher] interface for EmptyFSWatcher.  It always
// returns nil.
func (EmptyFSWatcher) Add(_ string) (err error) {
	return nil
}

// Remove implements the [FSWatcher] interface for EmptyFSWatcher.  It always
// returns nil.
func (EmptyFSWatcher) Remove(_ string) (err error) {
	return nil
}
