// Package sync fans collection change notifications out to listeners.
package sync

import (
	"log/slog"
	gosync "sync"
)

// Hub tracks listeners per collection path and wakes them when the
// collection changes. Notifications coalesce: a listener that has not yet
// consumed a pending signal receives one wake-up for any number of changes,
// and is expected to re-read the collection.
type Hub struct {
	mu       gosync.Mutex
	watchers map[string]map[*Watcher]struct{}
	closed   bool
}

// Watcher receives change signals for one collection path.
type Watcher struct {
	hub    *Hub
	path   string
	signal chan struct{}
	once   gosync.Once
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{watchers: make(map[string]map[*Watcher]struct{})}
}

// Watch registers a listener for path. The returned Watcher must be closed.
// Watching a closed hub returns a watcher whose channel is already closed.
func (h *Hub) Watch(path string) *Watcher {
	w := &Watcher{hub: h, path: path, signal: make(chan struct{}, 1)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		w.once.Do(func() { close(w.signal) })
		return w
	}
	set, ok := h.watchers[path]
	if !ok {
		set = make(map[*Watcher]struct{})
		h.watchers[path] = set
	}
	set[w] = struct{}{}
	return w
}

// Publish signals every watcher of path and returns how many were signalled.
func (h *Hub) Publish(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for w := range h.watchers[path] {
		select {
		case w.signal <- struct{}{}:
		default:
		}
		n++
	}
	slog.Debug("collection changed",
		"component", "hub",
		"action", "publish",
		"path", path,
		"listeners", n,
	)
	return n
}

// Count returns the number of registered watchers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.watchers {
		n += len(set)
	}
	return n
}

// Close closes every watcher channel. Later Watch calls return closed watchers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for path, set := range h.watchers {
		for w := range set {
			w.once.Do(func() { close(w.signal) })
		}
		delete(h.watchers, path)
	}
}

// Changes returns the signal channel. It is closed when the watcher or
// the hub is closed.
func (w *Watcher) Changes() <-chan struct{} {
	return w.signal
}

// Path returns the watched collection path.
func (w *Watcher) Path() string {
	return w.path
}

// Close unregisters the watcher. It is safe to call more than once.
func (w *Watcher) Close() {
	h := w.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.watchers[w.path]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(h.watchers, w.path)
		}
	}
	w.once.Do(func() { close(w.signal) })
}
