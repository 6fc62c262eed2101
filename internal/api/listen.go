package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hyperengineering/tailor/internal/types"
)

// SSE event names on listen streams.
const (
	EventSnapshot = "snapshot"
	EventError    = "error"
)

// Listen handles GET /api/v1/listen/{path}.
//
// The response is a Server-Sent Events stream. A snapshot event with the
// full ordered collection is sent immediately and again after every change.
// A failure is reported with one error event, after which the stream ends.
// Comment lines are sent every heartbeat interval while idle.
func (h *Handler) Listen(w http.ResponseWriter, r *http.Request) {
	path, ok := h.authorize(w, r)
	if !ok {
		return
	}
	order, ok := parseOrder(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteProblem(w, r, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	// Register before the first read so no change between the read and
	// the registration is missed.
	watcher := h.hub.Watch(path)
	defer watcher.Close()

	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	uid := UIDFromContext(ctx)
	logger := slog.With("component", "api", "action", "listen", "uid", uid, "path", path)
	logger.Info("listener attached")
	defer logger.Info("listener detached")

	send := func() bool {
		docs, err := h.store.ListDocuments(ctx, path, order)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			logger.Error("snapshot query failed", "error", err)
			writeEvent(w, EventError, types.ErrorMessage{Code: http.StatusInternalServerError, Message: "snapshot query failed"})
			flusher.Flush()
			return false
		}
		if err := writeEvent(w, EventSnapshot, types.SnapshotMessage{
			Path:      path,
			Documents: docs,
			ReadTime:  time.Now().UTC(),
		}); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send() {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, open := <-watcher.Changes():
			if !open {
				writeEvent(w, EventError, types.ErrorMessage{Code: http.StatusServiceUnavailable, Message: "server shutting down"})
				flusher.Flush()
				return
			}
			if !send() {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent writes one SSE event with a JSON data line.
func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
