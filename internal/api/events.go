package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/seantiz/agentrun/internal/engine"
	"github.com/seantiz/agentrun/internal/store"
)

// handleStreamEvents streams status changes of one execution as server-sent
// events. The first event carries the current status; the stream ends with a
// "done" event once the execution reaches a terminal status.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.executionID(w, r)
	if !ok {
		return
	}

	// Subscribe before reading the status so a terminal event published in
	// between is not lost.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	x, err := s.engine.Get(r.Context(), id, store.GetOptions{})
	if err != nil {
		s.writeEngineError(w, r, "get execution for events", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	eventStreams.Inc()
	defer eventStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	current := engine.Event{ExecutionID: x.ID, Status: x.Status, At: x.UpdatedAt}
	if err := writeSSEStatus(w, current); err != nil {
		return
	}
	if x.Status.IsTerminal() {
		_ = writeSSEEvent(w, "done", "stream complete")
		flush()
		return
	}
	flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
			if err := writeSSEStatus(w, ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			flush()
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

func writeSSEStatus(w http.ResponseWriter, ev engine.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return writeSSEEvent(w, "status", string(b))
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
