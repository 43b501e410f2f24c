package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/MrWong99/clausewise/pkg/aierr"
)

// eventWriter frames server-sent events and flushes after each one.
type eventWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// newEventWriter checks that w can flush and returns a writer for it. No
// bytes are written until [eventWriter.Open].
func newEventWriter(w http.ResponseWriter) (*eventWriter, error) {
	if !canFlush(w) {
		return nil, aierr.Unsupported("httpapi: stream", "response writer cannot flush")
	}
	return &eventWriter{w: w, rc: http.NewResponseController(w)}, nil
}

// Open sends the event-stream headers.
func (e *eventWriter) Open() error {
	h := e.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	e.w.WriteHeader(http.StatusOK)
	return e.rc.Flush()
}

// Send writes one event. data is JSON encoded on a single line.
func (e *eventWriter) Send(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("httpapi: stream: encode %s: %w", name, err)
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	return e.rc.Flush()
}

func canFlush(w http.ResponseWriter) bool {
	for {
		switch t := w.(type) {
		case http.Flusher:
			return true
		case interface{ Unwrap() http.ResponseWriter }:
			w = t.Unwrap()
		default:
			return false
		}
	}
}
