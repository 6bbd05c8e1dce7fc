package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// sseWriter writes named server-sent events with JSON data.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSE sends the event-stream headers. It reports false, after writing an
// error response, when w cannot stream.
func newSSE(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal stream event", "event", event, "error", err)
		data = []byte(`{"error":"internal error"}`)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
