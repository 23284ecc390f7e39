package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleSSE streams a job's progress as server-sent events. Each event is a
// JSON progress snapshot; the stream ends after the terminal event.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job")
	if jobID == "" {
		s.writeError(w, http.StatusBadRequest, "job query parameter is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.sseClients != nil {
		s.sseClients.Inc()
		defer s.sseClients.Dec()
	}

	events, cancel := s.progressCh.Subscribe(jobID)
	defer cancel()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Warn("sse encode failed", "error", err, "jobId", jobID)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			if event.Done {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
