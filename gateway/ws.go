package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// handleWebSocket streams a job's progress over a WebSocket. The latest
// snapshot arrives first; the connection closes normally after the terminal
// event.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job")
	if jobID == "" {
		s.writeError(w, http.StatusBadRequest, "job query parameter is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "jobId", jobID)
		return
	}
	defer func() { _ = conn.Close() }()

	if s.wsClients != nil {
		s.wsClients.Inc()
		defer s.wsClients.Dec()
	}

	events, cancel := s.progressCh.Subscribe(jobID)
	defer cancel()

	// Reader goroutine: we never expect client messages, but reading is
	// what surfaces close frames and dead peers.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(pingPeriod)
	defer pings.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				s.closeNormally(conn)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Debug("websocket write failed", "error", err, "jobId", jobID)
				return
			}
			if event.Done {
				s.closeNormally(conn)
				return
			}
		case <-pings.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) closeNormally(conn *websocket.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
}
