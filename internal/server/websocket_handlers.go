package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MeKo-Tech/idex/internal/store"
)

// WebSocket upgrader with reasonable defaults.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Cross-origin status streams are fine; the stream is read-only.
		return true
	},
}

const (
	statusPollInterval = 500 * time.Millisecond
	statusStreamLimit  = 10 * time.Minute
)

// statusWebSocketHandler streams run status updates for one
// submission until the run reaches a terminal state. Each update is a
// StatusResponse JSON message; duplicates are suppressed.
func (s *Server) statusWebSocketHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.submissionID(w, r.URL.Path, "/ws/status/")
	if !ok {
		return
	}
	if _, err := s.store.GetSubmission(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeErrorResponse(w, "Unknown submission", http.StatusNotFound)
			return
		}
		s.writeErrorResponse(w, "Failed to load submission", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	websocketConnections.Inc()
	defer websocketConnections.Dec()

	// Drain client frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(statusStreamLimit)
	defer deadline.Stop()

	var last StatusResponse
	for {
		resp, err := s.buildStatus(r, id)
		if err != nil {
			s.logger.Warn("status stream load failed", "submission_id", id, "error", err)
			return
		}
		if *resp != last {
			last = *resp
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
		if store.Status(resp.Status).Terminal() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, resp.Status),
				time.Now().Add(time.Second))
			return
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return
		case <-r.Context().Done():
			return
		}
	}
}
