package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventBufferSize = 64
	writeWait       = 10 * time.Second
	pingPeriod      = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard and local tooling connect from arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams bus events over a WebSocket, one JSON object per
// message. Slow clients miss events rather than backing up publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorJSON(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	sub := s.bus.Subscribe(eventBufferSize)
	defer s.bus.Unsubscribe(sub)
	defer conn.Close()

	// Read pump: discard client frames, detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	s.logger.Debug("event subscriber connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
