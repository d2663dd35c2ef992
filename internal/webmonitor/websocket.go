package webmonitor

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/logger"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleTelemetryWS pushes every broadcast snapshot as a JSON text message.
func (s *Server) handleTelemetryWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WS", "Upgrade error: %v", err)
		return
	}
	defer conn.Close()

	id, eventCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)
	logger.Debug("WS", "Telemetry client %s connected", r.RemoteAddr)

	// The read pump only exists to notice the client closing and to
	// extend the deadline on pongs.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("WS", "Read error from %s: %v", r.RemoteAddr, err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			logger.Debug("WS", "Telemetry client %s disconnected", r.RemoteAddr)
			return

		case event, ok := <-eventCh:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, event.JSONData); err != nil {
				logger.Debug("WS", "Write to %s failed: %v", r.RemoteAddr, err)
				return
			}

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
