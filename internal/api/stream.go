package api

import (
	"net/http"
	"time"

	"github.com/agentview/agentview/internal/hub"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Stream upgrades to WebSocket and forwards hub envelopes as JSON frames.
// An optional sessionId query parameter scopes the stream to one session.
// GET /api/v1/stream?sessionId=
func (h *Handler) Stream(c *gin.Context) {
	sessionID := c.Query("sessionId")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := h.hub.Subscribe(sessionID)
	defer sub.Unsubscribe()

	h.logger.Debug("stream subscriber connected",
		zap.String("session_id", sessionID),
		zap.String("remote", conn.RemoteAddr().String()))

	// Reader goroutine: we never expect frames from the peer, but reading is
	// what surfaces close frames and pong responses.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Pump goroutine: Recv blocks until the hub hands over the next envelope
	// or the subscription is detached, which closes envCh. The stop channel
	// releases a pump stuck handing off after the writer has bailed.
	envCh := make(chan hub.Envelope)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(envCh)
		for {
			env, ok := sub.Recv()
			if !ok {
				return
			}
			select {
			case envCh <- env:
			case <-stop:
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case env, ok := <-envCh:
			if !ok {
				// Hub closed: supervisor is shutting down.
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				h.logger.Debug("stream write failed, dropping subscriber", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
