package handlers

import (
	"context"

	wsconn "github.com/gofiber/contrib/websocket"

	"sessiongate/internal/websocket"
)

// WebSocketHandler adapts an accepted connection to the WebSocket Manager.
type WebSocketHandler struct {
	manager *websocket.Manager
}

func NewWebSocketHandler(manager *websocket.Manager) *WebSocketHandler {
	return &WebSocketHandler{manager: manager}
}

// Connect is the handler passed to websocket.New in routes.go. It blocks
// for the connection's full lifetime, per Manager.HandleConnection.
func (h *WebSocketHandler) Connect(conn *wsconn.Conn) {
	sid := conn.Query("session_id")
	token := conn.Query("token")
	h.manager.HandleConnection(context.Background(), conn, sid, token)
}
