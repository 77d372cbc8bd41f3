package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/chatbus/chatbus-server/internal/gateway"
)

// GatewayHandler serves the WebSocket upgrade endpoint for session handshakes.
type GatewayHandler struct {
	hub *gateway.Hub
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(hub *gateway.Hub) *GatewayHandler {
	return &GatewayHandler{hub: hub}
}

// Upgrade handles GET /v1/gateway?token=&chatIds=. It upgrades the HTTP
// connection to a WebSocket and hands it to the Hub, which runs the handshake
// on the upgraded connection.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	token := c.Query("token")
	chatIDs := c.Query("chatIds")

	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(conn.Conn, token, chatIDs)
	})(c)
}
