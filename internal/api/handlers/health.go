package handlers

import (
	"github.com/gofiber/fiber/v2"

	"sessiongate/internal/websocket"
)

// HealthHandler serves the gateway's liveness endpoints.
type HealthHandler struct {
	manager *websocket.Manager
}

func NewHealthHandler(manager *websocket.Manager) *HealthHandler {
	return &HealthHandler{manager: manager}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// WSHealth handles GET /ws/health.
func (h *HealthHandler) WSHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"sockets": h.manager.SocketCount(),
	})
}
