package handlers

import (
	"time"

	"agentdeck/internal/services"
	"agentdeck/internal/store"

	"github.com/gofiber/fiber/v2"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	world   *store.WorldStore
	manager *services.ConnectionManager
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(world *store.WorldStore, manager *services.ConnectionManager) *HealthHandler {
	return &HealthHandler{world: world, manager: manager}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	state := h.world.GetState()
	return c.JSON(fiber.Map{
		"status":         "healthy",
		"connection":     state.ConnectionStatus,
		"backends":       h.manager.ConnectedCount(),
		"sessions":       len(state.Sessions),
		"activeSessions": state.ActiveSessionCount,
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}
