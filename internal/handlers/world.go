package handlers

import (
	"agentdeck/internal/store"

	"github.com/gofiber/fiber/v2"
)

// WorldHandler serves the current aggregated world state
type WorldHandler struct {
	world *store.WorldStore
}

// NewWorldHandler creates a new world handler
func NewWorldHandler(world *store.WorldStore) *WorldHandler {
	return &WorldHandler{world: world}
}

// Handle returns the derived world state snapshot as JSON
func (h *WorldHandler) Handle(c *fiber.Ctx) error {
	return c.JSON(h.world.GetState())
}
