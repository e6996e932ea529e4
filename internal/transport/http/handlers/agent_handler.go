package handlers

import (
	"github.com/cra-copilot/backend/internal/core/agents"
	"github.com/gofiber/fiber/v2"
)

type AgentCatalog interface {
	Agents() []agents.AgentInfo
}

type AgentHandler struct {
	catalog AgentCatalog
}

func NewAgentHandler(catalog AgentCatalog) *AgentHandler {
	return &AgentHandler{catalog: catalog}
}

func (h *AgentHandler) ListAgents(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"agents": h.catalog.Agents()})
}
