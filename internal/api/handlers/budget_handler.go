package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ai-log-analytics/backend/internal/budget"
)

type BudgetHandler struct {
	guard *budget.Guard
}

func NewBudgetHandler(guard *budget.Guard) *BudgetHandler {
	return &BudgetHandler{guard: guard}
}

// GetStats reports the day's spend against the configured ceiling.
func (h *BudgetHandler) GetStats(c *fiber.Ctx) error {
	return c.JSON(h.guard.Stats())
}
