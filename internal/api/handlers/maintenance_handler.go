package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/medgraph/backend/internal/maintenance"
	"github.com/medgraph/backend/pkg/logger"
)

type MaintenanceHandler struct {
	manager *maintenance.Manager
}

func NewMaintenanceHandler(manager *maintenance.Manager) *MaintenanceHandler {
	return &MaintenanceHandler{manager: manager}
}

// HandleRunSweep triggers a retention and health pass outside the regular
// schedule.
func (h *MaintenanceHandler) HandleRunSweep(c *fiber.Ctx) error {
	report, err := h.manager.RunSweep(c.Context())
	if err != nil {
		logger.Error("Manual sweep failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Sweep failed",
		})
	}

	return c.JSON(report)
}
