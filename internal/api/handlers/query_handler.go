package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/medgraph/backend/internal/audit"
	"github.com/medgraph/backend/internal/orchestrator"
	"github.com/medgraph/backend/pkg/logger"
)

type QueryHandler struct {
	pipeline *orchestrator.Orchestrator
	audit    *audit.Logger
}

func NewQueryHandler(pipeline *orchestrator.Orchestrator, auditLogger *audit.Logger) *QueryHandler {
	return &QueryHandler{
		pipeline: pipeline,
		audit:    auditLogger,
	}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req struct {
		Query     string `json:"query"`
		SessionID string `json:"session_id"`
		UserID    string `json:"user_id"`
	}

	if body, ok := c.Locals("sanitized_body").(map[string]interface{}); ok {
		req.Query, _ = body["query"].(string)
		req.SessionID, _ = body["session_id"].(string)
		req.UserID, _ = body["user_id"].(string)
	} else if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}

	response, err := h.pipeline.HandleQuery(c.Context(), req.SessionID, req.UserID, req.Query)
	if err != nil {
		if errors.Is(err, orchestrator.ErrStorageFailure) {
			logger.Error("Query failed on storage", zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "Storage unavailable",
			})
		}
		logger.Error("Failed to process query", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process query",
		})
	}

	c.Set("X-Session-ID", response.SessionID)
	c.Set("X-Cache-Status", string(response.CacheStatus))
	verified := "false"
	if response.Compliance.ProcessedLocally && !response.Compliance.DataEgress {
		verified = "true"
	}
	c.Set("X-Compliance-Verified", verified)

	return c.JSON(response)
}

func (h *QueryHandler) GetAuditHistory(c *fiber.Ctx) error {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "session_id is required",
		})
	}

	entries, err := h.audit.History(c.Context(), sessionID, c.QueryInt("limit", 50))
	if err != nil {
		logger.Error("Failed to load audit history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load audit history",
		})
	}

	return c.JSON(fiber.Map{
		"session_id": sessionID,
		"entries":    entries,
	})
}
