package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/medgraph/backend/internal/kg/builder"
	"github.com/medgraph/backend/internal/metrics"
	"github.com/medgraph/backend/internal/storage/models"
	"github.com/medgraph/backend/internal/validation"
	"github.com/medgraph/backend/pkg/logger"
)

type ValidationHandler struct {
	assessor *validation.Assessor
}

func NewValidationHandler(assessor *validation.Assessor) *ValidationHandler {
	return &ValidationHandler{assessor: assessor}
}

type validateRecord struct {
	Kind       string            `json:"kind"`
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties"`
}

// HandleValidate runs candidate records through the validation pipeline
// without touching the graph.
func (h *ValidationHandler) HandleValidate(c *fiber.Ctx) error {
	var req struct {
		SessionID      string           `json:"session_id"`
		ValidationType string           `json:"validation_type"`
		Records        []validateRecord `json:"records"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if len(req.Records) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "At least one record is required",
		})
	}

	mode := validation.ModeSchema
	if req.ValidationType == string(validation.ModeFull) {
		mode = validation.ModeFull
	}

	entities := make([]models.GraphEntity, 0, len(req.Records))
	for _, r := range req.Records {
		entity, ok := builder.Candidate(r.Kind, r.Name, r.Properties, "api")
		if !ok {
			// Keep positions aligned so report indexes match input order.
			entity = models.GraphEntity{Kind: models.EntityKind(r.Kind), Name: r.Name}
		}
		entities = append(entities, entity)
	}

	report, err := h.assessor.Validate(c.Context(), req.SessionID, entities, mode)
	if err != nil {
		logger.Error("Validation failed", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Validation unavailable",
		})
	}

	metrics.ValidationReportsTotal.WithLabelValues(boolLabel(report.HIPAACompliant)).Inc()

	return c.JSON(fiber.Map{
		"report_id":       report.ID,
		"valid":           report.Valid,
		"hipaa_compliant": report.HIPAACompliant,
		"quality_score":   report.QualityScore,
		"records":         report.Records,
	})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
