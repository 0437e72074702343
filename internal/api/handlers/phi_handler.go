package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/medgraph/backend/internal/phi"
	"github.com/medgraph/backend/pkg/logger"
)

type PHIHandler struct {
	detector *phi.Detector
}

func NewPHIHandler(detector *phi.Detector) *PHIHandler {
	return &PHIHandler{detector: detector}
}

// HandleProcess redacts or classifies a piece of text. The raw input is
// never echoed back and never logged.
func (h *PHIHandler) HandleProcess(c *fiber.Ctx) error {
	var req struct {
		Data      string `json:"data"`
		SessionID string `json:"session_id"`
		Operation string `json:"operation"`
	}

	if body, ok := c.Locals("sanitized_body").(map[string]interface{}); ok {
		req.Data, _ = body["data"].(string)
		req.SessionID, _ = body["session_id"].(string)
		req.Operation, _ = body["operation"].(string)
	} else if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Data == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Data is required",
		})
	}

	switch req.Operation {
	case "", "redact":
		result, err := h.detector.Process(c.Context(), req.SessionID, "redact", req.Data)
		if err != nil {
			logger.Error("PHI processing failed", zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "PHI processing unavailable",
			})
		}

		return c.JSON(fiber.Map{
			"result":              result.RedactedText,
			"phi_detected":        result.IsPHI,
			"categories":          categoryList(result),
			"conservative":        result.Conservative,
			"processing_location": "local",
			"compliance": fiber.Map{
				"processed_locally": true,
				"data_egress":       false,
			},
		})

	case "classify":
		isPHI, matches, err := h.detector.Classify(c.Context(), req.SessionID, req.Data)
		if err != nil {
			logger.Error("PHI classification failed", zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "PHI classification unavailable",
			})
		}

		return c.JSON(fiber.Map{
			"result":              isPHI,
			"phi_detected":        isPHI,
			"match_count":         len(matches),
			"processing_location": "local",
			"compliance": fiber.Map{
				"processed_locally": true,
				"data_egress":       false,
			},
		})

	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Operation must be redact or classify",
		})
	}
}

func categoryList(result *phi.Result) []string {
	seen := make(map[string]bool)
	var categories []string
	for _, m := range result.Matches {
		name := string(m.Category)
		if !seen[name] {
			seen[name] = true
			categories = append(categories, name)
		}
	}
	return categories
}
