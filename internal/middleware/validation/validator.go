package validation

import (
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var (
	injectionPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)
)

type Config struct {
	MaxQueryLength int
	Logger         *zap.Logger
}

// Middleware screens request bodies on the text-bearing endpoints before
// they reach the pipeline. Request text is never logged here: at this
// point it may still contain identifiers.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 5000
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost {
			contentType := c.Get("Content-Type")
			if contentType != "" && !strings.Contains(contentType, "application/json") {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		path := c.Path()
		if !isTextEndpoint(path) {
			return c.Next()
		}

		var req map[string]interface{}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		field := textField(path)
		text, ok := req[field].(string)
		if !ok || strings.TrimSpace(text) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": field + " is required and must be a string",
			})
		}

		if len(text) > cfg.MaxQueryLength {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Input exceeds maximum length",
			})
		}

		if injectionPattern.MatchString(text) {
			cfg.Logger.Warn("Injection attempt blocked",
				zap.String("ip", c.IP()),
				zap.String("path", path),
				zap.Int("length", len(text)),
			)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid input content",
			})
		}

		req[field] = sanitizeString(text)
		c.Locals("sanitized_body", req)

		return c.Next()
	}
}

func isTextEndpoint(path string) bool {
	return strings.Contains(path, "/api/v1/query") ||
		strings.Contains(path, "/api/v1/phi/process")
}

func textField(path string) string {
	if strings.Contains(path, "/phi/process") {
		return "data"
	}
	return "query"
}

func sanitizeString(input string) string {
	input = strings.TrimSpace(input)
	input = strings.ReplaceAll(input, "\x00", "")
	return input
}
