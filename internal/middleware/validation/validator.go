package validation

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

type Config struct {
	MaxFieldNameLength  int
	MaxDefinitionLength int
	MaxFeedbackLength   int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// textLimits lists the free-text request properties that end up in model
// prompts, keyed to the limit that applies.
func (cfg Config) textLimits() map[string]int {
	return map[string]int{
		"field_name":       cfg.MaxFieldNameLength,
		"field_definition": cfg.MaxDefinitionLength,
		"feedback_text":    cfg.MaxFeedbackLength,
	}
}

// Middleware rejects unsupported content types and oversized or scripted
// text on the endpoints that forward user text to the model.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxFieldNameLength == 0 {
		cfg.MaxFieldNameLength = 256
	}
	if cfg.MaxDefinitionLength == 0 {
		cfg.MaxDefinitionLength = 5000
	}
	if cfg.MaxFeedbackLength == 0 {
		cfg.MaxFeedbackLength = 2000
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json", "multipart/form-data"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	limits := cfg.textLimits()

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if contentType != "" && !allowed(contentType, cfg.AllowedContentTypes) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
				"code":  "unsupported_media_type",
			})
		}

		if !strings.HasPrefix(contentType, fiber.MIMEApplicationJSON) || !checksText(c.Path()) || len(c.Body()) == 0 {
			return c.Next()
		}

		var req map[string]interface{}
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
				"code":  "invalid_json",
			})
		}

		for key, limit := range limits {
			value, ok := req[key].(string)
			if !ok {
				continue
			}
			if len(value) > limit {
				return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
					"error": key + " exceeds maximum length",
					"code":  "validation_error",
				})
			}
			if key == "field_name" && xssPattern.MatchString(value) {
				cfg.Logger.Warn("Potential XSS attempt",
					zap.String("ip", c.IP()),
					zap.String("path", c.Path()),
				)
				return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
					"error": "Invalid field name",
					"code":  "validation_error",
				})
			}
		}

		return c.Next()
	}
}

func checksText(path string) bool {
	return strings.HasSuffix(path, "/fields/check") || strings.HasSuffix(path, "/improve")
}

func allowed(contentType string, types []string) bool {
	for _, t := range types {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

// SanitizeString trims and drops NUL bytes, which sqlite and the model
// client both reject.
func SanitizeString(input string) string {
	input = strings.TrimSpace(input)
	return strings.ReplaceAll(input, "\x00", "")
}
