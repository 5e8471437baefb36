package validation

import (
	"encoding/json"
	"mime"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type Config struct {
	MaxMessageLength    int
	MaxEventSize        int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// MessageLocal is the fiber.Ctx local holding a pre-parsed /messages body.
const MessageLocal = "message_body"

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxMessageLength == 0 {
		cfg.MaxMessageLength = 20000
	}
	if cfg.MaxEventSize == 0 {
		cfg.MaxEventSize = 64 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json", "application/x-www-form-urlencoded"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		method := c.Method()
		if method != fiber.MethodPost && method != fiber.MethodPut && method != fiber.MethodPatch {
			return c.Next()
		}

		if contentType := c.Get(fiber.HeaderContentType); contentType != "" && !allowed(contentType, cfg.AllowedContentTypes) {
			return reject(c, fiber.StatusUnsupportedMediaType, "unsupported content type")
		}

		path := c.Path()

		if strings.HasSuffix(path, "/events") {
			body := c.Body()
			if len(body) == 0 {
				return reject(c, fiber.StatusBadRequest, "request body is required")
			}
			if len(body) > cfg.MaxEventSize {
				return reject(c, fiber.StatusRequestEntityTooLarge, "event payload exceeds maximum size")
			}
		}

		if strings.HasSuffix(path, "/messages") {
			if contentType := c.Get(fiber.HeaderContentType); contentType != "" && !allowed(contentType, []string{fiber.MIMEApplicationJSON}) {
				return reject(c, fiber.StatusUnsupportedMediaType, "messages must be application/json")
			}

			var msg map[string]interface{}
			if err := json.Unmarshal(c.Body(), &msg); err != nil {
				return reject(c, fiber.StatusBadRequest, "invalid JSON format")
			}

			text, ok := msg["text"].(string)
			if !ok || strings.TrimSpace(text) == "" {
				return reject(c, fiber.StatusBadRequest, "text is required and must be a string")
			}
			if len(text) > cfg.MaxMessageLength {
				cfg.Logger.Warn("Oversized message rejected",
					zap.String("ip", c.IP()),
					zap.Int("length", len(text)),
				)
				return reject(c, fiber.StatusRequestEntityTooLarge, "text exceeds maximum length")
			}

			msg["text"] = sanitizeString(text)
			c.Locals(MessageLocal, msg)
		}

		return c.Next()
	}
}

func allowed(contentType string, types []string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	for _, t := range types {
		if mediaType == t {
			return true
		}
	}
	return false
}

func reject(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   msg,
	})
}

func sanitizeString(input string) string {
	input = strings.TrimSpace(input)
	input = strings.ReplaceAll(input, "\x00", "")
	return input
}
