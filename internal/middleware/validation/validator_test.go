package validation

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func newApp() *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{MaxMessageLength: 32, MaxEventSize: 64}))
	app.Post("/api/v1/events", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusCreated) })
	app.Post("/api/v1/messages", func(c *fiber.Ctx) error {
		msg, _ := c.Locals(MessageLocal).(map[string]interface{})
		return c.SendString(msg["text"].(string))
	})
	return app
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		contentType string
		body        string
		wantStatus  int
		wantBody    string
	}{
		{"json event", "/api/v1/events", "application/json", `{"channel_id":"c"}`, fiber.StatusCreated, ""},
		{"form event", "/api/v1/events", "application/x-www-form-urlencoded", "channel_id=c", fiber.StatusCreated, ""},
		{"unsupported type", "/api/v1/events", "text/csv", "a,b", fiber.StatusUnsupportedMediaType, ""},
		{"empty event", "/api/v1/events", "application/json", "", fiber.StatusBadRequest, ""},
		{"oversized event", "/api/v1/events", "application/json", `{"d":"` + strings.Repeat("x", 80) + `"}`, fiber.StatusRequestEntityTooLarge, ""},
		{"message sanitized", "/api/v1/messages", "application/json", `{"text":"  hi\u0000 "}`, fiber.StatusOK, "hi"},
		{"message missing text", "/api/v1/messages", "application/json", `{"channel_id":"c"}`, fiber.StatusBadRequest, ""},
		{"form message", "/api/v1/messages", "application/x-www-form-urlencoded", "text=hi", fiber.StatusUnsupportedMediaType, ""},
		{"json message with charset", "/api/v1/messages", "application/json; charset=utf-8", `{"text":"hi"}`, fiber.StatusOK, "hi"},
		{"message too long", "/api/v1/messages", "application/json", `{"text":"` + strings.Repeat("y", 40) + `"}`, fiber.StatusRequestEntityTooLarge, ""},
	}

	app := newApp()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			resp, err := app.Test(req)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantBody != "" {
				body, _ := io.ReadAll(resp.Body)
				if string(body) != tt.wantBody {
					t.Fatalf("body = %q, want %q", body, tt.wantBody)
				}
			}
		})
	}
}
