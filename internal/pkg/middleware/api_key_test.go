package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKeyApp(key string) *fiber.App {
	app := fiber.New()
	app.Get("/x", APIKeyAuthMiddleware(key), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func TestAPIKeyAuthMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		header   string
		value    string
		expected int
	}{
		{"missing", "secret", "", "", fiber.StatusUnauthorized},
		{"wrong", "secret", "X-API-Key", "nope", fiber.StatusUnauthorized},
		{"x-api-key", "secret", "X-API-Key", "secret", fiber.StatusOK},
		{"bearer", "secret", "Authorization", "Bearer secret", fiber.StatusOK},
		{"unconfigured", "", "X-API-Key", "anything", fiber.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/x", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			resp, err := newKeyApp(tt.key).Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, resp.StatusCode)
		})
	}
}
