package router

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RubensPaulo1/NexFun-sub000/app/controllers"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/billing/billingtest"
)

func newTestApp(cfg APIConfig) *fiber.App {
	engine := billing.NewEngine(billingtest.NewMemoryRepository())
	processor := billing.NewWebhookProcessor(engine, nil)
	verifier := billing.NewVerifier(engine, nil)
	app := fiber.New()
	InstallRouter(app, controllers.NewBillingController(engine, processor, verifier), cfg)
	return app
}

func status(t *testing.T, app *fiber.App, method, path, key string) int {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestInstallRouter(t *testing.T) {
	app := newTestApp(APIConfig{APIKey: "internal"})

	assert.Equal(t, fiber.StatusOK, status(t, app, "GET", "/healthz", ""))
	assert.Equal(t, fiber.StatusNotFound, status(t, app, "POST", "/webhooks/unknown", ""))
	assert.Equal(t, fiber.StatusUnauthorized, status(t, app, "GET", "/api/v1/subscriptions/abc", ""))
	assert.Equal(t, fiber.StatusNotFound, status(t, app, "GET", "/api/v1/subscriptions/abc", "internal"))
}

func TestApiRouter_RateLimit(t *testing.T) {
	app := newTestApp(APIConfig{APIKey: "internal", RateLimitMax: 2, RateLimitWindow: time.Minute})

	assert.Equal(t, fiber.StatusNotFound, status(t, app, "GET", "/api/v1/subscriptions/abc", "internal"))
	assert.Equal(t, fiber.StatusNotFound, status(t, app, "GET", "/api/v1/subscriptions/abc", "internal"))
	assert.Equal(t, fiber.StatusTooManyRequests, status(t, app, "GET", "/api/v1/subscriptions/abc", "internal"))
}
