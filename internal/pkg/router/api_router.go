package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"

	"github.com/RubensPaulo1/NexFun-sub000/app/controllers"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/cache"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/env"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/middleware"
)

// APIConfig configures the internal /api/v1 group.
type APIConfig struct {
	APIKey          string
	RateLimitMax    int
	RateLimitWindow time.Duration
	// LimiterStorage is shared by all instances; nil keeps counts in memory.
	LimiterStorage fiber.Storage
}

func LoadAPIConfig() APIConfig {
	return APIConfig{
		APIKey:          env.GetEnv("INTERNAL_API_KEY", ""),
		RateLimitMax:    env.GetEnvInt("API_RATE_LIMIT_MAX", 120),
		RateLimitWindow: env.GetEnvDuration("API_RATE_LIMIT_WINDOW", time.Minute),
		LimiterStorage:  NewLimiterStorage(),
	}
}

// NewLimiterStorage points the limiter at the cache Redis, database 2.
func NewLimiterStorage() fiber.Storage {
	cacheClient := cache.GetClient()
	if cacheClient == nil {
		return nil
	}
	host := "localhost"
	port := 6379
	if h, p, err := net.SplitHostPort(cacheClient.Options().Addr); err == nil {
		host = h
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}
	return redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Password: cacheClient.Options().Password,
		Database: 2, // cache uses DB 0
		Reset:    false,
	})
}

type ApiRouter struct {
	billing *controllers.BillingController
	cfg     APIConfig
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	limitCfg := limiter.Config{
		Max:        h.cfg.RateLimitMax,
		Expiration: h.cfg.RateLimitWindow,
		Storage:    h.cfg.LimiterStorage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "too_many_requests", "message": "Rate limit exceeded"})
		},
	}
	api := app.Group("/api", limiter.New(limitCfg))

	v1 := api.Group("/v1", middleware.APIKeyAuthMiddleware(h.cfg.APIKey))
	v1.Post("/subscriptions", h.billing.HandleCreateSubscription)
	v1.Get("/subscriptions/:id", h.billing.HandleGetSubscription)
	v1.Post("/subscriptions/:id/verify", h.billing.HandleVerifySubscription)
	v1.Post("/subscriptions/:id/cancel", h.billing.HandleCancelSubscription)
}

func NewApiRouter(billing *controllers.BillingController, cfg APIConfig) *ApiRouter {
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 120
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	return &ApiRouter{billing: billing, cfg: cfg}
}
