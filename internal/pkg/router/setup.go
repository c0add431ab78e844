package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/RubensPaulo1/NexFun-sub000/app/controllers"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

func InstallRouter(app *fiber.App, billing *controllers.BillingController, cfg APIConfig) {
	// Webhooks stay outside the /api group: providers authenticate with
	// signatures, not the internal key, and must not be rate limited.
	setup(app, NewHttpRouter(billing), NewApiRouter(billing, cfg))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
