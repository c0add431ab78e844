package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/RubensPaulo1/NexFun-sub000/app/controllers"
)

type HttpRouter struct {
	billing *controllers.BillingController
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	h.registerPublicRoutes(app)
}

func NewHttpRouter(billing *controllers.BillingController) *HttpRouter {
	return &HttpRouter{billing: billing}
}
