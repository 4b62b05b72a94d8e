package router

import (
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gofiber/fiber/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/EntitleFox/app/controllers"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies carries what the routers need from the composition root.
type Dependencies struct {
	Billing       *controllers.BillingController
	OpenAPI       *openapi3.T
	ServiceAPIKey string
	Cache         *goredis.Client
	Health        func() error

	MetricsUser     string
	MetricsPassword string
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// Operational routes first so health checks never hit the rate limiter.
	setup(app, NewHttpRouter(deps), NewWebhookRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
