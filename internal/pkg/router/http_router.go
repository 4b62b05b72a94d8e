package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// HttpRouter serves the operational endpoints.
type HttpRouter struct {
	deps Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", h.health)

	metrics := adaptor.HTTPHandler(promhttp.Handler())
	if h.deps.MetricsUser != "" {
		app.Get("/metrics", basicauth.New(basicauth.Config{
			Users: map[string]string{h.deps.MetricsUser: h.deps.MetricsPassword},
		}), metrics)
		return
	}
	app.Get("/metrics", metrics)
}

func (h HttpRouter) health(c *fiber.Ctx) error {
	if h.deps.Health != nil {
		if err := h.deps.Health(); err != nil {
			log.Warn().Err(err).Msg("[Health] Dependency check failed")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{deps: deps}
}
