package router

import (
	"github.com/gofiber/fiber/v2"
)

// WebhookRouter mounts the provider notification endpoints. Authenticity is
// checked per provider by the normalizers, not by middleware.
type WebhookRouter struct {
	deps Dependencies
}

func (w WebhookRouter) InstallRouter(app *fiber.App) {
	hooks := app.Group("/webhooks")
	hooks.Post("/google-play", w.deps.Billing.HandleGooglePlayWebhook)
	hooks.Post("/app-store", w.deps.Billing.HandleAppStoreWebhook)
	hooks.Post("/stripe", w.deps.Billing.HandleStripeWebhook)
}

func NewWebhookRouter(deps Dependencies) *WebhookRouter {
	return &WebhookRouter{deps: deps}
}
