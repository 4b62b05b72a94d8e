package apiv1

import (
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gofiber/fiber/v2"

	// Delegate to existing controllers to keep behavior consistent
	"github.com/ManuelReschke/EntitleFox/app/controllers"
)

// ServerInterface lists the v1 operations.
type ServerInterface interface {
	GetPing(c *fiber.Ctx) error
	GetOpenAPI(c *fiber.Ctx) error
	PostVerify(c *fiber.Ctx) error
	GetEntitlement(c *fiber.Ctx, userID string) error
}

// APIServer implements the ServerInterface
type APIServer struct {
	billing *controllers.BillingController
	doc     *openapi3.T
}

// NewAPIServer creates a new API server instance
func NewAPIServer(billing *controllers.BillingController, doc *openapi3.T) *APIServer {
	return &APIServer{billing: billing, doc: doc}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(Pong{Ping: "pong"})
}

// GetOpenAPI serves the validated API document as JSON.
func (s *APIServer) GetOpenAPI(c *fiber.Ctx) error {
	if s.doc == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	}
	raw, err := s.doc.MarshalJSON()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(raw)
}

func (s *APIServer) PostVerify(c *fiber.Ctx) error {
	return s.billing.HandleVerify(c)
}

// GetEntitlement returns the entitlement of a user (API key protected).
// The controller reads userId from route params; the wrapper already set it.
func (s *APIServer) GetEntitlement(c *fiber.Ctx, userID string) error {
	return s.billing.HandleGetEntitlement(c)
}

type Pong struct {
	Ping string `json:"ping"`
}

// RegisterHandlers mounts the public and the protected v1 routes. protected
// runs before every authenticated operation.
func RegisterHandlers(router fiber.Router, si ServerInterface, protected ...fiber.Handler) {
	router.Get("/ping", si.GetPing)
	router.Get("/openapi.json", si.GetOpenAPI)

	router.Post("/verify", withHandlers(protected, si.PostVerify)...)
	router.Get("/entitlements/:userId", withHandlers(protected, func(c *fiber.Ctx) error {
		return si.GetEntitlement(c, c.Params("userId"))
	})...)
}

func withHandlers(chain []fiber.Handler, h fiber.Handler) []fiber.Handler {
	out := make([]fiber.Handler, 0, len(chain)+1)
	return append(append(out, chain...), h)
}
