package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// APIKeyAuthMiddleware authenticates calling backend services by the shared
// service key sent as X-API-Key or bearer token.
func APIKeyAuthMiddleware(serviceKey string) fiber.Handler {
	expected := []byte(strings.TrimSpace(serviceKey))
	return func(c *fiber.Ctx) error {
		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}
		if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(apiKey), expected) != 1 {
			log.Warn().Str("ip", c.IP()).Str("path", c.Path()).Msg("[Auth] Invalid API key")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}
		return c.Next()
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
