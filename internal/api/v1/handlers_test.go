package apiv1

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSpec(t *testing.T) {
	doc, err := LoadSpec(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, doc.Paths.Find("/api/v1/verify"))
	assert.NotNil(t, doc.Paths.Find("/webhooks/stripe"))
	assert.Contains(t, doc.Components.Schemas, "VerifyRequest")
}

func TestRegisterHandlersProtectsOperations(t *testing.T) {
	doc, err := LoadSpec(context.Background())
	require.NoError(t, err)

	denied := func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}
	app := fiber.New()
	RegisterHandlers(app.Group("/api/v1"), NewAPIServer(nil, doc), denied)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/ping", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/api/v1/openapi.json", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var served map[string]any
	require.NoError(t, json.Unmarshal(raw, &served))
	assert.Equal(t, "3.0.3", served["openapi"])

	resp, err = app.Test(httptest.NewRequest("GET", "/api/v1/entitlements/user-1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("POST", "/api/v1/verify", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
