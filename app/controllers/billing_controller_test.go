package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/billing"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/entitlements"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBillingService struct {
	notifyResult billing.Result
	notifyErr    error
	verifyResult billing.Result
	verifyErr    error
	entitlement  *models.BillingEntitlement
	entErr       error

	gotProvider models.Provider
	gotMaterial billing.VerificationMaterial
	gotVerify   billing.VerifyRequest
	verifyCalls int
}

func (f *fakeBillingService) HandleNotification(_ context.Context, provider models.Provider, _ []byte, material billing.VerificationMaterial) (billing.Result, error) {
	f.gotProvider = provider
	f.gotMaterial = material
	return f.notifyResult, f.notifyErr
}

func (f *fakeBillingService) Verify(_ context.Context, req billing.VerifyRequest) (billing.Result, error) {
	f.verifyCalls++
	f.gotVerify = req
	return f.verifyResult, f.verifyErr
}

func (f *fakeBillingService) Entitlement(context.Context, string) (*models.BillingEntitlement, error) {
	return f.entitlement, f.entErr
}

func newBillingTestApp(svc BillingService) *fiber.App {
	bc := NewBillingController(svc, nil)
	app := fiber.New()
	app.Post("/webhooks/google-play", bc.HandleGooglePlayWebhook)
	app.Post("/webhooks/app-store", bc.HandleAppStoreWebhook)
	app.Post("/webhooks/stripe", bc.HandleStripeWebhook)
	app.Post("/api/v1/verify", bc.HandleVerify)
	app.Get("/api/v1/entitlements/:userId", bc.HandleGetEntitlement)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestWebhookResponses(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"applied", "/webhooks/google-play", nil, fiber.StatusOK, "applied"},
		{"bad signature", "/webhooks/stripe", fmt.Errorf("%w: no valid signature", billing.ErrSignatureInvalid), fiber.StatusUnauthorized, ""},
		{"malformed google", "/webhooks/google-play", fmt.Errorf("%w: bad envelope", billing.ErrMalformedPayload), fiber.StatusOK, "dropped"},
		{"malformed apple", "/webhooks/app-store", fmt.Errorf("%w: bad jws", billing.ErrMalformedPayload), fiber.StatusOK, "dropped"},
		{"malformed stripe", "/webhooks/stripe", fmt.Errorf("%w: bad json", billing.ErrMalformedPayload), fiber.StatusBadRequest, ""},
		{"deferred", "/webhooks/app-store", fmt.Errorf("%w: %w", billing.ErrDeferred, billing.ErrProviderUnavailable), fiber.StatusOK, "deferred"},
		{"failed without deferral", "/webhooks/app-store", fmt.Errorf("%w: timeout", billing.ErrProviderUnavailable), fiber.StatusInternalServerError, ""},
		{"store failure without deferral", "/webhooks/stripe", errors.New("Error 1213: Deadlock found when trying to get lock"), fiber.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeBillingService{notifyResult: billing.Result{Outcome: billing.OutcomeApplied}, notifyErr: tt.err}
			status, body := doJSON(t, newBillingTestApp(svc), "POST", tt.path, `{}`, map[string]string{"Stripe-Signature": "t=1,v1=abc"})
			assert.Equal(t, tt.wantStatus, status)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, body["outcome"])
			}
		})
	}
}

func TestWebhookPassesProviderAndHeaders(t *testing.T) {
	svc := &fakeBillingService{}
	doJSON(t, newBillingTestApp(svc), "POST", "/webhooks/stripe", `{}`, map[string]string{"Stripe-Signature": "t=1,v1=abc"})
	assert.Equal(t, models.ProviderStripe, svc.gotProvider)
	assert.Equal(t, "t=1,v1=abc", svc.gotMaterial.Header("stripe-signature"))
}

func TestVerifyResponses(t *testing.T) {
	body := `{"provider":"stripe","purchase_ref":"sub_1","user_id":"user-1"}`

	t.Run("active", func(t *testing.T) {
		svc := &fakeBillingService{verifyResult: billing.Result{Outcome: billing.OutcomeApplied, Status: models.StatusActive, Tier: entitlements.TierPremium}}
		status, resp := doJSON(t, newBillingTestApp(svc), "POST", "/api/v1/verify", body, nil)
		assert.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, "active", resp["status"])
		assert.Equal(t, "premium", resp["tier"])
		assert.Equal(t, "sub_1", svc.gotVerify.PurchaseRef)
	})

	t.Run("integrity failed", func(t *testing.T) {
		svc := &fakeBillingService{verifyResult: billing.Result{Outcome: billing.OutcomeIntegrityFailed, Status: models.StatusIntegrityFailed, Tier: entitlements.TierFree}}
		status, resp := doJSON(t, newBillingTestApp(svc), "POST", "/api/v1/verify", body, nil)
		assert.Equal(t, fiber.StatusForbidden, status)
		assert.Equal(t, "integrity_failed", resp["status"])
	})

	t.Run("failure hides taxonomy", func(t *testing.T) {
		svc := &fakeBillingService{verifyErr: fmt.Errorf("%w: timeout", billing.ErrProviderUnavailable)}
		status, resp := doJSON(t, newBillingTestApp(svc), "POST", "/api/v1/verify", body, nil)
		assert.Equal(t, fiber.StatusServiceUnavailable, status)
		assert.Equal(t, map[string]any{"error": "retry_later"}, resp)
	})

	t.Run("purchase of another account", func(t *testing.T) {
		svc := &fakeBillingService{verifyResult: billing.Result{Outcome: billing.OutcomeRejected, UserID: "user-1", Tier: entitlements.TierFree}}
		status, resp := doJSON(t, newBillingTestApp(svc), "POST", "/api/v1/verify", body, nil)
		assert.Equal(t, fiber.StatusForbidden, status)
		assert.Equal(t, map[string]any{"error": "purchase_not_owned"}, resp)
	})

	t.Run("lost race reads stored entitlement", func(t *testing.T) {
		svc := &fakeBillingService{
			verifyResult: billing.Result{Outcome: billing.OutcomeDuplicate},
			entitlement:  &models.BillingEntitlement{UserID: "user-1", Tier: "premium", Status: models.StatusActive},
		}
		status, resp := doJSON(t, newBillingTestApp(svc), "POST", "/api/v1/verify", body, nil)
		assert.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, "premium", resp["tier"])
	})

	t.Run("invalid request", func(t *testing.T) {
		svc := &fakeBillingService{}
		for _, bad := range []string{`not-json`, `{"provider":"paypal","purchase_ref":"x","user_id":"u"}`, `{"provider":"stripe","user_id":"u"}`} {
			status, _ := doJSON(t, newBillingTestApp(svc), "POST", "/api/v1/verify", bad, nil)
			assert.Equal(t, fiber.StatusBadRequest, status, bad)
		}
		assert.Zero(t, svc.verifyCalls)
	})
}

func TestGetEntitlement(t *testing.T) {
	updated := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := &fakeBillingService{entitlement: &models.BillingEntitlement{
		UserID: "user-1", Tier: "premium_max", Status: models.StatusActive,
		Provider: models.ProviderAppStore, ProductRef: "max_monthly", UpdatedAt: updated,
	}}
	status, resp := doJSON(t, newBillingTestApp(svc), "GET", "/api/v1/entitlements/user-1", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "premium_max", resp["tier"])
	assert.Equal(t, "app_store", resp["provider"])
	assert.Equal(t, "2026-03-01T10:00:00Z", resp["updated_at"])

	status, resp = doJSON(t, newBillingTestApp(&fakeBillingService{}), "GET", "/api/v1/entitlements/user-2", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "free", resp["tier"])
	assert.NotContains(t, resp, "status")

	status, resp = doJSON(t, newBillingTestApp(&fakeBillingService{entErr: fmt.Errorf("db down")}), "GET", "/api/v1/entitlements/user-3", "", nil)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "retry_later", resp["error"])
}

func TestFormatTimePtr(t *testing.T) {
	assert.Nil(t, formatTimePtr(nil))
	assert.Nil(t, formatTimePtr(&time.Time{}))

	now := time.Date(2024, 5, 1, 12, 34, 56, 0, time.Local)
	assert.Equal(t, now.UTC().Format(time.RFC3339), formatTimePtr(&now))
}
