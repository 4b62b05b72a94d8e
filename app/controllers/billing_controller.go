package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/billing"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/cache"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// BillingService is the engine surface the HTTP layer needs.
type BillingService interface {
	HandleNotification(ctx context.Context, provider models.Provider, raw []byte, material billing.VerificationMaterial) (billing.Result, error)
	Verify(ctx context.Context, req billing.VerifyRequest) (billing.Result, error)
	Entitlement(ctx context.Context, userID string) (*models.BillingEntitlement, error)
}

type BillingController struct {
	service  BillingService
	cache    *cache.EntitlementCache
	validate *validator.Validate
}

func NewBillingController(service BillingService, entitlementCache *cache.EntitlementCache) *BillingController {
	return &BillingController{service: service, cache: entitlementCache, validate: validator.New()}
}

func (bc *BillingController) HandleGooglePlayWebhook(c *fiber.Ctx) error {
	return bc.handleWebhook(c, models.ProviderGooglePlay)
}

func (bc *BillingController) HandleAppStoreWebhook(c *fiber.Ctx) error {
	return bc.handleWebhook(c, models.ProviderAppStore)
}

func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	return bc.handleWebhook(c, models.ProviderStripe)
}

// handleWebhook acknowledges every delivery that made it past
// authentication and parsing and was either processed or queued for a retry,
// so providers do not amplify redeliveries. A failure that could not be queued
// answers 500 and leaves the redelivery to the provider.
func (bc *BillingController) handleWebhook(c *fiber.Ctx, provider models.Provider) error {
	raw := append([]byte(nil), c.Body()...)
	res, err := bc.service.HandleNotification(c.UserContext(), provider, raw, billing.NewVerificationMaterial(requestHeaders(c)))
	switch {
	case err == nil:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "outcome": res.Outcome})
	case errors.Is(err, billing.ErrSignatureInvalid):
		log.Warn().Err(err).Str("provider", string(provider)).Str("ip", c.IP()).Msg("[Webhook] Rejected unauthenticated delivery")
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	case errors.Is(err, billing.ErrMalformedPayload):
		log.Warn().Err(err).Str("provider", string(provider)).Msg("[Webhook] Dropped malformed delivery")
		if provider == models.ProviderStripe {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request"})
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "outcome": "dropped"})
	case errors.Is(err, billing.ErrDeferred):
		log.Warn().Err(err).Str("provider", string(provider)).Msg("[Webhook] Processing deferred")
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "outcome": "deferred"})
	default:
		log.Error().Err(err).Str("provider", string(provider)).Msg("[Webhook] Processing failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "retry_later"})
	}
}

type verifyResponse struct {
	Status models.Status `json:"status"`
	Tier   string        `json:"tier"`
}

// HandleVerify runs a synchronous verification for a client. Clients only
// ever see a resolved status or a generic retry hint.
func (bc *BillingController) HandleVerify(c *fiber.Ctx) error {
	var req billing.VerifyRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}
	req.PurchaseRef = strings.TrimSpace(req.PurchaseRef)
	req.UserID = strings.TrimSpace(req.UserID)
	if err := bc.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	res, err := bc.service.Verify(c.UserContext(), req)
	if err != nil {
		log.Warn().Err(err).Str("provider", string(req.Provider)).Str("user_id", req.UserID).Msg("[Verify] Verification failed")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "retry_later"})
	}
	switch res.Outcome {
	case billing.OutcomeIntegrityFailed:
		return c.Status(fiber.StatusForbidden).JSON(verifyResponse{Status: models.StatusIntegrityFailed, Tier: string(res.Tier)})
	case billing.OutcomeRejected:
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "purchase_not_owned"})
	}
	if res.Status == "" {
		// Lost a race against a concurrent commit of the same state.
		ent, err := bc.service.Entitlement(c.UserContext(), req.UserID)
		if err != nil || ent == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "retry_later"})
		}
		return c.JSON(verifyResponse{Status: ent.Status, Tier: ent.Tier})
	}
	return c.JSON(verifyResponse{Status: res.Status, Tier: string(res.Tier)})
}

type entitlementResponse struct {
	UserID     string        `json:"user_id"`
	Tier       string        `json:"tier"`
	Status     models.Status `json:"status,omitempty"`
	Provider   string        `json:"provider,omitempty"`
	ProductRef string        `json:"product_ref,omitempty"`
	UpdatedAt  interface{}   `json:"updated_at"`
}

// HandleGetEntitlement returns the stored entitlement of a user. Users
// without one are reported on the free tier.
func (bc *BillingController) HandleGetEntitlement(c *fiber.Ctx) error {
	userID := strings.TrimSpace(c.Params("userId"))
	if userID == "" || len(userID) > 64 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}
	ctx := c.UserContext()

	ent, hit, err := bc.cache.Get(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("[Entitlement] Cache read failed")
	}
	if !hit {
		ent, err = bc.service.Entitlement(ctx, userID)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("[Entitlement] Load failed")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "retry_later"})
		}
		if ent != nil {
			if err := bc.cache.Set(ctx, ent); err != nil {
				log.Warn().Err(err).Str("user_id", userID).Msg("[Entitlement] Cache write failed")
			}
		}
	}

	if ent == nil {
		return c.JSON(entitlementResponse{UserID: userID, Tier: "free"})
	}
	return c.JSON(entitlementResponse{
		UserID:     ent.UserID,
		Tier:       ent.Tier,
		Status:     ent.Status,
		Provider:   string(ent.Provider),
		ProductRef: ent.ProductRef,
		UpdatedAt:  formatTimePtr(&ent.UpdatedAt),
	})
}

func requestHeaders(c *fiber.Ctx) map[string]string {
	headers := make(map[string]string)
	for key, values := range c.GetReqHeaders() {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}
	return headers
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
