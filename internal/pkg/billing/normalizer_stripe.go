package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"github.com/stripe/stripe-go/v82/webhook"
)

var stripeKinds = map[string]bool{
	"customer.subscription.created": true,
	"customer.subscription.updated": true,
	"customer.subscription.deleted": true,
	"customer.subscription.paused":  true,
	"customer.subscription.resumed": true,
	"invoice.paid":                  true,
	"invoice.payment_failed":        true,
}

type stripeSubscriptionObject struct {
	ID       string            `json:"id"`
	Object   string            `json:"object"`
	Status   string            `json:"status"`
	Customer json.RawMessage   `json:"customer"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoiceObject struct {
	ID            string `json:"id"`
	Object        string `json:"object"`
	Subscription  string `json:"subscription"`
	CustomerEmail string `json:"customer_email"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Pricing struct {
				PriceDetails struct {
					Price string `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
		} `json:"data"`
	} `json:"lines"`
}

// StripeNormalizer verifies Stripe webhook signatures and maps subscription
// and invoice events.
type StripeNormalizer struct {
	webhookSecret string
}

func NewStripeNormalizer(webhookSecret string) *StripeNormalizer {
	return &StripeNormalizer{webhookSecret: strings.TrimSpace(webhookSecret)}
}

func (n *StripeNormalizer) Provider() models.Provider { return models.ProviderStripe }

func (n *StripeNormalizer) Normalize(_ context.Context, raw []byte, material VerificationMaterial) (BillingEvent, error) {
	if n.webhookSecret == "" {
		return BillingEvent{}, fmt.Errorf("%w: webhook secret not configured", ErrSignatureInvalid)
	}
	event, err := webhook.ConstructEventWithOptions(raw, material.Header("Stripe-Signature"), n.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) || errors.Is(err, webhook.ErrTooOld) {
			return BillingEvent{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		return BillingEvent{}, malformed("decode event: %v", err)
	}

	kind := string(event.Type)
	if !stripeKinds[kind] {
		return BillingEvent{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return BillingEvent{}, malformed("event %s without data object", event.ID)
	}

	ev := BillingEvent{
		Provider:         models.ProviderStripe,
		NotificationKind: kind,
		ProviderEventID:  event.ID,
		OccurredAt:       time.Unix(event.Created, 0).UTC(),
		Source:           models.AuditSourceWebhook,
		Extra:            map[string]string{"livemode": fmt.Sprint(event.Livemode)},
	}

	if strings.HasPrefix(kind, "invoice.") {
		var inv stripeInvoiceObject
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return BillingEvent{}, malformed("decode invoice: %v", err)
		}
		subID := inv.Subscription
		if subID == "" {
			subID = inv.Parent.SubscriptionDetails.Subscription
		}
		if subID == "" {
			return BillingEvent{}, fmt.Errorf("%w: invoice %s is not a subscription invoice", ErrUnsupportedKind, inv.ID)
		}
		ev.SubscriptionRef = subID
		ev.PurchaseRef = subID
		ev.UserID = strings.TrimSpace(inv.Parent.SubscriptionDetails.Metadata["user_id"])
		ev.PayerIdentity = inv.CustomerEmail
		if len(inv.Lines.Data) > 0 {
			ev.ProductRef = inv.Lines.Data[0].Pricing.PriceDetails.Price
		}
		ev.Extra["invoice_id"] = inv.ID
		return ev, nil
	}

	var sub stripeSubscriptionObject
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return BillingEvent{}, malformed("decode subscription: %v", err)
	}
	if sub.ID == "" {
		return BillingEvent{}, malformed("subscription event without id")
	}
	ev.SubscriptionRef = sub.ID
	ev.PurchaseRef = sub.ID
	ev.UserID = strings.TrimSpace(sub.Metadata["user_id"])
	if len(sub.Items.Data) > 0 {
		ev.ProductRef = sub.Items.Data[0].Price.ID
	}
	ev.PayerIdentity = stripeCustomerEmail(sub.Customer)
	ev.Extra["stripe_status"] = sub.Status
	return ev, nil
}

// stripeCustomerEmail reads the email of an expanded customer; unexpanded
// customers are plain id strings.
func stripeCustomerEmail(raw json.RawMessage) string {
	if len(raw) == 0 || raw[0] != '{' {
		return ""
	}
	var c struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return ""
	}
	return c.Email
}
