// Package stripe is the Stripe subscription gateway.
package stripe

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/billing"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/subscription"
)

type Client struct {
	subs *subscription.Client
}

// NewClient creates a gateway using the given secret key. A non-empty
// baseURL overrides the Stripe API endpoint.
func NewClient(secretKey, baseURL string) *Client {
	cfg := &stripelib.BackendConfig{
		HTTPClient:        &http.Client{Timeout: 15 * time.Second},
		MaxNetworkRetries: stripelib.Int64(1),
	}
	if strings.TrimSpace(baseURL) != "" {
		cfg.URL = stripelib.String(strings.TrimRight(baseURL, "/"))
	}
	backend := stripelib.GetBackendWithConfig(stripelib.APIBackend, cfg)
	return &Client{subs: &subscription.Client{B: backend, Key: strings.TrimSpace(secretKey)}}
}

func (c *Client) FetchSubscriptionState(ctx context.Context, subscriptionRef, purchaseRef string) (billing.SubscriptionState, error) {
	id := subscriptionRef
	if id == "" {
		id = purchaseRef
	}
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("customer")
	sub, err := c.subs.Get(id, params)
	if err != nil {
		if isNotFound(err) {
			return billing.SubscriptionState{}, billing.ErrSubscriptionNotFound
		}
		return billing.SubscriptionState{}, err
	}
	return stateFromSubscription(sub), nil
}

func stateFromSubscription(sub *stripelib.Subscription) billing.SubscriptionState {
	state := billing.SubscriptionState{
		SubscriptionRef: sub.ID,
		PaymentState:    billing.PaymentStateUnknown,
		FetchedAt:       time.Now().UTC(),
		Extra:           map[string]string{"stripe_status": string(sub.Status)},
	}
	if sub.Metadata != nil {
		state.UserIDHint = strings.TrimSpace(sub.Metadata["user_id"])
	}
	if sub.Customer != nil {
		state.PayerIdentity = strings.TrimSpace(sub.Customer.Email)
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			state.ProductRef = item.Price.ID
		}
		if item.CurrentPeriodEnd > 0 {
			state.Expiry = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	if sub.CancelAtPeriodEnd {
		state.CancelReason = "cancel_at_period_end"
	}
	if sub.CancellationDetails != nil && sub.CancellationDetails.Reason != "" {
		state.CancelReason = string(sub.CancellationDetails.Reason)
	}

	switch sub.Status {
	case stripelib.SubscriptionStatusActive:
		state.PaymentState = billing.PaymentStateReceived
	case stripelib.SubscriptionStatusTrialing:
		state.PaymentState = billing.PaymentStateFreeTrial
	case stripelib.SubscriptionStatusIncomplete:
		state.PaymentState = billing.PaymentStatePending
	case stripelib.SubscriptionStatusPastDue, stripelib.SubscriptionStatusUnpaid:
		state.PaymentState = billing.PaymentStatePending
		state.Lifecycle = models.StatusPaymentFailed
	case stripelib.SubscriptionStatusPaused:
		state.Lifecycle = models.StatusSuspended
	case stripelib.SubscriptionStatusCanceled:
		state.Lifecycle = models.StatusCancelled
	case stripelib.SubscriptionStatusIncompleteExpired:
		state.Lifecycle = models.StatusExpired
	}
	return state
}

func (c *Client) CancelSubscription(ctx context.Context, subscriptionRef, purchaseRef, reason string) error {
	id := subscriptionRef
	if id == "" {
		id = purchaseRef
	}
	params := &stripelib.SubscriptionCancelParams{
		CancellationDetails: &stripelib.SubscriptionCancelCancellationDetailsParams{
			Comment: stripelib.String(reason),
		},
	}
	params.Context = ctx
	_, err := c.subs.Cancel(id, params)
	return err
}

func (c *Client) VerifyAttestation(context.Context, string) (bool, error) {
	return false, billing.ErrAttestationUnsupported
}

func isNotFound(err error) bool {
	var serr *stripelib.Error
	return errors.As(err, &serr) && serr.HTTPStatusCode == http.StatusNotFound
}
