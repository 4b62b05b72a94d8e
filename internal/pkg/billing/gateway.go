package billing

import (
	"context"

	"github.com/ManuelReschke/EntitleFox/app/models"
)

// Gateway is the outbound side of a payment provider: live state lookups,
// server-side cancellation and device attestation.
type Gateway interface {
	// FetchSubscriptionState returns the live state of a subscription.
	// Unknown subscriptions yield ErrSubscriptionNotFound.
	FetchSubscriptionState(ctx context.Context, subscriptionRef, purchaseRef string) (SubscriptionState, error)
	// CancelSubscription cancels the subscription at the provider. Providers
	// without server-side cancellation return ErrCancelUnsupported.
	CancelSubscription(ctx context.Context, subscriptionRef, purchaseRef, reason string) error
	// VerifyAttestation reports whether the attestation token proves a
	// genuine app on a trustworthy device.
	VerifyAttestation(ctx context.Context, token string) (bool, error)
}

// Gateways maps each provider to its gateway.
type Gateways map[models.Provider]Gateway
