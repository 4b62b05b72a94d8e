package billing

import (
	"time"

	"github.com/ManuelReschke/EntitleFox/app/models"
)

// declaredStatuses maps notification kinds that declare a lifecycle
// transition on their own. These are trusted over the expiry and payment
// fields of the live state.
var declaredStatuses = map[models.Provider]map[string]models.Status{
	models.ProviderGooglePlay: {
		"CANCELED": models.StatusCancelled,
		"REVOKED":  models.StatusCancelled,
		"ON_HOLD":  models.StatusSuspended,
		"PAUSED":   models.StatusSuspended,
		"EXPIRED":  models.StatusExpired,
	},
	models.ProviderAppStore: {
		"EXPIRED":              models.StatusExpired,
		"GRACE_PERIOD_EXPIRED": models.StatusExpired,
		"DID_FAIL_TO_RENEW":    models.StatusPaymentFailed,
		"REFUND":               models.StatusCancelled,
		"REVOKE":               models.StatusCancelled,
	},
	models.ProviderStripe: {
		"customer.subscription.deleted": models.StatusCancelled,
		"customer.subscription.paused":  models.StatusSuspended,
		"invoice.payment_failed":        models.StatusPaymentFailed,
	},
}

// DeclaredStatus returns the status a notification kind declares, if any.
func DeclaredStatus(provider models.Provider, kind string) (models.Status, bool) {
	s, ok := declaredStatuses[provider][kind]
	return s, ok
}

// ResolveStatus computes the canonical status from the notification kind, the
// live provider state and the attestation verdict. First match wins:
//
//  1. failed attestation
//  2. a lifecycle status declared by the notification kind, unless the live
//     state shows a paid, uncancelled and unexpired subscription (the push is
//     older than the fetched state)
//  3. expiry at or before now
//  4. a lifecycle status declared by the live state
//  5. payment received: active, or cancelled when a cancel reason is present
//  6. pending
func ResolveStatus(provider models.Provider, kind string, state SubscriptionState, integrity IntegrityVerdict, now time.Time) models.Status {
	if integrity == IntegrityFailed {
		return models.StatusIntegrityFailed
	}
	if s, ok := DeclaredStatus(provider, kind); ok && !inGoodStanding(state, now) {
		return s
	}
	if !state.Expiry.IsZero() && !state.Expiry.After(now) {
		return models.StatusExpired
	}
	if state.Lifecycle != "" && state.Lifecycle.Valid() {
		return state.Lifecycle
	}
	if state.PaymentState.Received() {
		if state.CancelReason != "" {
			return models.StatusCancelled
		}
		return models.StatusActive
	}
	return models.StatusPending
}

// inGoodStanding reports whether the live state alone proves an active
// subscription.
func inGoodStanding(state SubscriptionState, now time.Time) bool {
	return state.PaymentState.Received() &&
		state.CancelReason == "" &&
		state.Lifecycle == "" &&
		!state.Expiry.IsZero() && state.Expiry.After(now)
}
