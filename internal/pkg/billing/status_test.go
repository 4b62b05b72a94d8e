package billing

import (
	"testing"
	"time"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"github.com/stretchr/testify/assert"
)

func TestResolveStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(30 * 24 * time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name      string
		provider  models.Provider
		kind      string
		state     SubscriptionState
		integrity IntegrityVerdict
		want      models.Status
	}{
		{
			name:  "paid and not cancelled",
			state: SubscriptionState{Expiry: future, PaymentState: PaymentStateReceived},
			want:  models.StatusActive,
		},
		{
			name:  "free trial counts as paid",
			state: SubscriptionState{Expiry: future, PaymentState: PaymentStateFreeTrial},
			want:  models.StatusActive,
		},
		{
			name:  "paid with cancel reason",
			state: SubscriptionState{Expiry: future, PaymentState: PaymentStateReceived, CancelReason: "user_canceled"},
			want:  models.StatusCancelled,
		},
		{
			name:  "payment pending",
			state: SubscriptionState{Expiry: future, PaymentState: PaymentStatePending},
			want:  models.StatusPending,
		},
		{
			name:  "expiry equal to now",
			state: SubscriptionState{Expiry: now, PaymentState: PaymentStateReceived},
			want:  models.StatusExpired,
		},
		{
			name:  "expired with cancel reason",
			state: SubscriptionState{Expiry: past, PaymentState: PaymentStateReceived, CancelReason: "system"},
			want:  models.StatusExpired,
		},
		{
			name:  "no expiry and no payment info",
			state: SubscriptionState{PaymentState: PaymentStateUnknown},
			want:  models.StatusPending,
		},
		{
			name:      "integrity failure wins over everything",
			provider:  models.ProviderGooglePlay,
			kind:      "CANCELED",
			state:     SubscriptionState{Expiry: past},
			integrity: IntegrityFailed,
			want:      models.StatusIntegrityFailed,
		},
		{
			name:     "declared cancel beats future expiry",
			provider: models.ProviderGooglePlay,
			kind:     "CANCELED",
			state:    SubscriptionState{Expiry: future, PaymentState: PaymentStateReceived, CancelReason: "user_canceled"},
			want:     models.StatusCancelled,
		},
		{
			name:     "declared cancel beats past expiry",
			provider: models.ProviderGooglePlay,
			kind:     "CANCELED",
			state:    SubscriptionState{Expiry: past, PaymentState: PaymentStateReceived},
			want:     models.StatusCancelled,
		},
		{
			name:     "stale cancel contradicted by paid live state",
			provider: models.ProviderGooglePlay,
			kind:     "CANCELED",
			state:    SubscriptionState{Expiry: future, PaymentState: PaymentStateReceived},
			want:     models.StatusActive,
		},
		{
			name:     "restart resolves from live state",
			provider: models.ProviderGooglePlay,
			kind:     "RESTARTED",
			state:    SubscriptionState{Expiry: future, PaymentState: PaymentStateReceived},
			want:     models.StatusActive,
		},
		{
			name:     "on hold is suspended",
			provider: models.ProviderGooglePlay,
			kind:     "ON_HOLD",
			state:    SubscriptionState{Expiry: future, PaymentState: PaymentStatePending},
			want:     models.StatusSuspended,
		},
		{
			name:     "app store failed renewal",
			provider: models.ProviderAppStore,
			kind:     "DID_FAIL_TO_RENEW",
			state:    SubscriptionState{Expiry: future, PaymentState: PaymentStatePending},
			want:     models.StatusPaymentFailed,
		},
		{
			name:     "stripe deleted",
			provider: models.ProviderStripe,
			kind:     "customer.subscription.deleted",
			state:    SubscriptionState{Expiry: future, PaymentState: PaymentStateReceived, Lifecycle: models.StatusCancelled},
			want:     models.StatusCancelled,
		},
		{
			name:     "kind of another provider is not a declaration",
			provider: models.ProviderStripe,
			kind:     "CANCELED",
			state:    SubscriptionState{Expiry: future, PaymentState: PaymentStateReceived},
			want:     models.StatusActive,
		},
		{
			name:  "live state lifecycle",
			state: SubscriptionState{Expiry: future, PaymentState: PaymentStatePending, Lifecycle: models.StatusPaymentFailed},
			want:  models.StatusPaymentFailed,
		},
		{
			name:  "expiry beats live state lifecycle",
			state: SubscriptionState{Expiry: past, Lifecycle: models.StatusSuspended},
			want:  models.StatusExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveStatus(tt.provider, tt.kind, tt.state, tt.integrity, now))
		})
	}
}

func TestResolveStatusExpiryDominatesPaymentFields(t *testing.T) {
	now := time.Now()
	payments := []PaymentState{PaymentStateUnknown, PaymentStatePending, PaymentStateReceived, PaymentStateFreeTrial}
	reasons := []string{"", "user_canceled", "replaced"}
	for _, offset := range []time.Duration{0, -time.Second, -90 * 24 * time.Hour} {
		for _, p := range payments {
			for _, r := range reasons {
				state := SubscriptionState{Expiry: now.Add(offset), PaymentState: p, CancelReason: r}
				assert.Equal(t, models.StatusExpired, ResolveStatus(models.ProviderGooglePlay, "RENEWED", state, IntegrityPassed, now),
					"payment=%s reason=%q offset=%s", p, r, offset)
			}
		}
	}
}
