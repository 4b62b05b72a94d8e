package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/entitlements"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runConcurrently starts n goroutines at once and waits for all of them.
func runConcurrently(n int, fn func(i int)) {
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			fn(i)
		}(i)
	}
	close(start)
	wg.Wait()
}

func TestGuardConcurrentReservationsOfOneKey(t *testing.T) {
	db := newTestDB(t)
	guard := NewGuard(NewRepository(db), time.Minute)
	const n = 10
	won := make([]bool, n)
	errs := make([]error, n)

	runConcurrently(n, func(i int) {
		_, processed, err := guard.CheckAndReserve(context.Background(), "tok-1_PURCHASED")
		won[i], errs[i] = !processed, err
	})

	winners := 0
	for i := range won {
		require.NoError(t, errs[i])
		if won[i] {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	var reservations int64
	require.NoError(t, db.Model(&models.BillingReservation{}).Count(&reservations).Error)
	assert.EqualValues(t, 1, reservations)
}

func TestEngineConcurrentDeliveryOfOneKey(t *testing.T) {
	f := newEngineFixture(t)
	f.norm.event = googleEvent("tok-1", "PURCHASED")
	f.gateway.states["tok-1"] = activeState("premium_monthly", "")
	f.linkPurchase(t, "tok-1", "user-1")
	const n = 8
	outcomes := make([]Outcome, n)
	errs := make([]error, n)

	runConcurrently(n, func(i int) {
		res, err := f.engine.HandleNotification(context.Background(), models.ProviderGooglePlay, nil, VerificationMaterial{})
		outcomes[i], errs[i] = res.Outcome, err
	})

	applied := 0
	for i, outcome := range outcomes {
		require.NoError(t, errs[i])
		if outcome == OutcomeApplied {
			applied++
			continue
		}
		assert.Equal(t, OutcomeDuplicate, outcome)
	}
	assert.Equal(t, 1, applied)
	assert.EqualValues(t, 1, countAudit(t, f.db))
	assert.Len(t, f.observer.users, 1)
}

func TestEngineConcurrentWritesForOneUser(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	products := map[string]string{"tok-a": "premium_monthly", "tok-b": "max_monthly"}
	var events []BillingEvent
	for token, product := range products {
		f.gateway.states[token] = activeState(product, "")
		f.linkPurchase(t, token, "user-1")
		for _, kind := range []string{"PURCHASED", "RENEWED", "RECOVERED"} {
			ev := googleEvent(token, kind)
			ev.SubscriptionRef = product
			ev.ProductRef = product
			events = append(events, ev)
		}
	}
	results := make([]Result, len(events))
	errs := make([]error, len(events))

	runConcurrently(len(events), func(i int) {
		results[i], errs[i] = f.engine.Reprocess(ctx, events[i])
	})

	for i, res := range results {
		require.NoError(t, errs[i], events[i].IdempotencyKey())
		assert.Equal(t, OutcomeApplied, res.Outcome, events[i].IdempotencyKey())
	}
	assert.EqualValues(t, len(events), countAudit(t, f.db))

	var lineages int64
	require.NoError(t, f.db.Model(&models.BillingSubscription{}).Where("user_id = ?", "user-1").Count(&lineages).Error)
	assert.EqualValues(t, 2, lineages)

	var rows int64
	require.NoError(t, f.db.Model(&models.BillingEntitlement{}).Count(&rows).Error)
	assert.EqualValues(t, 1, rows)

	ent, err := f.engine.Entitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, ent.Status)
	assert.Equal(t, "premium_max", ent.Tier)
	assert.Equal(t, "tok-b", ent.PurchaseRef)
}

func TestEngineOutOfOrderDeliveryFollowsLatestState(t *testing.T) {
	suspended := activeState("premium_monthly", "")
	suspended.PaymentState = PaymentStatePending
	suspended.Lifecycle = models.StatusSuspended
	revoked := activeState("premium_monthly", "")
	revoked.Lifecycle = models.StatusCancelled

	tests := []struct {
		name       string
		state      SubscriptionState
		kinds      []string
		wantStatus models.Status
		wantTier   entitlements.Tier
	}{
		{"stale cancel around renewal", activeState("premium_monthly", ""), []string{"RENEWED", "CANCELED"}, models.StatusActive, entitlements.TierPremium},
		{"hold around renewal", suspended, []string{"RENEWED", "ON_HOLD"}, models.StatusSuspended, entitlements.TierFree},
		{"revocation around renewal", revoked, []string{"RENEWED", "REVOKED"}, models.StatusCancelled, entitlements.TierFree},
	}
	for _, tt := range tests {
		orders := map[string][]string{
			"in order": tt.kinds,
			"reversed": {tt.kinds[1], tt.kinds[0]},
		}
		for order, kinds := range orders {
			t.Run(tt.name+" "+order, func(t *testing.T) {
				f := newEngineFixture(t)
				ctx := context.Background()
				f.linkPurchase(t, "tok-1", "user-1")
				f.gateway.states["tok-1"] = activeState("premium_monthly", "")
				f.norm.event = googleEvent("tok-1", "PURCHASED")
				_, err := f.engine.HandleNotification(ctx, models.ProviderGooglePlay, nil, VerificationMaterial{})
				require.NoError(t, err)

				f.gateway.states["tok-1"] = tt.state
				for _, kind := range kinds {
					f.norm.event = googleEvent("tok-1", kind)
					_, err := f.engine.HandleNotification(ctx, models.ProviderGooglePlay, nil, VerificationMaterial{})
					require.NoError(t, err, kind)
				}

				ent, err := f.engine.Entitlement(ctx, "user-1")
				require.NoError(t, err)
				assert.Equal(t, tt.wantStatus, ent.Status)
				assert.Equal(t, string(tt.wantTier), ent.Tier)
			})
		}
	}
}
