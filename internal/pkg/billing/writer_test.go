package billing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func reserve(t *testing.T, store Store, key string) Reservation {
	t.Helper()
	res, processed, err := NewGuard(store, time.Minute).CheckAndReserve(context.Background(), key)
	require.NoError(t, err)
	require.False(t, processed)
	return res
}

func stripeCommit(t *testing.T, store Store, eventID, subID, product string, status models.Status) Commit {
	ev := BillingEvent{
		Provider:         models.ProviderStripe,
		SubscriptionRef:  subID,
		PurchaseRef:      subID,
		UserID:           "user-1",
		ProductRef:       product,
		PayerIdentity:    "Payer@Example.com",
		NotificationKind: "customer.subscription.updated",
		ProviderEventID:  eventID,
		Source:           models.AuditSourceWebhook,
	}
	return Commit{
		Event:       ev,
		Status:      status,
		Expiry:      time.Now().Add(24 * time.Hour),
		Reservation: reserve(t, store, ev.IdempotencyKey()),
	}
}

func TestWriterCreatesEntitlementOnActivation(t *testing.T) {
	db := newTestDB(t)
	store := NewRepository(db)
	w := NewWriter(store, testTiers())

	out, err := w.Apply(context.Background(), stripeCommit(t, store, "evt_1", "sub_1", "price_premium", models.StatusActive))
	require.NoError(t, err)
	assert.True(t, out.Applied)
	require.NotNil(t, out.Entitlement)
	assert.Equal(t, "premium", out.Entitlement.Tier)
	assert.Equal(t, models.StatusActive, out.Entitlement.Status)
	assert.Equal(t, "payer@example.com", out.Entitlement.PayerIdentity)

	var idx models.BillingPurchaseIndex
	require.NoError(t, db.First(&idx, "purchase_ref = ?", "sub_1").Error)
	assert.Equal(t, "user-1", idx.UserID)

	var binding models.PayerBinding
	require.NoError(t, db.First(&binding, "payer_identity = ?", "payer@example.com").Error)
	assert.Equal(t, "user-1", binding.UserID)

	var audit models.BillingAuditRecord
	require.NoError(t, db.First(&audit, "`key` = ?", "sub_1_evt_1").Error)
	assert.Equal(t, models.StatusActive, audit.ResolvedStatus)
	assert.Equal(t, models.AuditSourceWebhook, audit.Source)
}

func TestWriterForcesFreeTierWhenNotActive(t *testing.T) {
	db := newTestDB(t)
	store := NewRepository(db)
	w := NewWriter(store, testTiers())
	ctx := context.Background()

	_, err := w.Apply(ctx, stripeCommit(t, store, "evt_1", "sub_1", "price_premium", models.StatusActive))
	require.NoError(t, err)

	out, err := w.Apply(ctx, stripeCommit(t, store, "evt_2", "sub_1", "price_premium", models.StatusPaymentFailed))
	require.NoError(t, err)
	assert.Equal(t, "free", out.Entitlement.Tier)
	assert.Equal(t, models.StatusPaymentFailed, out.Entitlement.Status)
}

func TestWriterDoesNotCreateEntitlementForInactiveFirstEvent(t *testing.T) {
	db := newTestDB(t)
	store := NewRepository(db)
	w := NewWriter(store, testTiers())

	out, err := w.Apply(context.Background(), stripeCommit(t, store, "evt_1", "sub_1", "price_premium", models.StatusExpired))
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Nil(t, out.Entitlement)

	_, err = store.GetEntitlement(context.Background(), "user-1")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
	assert.EqualValues(t, 1, countAudit(t, db))
}

func TestWriterKeepsTerminalLineage(t *testing.T) {
	db := newTestDB(t)
	store := NewRepository(db)
	w := NewWriter(store, testTiers())
	ctx := context.Background()

	_, err := w.Apply(ctx, stripeCommit(t, store, "evt_1", "sub_1", "price_premium", models.StatusActive))
	require.NoError(t, err)
	_, err = w.Apply(ctx, stripeCommit(t, store, "evt_2", "sub_1", "price_premium", models.StatusCancelled))
	require.NoError(t, err)

	out, err := w.Apply(ctx, stripeCommit(t, store, "evt_3", "sub_1", "price_premium", models.StatusActive))
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, models.StatusCancelled, out.Entitlement.Status)

	var audit models.BillingAuditRecord
	require.NoError(t, db.First(&audit, "`key` = ?", "sub_1_evt_3").Error)
	var extra map[string]string
	require.NoError(t, json.Unmarshal([]byte(audit.ExtraJSON), &extra))
	assert.Equal(t, "terminal_lineage", extra["ignored"])

	ent, err := store.GetEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, ent.Status)
	assert.Equal(t, "free", ent.Tier)
}

func TestWriterRestartsLineageOnNewPurchase(t *testing.T) {
	db := newTestDB(t)
	store := NewRepository(db)
	w := NewWriter(store, testTiers())
	ctx := context.Background()

	_, err := w.Apply(ctx, stripeCommit(t, store, "evt_1", "sub_1", "price_premium", models.StatusExpired))
	require.NoError(t, err)

	c := stripeCommit(t, store, "evt_2", "sub_1", "price_premium", models.StatusActive)
	c.Event.NotificationKind = "customer.subscription.created"
	out, err := w.Apply(ctx, c)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, models.StatusActive, out.Entitlement.Status)
}

func TestWriterPrefersHighestActiveLineage(t *testing.T) {
	db := newTestDB(t)
	store := NewRepository(db)
	w := NewWriter(store, testTiers())
	ctx := context.Background()

	_, err := w.Apply(ctx, stripeCommit(t, store, "evt_1", "sub_max", "max_monthly", models.StatusActive))
	require.NoError(t, err)
	out, err := w.Apply(ctx, stripeCommit(t, store, "evt_2", "sub_basic", "price_premium", models.StatusActive))
	require.NoError(t, err)
	assert.Equal(t, "premium_max", out.Entitlement.Tier)
	assert.Equal(t, "sub_max", out.Entitlement.SubscriptionRef)

	// losing the smaller subscription keeps the bigger one in force
	out, err = w.Apply(ctx, stripeCommit(t, store, "evt_3", "sub_basic", "price_premium", models.StatusExpired))
	require.NoError(t, err)
	assert.Equal(t, "premium_max", out.Entitlement.Tier)
	assert.Equal(t, models.StatusActive, out.Entitlement.Status)

	out, err = w.Apply(ctx, stripeCommit(t, store, "evt_4", "sub_max", "max_monthly", models.StatusExpired))
	require.NoError(t, err)
	assert.Equal(t, "free", out.Entitlement.Tier)
	assert.Equal(t, models.StatusExpired, out.Entitlement.Status)
}

func TestWriterRejectsSecondUserForBoundPayer(t *testing.T) {
	db := newTestDB(t)
	store := NewRepository(db)
	w := NewWriter(store, testTiers())
	ctx := context.Background()

	_, err := w.Apply(ctx, stripeCommit(t, store, "evt_1", "sub_1", "price_premium", models.StatusActive))
	require.NoError(t, err)

	c := stripeCommit(t, store, "evt_2", "sub_2", "price_premium", models.StatusActive)
	c.Event.UserID = "user-2"
	_, err = w.Apply(ctx, c)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "user-1", conflict.ConflictingUserID)
	assert.ErrorIs(t, err, ErrIdentityConflict)

	_, err = store.GetEntitlement(ctx, "user-2")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.EqualValues(t, 1, countAudit(t, db), "a rejected write leaves no audit record")
}

func TestWriterReportsConcurrentCommit(t *testing.T) {
	db := newTestDB(t)
	store := NewRepository(db)
	w := NewWriter(store, testTiers())
	ctx := context.Background()

	c := stripeCommit(t, store, "evt_1", "sub_1", "price_premium", models.StatusActive)
	require.NoError(t, db.Create(&models.BillingAuditRecord{
		Key:            c.Reservation.Key,
		Provider:       models.ProviderStripe,
		PurchaseRef:    "sub_1",
		ResolvedStatus: models.StatusActive,
		Source:         models.AuditSourceWebhook,
		WrittenAt:      time.Now(),
	}).Error)

	_, err := w.Apply(ctx, c)
	assert.ErrorIs(t, err, ErrAlreadyCommitted)
	_, err = store.GetEntitlement(ctx, "user-1")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound, "the losing transaction is rolled back")
}

func TestWriterSkipsLapsedLineage(t *testing.T) {
	db := newTestDB(t)
	store := NewRepository(db)
	w := NewWriter(store, testTiers())
	ctx := context.Background()

	_, err := w.Apply(ctx, stripeCommit(t, store, "evt_1", "sub_max", "max_monthly", models.StatusActive))
	require.NoError(t, err)
	// the end of sub_max was never pushed
	require.NoError(t, db.Model(&models.BillingSubscription{}).
		Where("lineage_ref = ?", "sub_max").
		Update("expires_at", time.Now().Add(-time.Hour)).Error)

	out, err := w.Apply(ctx, stripeCommit(t, store, "evt_2", "sub_basic", "price_premium", models.StatusActive))
	require.NoError(t, err)
	assert.Equal(t, "premium", out.Entitlement.Tier)
	assert.Equal(t, "sub_basic", out.Entitlement.SubscriptionRef)

	out, err = w.Apply(ctx, stripeCommit(t, store, "evt_3", "sub_basic", "price_premium", models.StatusCancelled))
	require.NoError(t, err)
	assert.Equal(t, "free", out.Entitlement.Tier)
	assert.Equal(t, models.StatusCancelled, out.Entitlement.Status)
}

func TestWriterRemovesPlaceholderForIgnoredEvent(t *testing.T) {
	db := newTestDB(t)
	store := NewRepository(db)
	w := NewWriter(store, testTiers())
	ctx := context.Background()

	_, err := w.Apply(ctx, stripeCommit(t, store, "evt_1", "sub_1", "price_premium", models.StatusExpired))
	require.NoError(t, err)

	out, err := w.Apply(ctx, stripeCommit(t, store, "evt_2", "sub_1", "price_premium", models.StatusActive))
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Nil(t, out.Entitlement)
	require.NotNil(t, out.Lineage)
	assert.Equal(t, models.StatusExpired, out.Lineage.Status)

	_, err = store.GetEntitlement(ctx, "user-1")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.EqualValues(t, 2, countAudit(t, db))
}

func TestLockEntitlementInsertsPlaceholder(t *testing.T) {
	db := newTestDB(t)
	store := NewRepository(db)
	ctx := context.Background()
	rollback := errors.New("rollback")

	err := store.Transaction(ctx, func(tx TxStore) error {
		ent, created, err := tx.LockEntitlement("user-1")
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "user-1", ent.UserID)
		assert.Equal(t, "free", ent.Tier)

		_, created, err = tx.LockEntitlement("user-1")
		require.NoError(t, err)
		assert.False(t, created, "the second lock finds the row")
		return rollback
	})
	require.ErrorIs(t, err, rollback)
	_, err = store.GetEntitlement(ctx, "user-1")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	require.NoError(t, db.Create(&models.BillingEntitlement{UserID: "user-2", Tier: "premium", Status: models.StatusActive}).Error)
	err = store.Transaction(ctx, func(tx TxStore) error {
		ent, created, err := tx.LockEntitlement("user-2")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "premium", ent.Tier)
		assert.Equal(t, models.StatusActive, ent.Status)
		return nil
	})
	require.NoError(t, err)
}
