package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/entitlements"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.BillingModels()...))
	return db
}

func testTiers() entitlements.TierTable {
	return entitlements.NewTierTable(map[string]string{
		"premium_monthly": "premium",
		"max_monthly":     "premium_max",
		"price_premium":   "premium",
	})
}

type cancelCall struct {
	SubscriptionRef string
	PurchaseRef     string
	Reason          string
}

type fakeGateway struct {
	mu        sync.Mutex
	states    map[string]SubscriptionState
	fetchErr  error
	cancelErr error
	attest    map[string]bool
	attestErr error
	fetches   int
	cancels   []cancelCall
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{states: map[string]SubscriptionState{}, attest: map[string]bool{}}
}

func (g *fakeGateway) FetchSubscriptionState(_ context.Context, _ string, purchaseRef string) (SubscriptionState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches++
	if g.fetchErr != nil {
		return SubscriptionState{}, g.fetchErr
	}
	state, ok := g.states[purchaseRef]
	if !ok {
		return SubscriptionState{}, ErrSubscriptionNotFound
	}
	return state, nil
}

func (g *fakeGateway) CancelSubscription(_ context.Context, subscriptionRef, purchaseRef, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, cancelCall{SubscriptionRef: subscriptionRef, PurchaseRef: purchaseRef, Reason: reason})
	return g.cancelErr
}

func (g *fakeGateway) VerifyAttestation(_ context.Context, token string) (bool, error) {
	if g.attestErr != nil {
		return false, g.attestErr
	}
	return g.attest[token], nil
}

// stubNormalizer returns a fixed event for every payload.
type stubNormalizer struct {
	provider models.Provider
	event    BillingEvent
	err      error
}

func (s *stubNormalizer) Provider() models.Provider { return s.provider }

func (s *stubNormalizer) Normalize(context.Context, []byte, VerificationMaterial) (BillingEvent, error) {
	return s.event, s.err
}

type recordingObserver struct {
	mu    sync.Mutex
	users []string
}

func (o *recordingObserver) EntitlementChanged(_ context.Context, userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.users = append(o.users, userID)
}

func activeState(product, payer string) SubscriptionState {
	return SubscriptionState{
		Expiry:        time.Now().Add(30 * 24 * time.Hour),
		PaymentState:  PaymentStateReceived,
		ProductRef:    product,
		PayerIdentity: payer,
	}
}

func countAudit(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.BillingAuditRecord{}).Count(&n).Error)
	return n
}
