package billing

import (
	"context"
	"testing"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflictResolverAdmit(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&models.BillingEntitlement{
		UserID:        "user-a",
		Tier:          "premium",
		Status:        models.StatusActive,
		PayerIdentity: "payer@example.com",
	}).Error)
	require.NoError(t, db.Create(&models.BillingEntitlement{
		UserID:        "user-c",
		Status:        models.StatusExpired,
		PayerIdentity: "old@example.com",
	}).Error)
	r := NewConflictResolver(NewRepository(db))
	ctx := context.Background()

	adm, err := r.Admit(ctx, "user-b", "  PAYER@example.com ", models.StatusActive)
	require.NoError(t, err)
	assert.False(t, adm.Admitted)
	assert.Equal(t, "user-a", adm.ConflictingUserID)
	assert.Equal(t, "duplicate identity", adm.Reason)

	adm, err = r.Admit(ctx, "user-a", "payer@example.com", models.StatusActive)
	require.NoError(t, err)
	assert.True(t, adm.Admitted, "the holder itself is admitted")

	adm, err = r.Admit(ctx, "user-b", "payer@example.com", models.StatusPending)
	require.NoError(t, err)
	assert.True(t, adm.Admitted, "only activations are evaluated")

	adm, err = r.Admit(ctx, "user-b", "old@example.com", models.StatusActive)
	require.NoError(t, err)
	assert.True(t, adm.Admitted, "inactive holders do not block")

	adm, err = r.Admit(ctx, "user-b", "", models.StatusActive)
	require.NoError(t, err)
	assert.True(t, adm.Admitted)
}
