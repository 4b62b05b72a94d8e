package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestMigrateCreatesBillingTables(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	require.NoError(t, Migrate(db))
	for _, table := range []string{
		"billing_plan_mappings",
		"billing_subscriptions",
		"billing_entitlements",
		"billing_purchase_index",
		"billing_payer_bindings",
		"billing_audit_records",
		"billing_reservations",
	} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}

	// Running again is a no-op.
	require.NoError(t, Migrate(db))
}
