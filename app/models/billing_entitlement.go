package models

import "time"

// BillingEntitlement is the current, authoritative entitlement of one user.
// It is created on first activation and afterwards only mutated; losing a
// subscription moves it back to the free tier instead of deleting it.
type BillingEntitlement struct {
	UserID          string    `gorm:"type:varchar(64);primaryKey" json:"user_id"`
	Tier            string    `gorm:"type:varchar(50);not null;default:'free'" json:"tier"`
	Status          Status    `gorm:"type:varchar(32);not null;index:idx_billing_entitlements_payer_status,priority:2" json:"status"`
	Provider        Provider  `gorm:"type:varchar(20);not null;default:''" json:"provider"`
	SubscriptionRef string    `gorm:"type:varchar(191);not null;default:''" json:"subscription_ref"`
	PurchaseRef     string    `gorm:"type:varchar(700);not null;default:''" json:"purchase_ref"`
	ProductRef      string    `gorm:"type:varchar(191);not null;default:''" json:"product_ref"`
	PayerIdentity   string    `gorm:"type:varchar(191);not null;default:'';index:idx_billing_entitlements_payer_status,priority:1" json:"payer_identity"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BillingEntitlement) TableName() string { return "billing_entitlements" }

// BillingPurchaseIndex is the secondary index from a provider purchase
// reference to the user that owns it. It is maintained in the same
// transaction as the entitlement write.
type BillingPurchaseIndex struct {
	PurchaseRef     string    `gorm:"type:varchar(700);primaryKey" json:"purchase_ref"`
	Provider        Provider  `gorm:"type:varchar(20);not null" json:"provider"`
	SubscriptionRef string    `gorm:"type:varchar(191);not null;index" json:"subscription_ref"`
	UserID          string    `gorm:"type:varchar(64);not null;index" json:"user_id"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BillingPurchaseIndex) TableName() string { return "billing_purchase_index" }
