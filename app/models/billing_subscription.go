package models

import "time"

// Status is the provider-agnostic subscription status every provider state is
// normalized into.
type Status string

const (
	StatusActive          Status = "active"
	StatusPending         Status = "pending"
	StatusSuspended       Status = "suspended"
	StatusCancelled       Status = "cancelled"
	StatusExpired         Status = "expired"
	StatusPaymentFailed   Status = "payment_failed"
	StatusIntegrityFailed Status = "integrity_failed"
)

// Terminal reports whether a subscription lineage can no longer leave s.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// Valid reports whether s is a known canonical status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPending, StatusSuspended, StatusCancelled,
		StatusExpired, StatusPaymentFailed, StatusIntegrityFailed:
		return true
	default:
		return false
	}
}

// BillingSubscription is the last committed state of one subscription lineage
// (identified by provider + lineage ref; the purchase token for Google Play,
// the subscription id otherwise). A user's entitlement is derived
// from the lineages they own.
type BillingSubscription struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	UserID          string     `gorm:"type:varchar(64);not null;index" json:"user_id"`
	Provider        Provider   `gorm:"type:varchar(20);not null;index:ux_billing_subscriptions_provider_ref,unique,priority:1" json:"provider"`
	LineageRef      string     `gorm:"type:varchar(700);not null;index:ux_billing_subscriptions_provider_ref,unique,priority:2" json:"lineage_ref"`
	SubscriptionRef string     `gorm:"type:varchar(191);not null;default:''" json:"subscription_ref"`
	PurchaseRef     string     `gorm:"type:varchar(700);not null" json:"purchase_ref"`
	ProductRef      string     `gorm:"type:varchar(191);not null;default:''" json:"product_ref"`
	PayerIdentity   string     `gorm:"type:varchar(191);not null;default:''" json:"payer_identity"`
	Status          Status     `gorm:"type:varchar(32);not null;index" json:"status"`
	ExpiresAt       *time.Time `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BillingSubscription) TableName() string { return "billing_subscriptions" }
