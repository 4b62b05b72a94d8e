package models

import "time"

// Provider identifies one of the payment providers that can grant an entitlement.
type Provider string

const (
	ProviderGooglePlay Provider = "google_play"
	ProviderAppStore   Provider = "app_store"
	ProviderStripe     Provider = "stripe"
)

// Valid reports whether p is one of the supported providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGooglePlay, ProviderAppStore, ProviderStripe:
		return true
	default:
		return false
	}
}

// PayerBinding binds a normalized payer identity (usually an email address)
// to the single user account currently allowed to hold an active entitlement
// paid by that identity.
type PayerBinding struct {
	PayerIdentity string    `gorm:"type:varchar(191);primaryKey" json:"payer_identity"`
	UserID        string    `gorm:"type:varchar(64);not null;index" json:"user_id"`
	Provider      Provider  `gorm:"type:varchar(20);not null" json:"provider"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PayerBinding) TableName() string { return "billing_payer_bindings" }
