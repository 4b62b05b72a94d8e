package models

import "time"

// BillingPlanMapping maps provider product identifiers (SKUs, price IDs) to
// internal entitlement tiers.
type BillingPlanMapping struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Provider   Provider  `gorm:"type:varchar(20);not null;index:ux_billing_plan_mappings_ref,unique,priority:1" json:"provider"`
	ProductRef string    `gorm:"type:varchar(191);not null;index:ux_billing_plan_mappings_ref,unique,priority:2" json:"product_ref"`
	Tier       string    `gorm:"type:varchar(50);not null;default:'free'" json:"tier"`
	IsActive   bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BillingPlanMapping) TableName() string { return "billing_plan_mappings" }
