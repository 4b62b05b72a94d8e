package models

import "time"

// AuditSource tells whether an audit record came from a provider push or from
// a client-initiated verification call.
type AuditSource string

const (
	AuditSourceWebhook    AuditSource = "webhook"
	AuditSourceVerifyCall AuditSource = "verify-call"
)

// BillingAuditRecord is the immutable ledger entry written exactly once per
// idempotency key. Rows are never updated after creation.
type BillingAuditRecord struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	Key            string      `gorm:"type:varchar(700);not null;uniqueIndex:ux_billing_audit_records_key" json:"key"`
	UserID         string      `gorm:"type:varchar(64);not null;default:'';index" json:"user_id"`
	Provider       Provider    `gorm:"type:varchar(20);not null;index" json:"provider"`
	ProductRef     string      `gorm:"type:varchar(191);not null;default:''" json:"product_ref"`
	PurchaseRef    string      `gorm:"type:varchar(700);not null" json:"purchase_ref"`
	PayerIdentity  string      `gorm:"type:varchar(191);not null;default:'';index" json:"payer_identity"`
	ResolvedStatus Status      `gorm:"type:varchar(32);not null" json:"resolved_status"`
	Source         AuditSource `gorm:"type:varchar(20);not null" json:"source"`
	ExtraJSON      string      `gorm:"type:text" json:"extra_json"`
	WrittenAt      time.Time   `gorm:"not null;index" json:"written_at"`
}

func (BillingAuditRecord) TableName() string { return "billing_audit_records" }

// BillingReservation is a short-lived claim on an idempotency key. It exists
// only between the guard's check-and-reserve and the commit (or release) of
// the pipeline run that took it.
type BillingReservation struct {
	Key       string    `gorm:"type:varchar(700);primaryKey" json:"key"`
	Holder    string    `gorm:"type:varchar(36);not null" json:"holder"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (BillingReservation) TableName() string { return "billing_reservations" }
