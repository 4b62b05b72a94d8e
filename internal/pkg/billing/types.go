package billing

import (
	"net/textproto"
	"strings"
	"time"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/entitlements"
)

// BillingEvent is the provider-agnostic form of one inbound notification or
// verification call. It is transient: built, processed and discarded.
type BillingEvent struct {
	Provider         models.Provider
	SubscriptionRef  string
	PurchaseRef      string
	UserID           string
	ProductRef       string
	PayerIdentity    string
	NotificationKind string
	// ProviderEventID is the provider's unique delivery id when it has one.
	ProviderEventID string
	OccurredAt      time.Time
	Source          models.AuditSource
	Extra           map[string]string
}

// IdempotencyKey identifies the logical occurrence behind the event. It is
// stored as an opaque unique string.
func (e BillingEvent) IdempotencyKey() string {
	suffix := strings.TrimSpace(e.ProviderEventID)
	if suffix == "" {
		suffix = strings.TrimSpace(e.NotificationKind)
	}
	return strings.TrimSpace(e.PurchaseRef) + "_" + suffix
}

// LineageRef identifies the subscription lineage the event belongs to. Google
// Play issues a new purchase token on resubscription while keeping the
// product id, so the token is the lineage there.
func (e BillingEvent) LineageRef() string {
	if e.Provider == models.ProviderGooglePlay {
		return e.PurchaseRef
	}
	if e.SubscriptionRef != "" {
		return e.SubscriptionRef
	}
	return e.PurchaseRef
}

// lineageStarts are the notification kinds that announce a new purchase or a
// restored one. On App Store a resubscription reuses the original transaction
// id and on Google Play a restored subscription keeps its purchase token, so a
// lineage may leave a terminal state under the same ref.
var lineageStarts = map[models.Provider]map[string]bool{
	models.ProviderGooglePlay: {"PURCHASED": true, "RESTARTED": true, "RECOVERED": true},
	models.ProviderAppStore:   {"SUBSCRIBED": true},
	models.ProviderStripe:     {"customer.subscription.created": true},
}

// StartsLineage reports whether the event announces a new or restored
// purchase.
func (e BillingEvent) StartsLineage() bool {
	return lineageStarts[e.Provider][e.NotificationKind]
}

// VerificationMaterial carries what a normalizer needs to authenticate a push:
// transport headers such as Stripe-Signature or the Pub/Sub bearer token.
type VerificationMaterial struct {
	Headers map[string]string
}

// NewVerificationMaterial canonicalizes header names.
func NewVerificationMaterial(headers map[string]string) VerificationMaterial {
	m := VerificationMaterial{Headers: make(map[string]string, len(headers))}
	for k, v := range headers {
		m.Headers[textproto.CanonicalMIMEHeaderKey(k)] = v
	}
	return m
}

// Header returns the trimmed header value, or "".
func (m VerificationMaterial) Header(name string) string {
	return strings.TrimSpace(m.Headers[textproto.CanonicalMIMEHeaderKey(name)])
}

// BearerToken extracts the token of an "Authorization: Bearer ..." header.
func (m VerificationMaterial) BearerToken() string {
	auth := m.Header("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

type PaymentState string

const (
	PaymentStateUnknown   PaymentState = "unknown"
	PaymentStatePending   PaymentState = "pending"
	PaymentStateReceived  PaymentState = "received"
	PaymentStateFreeTrial PaymentState = "free_trial"
)

// Received reports whether the provider confirms the period is paid for.
// Free trials count as received.
func (p PaymentState) Received() bool {
	return p == PaymentStateReceived || p == PaymentStateFreeTrial
}

// SubscriptionState is the live, authoritative state returned by a provider
// gateway for one subscription.
type SubscriptionState struct {
	// SubscriptionRef is the provider's canonical id of the subscription the
	// fetched purchase belongs to, when it reports one.
	SubscriptionRef string

	Expiry       time.Time
	PaymentState PaymentState
	CancelReason string

	// Lifecycle is set when the live state itself declares a status (for
	// example Stripe "past_due" or an App Store billing retry).
	Lifecycle models.Status

	ProductRef        string
	PayerIdentity     string
	UserIDHint        string
	LinkedPurchaseRef string
	FetchedAt         time.Time
	Extra             map[string]string
}

// IntegrityVerdict is the outcome of a device/app attestation check.
type IntegrityVerdict int

const (
	IntegrityNotRequired IntegrityVerdict = iota
	IntegrityPassed
	IntegrityFailed
)

// VerifyRequest is the body of a synchronous client verification call.
type VerifyRequest struct {
	Provider         models.Provider `json:"provider" validate:"required,oneof=google_play app_store stripe"`
	PurchaseRef      string          `json:"purchase_ref" validate:"required,max=700"`
	SubscriptionRef  string          `json:"subscription_ref" validate:"max=191"`
	UserID           string          `json:"user_id" validate:"required,max=64"`
	AttestationToken string          `json:"attestation_token,omitempty"`
}

type Outcome string

const (
	OutcomeApplied         Outcome = "applied"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeIgnored         Outcome = "ignored"
	OutcomeUnlinked        Outcome = "unlinked"
	OutcomeConflict        Outcome = "conflict"
	OutcomeIntegrityFailed Outcome = "integrity_failed"
	OutcomeTerminal        Outcome = "terminal"
	// OutcomeRejected marks a verify call for a purchase that belongs to
	// another account. Nothing is written.
	OutcomeRejected Outcome = "rejected"
)

// Result is what the engine reports back to the transport layer.
type Result struct {
	Outcome Outcome
	Key     string
	UserID  string
	Status  models.Status
	Tier    entitlements.Tier
}
