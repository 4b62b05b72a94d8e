package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var appStoreKinds = map[string]bool{
	"SUBSCRIBED":                true,
	"DID_RENEW":                 true,
	"DID_CHANGE_RENEWAL_STATUS": true,
	"DID_CHANGE_RENEWAL_PREF":   true,
	"DID_FAIL_TO_RENEW":         true,
	"GRACE_PERIOD_EXPIRED":      true,
	"EXPIRED":                   true,
	"OFFER_REDEEMED":            true,
	"REFUND":                    true,
	"REFUND_REVERSED":           true,
	"REVOKE":                    true,
	"RENEWAL_EXTENDED":          true,
}

type appStoreNotificationClaims struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	SignedDate       int64  `json:"signedDate"`
	Data             struct {
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
		SignedRenewalInfo     string `json:"signedRenewalInfo"`
		Status                int    `json:"status"`
	} `json:"data"`
	jwt.RegisteredClaims
}

// AppStoreTransaction is the decoded JWSTransaction payload.
type AppStoreTransaction struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	AppAccountToken       string `json:"appAccountToken"`
	RevocationDate        int64  `json:"revocationDate"`
	RevocationReason      *int   `json:"revocationReason"`
	OfferType             int    `json:"offerType"`
	Environment           string `json:"environment"`
	jwt.RegisteredClaims
}

// UserID returns the appAccountToken when it is a well-formed UUID.
func (t AppStoreTransaction) UserID() string {
	id, err := uuid.Parse(strings.TrimSpace(t.AppAccountToken))
	if err != nil {
		return ""
	}
	return id.String()
}

// AppStoreNormalizer decodes App Store Server Notifications V2.
type AppStoreNormalizer struct {
	bundleID string
	verifier *JWSVerifier
}

func NewAppStoreNormalizer(bundleID string, verifier *JWSVerifier) *AppStoreNormalizer {
	return &AppStoreNormalizer{bundleID: strings.TrimSpace(bundleID), verifier: verifier}
}

func (n *AppStoreNormalizer) Provider() models.Provider { return models.ProviderAppStore }

func (n *AppStoreNormalizer) Normalize(_ context.Context, raw []byte, _ VerificationMaterial) (BillingEvent, error) {
	var body struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return BillingEvent{}, malformed("decode notification body: %v", err)
	}
	if strings.TrimSpace(body.SignedPayload) == "" {
		return BillingEvent{}, malformed("missing signedPayload")
	}

	var claims appStoreNotificationClaims
	if err := n.verifier.Verify(body.SignedPayload, &claims); err != nil {
		return BillingEvent{}, err
	}
	if claims.NotificationType == "TEST" {
		return BillingEvent{}, fmt.Errorf("%w: test notification", ErrUnsupportedKind)
	}
	if !appStoreKinds[claims.NotificationType] {
		return BillingEvent{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, claims.NotificationType)
	}
	if n.bundleID != "" && claims.Data.BundleID != n.bundleID {
		return BillingEvent{}, malformed("unexpected bundle %q", claims.Data.BundleID)
	}
	if claims.Data.SignedTransactionInfo == "" {
		return BillingEvent{}, malformed("notification without signedTransactionInfo")
	}

	var txn AppStoreTransaction
	if err := n.verifier.Verify(claims.Data.SignedTransactionInfo, &txn); err != nil {
		return BillingEvent{}, err
	}
	if txn.TransactionID == "" || txn.OriginalTransactionID == "" {
		return BillingEvent{}, malformed("transaction without identifiers")
	}

	occurred := time.Time{}
	if claims.SignedDate > 0 {
		occurred = time.UnixMilli(claims.SignedDate).UTC()
	}
	return BillingEvent{
		Provider:         models.ProviderAppStore,
		SubscriptionRef:  txn.OriginalTransactionID,
		PurchaseRef:      txn.TransactionID,
		UserID:           txn.UserID(),
		ProductRef:       txn.ProductID,
		NotificationKind: claims.NotificationType,
		ProviderEventID:  claims.NotificationUUID,
		OccurredAt:       occurred,
		Source:           models.AuditSourceWebhook,
		Extra: map[string]string{
			"subtype":     claims.Subtype,
			"environment": claims.Data.Environment,
		},
	}, nil
}
