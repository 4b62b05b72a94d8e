package billing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/EntitleFox/app/models"
)

var googlePlayKinds = map[int]string{
	1:  "RECOVERED",
	2:  "RENEWED",
	3:  "CANCELED",
	4:  "PURCHASED",
	5:  "ON_HOLD",
	6:  "IN_GRACE_PERIOD",
	7:  "RESTARTED",
	8:  "PRICE_CHANGE_CONFIRMED",
	9:  "DEFERRED",
	10: "PAUSED",
	11: "PAUSE_SCHEDULE_CHANGED",
	12: "REVOKED",
	13: "EXPIRED",
	20: "PENDING_PURCHASE_CANCELED",
}

// PushVerifier authenticates the bearer token Pub/Sub attaches to push
// deliveries.
type PushVerifier interface {
	VerifyPushToken(ctx context.Context, token string) error
}

type pubSubPushEnvelope struct {
	Message struct {
		Data        string            `json:"data"`
		MessageID   string            `json:"messageId"`
		MessageID2  string            `json:"message_id"`
		PublishTime string            `json:"publishTime"`
		Attributes  map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type developerNotification struct {
	Version                  string `json:"version"`
	PackageName              string `json:"packageName"`
	EventTimeMillis          string `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
	OneTimeProductNotification json.RawMessage `json:"oneTimeProductNotification"`
	VoidedPurchaseNotification json.RawMessage `json:"voidedPurchaseNotification"`
	TestNotification           json.RawMessage `json:"testNotification"`
}

// GooglePlayNormalizer turns Pub/Sub push deliveries of Real-time Developer
// Notifications into billing events.
type GooglePlayNormalizer struct {
	packageName string
	verifier    PushVerifier
}

// NewGooglePlayNormalizer creates the normalizer. A nil verifier disables
// push authentication (local development only).
func NewGooglePlayNormalizer(packageName string, verifier PushVerifier) *GooglePlayNormalizer {
	return &GooglePlayNormalizer{packageName: strings.TrimSpace(packageName), verifier: verifier}
}

func (n *GooglePlayNormalizer) Provider() models.Provider { return models.ProviderGooglePlay }

func (n *GooglePlayNormalizer) Normalize(ctx context.Context, raw []byte, material VerificationMaterial) (BillingEvent, error) {
	if n.verifier != nil {
		token := material.BearerToken()
		if token == "" {
			return BillingEvent{}, fmt.Errorf("%w: missing push token", ErrSignatureInvalid)
		}
		if err := n.verifier.VerifyPushToken(ctx, token); err != nil {
			return BillingEvent{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
	}

	var envelope pubSubPushEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return BillingEvent{}, malformed("decode push envelope: %v", err)
	}
	if envelope.Message.Data == "" {
		return BillingEvent{}, malformed("push envelope without message data")
	}
	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		if data, err = base64.URLEncoding.DecodeString(envelope.Message.Data); err != nil {
			return BillingEvent{}, malformed("decode message data: %v", err)
		}
	}

	var notification developerNotification
	if err := json.Unmarshal(data, &notification); err != nil {
		return BillingEvent{}, malformed("decode developer notification: %v", err)
	}
	if n.packageName != "" && notification.PackageName != n.packageName {
		return BillingEvent{}, malformed("unexpected package %q", notification.PackageName)
	}

	sub := notification.SubscriptionNotification
	if sub == nil {
		if len(notification.TestNotification) > 0 {
			return BillingEvent{}, fmt.Errorf("%w: test notification", ErrUnsupportedKind)
		}
		return BillingEvent{}, fmt.Errorf("%w: not a subscription notification", ErrUnsupportedKind)
	}
	kind, ok := googlePlayKinds[sub.NotificationType]
	if !ok {
		return BillingEvent{}, fmt.Errorf("%w: notification type %d", ErrUnsupportedKind, sub.NotificationType)
	}
	token := strings.TrimSpace(sub.PurchaseToken)
	subscriptionID := strings.TrimSpace(sub.SubscriptionID)
	if token == "" || subscriptionID == "" {
		return BillingEvent{}, malformed("subscription notification without purchase token or subscription id")
	}

	messageID := envelope.Message.MessageID
	if messageID == "" {
		messageID = envelope.Message.MessageID2
	}

	return BillingEvent{
		Provider:         models.ProviderGooglePlay,
		SubscriptionRef:  subscriptionID,
		PurchaseRef:      token,
		ProductRef:       subscriptionID,
		NotificationKind: kind,
		ProviderEventID:  messageID,
		OccurredAt:       parseMillis(notification.EventTimeMillis),
		Source:           models.AuditSourceWebhook,
		Extra: map[string]string{
			"message_id":   messageID,
			"subscription": envelope.Subscription,
		},
	}, nil
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
