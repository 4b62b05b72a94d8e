// Package googleplay is the Google Play Developer API gateway: live
// subscription state, server-side cancellation and Play Integrity verdicts.
package googleplay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/billing"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/provider/tokencache"
	"golang.org/x/oauth2/google"
)

const (
	defaultPublisherBaseURL = "https://androidpublisher.googleapis.com"
	defaultIntegrityBaseURL = "https://playintegrity.googleapis.com"

	scopeAndroidPublisher = "https://www.googleapis.com/auth/androidpublisher"
	scopePlayIntegrity    = "https://www.googleapis.com/auth/playintegrity"
)

var cancelReasons = map[int]string{
	0: "user_canceled",
	1: "system_canceled",
	2: "replaced",
	3: "developer_canceled",
}

type Client struct {
	PackageName      string
	PublisherBaseURL string
	IntegrityBaseURL string
	HTTPClient       *http.Client

	tokens *tokencache.Cache
}

// NewClient creates a client authenticating with tokens from fetch.
func NewClient(packageName string, fetch tokencache.Fetcher) *Client {
	return &Client{
		PackageName:      strings.TrimSpace(packageName),
		PublisherBaseURL: defaultPublisherBaseURL,
		IntegrityBaseURL: defaultIntegrityBaseURL,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		tokens: tokencache.New(fetch, time.Minute),
	}
}

// NewClientFromServiceAccount creates a client from a service account JSON key.
func NewClientFromServiceAccount(packageName string, serviceAccountJSON []byte) (*Client, error) {
	conf, err := google.JWTConfigFromJSON(serviceAccountJSON, scopeAndroidPublisher, scopePlayIntegrity)
	if err != nil {
		return nil, fmt.Errorf("parse google service account: %w", err)
	}
	return NewClient(packageName, tokencache.FromSourceFunc(conf.TokenSource)), nil
}

type subscriptionPurchase struct {
	StartTimeMillis             string `json:"startTimeMillis"`
	ExpiryTimeMillis            string `json:"expiryTimeMillis"`
	AutoRenewing                bool   `json:"autoRenewing"`
	PaymentState                *int   `json:"paymentState"`
	CancelReason                *int   `json:"cancelReason"`
	OrderID                     string `json:"orderId"`
	LinkedPurchaseToken         string `json:"linkedPurchaseToken"`
	EmailAddress                string `json:"emailAddress"`
	ObfuscatedExternalAccountID string `json:"obfuscatedExternalAccountId"`
	AcknowledgementState        int    `json:"acknowledgementState"`
	CountryCode                 string `json:"countryCode"`
}

func (c *Client) FetchSubscriptionState(ctx context.Context, subscriptionRef, purchaseRef string) (billing.SubscriptionState, error) {
	if subscriptionRef == "" || purchaseRef == "" {
		return billing.SubscriptionState{}, errors.New("subscription id and purchase token are required")
	}
	endpoint := fmt.Sprintf("%s/androidpublisher/v3/applications/%s/purchases/subscriptions/%s/tokens/%s",
		strings.TrimRight(c.PublisherBaseURL, "/"),
		url.PathEscape(c.PackageName), url.PathEscape(subscriptionRef), url.PathEscape(purchaseRef))

	status, body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return billing.SubscriptionState{}, err
	}
	switch {
	case status == http.StatusNotFound:
		return billing.SubscriptionState{}, billing.ErrSubscriptionNotFound
	case status == http.StatusGone:
		// purchases that expired long ago are no longer served
		return billing.SubscriptionState{
			Lifecycle:    models.StatusExpired,
			PaymentState: billing.PaymentStateUnknown,
			ProductRef:   subscriptionRef,
			FetchedAt:    time.Now().UTC(),
		}, nil
	case status < 200 || status >= 300:
		return billing.SubscriptionState{}, fmt.Errorf("google play subscriptions.get failed: status=%d body=%s", status, truncate(body))
	}

	var p subscriptionPurchase
	if err := json.Unmarshal(body, &p); err != nil {
		return billing.SubscriptionState{}, fmt.Errorf("decode subscription purchase: %w", err)
	}
	return stateFromPurchase(p, subscriptionRef), nil
}

func stateFromPurchase(p subscriptionPurchase, subscriptionRef string) billing.SubscriptionState {
	state := billing.SubscriptionState{
		PaymentState:      billing.PaymentStateUnknown,
		ProductRef:        subscriptionRef,
		PayerIdentity:     strings.TrimSpace(p.EmailAddress),
		UserIDHint:        strings.TrimSpace(p.ObfuscatedExternalAccountID),
		LinkedPurchaseRef: strings.TrimSpace(p.LinkedPurchaseToken),
		FetchedAt:         time.Now().UTC(),
		Extra: map[string]string{
			"order_id":      p.OrderID,
			"auto_renewing": strconv.FormatBool(p.AutoRenewing),
			"country":       p.CountryCode,
		},
	}
	if ms, err := strconv.ParseInt(p.ExpiryTimeMillis, 10, 64); err == nil && ms > 0 {
		state.Expiry = time.UnixMilli(ms).UTC()
	}
	if p.PaymentState != nil {
		switch *p.PaymentState {
		case 0, 3:
			state.PaymentState = billing.PaymentStatePending
		case 1:
			state.PaymentState = billing.PaymentStateReceived
		case 2:
			state.PaymentState = billing.PaymentStateFreeTrial
		}
	}
	if p.CancelReason != nil {
		reason, ok := cancelReasons[*p.CancelReason]
		if !ok {
			reason = "cancel_reason_" + strconv.Itoa(*p.CancelReason)
		}
		state.CancelReason = reason
	}
	return state
}

func (c *Client) CancelSubscription(ctx context.Context, subscriptionRef, purchaseRef, reason string) error {
	endpoint := fmt.Sprintf("%s/androidpublisher/v3/applications/%s/purchases/subscriptions/%s/tokens/%s:cancel",
		strings.TrimRight(c.PublisherBaseURL, "/"),
		url.PathEscape(c.PackageName), url.PathEscape(subscriptionRef), url.PathEscape(purchaseRef))
	status, body, err := c.do(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("google play subscriptions.cancel failed (%s): status=%d body=%s", reason, status, truncate(body))
	}
	return nil
}

type integrityVerdict struct {
	TokenPayloadExternal struct {
		RequestDetails struct {
			RequestPackageName string `json:"requestPackageName"`
		} `json:"requestDetails"`
		AppIntegrity struct {
			AppRecognitionVerdict string `json:"appRecognitionVerdict"`
		} `json:"appIntegrity"`
		DeviceIntegrity struct {
			DeviceRecognitionVerdict []string `json:"deviceRecognitionVerdict"`
		} `json:"deviceIntegrity"`
	} `json:"tokenPayloadExternal"`
}

// VerifyAttestation decodes a Play Integrity token. The verdict is trusted
// when it was issued for this package, the app is Play recognized and the
// device meets integrity.
func (c *Client) VerifyAttestation(ctx context.Context, token string) (bool, error) {
	payload, err := json.Marshal(map[string]string{"integrityToken": token})
	if err != nil {
		return false, err
	}
	endpoint := fmt.Sprintf("%s/v1/%s:decodeIntegrityToken", strings.TrimRight(c.IntegrityBaseURL, "/"), url.PathEscape(c.PackageName))
	status, body, err := c.do(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return false, err
	}
	if status == http.StatusBadRequest {
		return false, nil
	}
	if status < 200 || status >= 300 {
		return false, fmt.Errorf("play integrity decode failed: status=%d body=%s", status, truncate(body))
	}

	var v integrityVerdict
	if err := json.Unmarshal(body, &v); err != nil {
		return false, fmt.Errorf("decode integrity verdict: %w", err)
	}
	p := v.TokenPayloadExternal
	if p.RequestDetails.RequestPackageName != c.PackageName || p.AppIntegrity.AppRecognitionVerdict != "PLAY_RECOGNIZED" {
		return false, nil
	}
	for _, d := range p.DeviceIntegrity.DeviceRecognitionVerdict {
		if d == "MEETS_DEVICE_INTEGRITY" || d == "MEETS_STRONG_INTEGRITY" {
			return true, nil
		}
	}
	return false, nil
}

// do performs an authenticated request and retries once with a fresh token
// on 401.
func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) (int, []byte, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Get(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("google access token: %w", err)
		}
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return 0, nil, err
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.tokens.Invalidate()
			continue
		}
		return resp.StatusCode, body, nil
	}
}

func truncate(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
