// Package appstore is the App Store Server API gateway.
package appstore

import (
	"context"
	"crypto/ecdsa"
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
	"github.com/golang-jwt/jwt/v5"
)

const (
	ProductionBaseURL = "https://api.storekit.itunes.apple.com"
	SandboxBaseURL    = "https://api.storekit-sandbox.itunes.apple.com"

	tokenLifetime = 20 * time.Minute
)

// subscription status codes of the Get All Subscription Statuses endpoint
const (
	statusActive       = 1
	statusExpired      = 2
	statusBillingRetry = 3
	statusGracePeriod  = 4
	statusRevoked      = 5
)

type Config struct {
	IssuerID   string
	KeyID      string
	BundleID   string
	PrivateKey *ecdsa.PrivateKey
	BaseURL    string
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	cfg    Config
	tokens *tokencache.Cache
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.IssuerID == "" || cfg.KeyID == "" || cfg.BundleID == "" || cfg.PrivateKey == nil {
		return nil, errors.New("app store issuer id, key id, bundle id and private key are required")
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = ProductionBaseURL
	}
	c := &Client{
		BaseURL: base,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		cfg: cfg,
	}
	c.tokens = tokencache.New(c.signToken, time.Minute)
	return c, nil
}

// ParsePrivateKey reads the PKCS#8 PEM key downloaded from App Store Connect.
func ParsePrivateKey(pemData []byte) (*ecdsa.PrivateKey, error) {
	return jwt.ParseECPrivateKeyFromPEM(pemData)
}

func (c *Client) signToken(context.Context) (tokencache.Token, error) {
	now := time.Now()
	expiry := now.Add(tokenLifetime)
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": c.cfg.IssuerID,
		"iat": now.Unix(),
		"exp": expiry.Unix(),
		"aud": "appstoreconnect-v1",
		"bid": c.cfg.BundleID,
	})
	token.Header["kid"] = c.cfg.KeyID
	signed, err := token.SignedString(c.cfg.PrivateKey)
	if err != nil {
		return tokencache.Token{}, err
	}
	return tokencache.Token{Value: signed, Expiry: expiry}, nil
}

type statusResponse struct {
	Environment string `json:"environment"`
	BundleID    string `json:"bundleId"`
	Data        []struct {
		SubscriptionGroupIdentifier string            `json:"subscriptionGroupIdentifier"`
		LastTransactions            []lastTransaction `json:"lastTransactions"`
	} `json:"data"`
}

type lastTransaction struct {
	OriginalTransactionID string `json:"originalTransactionId"`
	Status                int    `json:"status"`
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
}

type renewalInfo struct {
	AutoRenewStatus        int    `json:"autoRenewStatus"`
	AutoRenewProductID     string `json:"autoRenewProductId"`
	ExpirationIntent       int    `json:"expirationIntent"`
	GracePeriodExpiresDate int64  `json:"gracePeriodExpiresDate"`
	IsInBillingRetryPeriod bool   `json:"isInBillingRetryPeriod"`
	jwt.RegisteredClaims
}

// FetchSubscriptionState looks up the subscription by any of its transaction
// ids. Signed fields are received over TLS from Apple and decoded without
// re-verifying their chain. The returned state names the original
// transaction id, which is the subscription's lineage on App Store.
func (c *Client) FetchSubscriptionState(ctx context.Context, subscriptionRef, purchaseRef string) (billing.SubscriptionState, error) {
	ref := subscriptionRef
	if ref == "" {
		ref = purchaseRef
	}
	endpoint := fmt.Sprintf("%s/inApps/v1/subscriptions/%s", strings.TrimRight(c.BaseURL, "/"), url.PathEscape(ref))
	status, body, err := c.do(ctx, endpoint)
	if err != nil {
		return billing.SubscriptionState{}, err
	}
	if status == http.StatusNotFound {
		return billing.SubscriptionState{}, billing.ErrSubscriptionNotFound
	}
	if status < 200 || status >= 300 {
		return billing.SubscriptionState{}, fmt.Errorf("app store subscription status failed: status=%d body=%s", status, truncate(body))
	}

	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return billing.SubscriptionState{}, fmt.Errorf("decode subscription status: %w", err)
	}
	var candidates []*lastTransaction
	for i := range resp.Data {
		for j := range resp.Data[i].LastTransactions {
			candidates = append(candidates, &resp.Data[i].LastTransactions[j])
		}
	}

	parser := jwt.NewParser()
	for _, last := range candidates {
		if last.OriginalTransactionID != "" && (last.OriginalTransactionID == subscriptionRef || last.OriginalTransactionID == purchaseRef) {
			return c.stateFromStatus(last, resp.Environment)
		}
		var txn billing.AppStoreTransaction
		if _, _, err := parser.ParseUnverified(last.SignedTransactionInfo, &txn); err == nil && txn.TransactionID == purchaseRef {
			return c.stateFromStatus(last, resp.Environment)
		}
	}
	// Apple resolved the lookup by the given id; a single subscription in the
	// answer is the one it belongs to.
	if len(candidates) == 1 {
		return c.stateFromStatus(candidates[0], resp.Environment)
	}
	return billing.SubscriptionState{}, billing.ErrSubscriptionNotFound
}

func (c *Client) stateFromStatus(last *lastTransaction, environment string) (billing.SubscriptionState, error) {
	code, signedTxn, signedRenewal := last.Status, last.SignedTransactionInfo, last.SignedRenewalInfo
	parser := jwt.NewParser()
	var txn billing.AppStoreTransaction
	if _, _, err := parser.ParseUnverified(signedTxn, &txn); err != nil {
		return billing.SubscriptionState{}, fmt.Errorf("decode signed transaction: %w", err)
	}
	var renewal renewalInfo
	if signedRenewal != "" {
		if _, _, err := parser.ParseUnverified(signedRenewal, &renewal); err != nil {
			return billing.SubscriptionState{}, fmt.Errorf("decode signed renewal info: %w", err)
		}
	}

	originalID := txn.OriginalTransactionID
	if originalID == "" {
		originalID = last.OriginalTransactionID
	}
	state := billing.SubscriptionState{
		SubscriptionRef: originalID,
		PaymentState:    billing.PaymentStateReceived,
		ProductRef:      txn.ProductID,
		UserIDHint:      txn.UserID(),
		FetchedAt:       time.Now().UTC(),
		Extra: map[string]string{
			"apple_status":   strconv.Itoa(code),
			"environment":    environment,
			"transaction_id": txn.TransactionID,
		},
	}
	if txn.ExpiresDate > 0 {
		state.Expiry = time.UnixMilli(txn.ExpiresDate).UTC()
	}
	if renewal.AutoRenewStatus == 0 && signedRenewal != "" {
		state.CancelReason = "auto_renew_disabled"
	}

	switch code {
	case statusActive:
	case statusGracePeriod:
		if renewal.GracePeriodExpiresDate > txn.ExpiresDate {
			state.Expiry = time.UnixMilli(renewal.GracePeriodExpiresDate).UTC()
		}
	case statusExpired:
		state.Lifecycle = models.StatusExpired
	case statusBillingRetry:
		state.PaymentState = billing.PaymentStatePending
		state.Lifecycle = models.StatusPaymentFailed
	case statusRevoked:
		state.Lifecycle = models.StatusCancelled
		state.CancelReason = "revoked"
	default:
		state.PaymentState = billing.PaymentStateUnknown
	}
	return state, nil
}

// CancelSubscription is not offered by the App Store Server API.
func (c *Client) CancelSubscription(context.Context, string, string, string) error {
	return billing.ErrCancelUnsupported
}

func (c *Client) VerifyAttestation(context.Context, string) (bool, error) {
	return false, billing.ErrAttestationUnsupported
}

func (c *Client) do(ctx context.Context, endpoint string) (int, []byte, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Get(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("app store token: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

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
