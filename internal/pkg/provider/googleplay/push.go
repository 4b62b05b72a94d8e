package googleplay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

const googleIssuer = "https://accounts.google.com"

// PushVerifier checks the OIDC token Pub/Sub attaches to authenticated push
// deliveries.
type PushVerifier struct {
	verifier       *oidc.IDTokenVerifier
	serviceAccount string
}

// NewPushVerifier discovers Google's signing keys. audience is the value
// configured on the push subscription; serviceAccount, when set, must match
// the token's email claim.
func NewPushVerifier(ctx context.Context, audience, serviceAccount string) (*PushVerifier, error) {
	provider, err := oidc.NewProvider(ctx, googleIssuer)
	if err != nil {
		return nil, fmt.Errorf("discover google oidc provider: %w", err)
	}
	return newPushVerifier(provider.Verifier(&oidc.Config{ClientID: audience}), serviceAccount), nil
}

func newPushVerifier(v *oidc.IDTokenVerifier, serviceAccount string) *PushVerifier {
	return &PushVerifier{verifier: v, serviceAccount: strings.TrimSpace(serviceAccount)}
}

func (p *PushVerifier) VerifyPushToken(ctx context.Context, raw string) error {
	token, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return err
	}
	if p.serviceAccount == "" {
		return nil
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := token.Claims(&claims); err != nil {
		return err
	}
	if !claims.EmailVerified || !strings.EqualFold(claims.Email, p.serviceAccount) {
		return errors.New("push token issued for an unexpected service account")
	}
	return nil
}
