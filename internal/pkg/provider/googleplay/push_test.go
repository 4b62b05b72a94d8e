package googleplay

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushVerifier(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}
	v := newPushVerifier(oidc.NewVerifier(googleIssuer, keySet, &oidc.Config{
		ClientID:             "https://billing.example.com/webhooks/google-play",
		SupportedSigningAlgs: []string{oidc.ES256},
	}), "rtdn@project.iam.gserviceaccount.com")

	sign := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss":            googleIssuer,
			"aud":            "https://billing.example.com/webhooks/google-play",
			"exp":            time.Now().Add(time.Hour).Unix(),
			"iat":            time.Now().Unix(),
			"email":          "rtdn@project.iam.gserviceaccount.com",
			"email_verified": true,
		}
	}

	assert.NoError(t, v.VerifyPushToken(context.Background(), sign(base())))

	wrongAudience := base()
	wrongAudience["aud"] = "https://elsewhere"
	assert.Error(t, v.VerifyPushToken(context.Background(), sign(wrongAudience)))

	wrongAccount := base()
	wrongAccount["email"] = "intruder@example.com"
	assert.Error(t, v.VerifyPushToken(context.Background(), sign(wrongAccount)))

	expired := base()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	assert.Error(t, v.VerifyPushToken(context.Background(), sign(expired)))
}
