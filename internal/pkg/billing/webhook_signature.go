package billing

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWSVerifier verifies App Store signed payloads: ES256 JWS whose x5c header
// carries a certificate chain that must lead to a trusted root.
type JWSVerifier struct {
	roots *x509.CertPool
	now   func() time.Time
}

// NewJWSVerifier creates a verifier trusting the PEM encoded root
// certificates.
func NewJWSVerifier(rootPEM []byte) (*JWSVerifier, error) {
	pool := x509.NewCertPool()
	added := 0
	for rest := rootPEM; len(rest) > 0; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse root certificate: %w", err)
		}
		pool.AddCert(cert)
		added++
	}
	if added == 0 {
		return nil, errors.New("no root certificate found")
	}
	return &JWSVerifier{roots: pool, now: time.Now}, nil
}

// Verify checks signature and chain and decodes the payload into claims.
func (v *JWSVerifier) Verify(token string, claims jwt.Claims) error {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))
	_, err := parser.ParseWithClaims(token, claims, v.keyFromChain)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

func (v *JWSVerifier) keyFromChain(t *jwt.Token) (any, error) {
	rawChain, ok := t.Header["x5c"].([]any)
	if !ok || len(rawChain) == 0 {
		return nil, errors.New("missing x5c header")
	}
	certs := make([]*x509.Certificate, 0, len(rawChain))
	for _, entry := range rawChain {
		s, ok := entry.(string)
		if !ok {
			return nil, errors.New("x5c entry is not a string")
		}
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode x5c entry: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse x5c entry: %w", err)
		}
		certs = append(certs, cert)
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	if _, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("verify certificate chain: %w", err)
	}

	pub, ok := certs[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("leaf certificate does not carry an ECDSA key")
	}
	return pub, nil
}
