package billing

import (
	"context"

	"github.com/ManuelReschke/EntitleFox/app/models"
)

// Normalizer authenticates one provider's inbound payload and converts it to
// a BillingEvent. It never contacts the provider.
//
// Errors are ErrMalformedPayload, ErrSignatureInvalid or ErrUnsupportedKind
// (possibly wrapped).
type Normalizer interface {
	Provider() models.Provider
	Normalize(ctx context.Context, raw []byte, material VerificationMaterial) (BillingEvent, error)
}
