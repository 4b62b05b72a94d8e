package billing

import (
	"context"
	"strings"

	"github.com/ManuelReschke/EntitleFox/app/models"
)

const duplicateIdentityReason = "duplicate identity"

// NormalizePayerIdentity canonicalizes a payer identity for comparison.
func NormalizePayerIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// Admission is the verdict of the conflict resolver.
type Admission struct {
	Admitted          bool
	Reason            string
	ConflictingUserID string
}

// ConflictResolver keeps one payer identity from backing active entitlements
// on more than one user account.
type ConflictResolver struct {
	store Store
}

func NewConflictResolver(store Store) *ConflictResolver {
	return &ConflictResolver{store: store}
}

// Admit checks a candidate status for userID. Only transitions to Active are
// evaluated; everything else, and events without a payer identity, is
// admitted.
func (r *ConflictResolver) Admit(ctx context.Context, userID, payerIdentity string, candidate models.Status) (Admission, error) {
	identity := NormalizePayerIdentity(payerIdentity)
	if candidate != models.StatusActive || identity == "" {
		return Admission{Admitted: true}, nil
	}
	holders, err := r.store.FindEntitlementsByPayerIdentity(ctx, identity)
	if err != nil {
		return Admission{}, err
	}
	for _, h := range holders {
		if h.UserID != userID && h.Status == models.StatusActive {
			return Admission{
				Admitted:          false,
				Reason:            duplicateIdentityReason,
				ConflictingUserID: h.UserID,
			}, nil
		}
	}
	return Admission{Admitted: true}, nil
}
