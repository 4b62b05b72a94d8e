package billing

import (
	"context"
	"time"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/entitlements"
)

// LoadTierTable layers the active plan mappings stored in the database over
// the configured defaults.
func LoadTierTable(ctx context.Context, store Store, defaults entitlements.TierTable) (entitlements.TierTable, error) {
	mappings, err := store.ListActivePlanMappings(ctx)
	if err != nil {
		return entitlements.TierTable{}, err
	}
	overrides := make(map[string]string, len(mappings))
	for _, m := range mappings {
		overrides[m.ProductRef] = m.Tier
	}
	return defaults.Merge(overrides), nil
}

// bestLineage picks the lineage that backs the user's entitlement: the
// unexpired active lineage with the highest tier, otherwise the lineage just
// written.
func bestLineage(subs []models.BillingSubscription, current *models.BillingSubscription, tiers entitlements.TierTable, now time.Time) *models.BillingSubscription {
	best := current
	bestRank := -1
	if liveLineage(current, now) {
		bestRank = entitlements.Rank(tiers.DeriveTier(current.Status, current.ProductRef))
	}
	for i := range subs {
		sub := &subs[i]
		if sub.ID == current.ID || !liveLineage(sub, now) {
			continue
		}
		if rank := entitlements.Rank(tiers.DeriveTier(sub.Status, sub.ProductRef)); rank > bestRank {
			best = sub
			bestRank = rank
		}
	}
	return best
}

// liveLineage reports whether sub is active and its recorded expiry, if any,
// lies after now. A lineage whose end was never pushed lapses on its own.
func liveLineage(sub *models.BillingSubscription, now time.Time) bool {
	if sub.Status != models.StatusActive {
		return false
	}
	return sub.ExpiresAt == nil || sub.ExpiresAt.After(now)
}
