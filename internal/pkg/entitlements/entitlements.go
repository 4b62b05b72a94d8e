package entitlements

import (
	"fmt"
	"strings"

	"github.com/ManuelReschke/EntitleFox/app/models"
)

type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierPremiumMax Tier = "premium_max"
)

// NormalizeTier maps arbitrary input onto a known tier, defaulting to free.
func NormalizeTier(tier string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(tier))) {
	case TierPremium:
		return TierPremium
	case TierPremiumMax:
		return TierPremiumMax
	default:
		return TierFree
	}
}

// Rank orders tiers so the best paid tier can be picked across subscriptions.
func Rank(tier Tier) int {
	switch tier {
	case TierPremiumMax:
		return 2
	case TierPremium:
		return 1
	default:
		return 0
	}
}

// TierTable is the fixed product -> tier mapping. It is built once at startup
// and never mutated afterwards, so lookups are pure.
type TierTable struct {
	products map[string]Tier
}

// NewTierTable copies the given mapping into an immutable table.
func NewTierTable(products map[string]string) TierTable {
	t := TierTable{products: make(map[string]Tier, len(products))}
	for ref, tier := range products {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		t.products[ref] = NormalizeTier(tier)
	}
	return t
}

// ParseTierTable parses "product=tier,product=tier" as used in PRODUCT_TIERS.
func ParseTierTable(raw string) (TierTable, error) {
	products := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		ref, tier, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(ref) == "" {
			return TierTable{}, fmt.Errorf("invalid product tier mapping %q", pair)
		}
		products[strings.TrimSpace(ref)] = tier
	}
	return NewTierTable(products), nil
}

// Merge returns a new table with the entries of other layered over t.
func (t TierTable) Merge(other map[string]string) TierTable {
	merged := make(map[string]string, len(t.products)+len(other))
	for ref, tier := range t.products {
		merged[ref] = string(tier)
	}
	for ref, tier := range other {
		merged[ref] = tier
	}
	return NewTierTable(merged)
}

// Len returns the number of mapped products.
func (t TierTable) Len() int { return len(t.products) }

// DeriveTier is the only way a tier is computed: it depends on nothing but the
// canonical status and the product reference. Every non-active status yields
// the free tier, as does an unmapped product.
func (t TierTable) DeriveTier(status models.Status, productRef string) Tier {
	if status != models.StatusActive {
		return TierFree
	}
	if tier, ok := t.products[strings.TrimSpace(productRef)]; ok {
		return tier
	}
	return TierFree
}
