package enums

import "fmt"

// Tier describes the allowed values for the `tier` column on subscriptions.
type Tier string

const (
	TierFree Tier = "free"
	TierOne  Tier = "tier_1"
	TierTwo  Tier = "tier_2"
)

var validTiers = []Tier{
	TierFree,
	TierOne,
	TierTwo,
}

var tierRanks = map[Tier]int{
	TierFree: 0,
	TierOne:  1,
	TierTwo:  2,
}

// IsValid reports whether the value matches the canonical tier enum.
func (t Tier) IsValid() bool {
	for _, candidate := range validTiers {
		if candidate == t {
			return true
		}
	}
	return false
}

// IsPaid reports whether the tier corresponds to a paid plan.
func (t Tier) IsPaid() bool {
	return t == TierOne || t == TierTwo
}

// Rank orders tiers for upgrade/downgrade comparisons.
func (t Tier) Rank() int {
	return tierRanks[t]
}

// ParseTier converts the raw string to Tier.
func ParseTier(value string) (Tier, error) {
	for _, candidate := range validTiers {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid tier %q", value)
}
