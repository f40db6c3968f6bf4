package models

// Tier represents the capability tier a test is executed or verified at.
type Tier string

const (
	// TierQuick is the cheapest tier and the default for first executions.
	TierQuick Tier = "quick"
	// TierScout is for lightweight work.
	TierScout Tier = "scout"
	// TierBuilder is for standard implementation work.
	TierBuilder Tier = "builder"
	// TierArchitect is the most capable tier.
	TierArchitect Tier = "architect"
)

// tierOrder lists tiers from least to most capable.
var tierOrder = []Tier{TierQuick, TierScout, TierBuilder, TierArchitect}

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// Rank returns the position of the tier in the capability ladder,
// or -1 for an unknown tier.
func (t Tier) Rank() int {
	for i, tier := range tierOrder {
		if tier == t {
			return i
		}
	}
	return -1
}

// Greater reports whether t is strictly more capable than other.
// Unknown tiers are never greater than anything.
func (t Tier) Greater(other Tier) bool {
	if !t.Valid() {
		return false
	}
	return t.Rank() > other.Rank()
}

// Tiers returns all tiers from least to most capable.
func Tiers() []Tier {
	return append([]Tier(nil), tierOrder...)
}

// LowestTier returns the least capable tier.
func LowestTier() Tier {
	return tierOrder[0]
}

// NextTier returns the tier directly above current.
// The second return value is false when current is the top tier or unknown.
func NextTier(current Tier) (Tier, bool) {
	rank := current.Rank()
	if rank < 0 || rank+1 >= len(tierOrder) {
		return "", false
	}
	return tierOrder[rank+1], true
}
