// Package priority centralizes the tier-to-priority contract so the worker
// and the activity monitor agree on what "low priority" means.
package priority

import (
	"github.com/Marx-A00/rec-sub006/internal/models"
)

// Numeric maps a tier to its queue priority. Lower numbers are served first.
func Numeric(t models.Tier) int {
	switch t {
	case models.TierAdmin:
		return 1
	case models.TierUserFacing:
		return 10
	default:
		return 20
	}
}

// IsPausable reports whether the tier's lane may be paused by the activity
// monitor. Only bulk background work is pausable.
func IsPausable(t models.Tier) bool {
	return t == models.TierBackground
}

// Lanes returns all tiers in dispatch order, highest priority first.
func Lanes() []models.Tier {
	return []models.Tier{models.TierAdmin, models.TierUserFacing, models.TierBackground}
}

// FromString parses a tier name, accepting only known tiers.
func FromString(s string) (models.Tier, bool) {
	switch models.Tier(s) {
	case models.TierAdmin:
		return models.TierAdmin, true
	case models.TierUserFacing:
		return models.TierUserFacing, true
	case models.TierBackground:
		return models.TierBackground, true
	}
	return "", false
}
