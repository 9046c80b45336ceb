package plans

import "strings"

// Tier is an internal subscription tier.
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// Normalize maps arbitrary tier input to a known internal tier.
func Normalize(tier string) string {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case string(TierPro):
		return string(TierPro)
	case string(TierBusiness):
		return string(TierBusiness)
	default:
		return string(TierFree)
	}
}

// Rank orders tiers so the highest entitlement wins when a subscription
// carries several price references.
func Rank(tier string) int {
	switch Normalize(tier) {
	case string(TierBusiness):
		return 2
	case string(TierPro):
		return 1
	default:
		return 0
	}
}

// NormalizeInterval maps arbitrary interval input to month/year/unknown.
func NormalizeInterval(interval string) string {
	i := strings.ToLower(strings.TrimSpace(interval))
	switch i {
	case "month", "year":
		return i
	default:
		return "unknown"
	}
}

// IsEntitlingStatus reports whether a subscription status still grants access.
func IsEntitlingStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing", "past_due":
		return true
	default:
		return false
	}
}
