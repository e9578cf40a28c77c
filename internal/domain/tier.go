package domain

import "strings"

// Tier enumerates subscription levels.
type Tier string

const (
	TierFree Tier = "free"
	TierPlus Tier = "plus"
	TierPro  Tier = "pro"
)

// tierLimits maps each tier to its fixed daily generation ceilings.
var tierLimits = map[Tier]map[JobKind]int{
	TierFree: {JobKindImage: 10, JobKindVideo: 2},
	TierPlus: {JobKindImage: 60, JobKindVideo: 12},
	TierPro:  {JobKindImage: 250, JobKindVideo: 50},
}

// tierRanks orders tiers for queue priority. Higher rank dequeues first.
var tierRanks = map[Tier]int{
	TierFree: 0,
	TierPlus: 1,
	TierPro:  2,
}

// NormalizeTier sanitizes free-form plan input into a supported tier.
func NormalizeTier(raw string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierFree:
		return TierFree, true
	case TierPlus:
		return TierPlus, true
	case TierPro:
		return TierPro, true
	}
	return "", false
}

// DailyCeiling returns the per-day generation ceiling for the given kind.
func (t Tier) DailyCeiling(kind JobKind) int {
	if limits, ok := tierLimits[t]; ok {
		return limits[kind]
	}
	return 0
}

// Rank returns the queue priority rank of the tier.
func (t Tier) Rank() int {
	return tierRanks[t]
}

// AllowsDegradedFallback reports whether a degraded substitute result may be
// served to this tier when generation fails after retries. Paid tiers get an
// honest failure instead.
func (t Tier) AllowsDegradedFallback() bool {
	return t == TierFree
}

// KindCost returns the per-job cost in credits charged on completion.
func KindCost(kind JobKind) float64 {
	switch kind {
	case JobKindVideo:
		return 0.50
	default:
		return 0.04
	}
}

// KindEstimateSeconds returns the rough wall-clock estimate surfaced to the
// client at submission time.
func KindEstimateSeconds(kind JobKind) int {
	switch kind {
	case JobKindVideo:
		return 90
	default:
		return 20
	}
}
