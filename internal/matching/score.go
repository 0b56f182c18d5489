package matching

import "strings"

// Matching strategy labels recorded on every session.
const (
	StrategySimilarity = "similarity-based"
	StrategyRandom     = "random-fallback"

	// DefaultThreshold is the minimum score for a similarity-based pairing.
	DefaultThreshold = 1
)

// Score weights.
const (
	courseWeight = 3
	dormWeight   = 2
	orgWeight    = 1
)

// InterestProfile is the set of attributes two users are compared on. An
// empty Course or Dorm means the attribute is unset.
type InterestProfile struct {
	Course        string   `json:"course"`
	Dorm          string   `json:"dorm"`
	Organizations []string `json:"organizations"`
}

// Score returns the compatibility of two profiles. It is 0 when either
// profile is nil. Comparison folds case but does not trim.
func Score(a, b *InterestProfile) int {
	if a == nil || b == nil {
		return 0
	}

	score := 0
	if a.Course != "" && b.Course != "" && strings.EqualFold(a.Course, b.Course) {
		score += courseWeight
	}
	if a.Dorm != "" && b.Dorm != "" && strings.EqualFold(a.Dorm, b.Dorm) {
		score += dormWeight
	}

	// Each organization in a counts once if b lists it.
	for _, org := range a.Organizations {
		for _, other := range b.Organizations {
			if strings.EqualFold(org, other) {
				score += orgWeight
				break
			}
		}
	}
	return score
}

// Strategy labels a pairing by whether its score met the threshold.
func Strategy(score, threshold int) string {
	if score >= threshold {
		return StrategySimilarity
	}
	return StrategyRandom
}
