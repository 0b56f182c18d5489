package matching

import (
	"math/rand/v2"
	"time"
)

// Candidate is a waiting user considered for a pairing.
type Candidate struct {
	UserID    string
	Interests *InterestProfile
	JoinedAt  time.Time
}

// Selection is the outcome of a SelectBest call.
type Selection struct {
	Candidate Candidate
	Score     int
	Strategy  string
}

// Selector picks a partner from a candidate pool.
type Selector struct {
	threshold int
	intn      func(n int) int
}

// NewSelector returns a Selector using threshold for the similarity cutoff.
func NewSelector(threshold int) *Selector {
	return &Selector{threshold: threshold, intn: rand.IntN}
}

// Threshold returns the configured similarity cutoff.
func (s *Selector) Threshold() int { return s.threshold }

// SelectBest returns the candidate with the highest score for user. The first
// maximal candidate in pool order wins ties. When the best score is below the
// threshold a uniformly random candidate is returned instead, so a non-empty
// pool always yields a selection. A single candidate is returned as is.
func (s *Selector) SelectBest(user *InterestProfile, candidates []Candidate) *Selection {
	switch len(candidates) {
	case 0:
		return nil
	case 1:
		score := Score(user, candidates[0].Interests)
		return &Selection{
			Candidate: candidates[0],
			Score:     score,
			Strategy:  Strategy(score, s.threshold),
		}
	}

	best, bestScore := 0, -1
	scores := make([]int, len(candidates))
	for i := range candidates {
		scores[i] = Score(user, candidates[i].Interests)
		if scores[i] > bestScore {
			best, bestScore = i, scores[i]
		}
	}

	if bestScore >= s.threshold {
		return &Selection{
			Candidate: candidates[best],
			Score:     bestScore,
			Strategy:  StrategySimilarity,
		}
	}

	pick := s.intn(len(candidates))
	return &Selection{
		Candidate: candidates[pick],
		Score:     scores[pick],
		Strategy:  StrategyRandom,
	}
}
