package learn

import (
	"math"
	"sort"
	"time"

	"github.com/hazyhaar/glane/strategy"
)

// score combines a Laplace-smoothed success rate with a recency decay.
// Smoothing pulls low-sample candidates toward 0.5 so a 1/1 candidate
// does not outrank a 19/20 one; decay halves the recency factor every
// halfLife of inactivity but never erases proven history entirely.
func score(c *strategy.Candidate, now time.Time, halfLife time.Duration) float64 {
	smoothed := (float64(c.SuccessCount) + 1) / (float64(c.Attempts()) + 2)

	if c.Attempts() == 0 {
		// Never tried: rank on the prior alone, undecayed, so ties
		// between fresh candidates break on registration order.
		return smoothed
	}
	age := now.Sub(c.LastActivity())
	if age < 0 {
		age = 0
	}
	decay := math.Exp2(-float64(age) / float64(halfLife))
	return smoothed * (0.25 + 0.75*decay)
}

// rank sorts candidates best-first. Ties break on discovery time then
// ID so equal inputs always produce equal orderings.
func (r *Registry) rank(cands []*strategy.Candidate, limit int) []*strategy.Candidate {
	now := r.now()
	scores := make(map[string]float64, len(cands))
	for _, c := range cands {
		scores[c.ID] = score(c, now, r.cfg.RecencyHalfLife)
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.HighPriority != b.HighPriority {
			return a.HighPriority
		}
		sa, sb := scores[a.ID], scores[b.ID]
		if sa != sb {
			return sa > sb
		}
		if !a.DiscoveredAt.Equal(b.DiscoveredAt) {
			return a.DiscoveredAt.Before(b.DiscoveredAt)
		}
		return a.ID < b.ID
	})

	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	return cands
}
