package strategy

import "time"

// Tier records how a candidate entered the registry. Ordering matters:
// the extractor tries learned candidates first, then seeds, then fresh
// discoveries.
type Tier string

const (
	TierSeed       Tier = "seed"
	TierLearned    Tier = "learned"
	TierDiscovered Tier = "discovered"
)

// Candidate is one tracked strategy instance within a context. The
// counters only ever grow; success rate is derived, never stored.
type Candidate struct {
	ID           string
	Context      Context
	Strategy     Strategy
	Tier         Tier
	HighPriority bool

	SuccessCount int
	FailureCount int

	DiscoveredAt time.Time
	LastSuccess  time.Time
	LastFailure  time.Time
}

// Attempts returns the total number of recorded outcomes.
func (c *Candidate) Attempts() int {
	return c.SuccessCount + c.FailureCount
}

// SuccessRate returns successes over total attempts, in [0,1].
// A candidate with no attempts has rate 0 but is protected from pruning.
func (c *Candidate) SuccessRate() float64 {
	n := c.Attempts()
	if n == 0 {
		return 0
	}
	return float64(c.SuccessCount) / float64(n)
}

// LastActivity returns the most recent outcome timestamp, or the
// discovery time if the candidate has never been tried.
func (c *Candidate) LastActivity() time.Time {
	t := c.DiscoveredAt
	if c.LastSuccess.After(t) {
		t = c.LastSuccess
	}
	if c.LastFailure.After(t) {
		t = c.LastFailure
	}
	return t
}

// BlockEvent records one bot-detection incident for a domain. Recent
// events (inside the rolling window) raise the recommended backoff for
// that domain; older events are ignored.
type BlockEvent struct {
	Domain    string
	Signature string
	At        time.Time
}
