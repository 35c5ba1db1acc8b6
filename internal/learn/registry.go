// Package learn implements the strategy registry: ranked candidate
// retrieval, outcome folding, and the prune/promote policies that keep
// each context's strategy pool honest.
//
// Persistence failures never propagate to extraction. A failed write is
// logged, queued for later replay, and the session continues in a
// degraded no-learning mode.
package learn

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hazyhaar/glane/idgen"
	"github.com/hazyhaar/glane/internal/store"
	"github.com/hazyhaar/glane/strategy"
	"github.com/hazyhaar/glane/vtq"
)

// Config controls registry policies.
type Config struct {
	// PruneMinSamples is the minimum attempt count before a candidate
	// can be pruned for a low success rate. Candidates with zero
	// attempts are never pruned.
	PruneMinSamples int
	// PruneMaxRate is the success rate below which a well-sampled
	// candidate becomes prunable.
	PruneMaxRate float64
	// PruneInactiveAfter protects recently active candidates from
	// pruning regardless of rate.
	PruneInactiveAfter time.Duration

	// PromoteMinSamples and PromoteMinRate flag consistently winning
	// candidates as high priority.
	PromoteMinSamples int
	PromoteMinRate    float64

	// RetentionHorizon removes candidates with no activity beyond this
	// age and low lifetime value.
	RetentionHorizon time.Duration

	// RecencyHalfLife controls how fast ranking discounts stale
	// success history.
	RecencyHalfLife time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.PruneMinSamples <= 0 {
		c.PruneMinSamples = 10
	}
	if c.PruneMaxRate <= 0 {
		c.PruneMaxRate = 0.2
	}
	if c.PruneInactiveAfter <= 0 {
		c.PruneInactiveAfter = 7 * 24 * time.Hour
	}
	if c.PromoteMinSamples <= 0 {
		c.PromoteMinSamples = 5
	}
	if c.PromoteMinRate <= 0 {
		c.PromoteMinRate = 0.8
	}
	if c.RetentionHorizon <= 0 {
		c.RetentionHorizon = 90 * 24 * time.Hour
	}
	if c.RecencyHalfLife <= 0 {
		c.RecencyHalfLife = 7 * 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Registry is the learning store front. One registry is shared by all
// extraction sessions; its store mutations are commutative counter
// increments, safe to interleave.
type Registry struct {
	store    *store.Store
	deferred *vtq.Q
	cfg      Config
	newID    idgen.Generator
	now      func() time.Time
}

// New creates a Registry. The vtq queue carries outcomes whose
// immediate persistence failed; pass nil to disable deferred replay.
func New(s *store.Store, deferred *vtq.Q, cfg Config) *Registry {
	cfg.defaults()
	return &Registry{
		store:    s,
		deferred: deferred,
		cfg:      cfg,
		newID:    idgen.Prefixed("cand_", idgen.Default),
		now:      time.Now,
	}
}

// RankedCandidates returns up to limit candidates for a context,
// best-first by recency-weighted smoothed success rate. Identical
// candidate sets with identical timestamps always rank identically.
func (r *Registry) RankedCandidates(ctx context.Context, sctx strategy.Context, limit int) ([]*strategy.Candidate, error) {
	cands, err := r.store.ListCandidates(ctx, sctx.Key())
	if err != nil {
		return nil, err
	}
	return r.rank(cands, limit), nil
}

// RankedByTier is RankedCandidates restricted to one tier. The
// extractor uses it to walk learned candidates before seeds.
func (r *Registry) RankedByTier(ctx context.Context, sctx strategy.Context, tier strategy.Tier, limit int) ([]*strategy.Candidate, error) {
	cands, err := r.store.ListCandidatesByTier(ctx, sctx.Key(), tier)
	if err != nil {
		return nil, err
	}
	return r.rank(cands, limit), nil
}

// RegisterSeeds stores seed strategies for a context. Existing rows are
// untouched, so counters survive across runs.
func (r *Registry) RegisterSeeds(ctx context.Context, sctx strategy.Context, seeds []strategy.Strategy) error {
	for _, s := range seeds {
		c := &strategy.Candidate{
			ID:       r.newID(),
			Context:  sctx,
			Strategy: s,
			Tier:     strategy.TierSeed,
		}
		if err := r.store.InsertCandidate(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterDiscovered stores freshly discovered strategies.
func (r *Registry) RegisterDiscovered(ctx context.Context, sctx strategy.Context, found []strategy.Strategy) error {
	for _, s := range found {
		c := &strategy.Candidate{
			ID:       r.newID(),
			Context:  sctx,
			Strategy: s,
			Tier:     strategy.TierDiscovered,
		}
		if err := r.store.InsertCandidate(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// deferredOutcome is the vtq payload for a write that failed at record
// time.
type deferredOutcome struct {
	CandidateID string            `json:"candidate_id"`
	ContextKey  string            `json:"context_key"`
	Strategy    strategy.Strategy `json:"strategy"`
	Tier        strategy.Tier     `json:"tier"`
	Success     bool              `json:"success"`
	ErrorClass  string            `json:"error_class,omitempty"`
}

// RecordOutcome folds one attempt into the candidate's counters.
// It never fails the caller: a persistence error is logged, queued for
// replay, and swallowed.
func (r *Registry) RecordOutcome(ctx context.Context, c *strategy.Candidate, success bool, errClass strategy.ErrorClass) {
	if c.ID == "" {
		c.ID = r.newID()
	}
	err := r.store.RecordOutcome(ctx, c, success, errClass)
	if err == nil {
		return
	}

	r.cfg.Logger.Warn("learn: outcome persist failed, continuing without learning",
		"context", c.Context.Key(), "strategy", c.Strategy.String(), "error", err)

	if r.deferred == nil {
		return
	}
	payload, mErr := json.Marshal(deferredOutcome{
		CandidateID: c.ID,
		ContextKey:  c.Context.Key(),
		Strategy:    c.Strategy,
		Tier:        c.Tier,
		Success:     success,
		ErrorClass:  string(errClass),
	})
	if mErr != nil {
		return
	}
	if qErr := r.deferred.Publish(ctx, idgen.Prefixed("out_", idgen.Default)(), payload); qErr != nil {
		r.cfg.Logger.Warn("learn: deferred queue unavailable, outcome dropped", "error", qErr)
	}
}

// Flush replays deferred outcomes into the store. Jobs that still fail
// are nacked and retried on the next flush. Returns the number of
// outcomes successfully folded.
func (r *Registry) Flush(ctx context.Context) (int, error) {
	if r.deferred == nil {
		return 0, nil
	}
	var replayed int
	for {
		job, err := r.deferred.Claim(ctx)
		if err != nil {
			return replayed, err
		}
		if job == nil {
			return replayed, nil
		}

		var d deferredOutcome
		if err := json.Unmarshal(job.Payload, &d); err != nil {
			r.cfg.Logger.Warn("learn: dropping malformed deferred outcome", "id", job.ID, "error", err)
			_ = r.deferred.Ack(ctx, job.ID)
			continue
		}

		c := &strategy.Candidate{
			ID:       d.CandidateID,
			Context:  contextFromKey(d.ContextKey),
			Strategy: d.Strategy,
			Tier:     d.Tier,
		}
		if err := r.store.RecordOutcome(ctx, c, d.Success, strategy.ErrorClass(d.ErrorClass)); err != nil {
			_ = r.deferred.Nack(ctx, job.ID)
			return replayed, err
		}
		_ = r.deferred.Ack(ctx, job.ID)
		replayed++
	}
}

// Prune removes candidates that are well sampled, consistently failing,
// and inactive, unless flagged high priority. Zero-attempt candidates
// survive: a strategy is always tried at least once before judgement.
func (r *Registry) Prune(ctx context.Context, key string) (int, error) {
	cands, err := r.store.ListCandidates(ctx, key)
	if err != nil {
		return 0, err
	}

	now := r.now()
	var removed int
	for _, c := range cands {
		if c.HighPriority || c.Attempts() == 0 {
			continue
		}
		if c.Attempts() < r.cfg.PruneMinSamples {
			continue
		}
		if c.SuccessRate() >= r.cfg.PruneMaxRate {
			continue
		}
		if now.Sub(c.LastActivity()) < r.cfg.PruneInactiveAfter {
			continue
		}
		if err := r.store.DeleteCandidate(ctx, c.ID); err != nil {
			return removed, err
		}
		r.cfg.Logger.Info("learn: pruned candidate",
			"context", key, "strategy", c.Strategy.String(),
			"rate", c.SuccessRate(), "attempts", c.Attempts())
		removed++
	}
	return removed, nil
}

// Promote flags consistently winning candidates as high priority and
// lifts winning discoveries into the learned tier.
func (r *Registry) Promote(ctx context.Context, key string) (int, error) {
	cands, err := r.store.ListCandidates(ctx, key)
	if err != nil {
		return 0, err
	}

	var promoted int
	for _, c := range cands {
		if c.Attempts() < r.cfg.PromoteMinSamples || c.SuccessRate() < r.cfg.PromoteMinRate {
			continue
		}
		if c.Tier == strategy.TierDiscovered {
			if err := r.store.PromoteTier(ctx, c.ID, strategy.TierLearned); err != nil {
				return promoted, err
			}
		}
		if !c.HighPriority {
			if err := r.store.SetHighPriority(ctx, c.ID, true); err != nil {
				return promoted, err
			}
			promoted++
		}
	}
	return promoted, nil
}

// RetireExpired removes candidates whose last activity is beyond the
// retention horizon and whose lifetime value is low. High-value history
// is kept even when stale: a once-great selector may come back.
func (r *Registry) RetireExpired(ctx context.Context, key string) (int, error) {
	cands, err := r.store.ListCandidates(ctx, key)
	if err != nil {
		return 0, err
	}

	now := r.now()
	var removed int
	for _, c := range cands {
		if c.HighPriority || c.Attempts() == 0 {
			continue
		}
		if now.Sub(c.LastActivity()) < r.cfg.RetentionHorizon {
			continue
		}
		if c.SuccessRate() >= 0.5 {
			continue
		}
		if err := r.store.DeleteCandidate(ctx, c.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ContextKeys lists every known learning slot.
func (r *Registry) ContextKeys(ctx context.Context) ([]string, error) {
	return r.store.ListContextKeys(ctx)
}

// contextFromKey reverses strategy.Context.Key.
func contextFromKey(key string) strategy.Context {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '#' {
			return strategy.Context{
				SiteTemplate: key[:i],
				Field:        strategy.FieldType(key[i+1:]),
			}
		}
	}
	return strategy.Context{SiteTemplate: key}
}
