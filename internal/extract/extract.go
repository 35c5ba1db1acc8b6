// Package extract runs the multi-stage fallback chain that turns a
// strategy registry and a live page into a field value. Stages are
// tried in fixed order (learned candidates, configured seeds, prior
// discoveries, then a fresh discovery pass) and the first validated
// success wins. Every candidate
// that was actually tried gets exactly one recorded outcome.
package extract

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/glane/internal/discover"
	"github.com/hazyhaar/glane/internal/exec"
	"github.com/hazyhaar/glane/internal/learn"
	"github.com/hazyhaar/glane/page"
	"github.com/hazyhaar/glane/strategy"
)

// Stage names a step of the fallback chain, in trace output.
type Stage string

const (
	StageLearned    Stage = "learned"
	StageSeed       Stage = "seed"
	StageDiscovered Stage = "discovered"
)

// BlockCounter reports recent bot-detection incidents for a domain.
// The learning store implements it; the count feeds the backoff
// multiplier so hot domains are approached more gently.
type BlockCounter interface {
	CountRecentBlockEvents(ctx context.Context, domain string, window time.Duration) (int, error)
}

// Config tunes the extraction loop.
type Config struct {
	// MaxRetries bounds retries per candidate for retryable failures.
	MaxRetries int
	// AttemptTimeout bounds a single strategy execution.
	AttemptTimeout time.Duration
	// BackoffBase is the first retry delay before multipliers.
	BackoffBase time.Duration
	// BackoffMax caps the computed delay.
	BackoffMax time.Duration
	// BlockWindow is the rolling window in which past block events
	// still raise the backoff.
	BlockWindow time.Duration
	// CandidateLimit caps ranked candidates fetched per stage.
	CandidateLimit int
	// ContentHints optionally biases discovery toward elements whose
	// text contains the per-field hint.
	ContentHints map[strategy.FieldType]string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.BlockWindow <= 0 {
		c.BlockWindow = 10 * time.Minute
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// FieldResult is a successful field extraction with its provenance.
type FieldResult struct {
	Field    strategy.FieldType
	Value    string
	Strategy strategy.Strategy
	Tier     strategy.Tier
	Stage    Stage
	// Tried counts candidates attempted, winner included.
	Tried int
}

// Extractor drives the fallback chain for one field at a time. It is
// safe for concurrent use; all state lives in the registry.
type Extractor struct {
	reg    *learn.Registry
	disc   *discover.Engine
	blocks BlockCounter
	cfg    Config

	// sleep is context-aware and injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Extractor. blocks may be nil, disabling the
// block-density backoff multiplier.
func New(reg *learn.Registry, disc *discover.Engine, blocks BlockCounter, cfg Config) *Extractor {
	cfg.defaults()
	return &Extractor{
		reg:    reg,
		disc:   disc,
		blocks: blocks,
		cfg:    cfg,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ExtractField walks the stages for one field and returns the first
// validated value. On exhaustion it returns *ExhaustedError. Bot
// detection aborts the chain immediately so the caller can remediate.
func (e *Extractor) ExtractField(ctx context.Context, p page.Page, sctx strategy.Context) (*FieldResult, error) {
	var tried int

	stages := []struct {
		stage Stage
		cands func() ([]*strategy.Candidate, error)
	}{
		{StageLearned, func() ([]*strategy.Candidate, error) {
			return e.reg.RankedByTier(ctx, sctx, strategy.TierLearned, e.cfg.CandidateLimit)
		}},
		{StageSeed, func() ([]*strategy.Candidate, error) {
			return e.reg.RankedByTier(ctx, sctx, strategy.TierSeed, e.cfg.CandidateLimit)
		}},
		// Earlier discoveries carry their counters; try them ranked
		// before paying for a fresh synthesis pass.
		{StageDiscovered, func() ([]*strategy.Candidate, error) {
			return e.reg.RankedByTier(ctx, sctx, strategy.TierDiscovered, e.cfg.CandidateLimit)
		}},
		{StageDiscovered, func() ([]*strategy.Candidate, error) {
			return e.discoverCandidates(ctx, p, sctx)
		}},
	}

	seen := make(map[string]bool)
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cands, err := st.cands()
		if err != nil {
			return nil, err
		}

		for _, c := range cands {
			fp := c.Strategy.Fingerprint()
			if seen[fp] {
				continue
			}
			seen[fp] = true
			tried++
			value, err := e.tryCandidate(ctx, p, sctx, c)
			if err == nil {
				res := &FieldResult{
					Field:    sctx.Field,
					Value:    value,
					Strategy: c.Strategy,
					Tier:     c.Tier,
					Stage:    st.stage,
					Tried:    tried,
				}
				e.cfg.Logger.Debug("extract: field resolved",
					"context", sctx.Key(), "stage", string(st.stage),
					"strategy", c.Strategy.String(), "tried", tried)
				return res, nil
			}
			if class := strategy.Classify(err); class == strategy.ClassBotDetected {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
	}

	e.cfg.Logger.Info("extract: field exhausted", "context", sctx.Key(), "tried", tried)
	return nil, &ExhaustedError{ContextKey: sctx.Key(), Tried: tried}
}

// discoverCandidates runs a discovery pass, registers the results, and
// returns them as candidates for the final stage.
func (e *Extractor) discoverCandidates(ctx context.Context, p page.Page, sctx strategy.Context) ([]*strategy.Candidate, error) {
	found, err := e.disc.Discover(ctx, p, sctx.Field, e.cfg.ContentHints[sctx.Field])
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	if err := e.reg.RegisterDiscovered(ctx, sctx, found); err != nil {
		e.cfg.Logger.Warn("extract: discovered strategies not persisted", "context", sctx.Key(), "error", err)
	}
	cands := make([]*strategy.Candidate, len(found))
	for i, s := range found {
		cands[i] = &strategy.Candidate{Context: sctx, Strategy: s, Tier: strategy.TierDiscovered}
	}
	return cands, nil
}

// tryCandidate runs one candidate with its bounded retry loop and
// records exactly one outcome: the final verdict after retries.
func (e *Extractor) tryCandidate(ctx context.Context, p page.Page, sctx strategy.Context, c *strategy.Candidate) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, e.backoff(ctx, sctx.Domain(), attempt-1)); err != nil {
				break
			}
		}

		value, err := e.runOnce(ctx, p, c.Strategy)
		if err == nil {
			clean, vErr := validateField(sctx.Field, value, p.URL())
			if vErr == nil {
				e.reg.RecordOutcome(ctx, c, true, "")
				return clean, nil
			}
			err = vErr
		}

		lastErr = err
		if !strategy.Classify(err).Retryable() {
			break
		}
	}

	class := strategy.Classify(lastErr)
	e.reg.RecordOutcome(ctx, c, false, class)
	e.cfg.Logger.Debug("extract: candidate failed",
		"context", sctx.Key(), "strategy", c.Strategy.String(), "class", string(class))
	return "", lastErr
}

func (e *Extractor) runOnce(ctx context.Context, p page.Page, s strategy.Strategy) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()
	return exec.Run(attemptCtx, p, s)
}

// backoff computes the delay before retry n (zero-based):
// base × 2^n, scaled by one plus the domain's recent block count,
// capped at BackoffMax. A domain that fights back gets more room.
func (e *Extractor) backoff(ctx context.Context, domain string, n int) time.Duration {
	d := e.cfg.BackoffBase << uint(n)

	if e.blocks != nil {
		count, err := e.blocks.CountRecentBlockEvents(ctx, domain, e.cfg.BlockWindow)
		if err == nil && count > 0 {
			d *= time.Duration(1 + count)
		}
	}

	if d > e.cfg.BackoffMax {
		d = e.cfg.BackoffMax
	}
	return d
}
