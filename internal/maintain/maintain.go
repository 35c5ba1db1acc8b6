// Package maintain runs the periodic upkeep cycle: replay deferred
// outcomes, promote proven candidates, prune dead weight, expire stale
// history, rebuild aggregates, and produce the insight report.
//
// Cycles are serialized by a running flag; a cycle that overlaps the
// next tick is skipped, never stacked. Steps are fault-tolerant: one
// failing step is reported and the rest still run.
package maintain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/glane/internal/learn"
	"github.com/hazyhaar/glane/internal/store"
)

// ErrCycleRunning is returned when a cycle is requested while another
// is still in flight.
var ErrCycleRunning = errors.New("maintain: cycle already running")

// Config tunes the schedule and the report thresholds.
type Config struct {
	// Interval between cycle starts.
	Interval time.Duration
	// StartupDelay before the first cycle, so a fresh process serves
	// extractions before it grooms history.
	StartupDelay time.Duration
	// AttentionRate is the success rate under which a context is
	// flagged for new seeds or a discovery refresh.
	AttentionRate float64
	// BlockRetention bounds how long block events are kept.
	BlockRetention time.Duration
	// ReportSize caps the top and worst lists in the report.
	ReportSize int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 6 * time.Hour
	}
	if c.StartupDelay <= 0 {
		c.StartupDelay = time.Minute
	}
	if c.AttentionRate <= 0 {
		c.AttentionRate = 0.5
	}
	if c.BlockRetention <= 0 {
		c.BlockRetention = 90 * 24 * time.Hour
	}
	if c.ReportSize <= 0 {
		c.ReportSize = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Recommendation flags one context that needs operator attention.
type Recommendation struct {
	ContextKey  string
	SuccessRate float64
	Note        string
}

// Report summarizes one maintenance cycle.
type Report struct {
	StartedAt  time.Time
	FinishedAt time.Time

	ContextsSeen     int
	OutcomesReplayed int
	Promoted         int
	Pruned           int
	Retired          int
	BlocksSwept      int64

	// Top and Worst are context aggregates, best and worst performers
	// first respectively.
	Top   []*store.ContextStats
	Worst []*store.ContextStats
	// Attention lists contexts whose success rate fell under the
	// configured threshold.
	Attention []Recommendation

	// StepErrors collects failures of individual steps; a non-empty
	// list still means the cycle completed.
	StepErrors []string
}

// Scheduler owns the maintenance loop.
type Scheduler struct {
	reg *learn.Registry
	st  *store.Store
	cfg Config

	running atomic.Bool
}

// New creates a Scheduler over the shared registry and store.
func New(reg *learn.Registry, st *store.Store, cfg Config) *Scheduler {
	cfg.defaults()
	return &Scheduler{reg: reg, st: st, cfg: cfg}
}

// Run blocks and executes cycles on the configured schedule until the
// context is cancelled. The first cycle waits out StartupDelay.
func (s *Scheduler) Run(ctx context.Context) {
	log := s.cfg.Logger
	log.Info("maintain: scheduler started", "interval", s.cfg.Interval, "startup_delay", s.cfg.StartupDelay)

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.cfg.StartupDelay):
	}
	s.runLogged(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("maintain: scheduler stopped")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	rep, err := s.RunCycle(ctx)
	if err != nil {
		if !errors.Is(err, ErrCycleRunning) {
			s.cfg.Logger.Error("maintain: cycle failed", "error", err)
		}
		return
	}
	s.cfg.Logger.Info("maintain: cycle complete",
		"contexts", rep.ContextsSeen, "replayed", rep.OutcomesReplayed,
		"promoted", rep.Promoted, "pruned", rep.Pruned, "retired", rep.Retired,
		"blocks_swept", rep.BlocksSwept, "attention", len(rep.Attention),
		"step_errors", len(rep.StepErrors), "took", rep.FinishedAt.Sub(rep.StartedAt))
}

// RunCycle executes one full cycle. Only one cycle runs at a time;
// a concurrent call returns ErrCycleRunning.
func (s *Scheduler) RunCycle(ctx context.Context) (*Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrCycleRunning
	}
	defer s.running.Store(false)

	rep := &Report{StartedAt: time.Now()}
	fail := func(step string, err error) {
		s.cfg.Logger.Warn("maintain: step failed", "step", step, "error", err)
		rep.StepErrors = append(rep.StepErrors, fmt.Sprintf("%s: %v", step, err))
	}

	if n, err := s.reg.Flush(ctx); err != nil {
		fail("flush", err)
	} else {
		rep.OutcomesReplayed = n
	}

	keys, err := s.reg.ContextKeys(ctx)
	if err != nil {
		fail("list_contexts", err)
	}
	rep.ContextsSeen = len(keys)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if n, err := s.reg.Promote(ctx, key); err != nil {
			fail("promote "+key, err)
		} else {
			rep.Promoted += n
		}
		if n, err := s.reg.Prune(ctx, key); err != nil {
			fail("prune "+key, err)
		} else {
			rep.Pruned += n
		}
		if n, err := s.reg.RetireExpired(ctx, key); err != nil {
			fail("retire "+key, err)
		} else {
			rep.Retired += n
		}
	}

	if n, err := s.st.SweepBlockEvents(ctx, s.cfg.BlockRetention); err != nil {
		fail("sweep_blocks", err)
	} else {
		rep.BlocksSwept = n
	}

	if err := s.st.RecomputeContextStats(ctx); err != nil {
		fail("recompute_stats", err)
	}
	if err := s.buildInsights(ctx, rep); err != nil {
		fail("insights", err)
	}

	rep.FinishedAt = time.Now()
	return rep, nil
}

// buildInsights fills the report's top, worst, and attention lists
// from the freshly rebuilt aggregates.
func (s *Scheduler) buildInsights(ctx context.Context, rep *Report) error {
	stats, err := s.st.ListContextStats(ctx)
	if err != nil {
		return err
	}

	k := s.cfg.ReportSize
	if len(stats) < k {
		k = len(stats)
	}
	rep.Worst = stats[:k]

	rep.Top = make([]*store.ContextStats, 0, k)
	for i := len(stats) - 1; i >= 0 && len(rep.Top) < k; i-- {
		rep.Top = append(rep.Top, stats[i])
	}

	for _, cs := range stats {
		if cs.SuccessCount+cs.FailureCount == 0 {
			continue
		}
		if cs.SuccessRate < s.cfg.AttentionRate {
			rep.Attention = append(rep.Attention, Recommendation{
				ContextKey:  cs.ContextKey,
				SuccessRate: cs.SuccessRate,
				Note:        "success rate under threshold; refresh seeds or re-run discovery",
			})
		}
	}
	return nil
}
