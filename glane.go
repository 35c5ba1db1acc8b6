// Package glane is an adaptive extraction engine for dynamic, defended
// web pages. It learns which selector strategies work per site template
// and field, falls back through learned, seeded, and freshly discovered
// strategies, watches for bot countermeasures, and grooms its own
// strategy pool on a maintenance schedule.
package glane

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hazyhaar/glane/internal/botwatch"
	"github.com/hazyhaar/glane/internal/discover"
	"github.com/hazyhaar/glane/internal/extract"
	"github.com/hazyhaar/glane/internal/learn"
	"github.com/hazyhaar/glane/internal/maintain"
	"github.com/hazyhaar/glane/internal/store"
	"github.com/hazyhaar/glane/page"
	"github.com/hazyhaar/glane/strategy"
	"github.com/hazyhaar/glane/vtq"
)

// Status summarizes an entity extraction.
type Status string

const (
	// StatusComplete means every field produced a validated value.
	StatusComplete Status = "complete"
	// StatusPartial means at least one field produced a value.
	StatusPartial Status = "partial"
	// StatusEmpty means no field produced a value.
	StatusEmpty Status = "empty"
	// StatusBlocked means a countermeasure ended the session.
	StatusBlocked Status = "blocked"
)

// fieldWeights drive the quality score. Identity fields weigh more
// than decoration.
var fieldWeights = map[strategy.FieldType]float64{
	strategy.FieldName:        0.4,
	strategy.FieldDescription: 0.3,
	strategy.FieldImage:       0.2,
	strategy.FieldLink:        0.1,
}

// TraceEntry records how one field was (or was not) resolved.
type TraceEntry struct {
	Field    strategy.FieldType
	Stage    string
	Strategy string
	Tier     strategy.Tier
	// Tried counts candidates attempted for the field.
	Tried int
	// Outcome is "ok", "exhausted", "blocked", or the error class.
	Outcome string
}

// EntityResult is the outcome of one page extraction.
type EntityResult struct {
	URL           string
	Fields        map[strategy.FieldType]string
	QualityScore  float64
	Status        Status
	StrategyTrace []TraceEntry
	// BlockSignature is set when Status is blocked.
	BlockSignature string
}

// Service wires the engine together over one learning store.
type Service struct {
	cfg *Config
	log *slog.Logger

	st    *store.Store
	queue *vtq.Q
	reg   *learn.Registry
	ext   *extract.Extractor
	mon   *botwatch.Monitor
	sched *maintain.Scheduler
}

// Open builds a Service from config, opens the learning store, and
// registers the configured seeds. logger may be nil.
func Open(ctx context.Context, cfg *Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	queue := vtq.New(st.DB, vtq.Options{Queue: "glane_outcomes", Logger: logger})
	if err := queue.EnsureTable(ctx); err != nil {
		st.Close()
		return nil, err
	}

	s, err := assemble(cfg, logger, st, queue)
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := s.registerSeeds(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return s, nil
}

// assemble wires components over an already-open store.
func assemble(cfg *Config, logger *slog.Logger, st *store.Store, queue *vtq.Q) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := learn.New(st, queue, learn.Config{
		PruneMinSamples:    cfg.Learning.PruneMinSamples,
		PruneMaxRate:       cfg.Learning.PruneMaxRate,
		PruneInactiveAfter: cfg.Learning.PruneInactiveAfter,
		PromoteMinSamples:  cfg.Learning.PromoteMinSamples,
		PromoteMinRate:     cfg.Learning.PromoteMinRate,
		RetentionHorizon:   cfg.Learning.RetentionHorizon,
		RecencyHalfLife:    cfg.Learning.RecencyHalfLife,
		Logger:             logger,
	})

	hints := make(map[strategy.FieldType]string, len(cfg.ContentHints))
	for f, h := range cfg.ContentHints {
		ft, err := fieldType(f)
		if err != nil {
			return nil, err
		}
		hints[ft] = h
	}

	disc := discover.New(discover.Config{
		MaxVariants: cfg.Discover.MaxVariants,
		TopK:        cfg.Discover.TopK,
		Logger:      logger,
	})
	ext := extract.New(reg, disc, st, extract.Config{
		MaxRetries:     cfg.Extract.MaxRetries,
		AttemptTimeout: cfg.Extract.AttemptTimeout,
		BackoffBase:    cfg.Extract.BackoffBase,
		BackoffMax:     cfg.Extract.BackoffMax,
		BlockWindow:    cfg.Extract.BlockWindow,
		CandidateLimit: cfg.Extract.CandidateLimit,
		ContentHints:   hints,
		Logger:         logger,
	})
	mon := botwatch.New(st, botwatch.Config{
		LoginVocab:       cfg.Botwatch.LoginVocab,
		ChallengeMarkers: cfg.Botwatch.ChallengeMarkers,
		EntityMarkers:    cfg.Botwatch.EntityMarkers,
		SettleWait:       cfg.Botwatch.SettleWait,
		Logger:           logger,
	})
	sched := maintain.New(reg, st, maintain.Config{
		Interval:       cfg.Maintenance.Interval,
		StartupDelay:   cfg.Maintenance.StartupDelay,
		AttentionRate:  cfg.Maintenance.AttentionRate,
		BlockRetention: cfg.Maintenance.BlockRetention,
		ReportSize:     cfg.Maintenance.ReportSize,
		Logger:         logger,
	})

	return &Service{
		cfg:   cfg,
		log:   logger,
		st:    st,
		queue: queue,
		reg:   reg,
		ext:   ext,
		mon:   mon,
		sched: sched,
	}, nil
}

func (s *Service) registerSeeds(ctx context.Context) error {
	for _, seed := range s.cfg.Seeds {
		ft, err := fieldType(seed.Field)
		if err != nil {
			return err
		}
		sctx := strategy.Context{SiteTemplate: seed.SiteTemplate, Field: ft}

		strats := make([]strategy.Strategy, 0, len(seed.Strategies))
		for _, sc := range seed.Strategies {
			st, err := sc.toStrategy()
			if err != nil {
				return err
			}
			strats = append(strats, st)
		}
		if err := s.reg.RegisterSeeds(ctx, sctx, strats); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the learning store.
func (s *Service) Close() error {
	return s.st.Close()
}

// ExtractEntity extracts all entity fields from the page the
// collaborator currently shows. Fields run sequentially; one failing
// field never aborts the session, and partial results are
// quality-scored. A countermeasure that survives remediation ends the
// session with StatusBlocked.
func (s *Service) ExtractEntity(ctx context.Context, p page.Page, pageURL string) (*EntityResult, error) {
	res := &EntityResult{
		URL:    pageURL,
		Fields: map[strategy.FieldType]string{},
	}

	domain := ""
	if sctx, err := strategy.ContextFor(pageURL, strategy.FieldName); err == nil {
		domain = sctx.Domain()
	}

	if a, err := s.mon.Guard(ctx, p, domain); err != nil {
		var blocked *botwatch.BlockedError
		if errors.As(err, &blocked) {
			res.Status = StatusBlocked
			res.BlockSignature = a.Signature
			return res, nil
		}
		return nil, err
	}

	for _, field := range strategy.AllFields {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sctx, err := strategy.ContextFor(pageURL, field)
		if err != nil {
			return nil, err
		}

		fr, err := s.ext.ExtractField(ctx, p, sctx)
		if err == nil {
			res.Fields[field] = fr.Value
			res.QualityScore += fieldWeights[field]
			res.StrategyTrace = append(res.StrategyTrace, TraceEntry{
				Field:    field,
				Stage:    string(fr.Stage),
				Strategy: fr.Strategy.String(),
				Tier:     fr.Tier,
				Tried:    fr.Tried,
				Outcome:  "ok",
			})
			continue
		}

		class := strategy.Classify(err)
		if class == strategy.ClassBotDetected {
			// Detection mid-field: one shot at remediation, then the
			// session ends either way.
			if _, gErr := s.mon.Guard(ctx, p, domain); gErr != nil {
				var blocked *botwatch.BlockedError
				if errors.As(gErr, &blocked) {
					res.Status = StatusBlocked
					res.BlockSignature = blocked.Signature
					res.StrategyTrace = append(res.StrategyTrace, TraceEntry{
						Field: field, Outcome: "blocked",
					})
					return res, nil
				}
				return nil, gErr
			}
			// Recovered: retry the field once on the cleaned page.
			if fr, err = s.ext.ExtractField(ctx, p, sctx); err == nil {
				res.Fields[field] = fr.Value
				res.QualityScore += fieldWeights[field]
				res.StrategyTrace = append(res.StrategyTrace, TraceEntry{
					Field:    field,
					Stage:    string(fr.Stage),
					Strategy: fr.Strategy.String(),
					Tier:     fr.Tier,
					Tried:    fr.Tried,
					Outcome:  "ok",
				})
				continue
			}
			class = strategy.Classify(err)
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var ex *extract.ExhaustedError
		outcome := string(class)
		tried := 0
		if errors.As(err, &ex) {
			outcome = "exhausted"
			tried = ex.Tried
		}
		res.StrategyTrace = append(res.StrategyTrace, TraceEntry{
			Field: field, Outcome: outcome, Tried: tried,
		})
		s.log.Info("glane: field unresolved", "url", pageURL, "field", string(field), "outcome", outcome)
	}

	switch len(res.Fields) {
	case len(strategy.AllFields):
		res.Status = StatusComplete
	case 0:
		res.Status = StatusEmpty
	default:
		res.Status = StatusPartial
	}
	return res, nil
}

// RunMaintenanceCycle runs one upkeep cycle immediately.
func (s *Service) RunMaintenanceCycle(ctx context.Context) (*maintain.Report, error) {
	return s.sched.RunCycle(ctx)
}

// Maintain blocks and runs the maintenance schedule until ctx is
// cancelled. Call it from its own goroutine.
func (s *Service) Maintain(ctx context.Context) {
	s.sched.Run(ctx)
}
