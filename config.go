package glane

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/glane/strategy"
)

// Config holds all engine configuration.
type Config struct {
	DBPath string `yaml:"db_path"`

	Extract     ExtractConfig     `yaml:"extract"`
	Discover    DiscoverConfig    `yaml:"discover"`
	Botwatch    BotwatchConfig    `yaml:"botwatch"`
	Learning    LearningConfig    `yaml:"learning"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// Seeds carries the site-specific markup knowledge the engine
	// starts from before it has learned anything.
	Seeds []SeedConfig `yaml:"seeds"`

	// ContentHints biases discovery per field, e.g. name: "product".
	ContentHints map[string]string `yaml:"content_hints"`
}

// ExtractConfig tunes the per-field extraction loop.
type ExtractConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	BlockWindow    time.Duration `yaml:"block_window"`
	CandidateLimit int           `yaml:"candidate_limit"`
}

// DiscoverConfig tunes selector discovery.
type DiscoverConfig struct {
	MaxVariants int `yaml:"max_variants"`
	TopK        int `yaml:"top_k"`
}

// BotwatchConfig tunes countermeasure detection. Empty lists keep the
// built-in vocabulary.
type BotwatchConfig struct {
	LoginVocab       []string      `yaml:"login_vocab"`
	ChallengeMarkers []string      `yaml:"challenge_markers"`
	EntityMarkers    []string      `yaml:"entity_markers"`
	SettleWait       time.Duration `yaml:"settle_wait"`
}

// LearningConfig tunes registry ranking and retention policies.
type LearningConfig struct {
	PruneMinSamples    int           `yaml:"prune_min_samples"`
	PruneMaxRate       float64       `yaml:"prune_max_rate"`
	PruneInactiveAfter time.Duration `yaml:"prune_inactive_after"`
	PromoteMinSamples  int           `yaml:"promote_min_samples"`
	PromoteMinRate     float64       `yaml:"promote_min_rate"`
	RetentionHorizon   time.Duration `yaml:"retention_horizon"`
	RecencyHalfLife    time.Duration `yaml:"recency_half_life"`
}

// MaintenanceConfig tunes the upkeep schedule.
type MaintenanceConfig struct {
	Interval       time.Duration `yaml:"interval"`
	StartupDelay   time.Duration `yaml:"startup_delay"`
	AttentionRate  float64       `yaml:"attention_rate"`
	BlockRetention time.Duration `yaml:"block_retention"`
	ReportSize     int           `yaml:"report_size"`
}

// SeedConfig declares the starting strategies for one learning slot.
type SeedConfig struct {
	SiteTemplate string         `yaml:"site_template"`
	Field        string         `yaml:"field"`
	Strategies   []SeedStrategy `yaml:"strategies"`
}

// SeedStrategy is the YAML form of a strategy.
type SeedStrategy struct {
	Kind     string `yaml:"kind"`
	Selector string `yaml:"selector"`
	Attr     string `yaml:"attr"`
	Pattern  string `yaml:"pattern"`
	Role     string `yaml:"role"`
	Label    string `yaml:"label"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "glane.db"
	}
	// Component-level zeros fall through to each component's own
	// defaults; only cross-component values are fixed here.
}

// validate rejects configs that would wire dead learning slots.
func (c *Config) validate() error {
	for i, s := range c.Seeds {
		if s.SiteTemplate == "" {
			return fmt.Errorf("glane: seeds[%d]: site_template required", i)
		}
		if _, err := fieldType(s.Field); err != nil {
			return fmt.Errorf("glane: seeds[%d]: %w", i, err)
		}
		if len(s.Strategies) == 0 {
			return fmt.Errorf("glane: seeds[%d]: at least one strategy required", i)
		}
		for j, st := range s.Strategies {
			if _, err := st.toStrategy(); err != nil {
				return fmt.Errorf("glane: seeds[%d].strategies[%d]: %w", i, j, err)
			}
		}
	}
	for f := range c.ContentHints {
		if _, err := fieldType(f); err != nil {
			return fmt.Errorf("glane: content_hints: %w", err)
		}
	}
	return nil
}

func fieldType(s string) (strategy.FieldType, error) {
	for _, f := range strategy.AllFields {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown field %q", s)
}

func (s SeedStrategy) toStrategy() (strategy.Strategy, error) {
	out := strategy.Strategy{
		Kind:     strategy.Kind(s.Kind),
		Selector: s.Selector,
		Attr:     s.Attr,
		Pattern:  s.Pattern,
		Role:     s.Role,
		Label:    s.Label,
	}
	switch out.Kind {
	case strategy.KindCSS:
		if out.Selector == "" {
			return out, fmt.Errorf("css strategy needs a selector")
		}
	case strategy.KindAttr:
		if out.Selector == "" || out.Attr == "" {
			return out, fmt.Errorf("attr strategy needs a selector and an attr")
		}
	case strategy.KindPattern:
		if out.Pattern == "" {
			return out, fmt.Errorf("pattern strategy needs a pattern")
		}
	case strategy.KindHeuristic:
		if out.Role == "" && out.Label == "" {
			return out, fmt.Errorf("heuristic strategy needs a role or label")
		}
	default:
		return out, fmt.Errorf("unknown strategy kind %q", s.Kind)
	}
	return out, nil
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
