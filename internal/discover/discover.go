// Package discover synthesizes fresh extraction strategies from a live
// page. It snapshots the DOM, enumerates plausible anchor points for a
// field, scores the synthesized selectors against a fixed rubric, and
// live-validates the best of them before they enter the registry.
package discover

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/glane/internal/exec"
	"github.com/hazyhaar/glane/page"
	"github.com/hazyhaar/glane/strategy"
)

// Config tunes the discovery pass.
type Config struct {
	// MaxVariants caps how many synthesized selectors are considered
	// before validation.
	MaxVariants int
	// TopK caps how many validated strategies are returned.
	TopK int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxVariants <= 0 {
		c.MaxVariants = 40
	}
	if c.TopK <= 0 {
		c.TopK = 6
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine runs selector discovery.
type Engine struct {
	cfg Config
}

// New creates a discovery engine.
func New(cfg Config) *Engine {
	cfg.defaults()
	return &Engine{cfg: cfg}
}

// Discover returns live-validated strategies for a field, best-scored
// first. contentHint, when non-empty, grants a relevance bonus to
// elements whose text contains it. An empty result with nil error means
// the page offered nothing plausible. The same DOM always yields the
// same candidate order.
func (e *Engine) Discover(ctx context.Context, p page.Page, field strategy.FieldType, contentHint string) ([]strategy.Strategy, error) {
	src, err := p.HTML(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, &page.NavigationError{URL: p.URL(), Cause: err}
	}

	variants := synthesize(doc, field, contentHint)
	if len(variants) > e.cfg.MaxVariants {
		variants = variants[:e.cfg.MaxVariants]
	}

	var validated []strategy.Strategy
	for _, v := range variants {
		if len(validated) >= e.cfg.TopK {
			break
		}
		if err := ctx.Err(); err != nil {
			return validated, err
		}
		value, runErr := exec.Run(ctx, p, v.strategy)
		if runErr != nil || strings.TrimSpace(value) == "" {
			continue
		}
		validated = append(validated, v.strategy)
	}

	e.cfg.Logger.Debug("discover: pass complete",
		"field", string(field), "synthesized", len(variants), "validated", len(validated))
	return validated, nil
}

// variant is a synthesized strategy with its rubric score.
type variant struct {
	strategy strategy.Strategy
	score    int
}

// synthesize walks the parsed DOM and emits scored selector variants
// for the field, deduplicated and sorted best-first. Ordering is
// deterministic: ties break on the strategy fingerprint.
func synthesize(doc *html.Node, field strategy.FieldType, contentHint string) []variant {
	prof := profiles[field]
	byFP := map[string]variant{}
	hint := strings.ToLower(strings.TrimSpace(contentHint))

	walk(doc, func(n *html.Node) {
		bonus := 0
		if hint != "" && strings.Contains(strings.ToLower(nodeText(n)), hint) {
			bonus = hintBonus
		}
		emitNodeVariants(n, prof, func(s strategy.Strategy, score int) {
			score += bonus
			fp := s.Fingerprint()
			if prev, ok := byFP[fp]; !ok || score > prev.score {
				byFP[fp] = variant{strategy: s, score: score}
			}
		})
	})

	out := make([]variant, 0, len(byFP))
	for _, v := range byFP {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].strategy.Fingerprint() < out[j].strategy.Fingerprint()
	})
	return out
}

// walk visits element nodes depth-first, skipping subtrees that never
// hold extractable content.
func walk(n *html.Node, visit func(*html.Node)) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "noscript", "template", "svg", "iframe":
			return
		}
		if attrVal(n, "hidden") != "" || attrVal(n, "aria-hidden") == "true" {
			return
		}
		visit(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

func attrVal(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// nodeText collects trimmed descendant text, capped so huge containers
// do not dominate.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if b.Len() > 256 {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return strings.TrimSpace(b.String())
}
