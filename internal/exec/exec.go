// Package exec runs a single strategy against a live page and returns
// the raw extracted value. The extractor and the discovery validator
// share it so a strategy behaves identically at validation time and at
// extraction time.
package exec

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/hazyhaar/glane/page"
	"github.com/hazyhaar/glane/strategy"
)

// Run executes one strategy and returns its raw value. A strategy that
// matches nothing returns *page.ElementNotFoundError; the caller
// decides whether that is a soft miss or a failure.
func Run(ctx context.Context, p page.Page, s strategy.Strategy) (string, error) {
	switch s.Kind {
	case strategy.KindCSS:
		return runCSS(ctx, p, s.Selector)
	case strategy.KindAttr:
		return runAttr(ctx, p, s.Selector, s.Attr)
	case strategy.KindPattern:
		return runPattern(ctx, p, s.Pattern)
	case strategy.KindHeuristic:
		return runHeuristic(ctx, p, s)
	default:
		return "", fmt.Errorf("exec: unknown strategy kind %q", s.Kind)
	}
}

func runCSS(ctx context.Context, p page.Page, selector string) (string, error) {
	els, err := p.QueryVisibleElements(ctx, selector)
	if err != nil {
		return "", err
	}
	for _, el := range els {
		if t := strings.TrimSpace(el.Text); t != "" {
			return t, nil
		}
	}
	return "", &page.ElementNotFoundError{Selector: selector}
}

// headSelector reports whether a selector targets document metadata
// that never renders. Those elements have no layout box, so they are
// read through the DOM directly instead of the visible-element query.
func headSelector(selector string) bool {
	trimmed := strings.TrimSpace(selector)
	return strings.HasPrefix(trimmed, "meta") || strings.HasPrefix(trimmed, "link[") ||
		strings.HasPrefix(trimmed, "head ")
}

func runAttr(ctx context.Context, p page.Page, selector, attr string) (string, error) {
	if headSelector(selector) {
		js := fmt.Sprintf(
			`() => { const el = document.querySelector(%q); return el ? (el.getAttribute(%q) || "") : ""; }`,
			selector, attr)
		v, err := p.Evaluate(ctx, js)
		if err != nil {
			return "", err
		}
		if v = strings.TrimSpace(v); v != "" {
			return v, nil
		}
		return "", &page.ElementNotFoundError{Selector: selector}
	}

	els, err := p.QueryVisibleElements(ctx, selector)
	if err != nil {
		return "", err
	}
	for _, el := range els {
		if v := strings.TrimSpace(el.Attr(attr)); v != "" {
			return v, nil
		}
	}
	return "", &page.ElementNotFoundError{Selector: selector}
}

var (
	patternMu    sync.Mutex
	patternCache = map[string]*regexp.Regexp{}
)

func compilePattern(pattern string) (*regexp.Regexp, error) {
	patternMu.Lock()
	defer patternMu.Unlock()
	if re, ok := patternCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("exec: bad pattern %q: %w", pattern, err)
	}
	patternCache[pattern] = re
	return re, nil
}

func runPattern(ctx context.Context, p page.Page, pattern string) (string, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return "", err
	}
	body, err := p.Evaluate(ctx, `() => document.body ? document.body.innerText : ""`)
	if err != nil {
		return "", err
	}
	m := re.FindStringSubmatch(body)
	if m == nil {
		return "", &page.ElementNotFoundError{Selector: "pattern:" + pattern}
	}
	if len(m) > 1 {
		return strings.TrimSpace(m[1]), nil
	}
	return strings.TrimSpace(m[0]), nil
}

func runHeuristic(ctx context.Context, p page.Page, s strategy.Strategy) (string, error) {
	var selector string
	switch {
	case s.Role != "":
		selector = fmt.Sprintf(`[role=%q]`, s.Role)
	case s.Label != "":
		selector = fmt.Sprintf(`[aria-label=%q]`, s.Label)
	default:
		return "", fmt.Errorf("exec: heuristic strategy needs a role or label")
	}

	els, err := p.QueryVisibleElements(ctx, selector)
	if err != nil {
		return "", err
	}
	for _, el := range els {
		if t := strings.TrimSpace(el.Text); t != "" {
			return t, nil
		}
		if v := strings.TrimSpace(el.Attr("aria-label")); v != "" && s.Label != "" {
			return v, nil
		}
	}
	return "", &page.ElementNotFoundError{Selector: selector}
}
