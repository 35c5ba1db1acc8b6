package page

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// RodConfig configures the Rod-backed Page.
type RodConfig struct {
	// Stealth creates the tab through the stealth bundle, suppressing
	// automation markers (navigator.webdriver and friends).
	Stealth bool

	// CallTimeout bounds every individual page interaction that the
	// caller didn't bound tighter. Default: 15s.
	CallTimeout time.Duration

	// NavigateTimeout bounds navigation. Default: 30s.
	NavigateTimeout time.Duration

	Logger *slog.Logger
}

func (c *RodConfig) defaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RodPage drives one browser tab through Rod. It implements Page.
type RodPage struct {
	page *rod.Page
	cfg  RodConfig
	url  string
}

// NewRodPage opens a tab on the given browser.
func NewRodPage(browser *rod.Browser, cfg RodConfig) (*RodPage, error) {
	cfg.defaults()

	var p *rod.Page
	var err error
	if cfg.Stealth {
		p, err = stealth.Page(browser)
	} else {
		p, err = browser.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("page: create tab: %w", err)
	}
	return &RodPage{page: p, cfg: cfg}, nil
}

// Close closes the underlying tab.
func (r *RodPage) Close() error {
	if r.page != nil {
		return r.page.Close()
	}
	return nil
}

// URL returns the last navigated URL.
func (r *RodPage) URL() string { return r.url }

// Navigate loads the URL, waiting for the load event when requested.
func (r *RodPage) Navigate(ctx context.Context, pageURL string, opts NavigateOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.cfg.NavigateTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.page.Context(callCtx).Navigate(pageURL); err != nil {
		if timedOut(callCtx, err) {
			return &TimeoutError{Op: "navigate", Timeout: timeout}
		}
		return &NavigationError{URL: pageURL, Cause: err}
	}
	if opts.WaitLoad {
		if err := r.page.Context(callCtx).WaitLoad(); err != nil {
			if timedOut(callCtx, err) {
				return &TimeoutError{Op: "wait load", Timeout: timeout}
			}
			r.cfg.Logger.Warn("page: wait load failed", "url", pageURL, "error", err)
		}
	}
	r.url = pageURL
	return nil
}

// Reload re-navigates to the current URL.
func (r *RodPage) Reload(ctx context.Context) error {
	if r.url == "" {
		return &NavigationError{URL: "", Cause: errors.New("no prior navigation")}
	}
	return r.Navigate(ctx, r.url, NavigateOptions{WaitLoad: true})
}

// Evaluate runs a JS arrow function and returns its result as a string.
func (r *RodPage) Evaluate(ctx context.Context, js string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	res, err := r.page.Context(callCtx).Eval(js)
	if err != nil {
		if timedOut(callCtx, err) {
			return "", &TimeoutError{Op: "evaluate", Timeout: r.cfg.CallTimeout}
		}
		return "", fmt.Errorf("page: evaluate: %w", err)
	}
	return res.Value.Str(), nil
}

// WaitForCondition polls the predicate every 250ms until it returns
// true or the timeout fires.
func (r *RodPage) WaitForCondition(ctx context.Context, predicateJS string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = r.cfg.CallTimeout
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		got, err := r.Evaluate(ctx, predicateJS)
		if err == nil && got == "true" {
			return nil
		}
		if time.Now().After(deadline) {
			return &TimeoutError{Op: "wait for condition", Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return &TimeoutError{Op: "wait for condition", Timeout: timeout}
		case <-ticker.C:
		}
	}
}

// visibleElementsJS flattens the visible matches of a selector into JSON
// the Go side can decode. Visibility means a non-empty client rect and
// no display:none/visibility:hidden up the chain (offsetParent check).
const visibleElementsJS = `(sel) => {
	const out = [];
	let els;
	try { els = document.querySelectorAll(sel); } catch (e) { return JSON.stringify(out); }
	for (const el of els) {
		const rect = el.getBoundingClientRect();
		const visible = rect.width > 0 && rect.height > 0 &&
			(el.offsetParent !== null || el.tagName === 'BODY');
		if (!visible) continue;
		const attrs = {};
		for (const a of el.attributes) attrs[a.name] = a.value;
		out.push({
			tag: el.tagName.toLowerCase(),
			text: (el.textContent || '').trim().slice(0, 2048),
			attrs: attrs,
			visible: true
		});
		if (out.length >= 50) break;
	}
	return JSON.stringify(out);
}`

// QueryVisibleElements returns visible matches of the selector.
func (r *RodPage) QueryVisibleElements(ctx context.Context, selector string) ([]Element, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	res, err := r.page.Context(callCtx).Eval(visibleElementsJS, selector)
	if err != nil {
		if timedOut(callCtx, err) {
			return nil, &TimeoutError{Op: "query elements", Timeout: r.cfg.CallTimeout}
		}
		return nil, fmt.Errorf("page: query %q: %w", selector, err)
	}

	var raw []struct {
		Tag     string            `json:"tag"`
		Text    string            `json:"text"`
		Attrs   map[string]string `json:"attrs"`
		Visible bool              `json:"visible"`
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), &raw); err != nil {
		return nil, fmt.Errorf("page: decode elements: %w", err)
	}

	els := make([]Element, 0, len(raw))
	for _, e := range raw {
		els = append(els, Element{Tag: e.Tag, Text: e.Text, Attrs: e.Attrs, Visible: e.Visible})
	}
	return els, nil
}

// HTML serializes the full DOM.
func (r *RodPage) HTML(ctx context.Context) (string, error) {
	return r.Evaluate(ctx, `() => document.documentElement.outerHTML`)
}

// SimulatePointerMove walks the pointer through a few random viewport
// points with linear interpolation, the way a distracted human would.
func (r *RodPage) SimulatePointerMove(ctx context.Context) error {
	size, err := r.Evaluate(ctx, `() => JSON.stringify({w: window.innerWidth, h: window.innerHeight})`)
	w, h := 1280.0, 800.0
	if err == nil {
		var dims struct {
			W float64 `json:"w"`
			H float64 `json:"h"`
		}
		if json.Unmarshal([]byte(size), &dims) == nil && dims.W > 0 && dims.H > 0 {
			w, h = dims.W, dims.H
		}
	}

	moves := 2 + rand.Intn(3)
	for i := 0; i < moves; i++ {
		if ctx.Err() != nil {
			return &TimeoutError{Op: "pointer move", Timeout: r.cfg.CallTimeout}
		}
		target := proto.Point{
			X: 40 + rand.Float64()*(w-80),
			Y: 40 + rand.Float64()*(h-80),
		}
		if err := r.page.Mouse.MoveLinear(target, 8+rand.Intn(12)); err != nil {
			return fmt.Errorf("page: pointer move: %w", err)
		}
		if err := sleepCtx(ctx, time.Duration(50+rand.Intn(150))*time.Millisecond); err != nil {
			return &TimeoutError{Op: "pointer move", Timeout: r.cfg.CallTimeout}
		}
	}
	return nil
}

// sleepCtx pauses for d unless the context ends first.
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

// Scroll scrolls the page vertically.
func (r *RodPage) Scroll(ctx context.Context, deltaY float64) error {
	if ctx.Err() != nil {
		return &TimeoutError{Op: "scroll", Timeout: r.cfg.CallTimeout}
	}
	if err := r.page.Mouse.Scroll(0, deltaY, 5); err != nil {
		return fmt.Errorf("page: scroll: %w", err)
	}
	return nil
}

// timedOut reports whether err is best explained by the call context's
// deadline rather than a page-level fault.
func timedOut(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

var _ Page = (*RodPage)(nil)
