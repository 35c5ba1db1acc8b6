// Package page defines the browser collaborator the extraction engine
// drives. The engine never touches Rod directly: every interaction goes
// through the Page interface so tests can script a fake and callers can
// bring their own automation layer. A Rod + stealth implementation is
// provided in this package.
package page

import (
	"context"
	"time"
)

// Element is a flattened view of one visible DOM element, enough for the
// extractor to read values and for discovery to synthesize selectors.
type Element struct {
	Tag     string
	Text    string
	Attrs   map[string]string
	Visible bool
}

// Attr returns the named attribute or "".
func (e Element) Attr(name string) string {
	if e.Attrs == nil {
		return ""
	}
	return e.Attrs[name]
}

// NavigateOptions controls navigation behaviour.
type NavigateOptions struct {
	// WaitLoad waits for the load event before returning.
	WaitLoad bool
	// Timeout bounds the whole navigation. Zero means the
	// implementation default.
	Timeout time.Duration
}

// Page is the browser collaborator. Every call carries a context; the
// implementation must bound each call with a timeout and return a
// TimeoutError (not a bare context error) when it fires.
type Page interface {
	// URL returns the page's current URL.
	URL() string

	// Navigate loads the given URL.
	Navigate(ctx context.Context, url string, opts NavigateOptions) error

	// Reload re-navigates to the current URL.
	Reload(ctx context.Context) error

	// Evaluate runs a JS arrow function (e.g. "() => document.title")
	// and returns its result as a string.
	Evaluate(ctx context.Context, js string) (string, error)

	// WaitForCondition polls a JS predicate until it returns true or
	// the timeout fires.
	WaitForCondition(ctx context.Context, predicateJS string, timeout time.Duration) error

	// QueryVisibleElements returns the visible, non-empty matches of a
	// CSS selector. An empty slice with nil error means no match.
	QueryVisibleElements(ctx context.Context, selector string) ([]Element, error)

	// HTML returns the serialized DOM.
	HTML(ctx context.Context) (string, error)

	// SimulatePointerMove performs randomized human-like pointer
	// movement across the viewport.
	SimulatePointerMove(ctx context.Context) error

	// Scroll scrolls the page vertically by deltaY pixels.
	Scroll(ctx context.Context, deltaY float64) error
}
