// Package pagetest provides a scripted in-memory page.Page for tests.
// Selectors resolve against a configured element table, JS evaluation
// against a response map, and any call can be made to fail with an
// injected error.
package pagetest

import (
	"context"
	"sync"
	"time"

	"github.com/hazyhaar/glane/page"
)

// Fake is a scripted page.Page. The zero value is usable: every query
// misses and every evaluation returns "".
type Fake struct {
	mu sync.Mutex

	// CurrentURL is returned by URL and updated by Navigate.
	CurrentURL string

	// Elements maps CSS selectors to the visible elements they resolve to.
	Elements map[string][]page.Element

	// EvalResults maps JS source to the string each evaluation returns.
	// Missing entries evaluate to "".
	EvalResults map[string]string

	// Document is returned by HTML.
	Document string

	// Fail maps operation names ("navigate", "reload", "evaluate",
	// "query", "html", "pointer", "scroll", "wait") to injected errors.
	Fail map[string]error

	// Calls records every operation in order, e.g. "query article h1".
	Calls []string

	// Reloads counts Reload invocations.
	Reloads int
}

// New returns an empty Fake for the given URL.
func New(url string) *Fake {
	return &Fake{
		CurrentURL:  url,
		Elements:    map[string][]page.Element{},
		EvalResults: map[string]string{},
		Fail:        map[string]error{},
	}
}

// SetElements replaces the matches for a selector.
func (f *Fake) SetElements(selector string, els ...page.Element) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Elements[selector] = els
}

func (f *Fake) record(call string) {
	f.Calls = append(f.Calls, call)
}

func (f *Fake) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CurrentURL
}

func (f *Fake) Navigate(ctx context.Context, url string, opts page.NavigateOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("navigate " + url)
	if err := f.Fail["navigate"]; err != nil {
		return err
	}
	f.CurrentURL = url
	return nil
}

func (f *Fake) Reload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("reload")
	f.Reloads++
	return f.Fail["reload"]
}

func (f *Fake) Evaluate(ctx context.Context, js string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("evaluate")
	if err := f.Fail["evaluate"]; err != nil {
		return "", err
	}
	return f.EvalResults[js], nil
}

func (f *Fake) WaitForCondition(ctx context.Context, predicateJS string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("wait")
	return f.Fail["wait"]
}

func (f *Fake) QueryVisibleElements(ctx context.Context, selector string) ([]page.Element, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("query " + selector)
	if err := f.Fail["query"]; err != nil {
		return nil, err
	}
	return f.Elements[selector], nil
}

func (f *Fake) HTML(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("html")
	if err := f.Fail["html"]; err != nil {
		return "", err
	}
	return f.Document, nil
}

func (f *Fake) SimulatePointerMove(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pointer")
	return f.Fail["pointer"]
}

func (f *Fake) Scroll(ctx context.Context, deltaY float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("scroll")
	return f.Fail["scroll"]
}

var _ page.Page = (*Fake)(nil)
