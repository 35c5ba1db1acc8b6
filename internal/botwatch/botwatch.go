// Package botwatch detects bot-countermeasure pages (login walls,
// challenge interstitials, silently emptied content) and runs the
// remediation ladder before an extraction session gives up on a page.
//
// Each detection records exactly one block event, whatever the
// remediation outcome; the event density feeds the extractor's backoff.
package botwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/glane/idgen"
	"github.com/hazyhaar/glane/page"
	"github.com/hazyhaar/glane/strategy"
)

// Status summarizes a page assessment.
type Status string

const (
	// StatusOK means the page looks like real content.
	StatusOK Status = "ok"
	// StatusSuspect means the expected content is missing without a
	// positive countermeasure signal.
	StatusSuspect Status = "suspect"
	// StatusBlocked means a countermeasure is positively identified.
	StatusBlocked Status = "blocked"
)

// Assessment is one verdict over a live page.
type Assessment struct {
	Status Status
	// Signature identifies the dominant indicator, e.g.
	// "challenge:.g-recaptcha" or "login_wall".
	Signature string
	// Indicators lists every signal that fired.
	Indicators []string
}

// BlockedError is the terminal failure after remediation did not
// recover the page.
type BlockedError struct {
	Domain    string
	Signature string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("botwatch: %s blocked (%s)", e.Domain, e.Signature)
}

func (e *BlockedError) Class() strategy.ErrorClass { return strategy.ClassBotDetected }

// Recorder persists block events. The learning store implements it.
type Recorder interface {
	InsertBlockEvent(ctx context.Context, id string, ev strategy.BlockEvent) error
}

// Config tunes detection vocabulary and remediation pacing.
type Config struct {
	// LoginVocab are lowercase phrases whose presence in the page text
	// marks a login wall.
	LoginVocab []string
	// ChallengeMarkers are CSS selectors of known challenge widgets.
	ChallengeMarkers []string
	// EntityMarkers are selectors at least one of which exists on any
	// real content page. All of them missing makes the page suspect.
	EntityMarkers []string
	// OverlayVocab are lowercase button texts worth clicking to
	// dismiss consent and promo overlays.
	OverlayVocab []string
	// SettleWait is the pause between remediation and re-assessment.
	SettleWait time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if len(c.LoginVocab) == 0 {
		c.LoginVocab = []string{
			"sign in to continue", "log in to continue", "log in to view",
			"create an account to", "verify you are human", "are you a robot",
			"access denied", "unusual traffic", "too many requests",
		}
	}
	if len(c.ChallengeMarkers) == 0 {
		c.ChallengeMarkers = []string{
			"#challenge-form", ".g-recaptcha", ".h-captcha",
			"#captcha", "#cf-challenge-running", "#px-captcha",
		}
	}
	if len(c.EntityMarkers) == 0 {
		c.EntityMarkers = []string{"h1", "main", "article"}
	}
	if len(c.OverlayVocab) == 0 {
		c.OverlayVocab = []string{"accept", "agree", "continue", "close", "dismiss", "got it"}
	}
	if c.SettleWait <= 0 {
		c.SettleWait = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Monitor assesses pages and drives remediation.
type Monitor struct {
	rec   Recorder
	cfg   Config
	newID idgen.Generator
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a Monitor. rec may be nil; detections are then only
// logged, not recorded.
func New(rec Recorder, cfg Config) *Monitor {
	cfg.defaults()
	return &Monitor{
		rec:   rec,
		cfg:   cfg,
		newID: idgen.Prefixed("blk_", idgen.Default),
		sleep: sleepCtx,
		now:   time.Now,
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

const pageTextJS = `() => (document.title || "") + "\n" + (document.body ? document.body.innerText : "")`

// Assess inspects the live page and returns a verdict. It never
// records anything; Guard owns event bookkeeping.
func (m *Monitor) Assess(ctx context.Context, p page.Page) (Assessment, error) {
	var indicators []string
	signature := ""

	for _, sel := range m.cfg.ChallengeMarkers {
		els, err := p.QueryVisibleElements(ctx, sel)
		if err != nil {
			return Assessment{}, err
		}
		if len(els) > 0 {
			indicators = append(indicators, "challenge:"+sel)
			if signature == "" {
				signature = "challenge:" + sel
			}
		}
	}

	text, err := p.Evaluate(ctx, pageTextJS)
	if err != nil {
		return Assessment{}, err
	}
	lower := strings.ToLower(text)
	for _, phrase := range m.cfg.LoginVocab {
		if strings.Contains(lower, phrase) {
			indicators = append(indicators, "login_wall:"+phrase)
			if signature == "" {
				signature = "login_wall"
			}
			break
		}
	}

	if signature != "" {
		return Assessment{Status: StatusBlocked, Signature: signature, Indicators: indicators}, nil
	}

	var anyMarker bool
	for _, sel := range m.cfg.EntityMarkers {
		els, err := p.QueryVisibleElements(ctx, sel)
		if err != nil {
			return Assessment{}, err
		}
		if len(els) > 0 {
			anyMarker = true
			break
		}
	}
	if !anyMarker {
		return Assessment{
			Status:     StatusSuspect,
			Signature:  "content_missing",
			Indicators: append(indicators, "content_missing"),
		}, nil
	}

	return Assessment{Status: StatusOK}, nil
}

// Guard assesses the page and, when it is not OK, records one block
// event and runs the remediation ladder. It returns the final
// assessment; a still-blocked page also returns *BlockedError.
func (m *Monitor) Guard(ctx context.Context, p page.Page, domain string) (Assessment, error) {
	a, err := m.Assess(ctx, p)
	if err != nil {
		return a, err
	}
	if a.Status == StatusOK {
		return a, nil
	}

	m.cfg.Logger.Warn("botwatch: countermeasure detected",
		"domain", domain, "status", string(a.Status), "signature", a.Signature)
	m.recordEvent(ctx, domain, a.Signature)

	if err := m.remediate(ctx, p); err != nil {
		// Cancellation is the only error remediation surfaces.
		return a, err
	}

	after, err := m.Assess(ctx, p)
	if err != nil {
		return after, err
	}
	if after.Status == StatusOK {
		m.cfg.Logger.Info("botwatch: remediation recovered page", "domain", domain, "was", a.Signature)
		return after, nil
	}
	return after, &BlockedError{Domain: domain, Signature: after.Signature}
}

// recordEvent writes exactly one block event for a detection. A
// persistence failure only logs: detection handling never depends on
// the store being healthy.
func (m *Monitor) recordEvent(ctx context.Context, domain, signature string) {
	if m.rec == nil {
		return
	}
	ev := strategy.BlockEvent{Domain: domain, Signature: signature, At: m.now()}
	if err := m.rec.InsertBlockEvent(ctx, m.newID(), ev); err != nil {
		m.cfg.Logger.Warn("botwatch: block event not recorded", "domain", domain, "error", err)
	}
}

// trackingParams are query keys stripped by URL normalization.
var trackingParams = []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "gclid", "fbclid", "ref"}

// normalizeURL strips tracking parameters and the fragment. Returns ""
// if nothing changed.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	q := u.Query()
	changed := u.Fragment != ""
	for _, k := range trackingParams {
		if q.Has(k) {
			q.Del(k)
			changed = true
		}
	}
	if !changed {
		return ""
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String()
}

// dismissOverlaysJS clicks buttons and links whose text matches the
// overlay vocabulary, returning the click count.
const dismissOverlaysJS = `(vocab) => {
	const words = vocab.split("|");
	let clicked = 0;
	for (const el of document.querySelectorAll("button, a, [role='button']")) {
		const t = (el.innerText || "").trim().toLowerCase();
		if (t && t.length < 40 && words.some(w => t.includes(w))) {
			el.click();
			clicked++;
			if (clicked >= 3) break;
		}
	}
	return String(clicked);
}`

// remediate runs the ladder: normalize the URL, dismiss overlays, act
// human, reload. Every step is fault-tolerant; only cancellation
// aborts.
func (m *Monitor) remediate(ctx context.Context, p page.Page) error {
	steps := []func() error{
		func() error {
			clean := normalizeURL(p.URL())
			if clean == "" {
				return nil
			}
			return p.Navigate(ctx, clean, page.NavigateOptions{WaitLoad: true})
		},
		func() error {
			js := fmt.Sprintf(`() => (%s)(%q)`, dismissOverlaysJS, strings.Join(m.cfg.OverlayVocab, "|"))
			_, err := p.Evaluate(ctx, js)
			return err
		},
		func() error { return p.SimulatePointerMove(ctx) },
		func() error { return p.Scroll(ctx, 400) },
		func() error { return p.Reload(ctx) },
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step(); err != nil {
			m.cfg.Logger.Debug("botwatch: remediation step failed", "error", err)
		}
	}
	return m.sleep(ctx, m.cfg.SettleWait)
}
