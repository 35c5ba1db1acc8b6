package strategy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestContextFor(t *testing.T) {
	tests := []struct {
		url      string
		field    FieldType
		wantTmpl string
	}{
		{"https://example.com/items/12345", FieldName, "example.com/items/{id}"},
		{"https://Example.COM/items/12345/", FieldName, "example.com/items/{id}"},
		{"https://shop.example.com/p/a1b2c3d4e5f60718/details", FieldImage, "shop.example.com/p/{id}/details"},
		{"https://example.com/", FieldLink, "example.com"},
		{"https://example.com/about", FieldName, "example.com/about"},
	}
	for _, tt := range tests {
		ctx, err := ContextFor(tt.url, tt.field)
		if err != nil {
			t.Fatalf("ContextFor(%q): %v", tt.url, err)
		}
		if ctx.SiteTemplate != tt.wantTmpl {
			t.Errorf("ContextFor(%q): template %q, want %q", tt.url, ctx.SiteTemplate, tt.wantTmpl)
		}
		if ctx.Field != tt.field {
			t.Errorf("ContextFor(%q): field %q, want %q", tt.url, ctx.Field, tt.field)
		}
	}
}

func TestContextForInvalid(t *testing.T) {
	if _, err := ContextFor("not a url", FieldName); err == nil {
		t.Error("expected error for invalid URL")
	}
	if _, err := ContextFor("/relative/only", FieldName); err == nil {
		t.Error("expected error for URL without host")
	}
}

func TestContextKeyAndDomain(t *testing.T) {
	c := Context{SiteTemplate: "example.com/items/{id}", Field: FieldName}
	if got := c.Key(); got != "example.com/items/{id}#name" {
		t.Errorf("Key: %q", got)
	}
	if got := c.Domain(); got != "example.com" {
		t.Errorf("Domain: %q", got)
	}
	c2 := Context{SiteTemplate: "example.com", Field: FieldLink}
	if got := c2.Domain(); got != "example.com" {
		t.Errorf("Domain without path: %q", got)
	}
}

func TestStrategyRoundTrip(t *testing.T) {
	orig := Strategy{Kind: KindAttr, Selector: "meta[property='og:image']", Attr: "content"}
	data, err := orig.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := ParseStrategy(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != orig {
		t.Errorf("round trip: got %+v, want %+v", got, orig)
	}
}

func TestParseStrategyRejectsMissingKind(t *testing.T) {
	if _, err := ParseStrategy([]byte(`{"selector":"h1"}`)); err == nil {
		t.Error("expected error for missing kind")
	}
}

func TestFingerprintDistinguishesVariants(t *testing.T) {
	a := Strategy{Kind: KindCSS, Selector: "h1"}
	b := Strategy{Kind: KindAttr, Selector: "h1", Attr: "title"}
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("css and attr variants share a fingerprint")
	}
}

func TestSuccessRateBounds(t *testing.T) {
	c := &Candidate{}
	if got := c.SuccessRate(); got != 0 {
		t.Errorf("zero-attempt rate: %v", got)
	}

	// Rate stays in [0,1] as outcomes accrue in any mix.
	for i := 0; i < 50; i++ {
		if i%3 == 0 {
			c.SuccessCount++
		} else {
			c.FailureCount++
		}
		rate := c.SuccessRate()
		if rate < 0 || rate > 1 {
			t.Fatalf("after %d outcomes: rate %v out of bounds", i+1, rate)
		}
	}
}

func TestLastActivity(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Candidate{DiscoveredAt: base}
	if !c.LastActivity().Equal(base) {
		t.Error("untried candidate: want discovery time")
	}
	c.LastFailure = base.Add(time.Hour)
	c.LastSuccess = base.Add(2 * time.Hour)
	if !c.LastActivity().Equal(base.Add(2 * time.Hour)) {
		t.Error("want most recent outcome time")
	}
}

type classedErr struct{ class ErrorClass }

func (e *classedErr) Error() string     { return "classed" }
func (e *classedErr) Class() ErrorClass { return e.class }

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{nil, ClassUnknown},
		{&classedErr{ClassBotDetected}, ClassBotDetected},
		{fmt.Errorf("wrap: %w", &classedErr{ClassNotFound}), ClassNotFound},
		{context.DeadlineExceeded, ClassTimeout},
		{errors.New("navigate: net::ERR_CONNECTION_REFUSED"), ClassNavigation},
		{errors.New("element query timeout exceeded"), ClassTimeout},
		{errors.New("cannot find node"), ClassNotFound},
		{errors.New("something odd"), ClassUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v): got %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !ClassTimeout.Retryable() || !ClassNavigation.Retryable() {
		t.Error("timeout and navigation must be retryable")
	}
	if ClassNotFound.Retryable() || ClassValidation.Retryable() || ClassPersistence.Retryable() {
		t.Error("candidate-level classes must not be retryable")
	}
}
