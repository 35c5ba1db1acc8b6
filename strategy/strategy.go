// Package strategy defines the shared vocabulary of the extraction engine:
// contexts (the learning slot a strategy competes in), strategies (one
// concrete way of pulling a field out of a page), candidates (a strategy
// plus its outcome history), and the error taxonomy used to tag failures.
package strategy

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// FieldType identifies one extractable entity field.
type FieldType string

const (
	FieldName        FieldType = "name"
	FieldDescription FieldType = "description"
	FieldImage       FieldType = "image"
	FieldLink        FieldType = "link"
)

// AllFields lists the entity fields in extraction order.
var AllFields = []FieldType{FieldName, FieldDescription, FieldImage, FieldLink}

// Context is the learning slot: strategy performance is tracked per
// (site template, field type) pair. SiteTemplate is the normalized
// hostname plus path template, e.g. "example.com/items/{id}".
type Context struct {
	SiteTemplate string
	Field        FieldType
}

// Key returns the persistence key for this context.
func (c Context) Key() string {
	return c.SiteTemplate + "#" + string(c.Field)
}

// Domain returns the hostname part of the site template.
func (c Context) Domain() string {
	if i := strings.IndexByte(c.SiteTemplate, '/'); i >= 0 {
		return c.SiteTemplate[:i]
	}
	return c.SiteTemplate
}

// numericSegment matches path segments that are identifiers rather than
// structure: digits, UUIDs, long hex tokens.
var numericSegment = regexp.MustCompile(`^(\d+|[0-9a-f]{8}-[0-9a-f-]{27,}|[0-9a-f]{16,})$`)

// ContextFor normalizes a page URL into a Context for the given field.
// Identifier-like path segments collapse to "{id}" so that all instances
// of one page template share a learning slot.
func ContextFor(pageURL string, field FieldType) (Context, error) {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return Context{}, fmt.Errorf("strategy: invalid page URL %q", pageURL)
	}

	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, s := range segs {
		if numericSegment.MatchString(strings.ToLower(s)) {
			segs[i] = "{id}"
		}
	}

	tmpl := strings.ToLower(u.Host)
	if p := strings.Join(segs, "/"); p != "" {
		tmpl += "/" + p
	}
	return Context{SiteTemplate: tmpl, Field: field}, nil
}

// Kind discriminates the strategy variants.
type Kind string

const (
	// KindCSS reads the text content of the first visible match of a
	// CSS selector.
	KindCSS Kind = "css"
	// KindAttr reads a named attribute from the first visible match of
	// a CSS selector.
	KindAttr Kind = "attr"
	// KindPattern applies a regular expression to the visible page text
	// and yields the first capture group.
	KindPattern Kind = "pattern"
	// KindHeuristic matches elements by ARIA role or label vocabulary
	// rather than document structure.
	KindHeuristic Kind = "heuristic"
)

// Strategy is one concrete extraction approach. Exactly the fields
// relevant to its Kind are set; the rest stay zero.
type Strategy struct {
	Kind     Kind   `json:"kind"`
	Selector string `json:"selector,omitempty"` // css, attr
	Attr     string `json:"attr,omitempty"`     // attr
	Pattern  string `json:"pattern,omitempty"`  // pattern
	Role     string `json:"role,omitempty"`     // heuristic
	Label    string `json:"label,omitempty"`    // heuristic
}

// Fingerprint returns a stable identity string for deduplication. Two
// strategies with the same fingerprint are the same candidate.
func (s Strategy) Fingerprint() string {
	return string(s.Kind) + "|" + s.Selector + "|" + s.Attr + "|" + s.Pattern + "|" + s.Role + "|" + s.Label
}

func (s Strategy) String() string {
	switch s.Kind {
	case KindCSS:
		return "css:" + s.Selector
	case KindAttr:
		return "attr:" + s.Selector + "@" + s.Attr
	case KindPattern:
		return "pattern:" + s.Pattern
	case KindHeuristic:
		if s.Role != "" {
			return "role:" + s.Role
		}
		return "label:" + s.Label
	}
	return "unknown"
}

// MarshalText lets strategies serialise into store columns and traces.
func (s Strategy) MarshalText() ([]byte, error) {
	return json.Marshal(s)
}

// ParseStrategy decodes a strategy from its JSON form.
func ParseStrategy(data []byte) (Strategy, error) {
	var s Strategy
	if err := json.Unmarshal(data, &s); err != nil {
		return Strategy{}, fmt.Errorf("strategy: decode: %w", err)
	}
	if s.Kind == "" {
		return Strategy{}, fmt.Errorf("strategy: missing kind")
	}
	return s, nil
}
