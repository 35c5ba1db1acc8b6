package extract

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/glane/strategy"
)

// strict strips every tag and attribute; extracted text must come out
// as plain prose.
var strict = bluemonday.StrictPolicy()

const (
	maxNameLen        = 300
	maxDescriptionLen = 5000
)

// validateField checks a raw extracted value for plausibility and
// returns its cleaned form. Text fields are sanitized and
// whitespace-collapsed; URL fields must resolve to an absolute http(s)
// URL against the page.
func validateField(field strategy.FieldType, raw, pageURL string) (string, error) {
	switch field {
	case strategy.FieldName:
		return validateText(field, raw, 2, maxNameLen)
	case strategy.FieldDescription:
		return validateText(field, raw, 10, maxDescriptionLen)
	case strategy.FieldImage, strategy.FieldLink:
		return validateURL(field, raw, pageURL)
	}
	return "", &ValidationError{Field: field, Reason: "unknown field"}
}

func validateText(field strategy.FieldType, raw string, minLen, maxLen int) (string, error) {
	clean := strings.Join(strings.Fields(strict.Sanitize(raw)), " ")
	if len(clean) < minLen {
		return "", &ValidationError{Field: field, Reason: "too short after sanitization"}
	}
	if len(clean) > maxLen {
		// Back up to a rune boundary so the cut never leaves a
		// partial multi-byte sequence at the tail.
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(clean[cut]) {
			cut--
		}
		clean = clean[:cut]
	}
	return clean, nil
}

func validateURL(field strategy.FieldType, raw, pageURL string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ValidationError{Field: field, Reason: "empty URL"}
	}

	ref, err := url.Parse(raw)
	if err != nil {
		return "", &ValidationError{Field: field, Reason: "unparseable URL"}
	}
	if !ref.IsAbs() {
		base, err := url.Parse(pageURL)
		if err != nil {
			return "", &ValidationError{Field: field, Reason: "relative URL with no usable base"}
		}
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", &ValidationError{Field: field, Reason: "scheme " + ref.Scheme + " not allowed"}
	}
	if ref.Host == "" {
		return "", &ValidationError{Field: field, Reason: "URL has no host"}
	}
	return ref.String(), nil
}
