package discover

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/glane/strategy"
)

// Rubric scores for each anchor class. Stable author-chosen hooks beat
// accessibility structure, which beats styling classes, which beat bare
// tags. A vocabulary match adds hintBonus on top.
const (
	scoreStableID   = 100
	scoreDataAttr   = 95
	scoreMetadata   = 90
	scoreItemprop   = 88
	scoreRole       = 80
	scoreAriaLabel  = 72
	scoreClassToken = 60
	scoreBareTag    = 34
	hintBonus       = 25
)

// profile holds the vocabulary and structural expectations of one
// entity field.
type profile struct {
	// tags are element names that plausibly carry the field directly.
	tags map[string]bool
	// vocab are substrings matched against ids, class tokens, itemprop
	// values and data attributes.
	vocab []string
	// attr, when set, means the value lives in an attribute rather
	// than in text content.
	attr string
	// meta lists head metadata selectors that often carry the field.
	meta []metaSource
	// roles are ARIA roles worth a heuristic variant.
	roles []string
}

type metaSource struct {
	selector string
	attr     string
}

var profiles = map[strategy.FieldType]profile{
	strategy.FieldName: {
		tags:  map[string]bool{"h1": true, "h2": true},
		vocab: []string{"title", "name", "heading", "product"},
		meta: []metaSource{
			{selector: `meta[property="og:title"]`, attr: "content"},
		},
		roles: []string{"heading"},
	},
	strategy.FieldDescription: {
		tags:  map[string]bool{"p": true, "article": true, "section": true},
		vocab: []string{"desc", "description", "summary", "about", "detail", "overview"},
		meta: []metaSource{
			{selector: `meta[name="description"]`, attr: "content"},
			{selector: `meta[property="og:description"]`, attr: "content"},
		},
	},
	strategy.FieldImage: {
		tags:  map[string]bool{"img": true},
		vocab: []string{"image", "img", "photo", "picture", "hero", "thumb", "cover"},
		attr:  "src",
		meta: []metaSource{
			{selector: `meta[property="og:image"]`, attr: "content"},
		},
	},
	strategy.FieldLink: {
		tags:  map[string]bool{"a": true},
		vocab: []string{"link", "url", "permalink", "more", "detail"},
		attr:  "href",
		meta: []metaSource{
			{selector: `link[rel="canonical"]`, attr: "href"},
		},
	},
}

// genericClasses are styling tokens that match everything and identify
// nothing.
var genericClasses = map[string]bool{
	"container": true, "wrapper": true, "row": true, "col": true,
	"inner": true, "outer": true, "content": true, "main": true,
	"flex": true, "grid": true, "block": true, "item": true,
	"active": true, "visible": true, "left": true, "right": true,
}

// volatileID matches ids that look generated rather than authored:
// long digit runs or hash-like tails survive no redeploy.
var volatileID = regexp.MustCompile(`\d{4,}|[0-9a-f]{8,}$`)

var stableDataAttrs = []string{"data-testid", "data-test", "data-qa", "data-cy"}

// emitNodeVariants synthesizes every plausible strategy anchored at one
// element node.
func emitNodeVariants(n *html.Node, prof profile, add func(strategy.Strategy, int)) {
	tag := n.Data

	// Head metadata variants are structural, not anchored at a content
	// node; emit them once per document.
	if tag == "head" {
		for _, m := range prof.meta {
			add(strategy.Strategy{Kind: strategy.KindAttr, Selector: m.selector, Attr: m.attr}, scoreMetadata)
		}
		return
	}

	matchesVocab := func(v string) bool {
		lv := strings.ToLower(v)
		for _, w := range prof.vocab {
			if strings.Contains(lv, w) {
				return true
			}
		}
		return false
	}
	hinted := func(base int, v string) int {
		if matchesVocab(v) {
			return base + hintBonus
		}
		return base
	}

	// The node has to plausibly hold the field at all: either the
	// right tag, or any vocabulary hit on its identity attributes.
	relevant := prof.tags[tag]
	for _, a := range n.Attr {
		switch a.Key {
		case "id", "class", "itemprop", "role", "aria-label":
			if matchesVocab(a.Val) {
				relevant = true
			}
		default:
			if strings.HasPrefix(a.Key, "data-") && matchesVocab(a.Val) {
				relevant = true
			}
		}
	}
	if !relevant {
		return
	}

	// For attribute-carried fields, skip nodes that cannot yield a
	// value; for text fields, skip empty nodes.
	if prof.attr != "" {
		if attrVal(n, prof.attr) == "" && tag != "meta" && tag != "link" {
			return
		}
	} else if nodeText(n) == "" {
		return
	}

	emit := func(selector string, score int) {
		if prof.attr != "" {
			add(strategy.Strategy{Kind: strategy.KindAttr, Selector: selector, Attr: prof.attr}, score)
			return
		}
		add(strategy.Strategy{Kind: strategy.KindCSS, Selector: selector}, score)
	}

	if id := attrVal(n, "id"); id != "" && !volatileID.MatchString(strings.ToLower(id)) {
		emit("#"+id, hinted(scoreStableID, id))
	}
	for _, key := range stableDataAttrs {
		if v := attrVal(n, key); v != "" {
			emit(fmt.Sprintf(`[%s=%q]`, key, v), hinted(scoreDataAttr, v))
		}
	}
	if v := attrVal(n, "itemprop"); v != "" {
		emit(fmt.Sprintf(`[itemprop=%q]`, v), hinted(scoreItemprop, v))
	}
	if role := attrVal(n, "role"); role != "" && prof.attr == "" {
		for _, want := range prof.roles {
			if role == want {
				add(strategy.Strategy{Kind: strategy.KindHeuristic, Role: role}, scoreRole)
			}
		}
	}
	if label := attrVal(n, "aria-label"); label != "" && prof.attr == "" {
		add(strategy.Strategy{Kind: strategy.KindHeuristic, Label: label}, hinted(scoreAriaLabel, label))
	}
	for _, cls := range strings.Fields(attrVal(n, "class")) {
		lc := strings.ToLower(cls)
		if genericClasses[lc] || len(cls) < 3 {
			continue
		}
		emit(tag+"."+cls, hinted(scoreClassToken, cls))
	}
	if prof.tags[tag] && tag != "p" && tag != "a" && tag != "section" {
		// Bare-tag selectors only for tags specific enough to gamble
		// on (h1, img): a bare p or a matches half the page.
		emit(tag, scoreBareTag)
	}
}
