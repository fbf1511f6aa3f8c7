package locator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// attributes worth proposing selectors from, in rough order of stability.
var suggestAttrs = []string{"data-testid", "data-test-id", "data-test", "data-qa", "id", "name", "aria-label"}

var cssSafeID = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// SuggestFromDOM scans a page snapshot for elements whose identifying
// attributes share vocabulary with the failed selectors and proposes concrete
// replacement selectors, best first. It is a diagnostic for humans repairing
// a suite; nothing in resolution consumes its output.
func SuggestFromDOM(pageHTML string, failed []string, limit int) []string {
	if limit <= 0 || len(failed) == 0 {
		return nil
	}
	wanted := tokenSet(failed...)
	if len(wanted) == 0 {
		return nil
	}

	doc, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return nil
	}

	type scored struct {
		selector string
		score    int
	}
	best := make(map[string]int)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			for _, attrName := range suggestAttrs {
				val := attrValue(n, attrName)
				if val == "" {
					continue
				}
				score := overlap(wanted, tokenSet(val))
				if score == 0 {
					continue
				}
				sel := selectorFor(n.Data, attrName, val)
				if score > best[sel] {
					best[sel] = score
				}
			}
			// Individual class tokens: weaker evidence, scored per token.
			for _, cls := range strings.Fields(attrValue(n, "class")) {
				score := overlap(wanted, tokenSet(cls))
				if score == 0 {
					continue
				}
				sel := n.Data + "." + cls
				if score > best[sel] {
					best[sel] = score
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	ranked := make([]scored, 0, len(best))
	for sel, score := range best {
		ranked = append(ranked, scored{selector: sel, score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].selector < ranked[j].selector
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]string, len(ranked))
	for i, s := range ranked {
		out[i] = s.selector
	}
	return out
}

func selectorFor(tag, attrName, val string) string {
	if attrName == "id" && cssSafeID.MatchString(val) {
		return "#" + val
	}
	if attrName == "name" {
		return fmt.Sprintf(`%s[name=%q]`, tag, val)
	}
	return fmt.Sprintf(`[%s=%q]`, attrName, val)
}

func attrValue(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// tokenSet splits inputs on non-alphanumeric runes and camelCase boundaries,
// then lowercases the pieces, so "#submitOrder" and id="submit-order" share
// vocabulary. Single-character fragments carry no signal and are dropped.
func tokenSet(inputs ...string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, in := range inputs {
		for _, f := range splitIdentifier(in) {
			if len(f) < 2 {
				continue
			}
			set[strings.ToLower(f)] = struct{}{}
		}
	}
	return set
}

func splitIdentifier(s string) []string {
	var parts []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			parts = append(parts, string(cur))
			cur = nil
		}
	}
	var prev rune
	for _, r := range s {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r) && unicode.IsLower(prev):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
		prev = r
	}
	flush()
	return parts
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for tok := range b {
		if _, ok := a[tok]; ok {
			n++
		}
	}
	return n
}
