package screen

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/xkilldash9x/droidpatrol/internal/device"
)

// DefaultFuzzyThreshold is the minimum normalized similarity for a fuzzy text match.
const DefaultFuzzyThreshold = 0.8

// Selector describes an element to resolve: by resource identifier, by text, or by
// element type within an optional screen region.
type Selector struct {
	ResourceID string         `json:"resourceId,omitempty"`
	Text       string         `json:"text,omitempty"`
	Type       string         `json:"type,omitempty"`
	Region     *device.Bounds `json:"region,omitempty"`
}

// IsZero reports whether the selector names nothing.
func (s Selector) IsZero() bool {
	return s.ResourceID == "" && s.Text == "" && s.Type == "" && s.Region == nil
}

func (s Selector) String() string {
	var parts []string
	if s.ResourceID != "" {
		parts = append(parts, "id="+s.ResourceID)
	}
	if s.Text != "" {
		parts = append(parts, fmt.Sprintf("text=%q", s.Text))
	}
	if s.Type != "" {
		parts = append(parts, "type="+s.Type)
	}
	if s.Region != nil {
		parts = append(parts, fmt.Sprintf("region=%+v", *s.Region))
	}
	return "selector{" + strings.Join(parts, " ") + "}"
}

// Matcher is one strategy in the locate chain.
type Matcher struct {
	Name  string
	Match func(sel Selector, el device.Element) bool
}

// Match is a located element together with the strategy that found it.
type Match struct {
	Element device.Element
	Index   int
	Matcher string
}

// Locator resolves selectors against snapshots through a prioritized matcher chain.
type Locator struct {
	FuzzyThreshold float64
}

// NewLocator returns a locator with the given fuzzy threshold (0 selects the default).
func NewLocator(fuzzyThreshold float64) Locator {
	if fuzzyThreshold <= 0 || fuzzyThreshold > 1 {
		fuzzyThreshold = DefaultFuzzyThreshold
	}
	return Locator{FuzzyThreshold: fuzzyThreshold}
}

// Chain returns the matchers in priority order. The widened chain adds fuzzy text
// strategies after the exact ones.
func (l Locator) Chain(widened bool) []Matcher {
	chain := []Matcher{
		{Name: "resourceId", Match: matchResourceID},
		{Name: "text", Match: matchText},
		{Name: "typeRegion", Match: matchTypeRegion},
	}
	if widened {
		threshold := l.FuzzyThreshold
		chain = append(chain, Matcher{
			Name: "fuzzyText",
			Match: func(sel Selector, el device.Element) bool {
				return sel.Text != "" && (fuzzyEqual(sel.Text, el.Text, threshold) || fuzzyEqual(sel.Text, el.Label, threshold))
			},
		})
	}
	return chain
}

// Locate resolves sel against snap. The first matcher with any hit wins; among its
// hits the topmost, then leftmost, then earliest element is chosen.
func (l Locator) Locate(snap Snapshot, sel Selector, widened bool) (Match, bool) {
	if sel.IsZero() {
		return Match{}, false
	}
	for _, m := range l.Chain(widened) {
		var hits []int
		for i, el := range snap.Elements {
			if m.Match(sel, el) {
				hits = append(hits, i)
			}
		}
		if len(hits) == 0 {
			continue
		}
		sort.SliceStable(hits, func(a, b int) bool {
			ea, eb := snap.Elements[hits[a]].Bounds, snap.Elements[hits[b]].Bounds
			if ea.Y != eb.Y {
				return ea.Y < eb.Y
			}
			if ea.X != eb.X {
				return ea.X < eb.X
			}
			return hits[a] < hits[b]
		})
		best := hits[0]
		return Match{Element: snap.Elements[best], Index: best, Matcher: m.Name}, true
	}
	return Match{}, false
}

func matchResourceID(sel Selector, el device.Element) bool {
	return sel.ResourceID != "" && el.ResourceID == sel.ResourceID
}

func matchText(sel Selector, el device.Element) bool {
	return sel.Text != "" && (el.Text == sel.Text || el.Label == sel.Text)
}

func matchTypeRegion(sel Selector, el device.Element) bool {
	if sel.Type == "" && sel.Region == nil {
		return false
	}
	if sel.Type != "" && !typeMatches(sel.Type, el.Type) {
		return false
	}
	if sel.Region != nil {
		x, y := el.Center()
		if !sel.Region.Contains(x, y) {
			return false
		}
	}
	// A bare region only resolves to something that can take input.
	if sel.Type == "" && !el.Clickable && !el.Editable {
		return false
	}
	return true
}

// typeMatches accepts either a fully qualified class or its simple name.
func typeMatches(want, got string) bool {
	return got == want || strings.HasSuffix(got, "."+want)
}

func fuzzyEqual(want, got string, threshold float64) bool {
	a, b := normalize(want), normalize(got)
	if a == "" || b == "" {
		return false
	}
	if strings.Contains(b, a) || (strings.Contains(a, b) && len([]rune(b)) >= 3) {
		return true
	}
	return Similarity(a, b) >= threshold
}

func normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsSpace(r) {
			if !space {
				b.WriteRune(' ')
			}
			space = true
			continue
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// Similarity returns 1 - levenshtein(a,b)/max(len(a),len(b)) over runes.
func Similarity(a, b string) float64 {
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
