package patrol

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xkilldash9x/droidpatrol/internal/device"
	"github.com/xkilldash9x/droidpatrol/internal/screen"
)

const (
	keyPrefixRunes = 40
	excerptRunes   = 200
)

var (
	authorRe = regexp.MustCompile(`@[\w.]+`)
	countRe  = regexp.MustCompile(`(?i)(\d[\d,.]*)([kmb萬]?)`)
)

// engagementKeywords maps a counter name to words that label it.
var engagementKeywords = []struct {
	name  string
	words []string
}{
	{"likes", []string{"like", "讚", "喜歡"}},
	{"comments", []string{"comment", "repl", "留言", "回覆"}},
	{"reposts", []string{"repost", "retweet", "轉發", "轉推"}},
	{"shares", []string{"share", "分享"}},
	{"views", []string{"view", "觀看"}},
}

// Candidate is a post on a results screen that the patrol may open.
type Candidate struct {
	Key     string          `json:"key"`
	Author  string          `json:"author"`
	Excerpt string          `json:"excerpt"`
	Target  screen.Selector `json:"target"`
	Bounds  device.Bounds   `json:"bounds"`
}

// CandidateKey is the identity of a post: its author plus the start of its text.
func CandidateKey(author, excerpt string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(excerpt)), " ")
	r := []rune(norm)
	if len(r) > keyPrefixRunes {
		r = r[:keyPrefixRunes]
	}
	return author + "|" + string(r)
}

// ExtractAuthor returns the first @handle in text.
func ExtractAuthor(text string) string {
	return authorRe.FindString(text)
}

// ExtractCandidates enumerates openable posts on a results screen, topmost first.
// Navigation chrome, input fields, and short labels are skipped, as are repeated keys.
func ExtractCandidates(s screen.Snapshot, p Platform) []Candidate {
	idx := make([]int, len(s.Elements))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ea, eb := s.Elements[idx[a]].Bounds, s.Elements[idx[b]].Bounds
		if ea.Y != eb.Y {
			return ea.Y < eb.Y
		}
		return ea.X < eb.X
	})

	seen := make(map[string]bool)
	var out []Candidate
	for _, i := range idx {
		el := s.Elements[i]
		if skipElement(el, p) {
			continue
		}
		text := el.DisplayText()
		author := ExtractAuthor(text)
		if !el.Clickable && author == "" {
			continue
		}
		key := CandidateKey(author, text)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Candidate{
			Key:     key,
			Author:  author,
			Excerpt: truncateRunes(strings.TrimSpace(text), excerptRunes),
			Target:  screen.Selector{Text: text},
			Bounds:  el.Bounds,
		})
	}
	return out
}

func skipElement(el device.Element, p Platform) bool {
	if el.Editable || el.Bounds.Empty() {
		return true
	}
	if len([]rune(strings.TrimSpace(el.DisplayText()))) < p.MinTextLength {
		return true
	}
	id := strings.ToLower(el.ResourceID)
	for _, skip := range p.SkipIDs {
		if skip != "" && strings.Contains(id, skip) {
			return true
		}
	}
	return false
}

// ExtractPost builds the record for an opened candidate from the detail screen.
func ExtractPost(detail screen.Snapshot, c Candidate) PostRecord {
	author := c.Author
	if author == "" {
		for _, t := range detail.Texts() {
			if a := ExtractAuthor(t); a != "" {
				author = a
				break
			}
		}
	}
	return PostRecord{
		Key:        c.Key,
		Author:     author,
		Excerpt:    c.Excerpt,
		Engagement: ExtractEngagement(detail),
		VisitedAt:  detail.CapturedAt,
	}
}

// ExtractEngagement reads counters such as "1.2K likes" or "Reply 34" off a screen.
// Each counter takes the number closest to its label; the first element with one wins.
func ExtractEngagement(s screen.Snapshot) map[string]int64 {
	out := make(map[string]int64)
	for _, el := range s.Elements {
		for _, text := range []string{el.Text, el.Label} {
			lower := strings.ToLower(text)
			if lower == "" {
				continue
			}
			for _, kw := range engagementKeywords {
				if _, done := out[kw.name]; done {
					continue
				}
				if n, ok := countNear(lower, kw.words); ok {
					out[kw.name] = n
				}
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// countNear finds the count closest to any of the label words in s.
func countNear(s string, words []string) (int64, bool) {
	matches := countRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return 0, false
	}
	best, bestDist := -1, len(s)+1
	for _, w := range words {
		at := strings.Index(s, w)
		if at < 0 {
			continue
		}
		for i, loc := range matches {
			dist := 0
			switch {
			case loc[1] <= at:
				dist = at - loc[1]
			case loc[0] >= at+len(w):
				dist = loc[0] - (at + len(w))
			}
			if dist < bestDist {
				best, bestDist = i, dist
			}
		}
	}
	if best < 0 {
		return 0, false
	}
	return parseCountAt(s, matches[best])
}

// ParseCount parses the first abbreviated count in s: "1,234", "1.2k", "3M", "2萬".
func ParseCount(s string) (int64, bool) {
	loc := countRe.FindStringSubmatchIndex(s)
	if loc == nil {
		return 0, false
	}
	return parseCountAt(s, loc)
}

func parseCountAt(s string, loc []int) (int64, bool) {
	num := strings.TrimRight(strings.ReplaceAll(s[loc[2]:loc[3]], ",", ""), ".")
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	suffix := strings.ToLower(s[loc[4]:loc[5]])
	// "3months" is a plain number followed by a word.
	if rest := s[loc[5]:]; suffix != "萬" && rest != "" {
		if r, _ := utf8.DecodeRuneInString(rest); unicode.IsLetter(r) {
			suffix = ""
		}
	}
	switch suffix {
	case "k":
		f *= 1e3
	case "m":
		f *= 1e6
	case "b":
		f *= 1e9
	case "萬":
		f *= 1e4
	}
	if f+0.5 >= math.MaxInt64 {
		return 0, false
	}
	return int64(f + 0.5), true
}
