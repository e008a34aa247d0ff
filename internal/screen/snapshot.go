package screen

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/xkilldash9x/droidpatrol/internal/device"
)

// Signature is a stable hash of a screen's element set. Two snapshots with the same
// signature are treated as the same logical screen.
type Signature string

// Short returns an abbreviated form for logs.
func (s Signature) Short() string {
	if len(s) > 8 {
		return string(s[:8])
	}
	return string(s)
}

// Snapshot is an observation of the screen at one point in time.
type Snapshot struct {
	Elements   []device.Element `json:"elements"`
	CapturedAt time.Time        `json:"capturedAt"`
	Signature  Signature        `json:"signature"`
}

// NewSnapshot builds a snapshot and computes its signature.
func NewSnapshot(elements []device.Element, capturedAt time.Time) Snapshot {
	return Snapshot{
		Elements:   elements,
		CapturedAt: capturedAt,
		Signature:  ComputeSignature(elements),
	}
}

// ComputeSignature hashes the (type, id, text) tuples of the elements. The tuples are
// sorted first so element order does not affect the result.
func ComputeSignature(elements []device.Element) Signature {
	tuples := make([]string, len(elements))
	for i, el := range elements {
		tuples[i] = el.Type + "\x1f" + el.ResourceID + "\x1f" + el.Text
	}
	sort.Strings(tuples)

	h := fnv.New64a()
	for _, t := range tuples {
		h.Write([]byte(t))
		h.Write([]byte{0x1e})
	}
	return Signature(fmt.Sprintf("%016x", h.Sum64()))
}

// HasText reports whether any element's text or label contains s, case-insensitively.
func (s Snapshot) HasText(text string) bool {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return false
	}
	for _, el := range s.Elements {
		if strings.Contains(strings.ToLower(el.Text), needle) ||
			strings.Contains(strings.ToLower(el.Label), needle) {
			return true
		}
	}
	return false
}

// Texts returns the non-empty display texts in element order.
func (s Snapshot) Texts() []string {
	var out []string
	for _, el := range s.Elements {
		if t := el.DisplayText(); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Summary renders a compact human-readable listing of the snapshot.
func (s Snapshot) Summary(limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "signature=%s elements=%d\n", s.Signature, len(s.Elements))
	for i, el := range s.Elements {
		if limit > 0 && i >= limit {
			fmt.Fprintf(&b, "... %d more\n", len(s.Elements)-limit)
			break
		}
		fmt.Fprintf(&b, "  [%d] %s\n", i, el)
	}
	return b.String()
}
