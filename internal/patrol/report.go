package patrol

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Termination reasons.
const (
	ReasonMaxPosts      = "maxPosts reached"
	ReasonMaxScrolls    = "maxScrolls exhausted"
	ReasonMaxErrors     = "maxErrors exceeded"
	ReasonUnrecoverable = "navigation unrecoverable"
	ReasonMaxTime       = "maxTime exceeded"
	ReasonLaunchFailed  = "launch failed"
	ReasonSearchFailed  = "search failed"
	ReasonCancelled     = "cancelled"
	reasonBlockedPrefix = "unrecoverable: "
	reasonUnexpectedFmt = "unexpected event %s in state %s"
)

// PostRecord is one visited post.
type PostRecord struct {
	Key        string           `json:"key"`
	Author     string           `json:"author"`
	Excerpt    string           `json:"excerpt"`
	Engagement map[string]int64 `json:"engagement,omitempty"`
	Sentiment  string           `json:"sentiment,omitempty"`
	VisitedAt  time.Time        `json:"visitedAt"`
}

// Report is the outcome of a patrol run. It is always populated, whatever the
// termination reason.
type Report struct {
	RunID             string       `json:"runId"`
	Platform          string       `json:"platform"`
	Keyword           string       `json:"keyword"`
	Device            string       `json:"device,omitempty"`
	StartedAt         time.Time    `json:"startedAt"`
	FinishedAt        time.Time    `json:"finishedAt"`
	FinalState        State        `json:"finalState"`
	VisitedPosts      []PostRecord `json:"visitedPosts"`
	Errors            []string     `json:"errors"`
	ScrollCount       int          `json:"scrollCount"`
	ErrorCount        int          `json:"errorCount"`
	Recoveries        int          `json:"recoveries"`
	TerminationReason string       `json:"terminationReason"`
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Summary renders a short markdown digest of the first posts and errors.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Patrol Report: %s\n", r.Keyword)
	fmt.Fprintf(&b, "Platform: %s\n", r.Platform)
	fmt.Fprintf(&b, "Duration: %.1fs\n", r.Duration().Seconds())
	fmt.Fprintf(&b, "Posts visited: %d\n", len(r.VisitedPosts))
	fmt.Fprintf(&b, "Termination: %s (%s)\n", r.TerminationReason, r.FinalState)

	if len(r.VisitedPosts) > 0 {
		b.WriteString("\n## Key Findings\n")
	}
	for i, p := range r.VisitedPosts {
		if i == 5 {
			break
		}
		fmt.Fprintf(&b, "\n### %d. %s\n", i+1, orUnknown(p.Author))
		if p.Excerpt != "" {
			b.WriteString(truncateRunes(p.Excerpt, 200) + "\n")
		}
		if len(p.Engagement) > 0 {
			fmt.Fprintf(&b, "Engagement: %v\n", p.Engagement)
		}
		if p.Sentiment != "" {
			fmt.Fprintf(&b, "Sentiment: %s\n", p.Sentiment)
		}
	}

	if len(r.Errors) > 0 {
		fmt.Fprintf(&b, "\n## Errors (%d)\n", len(r.Errors))
		for i, e := range r.Errors {
			if i == 5 {
				break
			}
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	return b.String()
}

// Encode writes the report as indented JSON.
func (r *Report) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteFile writes the report to path, creating parent directories.
func (r *Report) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	if err := r.Encode(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return f.Close()
}

// DecodeReport reads a report written by Encode.
func DecodeReport(rd io.Reader) (*Report, error) {
	var r Report
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &r, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
