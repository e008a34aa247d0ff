package mcp

import (
	"github.com/xkilldash9x/droidpatrol/internal/executor"
	"github.com/xkilldash9x/droidpatrol/internal/screen"
)

// FindAndClickParams selects the element to tap. At least one selector field is required.
type FindAndClickParams struct {
	Text         string `json:"text,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	ClassName    string `json:"class_name,omitempty"`
	ExpectedText string `json:"expected_text,omitempty"`
}

// TypeAndSubmitParams types into the focused field, or into the field named by
// FieldText/FieldResourceID after tapping it.
type TypeAndSubmitParams struct {
	Text            string `json:"text"`
	Submit          *bool  `json:"submit,omitempty"`
	FieldText       string `json:"field_text,omitempty"`
	FieldResourceID string `json:"field_resource_id,omitempty"`
}

// WaitForParams polls the screen until the text appears, or disappears when Gone is set.
type WaitForParams struct {
	Text           string  `json:"text"`
	Gone           bool    `json:"gone,omitempty"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}

// ScrollParams describes one swipe.
type ScrollParams struct {
	Direction string `json:"direction,omitempty"`
	Distance  int    `json:"distance,omitempty"`
}

// ScrollAndFindParams scrolls until the text is on screen.
type ScrollAndFindParams struct {
	Text       string `json:"text"`
	Direction  string `json:"direction,omitempty"`
	MaxScrolls int    `json:"max_scrolls,omitempty"`
}

// NavigateBackParams optionally names text expected on the previous screen.
type NavigateBackParams struct {
	ExpectedText string `json:"expected_text,omitempty"`
}

// DismissPopupParams lists button texts to try; the defaults cover common dialogs.
type DismissPopupParams struct {
	ButtonTexts []string `json:"button_texts,omitempty"`
}

// LaunchAppParams names the package to start and optional text that marks it ready.
type LaunchAppParams struct {
	Package  string `json:"package"`
	WaitText string `json:"wait_text,omitempty"`
}

// ScreenSummaryParams limits how many texts are returned.
type ScreenSummaryParams struct {
	Limit int `json:"limit,omitempty"`
}

// RunPatrolParams configures a patrol run. Zero budgets take the defaults.
type RunPatrolParams struct {
	Keyword        string `json:"keyword"`
	Platform       string `json:"platform,omitempty"`
	MaxPosts       int    `json:"max_posts,omitempty"`
	MaxScrolls     int    `json:"max_scrolls,omitempty"`
	MaxErrors      int    `json:"max_errors,omitempty"`
	MaxTimeSeconds int    `json:"max_time_seconds,omitempty"`
}

// MacroResult is returned by every action macro.
type MacroResult struct {
	Success   bool             `json:"success"`
	Message   string           `json:"message,omitempty"`
	Outcome   executor.Outcome `json:"outcome,omitempty"`
	Attempts  int              `json:"attempts,omitempty"`
	Matcher   string           `json:"matcher,omitempty"`
	Signature screen.Signature `json:"signature,omitempty"`
	Loop      bool             `json:"loop,omitempty"`
	Scrolls   int              `json:"scrolls,omitempty"`
	Button    string           `json:"button,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// ScreenSummary describes the current screen.
type ScreenSummary struct {
	Signature      screen.Signature `json:"signature"`
	Kind           string           `json:"kind,omitempty"`
	ElementCount   int              `json:"element_count"`
	ClickableCount int              `json:"clickable_count"`
	Texts          []string         `json:"texts"`
	Buttons        []string         `json:"buttons"`
}

// PatrolSummary is the run_patrol result.
type PatrolSummary struct {
	Success           bool     `json:"success"`
	RunID             string   `json:"run_id"`
	PostsVisited      int      `json:"posts_visited"`
	DurationSeconds   float64  `json:"duration_seconds"`
	FinalState        string   `json:"final_state"`
	TerminationReason string   `json:"termination_reason"`
	Summary           string   `json:"summary"`
	Errors            []string `json:"errors"`
}
