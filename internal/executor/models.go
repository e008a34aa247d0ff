package executor

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/xkilldash9x/droidpatrol/internal/device"
	"github.com/xkilldash9x/droidpatrol/internal/screen"
)

// ActionKind identifies the class of a device action.
type ActionKind string

const (
	KindTap      ActionKind = "tap"
	KindType     ActionKind = "type"
	KindSwipe    ActionKind = "swipe"
	KindPressKey ActionKind = "pressKey"
	KindLaunch   ActionKind = "launch"
)

// Outcome classifies the result of one logical action.
type Outcome string

const (
	OutcomeSuccess          Outcome = "SUCCESS"
	OutcomeIneffective      Outcome = "INEFFECTIVE"       // signature unchanged
	OutcomeUnexpectedChange Outcome = "UNEXPECTED_CHANGE" // changed, but the hint is unmet
	OutcomeElementNotFound  Outcome = "ELEMENT_NOT_FOUND"
	OutcomeBackendError     Outcome = "BACKEND_ERROR"
	OutcomeUnrecoverable    Outcome = "UNRECOVERABLE" // blocked screen (login wall, captcha, ...)
)

// retryable reports whether another attempt may change the outcome.
func (o Outcome) retryable() bool {
	switch o {
	case OutcomeIneffective, OutcomeElementNotFound, OutcomeBackendError:
		return true
	default:
		return false
	}
}

var (
	ErrIneffective      = errors.New("action had no observable effect")
	ErrUnexpectedChange = errors.New("screen changed but expected state was not reached")
	ErrUnrecoverable    = errors.New("unrecoverable screen")
	// ErrHalted wraps the reason an AttemptHook stopped an action before it was sent.
	ErrHalted = errors.New("action halted")
)

// Expectation is an optional hint about the screen an action should lead to. Every
// populated field must hold for the hint to be satisfied.
type Expectation struct {
	TextPresent string             `json:"textPresent,omitempty"`
	TextAbsent  string             `json:"textAbsent,omitempty"`
	AnyOf       []screen.Signature `json:"anyOf,omitempty"`
	// Check is an arbitrary predicate; it is not serialized.
	Check func(screen.Snapshot) bool `json:"-"`
}

// Satisfied evaluates the hint against a snapshot.
func (e *Expectation) Satisfied(s screen.Snapshot) bool {
	if e == nil {
		return true
	}
	if e.TextPresent != "" && !s.HasText(e.TextPresent) {
		return false
	}
	if e.TextAbsent != "" && s.HasText(e.TextAbsent) {
		return false
	}
	if len(e.AnyOf) > 0 && !slices.Contains(e.AnyOf, s.Signature) {
		return false
	}
	if e.Check != nil && !e.Check(s) {
		return false
	}
	return true
}

// ActionRequest is a caller-constructed description of one logical action.
type ActionRequest struct {
	Kind      ActionKind       `json:"kind"`
	Target    screen.Selector  `json:"target,omitempty"`
	Text      string           `json:"text,omitempty"`
	Submit    bool             `json:"submit,omitempty"`
	Direction device.Direction `json:"direction,omitempty"`
	Distance  int              `json:"distance,omitempty"`
	Key       device.Key       `json:"key,omitempty"`
	AppID     string           `json:"appId,omitempty"`
	Expect    *Expectation     `json:"expect,omitempty"`
	// Attempts caps the attempts for this request when positive.
	Attempts int `json:"attempts,omitempty"`
}

// Tap builds a tap request for the selector.
func Tap(sel screen.Selector) ActionRequest {
	return ActionRequest{Kind: KindTap, Target: sel}
}

// TypeText builds a text-entry request, optionally submitting with ENTER.
func TypeText(text string, submit bool) ActionRequest {
	return ActionRequest{Kind: KindType, Text: text, Submit: submit}
}

// Swipe builds a swipe request. A zero distance uses the backend default.
func Swipe(dir device.Direction, distance int) ActionRequest {
	return ActionRequest{Kind: KindSwipe, Direction: dir, Distance: distance}
}

// PressKey builds a key press request.
func PressKey(key device.Key) ActionRequest {
	return ActionRequest{Kind: KindPressKey, Key: key}
}

// Launch builds an app launch request.
func Launch(appID string) ActionRequest {
	return ActionRequest{Kind: KindLaunch, AppID: appID}
}

// WithExpect returns a copy of the request carrying the hint.
func (r ActionRequest) WithExpect(e *Expectation) ActionRequest {
	r.Expect = e
	return r
}

// Once returns a copy limited to a single attempt, for actions whose unchanged screen
// is an answer rather than a failure (end of a list, HOME on the launcher).
func (r ActionRequest) Once() ActionRequest {
	r.Attempts = 1
	return r
}

// Validate checks that the request carries what its kind needs.
func (r ActionRequest) Validate() error {
	switch r.Kind {
	case KindTap:
		if r.Target.IsZero() {
			return fmt.Errorf("tap requires a target selector")
		}
	case KindType:
		if r.Text == "" {
			return fmt.Errorf("type requires text")
		}
	case KindSwipe:
		if r.Direction == "" {
			return fmt.Errorf("swipe requires a direction")
		}
	case KindPressKey:
		if r.Key == "" {
			return fmt.Errorf("pressKey requires a key")
		}
	case KindLaunch:
		if r.AppID == "" {
			return fmt.Errorf("launch requires an app id")
		}
	default:
		return fmt.Errorf("unknown action kind %q", r.Kind)
	}
	return nil
}

func (r ActionRequest) String() string {
	switch r.Kind {
	case KindTap:
		return "tap " + r.Target.String()
	case KindType:
		return fmt.Sprintf("type %q", r.Text)
	case KindSwipe:
		return "swipe " + string(r.Direction)
	case KindPressKey:
		return "pressKey " + string(r.Key)
	case KindLaunch:
		return "launch " + r.AppID
	default:
		return string(r.Kind)
	}
}

// Result is the structured outcome of an executed ActionRequest.
type Result struct {
	Request  ActionRequest    `json:"request"`
	Outcome  Outcome          `json:"outcome"`
	Attempts int              `json:"attempts"`
	Actions  int              `json:"actions"` // physical ACT invocations
	Before   *screen.Snapshot `json:"before,omitempty"`
	After    *screen.Snapshot `json:"after,omitempty"`
	Element  *device.Element  `json:"element,omitempty"`
	Matcher  string           `json:"matcher,omitempty"`
	Artifact string           `json:"artifact,omitempty"`
	Blocked  string           `json:"blocked,omitempty"` // reason of the matched BlockedHint
	Duration time.Duration    `json:"duration"`
	Err      error            `json:"-"`
	Error    string           `json:"error,omitempty"`
}

// Succeeded reports whether the action was verified.
func (r Result) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// Changed reports whether the screen is known to differ from where the action started.
func (r Result) Changed() bool {
	return r.Before != nil && r.After != nil && r.Before.Signature != r.After.Signature
}

// Current returns the most recent snapshot the result saw, if any.
func (r Result) Current() (screen.Snapshot, bool) {
	if r.After != nil {
		return *r.After, true
	}
	if r.Before != nil {
		return *r.Before, true
	}
	return screen.Snapshot{}, false
}
