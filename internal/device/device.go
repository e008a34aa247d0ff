package device

import (
	"context"
	"fmt"
)

// Default display geometry used when a backend cannot report its own.
const (
	DefaultScreenWidth  = 1080
	DefaultScreenHeight = 2400
)

// Bounds is an element's bounding box in screen pixels.
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Center returns the midpoint of the box, which is where taps land.
func (b Bounds) Center() (int, int) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Contains reports whether the point lies within the box (edges inclusive).
func (b Bounds) Contains(x, y int) bool {
	return x >= b.X && x <= b.X+b.Width && y >= b.Y && y <= b.Y+b.Height
}

// Empty reports whether the box has no area.
func (b Bounds) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}

// Element is a single item of a screen snapshot. It is treated as immutable once captured.
type Element struct {
	Bounds     Bounds `json:"bounds"`
	Text       string `json:"text,omitempty"`
	Label      string `json:"label,omitempty"`      // accessibility label (content-desc)
	ResourceID string `json:"resourceId,omitempty"` // e.g. "com.app:id/search"
	Type       string `json:"type,omitempty"`       // widget class name
	Clickable  bool   `json:"clickable,omitempty"`
	Editable   bool   `json:"editable,omitempty"`
}

// Center returns the tap point of the element.
func (e Element) Center() (int, int) {
	return e.Bounds.Center()
}

// DisplayText returns the text if present, otherwise the accessibility label.
func (e Element) DisplayText() string {
	if e.Text != "" {
		return e.Text
	}
	return e.Label
}

func (e Element) String() string {
	x, y := e.Center()
	return fmt.Sprintf("%s{id=%q text=%q at=(%d,%d)}", e.Type, e.ResourceID, e.DisplayText(), x, y)
}

// Direction is the direction content moves under a swipe gesture.
type Direction string

const (
	DirectionUp    Direction = "up" // finger moves up, content scrolls down
	DirectionDown  Direction = "down"
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

// Key names a hardware or soft key.
type Key string

const (
	KeyBack   Key = "BACK"
	KeyHome   Key = "HOME"
	KeyEnter  Key = "ENTER"
	KeyDelete Key = "DELETE"
	KeyMenu   Key = "MENU"
	KeyTab    Key = "TAB"
)

// Capability identifies one operation of the adapter contract.
type Capability string

const (
	CapTap          Capability = "tap"
	CapType         Capability = "type"
	CapSwipe        Capability = "swipe"
	CapReadElements Capability = "readElements"
	CapScreenshot   Capability = "screenshot"
	CapPressKey     Capability = "pressKey"
	CapLaunchApp    Capability = "launchApp"
)

// AllCapabilities lists the full contract.
var AllCapabilities = []Capability{
	CapTap, CapType, CapSwipe, CapReadElements, CapScreenshot, CapPressKey, CapLaunchApp,
}

// Tier orders adapters by reliability. Lower tiers are preferred.
type Tier int

const (
	TierSelector      Tier = iota // selector-based driver
	TierAccessibility             // accessibility-tree / macro protocol
	TierRaw                       // raw coordinate input
)

func (t Tier) String() string {
	switch t {
	case TierSelector:
		return "selector"
	case TierAccessibility:
		return "accessibility"
	case TierRaw:
		return "raw"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Target is a resolved tap target. Coordinates are always set when the executor has
// located an element; selector-capable backends may prefer ResourceID or Text.
type Target struct {
	X          int    `json:"x"`
	Y          int    `json:"y"`
	Text       string `json:"text,omitempty"`
	ResourceID string `json:"resourceId,omitempty"`
}

// HasPoint reports whether the target carries usable coordinates.
func (t Target) HasPoint() bool {
	return t.X > 0 || t.Y > 0
}

// TargetFor builds a tap target pointing at the element.
func TargetFor(el Element) Target {
	x, y := el.Center()
	return Target{X: x, Y: y, Text: el.Text, ResourceID: el.ResourceID}
}

// Adapter is the uniform device-operation contract implemented over one automation substrate.
// Every method returns an explicit error on failure; none is a silent no-op.
type Adapter interface {
	Name() string
	Tier() Tier
	Supports(c Capability) bool

	Tap(ctx context.Context, target Target) error
	Type(ctx context.Context, text string, submit bool) error
	Swipe(ctx context.Context, dir Direction, distance int) error
	ReadElements(ctx context.Context) ([]Element, error)
	Screenshot(ctx context.Context) ([]byte, error)
	PressKey(ctx context.Context, key Key) error
	LaunchApp(ctx context.Context, appID string) error
}

// CapabilitySet is a small helper for adapters that declare a fixed capability list.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// SwipePath computes the gesture endpoints for a swipe through the screen center.
// A non-positive distance defaults to a third of the screen height.
func SwipePath(width, height int, dir Direction, distance int) (sx, sy, ex, ey int) {
	if width <= 0 {
		width = DefaultScreenWidth
	}
	if height <= 0 {
		height = DefaultScreenHeight
	}
	if distance <= 0 {
		distance = height / 3
	}
	cx, cy := width/2, height/2
	half := distance / 2
	switch dir {
	case DirectionDown:
		return cx, cy - half, cx, cy + half
	case DirectionLeft:
		return cx + half, cy, cx - half, cy
	case DirectionRight:
		return cx - half, cy, cx + half, cy
	default:
		return cx, cy + half, cx, cy - half
	}
}

// SwipeDurationMs is the gesture duration used by coordinate backends.
const SwipeDurationMs = 300
