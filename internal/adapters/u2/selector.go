package u2

import "github.com/xkilldash9x/droidpatrol/internal/device"

// Selector field masks understood by the agent.
const (
	maskText       = 0x01
	maskFocused    = 0x020000
	maskResourceID = 0x200000
)

// uiSelector is the agent's selector object. Mask flags which fields are set.
type uiSelector struct {
	Mask                   int    `json:"mask"`
	ChildOrSibling         []any  `json:"childOrSibling"`
	ChildOrSiblingSelector []any  `json:"childOrSiblingSelector"`
	Text                   string `json:"text,omitempty"`
	ResourceID             string `json:"resourceId,omitempty"`
	Focused                bool   `json:"focused,omitempty"`
}

func newSelector() uiSelector {
	return uiSelector{ChildOrSibling: []any{}, ChildOrSiblingSelector: []any{}}
}

// selectorForTarget prefers the resource id over the text.
func selectorForTarget(t device.Target) (uiSelector, bool) {
	s := newSelector()
	switch {
	case t.ResourceID != "":
		s.Mask, s.ResourceID = maskResourceID, t.ResourceID
	case t.Text != "":
		s.Mask, s.Text = maskText, t.Text
	default:
		return s, false
	}
	return s, true
}

func focusedSelector() uiSelector {
	s := newSelector()
	s.Mask, s.Focused = maskFocused, true
	return s
}

// objectInfo is the subset of objInfo the adapter reads.
type objectInfo struct {
	Bounds     rect   `json:"bounds"`
	Text       string `json:"text"`
	ClassName  string `json:"className"`
	ResourceID string `json:"resourceName"`
	Clickable  bool   `json:"clickable"`
}

type rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

func (r rect) toBounds() device.Bounds {
	return device.Bounds{X: r.Left, Y: r.Top, Width: r.Right - r.Left, Height: r.Bottom - r.Top}
}
