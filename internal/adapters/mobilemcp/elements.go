package mobilemcp

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/droidpatrol/internal/device"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// wireElement is one entry of the element listing.
type wireElement struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Label       string `json:"label"`
	Name        string `json:"name"`
	Value       string `json:"value"`
	Identifier  string `json:"identifier"`
	Focused     bool   `json:"focused"`
	Clickable   *bool  `json:"clickable"`
	Coordinates struct {
		X      int `json:"x"`
		Y      int `json:"y"`
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"coordinates"`
}

// ParseElements reads the element listing out of the tool's text. The server
// prefixes the JSON array with a sentence, so parsing starts at the first bracket.
func ParseElements(text string) ([]device.Element, error) {
	start := strings.Index(text, "[")
	if start < 0 {
		if strings.Contains(strings.ToLower(text), "no elements") {
			return nil, nil
		}
		return nil, fmt.Errorf("element listing has no json array: %.80q", text)
	}
	var wire []wireElement
	if err := json.Unmarshal([]byte(text[start:]), &wire); err != nil {
		return nil, fmt.Errorf("decode element listing: %w", err)
	}

	out := make([]device.Element, 0, len(wire))
	for _, w := range wire {
		label := w.Label
		if label == "" {
			label = w.Name
		}
		txt := w.Text
		if txt == "" {
			txt = w.Value
		}
		el := device.Element{
			Bounds: device.Bounds{
				X: w.Coordinates.X, Y: w.Coordinates.Y,
				Width: w.Coordinates.Width, Height: w.Coordinates.Height,
			},
			Text:       txt,
			Label:      label,
			ResourceID: w.Identifier,
			Type:       w.Type,
			Clickable:  w.Clickable == nil || *w.Clickable,
			Editable:   isEditable(w.Type),
		}
		if el.Bounds.Empty() {
			continue
		}
		out = append(out, el)
	}
	return out, nil
}

func isEditable(typ string) bool {
	t := strings.ToLower(typ)
	return strings.Contains(t, "edittext") || strings.Contains(t, "textfield") || strings.Contains(t, "searchfield")
}
