package device

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// boundsRegex matches uiautomator's "[x1,y1][x2,y2]" bounds attribute.
var boundsRegex = regexp.MustCompile(`^\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]$`)

// ParseBounds converts a uiautomator bounds attribute into a Bounds value.
func ParseBounds(s string) (Bounds, error) {
	m := boundsRegex.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Bounds{}, fmt.Errorf("malformed bounds %q", s)
	}
	var n [4]int
	for i := range n {
		v, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Bounds{}, fmt.Errorf("malformed bounds %q: %w", s, err)
		}
		n[i] = v
	}
	return Bounds{X: n[0], Y: n[1], Width: n[2] - n[0], Height: n[3] - n[1]}, nil
}

// ParseHierarchy parses a uiautomator window dump into elements in document order.
// Nodes that carry nothing addressable (no text, label, id, and not interactive) and
// nodes with empty bounds are dropped.
func ParseHierarchy(data []byte) ([]Element, error) {
	// Some dumps are prefixed with a status line ("UI hierchary dumped to: ...").
	if i := strings.Index(string(data), "<?xml"); i > 0 {
		data = data[i:]
	} else if i := strings.Index(string(data), "<hierarchy"); i > 0 {
		data = data[i:]
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse window hierarchy: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("window hierarchy has no root element")
	}

	var elements []Element
	for _, node := range root.FindElements("//node") {
		el, ok := elementFromNode(node)
		if ok {
			elements = append(elements, el)
		}
	}
	return elements, nil
}

func elementFromNode(node *etree.Element) (Element, bool) {
	b, err := ParseBounds(node.SelectAttrValue("bounds", ""))
	if err != nil || b.Empty() {
		return Element{}, false
	}
	class := node.SelectAttrValue("class", "")
	el := Element{
		Bounds:     b,
		Text:       strings.TrimSpace(node.SelectAttrValue("text", "")),
		Label:      strings.TrimSpace(node.SelectAttrValue("content-desc", "")),
		ResourceID: node.SelectAttrValue("resource-id", ""),
		Type:       class,
		Clickable:  node.SelectAttrValue("clickable", "false") == "true",
		Editable:   strings.Contains(class, "EditText"),
	}
	if el.Text == "" && el.Label == "" && el.ResourceID == "" && !el.Clickable && !el.Editable {
		return Element{}, false
	}
	return el, true
}
