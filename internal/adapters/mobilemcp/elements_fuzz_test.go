package mobilemcp

import (
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func FuzzParseElements(f *testing.F) {
	f.Add(`Found these elements on screen: [{"type":"Button","text":"OK","coordinates":{"x":1,"y":2,"width":3,"height":4}}]`)
	f.Add("No elements found on screen")
	f.Add(`[{"coordinates":{"x":0,"y":0,"width":-5,"height":9223372036854775807}}]`)
	f.Add(`[{"text":"` + "\xff\xfe" + `","coordinates":{"width":1,"height":1}}]`)
	f.Add("[" + strings.Repeat(`{"type":"TextView","coordinates":{"width":10,"height":10}},`, 2048) + "{}]")
	f.Add("[[[[")

	f.Fuzz(func(t *testing.T, text string) {
		els, err := ParseElements(text)
		if err != nil {
			return
		}
		for _, el := range els {
			assert.False(t, el.Bounds.Empty(), "kept element with empty bounds: %v", el)
		}
	})
}

// FuzzParseElementsListing encodes generated elements the way the server lists them
// and checks that every element with an area survives the round through text.
func FuzzParseElementsListing(f *testing.F) {
	f.Add([]byte("two buttons and a text field"))
	f.Add([]byte(strings.Repeat("\x00\x01", 256)))

	f.Fuzz(func(t *testing.T, data []byte) {
		c := fuzz.NewConsumer(data)
		var wire []wireElement
		if err := c.GenerateStruct(&wire); err != nil || len(wire) == 0 {
			return
		}
		body, err := json.Marshal(wire)
		require.NoError(t, err)

		els, err := ParseElements("Found these elements on screen: " + string(body))
		require.NoError(t, err)

		want := 0
		for _, w := range wire {
			if w.Coordinates.Width > 0 && w.Coordinates.Height > 0 {
				want++
			}
		}
		assert.Len(t, els, want)
	})
}
