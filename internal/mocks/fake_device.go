package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/xkilldash9x/droidpatrol/internal/device"
)

// AnyScreen registers a transition that applies on every screen.
const AnyScreen = "*"

// FakeDevice is a scripted in-memory device. Screens are named element lists and
// actions move between them through registered transitions. Actions without a
// transition leave the screen unchanged, which is what an ineffective tap looks like.
type FakeDevice struct {
	mu sync.Mutex

	name    string
	tier    device.Tier
	screens map[string][]device.Element
	current string

	taps     map[string]map[string]string
	keys     map[string]map[device.Key]string
	swipes   map[string]string
	types    map[string]string
	launches map[string]string

	// ReadErr, when set, is returned by every ReadElements call.
	ReadErr error
	// ActErr, when set, is returned by every physical action.
	ActErr error

	Actions []string
	Typed   []string
}

var _ device.Adapter = (*FakeDevice)(nil)

// NewFakeDevice starts on the given screen.
func NewFakeDevice(start string) *FakeDevice {
	return &FakeDevice{
		name:     "fake",
		tier:     device.TierSelector,
		screens:  make(map[string][]device.Element),
		current:  start,
		taps:     make(map[string]map[string]string),
		keys:     make(map[string]map[device.Key]string),
		swipes:   make(map[string]string),
		types:    make(map[string]string),
		launches: make(map[string]string),
	}
}

// AddScreen registers a screen's elements.
func (f *FakeDevice) AddScreen(name string, elements ...device.Element) *FakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screens[name] = elements
	return f
}

// OnTap moves from screen to next when an element with the given text, label, or
// resource id is tapped.
func (f *FakeDevice) OnTap(screen, key, next string) *FakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.taps[screen] == nil {
		f.taps[screen] = make(map[string]string)
	}
	f.taps[screen][key] = next
	return f
}

// OnKey moves from screen to next on a key press.
func (f *FakeDevice) OnKey(screen string, key device.Key, next string) *FakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[screen] == nil {
		f.keys[screen] = make(map[device.Key]string)
	}
	f.keys[screen][key] = next
	return f
}

// OnSwipe moves from screen to next on any swipe.
func (f *FakeDevice) OnSwipe(screen, next string) *FakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swipes[screen] = next
	return f
}

// OnType moves from screen to next when text is typed.
func (f *FakeDevice) OnType(screen, next string) *FakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types[screen] = next
	return f
}

// OnLaunch moves to next when appID is launched.
func (f *FakeDevice) OnLaunch(appID, next string) *FakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches[appID] = next
	return f
}

// Current returns the current screen name.
func (f *FakeDevice) Current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// ActionCount returns the number of physical actions performed.
func (f *FakeDevice) ActionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Actions)
}

func (f *FakeDevice) Name() string                      { return f.name }
func (f *FakeDevice) Tier() device.Tier                 { return f.tier }
func (f *FakeDevice) Supports(c device.Capability) bool { return true }

func (f *FakeDevice) Tap(ctx context.Context, target device.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Actions = append(f.Actions, fmt.Sprintf("tap(%d,%d)", target.X, target.Y))
	if f.ActErr != nil {
		return f.ActErr
	}
	for _, el := range f.screens[f.current] {
		if !el.Bounds.Contains(target.X, target.Y) {
			continue
		}
		for _, key := range []string{el.ResourceID, el.Text, el.Label} {
			if key == "" {
				continue
			}
			if next, ok := f.lookupTap(key); ok {
				f.current = next
				return nil
			}
		}
	}
	return nil
}

func (f *FakeDevice) lookupTap(key string) (string, bool) {
	if next, ok := f.taps[f.current][key]; ok {
		return next, true
	}
	next, ok := f.taps[AnyScreen][key]
	return next, ok
}

func (f *FakeDevice) Type(ctx context.Context, text string, submit bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Actions = append(f.Actions, "type:"+text)
	if f.ActErr != nil {
		return f.ActErr
	}
	f.Typed = append(f.Typed, text)
	if next, ok := f.types[f.current]; ok {
		f.current = next
	}
	if submit {
		f.pressLocked(device.KeyEnter)
	}
	return nil
}

func (f *FakeDevice) Swipe(ctx context.Context, dir device.Direction, distance int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Actions = append(f.Actions, "swipe:"+string(dir))
	if f.ActErr != nil {
		return f.ActErr
	}
	if next, ok := f.swipes[f.current]; ok {
		f.current = next
	}
	return nil
}

func (f *FakeDevice) ReadElements(ctx context.Context) ([]device.Element, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadErr != nil {
		return nil, f.ReadErr
	}
	els, ok := f.screens[f.current]
	if !ok {
		return nil, fmt.Errorf("fake device has no screen %q", f.current)
	}
	out := make([]device.Element, len(els))
	copy(out, els)
	return out, nil
}

func (f *FakeDevice) Screenshot(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []byte("PNG:" + f.current), nil
}

func (f *FakeDevice) PressKey(ctx context.Context, key device.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Actions = append(f.Actions, "key:"+string(key))
	if f.ActErr != nil {
		return f.ActErr
	}
	f.pressLocked(key)
	return nil
}

func (f *FakeDevice) pressLocked(key device.Key) {
	if next, ok := f.keys[f.current][key]; ok {
		f.current = next
		return
	}
	if next, ok := f.keys[AnyScreen][key]; ok {
		f.current = next
	}
}

func (f *FakeDevice) LaunchApp(ctx context.Context, appID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Actions = append(f.Actions, "launch:"+appID)
	if f.ActErr != nil {
		return f.ActErr
	}
	next, ok := f.launches[appID]
	if !ok {
		return fmt.Errorf("fake device has no app %q", appID)
	}
	f.current = next
	return nil
}

// Button is a convenience constructor for a clickable element in tests.
func Button(text string, x, y int) device.Element {
	return device.Element{
		Bounds:    device.Bounds{X: x, Y: y, Width: 200, Height: 80},
		Text:      text,
		Type:      "android.widget.Button",
		Clickable: true,
	}
}

// Label is a convenience constructor for a non-clickable text element in tests.
func Label(text string, x, y int) device.Element {
	return device.Element{
		Bounds: device.Bounds{X: x, Y: y, Width: 600, Height: 60},
		Text:   text,
		Type:   "android.widget.TextView",
	}
}
