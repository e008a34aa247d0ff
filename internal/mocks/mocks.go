package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/droidpatrol/internal/device"
)

// -- Adapter Mock --

// MockAdapter mocks the device.Adapter interface.
type MockAdapter struct {
	mock.Mock
	AdapterName string
	AdapterTier device.Tier
	Caps        device.CapabilitySet
}

var _ device.Adapter = (*MockAdapter)(nil)

// NewMockAdapter creates a mock that advertises the full capability set unless caps are given.
func NewMockAdapter(name string, tier device.Tier, caps ...device.Capability) *MockAdapter {
	if len(caps) == 0 {
		caps = device.AllCapabilities
	}
	return &MockAdapter{AdapterName: name, AdapterTier: tier, Caps: device.NewCapabilitySet(caps...)}
}

func (m *MockAdapter) Name() string                      { return m.AdapterName }
func (m *MockAdapter) Tier() device.Tier                 { return m.AdapterTier }
func (m *MockAdapter) Supports(c device.Capability) bool { return m.Caps.Has(c) }

func (m *MockAdapter) Tap(ctx context.Context, target device.Target) error {
	args := m.Called(ctx, target)
	return args.Error(0)
}

func (m *MockAdapter) Type(ctx context.Context, text string, submit bool) error {
	args := m.Called(ctx, text, submit)
	return args.Error(0)
}

func (m *MockAdapter) Swipe(ctx context.Context, dir device.Direction, distance int) error {
	args := m.Called(ctx, dir, distance)
	return args.Error(0)
}

func (m *MockAdapter) ReadElements(ctx context.Context) ([]device.Element, error) {
	args := m.Called(ctx)
	var els []device.Element
	if v := args.Get(0); v != nil {
		els = v.([]device.Element)
	}
	return els, args.Error(1)
}

func (m *MockAdapter) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	var b []byte
	if v := args.Get(0); v != nil {
		b = v.([]byte)
	}
	return b, args.Error(1)
}

func (m *MockAdapter) PressKey(ctx context.Context, key device.Key) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockAdapter) LaunchApp(ctx context.Context, appID string) error {
	args := m.Called(ctx, appID)
	return args.Error(0)
}
