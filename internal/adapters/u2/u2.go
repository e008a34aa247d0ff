package u2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/droidpatrol/internal/device"
	"github.com/xkilldash9x/droidpatrol/internal/network"
)

const (
	// Name identifies the adapter in logs and router errors.
	Name = "u2"

	maxResponseBytes = 32 << 20
	// swipeSteps approximates SwipeDurationMs; the agent moves one step per 5ms.
	swipeSteps = device.SwipeDurationMs / 5
)

// Config points the adapter at a uiautomator2 agent.
type Config struct {
	// URL is the agent base address, e.g. http://127.0.0.1:7912 after `adb forward`.
	URL string `mapstructure:"url" yaml:"url"`
	// ScreenshotQuality is the JPEG quality requested from the agent.
	ScreenshotQuality int `mapstructure:"screenshot_quality" yaml:"screenshot_quality"`
	// ForceHTTP2 negotiates h2 when the agent sits behind a TLS gateway.
	ForceHTTP2 bool `mapstructure:"force_http2" yaml:"force_http2"`
	// InsecureSkipVerify accepts self-signed gateway certificates.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// ClientConfig returns the HTTP client settings for the agent connection.
func (c Config) ClientConfig(logger *zap.Logger) *network.ClientConfig {
	cc := network.NewDefaultClientConfig()
	cc.ForceHTTP2 = c.ForceHTTP2
	cc.IgnoreTLSErrors = c.InsecureSkipVerify
	if logger != nil {
		cc.Logger = logger.Named("httpclient")
	}
	return cc
}

// Adapter drives a device through the uiautomator2 JSON-RPC agent. It resolves
// selectors on the device itself, which makes it the most reliable tier.
type Adapter struct {
	endpoint string
	cfg      Config
	client   *network.Client
	logger   *zap.Logger
	caps     device.CapabilitySet

	mu     sync.Mutex
	width  int
	height int
}

var _ device.Adapter = (*Adapter)(nil)

// New builds an adapter. A nil client is built from cfg.
func New(cfg Config, client *network.Client, logger *zap.Logger) (*Adapter, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.New("u2 adapter requires an agent url")
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if cfg.ScreenshotQuality <= 0 || cfg.ScreenshotQuality > 100 {
		cfg.ScreenshotQuality = 80
	}
	if client == nil {
		client = network.NewClient(cfg.ClientConfig(logger))
	}
	return &Adapter{
		endpoint: base + "/jsonrpc/0",
		cfg:      cfg,
		client:   client,
		logger:   logger.Named("u2"),
		caps: device.NewCapabilitySet(
			device.CapTap, device.CapType, device.CapSwipe, device.CapReadElements,
			device.CapScreenshot, device.CapPressKey,
		),
	}, nil
}

func (a *Adapter) Name() string                      { return Name }
func (a *Adapter) Tier() device.Tier                 { return device.TierSelector }
func (a *Adapter) Supports(c device.Capability) bool { return a.caps.Has(c) }

// Tap clicks the target's coordinates, or resolves its resource id or text on the
// device when no coordinates are given.
func (a *Adapter) Tap(ctx context.Context, target device.Target) error {
	x, y := target.X, target.Y
	if !target.HasPoint() {
		sel, ok := selectorForTarget(target)
		if !ok {
			return device.NewBackendError(Name, device.CapTap, fmt.Errorf("%w: empty target", device.ErrElementNotFound))
		}
		var info objectInfo
		if err := a.call(ctx, "objInfo", &info, sel); err != nil {
			return device.NewBackendError(Name, device.CapTap, err)
		}
		x, y = info.Bounds.toBounds().Center()
	}

	var clicked bool
	if err := a.call(ctx, "click", &clicked, x, y); err != nil {
		return device.NewBackendError(Name, device.CapTap, err)
	}
	if !clicked {
		return device.NewBackendError(Name, device.CapTap, device.ErrTapFailed)
	}
	a.logger.Debug("Tapped", zap.Int("x", x), zap.Int("y", y))
	return nil
}

// Type replaces the text of the focused field and optionally presses ENTER.
func (a *Adapter) Type(ctx context.Context, text string, submit bool) error {
	var ok bool
	if err := a.call(ctx, "setText", &ok, focusedSelector(), text); err != nil {
		return device.NewBackendError(Name, device.CapType, err)
	}
	if !ok {
		return device.NewBackendError(Name, device.CapType, errors.New("agent refused setText on the focused field"))
	}
	if submit {
		if err := a.PressKey(ctx, device.KeyEnter); err != nil {
			return device.NewBackendError(Name, device.CapType, fmt.Errorf("submit: %w", err))
		}
	}
	return nil
}

func (a *Adapter) Swipe(ctx context.Context, dir device.Direction, distance int) error {
	w, h, err := a.screenSize(ctx)
	if err != nil {
		return device.NewBackendError(Name, device.CapSwipe, err)
	}
	sx, sy, ex, ey := device.SwipePath(w, h, dir, distance)
	var ok bool
	if err := a.call(ctx, "swipe", &ok, sx, sy, ex, ey, swipeSteps); err != nil {
		return device.NewBackendError(Name, device.CapSwipe, err)
	}
	if !ok {
		return device.NewBackendError(Name, device.CapSwipe, errors.New("agent rejected swipe"))
	}
	return nil
}

// ReadElements dumps the window hierarchy and parses it with the shared parser.
func (a *Adapter) ReadElements(ctx context.Context) ([]device.Element, error) {
	var xml string
	if err := a.call(ctx, "dumpWindowHierarchy", &xml, false, 50); err != nil {
		return nil, device.NewBackendError(Name, device.CapReadElements, err)
	}
	els, err := device.ParseHierarchy([]byte(xml))
	if err != nil {
		return nil, device.NewBackendError(Name, device.CapReadElements, err)
	}
	return els, nil
}

func (a *Adapter) Screenshot(ctx context.Context) ([]byte, error) {
	var encoded string
	if err := a.call(ctx, "takeScreenshot", &encoded, 1, a.cfg.ScreenshotQuality); err != nil {
		return nil, device.NewBackendError(Name, device.CapScreenshot, err)
	}
	img, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, device.NewBackendError(Name, device.CapScreenshot, fmt.Errorf("decode screenshot: %w", err))
	}
	if len(img) == 0 {
		return nil, device.NewBackendError(Name, device.CapScreenshot, errors.New("empty screenshot"))
	}
	return img, nil
}

// keyNames maps keys to the agent's pressKey names. TAB has no name and is sent as a
// key code.
var keyNames = map[device.Key]string{
	device.KeyBack:   "back",
	device.KeyHome:   "home",
	device.KeyEnter:  "enter",
	device.KeyDelete: "delete",
	device.KeyMenu:   "menu",
}

const keyCodeTab = 61

func (a *Adapter) PressKey(ctx context.Context, key device.Key) error {
	var ok bool
	var err error
	switch name, known := keyNames[key]; {
	case known:
		err = a.call(ctx, "pressKey", &ok, name)
	case key == device.KeyTab:
		err = a.call(ctx, "pressKeyCode", &ok, keyCodeTab)
	default:
		return device.NewBackendError(Name, device.CapPressKey, fmt.Errorf("%w: key %s", device.ErrUnsupported, key))
	}
	if err != nil {
		return device.NewBackendError(Name, device.CapPressKey, err)
	}
	if !ok {
		return device.NewBackendError(Name, device.CapPressKey, fmt.Errorf("agent rejected key %s", key))
	}
	return nil
}

// LaunchApp is not offered by the JSON-RPC agent; the router fails over to a backend
// that can start activities.
func (a *Adapter) LaunchApp(ctx context.Context, appID string) error {
	return device.NewBackendError(Name, device.CapLaunchApp, device.ErrUnsupported)
}

// DeviceInfo is the subset of the agent's deviceInfo result the adapter uses.
type DeviceInfo struct {
	DisplayWidth   int    `json:"displayWidth"`
	DisplayHeight  int    `json:"displayHeight"`
	CurrentPackage string `json:"currentPackageName"`
	ProductName    string `json:"productName"`
	SDKInt         int    `json:"sdkInt"`
}

// Info queries the agent for device details.
func (a *Adapter) Info(ctx context.Context) (DeviceInfo, error) {
	var info DeviceInfo
	if err := a.call(ctx, "deviceInfo", &info); err != nil {
		return DeviceInfo{}, device.NewBackendError(Name, device.CapReadElements, err)
	}
	return info, nil
}

// screenSize returns the cached display size, asking the agent once.
func (a *Adapter) screenSize(ctx context.Context) (int, int, error) {
	a.mu.Lock()
	w, h := a.width, a.height
	a.mu.Unlock()
	if w > 0 && h > 0 {
		return w, h, nil
	}

	var info DeviceInfo
	if err := a.call(ctx, "deviceInfo", &info); err != nil {
		if errors.Is(err, device.ErrBackendUnavailable) {
			return 0, 0, err
		}
		a.logger.Warn("deviceInfo failed, using default screen size", zap.Error(err))
		return device.DefaultScreenWidth, device.DefaultScreenHeight, nil
	}
	if info.DisplayWidth <= 0 || info.DisplayHeight <= 0 {
		return device.DefaultScreenWidth, device.DefaultScreenHeight, nil
	}

	a.mu.Lock()
	a.width, a.height = info.DisplayWidth, info.DisplayHeight
	a.mu.Unlock()
	return info.DisplayWidth, info.DisplayHeight, nil
}
