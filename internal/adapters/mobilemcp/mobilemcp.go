package mobilemcp

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidpatrol/internal/device"
)

// Name identifies the adapter in logs and router errors.
const Name = "mobilemcp"

// Tool names exposed by the mobile-mcp server.
const (
	toolListElements = "mobile_list_elements_on_screen"
	toolClick        = "mobile_click_on_screen_at_coordinates"
	toolType         = "mobile_type_keys"
	toolSwipe        = "mobile_swipe_on_screen"
	toolPressButton  = "mobile_press_button"
	toolLaunchApp    = "mobile_launch_app"
	toolScreenshot   = "mobile_take_screenshot"
	toolScreenSize   = "mobile_get_screen_size"
)

// Config describes how to reach a mobile-mcp server.
type Config struct {
	// Command is the executable that serves MCP on stdio, e.g. "npx".
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args"`
	// Device is passed to every tool call when set.
	Device         string        `mapstructure:"device" yaml:"device"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	// ClientVersion is announced in the MCP handshake. It is set by the binary, not by
	// configuration.
	ClientVersion string `mapstructure:"-" yaml:"-"`
}

// Adapter drives a device through an MCP session with a mobile-mcp server. The
// server works from the accessibility tree and only taps coordinates.
type Adapter struct {
	cfg     Config
	session *mcp.ClientSession
	logger  *zap.Logger
	caps    device.CapabilitySet

	mu     sync.Mutex
	closed bool
	width  int
	height int
}

var _ device.Adapter = (*Adapter)(nil)

// Dial spawns the configured command and completes the MCP handshake.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("mobilemcp adapter requires a command")
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	return Connect(ctx, &mcp.CommandTransport{Command: cmd}, cfg, logger)
}

// Connect opens a client session over an arbitrary transport.
func Connect(ctx context.Context, transport mcp.Transport, cfg Config, logger *zap.Logger) (*Adapter, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "dev"
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "droidpatrol", Version: cfg.ClientVersion}, nil)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	session, err := client.Connect(connectCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: mcp connect: %v", device.ErrBackendUnavailable, err)
	}

	a := &Adapter{
		cfg:     cfg,
		session: session,
		logger:  logger.Named("mobilemcp"),
		caps:    device.NewCapabilitySet(device.AllCapabilities...),
	}
	a.logger.Info("Connected to mobile-mcp server", zap.String("device", cfg.Device))
	return a, nil
}

// Close ends the session. Later calls report the backend as unavailable.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.session.Close()
}

func (a *Adapter) Name() string                      { return Name }
func (a *Adapter) Tier() device.Tier                 { return device.TierAccessibility }
func (a *Adapter) Supports(c device.Capability) bool { return a.caps.Has(c) }

// Tap clicks the target's coordinates.
func (a *Adapter) Tap(ctx context.Context, target device.Target) error {
	if !target.HasPoint() {
		return device.NewBackendError(Name, device.CapTap, fmt.Errorf("%w: coordinates required", device.ErrUnsupported))
	}
	if _, err := a.callTool(ctx, toolClick, map[string]any{"x": target.X, "y": target.Y}); err != nil {
		if errors.Is(err, device.ErrBackendUnavailable) {
			return device.NewBackendError(Name, device.CapTap, err)
		}
		return device.NewBackendError(Name, device.CapTap, fmt.Errorf("%w: %v", device.ErrTapFailed, err))
	}
	return nil
}

func (a *Adapter) Type(ctx context.Context, text string, submit bool) error {
	if _, err := a.callTool(ctx, toolType, map[string]any{"text": text, "submit": submit}); err != nil {
		return device.NewBackendError(Name, device.CapType, err)
	}
	return nil
}

func (a *Adapter) Swipe(ctx context.Context, dir device.Direction, distance int) error {
	w, h, err := a.screenSize(ctx)
	if err != nil {
		return device.NewBackendError(Name, device.CapSwipe, err)
	}
	sx, sy, ex, ey := device.SwipePath(w, h, dir, distance)
	args := map[string]any{
		"direction": string(dir),
		"x":         sx,
		"y":         sy,
		"distance":  max(abs(ex-sx), abs(ey-sy)),
	}
	if _, err := a.callTool(ctx, toolSwipe, args); err != nil {
		return device.NewBackendError(Name, device.CapSwipe, err)
	}
	return nil
}

func (a *Adapter) ReadElements(ctx context.Context) ([]device.Element, error) {
	res, err := a.callTool(ctx, toolListElements, nil)
	if err != nil {
		return nil, device.NewBackendError(Name, device.CapReadElements, err)
	}
	els, err := ParseElements(textOf(res))
	if err != nil {
		return nil, device.NewBackendError(Name, device.CapReadElements, err)
	}
	return els, nil
}

func (a *Adapter) Screenshot(ctx context.Context) ([]byte, error) {
	res, err := a.callTool(ctx, toolScreenshot, nil)
	if err != nil {
		return nil, device.NewBackendError(Name, device.CapScreenshot, err)
	}
	for _, c := range res.Content {
		if img, ok := c.(*mcp.ImageContent); ok && len(img.Data) > 0 {
			return img.Data, nil
		}
	}
	return nil, device.NewBackendError(Name, device.CapScreenshot, errors.New("no image in tool result"))
}

// buttons are the keys the server's press tool accepts.
var buttons = map[device.Key]string{
	device.KeyBack:  "BACK",
	device.KeyHome:  "HOME",
	device.KeyEnter: "ENTER",
}

func (a *Adapter) PressKey(ctx context.Context, key device.Key) error {
	name, ok := buttons[key]
	if !ok {
		return device.NewBackendError(Name, device.CapPressKey, fmt.Errorf("%w: key %s", device.ErrUnsupported, key))
	}
	if _, err := a.callTool(ctx, toolPressButton, map[string]any{"button": name}); err != nil {
		return device.NewBackendError(Name, device.CapPressKey, err)
	}
	return nil
}

func (a *Adapter) LaunchApp(ctx context.Context, appID string) error {
	if _, err := a.callTool(ctx, toolLaunchApp, map[string]any{"packageName": appID}); err != nil {
		return device.NewBackendError(Name, device.CapLaunchApp, err)
	}
	return nil
}

// callTool invokes a server tool. Transport failures become ErrBackendUnavailable;
// tool-reported failures are returned as plain errors carrying the server's text.
func (a *Adapter) callTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: session closed", device.ErrBackendUnavailable)
	}

	if args == nil {
		args = map[string]any{}
	}
	if a.cfg.Device != "" {
		args["device"] = a.cfg.Device
	}
	res, err := a.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", device.ErrBackendUnavailable, name, err)
	}
	if err := res.GetError(); err != nil {
		msg := textOf(res)
		if msg == "" {
			msg = err.Error()
		}
		a.logger.Debug("Tool reported an error", zap.String("tool", name), zap.String("message", msg))
		return nil, fmt.Errorf("%s: %s", name, msg)
	}
	return res, nil
}

var sizeRegex = regexp.MustCompile(`(\d+)\s*x\s*(\d+)`)

// screenSize asks the server once and falls back to the default size when the
// answer cannot be parsed.
func (a *Adapter) screenSize(ctx context.Context) (int, int, error) {
	a.mu.Lock()
	w, h := a.width, a.height
	a.mu.Unlock()
	if w > 0 && h > 0 {
		return w, h, nil
	}

	res, err := a.callTool(ctx, toolScreenSize, nil)
	if err != nil {
		if errors.Is(err, device.ErrBackendUnavailable) {
			return 0, 0, err
		}
		a.logger.Warn("Screen size query failed, using default", zap.Error(err))
		return device.DefaultScreenWidth, device.DefaultScreenHeight, nil
	}
	m := sizeRegex.FindStringSubmatch(textOf(res))
	if m == nil {
		return device.DefaultScreenWidth, device.DefaultScreenHeight, nil
	}
	w, _ = strconv.Atoi(m[1])
	h, _ = strconv.Atoi(m[2])

	a.mu.Lock()
	a.width, a.height = w, h
	a.mu.Unlock()
	return w, h, nil
}

func textOf(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if t, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
