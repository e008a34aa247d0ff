package adb

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/droidpatrol/internal/device"
)

// Name identifies the adapter in logs and router errors.
const Name = "adb"

// ADBKeyboard receives base64 text through a broadcast, which is the only way to enter
// non-ASCII text over adb.
const (
	adbKeyboardIME    = "com.android.adbkeyboard/.AdbIME"
	adbKeyboardAction = "ADB_INPUT_B64"
)

// Config tunes the adb adapter.
type Config struct {
	Binary string `mapstructure:"binary" yaml:"binary"`
	// Serial selects the device with -s. Empty means the only attached device.
	Serial string `mapstructure:"serial" yaml:"serial"`
	// CommandsPerSecond paces adb invocations; Burst allows short bursts above it.
	CommandsPerSecond float64 `mapstructure:"commands_per_second" yaml:"commands_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
	// UseADBKeyboard routes non-ASCII text through the ADBKeyboard IME when installed.
	UseADBKeyboard bool `mapstructure:"use_adb_keyboard" yaml:"use_adb_keyboard"`
}

// Runner executes one adb invocation and returns its stdout.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ExecRunner runs the real adb binary.
type ExecRunner struct {
	Binary string
}

func (r ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	bin := r.Binary
	if bin == "" {
		bin = "adb"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s not found in PATH", device.ErrBackendUnavailable, bin)
		}
		msg := strings.TrimSpace(stderr.String())
		if isOffline(msg) {
			return out, fmt.Errorf("%w: %s", device.ErrBackendUnavailable, msg)
		}
		return out, fmt.Errorf("adb %s: %w: %s", strings.Join(args, " "), err, msg)
	}
	return out, nil
}

func isOffline(stderr string) bool {
	return strings.Contains(stderr, "no devices/emulators found") ||
		strings.Contains(stderr, "device offline") ||
		strings.Contains(stderr, "not found")
}

// Adapter drives a device with raw adb shell input. Every tap is by coordinates.
type Adapter struct {
	cfg     Config
	runner  Runner
	limiter *rate.Limiter
	logger  *zap.Logger

	mu     sync.Mutex
	width  int
	height int
	ime    *bool
}

var _ device.Adapter = (*Adapter)(nil)

// New builds an adapter. A nil runner runs the configured adb binary.
func New(cfg Config, runner Runner, logger *zap.Logger) *Adapter {
	if runner == nil {
		runner = ExecRunner{Binary: cfg.Binary}
	}
	if cfg.CommandsPerSecond <= 0 {
		cfg.CommandsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	l := logger.Named("adb")
	if cfg.Serial != "" {
		l = l.With(zap.String("serial", cfg.Serial))
	}
	return &Adapter{
		cfg:     cfg,
		runner:  runner,
		limiter: rate.NewLimiter(rate.Limit(cfg.CommandsPerSecond), cfg.Burst),
		logger:  l,
	}
}

func (a *Adapter) Name() string                      { return Name }
func (a *Adapter) Tier() device.Tier                 { return device.TierRaw }
func (a *Adapter) Supports(c device.Capability) bool { return true }

// run paces and executes one adb command against the configured device.
func (a *Adapter) run(ctx context.Context, args ...string) ([]byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if a.cfg.Serial != "" {
		args = append([]string{"-s", a.cfg.Serial}, args...)
	}
	a.logger.Debug("Running adb", zap.Strings("args", args))
	return a.runner.Run(ctx, args...)
}

func (a *Adapter) shell(ctx context.Context, args ...string) ([]byte, error) {
	return a.run(ctx, append([]string{"shell"}, args...)...)
}

func (a *Adapter) Tap(ctx context.Context, target device.Target) error {
	if !target.HasPoint() {
		return device.NewBackendError(Name, device.CapTap,
			fmt.Errorf("%w: raw input needs coordinates", device.ErrUnsupported))
	}
	if _, err := a.shell(ctx, "input", "tap", strconv.Itoa(target.X), strconv.Itoa(target.Y)); err != nil {
		return device.NewBackendError(Name, device.CapTap, fmt.Errorf("%w: %v", device.ErrTapFailed, err))
	}
	return nil
}

// Type enters text into the focused field. ASCII goes through `input text`; anything
// else needs the ADBKeyboard IME.
func (a *Adapter) Type(ctx context.Context, text string, submit bool) error {
	if isASCII(text) {
		if _, err := a.shell(ctx, "input", "text", EscapeInputText(text)); err != nil {
			return device.NewBackendError(Name, device.CapType, err)
		}
	} else {
		if err := a.typeUnicode(ctx, text); err != nil {
			return device.NewBackendError(Name, device.CapType, err)
		}
	}
	if submit {
		if err := a.PressKey(ctx, device.KeyEnter); err != nil {
			return device.NewBackendError(Name, device.CapType, fmt.Errorf("submit: %w", err))
		}
	}
	return nil
}

func (a *Adapter) typeUnicode(ctx context.Context, text string) error {
	if !a.cfg.UseADBKeyboard {
		return fmt.Errorf("%w: non-ASCII text without ADBKeyboard", device.ErrUnsupported)
	}
	ready, err := a.adbKeyboardReady(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("%w: ADBKeyboard IME is not installed", device.ErrUnsupported)
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(text))
	out, err := a.shell(ctx, "am", "broadcast", "-a", adbKeyboardAction, "--es", "msg", encoded)
	if err != nil {
		return err
	}
	if !strings.Contains(string(out), "result=0") {
		return fmt.Errorf("ADBKeyboard broadcast failed: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// adbKeyboardReady enables the IME once per adapter and remembers the answer.
func (a *Adapter) adbKeyboardReady(ctx context.Context) (bool, error) {
	a.mu.Lock()
	known := a.ime
	a.mu.Unlock()
	if known != nil {
		return *known, nil
	}

	out, err := a.shell(ctx, "ime", "list", "-s")
	if err != nil {
		return false, err
	}
	ready := strings.Contains(string(out), adbKeyboardIME)
	if ready {
		if _, err := a.shell(ctx, "ime", "set", adbKeyboardIME); err != nil {
			return false, err
		}
	}
	a.mu.Lock()
	a.ime = &ready
	a.mu.Unlock()
	return ready, nil
}

func (a *Adapter) Swipe(ctx context.Context, dir device.Direction, distance int) error {
	w, h, err := a.screenSize(ctx)
	if err != nil {
		return device.NewBackendError(Name, device.CapSwipe, err)
	}
	sx, sy, ex, ey := device.SwipePath(w, h, dir, distance)
	args := []string{"input", "swipe"}
	for _, n := range []int{sx, sy, ex, ey, device.SwipeDurationMs} {
		args = append(args, strconv.Itoa(n))
	}
	if _, err := a.shell(ctx, args...); err != nil {
		return device.NewBackendError(Name, device.CapSwipe, err)
	}
	return nil
}

// ReadElements dumps the hierarchy straight to stdout and parses it.
func (a *Adapter) ReadElements(ctx context.Context) ([]device.Element, error) {
	out, err := a.run(ctx, "exec-out", "uiautomator", "dump", "/dev/tty")
	if err != nil {
		return nil, device.NewBackendError(Name, device.CapReadElements, err)
	}
	// The dump is followed by a status line ("UI hierchary dumped to: /dev/tty").
	if i := bytes.LastIndex(out, []byte("</hierarchy>")); i >= 0 {
		out = out[:i+len("</hierarchy>")]
	}
	els, err := device.ParseHierarchy(out)
	if err != nil {
		return nil, device.NewBackendError(Name, device.CapReadElements, err)
	}
	return els, nil
}

var pngMagic = []byte("\x89PNG")

func (a *Adapter) Screenshot(ctx context.Context) ([]byte, error) {
	out, err := a.run(ctx, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, device.NewBackendError(Name, device.CapScreenshot, err)
	}
	if !bytes.HasPrefix(out, pngMagic) {
		return nil, device.NewBackendError(Name, device.CapScreenshot, errors.New("screencap returned no PNG data"))
	}
	return out, nil
}

// keyCodes are Android KEYCODE_* values.
var keyCodes = map[device.Key]int{
	device.KeyHome:   3,
	device.KeyBack:   4,
	device.KeyTab:    61,
	device.KeyEnter:  66,
	device.KeyDelete: 67,
	device.KeyMenu:   82,
}

func (a *Adapter) PressKey(ctx context.Context, key device.Key) error {
	code, ok := keyCodes[key]
	if !ok {
		return device.NewBackendError(Name, device.CapPressKey, fmt.Errorf("%w: key %s", device.ErrUnsupported, key))
	}
	if _, err := a.shell(ctx, "input", "keyevent", strconv.Itoa(code)); err != nil {
		return device.NewBackendError(Name, device.CapPressKey, err)
	}
	return nil
}

// LaunchApp starts the package's launcher activity through monkey, which exits zero
// even when the package is missing, so its output is checked.
func (a *Adapter) LaunchApp(ctx context.Context, appID string) error {
	out, err := a.shell(ctx, "monkey", "-p", appID, "-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return device.NewBackendError(Name, device.CapLaunchApp, err)
	}
	if bytes.Contains(out, []byte("No activities found")) || bytes.Contains(out, []byte("monkey aborted")) {
		return device.NewBackendError(Name, device.CapLaunchApp, fmt.Errorf("no launcher activity for %s", appID))
	}
	return nil
}

var sizeRe = regexp.MustCompile(`(Physical|Override) size:\s*(\d+)x(\d+)`)

// screenSize reads `wm size` once. An override size wins over the physical one.
func (a *Adapter) screenSize(ctx context.Context) (int, int, error) {
	a.mu.Lock()
	w, h := a.width, a.height
	a.mu.Unlock()
	if w > 0 && h > 0 {
		return w, h, nil
	}

	out, err := a.shell(ctx, "wm", "size")
	if err != nil {
		if errors.Is(err, device.ErrBackendUnavailable) {
			return 0, 0, err
		}
		a.logger.Warn("wm size failed, using default screen size", zap.Error(err))
		return device.DefaultScreenWidth, device.DefaultScreenHeight, nil
	}
	w, h = ParseScreenSize(string(out))
	a.mu.Lock()
	a.width, a.height = w, h
	a.mu.Unlock()
	return w, h, nil
}

// ParseScreenSize extracts the display size from `wm size` output, falling back to
// the default geometry.
func ParseScreenSize(out string) (int, int) {
	w, h := device.DefaultScreenWidth, device.DefaultScreenHeight
	for _, m := range sizeRe.FindAllStringSubmatch(out, -1) {
		mw, _ := strconv.Atoi(m[2])
		mh, _ := strconv.Atoi(m[3])
		if mw <= 0 || mh <= 0 {
			continue
		}
		w, h = mw, mh
		if m[1] == "Override" {
			break
		}
	}
	return w, h
}

// Devices lists the serials of attached devices in the "device" state.
func Devices(ctx context.Context, runner Runner) ([]string, error) {
	out, err := runner.Run(ctx, "devices")
	if err != nil {
		return nil, err
	}
	var serials []string
	for _, line := range strings.Split(string(out), "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == "device" {
			serials = append(serials, fields[0])
		}
	}
	return serials, nil
}

// EscapeInputText prepares text for `adb shell input text`: spaces become %s and shell
// metacharacters are backslash-escaped.
func EscapeInputText(text string) string {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == ' ':
			b.WriteString("%s")
		case strings.ContainsRune(`\'"()<>|;&*~$`+"`"+`#?![]{}`, r):
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
