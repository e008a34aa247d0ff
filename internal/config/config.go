// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xkilldash9x/droidpatrol/internal/adapters/adb"
	"github.com/xkilldash9x/droidpatrol/internal/adapters/mobilemcp"
	"github.com/xkilldash9x/droidpatrol/internal/adapters/u2"
	"github.com/xkilldash9x/droidpatrol/internal/executor"
	"github.com/xkilldash9x/droidpatrol/internal/navigation"
	"github.com/xkilldash9x/droidpatrol/internal/patrol"
)

// Backend names accepted in device.backends.
const (
	BackendU2        = u2.Name
	BackendMobileMCP = mobilemcp.Name
	BackendADB       = adb.Name
)

// Interface defines the contract for accessing application configuration.
// Commands depend on it so tests can hand in a prepared config.
type Interface interface {
	Logger() LoggerConfig
	Device() DeviceConfig
	ADB() adb.Config
	U2() u2.Config
	MobileMCP() mobilemcp.Config
	Executor() ExecutorConfig
	Navigation() NavigationConfig
	Patrol() PatrolConfig
	Platforms() map[string]patrol.Platform
	Database() DatabaseConfig
	MCP() MCPConfig
	Platform(name string) (patrol.Platform, error)

	SetDeviceSerials(serials []string)
	SetDeviceBackends(backends []string)
	SetPatrolConfig(pc PatrolConfig)
	SetDatabaseURL(url string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg     LoggerConfig               `mapstructure:"logger" yaml:"logger"`
	DeviceCfg     DeviceConfig               `mapstructure:"device" yaml:"device"`
	ADBCfg        adb.Config                 `mapstructure:"adb" yaml:"adb"`
	U2Cfg         u2.Config                  `mapstructure:"u2" yaml:"u2"`
	MobileMCPCfg  mobilemcp.Config           `mapstructure:"mobile_mcp" yaml:"mobile_mcp"`
	ExecutorCfg   ExecutorConfig             `mapstructure:"executor" yaml:"executor"`
	NavigationCfg NavigationConfig           `mapstructure:"navigation" yaml:"navigation"`
	PatrolCfg     PatrolConfig               `mapstructure:"patrol" yaml:"patrol"`
	PlatformsCfg  map[string]patrol.Platform `mapstructure:"platforms" yaml:"platforms"`
	DatabaseCfg   DatabaseConfig             `mapstructure:"database" yaml:"database"`
	MCPCfg        MCPConfig                  `mapstructure:"mcp" yaml:"mcp"`
}

var _ Interface = (*Config)(nil)

// --- Getters ---

func (c *Config) Logger() LoggerConfig                  { return c.LoggerCfg }
func (c *Config) Device() DeviceConfig                  { return c.DeviceCfg }
func (c *Config) ADB() adb.Config                       { return c.ADBCfg }
func (c *Config) U2() u2.Config                         { return c.U2Cfg }
func (c *Config) MobileMCP() mobilemcp.Config           { return c.MobileMCPCfg }
func (c *Config) Executor() ExecutorConfig              { return c.ExecutorCfg }
func (c *Config) Navigation() NavigationConfig          { return c.NavigationCfg }
func (c *Config) Patrol() PatrolConfig                  { return c.PatrolCfg }
func (c *Config) Platforms() map[string]patrol.Platform { return c.PlatformsCfg }
func (c *Config) Database() DatabaseConfig              { return c.DatabaseCfg }
func (c *Config) MCP() MCPConfig                        { return c.MCPCfg }

// --- Setters (CLI flag overrides) ---

func (c *Config) SetDeviceSerials(serials []string)   { c.DeviceCfg.Serials = serials }
func (c *Config) SetDeviceBackends(backends []string) { c.DeviceCfg.Backends = backends }
func (c *Config) SetPatrolConfig(pc PatrolConfig)     { c.PatrolCfg = pc }
func (c *Config) SetDatabaseURL(url string)           { c.DatabaseCfg.URL = url }

// LoggerConfig holds settings for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DeviceConfig selects the devices and the backend tiers used to drive them.
type DeviceConfig struct {
	// Serials lists the devices to drive. Empty means the single attached device.
	Serials []string `mapstructure:"serials" yaml:"serials"`
	// Backends are the adapters to build, in router priority order.
	Backends    []string      `mapstructure:"backends" yaml:"backends"`
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	// U2URLs maps a serial to its uiautomator2 agent when several devices are driven.
	// Devices without an entry use u2.url.
	U2URLs map[string]string `mapstructure:"u2_urls" yaml:"u2_urls"`
}

// U2URL returns the agent address for a serial.
func (d DeviceConfig) U2URL(serial, fallback string) string {
	if url, ok := d.U2URLs[strings.ToLower(serial)]; ok && url != "" {
		return url
	}
	return fallback
}

// ExecutorConfig tunes the click/verify protocol.
type ExecutorConfig struct {
	MaxAttempts       int                      `mapstructure:"max_attempts" yaml:"max_attempts"`
	FuzzyThreshold    float64                  `mapstructure:"fuzzy_threshold" yaml:"fuzzy_threshold"`
	CaptureScreenshot bool                     `mapstructure:"capture_screenshot" yaml:"capture_screenshot"`
	ArtifactDir       string                   `mapstructure:"artifact_dir" yaml:"artifact_dir"`
	Settle            map[string]time.Duration `mapstructure:"settle" yaml:"settle"`
	BlockedHints      []BlockedHintConfig      `mapstructure:"blocked_hints" yaml:"blocked_hints"`
}

// BlockedHintConfig names texts that mark a screen no retry can get past.
type BlockedHintConfig struct {
	Reason string   `mapstructure:"reason" yaml:"reason"`
	Texts  []string `mapstructure:"texts" yaml:"texts"`
}

// ToExecutor converts the section into the executor's own config.
func (e ExecutorConfig) ToExecutor() executor.Config {
	settle := make(executor.SettleTable, len(e.Settle))
	for kind, d := range e.Settle {
		settle[executor.ActionKind(kind)] = d
	}
	return executor.Config{
		MaxAttempts:       e.MaxAttempts,
		FuzzyThreshold:    e.FuzzyThreshold,
		Settle:            settle,
		CaptureScreenshot: e.CaptureScreenshot,
	}
}

// Hints converts the configured blocked hints.
func (e ExecutorConfig) Hints() []executor.BlockedHint {
	out := make([]executor.BlockedHint, 0, len(e.BlockedHints))
	for _, h := range e.BlockedHints {
		out = append(out, executor.BlockedHint{Reason: h.Reason, Texts: h.Texts})
	}
	return out
}

// NavigationConfig tunes loop detection and recovery.
type NavigationConfig struct {
	LoopThreshold  int `mapstructure:"loop_threshold" yaml:"loop_threshold"`
	MaxBackPresses int `mapstructure:"max_back_presses" yaml:"max_back_presses"`
}

// ToNavigation converts the section into the tracker's config.
func (n NavigationConfig) ToNavigation() navigation.Config {
	return navigation.Config{LoopThreshold: n.LoopThreshold, MaxBackPresses: n.MaxBackPresses}
}

// PatrolConfig holds the run budgets. The keyword usually comes from the command line.
type PatrolConfig struct {
	Platform       string `mapstructure:"platform" yaml:"platform"`
	Keyword        string `mapstructure:"keyword" yaml:"keyword"`
	MaxPosts       int    `mapstructure:"max_posts" yaml:"max_posts"`
	MaxScrolls     int    `mapstructure:"max_scrolls" yaml:"max_scrolls"`
	MaxErrors      int    `mapstructure:"max_errors" yaml:"max_errors"`
	MaxTimeSeconds int    `mapstructure:"max_time_seconds" yaml:"max_time_seconds"`
	ReadScrolls    int    `mapstructure:"read_scrolls" yaml:"read_scrolls"`
	// Sentiment labels visited posts with the lexicon classifier.
	Sentiment bool `mapstructure:"sentiment" yaml:"sentiment"`
	// Concurrency caps how many devices patrol at once; 0 means all of them.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// ToPatrol converts the section into the run config.
func (p PatrolConfig) ToPatrol() patrol.Config {
	return patrol.Config{
		Platform:       p.Platform,
		Keyword:        p.Keyword,
		MaxPosts:       p.MaxPosts,
		MaxScrolls:     p.MaxScrolls,
		MaxErrors:      p.MaxErrors,
		MaxTimeSeconds: p.MaxTimeSeconds,
		ReadScrolls:    p.ReadScrolls,
	}
}

// DatabaseConfig holds the report store connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
	// SaveReports persists every patrol report when a URL is set.
	SaveReports bool `mapstructure:"save_reports" yaml:"save_reports"`
}

// MCPConfig tunes the macro server.
type MCPConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// EnablePatrol exposes run_patrol to clients.
	EnablePatrol bool `mapstructure:"enable_patrol" yaml:"enable_patrol"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "droidpatrol")
	v.SetDefault("logger.log_file", "droidpatrol.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Device --
	v.SetDefault("device.backends", []string{BackendU2, BackendMobileMCP, BackendADB})
	v.SetDefault("device.call_timeout", "15s")

	// -- Backends --
	v.SetDefault("adb.binary", "adb")
	v.SetDefault("adb.commands_per_second", 10.0)
	v.SetDefault("adb.burst", 2)
	v.SetDefault("adb.use_adb_keyboard", true)
	v.SetDefault("u2.url", "http://127.0.0.1:7912")
	v.SetDefault("u2.screenshot_quality", 80)
	v.SetDefault("u2.force_http2", false)
	v.SetDefault("u2.insecure_skip_verify", false)
	v.SetDefault("mobile_mcp.command", "npx")
	v.SetDefault("mobile_mcp.args", []string{"-y", "@mobilenext/mobile-mcp@latest"})
	v.SetDefault("mobile_mcp.connect_timeout", "30s")

	// -- Executor --
	v.SetDefault("executor.max_attempts", executor.DefaultMaxAttempts)
	v.SetDefault("executor.fuzzy_threshold", 0.8)
	v.SetDefault("executor.capture_screenshot", false)
	v.SetDefault("executor.artifact_dir", "~/.droidpatrol/artifacts")

	// -- Navigation --
	v.SetDefault("navigation.loop_threshold", navigation.DefaultLoopThreshold)
	v.SetDefault("navigation.max_back_presses", navigation.DefaultMaxBackPresses)

	// -- Patrol --
	d := patrol.DefaultConfig()
	v.SetDefault("patrol.platform", d.Platform)
	v.SetDefault("patrol.max_posts", d.MaxPosts)
	v.SetDefault("patrol.max_scrolls", d.MaxScrolls)
	v.SetDefault("patrol.max_errors", d.MaxErrors)
	v.SetDefault("patrol.max_time_seconds", d.MaxTimeSeconds)
	v.SetDefault("patrol.read_scrolls", 1)
	v.SetDefault("patrol.sentiment", true)
	v.SetDefault("patrol.concurrency", 0)

	// -- Database --
	v.SetDefault("database.save_reports", true)

	// -- MCP --
	v.SetDefault("mcp.poll_interval", "500ms")
	v.SetDefault("mcp.enable_patrol", true)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The database URL usually carries a password, so it has a dedicated variable.
	_ = v.BindEnv("database.url", "DROIDPATROL_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if cfg.DatabaseCfg.URL == "" {
		cfg.DatabaseCfg.URL = os.Getenv("DROIDPATROL_DATABASE_URL")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values. The patrol
// keyword is checked when a patrol starts, not here.
func (c *Config) Validate() error {
	var errs []error
	if len(c.DeviceCfg.Backends) == 0 {
		errs = append(errs, errors.New("device.backends must name at least one backend"))
	}
	seen := make(map[string]bool)
	for _, b := range c.DeviceCfg.Backends {
		switch strings.ToLower(b) {
		case BackendU2, BackendMobileMCP, BackendADB:
		default:
			errs = append(errs, fmt.Errorf("device.backends: unknown backend %q", b))
		}
		if seen[strings.ToLower(b)] {
			errs = append(errs, fmt.Errorf("device.backends: %q listed twice", b))
		}
		seen[strings.ToLower(b)] = true
	}
	if c.DeviceCfg.CallTimeout <= 0 {
		errs = append(errs, errors.New("device.call_timeout must be a positive duration"))
	}
	if c.ExecutorCfg.MaxAttempts <= 0 {
		errs = append(errs, errors.New("executor.max_attempts must be a positive integer"))
	}
	if c.ExecutorCfg.FuzzyThreshold < 0 || c.ExecutorCfg.FuzzyThreshold > 1 {
		errs = append(errs, errors.New("executor.fuzzy_threshold must be between 0.0 and 1.0"))
	}
	for kind := range c.ExecutorCfg.Settle {
		switch executor.ActionKind(kind) {
		case executor.KindTap, executor.KindType, executor.KindSwipe, executor.KindPressKey, executor.KindLaunch:
		default:
			errs = append(errs, fmt.Errorf("executor.settle: unknown action kind %q", kind))
		}
	}
	if c.NavigationCfg.LoopThreshold <= 0 {
		errs = append(errs, errors.New("navigation.loop_threshold must be a positive integer"))
	}
	if c.NavigationCfg.MaxBackPresses <= 0 {
		errs = append(errs, errors.New("navigation.max_back_presses must be a positive integer"))
	}
	if err := c.PatrolCfg.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("patrol configuration invalid: %w", err))
	}
	if c.PatrolCfg.Platform != "" {
		if _, err := c.Platform(c.PatrolCfg.Platform); err != nil {
			errs = append(errs, err)
		}
	}
	if c.MCPCfg.PollInterval <= 0 {
		errs = append(errs, errors.New("mcp.poll_interval must be a positive duration"))
	}
	return errors.Join(errs...)
}

// Validate checks the budgets without requiring a keyword.
func (p PatrolConfig) Validate() error {
	if p.Concurrency < 0 {
		return errors.New("concurrency must not be negative")
	}
	pc := p.ToPatrol()
	pc.Keyword = "placeholder"
	return pc.Validate()
}

// Platform resolves a platform profile, applying any override from the platforms section.
func (c *Config) Platform(name string) (patrol.Platform, error) {
	var override *patrol.Platform
	if p, ok := c.PlatformsCfg[strings.ToLower(name)]; ok {
		override = &p
	}
	return patrol.LookupPlatform(name, override)
}
