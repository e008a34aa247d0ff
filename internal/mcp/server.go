// File: internal/mcp/server.go
package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidpatrol/internal/navigation"
	"github.com/xkilldash9x/droidpatrol/internal/patrol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PatrolFunc runs one patrol with the given budgets and returns its report.
type PatrolFunc func(ctx context.Context, cfg patrol.Config) (*patrol.Report, error)

// Option configures a Server.
type Option func(*Server)

// WithPatrol enables the run_patrol tool.
func WithPatrol(fn PatrolFunc) Option {
	return func(s *Server) { s.runPatrol = fn }
}

// WithPatrolDefaults sets the budgets run_patrol starts from before applying the
// arguments of a call.
func WithPatrolDefaults(cfg patrol.Config) Option {
	return func(s *Server) { s.patrolDefaults = cfg }
}

// WithPollInterval sets how often wait_for re-reads the screen.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) { s.pollInterval = d }
}

// WithSleep replaces time.Sleep in polling loops. Tests use it to avoid real waits.
func WithSleep(sleep func(time.Duration)) Option {
	return func(s *Server) { s.sleep = sleep }
}

// WithClock replaces time.Now for wait deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server exposes verified device macros as MCP tools. Every macro goes through the
// navigation tracker so results carry the executor's outcome. Calls are serialized
// because a device session is single-threaded.
type Server struct {
	server         *mcpsdk.Server
	exec           navigation.Executor
	tracker        *navigation.Tracker
	runPatrol      PatrolFunc
	patrolDefaults patrol.Config
	logger         *zap.Logger

	pollInterval time.Duration
	sleep        func(time.Duration)
	now          func() time.Time

	mu sync.Mutex
}

// NewServer builds the server over an executor and registers its tools. Actions are
// recorded by a tracker of its own; read-only tools observe without counting toward
// loop detection.
func NewServer(exec navigation.Executor, navCfg navigation.Config, version string, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		server:         mcpsdk.NewServer(&mcpsdk.Implementation{Name: "droidpatrol", Version: version}, nil),
		exec:           exec,
		tracker:        navigation.NewTracker(exec, navCfg, logger),
		logger:         logger.Named("mcp"),
		pollInterval:   500 * time.Millisecond,
		sleep:          time.Sleep,
		now:            time.Now,
		patrolDefaults: patrol.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	return s
}

// Tracker exposes the navigation tracker for inspection.
func (s *Server) Tracker() *navigation.Tracker { return s.tracker }

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcpsdk.Server { return s.server }

// Run serves the tools on the transport until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context, transport mcpsdk.Transport) error {
	s.logger.Info("Macro server starting.")
	err := s.server.Run(ctx, transport)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("macro server stopped: %w", err)
	}
	s.logger.Info("Macro server stopped.")
	return nil
}

// ServeStdio serves on the process's stdin and stdout.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Run(ctx, &mcpsdk.StdioTransport{})
}

func inputSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

// addTool registers a handler whose arguments decode into P. Decode and handler errors
// become tool errors; results are returned as JSON text.
func addTool[P any](s *Server, tool *mcpsdk.Tool, handle func(context.Context, P) (any, error)) {
	s.server.AddTool(tool, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var params P
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
				var res mcpsdk.CallToolResult
				res.SetError(fmt.Errorf("invalid arguments: %w", err))
				return &res, nil
			}
		}

		s.mu.Lock()
		out, err := handle(ctx, params)
		s.mu.Unlock()
		if err != nil {
			s.logger.Debug("Tool failed", zap.String("tool", tool.Name), zap.Error(err))
			var res mcpsdk.CallToolResult
			res.SetError(err)
			return &res, nil
		}

		data, err := json.Marshal(out)
		if err != nil {
			var res mcpsdk.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
		}, nil
	})
}

func (s *Server) registerTools() {
	addTool(s, &mcpsdk.Tool{
		Name:        "find_and_click",
		Description: "Find an element by text, resource id or class name, tap it, and verify the screen changed.",
		InputSchema: inputSchema(map[string]any{
			"text":          prop("string", "Visible text or accessibility label"),
			"resource_id":   prop("string", "Resource id, e.g. com.app:id/search"),
			"class_name":    prop("string", "Widget class name"),
			"expected_text": prop("string", "Text that must be present after the tap"),
		}),
	}, s.findAndClick)

	addTool(s, &mcpsdk.Tool{
		Name:        "type_and_submit",
		Description: "Type text into the focused field (or a field found first) and optionally submit with ENTER.",
		InputSchema: inputSchema(map[string]any{
			"text":              prop("string", "Text to type"),
			"submit":            prop("boolean", "Press ENTER afterwards (default true)"),
			"field_text":        prop("string", "Text or hint of the field to tap first"),
			"field_resource_id": prop("string", "Resource id of the field to tap first"),
		}, "text"),
	}, s.typeAndSubmit)

	addTool(s, &mcpsdk.Tool{
		Name:        "wait_for",
		Description: "Wait until text appears on screen, or disappears when gone is set.",
		InputSchema: inputSchema(map[string]any{
			"text":            prop("string", "Text to wait for"),
			"gone":            prop("boolean", "Wait for the text to disappear"),
			"timeout_seconds": prop("number", "Maximum wait (default 10)"),
		}, "text"),
	}, s.waitFor)

	addTool(s, &mcpsdk.Tool{
		Name:        "scroll",
		Description: "Swipe once in a direction and report whether the screen changed.",
		InputSchema: inputSchema(map[string]any{
			"direction": prop("string", "up, down, left or right (default up)"),
			"distance":  prop("integer", "Swipe length in pixels (default a third of the screen)"),
		}),
	}, s.scroll)

	addTool(s, &mcpsdk.Tool{
		Name:        "scroll_and_find",
		Description: "Scroll until the text is on screen.",
		InputSchema: inputSchema(map[string]any{
			"text":        prop("string", "Text to find"),
			"direction":   prop("string", "Scroll direction (default up)"),
			"max_scrolls": prop("integer", "Maximum scrolls (default 5)"),
		}, "text"),
	}, s.scrollAndFind)

	addTool(s, &mcpsdk.Tool{
		Name:        "navigate_back",
		Description: "Press BACK and verify the screen changed.",
		InputSchema: inputSchema(map[string]any{
			"expected_text": prop("string", "Text expected on the previous screen"),
		}),
	}, s.navigateBack)

	addTool(s, &mcpsdk.Tool{
		Name:        "dismiss_popup",
		Description: "Tap the first common dismiss button found on screen.",
		InputSchema: inputSchema(map[string]any{
			"button_texts": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		}),
	}, s.dismissPopup)

	addTool(s, &mcpsdk.Tool{
		Name:        "launch_app",
		Description: "Launch an app by package name and optionally wait for text marking it ready.",
		InputSchema: inputSchema(map[string]any{
			"package":   prop("string", "Android package name"),
			"wait_text": prop("string", "Text expected once the app is ready"),
		}, "package"),
	}, s.launchApp)

	addTool(s, &mcpsdk.Tool{
		Name:        "get_screen_summary",
		Description: "Describe the current screen: signature, kind, visible texts and buttons.",
		InputSchema: inputSchema(map[string]any{
			"limit": prop("integer", "Maximum texts returned (default 20)"),
		}),
	}, s.screenSummary)

	if s.runPatrol != nil {
		addTool(s, &mcpsdk.Tool{
			Name:        "run_patrol",
			Description: "Search a keyword on a social app, visit result posts, and return a report.",
			InputSchema: inputSchema(map[string]any{
				"keyword":          prop("string", "Search keyword"),
				"platform":         prop("string", "threads, instagram, tiktok, x, facebook or youtube"),
				"max_posts":        prop("integer", "Maximum posts to visit"),
				"max_scrolls":      prop("integer", "Maximum result scrolls"),
				"max_errors":       prop("integer", "Errors tolerated before aborting"),
				"max_time_seconds": prop("integer", "Time budget in seconds"),
			}, "keyword"),
		}, s.patrol)
	}
}
