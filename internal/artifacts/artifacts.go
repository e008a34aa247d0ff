package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidpatrol/internal/screen"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// unsafeChars is used to turn action descriptions into directory names.
var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Bundle is the debug record written when an action exhausts its retries.
type Bundle struct {
	Action     string           `json:"action"`
	Outcome    string           `json:"outcome"`
	Attempt    int              `json:"attempt"`
	Timestamp  time.Time        `json:"timestamp"`
	Before     *screen.Snapshot `json:"beforeSnapshot"`
	After      *screen.Snapshot `json:"afterSnapshot"`
	Error      string           `json:"error,omitempty"`
	Screenshot []byte           `json:"-"`
}

// FileSink writes bundles under a root directory, one subdirectory per failure.
type FileSink struct {
	root   string
	logger *zap.Logger
}

// NewFileSink expands "~" in dir and creates it.
func NewFileSink(dir string, logger *zap.Logger) (*FileSink, error) {
	root, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand artifact dir %q: %w", dir, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir %q: %w", root, err)
	}
	return &FileSink{root: root, logger: logger.Named("artifacts")}, nil
}

// Root returns the expanded base directory.
func (s *FileSink) Root() string { return s.root }

// Save writes bundle.json (and screenshot.png when present) and returns the bundle dir.
func (s *FileSink) Save(ctx context.Context, b Bundle) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.Timestamp.IsZero() {
		b.Timestamp = time.Now()
	}
	name := fmt.Sprintf("%s_%s_%s",
		b.Timestamp.UTC().Format("20060102T150405.000"),
		unsafeChars.ReplaceAllString(b.Action, "_"),
		b.Outcome)
	if len(name) > 120 {
		name = name[:120]
	}
	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create bundle dir: %w", err)
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode bundle: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bundle.json"), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write bundle: %w", err)
	}
	if len(b.Screenshot) > 0 {
		if err := os.WriteFile(filepath.Join(dir, "screenshot.png"), b.Screenshot, 0o644); err != nil {
			return "", fmt.Errorf("failed to write screenshot: %w", err)
		}
	}

	s.logger.Info("Saved debug artifacts", zap.String("dir", dir), zap.String("outcome", b.Outcome))
	return dir, nil
}

// Load reads a bundle back from its directory.
func Load(dir string) (Bundle, error) {
	var b Bundle
	data, err := os.ReadFile(filepath.Join(dir, "bundle.json"))
	if err != nil {
		return b, err
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("failed to decode bundle: %w", err)
	}
	return b, nil
}
