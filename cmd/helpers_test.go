package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/droidpatrol/internal/config"
	"github.com/xkilldash9x/droidpatrol/internal/device"
	"github.com/xkilldash9x/droidpatrol/internal/executor"
	"github.com/xkilldash9x/droidpatrol/internal/mocks"
	"github.com/xkilldash9x/droidpatrol/internal/patrol"
	"github.com/xkilldash9x/droidpatrol/internal/store"
)

const testPkg = "com.test"

// newTestConfig returns the defaults plus a "test" platform matching appDevice.
func newTestConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.LoggerCfg.LogFile = ""
	cfg.ExecutorCfg.ArtifactDir = ""
	cfg.PlatformsCfg = map[string]patrol.Platform{"test": testPlatform()}
	cfg.PatrolCfg.Platform = "test"
	cfg.PatrolCfg.Keyword = "coffee"
	cfg.PatrolCfg.MaxPosts = 2
	return cfg
}

func testPlatform() patrol.Platform {
	return patrol.Platform{
		Package:          testPkg,
		SearchEntryTexts: []string{"Search"},
		ResultsTexts:     []string{"Top"},
		DetailTexts:      []string{"Reply"},
	}
}

func postText(i int) string {
	return fmt.Sprintf("@user%d shares a long post about coffee #%d", i, i)
}

// appDevice scripts the test app: launcher, home with a search entry, a search field,
// and a results list of n posts that each open a detail screen.
func appDevice(n int) *mocks.FakeDevice {
	fake := mocks.NewFakeDevice("launcher").
		AddScreen("launcher", mocks.Label("Launcher", 0, 0)).
		AddScreen("home", mocks.Button("Search", 0, 0), mocks.Label("Home feed", 0, 200)).
		AddScreen("search", device.Element{
			Bounds:    device.Bounds{X: 0, Y: 0, Width: 1000, Height: 100},
			Type:      "android.widget.EditText",
			Editable:  true,
			Clickable: true,
		}).
		OnTap("home", "Search", "search").
		OnType("search", "results").
		OnLaunch(testPkg, "home").
		OnKey(mocks.AnyScreen, device.KeyHome, "launcher")

	results := []device.Element{mocks.Label("Top", 0, 100)}
	for i := 1; i <= n; i++ {
		text := postText(i)
		results = append(results, mocks.Button(text, 0, 200+i*100))
		detail := fmt.Sprintf("detail%d", i)
		fake.AddScreen(detail, mocks.Label(text, 0, 100), mocks.Label("Reply", 0, 300), mocks.Label("12 likes", 0, 400)).
			OnTap("results", text, detail).
			OnKey(detail, device.KeyBack, "results")
	}
	return fake.AddScreen("results", results...)
}

// fakeSessions opens sessions over scripted devices keyed by serial.
type fakeSessions struct {
	t       *testing.T
	mu      sync.Mutex
	devices map[string]*mocks.FakeDevice
	opened  []string
}

func newFakeSessions(t *testing.T, devices map[string]*mocks.FakeDevice) *fakeSessions {
	return &fakeSessions{t: t, devices: devices}
}

func (f *fakeSessions) Open(ctx context.Context, cfg config.Interface, serial string) (*deviceSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.devices[serial]
	if !ok {
		return nil, fmt.Errorf("%w: no device %q", device.ErrBackendUnavailable, serial)
	}
	f.opened = append(f.opened, serial)
	logger := zaptest.NewLogger(f.t)
	exec := executor.New(dev, cfg.Executor().ToExecutor(), logger, executor.WithSleep(func(time.Duration) {}))
	return &deviceSession{Serial: serial, Exec: exec, logger: logger}, nil
}

// memStore keeps reports in memory.
type memStore struct {
	mu      sync.Mutex
	reports map[string]*patrol.Report
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{reports: make(map[string]*patrol.Report)}
}

func (m *memStore) SaveReport(ctx context.Context, r *patrol.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.reports[r.RunID] = r
	return nil
}

func (m *memStore) GetReport(ctx context.Context, runID string) (*patrol.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[runID]
	if !ok {
		return nil, store.ErrReportNotFound
	}
	return r, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reports)
}

type fakeStores struct {
	store     *memStore
	err       error
	created   int
	cleanedUp int
}

func (f *fakeStores) Create(ctx context.Context, cfg config.Interface) (reportStore, func(), error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	f.created++
	return f.store, func() { f.cleanedUp++ }, nil
}

// executeCommand runs a fresh command tree and returns its stdout.
func executeCommand(t *testing.T, sessions sessionProvider, stores storeProvider, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(sessions, stores)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// writeConfig writes a config file into a temp dir. Log files stay out of the repo.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const testConfigYAML = `
logger:
  log_file: ""
  level: error
executor:
  artifact_dir: ""
patrol:
  platform: test
  max_posts: 2
platforms:
  test:
    package: com.test
    search_entry_texts: ["Search"]
    results_texts: ["Top"]
    detail_texts: ["Reply"]
`
