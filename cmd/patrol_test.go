package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/droidpatrol/internal/mocks"
	"github.com/xkilldash9x/droidpatrol/internal/patrol"
)

func TestRunPatrol(t *testing.T) {
	ctx := context.Background()

	t.Run("single device prints one report", func(t *testing.T) {
		cfg := newTestConfig()
		sessions := newFakeSessions(t, map[string]*mocks.FakeDevice{"": appDevice(4)})
		var out bytes.Buffer

		err := runPatrol(ctx, zaptest.NewLogger(t), cfg, &out, "", sessions, &fakeStores{store: newMemStore()})
		require.NoError(t, err)

		report, err := patrol.DecodeReport(&out)
		require.NoError(t, err)
		assert.Equal(t, "test", report.Platform)
		assert.Equal(t, "coffee", report.Keyword)
		assert.Equal(t, patrol.StateDone, report.FinalState)
		assert.Equal(t, patrol.ReasonMaxPosts, report.TerminationReason)
		assert.Len(t, report.VisitedPosts, 2)
		assert.NotEmpty(t, report.RunID)
	})

	t.Run("several devices print an array in device order", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.SetDeviceSerials([]string{"emulator-5554", "R58M123"})
		sessions := newFakeSessions(t, map[string]*mocks.FakeDevice{
			"emulator-5554": appDevice(3),
			"R58M123":       appDevice(3),
		})
		var out bytes.Buffer

		err := runPatrol(ctx, zaptest.NewLogger(t), cfg, &out, "", sessions, &fakeStores{store: newMemStore()})
		require.NoError(t, err)

		var reports []patrol.Report
		require.NoError(t, json.Unmarshal(out.Bytes(), &reports))
		require.Len(t, reports, 2)
		assert.Equal(t, "emulator-5554", reports[0].Device)
		assert.Equal(t, "R58M123", reports[1].Device)
		assert.NotEqual(t, reports[0].RunID, reports[1].RunID)
		for _, r := range reports {
			assert.Len(t, r.VisitedPosts, 2)
		}
	})

	t.Run("a device that fails to open is skipped", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.SetDeviceSerials([]string{"missing", "emulator-5554"})
		sessions := newFakeSessions(t, map[string]*mocks.FakeDevice{"emulator-5554": appDevice(2)})
		core, logs := observer.New(zap.WarnLevel)
		var out bytes.Buffer

		err := runPatrol(ctx, zap.New(core), cfg, &out, "", sessions, &fakeStores{store: newMemStore()})
		require.NoError(t, err)

		report, err := patrol.DecodeReport(&out)
		require.NoError(t, err)
		assert.Equal(t, "emulator-5554", report.Device)
		assert.Equal(t, 1, logs.FilterMessage("Device session failed to open").Len())
	})

	t.Run("fails when no device opens", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.SetDeviceSerials([]string{"missing"})
		var out bytes.Buffer

		err := runPatrol(ctx, zaptest.NewLogger(t), cfg, &out, "", newFakeSessions(t, nil), &fakeStores{store: newMemStore()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no device session")
		assert.Empty(t, out.String())
	})

	t.Run("keyword is required", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.PatrolCfg.Keyword = ""
		sessions := newFakeSessions(t, map[string]*mocks.FakeDevice{"": appDevice(1)})

		err := runPatrol(ctx, zaptest.NewLogger(t), cfg, &bytes.Buffer{}, "", sessions, &fakeStores{store: newMemStore()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid patrol config")
		assert.Empty(t, sessions.opened, "no session is opened for an invalid config")
	})

	t.Run("unknown platform", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.PatrolCfg.Platform = "myspace"

		err := runPatrol(ctx, zaptest.NewLogger(t), cfg, &bytes.Buffer{}, "", newFakeSessions(t, nil), &fakeStores{store: newMemStore()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown platform")
	})

	t.Run("reports are stored when a database is configured", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.SetDatabaseURL("postgres://localhost/droidpatrol")
		mem := newMemStore()
		stores := &fakeStores{store: mem}
		sessions := newFakeSessions(t, map[string]*mocks.FakeDevice{"": appDevice(2)})

		err := runPatrol(ctx, zaptest.NewLogger(t), cfg, &bytes.Buffer{}, "", sessions, stores)
		require.NoError(t, err)
		assert.Equal(t, 1, mem.count())
		assert.Equal(t, 1, stores.created)
		assert.Equal(t, 1, stores.cleanedUp)
	})

	t.Run("an interrupted run is still stored", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.SetDatabaseURL("postgres://localhost/droidpatrol")
		mem := newMemStore()
		sessions := newFakeSessions(t, map[string]*mocks.FakeDevice{"": appDevice(2)})
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		var out bytes.Buffer

		err := runPatrol(cctx, zaptest.NewLogger(t), cfg, &out, "", sessions, &fakeStores{store: mem})
		require.NoError(t, err)
		require.Equal(t, 1, mem.count())
		for _, r := range mem.reports {
			assert.Equal(t, patrol.StateAborted, r.FinalState)
			assert.Equal(t, patrol.ReasonCancelled, r.TerminationReason)
		}
	})

	t.Run("no database means no store", func(t *testing.T) {
		cfg := newTestConfig()
		stores := &fakeStores{store: newMemStore()}
		sessions := newFakeSessions(t, map[string]*mocks.FakeDevice{"": appDevice(2)})

		require.NoError(t, runPatrol(ctx, zaptest.NewLogger(t), cfg, &bytes.Buffer{}, "", sessions, stores))
		assert.Zero(t, stores.created)
	})

	t.Run("store failures do not fail the run", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.SetDatabaseURL("postgres://localhost/droidpatrol")
		mem := newMemStore()
		mem.saveErr = errors.New("disk full")
		sessions := newFakeSessions(t, map[string]*mocks.FakeDevice{"": appDevice(2)})
		core, logs := observer.New(zap.WarnLevel)
		var out bytes.Buffer

		err := runPatrol(ctx, zap.New(core), cfg, &out, "", sessions, &fakeStores{store: mem})
		require.NoError(t, err)
		assert.NotEmpty(t, out.String(), "the report is still printed")
		assert.Equal(t, 1, logs.FilterMessage("Failed to store report").Len())
	})

	t.Run("store connection failures are logged", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.SetDatabaseURL("postgres://localhost/droidpatrol")
		sessions := newFakeSessions(t, map[string]*mocks.FakeDevice{"": appDevice(2)})
		core, logs := observer.New(zap.WarnLevel)

		err := runPatrol(ctx, zap.New(core), cfg, &bytes.Buffer{}, "", sessions, &fakeStores{err: errors.New("connection refused")})
		require.NoError(t, err)
		assert.Equal(t, 1, logs.FilterMessage("Reports not stored").Len())
	})

	t.Run("output file", func(t *testing.T) {
		cfg := newTestConfig()
		sessions := newFakeSessions(t, map[string]*mocks.FakeDevice{"": appDevice(2)})
		path := filepath.Join(t.TempDir(), "report.json")
		var out bytes.Buffer

		require.NoError(t, runPatrol(ctx, zaptest.NewLogger(t), cfg, &out, path, sessions, &fakeStores{store: newMemStore()}))
		assert.Empty(t, out.String())

		f, err := os.Open(path)
		require.NoError(t, err)
		defer f.Close()
		report, err := patrol.DecodeReport(f)
		require.NoError(t, err)
		assert.Len(t, report.VisitedPosts, 2)
	})

	t.Run("sentiment can be turned off", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.PatrolCfg.Sentiment = false
		sessions := newFakeSessions(t, map[string]*mocks.FakeDevice{"": appDevice(1)})
		var out bytes.Buffer

		require.NoError(t, runPatrol(ctx, zaptest.NewLogger(t), cfg, &out, "", sessions, &fakeStores{store: newMemStore()}))
		assert.NotContains(t, out.String(), `"sentiment"`)
	})
}

func TestPatrolCommand(t *testing.T) {
	t.Run("flags override the config file", func(t *testing.T) {
		path := writeConfig(t, testConfigYAML)
		sessions := newFakeSessions(t, map[string]*mocks.FakeDevice{"": appDevice(5)})

		out, err := executeCommand(t, sessions, &fakeStores{store: newMemStore()},
			"patrol", "--config", path, "--keyword", "latte", "--max-posts", "3")
		require.NoError(t, err)

		report, err := patrol.DecodeReport(strings.NewReader(out))
		require.NoError(t, err)
		assert.Equal(t, "latte", report.Keyword)
		assert.Len(t, report.VisitedPosts, 3)
	})

	t.Run("missing keyword", func(t *testing.T) {
		path := writeConfig(t, testConfigYAML)
		_, err := executeCommand(t, newFakeSessions(t, nil), &fakeStores{store: newMemStore()}, "patrol", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "keyword")
	})

	t.Run("device flag selects the serials", func(t *testing.T) {
		path := writeConfig(t, testConfigYAML)
		sessions := newFakeSessions(t, map[string]*mocks.FakeDevice{
			"a": appDevice(2),
			"b": appDevice(2),
		})

		out, err := executeCommand(t, sessions, &fakeStores{store: newMemStore()},
			"patrol", "--config", path, "-k", "coffee", "-d", "a", "-d", "b", "--concurrency", "1")
		require.NoError(t, err)

		var reports []patrol.Report
		require.NoError(t, json.Unmarshal([]byte(out), &reports))
		require.Len(t, reports, 2)
		assert.ElementsMatch(t, []string{"a", "b"}, sessions.opened)
	})
}
