package observability

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/droidpatrol/internal/config"
)

// lockedBuffer is a WriteSyncer safe for the logger's concurrent writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Sync() error { return nil }

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestInitialize(t *testing.T) {
	t.Run("should initialize console logger with colors", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		out := &lockedBuffer{}

		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "droidpatrol",
			Colors:      config.ColorConfig{Info: "green"},
		}, out)
		GetLogger().Named("executor").Info("Action verified.")
		Sync()

		output := out.String()
		assert.Contains(t, output, "Action verified.")
		assert.Contains(t, output, ansi["green"]+"INFO"+colorReset)
		assert.Contains(t, output, "droidpatrol.executor.")
	})

	t.Run("should initialize json logger", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		out := &lockedBuffer{}

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "droidpatrol"}, out)
		GetLogger().Warn("Loop detected.", zap.String("signature", "ab12"))
		GetLogger().Debug("filtered out")
		Sync()

		var entry map[string]any
		require.NoError(t, jsoniter.Unmarshal(bytes.TrimSpace([]byte(out.String())), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "droidpatrol", entry["logger"])
		assert.Equal(t, "Loop detected.", entry["msg"])
		assert.Equal(t, "ab12", entry["signature"])
	})

	t.Run("should write to a rotated log file if configured", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		path := filepath.Join(t.TempDir(), "patrol.log")

		Initialize(config.LoggerConfig{Level: "debug", Format: "console", LogFile: path, MaxSize: 1}, zapcore.AddSync(&lockedBuffer{}))
		GetLogger().Error("Backend unavailable.")
		Sync()

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), `"msg":"Backend unavailable."`, "the file core is always JSON")
	})

	t.Run("should only initialize once", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		out := &lockedBuffer{}

		Initialize(config.LoggerConfig{Level: "info", ServiceName: "First"}, out)
		first := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "Second"}, out)
		second := GetLogger()

		assert.Same(t, first, second)
		second.Info("test")
		Sync()
		assert.Contains(t, out.String(), "First")
		assert.NotContains(t, out.String(), "Second")
	})
}

func TestGetLogger(t *testing.T) {
	t.Run("should return a fallback logger if not initialized", func(t *testing.T) {
		ResetForTest()
		require.NotNil(t, GetLogger())
	})

	t.Run("should return the global logger after initialization", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		Initialize(config.LoggerConfig{Level: "info"}, &lockedBuffer{})
		assert.Same(t, globalLogger.Load(), GetLogger())
	})
}

func TestForDevice(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)
	out := &lockedBuffer{}
	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, out)

	ForDevice("emulator-5554").Info("Starting patrol")
	ForDevice("").Info("No device")
	Sync()

	assert.Contains(t, out.String(), `"device":"emulator-5554"`)
	assert.Equal(t, 1, bytes.Count([]byte(out.String()), []byte(`"device"`)))
}
