package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/droidpatrol/internal/device"
	"github.com/xkilldash9x/droidpatrol/internal/screen"
)

func TestFileSink(t *testing.T) {
	root := filepath.Join(t.TempDir(), "debug")
	sink, err := NewFileSink(root, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.DirExists(t, sink.Root())

	before := screen.NewSnapshot([]device.Element{{Text: "A", Type: "TextView"}}, time.Now())
	b := Bundle{
		Action:     `tap selector{text="A"}`,
		Outcome:    "INEFFECTIVE",
		Attempt:    3,
		Timestamp:  time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Before:     &before,
		After:      &before,
		Error:      "action had no observable effect",
		Screenshot: []byte("png-bytes"),
	}

	dir, err := sink.Save(context.Background(), b)
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(dir), "20250102T030405.000_tap_selector_text_A_")
	assert.FileExists(t, filepath.Join(dir, "screenshot.png"))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Attempt)
	assert.Equal(t, before.Signature, loaded.Before.Signature)
	assert.Nil(t, loaded.Screenshot, "screenshot is stored beside the bundle, not inside it")

	raw, err := os.ReadFile(filepath.Join(dir, "bundle.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"beforeSnapshot"`)
	assert.Contains(t, string(raw), `"afterSnapshot"`)
}

func TestFileSinkCancelled(t *testing.T) {
	sink, err := NewFileSink(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sink.Save(ctx, Bundle{Action: "tap"})
	assert.ErrorIs(t, err, context.Canceled)
}
