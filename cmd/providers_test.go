package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/droidpatrol/internal/config"
)

const gatewayHierarchy = `<hierarchy rotation="0">` +
	`<node text="Gateway" class="android.widget.TextView" clickable="true" bounds="[0,0][300,100]" />` +
	`</hierarchy>`

// newGatewayAgent serves a uiautomator2 agent over TLS with a self-signed certificate.
func newGatewayAgent(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string `json:"id"`
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var result any = true
		if req.Method == "dumpWindowHierarchy" {
			result = gatewayHierarchy
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("u2 honours the gateway tls settings", func(t *testing.T) {
		server := newGatewayAgent(t)
		cfg := newTestConfig()
		cfg.U2Cfg.URL = server.URL
		cfg.U2Cfg.InsecureSkipVerify = true

		a, closer, err := openBackend(ctx, cfg, config.BackendU2, "emulator-5554", zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.Nil(t, closer)
		els, err := a.ReadElements(ctx)
		require.NoError(t, err)
		require.Len(t, els, 1)
		assert.Equal(t, "Gateway", els[0].Text)
	})

	t.Run("u2 verifies certificates by default", func(t *testing.T) {
		server := newGatewayAgent(t)
		cfg := newTestConfig()
		cfg.U2Cfg.URL = server.URL

		a, _, err := openBackend(ctx, cfg, config.BackendU2, "emulator-5554", zaptest.NewLogger(t))
		require.NoError(t, err)
		_, err = a.ReadElements(ctx)
		assert.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, _, err := openBackend(ctx, newTestConfig(), "appium", "emulator-5554", zaptest.NewLogger(t))
		assert.ErrorContains(t, err, `unknown backend "appium"`)
	})
}

func TestBackendConfigs(t *testing.T) {
	cfg := newTestConfig()
	cfg.U2Cfg.ForceHTTP2 = true
	cfg.DeviceCfg.U2URLs = map[string]string{"r58m123": "http://10.0.0.7:7912"}

	uc := u2Config(cfg, "R58M123")
	assert.Equal(t, "http://10.0.0.7:7912", uc.URL)
	assert.True(t, uc.ForceHTTP2)
	assert.Equal(t, cfg.U2().URL, u2Config(cfg, "emulator-5554").URL)

	old := Version
	Version = "1.4.0"
	t.Cleanup(func() { Version = old })

	mc := mobileMCPConfig(cfg, "emulator-5554")
	assert.Equal(t, "1.4.0", mc.ClientVersion)
	assert.Equal(t, "emulator-5554", mc.Device)

	cfg.MobileMCPCfg.Device = "pinned"
	assert.Equal(t, "pinned", mobileMCPConfig(cfg, "emulator-5554").Device)
}
