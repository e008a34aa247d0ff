package u2

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/droidpatrol/internal/device"
	"github.com/xkilldash9x/droidpatrol/internal/network"
)

const hierarchyXML = `<?xml version='1.0' encoding='UTF-8' standalone='yes' ?>
<hierarchy rotation="0">
  <node index="0" text="" resource-id="" class="android.widget.FrameLayout" bounds="[0,0][1080,2400]">
    <node index="0" text="Search" resource-id="com.app:id/search" class="android.widget.TextView" clickable="true" bounds="[100,200][300,280]" />
    <node index="1" text="" content-desc="Profile" resource-id="" class="android.widget.ImageView" clickable="true" bounds="[900,200][1000,280]" />
  </node>
</hierarchy>`

// fakeAgent is a scripted uiautomator2 JSON-RPC agent.
type fakeAgent struct {
	mu      sync.Mutex
	calls   []rpcRequest
	results map[string]any
	errors  map[string]*RPCError
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		results: map[string]any{
			"click":               true,
			"swipe":               true,
			"pressKey":            true,
			"pressKeyCode":        true,
			"setText":             true,
			"dumpWindowHierarchy": hierarchyXML,
			"takeScreenshot":      base64.StdEncoding.EncodeToString([]byte("\x89PNG")),
			"deviceInfo":          map[string]any{"displayWidth": 720, "displayHeight": 1600, "sdkInt": 33},
			"objInfo":             map[string]any{"bounds": map[string]int{"left": 100, "top": 200, "right": 300, "bottom": 280}},
		},
		errors: make(map[string]*RPCError),
	}
}

func (f *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/jsonrpc/0" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.calls = append(f.calls, req)
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if e, ok := f.errors[req.Method]; ok {
		resp["error"] = e
	} else {
		resp["result"] = f.results[req.Method]
	}
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeAgent) setResult(method string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[method] = v
}

func (f *fakeAgent) setError(method string, e *RPCError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[method] = e
}

func (f *fakeAgent) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Method
	}
	return out
}

func (f *fakeAgent) last() rpcRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func setup(t *testing.T) (*Adapter, *fakeAgent) {
	t.Helper()
	agent := newFakeAgent()
	server := httptest.NewServer(agent)
	t.Cleanup(server.Close)
	a, err := New(Config{URL: server.URL}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return a, agent
}

func TestAdapter(t *testing.T) {
	ctx := context.Background()

	t.Run("Contract", func(t *testing.T) {
		a, _ := setup(t)
		assert.Equal(t, Name, a.Name())
		assert.Equal(t, device.TierSelector, a.Tier())
		assert.True(t, a.Supports(device.CapReadElements))
		assert.False(t, a.Supports(device.CapLaunchApp))

		err := a.LaunchApp(ctx, "com.app")
		assert.ErrorIs(t, err, device.ErrUnsupported)
		assert.True(t, device.IsBackendError(err))
	})

	t.Run("ReadElements", func(t *testing.T) {
		a, agent := setup(t)
		els, err := a.ReadElements(ctx)
		require.NoError(t, err)
		require.Len(t, els, 2)
		assert.Equal(t, "Search", els[0].Text)
		assert.Equal(t, "com.app:id/search", els[0].ResourceID)
		assert.Equal(t, "Profile", els[1].Label)
		assert.Equal(t, []string{"dumpWindowHierarchy"}, agent.methods())
	})

	t.Run("TapAtCoordinates", func(t *testing.T) {
		a, agent := setup(t)
		require.NoError(t, a.Tap(ctx, device.Target{X: 200, Y: 240}))
		call := agent.last()
		assert.Equal(t, "click", call.Method)
		assert.Equal(t, []any{float64(200), float64(240)}, call.Params)
		assert.Equal(t, "2.0", call.JSONRPC)
		assert.NotEmpty(t, call.ID)
	})

	t.Run("TapBySelector", func(t *testing.T) {
		a, agent := setup(t)
		require.NoError(t, a.Tap(ctx, device.Target{ResourceID: "com.app:id/search"}))
		assert.Equal(t, []string{"objInfo", "click"}, agent.methods())
		assert.Equal(t, []any{float64(200), float64(240)}, agent.last().Params)
	})

	t.Run("TapNotFound", func(t *testing.T) {
		a, agent := setup(t)
		agent.setError("objInfo", &RPCError{Code: codeObjectNotFound, Message: "androidx.test.uiautomator.UiObjectNotFoundException"})
		err := a.Tap(ctx, device.Target{Text: "Missing"})
		assert.ErrorIs(t, err, device.ErrElementNotFound)
	})

	t.Run("TapRejected", func(t *testing.T) {
		a, agent := setup(t)
		agent.setResult("click", false)
		assert.ErrorIs(t, a.Tap(ctx, device.Target{X: 1, Y: 1}), device.ErrTapFailed)
	})

	t.Run("TypeAndSubmit", func(t *testing.T) {
		a, agent := setup(t)
		require.NoError(t, a.Type(ctx, "coffee", true))
		assert.Equal(t, []string{"setText", "pressKey"}, agent.methods())
		assert.Equal(t, []any{"enter"}, agent.last().Params)
	})

	t.Run("SwipeUsesDeviceSize", func(t *testing.T) {
		a, agent := setup(t)
		require.NoError(t, a.Swipe(ctx, device.DirectionUp, 0))
		require.NoError(t, a.Swipe(ctx, device.DirectionDown, 200))
		assert.Equal(t, []string{"deviceInfo", "swipe", "swipe"}, agent.methods(), "display size is cached")
		sx, sy, ex, ey := device.SwipePath(720, 1600, device.DirectionDown, 200)
		assert.Equal(t, []any{float64(sx), float64(sy), float64(ex), float64(ey), float64(swipeSteps)}, agent.last().Params)
	})

	t.Run("PressKey", func(t *testing.T) {
		a, agent := setup(t)
		require.NoError(t, a.PressKey(ctx, device.KeyBack))
		assert.Equal(t, []any{"back"}, agent.last().Params)
		require.NoError(t, a.PressKey(ctx, device.KeyTab))
		assert.Equal(t, "pressKeyCode", agent.last().Method)
		assert.ErrorIs(t, a.PressKey(ctx, device.Key("VOLUME_UP")), device.ErrUnsupported)
	})

	t.Run("Screenshot", func(t *testing.T) {
		a, _ := setup(t)
		img, err := a.Screenshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte("\x89PNG"), img)
	})

	t.Run("AgentError", func(t *testing.T) {
		a, agent := setup(t)
		agent.setError("dumpWindowHierarchy", &RPCError{Code: -32001, Message: "java.lang.IllegalStateException"})
		_, err := a.ReadElements(ctx)
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, -32001, rpcErr.Code)
		assert.True(t, device.IsBackendError(err))
	})
}

func TestAdapterUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	a, err := New(Config{URL: url}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = a.ReadElements(context.Background())
	assert.ErrorIs(t, err, device.ErrBackendUnavailable)
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{}, nil, zaptest.NewLogger(t))
	assert.Error(t, err)

	a, err := New(Config{URL: "127.0.0.1:7912/"}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:7912/jsonrpc/0", a.endpoint)
}

func TestClientConfig(t *testing.T) {
	cc := Config{ForceHTTP2: true, InsecureSkipVerify: true}.ClientConfig(zaptest.NewLogger(t))
	assert.True(t, cc.ForceHTTP2)
	assert.True(t, cc.IgnoreTLSErrors)
	assert.Equal(t, network.DefaultRequestTimeout, cc.RequestTimeout)

	transport := network.NewHTTPTransport(cc)
	assert.True(t, transport.TLSClientConfig.InsecureSkipVerify)
	assert.Contains(t, transport.TLSClientConfig.NextProtos, "h2")

	plain := Config{}.ClientConfig(nil)
	assert.False(t, plain.ForceHTTP2)
	assert.False(t, plain.IgnoreTLSErrors)
	assert.NotNil(t, plain.Logger)
}

func TestAgentBehindTLSGateway(t *testing.T) {
	agent := newFakeAgent()
	var mu sync.Mutex
	var protos []int
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		protos = append(protos, r.ProtoMajor)
		mu.Unlock()
		agent.ServeHTTP(w, r)
	}))
	server.EnableHTTP2 = true
	server.StartTLS()
	t.Cleanup(server.Close)
	ctx := context.Background()

	t.Run("self-signed certificate is rejected by default", func(t *testing.T) {
		a, err := New(Config{URL: server.URL}, nil, zaptest.NewLogger(t))
		require.NoError(t, err)
		_, err = a.ReadElements(ctx)
		assert.Error(t, err)
	})

	t.Run("insecure gateway over h2", func(t *testing.T) {
		a, err := New(Config{URL: server.URL, ForceHTTP2: true, InsecureSkipVerify: true}, nil, zaptest.NewLogger(t))
		require.NoError(t, err)
		els, err := a.ReadElements(ctx)
		require.NoError(t, err)
		assert.Len(t, els, 2)

		mu.Lock()
		defer mu.Unlock()
		require.NotEmpty(t, protos)
		assert.Equal(t, 2, protos[len(protos)-1])
	})
}
