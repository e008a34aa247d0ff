package navigation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/droidpatrol/internal/device"
	"github.com/xkilldash9x/droidpatrol/internal/executor"
	"github.com/xkilldash9x/droidpatrol/internal/mocks"
	"github.com/xkilldash9x/droidpatrol/internal/screen"
)

const testApp = "com.example.app"

func newTestTracker(t *testing.T, fake *mocks.FakeDevice, cfg Config) *Tracker {
	t.Helper()
	logger := zaptest.NewLogger(t)
	exec := executor.New(fake, executor.Config{}, logger, executor.WithSleep(func(time.Duration) {}))
	return NewTracker(exec, cfg, logger)
}

func TestGraph(t *testing.T) {
	g := NewGraph()
	assert.True(t, g.Visit("a"))
	assert.True(t, g.Visit("b"))
	assert.False(t, g.Visit("a"))

	g.AddEdge(Edge{From: "a", Kind: executor.KindTap, To: "b"})
	g.AddEdge(Edge{From: "a", Kind: executor.KindTap, To: "b"})
	g.AddEdge(Edge{From: "b", Kind: executor.KindPressKey, To: "a"})

	assert.Equal(t, 2, g.Len())
	assert.Equal(t, []screen.Signature{"a", "b"}, g.Signatures())
	assert.Equal(t, 2, g.EdgeCount(Edge{From: "a", Kind: executor.KindTap, To: "b"}))
	assert.Equal(t, 3, g.TotalEdges())
	assert.Equal(t, []screen.Signature{"b"}, g.Successors("a"))

	n, ok := g.Node("a")
	require.True(t, ok)
	assert.Equal(t, 2, n.Visits)
	assert.Equal(t, 0, n.Order)
	_, ok = g.Node("zzz")
	assert.False(t, ok)
}

func TestTrackerLoopDetection(t *testing.T) {
	t.Run("OscillationIsDetectedOnThirdRepeat", func(t *testing.T) {
		fake := mocks.NewFakeDevice("list").
			AddScreen("list", mocks.Button("Next", 0, 0), mocks.Label("List", 0, 200)).
			AddScreen("detail", mocks.Label("Detail", 0, 0), mocks.Button("Open", 0, 100)).
			OnTap("list", "Next", "detail").
			OnKey("detail", device.KeyBack, "list")
		tr := newTestTracker(t, fake, Config{})
		ctx := context.Background()

		_, err := tr.Observe(ctx)
		require.NoError(t, err)

		var loopErr error
		steps := 0
		for steps < 10 && loopErr == nil {
			req := executor.Tap(screen.Selector{Text: "Next"})
			if fake.Current() == "detail" {
				req = executor.PressKey(device.KeyBack)
			}
			var res executor.Result
			res, loopErr = tr.Do(ctx, req)
			require.True(t, res.Succeeded(), res.Error)
			steps++
		}

		require.ErrorIs(t, loopErr, ErrNavigationLoop)
		assert.Equal(t, 5, steps, "detail is the first screen seen three times")
		assert.Equal(t, 5, fake.ActionCount(), "no action is issued after the loop is reported")
		assert.Equal(t, 2, tr.Graph().Len())
	})

	t.Run("IneffectiveRetriesCountTowardsTheLoop", func(t *testing.T) {
		fake := mocks.NewFakeDevice("stuck").AddScreen("stuck", mocks.Button("Dead button", 0, 0))
		tr := newTestTracker(t, fake, Config{})
		ctx := context.Background()
		dead := executor.Tap(screen.Selector{Text: "Dead button"})

		var loopErr error
		for i := 0; i < 3 && loopErr == nil; i++ {
			_, loopErr = tr.Do(ctx, dead)
		}
		require.ErrorIs(t, loopErr, ErrNavigationLoop)
		assert.LessOrEqual(t, fake.ActionCount(), 3, "the loop is reported before a fourth tap")

		issued := fake.ActionCount()
		res, err := tr.Do(ctx, dead)
		require.ErrorIs(t, err, ErrNavigationLoop)
		assert.ErrorIs(t, res.Err, executor.ErrHalted)
		assert.Equal(t, executor.OutcomeIneffective, res.Outcome)
		assert.Equal(t, issued, fake.ActionCount(), "a looping screen takes no further action")

		tr.ResetLoopState()
		_, err = tr.Do(ctx, dead)
		assert.ErrorIs(t, err, ErrNavigationLoop)
		assert.Equal(t, issued+executor.DefaultMaxAttempts, fake.ActionCount(), "a reset allows another full round of retries")
	})

	t.Run("RepeatedObservationsCount", func(t *testing.T) {
		fake := mocks.NewFakeDevice("still").AddScreen("still", mocks.Label("Nothing moves", 0, 0))
		tr := newTestTracker(t, fake, Config{})
		ctx := context.Background()

		_, err := tr.Observe(ctx)
		require.NoError(t, err)
		_, err = tr.Observe(ctx)
		require.NoError(t, err)
		_, err = tr.Observe(ctx)
		assert.ErrorIs(t, err, ErrNavigationLoop)

		tr.ResetLoopState()
		_, err = tr.Observe(ctx)
		assert.NoError(t, err)
	})

	t.Run("NewScreenResetsCounts", func(t *testing.T) {
		fake := mocks.NewFakeDevice("a").
			AddScreen("a", mocks.Button("Go", 0, 0)).
			AddScreen("b", mocks.Button("Go on", 0, 0)).
			AddScreen("c", mocks.Label("End", 0, 0)).
			OnTap("a", "Go", "b").
			OnTap("b", "Go on", "c")
		tr := newTestTracker(t, fake, Config{})
		ctx := context.Background()

		_, err := tr.Observe(ctx)
		require.NoError(t, err)
		_, err = tr.Observe(ctx)
		require.NoError(t, err)
		_, err = tr.Do(ctx, executor.Tap(screen.Selector{Text: "Go"}))
		require.NoError(t, err)
		_, err = tr.Do(ctx, executor.Tap(screen.Selector{Text: "Go on"}))
		require.NoError(t, err)
		assert.Equal(t, 3, tr.Graph().Len())
	})

	t.Run("FailedActionWithoutAfterIsNotCounted", func(t *testing.T) {
		fake := mocks.NewFakeDevice("a").AddScreen("a", mocks.Button("Go", 0, 0))
		tr := newTestTracker(t, fake, Config{LoopThreshold: 2})
		ctx := context.Background()

		_, err := tr.Observe(ctx)
		require.NoError(t, err)
		fake.ActErr = errors.New("device offline")
		res, err := tr.Do(ctx, executor.Tap(screen.Selector{Text: "Go"}))
		assert.Equal(t, executor.OutcomeBackendError, res.Outcome)
		assert.NoError(t, err)
	})
}

// lostDevice builds an app with results, detail and a share sheet. BACK walks from the
// sheet to detail to results. HOME leaves the app.
func lostDevice() *mocks.FakeDevice {
	return mocks.NewFakeDevice("launcher").
		AddScreen("launcher", mocks.Label("Launcher", 0, 0)).
		AddScreen("results", mocks.Label("Results", 0, 0), mocks.Button("Open", 0, 100)).
		AddScreen("detail", mocks.Label("Detail", 0, 0), mocks.Button("Share", 0, 100), mocks.Button("Deep link", 0, 300)).
		AddScreen("sheet", mocks.Label("Share to", 0, 0), mocks.Button("Copy", 0, 100)).
		AddScreen("stuck", mocks.Label("Web view", 0, 0)).
		OnLaunch(testApp, "results").
		OnTap("results", "Open", "detail").
		OnTap("detail", "Share", "sheet").
		OnTap("detail", "Deep link", "stuck").
		OnKey("sheet", device.KeyBack, "detail").
		OnKey("detail", device.KeyBack, "results").
		OnKey(mocks.AnyScreen, device.KeyHome, "launcher")
}

func TestTrackerRecover(t *testing.T) {
	ctx := context.Background()

	t.Run("ViaBackPresses", func(t *testing.T) {
		fake := lostDevice()
		tr := newTestTracker(t, fake, Config{AppID: testApp})

		res, err := tr.Do(ctx, executor.Launch(testApp))
		require.NoError(t, err)
		require.True(t, res.Succeeded(), res.Error)
		results := res.After.Signature
		tr.MarkEntry(results)

		_, err = tr.Do(ctx, executor.Tap(screen.Selector{Text: "Open"}))
		require.NoError(t, err)
		_, err = tr.Do(ctx, executor.Tap(screen.Selector{Text: "Share"}))
		require.NoError(t, err)
		require.Equal(t, "sheet", fake.Current())

		rec, err := tr.Recover(ctx, []screen.Signature{results})
		require.NoError(t, err)
		assert.Equal(t, RecoveredByBack, rec.Via)
		assert.Equal(t, 2, rec.BackPresses)
		assert.Equal(t, results, rec.Signature)
		assert.Equal(t, "results", fake.Current())
	})

	t.Run("WithoutAnchorsAnyKnownScreenCounts", func(t *testing.T) {
		fake := lostDevice()
		tr := newTestTracker(t, fake, Config{AppID: testApp})

		_, err := tr.Do(ctx, executor.Launch(testApp))
		require.NoError(t, err)
		_, err = tr.Do(ctx, executor.Tap(screen.Selector{Text: "Open"}))
		require.NoError(t, err)
		_, err = tr.Do(ctx, executor.Tap(screen.Selector{Text: "Share"}))
		require.NoError(t, err)

		rec, err := tr.Recover(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, RecoveredByBack, rec.Via)
		assert.Equal(t, 1, rec.BackPresses)
		assert.Equal(t, "detail", fake.Current())
	})

	t.Run("ViaRelaunch", func(t *testing.T) {
		fake := lostDevice()
		tr := newTestTracker(t, fake, Config{AppID: testApp})

		res, err := tr.Do(ctx, executor.Launch(testApp))
		require.NoError(t, err)
		tr.MarkEntry(res.After.Signature)
		_, err = tr.Do(ctx, executor.Tap(screen.Selector{Text: "Open"}))
		require.NoError(t, err)
		_, err = tr.Do(ctx, executor.Tap(screen.Selector{Text: "Deep link"}))
		require.NoError(t, err)
		require.Equal(t, "stuck", fake.Current())

		rec, err := tr.Recover(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, RecoveredByRelaunch, rec.Via)
		assert.Equal(t, tr.Entry(), rec.Signature)
		assert.Equal(t, DefaultMaxBackPresses, rec.BackPresses)
		assert.Equal(t, "results", fake.Current())
		assert.Contains(t, fake.Actions, "key:HOME")
		assert.Equal(t, "launch:"+testApp, fake.Actions[len(fake.Actions)-1])
	})

	t.Run("RelaunchFails", func(t *testing.T) {
		fake := lostDevice()
		tr := newTestTracker(t, fake, Config{AppID: testApp})

		res, err := tr.Do(ctx, executor.Launch(testApp))
		require.NoError(t, err)
		tr.MarkEntry(res.After.Signature)
		_, err = tr.Do(ctx, executor.Tap(screen.Selector{Text: "Open"}))
		require.NoError(t, err)
		_, err = tr.Do(ctx, executor.Tap(screen.Selector{Text: "Deep link"}))
		require.NoError(t, err)

		fake.ActErr = errors.New("device offline")
		_, err = tr.Recover(ctx, nil)
		assert.ErrorIs(t, err, ErrNavigationUnrecoverable)
	})

	t.Run("NoAppToRelaunch", func(t *testing.T) {
		fake := mocks.NewFakeDevice("stuck").AddScreen("stuck", mocks.Label("Web view", 0, 0))
		tr := newTestTracker(t, fake, Config{})
		_, err := tr.Observe(ctx)
		require.NoError(t, err)

		_, err = tr.Recover(ctx, nil)
		assert.ErrorIs(t, err, ErrNavigationUnrecoverable)
		assert.Equal(t, DefaultMaxBackPresses*executor.DefaultMaxAttempts, fake.ActionCount())
	})

	t.Run("HonorsCancellation", func(t *testing.T) {
		fake := lostDevice()
		tr := newTestTracker(t, fake, Config{AppID: testApp})
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := tr.Recover(cctx, nil)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, fake.ActionCount())
	})
}

func TestClassify(t *testing.T) {
	snap := func(els ...device.Element) screen.Snapshot {
		return screen.NewSnapshot(els, time.Now())
	}
	rules := DefaultRules()

	t.Run("SearchInput", func(t *testing.T) {
		kind, score := Classify(snap(
			device.Element{Type: "android.widget.EditText", Text: "Search", ResourceID: "app:id/search_bar"},
		), rules)
		assert.Equal(t, KindSearchInput, kind)
		assert.Equal(t, textWeight+typeWeight+idWeight, score)
	})

	t.Run("LoginWall", func(t *testing.T) {
		kind, _ := Classify(snap(mocks.Label("Log in to continue", 0, 0)), rules)
		assert.Equal(t, KindLoginWall, kind)
	})

	t.Run("ExcludeLowersScore", func(t *testing.T) {
		custom := []Rule{
			{Kind: KindSearchResults, Texts: []string{"Top"}, Exclude: []string{"Search"}},
			{Kind: KindSearchInput, Texts: []string{"Search"}},
		}
		kind, score := Classify(snap(mocks.Label("Top", 0, 0), mocks.Label("Search", 0, 100)), custom)
		assert.Equal(t, KindSearchInput, kind)
		assert.Equal(t, textWeight, score)
	})

	t.Run("Unknown", func(t *testing.T) {
		kind, score := Classify(snap(mocks.Label("zzz", 0, 0)), rules)
		assert.Equal(t, KindUnknown, kind)
		assert.Zero(t, score)
	})

	t.Run("LoginWallHintBlocksExecution", func(t *testing.T) {
		fake := mocks.NewFakeDevice("wall").AddScreen("wall", mocks.Button("Sign up", 0, 0))
		exec := executor.New(fake, executor.Config{}, zaptest.NewLogger(t),
			executor.WithSleep(func(time.Duration) {}),
			executor.WithBlockedHints(LoginWallHint()))
		res := exec.Execute(context.Background(), executor.Tap(screen.Selector{Text: "Sign up"}))
		assert.Equal(t, executor.OutcomeUnrecoverable, res.Outcome)
		assert.Zero(t, res.Actions)
	})
}
