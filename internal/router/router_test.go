package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/droidpatrol/internal/device"
	"github.com/xkilldash9x/droidpatrol/internal/mocks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewOrdersByTier(t *testing.T) {
	raw := mocks.NewMockAdapter("adb", device.TierRaw)
	sel := mocks.NewMockAdapter("u2", device.TierSelector)
	acc := mocks.NewMockAdapter("mobile-mcp", device.TierAccessibility)

	r := New(zaptest.NewLogger(t), 0, raw, nil, acc, sel)
	assert.Equal(t, []string{"u2", "mobile-mcp", "adb"}, r.Adapters())
	assert.Equal(t, DefaultCallTimeout, r.callTimeout)
}

func TestRouterFailover(t *testing.T) {
	ctx := context.Background()
	target := device.Target{X: 10, Y: 20}

	t.Run("FirstAdapterServes", func(t *testing.T) {
		first := mocks.NewMockAdapter("u2", device.TierSelector)
		second := mocks.NewMockAdapter("adb", device.TierRaw)
		first.On("Tap", mock.Anything, target).Return(nil).Once()

		r := New(zaptest.NewLogger(t), time.Second, first, second)
		require.NoError(t, r.Tap(ctx, target))
		first.AssertExpectations(t)
		second.AssertNotCalled(t, "Tap", mock.Anything, mock.Anything)
	})

	t.Run("FailsOverOnUnavailable", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		first := mocks.NewMockAdapter("u2", device.TierSelector)
		second := mocks.NewMockAdapter("adb", device.TierRaw)
		first.On("ReadElements", mock.Anything).Return(nil, device.ErrBackendUnavailable).Once()
		second.On("ReadElements", mock.Anything).Return([]device.Element{{Text: "ok"}}, nil).Once()

		r := New(zap.New(core), time.Second, first, second)
		els, err := r.ReadElements(ctx)
		require.NoError(t, err)
		assert.Equal(t, "ok", els[0].Text)
		assert.Equal(t, 1, logs.FilterMessage("Backend failed, failing over").Len())
	})

	t.Run("SkipsAdaptersWithoutCapability", func(t *testing.T) {
		first := mocks.NewMockAdapter("u2", device.TierSelector, device.CapTap, device.CapReadElements)
		second := mocks.NewMockAdapter("adb", device.TierRaw)
		second.On("LaunchApp", mock.Anything, "com.example").Return(nil).Once()

		r := New(zaptest.NewLogger(t), time.Second, first, second)
		require.NoError(t, r.LaunchApp(ctx, "com.example"))
		second.AssertExpectations(t)
	})

	t.Run("NormalizesRawErrors", func(t *testing.T) {
		only := mocks.NewMockAdapter("adb", device.TierRaw)
		only.On("PressKey", mock.Anything, device.KeyBack).Return(errors.New("exit status 1")).Once()

		r := New(zaptest.NewLogger(t), time.Second, only)
		err := r.PressKey(ctx, device.KeyBack)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAllBackendsFailed)
		assert.True(t, device.IsBackendError(err))
	})

	t.Run("AllBackendsFailed", func(t *testing.T) {
		first := mocks.NewMockAdapter("u2", device.TierSelector)
		second := mocks.NewMockAdapter("adb", device.TierRaw)
		first.On("Tap", mock.Anything, target).Return(device.ErrElementNotFound).Once()
		second.On("Tap", mock.Anything, target).Return(device.NewBackendError("adb", device.CapTap, errors.New("boom"))).Once()

		r := New(zaptest.NewLogger(t), time.Second, first, second)
		err := r.Tap(ctx, target)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAllBackendsFailed)
		assert.ErrorIs(t, err, device.ErrElementNotFound)
		assert.Contains(t, err.Error(), "u2")
		assert.Contains(t, err.Error(), "adb")
	})

	t.Run("DispatchedTapIsNotRepeated", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		first := mocks.NewMockAdapter("mobilemcp", device.TierAccessibility)
		second := mocks.NewMockAdapter("adb", device.TierRaw)
		first.On("Tap", mock.Anything, target).
			Return(device.NewBackendError("mobilemcp", device.CapTap, device.ErrTapFailed)).Once()

		r := New(zap.New(core), time.Second, first, second)
		err := r.Tap(ctx, target)
		require.Error(t, err)
		assert.ErrorIs(t, err, device.ErrTapFailed)
		assert.NotErrorIs(t, err, ErrAllBackendsFailed)
		second.AssertNotCalled(t, "Tap", mock.Anything, mock.Anything)
		assert.Equal(t, 1, logs.FilterMessage("Backend failed after dispatching the action, not failing over").Len())
	})

	t.Run("UnresolvedTapFailsOver", func(t *testing.T) {
		first := mocks.NewMockAdapter("u2", device.TierSelector)
		second := mocks.NewMockAdapter("adb", device.TierRaw)
		first.On("Tap", mock.Anything, target).
			Return(device.NewBackendError("u2", device.CapTap, device.ErrElementNotFound)).Once()
		second.On("Tap", mock.Anything, target).Return(nil).Once()

		r := New(zaptest.NewLogger(t), time.Second, first, second)
		require.NoError(t, r.Tap(ctx, target))
		second.AssertExpectations(t)
	})

	t.Run("NoCapableAdapter", func(t *testing.T) {
		only := mocks.NewMockAdapter("u2", device.TierSelector, device.CapTap)
		r := New(zaptest.NewLogger(t), time.Second, only)
		_, err := r.Screenshot(ctx)
		assert.ErrorIs(t, err, ErrAllBackendsFailed)
	})

	t.Run("TimeoutBecomesBackendError", func(t *testing.T) {
		slow := mocks.NewMockAdapter("u2", device.TierSelector)
		slow.On("Swipe", mock.Anything, device.DirectionUp, 0).
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(context.DeadlineExceeded).Once()

		r := New(zaptest.NewLogger(t), 10*time.Millisecond, slow)
		err := r.Swipe(ctx, device.DirectionUp, 0)
		require.Error(t, err)
		var be *device.BackendError
		require.ErrorAs(t, err, &be)
		assert.True(t, be.Timeout)
	})

	t.Run("ParentCancellationStopsFailover", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		first := mocks.NewMockAdapter("u2", device.TierSelector)
		second := mocks.NewMockAdapter("adb", device.TierRaw)
		first.On("Type", mock.Anything, "hi", false).
			Run(func(mock.Arguments) { cancel() }).
			Return(errors.New("interrupted")).Once()

		r := New(zaptest.NewLogger(t), time.Second, first, second)
		err := r.Type(cctx, "hi", false)
		assert.ErrorIs(t, err, context.Canceled)
		second.AssertNotCalled(t, "Type", mock.Anything, mock.Anything, mock.Anything)
	})
}
