package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/droidpatrol/internal/device"
)

// DefaultCallTimeout bounds each individual adapter call.
const DefaultCallTimeout = 10 * time.Second

// ErrAllBackendsFailed is returned when no adapter could serve an operation.
var ErrAllBackendsFailed = errors.New("all backends failed")

// Router dispatches each operation to the first capable adapter in static priority order
// and fails over to the next one on backend-level errors. It holds no state beyond the
// ordered adapter list.
type Router struct {
	adapters    []device.Adapter
	callTimeout time.Duration
	logger      *zap.Logger
}

// New sorts the adapters by tier (stable, so equal tiers keep the caller's order).
func New(logger *zap.Logger, callTimeout time.Duration, adapters ...device.Adapter) *Router {
	ordered := make([]device.Adapter, 0, len(adapters))
	for _, a := range adapters {
		if a != nil {
			ordered = append(ordered, a)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Tier() < ordered[j].Tier()
	})
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Router{
		adapters:    ordered,
		callTimeout: callTimeout,
		logger:      logger.Named("router"),
	}
}

// Adapters returns the adapter names in priority order.
func (r *Router) Adapters() []string {
	names := make([]string, len(r.adapters))
	for i, a := range r.adapters {
		names[i] = a.Name()
	}
	return names
}

// Tap routes a tap to the best adapter.
func (r *Router) Tap(ctx context.Context, target device.Target) error {
	_, err := route(ctx, r, device.CapTap, func(ctx context.Context, a device.Adapter) (struct{}, error) {
		return struct{}{}, a.Tap(ctx, target)
	})
	return err
}

// Type routes text input.
func (r *Router) Type(ctx context.Context, text string, submit bool) error {
	_, err := route(ctx, r, device.CapType, func(ctx context.Context, a device.Adapter) (struct{}, error) {
		return struct{}{}, a.Type(ctx, text, submit)
	})
	return err
}

// Swipe routes a swipe gesture.
func (r *Router) Swipe(ctx context.Context, dir device.Direction, distance int) error {
	_, err := route(ctx, r, device.CapSwipe, func(ctx context.Context, a device.Adapter) (struct{}, error) {
		return struct{}{}, a.Swipe(ctx, dir, distance)
	})
	return err
}

// ReadElements routes a screen read.
func (r *Router) ReadElements(ctx context.Context) ([]device.Element, error) {
	return route(ctx, r, device.CapReadElements, func(ctx context.Context, a device.Adapter) ([]device.Element, error) {
		return a.ReadElements(ctx)
	})
}

// Screenshot routes a screenshot capture.
func (r *Router) Screenshot(ctx context.Context) ([]byte, error) {
	return route(ctx, r, device.CapScreenshot, func(ctx context.Context, a device.Adapter) ([]byte, error) {
		return a.Screenshot(ctx)
	})
}

// PressKey routes a key press.
func (r *Router) PressKey(ctx context.Context, key device.Key) error {
	_, err := route(ctx, r, device.CapPressKey, func(ctx context.Context, a device.Adapter) (struct{}, error) {
		return struct{}{}, a.PressKey(ctx, key)
	})
	return err
}

// LaunchApp routes an app launch.
func (r *Router) LaunchApp(ctx context.Context, appID string) error {
	_, err := route(ctx, r, device.CapLaunchApp, func(ctx context.Context, a device.Adapter) (struct{}, error) {
		return struct{}{}, a.LaunchApp(ctx, appID)
	})
	return err
}

// route tries each capable adapter in order. A cancelled parent context stops the
// failover immediately, and so does a mutating call the device already received.
// Everything else an adapter reports moves on to the next.
func route[T any](ctx context.Context, r *Router, op device.Capability, call func(context.Context, device.Adapter) (T, error)) (T, error) {
	var zero T
	var failures []error

	for _, a := range r.adapters {
		if !a.Supports(op) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		start := time.Now()
		result, err := call(callCtx, a)
		cancel()

		if err == nil {
			r.logger.Debug("Operation served",
				zap.String("op", string(op)),
				zap.String("backend", a.Name()),
				zap.Duration("duration", time.Since(start)))
			return result, nil
		}

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !isClassified(err) {
			// Raw adapter errors (including call timeouts) are normalized into BackendError.
			err = device.NewBackendError(a.Name(), op, err)
		}

		if dispatched(op, err) {
			r.logger.Warn("Backend failed after dispatching the action, not failing over",
				zap.String("op", string(op)),
				zap.String("backend", a.Name()),
				zap.Error(err))
			return zero, fmt.Errorf("%s: %w", a.Name(), err)
		}

		r.logger.Warn("Backend failed, failing over",
			zap.String("op", string(op)),
			zap.String("backend", a.Name()),
			zap.Error(err))
		failures = append(failures, fmt.Errorf("%s: %w", a.Name(), err))
	}

	if len(failures) == 0 {
		return zero, fmt.Errorf("%w: %s: no adapter supports it", ErrAllBackendsFailed, op)
	}
	return zero, fmt.Errorf("%w: %s: %w", ErrAllBackendsFailed, op, errors.Join(failures...))
}

// dispatched reports whether a failed mutating call reached the device. Another
// backend would repeat the gesture, so the failure is returned as is.
func dispatched(op device.Capability, err error) bool {
	switch op {
	case device.CapTap, device.CapType, device.CapSwipe, device.CapPressKey, device.CapLaunchApp:
		return errors.Is(err, device.ErrTapFailed)
	default:
		return false
	}
}

func isClassified(err error) bool {
	return device.IsBackendError(err) ||
		errors.Is(err, device.ErrUnsupported) ||
		errors.Is(err, device.ErrBackendUnavailable) ||
		errors.Is(err, device.ErrElementNotFound) ||
		errors.Is(err, device.ErrTapFailed)
}
