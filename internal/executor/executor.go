// File: internal/executor/executor.go
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/droidpatrol/internal/artifacts"
	"github.com/xkilldash9x/droidpatrol/internal/device"
	"github.com/xkilldash9x/droidpatrol/internal/screen"
)

// DefaultMaxAttempts is one initial attempt plus two retries.
const DefaultMaxAttempts = 3

// Device is the routed operation surface the executor drives. The router satisfies it,
// as does any single adapter.
type Device interface {
	Tap(ctx context.Context, target device.Target) error
	Type(ctx context.Context, text string, submit bool) error
	Swipe(ctx context.Context, dir device.Direction, distance int) error
	ReadElements(ctx context.Context) ([]device.Element, error)
	Screenshot(ctx context.Context) ([]byte, error)
	PressKey(ctx context.Context, key device.Key) error
	LaunchApp(ctx context.Context, appID string) error
}

// ArtifactSink receives debug bundles for failed actions.
type ArtifactSink interface {
	Save(ctx context.Context, b artifacts.Bundle) (string, error)
}

// VisualLocator is an optional caller-supplied strategy that resolves a selector from a
// screenshot. It is only consulted on the final attempt after the matcher chain fails.
type VisualLocator interface {
	Locate(ctx context.Context, screenshot []byte, sel screen.Selector) (device.Element, bool, error)
}

// BlockedHint marks screens that no retry can get past (login wall, captcha, permission
// denied). A snapshot containing any of the texts is unrecoverable.
type BlockedHint struct {
	Reason string
	Texts  []string
}

// AttemptHook sees every attempt of an action. BeforeAct runs once OBSERVE has a
// snapshot; a non-nil error halts the action before anything is sent to the device.
// AfterAct runs once VERIFY has observed the result of the physical action.
type AttemptHook interface {
	BeforeAct(before screen.Snapshot) error
	AfterAct(kind ActionKind, before, after screen.Snapshot)
}

// SettleTable maps action classes to the delay between ACT and VERIFY.
type SettleTable map[ActionKind]time.Duration

// DefaultSettle returns the built-in settle delays.
func DefaultSettle() SettleTable {
	return SettleTable{
		KindTap:      800 * time.Millisecond,
		KindType:     500 * time.Millisecond,
		KindSwipe:    time.Second,
		KindPressKey: 600 * time.Millisecond,
		KindLaunch:   3 * time.Second,
	}
}

// For returns the delay for kind, falling back to the tap delay.
func (t SettleTable) For(kind ActionKind) time.Duration {
	if d, ok := t[kind]; ok {
		return d
	}
	return DefaultSettle()[KindTap]
}

// Config tunes the executor.
type Config struct {
	MaxAttempts       int
	FuzzyThreshold    float64
	Settle            SettleTable
	CaptureScreenshot bool
}

// Option customizes an Executor.
type Option func(*Executor)

// WithArtifactSink enables debug bundles on failure.
func WithArtifactSink(sink ArtifactSink) Option {
	return func(e *Executor) { e.artifacts = sink }
}

// WithVisualLocator installs the optional screenshot-based LOCATE strategy.
func WithVisualLocator(v VisualLocator) Option {
	return func(e *Executor) { e.visual = v }
}

// WithBlockedHints registers unrecoverable-screen hints.
func WithBlockedHints(hints ...BlockedHint) Option {
	return func(e *Executor) { e.blocked = append(e.blocked, hints...) }
}

// WithSleep replaces the WAIT sleep, mainly for tests.
func WithSleep(sleep func(time.Duration)) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// WithClock replaces the snapshot clock.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor runs the observe, locate, act, wait, verify protocol with bounded retries.
// It is not safe for concurrent use; one executor drives one device session.
type Executor struct {
	dev       Device
	cfg       Config
	locator   screen.Locator
	logger    *zap.Logger
	artifacts ArtifactSink
	visual    VisualLocator
	blocked   []BlockedHint
	sleep     func(time.Duration)
	now       func() time.Time
}

// New creates an executor over dev.
func New(dev Device, cfg Config, logger *zap.Logger, opts ...Option) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	settle := DefaultSettle()
	for k, v := range cfg.Settle {
		settle[k] = v
	}
	cfg.Settle = settle

	e := &Executor{
		dev:     dev,
		cfg:     cfg,
		locator: screen.NewLocator(cfg.FuzzyThreshold),
		logger:  logger.Named("executor"),
		sleep:   time.Sleep,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxAttempts returns the configured attempt bound.
func (e *Executor) MaxAttempts() int { return e.cfg.MaxAttempts }

// Device returns the underlying routed device.
func (e *Executor) Device() Device { return e.dev }

// Observe captures a snapshot of the current screen.
func (e *Executor) Observe(ctx context.Context) (screen.Snapshot, error) {
	els, err := e.dev.ReadElements(ctx)
	if err != nil {
		return screen.Snapshot{}, fmt.Errorf("observe failed: %w", err)
	}
	return screen.NewSnapshot(els, e.now()), nil
}

// Blocked reports whether the snapshot matches an unrecoverable-screen hint.
func (e *Executor) Blocked(s screen.Snapshot) (string, bool) {
	for _, h := range e.blocked {
		for _, text := range h.Texts {
			if s.HasText(text) {
				return h.Reason, true
			}
		}
	}
	return "", false
}

// Execute performs req and returns its verified outcome. Cancellation of ctx is honored
// between attempts only; an action already issued always runs through VERIFY.
func (e *Executor) Execute(ctx context.Context, req ActionRequest) Result {
	return e.ExecuteWith(ctx, req, nil)
}

// ExecuteWith is Execute with hook told about every attempt.
func (e *Executor) ExecuteWith(ctx context.Context, req ActionRequest, hook AttemptHook) Result {
	start := e.now()
	res := Result{Request: req}

	if err := req.Validate(); err != nil {
		res.Outcome = OutcomeBackendError
		res.Err = fmt.Errorf("invalid action request: %w", err)
		return e.finish(ctx, res, start)
	}

	maxAttempts := e.cfg.MaxAttempts
	if req.Attempts > 0 && req.Attempts < maxAttempts {
		maxAttempts = req.Attempts
	}

	actCtx := context.WithoutCancel(ctx)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if res.Outcome == "" {
				res.Outcome = OutcomeBackendError
			}
			res.Err = err
			break
		}
		res.Attempts = attempt
		widened := attempt == maxAttempts && maxAttempts > 1

		res.Outcome = e.attempt(actCtx, req, widened, hook, &res)
		if res.Outcome == OutcomeSuccess || !res.Outcome.retryable() || errors.Is(res.Err, ErrHalted) {
			break
		}
		if attempt < maxAttempts {
			e.logger.Debug("Retrying action",
				zap.String("action", req.String()),
				zap.String("outcome", string(res.Outcome)),
				zap.Int("attempt", attempt),
				zap.Error(res.Err))
		}
	}
	return e.finish(ctx, res, start)
}

func (e *Executor) attempt(ctx context.Context, req ActionRequest, widened bool, hook AttemptHook, res *Result) Outcome {
	// OBSERVE
	before, err := e.Observe(ctx)
	if err != nil {
		res.Err = err
		return OutcomeBackendError
	}
	res.Before, res.After = &before, nil
	if reason, ok := e.Blocked(before); ok {
		res.Blocked = reason
		res.Err = fmt.Errorf("%w: %s", ErrUnrecoverable, reason)
		return OutcomeUnrecoverable
	}
	if hook != nil {
		if err := hook.BeforeAct(before); err != nil {
			// Nothing was sent, so the screen is unchanged.
			res.Err = fmt.Errorf("%w: %w", ErrHalted, err)
			return OutcomeIneffective
		}
	}

	// LOCATE
	var target device.Target
	if req.Kind == KindTap {
		m, ok := e.locate(ctx, before, req.Target, widened)
		if !ok {
			res.Err = fmt.Errorf("%w: %s", device.ErrElementNotFound, req.Target)
			return OutcomeElementNotFound
		}
		res.Element, res.Matcher = &m.Element, m.Matcher
		target = device.TargetFor(m.Element)
	}

	// ACT
	res.Actions++
	if err := e.act(ctx, req, target); err != nil {
		res.Err = err
		return OutcomeBackendError
	}

	// WAIT
	e.sleep(e.cfg.Settle.For(req.Kind))

	// VERIFY
	after, err := e.Observe(ctx)
	if err != nil {
		res.Err = err
		return OutcomeBackendError
	}
	res.After = &after
	if hook != nil {
		hook.AfterAct(req.Kind, before, after)
	}
	if reason, ok := e.Blocked(after); ok {
		res.Blocked = reason
		res.Err = fmt.Errorf("%w: %s", ErrUnrecoverable, reason)
		return OutcomeUnrecoverable
	}
	if after.Signature == before.Signature {
		res.Err = ErrIneffective
		return OutcomeIneffective
	}
	if !req.Expect.Satisfied(after) {
		res.Err = ErrUnexpectedChange
		return OutcomeUnexpectedChange
	}
	res.Err = nil
	return OutcomeSuccess
}

func (e *Executor) locate(ctx context.Context, snap screen.Snapshot, sel screen.Selector, widened bool) (screen.Match, bool) {
	if m, ok := e.locator.Locate(snap, sel, widened); ok {
		return m, true
	}
	if !widened || e.visual == nil {
		return screen.Match{}, false
	}

	shot, err := e.dev.Screenshot(ctx)
	if err != nil {
		e.logger.Warn("Visual locate skipped, screenshot failed", zap.Error(err))
		return screen.Match{}, false
	}
	el, ok, err := e.visual.Locate(ctx, shot, sel)
	if err != nil {
		e.logger.Warn("Visual locate failed", zap.String("selector", sel.String()), zap.Error(err))
		return screen.Match{}, false
	}
	if !ok {
		return screen.Match{}, false
	}
	return screen.Match{Element: el, Index: -1, Matcher: "visual"}, true
}

func (e *Executor) act(ctx context.Context, req ActionRequest, target device.Target) error {
	switch req.Kind {
	case KindTap:
		return e.dev.Tap(ctx, target)
	case KindType:
		return e.dev.Type(ctx, req.Text, req.Submit)
	case KindSwipe:
		return e.dev.Swipe(ctx, req.Direction, req.Distance)
	case KindPressKey:
		return e.dev.PressKey(ctx, req.Key)
	case KindLaunch:
		return e.dev.LaunchApp(ctx, req.AppID)
	default:
		return fmt.Errorf("unknown action kind %q", req.Kind)
	}
}

func (e *Executor) finish(ctx context.Context, res Result, start time.Time) Result {
	res.Duration = e.now().Sub(start)
	if res.Err != nil {
		res.Error = res.Err.Error()
	}

	fields := []zap.Field{
		zap.String("action", res.Request.String()),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("attempts", res.Attempts),
		zap.Int("actions", res.Actions),
	}
	if res.Matcher != "" {
		fields = append(fields, zap.String("matcher", res.Matcher))
	}
	if res.Succeeded() {
		e.logger.Info("Action verified", fields...)
		return res
	}

	e.logger.Warn("Action failed", append(fields, zap.Error(res.Err))...)
	if e.artifacts != nil && !errors.Is(res.Err, context.Canceled) {
		res.Artifact = e.saveArtifacts(ctx, res)
	}
	return res
}

func (e *Executor) saveArtifacts(ctx context.Context, res Result) string {
	b := artifacts.Bundle{
		Action:    res.Request.String(),
		Outcome:   string(res.Outcome),
		Attempt:   res.Attempts,
		Timestamp: e.now(),
		Before:    res.Before,
		After:     res.After,
		Error:     res.Error,
	}
	if e.cfg.CaptureScreenshot {
		if shot, err := e.dev.Screenshot(context.WithoutCancel(ctx)); err == nil {
			b.Screenshot = shot
		}
	}
	dir, err := e.artifacts.Save(context.WithoutCancel(ctx), b)
	if err != nil {
		e.logger.Warn("Failed to save debug artifacts", zap.Error(err))
		return ""
	}
	return dir
}
