package navigation

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/xkilldash9x/droidpatrol/internal/device"
	"github.com/xkilldash9x/droidpatrol/internal/executor"
	"github.com/xkilldash9x/droidpatrol/internal/screen"
)

const (
	DefaultLoopThreshold  = 3
	DefaultMaxBackPresses = 3
)

var (
	// ErrNavigationLoop is raised when one screen keeps reappearing without progress.
	ErrNavigationLoop = errors.New("navigation loop detected")
	// ErrNavigationUnrecoverable is returned when recovery could not reach a known screen.
	ErrNavigationUnrecoverable = errors.New("navigation unrecoverable")
)

// Executor is the part of the executor the tracker drives.
type Executor interface {
	ExecuteWith(ctx context.Context, req executor.ActionRequest, hook executor.AttemptHook) executor.Result
	Observe(ctx context.Context) (screen.Snapshot, error)
}

// Config tunes loop detection and recovery.
type Config struct {
	LoopThreshold  int
	MaxBackPresses int
	// AppID is relaunched when back presses cannot recover.
	AppID string
}

// RecoveryVia names how recovery got back to a known screen.
type RecoveryVia string

const (
	RecoveredByBack     RecoveryVia = "back"
	RecoveredByRelaunch RecoveryVia = "relaunch"
)

// Recovery describes a successful recovery.
type Recovery struct {
	Via         RecoveryVia      `json:"via"`
	Signature   screen.Signature `json:"signature"`
	BackPresses int              `json:"backPresses"`
	// Snapshot is the screen recovery ended on.
	Snapshot screen.Snapshot `json:"-"`
}

// Tracker records every executor action in a per-session screen graph, detects
// navigation loops, and recovers from unknown screens.
type Tracker struct {
	exec   Executor
	cfg    Config
	graph  *Graph
	logger *zap.Logger

	entry      screen.Signature
	last       screen.Signature
	recovering bool
	// sinceProgress counts observations per signature since the last never-seen one.
	sinceProgress map[screen.Signature]int
}

// NewTracker wraps an executor.
func NewTracker(exec Executor, cfg Config, logger *zap.Logger) *Tracker {
	if cfg.LoopThreshold <= 0 {
		cfg.LoopThreshold = DefaultLoopThreshold
	}
	if cfg.MaxBackPresses <= 0 {
		cfg.MaxBackPresses = DefaultMaxBackPresses
	}
	return &Tracker{
		exec:          exec,
		cfg:           cfg,
		graph:         NewGraph(),
		logger:        logger.Named("navigation"),
		sinceProgress: make(map[screen.Signature]int),
	}
}

// Graph exposes the session graph for inspection.
func (t *Tracker) Graph() *Graph { return t.graph }

// Entry returns the known entry signature, if any.
func (t *Tracker) Entry() screen.Signature { return t.entry }

// MarkEntry records the screen the app opens on. Relaunch recovery aims for it.
func (t *Tracker) MarkEntry(sig screen.Signature) {
	t.entry = sig
}

// SetAppID changes the app relaunched by recovery.
func (t *Tracker) SetAppID(appID string) { t.cfg.AppID = appID }

// Observe captures and registers the current screen.
func (t *Tracker) Observe(ctx context.Context) (screen.Snapshot, error) {
	snap, err := t.exec.Observe(ctx)
	if err != nil {
		return snap, err
	}
	t.see(snap.Signature)
	return snap, t.checkLoop(snap.Signature)
}

// Do executes req, records every attempt, and reports ErrNavigationLoop (together with
// the result) as soon as a screen repeats too often. Every physical action counts, so
// an action whose retries keep landing on the same screen is halted before the retry
// that would exceed the threshold.
func (t *Tracker) Do(ctx context.Context, req executor.ActionRequest) (executor.Result, error) {
	res := t.exec.ExecuteWith(ctx, req, t)
	if errors.Is(res.Err, ErrNavigationLoop) {
		return res, res.Err
	}
	if res.After == nil {
		return res, nil
	}
	return res, t.checkLoop(res.After.Signature)
}

// BeforeAct registers the screen an attempt starts on and halts it once that screen
// has been seen too often. Recovery actions are never halted.
func (t *Tracker) BeforeAct(before screen.Snapshot) error {
	if before.Signature != t.last {
		t.see(before.Signature)
	}
	if t.recovering {
		return nil
	}
	return t.checkLoop(before.Signature)
}

// AfterAct registers the screen an attempt ended on and the edge that led there.
func (t *Tracker) AfterAct(kind executor.ActionKind, before, after screen.Snapshot) {
	t.see(after.Signature)
	t.graph.AddEdge(Edge{From: before.Signature, Kind: kind, To: after.Signature})
}

func (t *Tracker) see(sig screen.Signature) {
	if t.graph.Visit(sig) {
		clear(t.sinceProgress)
	}
	t.sinceProgress[sig]++
	t.last = sig
}

func (t *Tracker) checkLoop(sig screen.Signature) error {
	n := t.sinceProgress[sig]
	if n < t.cfg.LoopThreshold {
		return nil
	}
	t.logger.Warn("Navigation loop detected",
		zap.String("signature", sig.Short()),
		zap.Int("observations", n))
	return fmt.Errorf("%w: screen %s observed %d times without progress", ErrNavigationLoop, sig.Short(), n)
}

// ResetLoopState forgets repeat counts, e.g. after a recovery.
func (t *Tracker) ResetLoopState() {
	clear(t.sinceProgress)
}

// Recover tries to get back to a known screen other than the one it was lost on. With
// anchors, only those signatures count as recovered; without, any screen seen before
// recovery started does. Back presses come first, then HOME plus a relaunch of the app,
// which also succeeds on the entry screen.
func (t *Tracker) Recover(ctx context.Context, anchors []screen.Signature) (Recovery, error) {
	lost := t.last
	known := make(map[screen.Signature]bool, t.graph.Len())
	for _, sig := range t.graph.Signatures() {
		known[sig] = true
	}
	accept := func(sig screen.Signature) bool {
		if sig == lost {
			return false
		}
		if len(anchors) > 0 {
			return slices.Contains(anchors, sig)
		}
		return known[sig]
	}

	t.recovering = true
	defer func() { t.recovering = false }()

	t.logger.Info("Starting navigation recovery",
		zap.String("lost", lost.Short()),
		zap.Int("anchors", len(anchors)))

	for i := 1; i <= t.cfg.MaxBackPresses; i++ {
		if err := ctx.Err(); err != nil {
			return Recovery{}, err
		}
		res := t.exec.ExecuteWith(ctx, executor.PressKey(device.KeyBack), t)
		if res.Outcome == executor.OutcomeUnrecoverable {
			return Recovery{}, fmt.Errorf("%w: %v", ErrNavigationUnrecoverable, res.Err)
		}
		if cur, ok := res.Current(); ok && accept(cur.Signature) {
			t.ResetLoopState()
			t.logger.Info("Recovered with back presses", zap.Int("presses", i))
			return Recovery{Via: RecoveredByBack, Signature: cur.Signature, BackPresses: i, Snapshot: cur}, nil
		}
	}

	if t.cfg.AppID == "" {
		return Recovery{}, fmt.Errorf("%w: back presses exhausted and no app to relaunch", ErrNavigationUnrecoverable)
	}
	if err := ctx.Err(); err != nil {
		return Recovery{}, err
	}

	t.exec.ExecuteWith(ctx, executor.PressKey(device.KeyHome).Once(), t)

	launch := t.exec.ExecuteWith(ctx, executor.Launch(t.cfg.AppID), t)
	cur, ok := launch.Current()
	switch {
	case launch.Outcome == executor.OutcomeUnrecoverable:
		return Recovery{}, fmt.Errorf("%w: %v", ErrNavigationUnrecoverable, launch.Err)
	case ok && ((t.entry != "" && cur.Signature == t.entry) || accept(cur.Signature)):
	case ok && t.entry == "" && launch.Succeeded():
	default:
		return Recovery{}, fmt.Errorf("%w: relaunch of %s did not reach a known screen (%s)",
			ErrNavigationUnrecoverable, t.cfg.AppID, launch.Outcome)
	}

	t.ResetLoopState()
	t.logger.Info("Recovered by relaunching app", zap.String("app", t.cfg.AppID))
	return Recovery{Via: RecoveredByRelaunch, Signature: cur.Signature, BackPresses: t.cfg.MaxBackPresses, Snapshot: cur}, nil
}
