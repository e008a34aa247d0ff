package patrol

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidpatrol/internal/device"
	"github.com/xkilldash9x/droidpatrol/internal/executor"
	"github.com/xkilldash9x/droidpatrol/internal/navigation"
	"github.com/xkilldash9x/droidpatrol/internal/screen"
)

// Option customizes a Patrol.
type Option func(*Patrol)

// WithClassifier enables sentiment labels on visited posts.
func WithClassifier(c Classifier) Option {
	return func(p *Patrol) { p.classifier = c }
}

// WithClock replaces the clock used for the time budget.
func WithClock(now func() time.Time) Option {
	return func(p *Patrol) { p.now = now }
}

// WithDeviceName labels the report with the device it ran on.
func WithDeviceName(name string) Option {
	return func(p *Patrol) { p.device = name }
}

// WithNavigation tunes loop detection and recovery. AppID is always the platform package.
func WithNavigation(cfg navigation.Config) Option {
	return func(p *Patrol) { p.navCfg = cfg }
}

// Patrol performs the effects chosen by Reduce against one device and feeds the
// outcomes back as events. It owns its tracker and visited set; one Patrol runs once.
type Patrol struct {
	cfg        Config
	platform   Platform
	navCfg     navigation.Config
	tracker    *navigation.Tracker
	locator    screen.Locator
	classifier Classifier
	logger     *zap.Logger
	now        func() time.Time
	device     string

	cur     screen.Snapshot
	anchors []screen.Signature
}

// New builds a patrol over an executor.
func New(exec navigation.Executor, cfg Config, platform Platform, logger *zap.Logger, opts ...Option) *Patrol {
	p := &Patrol{
		cfg:      cfg,
		platform: platform,
		locator:  screen.NewLocator(0),
		logger:   logger.Named("patrol"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.navCfg.AppID = platform.Package
	p.tracker = navigation.NewTracker(exec, p.navCfg, logger)
	if p.device != "" {
		p.logger = p.logger.With(zap.String("device", p.device))
	}
	return p
}

// Tracker exposes the navigation tracker for inspection.
func (p *Patrol) Tracker() *navigation.Tracker { return p.tracker }

// Run drives the state machine to DONE or ABORTED. Device trouble never surfaces as an
// error; it is recorded in the report. Only an invalid configuration is an error.
func (p *Patrol) Run(ctx context.Context) (*Report, error) {
	if err := p.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid patrol config: %w", err)
	}
	if p.platform.Package == "" {
		return nil, errors.New("invalid patrol config: platform has no package")
	}

	report := &Report{
		RunID:     uuid.NewString(),
		Platform:  p.platform.Name,
		Keyword:   p.cfg.Keyword,
		Device:    p.device,
		StartedAt: p.now(),
	}
	deadline := report.StartedAt.Add(p.cfg.MaxTime())
	p.logger.Info("Starting patrol",
		zap.String("run_id", report.RunID),
		zap.String("platform", p.platform.Name),
		zap.String("keyword", p.cfg.Keyword),
		zap.Int("max_posts", p.cfg.MaxPosts))

	m, eff := Reduce(NewModel(p.cfg), Event{Kind: EvStarted})
	for !m.State.Terminal() {
		var events []Event
		switch {
		case ctx.Err() != nil:
			events = []Event{{Kind: EvCancelled}}
		case !p.now().Before(deadline):
			events = []Event{{Kind: EvTimeExpired}}
		default:
			events = p.perform(ctx, eff)
		}
		for _, ev := range events {
			from := m.State
			m, eff = Reduce(m, ev)
			p.logger.Debug("Patrol transition",
				zap.String("event", string(ev.Kind)),
				zap.String("from", string(from)),
				zap.String("to", string(m.State)),
				zap.String("effect", string(eff.Kind)))
			if m.State.Terminal() {
				break
			}
		}
	}

	report.FinishedAt = p.now()
	report.FinalState = m.State
	report.VisitedPosts = append([]PostRecord{}, m.Posts...)
	report.Errors = append([]string{}, m.Errors...)
	report.ScrollCount = m.ScrollCount
	report.ErrorCount = m.ErrorCount
	report.Recoveries = m.Recoveries
	report.TerminationReason = m.Reason

	p.logger.Info("Patrol finished",
		zap.String("run_id", report.RunID),
		zap.String("state", string(m.State)),
		zap.String("reason", m.Reason),
		zap.Int("posts", len(report.VisitedPosts)),
		zap.Int("scrolls", m.ScrollCount),
		zap.Int("errors", m.ErrorCount))
	return report, nil
}

func (p *Patrol) perform(ctx context.Context, eff Effect) []Event {
	switch eff.Kind {
	case EffLaunch:
		return p.launch(ctx)
	case EffSearch:
		return p.search(ctx)
	case EffScan:
		return p.scan()
	case EffScroll:
		return p.scroll(ctx)
	case EffOpen:
		return p.open(ctx, eff.Candidate)
	case EffRead:
		return p.read(ctx)
	case EffBack:
		return p.back(ctx)
	case EffRecover:
		return p.recover(ctx)
	default:
		return []Event{{Kind: EvCancelled}}
	}
}

// step is one tracked action.
type step struct {
	res  executor.Result
	loop bool
}

func (p *Patrol) do(ctx context.Context, req executor.ActionRequest) step {
	res, err := p.tracker.Do(ctx, req)
	if cur, ok := res.Current(); ok {
		p.cur = cur
	}
	return step{res: res, loop: errors.Is(err, navigation.ErrNavigationLoop)}
}

// interrupted turns a blocked screen or a cancelled action into the event that ends
// the current effect.
func interrupted(ctx context.Context, st step) ([]Event, bool) {
	if st.res.Outcome == executor.OutcomeUnrecoverable {
		return []Event{{Kind: EvBlocked, Err: st.res.Blocked}}, true
	}
	if ctx.Err() != nil && !st.res.Succeeded() {
		return []Event{{Kind: EvCancelled}}, true
	}
	return nil, false
}

func withLoop(st step, ev Event) []Event {
	if st.loop {
		return []Event{ev, {Kind: EvLoopDetected}}
	}
	return []Event{ev}
}

func (p *Patrol) launch(ctx context.Context) []Event {
	home := p.do(ctx, executor.PressKey(device.KeyHome).Once())
	if evs, stop := interrupted(ctx, home); stop {
		return evs
	}
	st := p.do(ctx, executor.Launch(p.platform.Package))
	if evs, stop := interrupted(ctx, st); stop {
		return evs
	}
	if !st.res.Succeeded() {
		return []Event{{Kind: EvLaunchFailed, Err: fmt.Sprintf("launch %s: %s", p.platform.Package, st.res.Error)}}
	}
	p.tracker.MarkEntry(p.cur.Signature)
	return withLoop(st, Event{Kind: EvLaunched})
}

func (p *Patrol) search(ctx context.Context) []Event {
	if _, ok := p.find(p.platform.SearchInputSelectors()); !ok {
		entry, found := p.find(p.platform.SearchEntrySelectors())
		if !found {
			return []Event{{Kind: EvSearchFailed, Err: "search entry not found on screen"}}
		}
		st := p.do(ctx, executor.Tap(entry))
		if evs, stop := interrupted(ctx, st); stop {
			return evs
		}
		if !st.res.Succeeded() {
			return []Event{{Kind: EvSearchFailed, Err: "open search: " + st.res.Error}}
		}
	}

	typed := p.do(ctx, executor.TypeText(p.cfg.Keyword, true))
	if evs, stop := interrupted(ctx, typed); stop {
		return evs
	}
	if typed.res.Outcome == executor.OutcomeIneffective {
		// The field was visible but not focused.
		if input, ok := p.find(p.platform.SearchInputSelectors()); ok {
			focus := p.do(ctx, executor.Tap(input))
			if evs, stop := interrupted(ctx, focus); stop {
				return evs
			}
			typed = p.do(ctx, executor.TypeText(p.cfg.Keyword, true))
			if evs, stop := interrupted(ctx, typed); stop {
				return evs
			}
		}
	}
	if !typed.res.Succeeded() {
		return []Event{{Kind: EvSearchFailed, Err: "submit query: " + typed.res.Error}}
	}

	if !p.platform.IsResults(p.cur) {
		p.logger.Warn("Search results not recognized, continuing", zap.String("signature", p.cur.Signature.Short()))
	}
	p.addAnchor(p.cur.Signature)
	return withLoop(typed, Event{Kind: EvSearched})
}

func (p *Patrol) scan() []Event {
	p.addAnchor(p.cur.Signature)
	cands := ExtractCandidates(p.cur, p.platform)
	p.logger.Debug("Scanned results", zap.Int("candidates", len(cands)))
	return []Event{{Kind: EvScanned, Candidates: cands}}
}

func (p *Patrol) scroll(ctx context.Context) []Event {
	st := p.do(ctx, executor.Swipe(device.DirectionUp, 0).Once())
	if evs, stop := interrupted(ctx, st); stop {
		return evs
	}
	switch st.res.Outcome {
	case executor.OutcomeSuccess, executor.OutcomeIneffective:
		// An ineffective scroll is the end of the list, not a failure.
		return withLoop(st, Event{Kind: EvScrolled})
	default:
		return withLoop(st, Event{Kind: EvScrollFailed, Err: "scroll: " + st.res.Error})
	}
}

func (p *Patrol) open(ctx context.Context, c *Candidate) []Event {
	if c == nil {
		return []Event{{Kind: EvOpenFailed, Err: "open: no candidate"}}
	}
	req := executor.Tap(c.Target)
	if len(p.platform.DetailTexts) > 0 {
		req = req.WithExpect(&executor.Expectation{Check: p.platform.IsDetail})
	}
	st := p.do(ctx, req)
	if evs, stop := interrupted(ctx, st); stop {
		return evs
	}
	if !st.res.Succeeded() {
		return withLoop(st, Event{
			Kind:  EvOpenFailed,
			Err:   fmt.Sprintf("open %q: %s", truncateRunes(c.Excerpt, 40), st.res.Error),
			Moved: st.res.Changed(),
		})
	}
	post := ExtractPost(p.cur, *c)
	p.logger.Info("Opened post", zap.String("author", post.Author), zap.String("key", post.Key))
	return withLoop(st, Event{Kind: EvOpened, Post: &post})
}

func (p *Patrol) read(ctx context.Context) []Event {
	texts := p.cur.Texts()
	engagement := ExtractEngagement(p.cur)
	var last step
	for i := 0; i < p.cfg.ReadScrolls; i++ {
		last = p.do(ctx, executor.Swipe(device.DirectionUp, 0).Once())
		if evs, stop := interrupted(ctx, last); stop {
			return evs
		}
		for k, v := range ExtractEngagement(p.cur) {
			if _, ok := engagement[k]; !ok {
				if engagement == nil {
					engagement = make(map[string]int64)
				}
				engagement[k] = v
			}
		}
		texts = append(texts, p.cur.Texts()...)
		if last.loop || last.res.Outcome == executor.OutcomeIneffective {
			break
		}
	}

	ev := Event{Kind: EvRead, Engagement: engagement}
	if p.classifier != nil {
		label, err := p.classifier.Classify(ctx, strings.Join(texts, "\n"))
		if err != nil {
			ev.Err = "classify: " + err.Error()
		} else {
			ev.Sentiment = label
		}
	}
	return withLoop(last, ev)
}

func (p *Patrol) back(ctx context.Context) []Event {
	req := executor.PressKey(device.KeyBack).WithExpect(&executor.Expectation{Check: p.isResults})
	st := p.do(ctx, req)
	if evs, stop := interrupted(ctx, st); stop {
		return evs
	}
	if !st.res.Succeeded() {
		return withLoop(st, Event{Kind: EvNavigationLost, Err: "return to results: " + st.res.Error})
	}
	return withLoop(st, Event{Kind: EvReturned})
}

func (p *Patrol) recover(ctx context.Context) []Event {
	rec, err := p.tracker.Recover(ctx, p.anchors)
	if err != nil {
		if ctx.Err() != nil {
			return []Event{{Kind: EvCancelled}}
		}
		return []Event{{Kind: EvRecoveryFailed, Err: err.Error()}}
	}
	p.cur = rec.Snapshot
	p.logger.Info("Navigation recovered", zap.String("via", string(rec.Via)))
	return []Event{{Kind: EvRecovered, Via: rec.Via}}
}

func (p *Patrol) isResults(s screen.Snapshot) bool {
	return slices.Contains(p.anchors, s.Signature) || p.platform.IsResults(s)
}

func (p *Patrol) addAnchor(sig screen.Signature) {
	if sig != "" && !slices.Contains(p.anchors, sig) {
		p.anchors = append(p.anchors, sig)
	}
}

// find returns the first selector that resolves on the current screen.
func (p *Patrol) find(sels []screen.Selector) (screen.Selector, bool) {
	for _, sel := range sels {
		if _, ok := p.locator.Locate(p.cur, sel, false); ok {
			return sel, true
		}
	}
	return screen.Selector{}, false
}
