package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/droidpatrol/internal/device"
	"github.com/xkilldash9x/droidpatrol/internal/executor"
	"github.com/xkilldash9x/droidpatrol/internal/navigation"
	"github.com/xkilldash9x/droidpatrol/internal/patrol"
	"github.com/xkilldash9x/droidpatrol/internal/screen"
)

const (
	defaultWaitTimeout     = 10 * time.Second
	defaultScrollLimit     = 5
	defaultSummaryLimit    = 20
	maxSummaryButtons      = 15
	defaultScrollDirection = device.DirectionUp
)

var defaultDismissTexts = []string{
	"OK", "Cancel", "Close", "Dismiss", "Got it", "Not now",
	"Skip", "Later", "No thanks", "Allow", "Deny",
	"確定", "取消", "關閉", "略過", "稍後", "允許", "拒絕",
}

// do runs one action through the tracker. A navigation loop is reported in the result
// and the loop counters are reset so the client can steer out of it.
func (s *Server) do(ctx context.Context, req executor.ActionRequest) MacroResult {
	res, err := s.tracker.Do(ctx, req)
	out := MacroResult{
		Success:  res.Succeeded(),
		Outcome:  res.Outcome,
		Attempts: res.Attempts,
		Matcher:  res.Matcher,
		Error:    res.Error,
	}
	if snap, ok := res.Current(); ok {
		out.Signature = snap.Signature
	}
	if errors.Is(err, navigation.ErrNavigationLoop) {
		out.Loop = true
		out.Message = err.Error()
		s.tracker.ResetLoopState()
	}
	s.logger.Debug("Macro action finished",
		zap.String("action", req.String()),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("attempts", res.Attempts))
	return out
}

// observe reads the screen without registering it with the tracker.
func (s *Server) observe(ctx context.Context) (screen.Snapshot, error) {
	snap, err := s.exec.Observe(ctx)
	if err != nil {
		return snap, fmt.Errorf("failed to read screen: %w", err)
	}
	return snap, nil
}

func (s *Server) findAndClick(ctx context.Context, p FindAndClickParams) (any, error) {
	sel := screen.Selector{ResourceID: p.ResourceID, Text: p.Text, Type: p.ClassName}
	if sel.IsZero() {
		return nil, errors.New("one of text, resource_id or class_name is required")
	}
	req := executor.Tap(sel)
	if p.ExpectedText != "" {
		req = req.WithExpect(&executor.Expectation{TextPresent: p.ExpectedText})
	}
	out := s.do(ctx, req)
	if out.Success {
		out.Message = "clicked " + sel.String()
	}
	return out, nil
}

func (s *Server) typeAndSubmit(ctx context.Context, p TypeAndSubmitParams) (any, error) {
	if p.Text == "" {
		return nil, errors.New("text is required")
	}
	submit := p.Submit == nil || *p.Submit

	if p.FieldText != "" || p.FieldResourceID != "" {
		focus := s.do(ctx, executor.Tap(screen.Selector{ResourceID: p.FieldResourceID, Text: p.FieldText}))
		if !focus.Success && focus.Outcome != executor.OutcomeIneffective {
			focus.Message = "failed to focus the input field"
			return focus, nil
		}
	}
	out := s.do(ctx, executor.TypeText(p.Text, submit))
	if out.Success {
		out.Message = "typed text"
		if submit {
			out.Message = "typed and submitted"
		}
	}
	return out, nil
}

func (s *Server) waitFor(ctx context.Context, p WaitForParams) (any, error) {
	if p.Text == "" {
		return nil, errors.New("text is required")
	}
	timeout := defaultWaitTimeout
	if p.TimeoutSeconds > 0 {
		timeout = time.Duration(p.TimeoutSeconds * float64(time.Second))
	}
	deadline := s.now().Add(timeout)
	action := "appeared"
	if p.Gone {
		action = "disappeared"
	}

	for {
		snap, err := s.observe(ctx)
		if err != nil {
			return nil, err
		}
		if snap.HasText(p.Text) != p.Gone {
			return MacroResult{Success: true, Signature: snap.Signature, Message: fmt.Sprintf("%q %s", p.Text, action)}, nil
		}
		if !s.now().Before(deadline) {
			return MacroResult{Success: false, Signature: snap.Signature,
				Message: fmt.Sprintf("%q has not %s within %s", p.Text, action, timeout)}, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.sleep(s.pollInterval)
	}
}

func parseDirection(d string) (device.Direction, error) {
	switch dir := device.Direction(strings.ToLower(strings.TrimSpace(d))); dir {
	case "":
		return defaultScrollDirection, nil
	case device.DirectionUp, device.DirectionDown, device.DirectionLeft, device.DirectionRight:
		return dir, nil
	default:
		return "", fmt.Errorf("unknown direction %q", d)
	}
}

func (s *Server) scroll(ctx context.Context, p ScrollParams) (any, error) {
	dir, err := parseDirection(p.Direction)
	if err != nil {
		return nil, err
	}
	out := s.do(ctx, executor.Swipe(dir, p.Distance).Once())
	if out.Outcome == executor.OutcomeIneffective {
		out.Message = "screen did not change, likely the end of the list"
	}
	return out, nil
}

func (s *Server) scrollAndFind(ctx context.Context, p ScrollAndFindParams) (any, error) {
	if p.Text == "" {
		return nil, errors.New("text is required")
	}
	dir, err := parseDirection(p.Direction)
	if err != nil {
		return nil, err
	}
	limit := p.MaxScrolls
	if limit <= 0 {
		limit = defaultScrollLimit
	}

	for scrolls := 0; ; scrolls++ {
		snap, err := s.observe(ctx)
		if err != nil {
			return nil, err
		}
		if snap.HasText(p.Text) {
			return MacroResult{Success: true, Scrolls: scrolls, Signature: snap.Signature,
				Message: fmt.Sprintf("found after %d scrolls", scrolls)}, nil
		}
		if scrolls == limit {
			return MacroResult{Success: false, Scrolls: scrolls, Signature: snap.Signature,
				Message: fmt.Sprintf("not found after %d scrolls", scrolls)}, nil
		}
		step := s.do(ctx, executor.Swipe(dir, 0).Once())
		if step.Outcome == executor.OutcomeIneffective || step.Loop {
			step.Scrolls = scrolls + 1
			step.Success = false
			step.Message = "reached the end of the list without finding the text"
			return step, nil
		}
		if step.Outcome == executor.OutcomeBackendError {
			step.Scrolls = scrolls + 1
			return step, nil
		}
	}
}

func (s *Server) navigateBack(ctx context.Context, p NavigateBackParams) (any, error) {
	req := executor.PressKey(device.KeyBack)
	if p.ExpectedText != "" {
		req = req.WithExpect(&executor.Expectation{TextPresent: p.ExpectedText})
	}
	out := s.do(ctx, req)
	if out.Success {
		out.Message = "back navigation verified"
	}
	return out, nil
}

func (s *Server) dismissPopup(ctx context.Context, p DismissPopupParams) (any, error) {
	texts := p.ButtonTexts
	if len(texts) == 0 {
		texts = defaultDismissTexts
	}
	snap, err := s.observe(ctx)
	if err != nil {
		return nil, err
	}
	for _, text := range texts {
		if !hasExactText(snap, text) {
			continue
		}
		out := s.do(ctx, executor.Tap(screen.Selector{Text: text}))
		out.Button = text
		if out.Success {
			out.Message = "dismissed with " + text
		}
		return out, nil
	}
	return MacroResult{Success: true, Signature: snap.Signature, Message: "no popup detected"}, nil
}

// hasExactText matches whole display texts so a "Later" button is not confused with a
// post that mentions it.
func hasExactText(snap screen.Snapshot, text string) bool {
	for _, el := range snap.Elements {
		if strings.EqualFold(strings.TrimSpace(el.Text), text) || strings.EqualFold(strings.TrimSpace(el.Label), text) {
			return true
		}
	}
	return false
}

func (s *Server) launchApp(ctx context.Context, p LaunchAppParams) (any, error) {
	if p.Package == "" {
		return nil, errors.New("package is required")
	}
	s.tracker.SetAppID(p.Package)
	req := executor.Launch(p.Package)
	if p.WaitText != "" {
		req = req.WithExpect(&executor.Expectation{TextPresent: p.WaitText})
	}
	out := s.do(ctx, req)
	if out.Signature != "" && (out.Success || out.Outcome == executor.OutcomeIneffective) {
		s.tracker.MarkEntry(out.Signature)
	}
	if out.Success {
		out.Message = "launched " + p.Package
	}
	return out, nil
}

func (s *Server) screenSummary(ctx context.Context, p ScreenSummaryParams) (any, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultSummaryLimit
	}
	snap, err := s.observe(ctx)
	if err != nil {
		return nil, err
	}
	kind, _ := navigation.Classify(snap, navigation.DefaultRules())
	out := ScreenSummary{
		Signature:    snap.Signature,
		Kind:         string(kind),
		ElementCount: len(snap.Elements),
		Texts:        []string{},
		Buttons:      []string{},
	}
	for _, el := range snap.Elements {
		text := el.DisplayText()
		if text != "" && len(out.Texts) < limit {
			out.Texts = append(out.Texts, text)
		}
		if el.Clickable {
			out.ClickableCount++
			if text != "" && len(out.Buttons) < maxSummaryButtons {
				out.Buttons = append(out.Buttons, text)
			}
		}
	}
	return out, nil
}

func (s *Server) patrol(ctx context.Context, p RunPatrolParams) (any, error) {
	cfg := s.patrolDefaults
	cfg.Keyword = p.Keyword
	if p.Platform != "" {
		cfg.Platform = p.Platform
	}
	if p.MaxPosts > 0 {
		cfg.MaxPosts = p.MaxPosts
	}
	if p.MaxScrolls > 0 {
		cfg.MaxScrolls = p.MaxScrolls
	}
	if p.MaxErrors > 0 {
		cfg.MaxErrors = p.MaxErrors
	}
	if p.MaxTimeSeconds > 0 {
		cfg.MaxTimeSeconds = p.MaxTimeSeconds
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	report, err := s.runPatrol(ctx, cfg)
	if err != nil {
		return nil, err
	}
	errs := report.Errors
	if len(errs) > 5 {
		errs = errs[:5]
	}
	if errs == nil {
		errs = []string{}
	}
	return PatrolSummary{
		Success:           report.FinalState == patrol.StateDone || len(report.VisitedPosts) > 0,
		RunID:             report.RunID,
		PostsVisited:      len(report.VisitedPosts),
		DurationSeconds:   report.Duration().Seconds(),
		FinalState:        string(report.FinalState),
		TerminationReason: report.TerminationReason,
		Summary:           report.Summary(),
		Errors:            errs,
	}, nil
}
