package patrol

import (
	"fmt"
	"maps"

	"github.com/xkilldash9x/droidpatrol/internal/navigation"
)

// State is a patrol state machine state.
type State string

const (
	StateInit      State = "INIT"
	StateSearching State = "SEARCHING"
	StateScanning  State = "SCANNING"
	StateOpening   State = "OPENING"
	StateReading   State = "READING"
	StateReturning State = "RETURNING"
	StateDone      State = "DONE"
	StateAborted   State = "ABORTED"
)

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// EventKind identifies what the runner observed.
type EventKind string

const (
	EvStarted        EventKind = "started"
	EvLaunched       EventKind = "launched"
	EvLaunchFailed   EventKind = "launchFailed"
	EvSearched       EventKind = "searched"
	EvSearchFailed   EventKind = "searchFailed"
	EvScanned        EventKind = "scanned"
	EvScrolled       EventKind = "scrolled"
	EvScrollFailed   EventKind = "scrollFailed"
	EvOpened         EventKind = "opened"
	EvOpenFailed     EventKind = "openFailed"
	EvRead           EventKind = "read"
	EvReturned       EventKind = "returned"
	EvNavigationLost EventKind = "navigationLost"
	EvLoopDetected   EventKind = "loopDetected"
	EvRecovered      EventKind = "recovered"
	EvRecoveryFailed EventKind = "recoveryFailed"
	EvBlocked        EventKind = "blocked"
	EvTimeExpired    EventKind = "timeExpired"
	EvCancelled      EventKind = "cancelled"
)

// Event is the input to Reduce. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind
	// Err describes a failure for *Failed, NavigationLost and Blocked events.
	Err string
	// Candidates is the scan result, topmost first.
	Candidates []Candidate
	// Post is the record extracted when a candidate opened.
	Post *PostRecord
	// Engagement and Sentiment are merged into the latest post on Read.
	Engagement map[string]int64
	Sentiment  string
	// Moved is set on OpenFailed when the screen left the results list.
	Moved bool
	// Via says how a recovery got back.
	Via navigation.RecoveryVia
}

// EffectKind is the side effect the runner performs next.
type EffectKind string

const (
	EffNone    EffectKind = ""
	EffLaunch  EffectKind = "launch"
	EffSearch  EffectKind = "search"
	EffScan    EffectKind = "scan"
	EffScroll  EffectKind = "scroll"
	EffOpen    EffectKind = "open"
	EffRead    EffectKind = "read"
	EffBack    EffectKind = "back"
	EffRecover EffectKind = "recover"
)

// Effect is the output of Reduce.
type Effect struct {
	Kind      EffectKind
	Candidate *Candidate
}

// Model is the whole patrol state. Reduce never mutates a model it is given.
type Model struct {
	Config      Config
	State       State
	Visited     VisitedSet
	Skipped     VisitedSet
	Posts       []PostRecord
	Errors      []string
	ScrollCount int
	ErrorCount  int
	Recoveries  int
	Reason      string
	Pending     *Candidate
}

// NewModel returns the INIT model for cfg.
func NewModel(cfg Config) Model {
	return Model{Config: cfg, State: StateInit}
}

// Reduce is the patrol transition function. It is pure: the returned model shares no
// mutable state with m.
func Reduce(m Model, ev Event) (Model, Effect) {
	if m.State.Terminal() {
		return m, Effect{}
	}

	switch ev.Kind {
	case EvCancelled:
		return m.terminate(StateAborted, ReasonCancelled)
	case EvTimeExpired:
		return m.terminate(StateDone, ReasonMaxTime)
	case EvBlocked:
		m = m.withError(ev.Err)
		return m.terminate(StateAborted, reasonBlockedPrefix+ev.Err)
	case EvLoopDetected:
		m.Recoveries++
		return m, Effect{Kind: EffRecover}
	case EvRecovered:
		m.Pending = nil
		if ev.Via == navigation.RecoveredByRelaunch {
			m.State = StateSearching
			return m, Effect{Kind: EffSearch}
		}
		return m.scan()
	case EvRecoveryFailed:
		m = m.withError(ev.Err)
		return m.terminate(StateAborted, ReasonUnrecoverable)
	}

	switch m.State {
	case StateInit:
		switch ev.Kind {
		case EvStarted:
			return m, Effect{Kind: EffLaunch}
		case EvLaunched:
			m.State = StateSearching
			return m, Effect{Kind: EffSearch}
		case EvLaunchFailed:
			m = m.withError(ev.Err)
			return m.terminate(StateAborted, ReasonLaunchFailed)
		}

	case StateSearching:
		switch ev.Kind {
		case EvSearched:
			return m.scan()
		case EvSearchFailed:
			m = m.withError(ev.Err)
			return m.terminate(StateAborted, ReasonSearchFailed)
		}

	case StateScanning:
		switch ev.Kind {
		case EvScanned:
			return m.pick(ev.Candidates)
		case EvScrolled:
			m.ScrollCount++
			return m.scan()
		case EvScrollFailed:
			m.ScrollCount++
			return m.countError(ev.Err, Effect{Kind: EffScan})
		}

	case StateOpening:
		switch ev.Kind {
		case EvOpened:
			return m.opened(ev.Post)
		case EvOpenFailed:
			if m.Pending != nil {
				m.Skipped = m.Skipped.Add(m.Pending.Key)
			}
			m.Pending = nil
			next := Effect{Kind: EffScan}
			if ev.Moved {
				next = Effect{Kind: EffBack}
			}
			return m.countError(ev.Err, next)
		}

	case StateReading:
		if ev.Kind == EvRead {
			m = m.mergeRead(ev)
			m.State = StateReturning
			return m, Effect{Kind: EffBack}
		}

	case StateReturning:
		switch ev.Kind {
		case EvReturned:
			return m.scan()
		case EvNavigationLost:
			m = m.withError(ev.Err)
			m.Recoveries++
			return m, Effect{Kind: EffRecover}
		}
	}

	return m.terminate(StateAborted, fmt.Sprintf(reasonUnexpectedFmt, ev.Kind, m.State))
}

// scan enters SCANNING, or finishes when the post budget is spent.
func (m Model) scan() (Model, Effect) {
	if m.Visited.Len() >= m.Config.MaxPosts {
		return m.terminate(StateDone, ReasonMaxPosts)
	}
	m.State = StateScanning
	return m, Effect{Kind: EffScan}
}

func (m Model) pick(candidates []Candidate) (Model, Effect) {
	if m.Visited.Len() >= m.Config.MaxPosts {
		return m.terminate(StateDone, ReasonMaxPosts)
	}
	for _, c := range candidates {
		if m.Visited.Has(c.Key) || m.Skipped.Has(c.Key) {
			continue
		}
		m.State = StateOpening
		m.Pending = &c
		return m, Effect{Kind: EffOpen, Candidate: &c}
	}
	if m.ScrollCount < m.Config.MaxScrolls {
		return m, Effect{Kind: EffScroll}
	}
	return m.terminate(StateDone, ReasonMaxScrolls)
}

func (m Model) opened(post *PostRecord) (Model, Effect) {
	if m.Pending == nil || post == nil {
		return m.terminate(StateAborted, fmt.Sprintf(reasonUnexpectedFmt, EvOpened, m.State))
	}
	rec := *post
	rec.Key = m.Pending.Key
	m.Pending = nil
	if !m.Visited.Has(rec.Key) {
		m.Visited = m.Visited.Add(rec.Key)
		m.Posts = append(m.Posts[:len(m.Posts):len(m.Posts)], rec)
	}
	m.State = StateReading
	return m, Effect{Kind: EffRead}
}

func (m Model) mergeRead(ev Event) Model {
	n := len(m.Posts)
	if n == 0 {
		return m
	}
	posts := make([]PostRecord, n)
	copy(posts, m.Posts)
	last := posts[n-1]
	if len(ev.Engagement) > 0 {
		merged := make(map[string]int64, len(last.Engagement)+len(ev.Engagement))
		maps.Copy(merged, last.Engagement)
		for k, v := range ev.Engagement {
			if _, ok := merged[k]; !ok {
				merged[k] = v
			}
		}
		last.Engagement = merged
	}
	if ev.Sentiment != "" {
		last.Sentiment = ev.Sentiment
	}
	posts[n-1] = last
	m.Posts = posts
	if ev.Err != "" {
		m = m.withError(ev.Err)
	}
	return m
}

// countError records a counted failure and aborts once the error budget is spent.
func (m Model) countError(msg string, next Effect) (Model, Effect) {
	m = m.withError(msg)
	m.ErrorCount++
	if m.ErrorCount >= m.Config.MaxErrors {
		return m.terminate(StateAborted, ReasonMaxErrors)
	}
	switch next.Kind {
	case EffBack:
		m.State = StateReturning
	default:
		m.State = StateScanning
	}
	return m, next
}

func (m Model) withError(msg string) Model {
	if msg == "" {
		return m
	}
	m.Errors = append(m.Errors[:len(m.Errors):len(m.Errors)], msg)
	return m
}

// terminate ends the run. A spent post budget always wins as the reported reason.
func (m Model) terminate(state State, reason string) (Model, Effect) {
	if m.Visited.Len() >= m.Config.MaxPosts {
		state, reason = StateDone, ReasonMaxPosts
	}
	m.State = state
	m.Reason = reason
	m.Pending = nil
	return m, Effect{}
}
