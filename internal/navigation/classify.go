package navigation

import (
	"strings"

	"github.com/xkilldash9x/droidpatrol/internal/executor"
	"github.com/xkilldash9x/droidpatrol/internal/screen"
)

// ScreenKind is a coarse label for what a screen shows.
type ScreenKind string

const (
	KindUnknown       ScreenKind = "unknown"
	KindHomeFeed      ScreenKind = "home_feed"
	KindSearchInput   ScreenKind = "search_input"
	KindSearchResults ScreenKind = "search_results"
	KindPostDetail    ScreenKind = "post_detail"
	KindComments      ScreenKind = "comments"
	KindProfile       ScreenKind = "profile"
	KindPopup         ScreenKind = "popup"
	KindLoginWall     ScreenKind = "login_wall"
	KindError         ScreenKind = "error"
)

// Signal weights.
const (
	textWeight    = 2
	typeWeight    = 1
	idWeight      = 2
	excludeWeight = -3
)

// Rule lists the signals that indicate a screen kind. Texts, Types and IDs are
// case-insensitive substrings; Exclude texts count against the kind.
type Rule struct {
	Kind    ScreenKind `mapstructure:"kind" yaml:"kind"`
	Texts   []string   `mapstructure:"texts" yaml:"texts"`
	Types   []string   `mapstructure:"types" yaml:"types"`
	IDs     []string   `mapstructure:"ids" yaml:"ids"`
	Exclude []string   `mapstructure:"exclude" yaml:"exclude"`
}

// loginWallTexts appear on screens that demand an account before continuing.
var loginWallTexts = []string{"Log in", "Sign in", "Sign up", "登入", "註冊"}

// DefaultRules are platform-neutral signals for the common screen kinds.
func DefaultRules() []Rule {
	return []Rule{
		{Kind: KindLoginWall, Texts: loginWallTexts, IDs: []string{"login", "signup"}},
		{Kind: KindPopup, Texts: []string{"Not now", "Dismiss", "Allow", "稍後再說"}, IDs: []string{"dialog", "popup"}},
		{Kind: KindError, Texts: []string{"Something went wrong", "Try again", "No internet", "發生錯誤"}},
		{Kind: KindSearchInput, Texts: []string{"Search", "搜尋"}, Types: []string{"EditText"}, IDs: []string{"search_edit_text", "search_bar"}},
		{Kind: KindSearchResults, Texts: []string{"Top", "Recent", "Latest", "Accounts", "熱門", "最新"}, IDs: []string{"results"}},
		{Kind: KindPostDetail, Texts: []string{"Reply", "Like", "Comment", "Share", "回覆", "讚"}, IDs: []string{"thread_view", "post_detail", "media_container"}},
		{Kind: KindComments, Texts: []string{"replies", "comments", "則回覆"}},
		{Kind: KindProfile, Texts: []string{"followers", "following", "粉絲"}},
		{Kind: KindHomeFeed, Types: []string{"RecyclerView"}, IDs: []string{"feed", "timeline"}},
	}
}

// LoginWallHint is the blocked-screen hint for account walls.
func LoginWallHint() executor.BlockedHint {
	return executor.BlockedHint{Reason: string(KindLoginWall), Texts: loginWallTexts}
}

// Classify scores every rule against the snapshot and returns the best kind. Ties keep
// the earlier rule. A snapshot with no positive score is KindUnknown.
func Classify(snap screen.Snapshot, rules []Rule) (ScreenKind, int) {
	best, bestScore := KindUnknown, 0
	for _, r := range rules {
		if s := score(snap, r); s > bestScore {
			best, bestScore = r.Kind, s
		}
	}
	return best, bestScore
}

func score(snap screen.Snapshot, r Rule) int {
	total := 0
	for _, t := range r.Texts {
		if snap.HasText(t) {
			total += textWeight
		}
	}
	for _, t := range r.Types {
		if anyElement(snap, func(typ, _ string) bool { return containsFold(typ, t) }) {
			total += typeWeight
		}
	}
	for _, id := range r.IDs {
		if anyElement(snap, func(_, rid string) bool { return containsFold(rid, id) }) {
			total += idWeight
		}
	}
	for _, t := range r.Exclude {
		if snap.HasText(t) {
			total += excludeWeight
		}
	}
	return max(total, 0)
}

func anyElement(snap screen.Snapshot, fn func(typ, rid string) bool) bool {
	for _, el := range snap.Elements {
		if fn(el.Type, el.ResourceID) {
			return true
		}
	}
	return false
}

func containsFold(s, sub string) bool {
	return sub != "" && strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
