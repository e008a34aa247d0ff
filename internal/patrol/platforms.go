package patrol

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xkilldash9x/droidpatrol/internal/screen"
)

// Platform describes how to drive one app: which package to launch, how to reach its
// search box, and how to tell results from post detail screens.
type Platform struct {
	Name             string   `mapstructure:"name" yaml:"name"`
	Package          string   `mapstructure:"package" yaml:"package"`
	SearchEntryIDs   []string `mapstructure:"search_entry_ids" yaml:"search_entry_ids"`
	SearchEntryTexts []string `mapstructure:"search_entry_texts" yaml:"search_entry_texts"`
	SearchInputIDs   []string `mapstructure:"search_input_ids" yaml:"search_input_ids"`
	// SearchInputType is the class name of the query field, EditText unless set.
	SearchInputType string   `mapstructure:"search_input_type" yaml:"search_input_type"`
	ResultsTexts    []string `mapstructure:"results_texts" yaml:"results_texts"`
	DetailTexts     []string `mapstructure:"detail_texts" yaml:"detail_texts"`
	// MinTextLength drops short labels (tabs, counters) from candidate scans.
	MinTextLength int      `mapstructure:"min_text_length" yaml:"min_text_length"`
	SkipIDs       []string `mapstructure:"skip_ids" yaml:"skip_ids"`
}

const defaultMinTextLength = 10

var defaultSkipIDs = []string{"tab", "nav", "bottom_bar", "toolbar", "action_bar"}

var builtinPlatforms = map[string]Platform{
	"threads": {
		Package:          "com.instagram.barcelona",
		SearchEntryIDs:   []string{"search_tab", "search"},
		SearchEntryTexts: []string{"Search", "搜尋"},
		ResultsTexts:     []string{"Top", "Recent", "Accounts", "熱門", "最新", "帳號"},
		DetailTexts:      []string{"Reply", "回覆"},
	},
	"instagram": {
		Package:          "com.instagram.android",
		SearchEntryIDs:   []string{"search_tab"},
		SearchEntryTexts: []string{"Search and explore", "Search", "搜尋"},
		ResultsTexts:     []string{"Accounts", "Tags", "Places", "帳號", "標籤", "地點"},
		DetailTexts:      []string{"Like", "Comment", "Share", "讚", "留言", "分享"},
	},
	"tiktok": {
		Package:          "com.zhiliaoapp.musically",
		SearchEntryIDs:   []string{"search"},
		SearchEntryTexts: []string{"Search", "搜尋"},
		ResultsTexts:     []string{"Top", "Users", "Videos", "Sounds", "熱門", "用戶", "影片"},
	},
	"x": {
		Package:          "com.twitter.android",
		SearchEntryIDs:   []string{"search"},
		SearchEntryTexts: []string{"Search and Explore", "Search", "搜尋"},
		ResultsTexts:     []string{"Top", "Latest", "People", "Photos", "Videos", "熱門", "最新"},
		DetailTexts:      []string{"Reply", "Repost", "Like", "回覆", "轉推", "喜歡"},
	},
	"facebook": {
		Package:          "com.facebook.katana",
		SearchEntryTexts: []string{"Search", "搜尋"},
		ResultsTexts:     []string{"All", "Posts", "People", "Photos", "全部", "貼文", "用戶"},
		DetailTexts:      []string{"Like", "Comment", "Share", "讚", "留言", "分享"},
	},
	"youtube": {
		Package:          "com.google.android.youtube",
		SearchEntryIDs:   []string{"menu_item_1", "search"},
		SearchEntryTexts: []string{"Search", "搜尋"},
		SearchInputIDs:   []string{"search_edit_text"},
		ResultsTexts:     []string{"Filter", "篩選"},
		MinTextLength:    20,
	},
}

// Platforms lists the built-in platform names.
func Platforms() []string {
	names := make([]string, 0, len(builtinPlatforms))
	for name := range builtinPlatforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupPlatform returns a built-in profile with an override applied on top. The
// override's non-empty fields replace the built-in ones; an unknown name is accepted
// when the override names a package.
func LookupPlatform(name string, override *Platform) (Platform, error) {
	key := strings.ToLower(name)
	p, ok := builtinPlatforms[key]
	if !ok && (override == nil || override.Package == "") {
		return Platform{}, fmt.Errorf("unknown platform %q (known: %s)", name, strings.Join(Platforms(), ", "))
	}
	p.Name = key
	if override != nil {
		p = p.merge(*override)
	}
	return p.withDefaults(), nil
}

func (p Platform) merge(o Platform) Platform {
	if o.Package != "" {
		p.Package = o.Package
	}
	if len(o.SearchEntryIDs) > 0 {
		p.SearchEntryIDs = o.SearchEntryIDs
	}
	if len(o.SearchEntryTexts) > 0 {
		p.SearchEntryTexts = o.SearchEntryTexts
	}
	if len(o.SearchInputIDs) > 0 {
		p.SearchInputIDs = o.SearchInputIDs
	}
	if o.SearchInputType != "" {
		p.SearchInputType = o.SearchInputType
	}
	if len(o.ResultsTexts) > 0 {
		p.ResultsTexts = o.ResultsTexts
	}
	if len(o.DetailTexts) > 0 {
		p.DetailTexts = o.DetailTexts
	}
	if o.MinTextLength > 0 {
		p.MinTextLength = o.MinTextLength
	}
	if len(o.SkipIDs) > 0 {
		p.SkipIDs = o.SkipIDs
	}
	return p
}

func (p Platform) withDefaults() Platform {
	if p.SearchInputType == "" {
		p.SearchInputType = "EditText"
	}
	if p.MinTextLength <= 0 {
		p.MinTextLength = defaultMinTextLength
	}
	if len(p.SkipIDs) == 0 {
		p.SkipIDs = defaultSkipIDs
	}
	return p
}

// SearchEntrySelectors returns the selectors tried, in order, to open search.
func (p Platform) SearchEntrySelectors() []screen.Selector {
	var out []screen.Selector
	for _, id := range p.SearchEntryIDs {
		out = append(out, screen.Selector{ResourceID: p.qualify(id)})
	}
	for _, text := range p.SearchEntryTexts {
		out = append(out, screen.Selector{Text: text})
	}
	return out
}

// SearchInputSelectors returns the selectors for the query field.
func (p Platform) SearchInputSelectors() []screen.Selector {
	var out []screen.Selector
	for _, id := range p.SearchInputIDs {
		out = append(out, screen.Selector{ResourceID: p.qualify(id)})
	}
	return append(out, screen.Selector{Type: p.SearchInputType})
}

// IsResults reports whether the snapshot looks like a results list.
func (p Platform) IsResults(s screen.Snapshot) bool {
	return hasAny(s, p.ResultsTexts)
}

// IsDetail reports whether the snapshot looks like a post detail view.
func (p Platform) IsDetail(s screen.Snapshot) bool {
	return hasAny(s, p.DetailTexts)
}

// qualify expands a bare id into the app's "pkg:id/name" form.
func (p Platform) qualify(id string) string {
	if strings.Contains(id, ":id/") || p.Package == "" {
		return id
	}
	return p.Package + ":id/" + id
}

func hasAny(s screen.Snapshot, texts []string) bool {
	for _, t := range texts {
		if s.HasText(t) {
			return true
		}
	}
	return false
}
