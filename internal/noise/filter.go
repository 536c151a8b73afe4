// ABOUTME: Classifies foreground identifiers as OS shell/launcher/gesture chrome or a real application
// ABOUTME: Pure allow/deny heuristics with case-sensitive exact, prefix and substring matching

package noise

import "strings"

// Rules is the heuristic set a Filter matches against.
type Rules struct {
	// Identifiers are exact OS shell and launcher identifiers.
	Identifiers []string

	// VendorPrefixes are namespace prefixes of platform and OEM packages.
	// An identifier with one of these prefixes is noise only if it also
	// contains one of the SystemKeywords.
	VendorPrefixes []string

	// SystemKeywords mark a vendor package as system chrome.
	SystemKeywords []string

	// TransientSubstrings mark gesture and transition surfaces regardless of
	// vendor.
	TransientSubstrings []string

	// TransientIdentifiers are exact transient surfaces.
	TransientIdentifiers []string
}

// DefaultRules returns the built-in heuristic set.
func DefaultRules() Rules {
	return Rules{
		Identifiers: []string{
			"android",
			"com.android.systemui",
			"com.android.launcher",
			"com.android.launcher2",
			"com.android.launcher3",
			"com.google.android.apps.nexuslauncher",
			"com.sec.android.app.launcher",
			"com.miui.home",
			"com.huawei.android.launcher",
			"com.oppo.launcher",
			"com.oneplus.launcher",
			"net.oneplus.launcher",
			"com.bbk.launcher2",
			"com.motorola.launcher3",
			"com.teslacoilsw.launcher",
			"com.android.permissioncontroller",
			"com.google.android.permissioncontroller",
			"com.android.packageinstaller",
			"com.google.android.packageinstaller",
		},
		VendorPrefixes: []string{
			"com.android.",
			"com.google.android.",
			"com.samsung.",
			"com.sec.android.",
			"com.miui.",
			"com.xiaomi.",
			"com.huawei.",
			"com.hihonor.",
			"com.oppo.",
			"com.coloros.",
			"com.oplus.",
			"com.oneplus.",
			"com.vivo.",
			"com.bbk.",
			"com.realme.",
			"com.motorola.",
			"com.lge.",
			"com.sonymobile.",
			"com.asus.",
			"com.nothing.",
		},
		SystemKeywords: []string{
			"launcher",
			"systemui",
			"settings",
			"gesture",
			"navigation",
			"navbar",
			"security",
			"keyboard",
			"inputmethod",
			"provider",
			"recents",
			"permission",
			"packageinstaller",
			"lockscreen",
			"screenshot",
		},
		TransientSubstrings: []string{
			"gesture",
			"transition",
			"animation",
		},
		TransientIdentifiers: []string{
			"com.android.systemui.recents",
			"com.android.quickstep",
			"com.google.android.apps.nexuslauncher.quickstep",
			"com.android.wm.shell",
			"com.android.internal.app.ResolverActivity",
		},
	}
}

// Merge returns a copy of r with extra's entries appended.
func (r Rules) Merge(extra Rules) Rules {
	return Rules{
		Identifiers:          appendCopy(r.Identifiers, extra.Identifiers),
		VendorPrefixes:       appendCopy(r.VendorPrefixes, extra.VendorPrefixes),
		SystemKeywords:       appendCopy(r.SystemKeywords, extra.SystemKeywords),
		TransientSubstrings:  appendCopy(r.TransientSubstrings, extra.TransientSubstrings),
		TransientIdentifiers: appendCopy(r.TransientIdentifiers, extra.TransientIdentifiers),
	}
}

func appendCopy(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// Filter answers whether a foreground identifier is system chrome.
// A Filter is immutable after construction and safe for concurrent use.
type Filter struct {
	exact      map[string]struct{}
	prefixes   []string
	keywords   []string
	substrings []string
}

// New builds a filter from rules. Empty entries are ignored.
func New(rules Rules) *Filter {
	f := &Filter{exact: make(map[string]struct{})}
	for _, id := range rules.Identifiers {
		if id != "" {
			f.exact[id] = struct{}{}
		}
	}
	for _, id := range rules.TransientIdentifiers {
		if id != "" {
			f.exact[id] = struct{}{}
		}
	}
	f.prefixes = nonEmpty(rules.VendorPrefixes)
	f.keywords = nonEmpty(rules.SystemKeywords)
	f.substrings = nonEmpty(rules.TransientSubstrings)
	return f
}

// Default returns a filter over DefaultRules.
func Default() *Filter {
	return New(DefaultRules())
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// IsNoise reports whether id names OS shell, launcher or transient gesture
// chrome rather than a real application. The empty identifier is noise.
func (f *Filter) IsNoise(id string) bool {
	if id == "" {
		return true
	}
	if _, ok := f.exact[id]; ok {
		return true
	}
	if containsAny(id, f.substrings) {
		return true
	}
	return f.hasVendorPrefix(id) && containsAny(id, f.keywords)
}

// IsTransient reports whether id is a gesture or transition surface.
func (f *Filter) IsTransient(id string) bool {
	return id != "" && containsAny(id, f.substrings)
}

func (f *Filter) hasVendorPrefix(id string) bool {
	for _, p := range f.prefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
